package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Turn-level outcomes.
	ReasonProviderUnavailable ReasonCode = "provider_unavailable"
	ReasonProviderTimeout     ReasonCode = "provider_timeout"
	ReasonRecognitionEmpty    ReasonCode = "recognition_empty"
	ReasonCancelled           ReasonCode = "cancelled_by_interruption"
	ReasonFatalConfiguration  ReasonCode = "fatal_configuration"

	// Stage-local reasons.
	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"
	ReasonSTTStream  ReasonCode = "stt_stream"
	ReasonLLMStream  ReasonCode = "llm_stream"
	ReasonTTSConnect ReasonCode = "tts_connect"
	ReasonTTSSend    ReasonCode = "tts_send"
	ReasonTTSStream  ReasonCode = "tts_stream"

	// Routing.
	ReasonNoEndpoint ReasonCode = "router_no_endpoint"
)

// Terminal reports whether a reason ends the whole session rather than a
// single turn.
func Terminal(reason ReasonCode) bool {
	return reason == ReasonFatalConfiguration
}

// Failover reports whether a stage error should be retried on the next
// endpoint before surfacing.
func Failover(reason ReasonCode) bool {
	switch reason {
	case ReasonProviderUnavailable, ReasonProviderTimeout,
		ReasonSTTConnect, ReasonSTTSend, ReasonSTTStream,
		ReasonLLMStream,
		ReasonTTSConnect, ReasonTTSSend, ReasonTTSStream:
		return true
	}
	return false
}
