// Package config loads the orchestrator configuration snapshot. A snapshot
// is immutable after load; hot reloads produce a new snapshot that the
// engine hands to sessions between turns.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	BasePrompt  string `mapstructure:"base_prompt"`

	Session   SessionConfig   `mapstructure:"session"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	Transport TransportConfig `mapstructure:"transport"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Context   ContextConfig   `mapstructure:"context"`
}

type SessionConfig struct {
	SilenceTimeoutMS   int     `mapstructure:"silence_timeout_ms"`
	StartFrames        int     `mapstructure:"start_frames"`
	VADSensitivity     float64 `mapstructure:"vad_sensitivity"`
	VADThreshold       float64 `mapstructure:"vad_threshold"`
	BargeInWindowMS    int     `mapstructure:"barge_in_window_ms"`
	BargeInProbability float64 `mapstructure:"barge_in_probability"`
	PrerollFrames      int     `mapstructure:"preroll_frames"`
}

type AudioConfig struct {
	SampleRate int `mapstructure:"sample_rate"`
	Channels   int `mapstructure:"channels"`
	FrameMS    int `mapstructure:"frame_ms"`
}

type PipelineConfig struct {
	STTDeadlineMS           int    `mapstructure:"stt_deadline_ms"`
	LLMFirstTokenDeadlineMS int    `mapstructure:"llm_first_token_deadline_ms"`
	TTSDeadlineMS           int    `mapstructure:"tts_deadline_ms"`
	PlaybackDeadlineMS      int    `mapstructure:"playback_deadline_ms"`
	AwaitPlayback           bool   `mapstructure:"await_playback"`
	SentenceMinLen          int    `mapstructure:"sentence_min_len"`
	SentenceMaxTokens       int    `mapstructure:"sentence_max_tokens"`
	Voice                   string `mapstructure:"voice"`
	Language                string `mapstructure:"language"`
}

type EndpointConfig struct {
	ID        string         `mapstructure:"id"`
	Task      string         `mapstructure:"task"`
	Provider  string         `mapstructure:"provider"`
	Tier      string         `mapstructure:"tier"`
	CostClass string         `mapstructure:"cost_class"`
	Settings  map[string]any `mapstructure:"settings"`
}

type ConditionConfig struct {
	Tier      string `mapstructure:"tier"`
	CostClass string `mapstructure:"cost_class"`
	Language  string `mapstructure:"language"`
	Attribute string `mapstructure:"attribute"`
	Equals    string `mapstructure:"equals"`
}

type RuleConfig struct {
	Task       string            `mapstructure:"task"`
	Priority   int               `mapstructure:"priority"`
	Endpoint   string            `mapstructure:"endpoint"`
	Conditions []ConditionConfig `mapstructure:"conditions"`
}

type RoutingConfig struct {
	Endpoints       []EndpointConfig  `mapstructure:"endpoints"`
	Rules           []RuleConfig      `mapstructure:"rules"`
	Defaults        map[string]string `mapstructure:"defaults"`
	HealthIntervalS int               `mapstructure:"health_interval_s"`
}

type TransportConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type TelemetryConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
	JSONLPath   string `mapstructure:"jsonl_path"`
	BufferSize  int    `mapstructure:"buffer_size"`
}

type ContextConfig struct {
	MaxHistory int `mapstructure:"max_history"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("session.silence_timeout_ms", 1500)
	v.SetDefault("session.start_frames", 10)
	v.SetDefault("session.vad_sensitivity", 0.5)
	v.SetDefault("session.vad_threshold", 0.5)
	v.SetDefault("session.barge_in_window_ms", 600)
	v.SetDefault("session.barge_in_probability", 0.6)
	v.SetDefault("session.preroll_frames", 32)
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.frame_ms", 32)
	v.SetDefault("pipeline.stt_deadline_ms", 10000)
	v.SetDefault("pipeline.llm_first_token_deadline_ms", 5000)
	v.SetDefault("pipeline.tts_deadline_ms", 15000)
	v.SetDefault("pipeline.playback_deadline_ms", 60000)
	v.SetDefault("pipeline.await_playback", false)
	v.SetDefault("pipeline.sentence_min_len", 8)
	v.SetDefault("pipeline.sentence_max_tokens", 256)
	v.SetDefault("pipeline.language", "en")
	v.SetDefault("routing.health_interval_s", 15)
	v.SetDefault("telemetry.buffer_size", 1024)
	v.SetDefault("context.max_history", 16)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Routing.Endpoints) == 0 {
		return fmt.Errorf("routing.endpoints is required")
	}
	ids := make(map[string]string, len(c.Routing.Endpoints))
	for i, ep := range c.Routing.Endpoints {
		if strings.TrimSpace(ep.ID) == "" {
			return fmt.Errorf("routing.endpoints[%d].id is required", i)
		}
		if _, dup := ids[ep.ID]; dup {
			return fmt.Errorf("routing.endpoints: duplicate id %q", ep.ID)
		}
		switch ep.Task {
		case "stt", "llm", "tts":
		default:
			return fmt.Errorf("routing.endpoints[%d].task must be stt, llm, or tts", i)
		}
		if strings.TrimSpace(ep.Provider) == "" {
			return fmt.Errorf("routing.endpoints[%d].provider is required", i)
		}
		ids[ep.ID] = ep.Task
	}
	for task, id := range c.Routing.Defaults {
		got, ok := ids[id]
		if !ok {
			return fmt.Errorf("routing.defaults.%s: unknown endpoint %q", task, id)
		}
		if got != task {
			return fmt.Errorf("routing.defaults.%s: endpoint %q serves %s", task, id, got)
		}
	}
	for _, task := range []string{"stt", "llm", "tts"} {
		if _, ok := c.Routing.Defaults[task]; !ok {
			return fmt.Errorf("routing.defaults.%s is required", task)
		}
	}
	for i, r := range c.Routing.Rules {
		if _, ok := ids[r.Endpoint]; !ok {
			return fmt.Errorf("routing.rules[%d]: unknown endpoint %q", i, r.Endpoint)
		}
	}
	if strings.TrimSpace(c.Transport.Provider) == "" {
		return fmt.Errorf("transport.provider is required")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	for i := range cfg.Routing.Endpoints {
		cfg.Routing.Endpoints[i].Settings = expandSettings(cfg.Routing.Endpoints[i].Settings)
	}
	cfg.Transport.Settings = expandSettings(cfg.Transport.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
