package frames

// Meta keys shared across the pipeline.
const (
	MetaSessionID  = "session_id"
	MetaTurnID     = "turn_id"
	MetaSource     = "source"
	MetaReason     = "reason"
	MetaIsFinal    = "is_final"
	MetaChunkIndex = "chunk_index"
	MetaEncoding   = "encoding"
	MetaLanguage   = "language"
)
