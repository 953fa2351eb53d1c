// Package history holds the append-only conversation record. Turns are
// immutable after append; a cancelled turn is never appended at all.
package history

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn is one finalized utterance or response.
type ConversationTurn struct {
	ID             string
	Role           Role
	Text           string
	CreatedAt      time.Time
	SourceAudioRef string
}

// Store is the persistence boundary. The session machine is the only
// writer; Append is called at turn finalization and LoadRecent at session
// start.
type Store interface {
	Append(turn ConversationTurn) error
	LoadRecent(limit int) ([]ConversationTurn, error)
}
