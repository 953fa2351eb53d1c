package history

import "sync"

// MemoryStore keeps a bounded in-memory record. Sessions run 60-90 minutes,
// so the cap bounds memory growth while keeping enough context for prompts.
type MemoryStore struct {
	mu    sync.Mutex
	turns []ConversationTurn
	max   int
}

func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 1024
	}
	return &MemoryStore{max: max}
}

func (s *MemoryStore) Append(turn ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
	if len(s.turns) > s.max {
		s.turns = s.turns[len(s.turns)-s.max:]
	}
	return nil
}

func (s *MemoryStore) LoadRecent(limit int) ([]ConversationTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.turns)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]ConversationTurn, n)
	copy(out, s.turns[len(s.turns)-n:])
	return out, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}
