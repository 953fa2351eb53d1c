package history

import (
	"fmt"
	"testing"
	"time"
)

func TestMemoryStoreAppendAndLoadRecent(t *testing.T) {
	s := NewMemoryStore(10)
	for i := 0; i < 5; i++ {
		err := s.Append(ConversationTurn{
			ID:        fmt.Sprintf("t%d", i),
			Role:      RoleUser,
			Text:      fmt.Sprintf("utterance %d", i),
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	recent, err := s.LoadRecent(3)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(recent))
	}
	if recent[0].ID != "t2" || recent[2].ID != "t4" {
		t.Fatalf("expected the most recent turns in order, got %v", recent)
	}
}

func TestMemoryStoreBounded(t *testing.T) {
	s := NewMemoryStore(4)
	for i := 0; i < 100; i++ {
		_ = s.Append(ConversationTurn{ID: fmt.Sprintf("t%d", i)})
	}
	if s.Len() != 4 {
		t.Fatalf("store must stay bounded, got %d", s.Len())
	}
	recent, _ := s.LoadRecent(0)
	if recent[len(recent)-1].ID != "t99" {
		t.Fatalf("newest turn must be retained")
	}
}

func TestLoadRecentLargerThanStore(t *testing.T) {
	s := NewMemoryStore(10)
	_ = s.Append(ConversationTurn{ID: "only"})
	recent, _ := s.LoadRecent(50)
	if len(recent) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(recent))
	}
}
