package metrics

import (
	"testing"
	"time"
)

func TestAsyncObserverDelivers(t *testing.T) {
	mem := NewMemoryObserver()
	async := NewAsyncObserver(mem, 8)
	async.RecordEvent(Event{Name: "stage_latency_ms", Value: 42})
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(mem.Events()) == 1 {
			async.Close()
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("event not delivered")
}

func TestAsyncObserverDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	slow := observerFunc(func(Event) { <-block })
	async := NewAsyncObserver(slow, 1)
	for i := 0; i < 64; i++ {
		async.RecordEvent(Event{Name: "x"})
	}
	if async.Dropped() == 0 {
		t.Fatalf("expected drops when inner observer is blocked")
	}
	close(block)
	async.Close()
}

func TestRecordAfterCloseIsNoop(t *testing.T) {
	mem := NewMemoryObserver()
	async := NewAsyncObserver(mem, 4)
	async.Close()
	async.RecordEvent(Event{Name: "late"}) // must not panic on closed channel
}

type observerFunc func(Event)

func (f observerFunc) RecordEvent(ev Event) { f(ev) }
