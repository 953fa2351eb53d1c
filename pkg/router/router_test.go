package router

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/voxtutor/voxtutor/pkg/errorsx"
)

func testTable() *Table {
	return &Table{
		Endpoints: []Endpoint{
			{ID: "stt-a", Task: TaskSTT, Provider: "deepgram", Health: HealthHealthy},
			{ID: "stt-b", Task: TaskSTT, Provider: "deepgram", Health: HealthHealthy},
			{ID: "llm-fast", Task: TaskLLM, Provider: "openai", Health: HealthHealthy},
			{ID: "llm-deep", Task: TaskLLM, Provider: "openai", Health: HealthHealthy},
			{ID: "llm-cheap", Task: TaskLLM, Provider: "openai", Health: HealthHealthy},
			{ID: "tts-a", Task: TaskTTS, Provider: "elevenlabs", Health: HealthHealthy},
		},
		Rules: []Rule{
			{Task: TaskLLM, Conditions: []Condition{{Tier: "premium"}}, Priority: 10, EndpointID: "llm-deep"},
			{Task: TaskLLM, Conditions: []Condition{{Language: "en"}}, Priority: 5, EndpointID: "llm-fast"},
			{Task: TaskLLM, Conditions: []Condition{}, Priority: 1, EndpointID: "llm-cheap"},
		},
		Defaults: map[TaskType]string{
			TaskSTT: "stt-a",
			TaskLLM: "llm-cheap",
			TaskTTS: "tts-a",
		},
	}
}

func TestSelectHighestPriorityWins(t *testing.T) {
	r, err := New(testTable())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// Tier does not match the priority-10 rule, language matches priority 5,
	// and the catch-all matches at priority 1. Priority 5 must win.
	ep, err := r.Select(TaskLLM, Context{Tier: "standard", Language: "en"}, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if ep.ID != "llm-fast" {
		t.Fatalf("expected llm-fast, got %s", ep.ID)
	}
}

func TestSelectDeclarationOrderBreaksTies(t *testing.T) {
	tbl := testTable()
	tbl.Rules = []Rule{
		{Task: TaskLLM, Conditions: []Condition{{Language: "en"}}, Priority: 5, EndpointID: "llm-deep"},
		{Task: TaskLLM, Conditions: []Condition{{Tier: "standard"}}, Priority: 5, EndpointID: "llm-fast"},
	}
	r, err := New(tbl)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ep, err := r.Select(TaskLLM, Context{Tier: "standard", Language: "en"}, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if ep.ID != "llm-deep" {
		t.Fatalf("first declared rule must win ties, got %s", ep.ID)
	}
}

func TestSelectFallsBackToDefault(t *testing.T) {
	r, _ := New(testTable())
	ep, err := r.Select(TaskSTT, Context{}, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if ep.ID != "stt-a" {
		t.Fatalf("expected default stt-a, got %s", ep.ID)
	}
}

func TestSelectExclusionWalksCandidates(t *testing.T) {
	r, _ := New(testTable())
	exclude := map[string]bool{}

	first, err := r.Select(TaskSTT, Context{}, exclude)
	if err != nil {
		t.Fatalf("first select: %v", err)
	}
	exclude[first.ID] = true

	second, err := r.Select(TaskSTT, Context{}, exclude)
	if err != nil {
		t.Fatalf("second select: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("excluded endpoint returned again: %s", second.ID)
	}
	exclude[second.ID] = true

	_, err = r.Select(TaskSTT, Context{}, exclude)
	if !errorsx.HasReason(err, errorsx.ReasonNoEndpoint) {
		t.Fatalf("expected no-endpoint error once exhausted, got %v", err)
	}
}

func TestSelectSkipsUnhealthy(t *testing.T) {
	tbl := testTable()
	tbl.Endpoints[0].Health = HealthUnhealthy // stt-a
	r, _ := New(tbl)
	ep, err := r.Select(TaskSTT, Context{}, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if ep.ID != "stt-b" {
		t.Fatalf("expected healthy stt-b, got %s", ep.ID)
	}
}

func TestSelectNoDefaultIsFatal(t *testing.T) {
	tbl := testTable()
	delete(tbl.Defaults, TaskTTS)
	r, _ := New(tbl)
	_, err := r.Select(TaskTTS, Context{Tier: "premium"}, nil)
	if !errorsx.HasReason(err, errorsx.ReasonFatalConfiguration) {
		t.Fatalf("expected fatal configuration error, got %v", err)
	}
}

func TestValidateRejectsUnknownEndpoint(t *testing.T) {
	tbl := testTable()
	tbl.Rules = append(tbl.Rules, Rule{Task: TaskLLM, Priority: 99, EndpointID: "missing"})
	if _, err := New(tbl); err == nil {
		t.Fatal("expected validation error for unknown endpoint")
	}
}

func TestSwapDoesNotInvalidateOldSnapshot(t *testing.T) {
	r, _ := New(testTable())
	old := r.Snapshot()

	next := testTable()
	next.Defaults[TaskSTT] = "stt-b"
	if err := r.Swap(next); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if old.Defaults[TaskSTT] != "stt-a" {
		t.Fatal("old snapshot mutated by swap")
	}
	ep, _ := r.Select(TaskSTT, Context{}, nil)
	if ep.ID != "stt-b" {
		t.Fatalf("new table not live after swap, got %s", ep.ID)
	}
}

func TestHealthCheckerRefresh(t *testing.T) {
	r, _ := New(testTable())
	probe := func(ctx context.Context, ep Endpoint) HealthStatus {
		if ep.ID == "stt-a" {
			return HealthUnhealthy
		}
		return HealthHealthy
	}
	hc := NewHealthChecker(r, probe, time.Hour, slog.Default())
	hc.refresh(context.Background())

	ep, err := r.Select(TaskSTT, Context{}, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if ep.ID != "stt-b" {
		t.Fatalf("unhealthy endpoint still selected: %s", ep.ID)
	}
}
