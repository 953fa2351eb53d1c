// Package router selects provider endpoints for pipeline stages. Selection
// is a pure read over an immutable routing table snapshot; the table is
// swapped atomically so selection never blocks a live turn.
package router

import (
	"fmt"
	"sync/atomic"

	"github.com/voxtutor/voxtutor/pkg/errorsx"
)

type TaskType string

const (
	TaskSTT TaskType = "stt"
	TaskLLM TaskType = "llm"
	TaskTTS TaskType = "tts"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Endpoint is one routable provider target for a single task.
type Endpoint struct {
	ID        string
	Task      TaskType
	Provider  string
	Tier      string
	CostClass string
	Settings  map[string]any
	Health    HealthStatus
}

// Context carries the request attributes rules match against.
type Context struct {
	Tier       string
	CostClass  string
	Language   string
	Attributes map[string]string
}

// Condition is a single predicate on the routing context. Empty fields
// match anything.
type Condition struct {
	Tier      string
	CostClass string
	Language  string
	Attribute string
	Equals    string
}

func (c Condition) Matches(rc Context) bool {
	if c.Tier != "" && c.Tier != rc.Tier {
		return false
	}
	if c.CostClass != "" && c.CostClass != rc.CostClass {
		return false
	}
	if c.Language != "" && c.Language != rc.Language {
		return false
	}
	if c.Attribute != "" {
		if rc.Attributes == nil || rc.Attributes[c.Attribute] != c.Equals {
			return false
		}
	}
	return true
}

// Rule binds a set of conditions to an endpoint. All conditions must match.
type Rule struct {
	Task       TaskType
	Conditions []Condition
	Priority   int
	EndpointID string
}

func (r Rule) matches(task TaskType, rc Context) bool {
	if r.Task != task {
		return false
	}
	for _, c := range r.Conditions {
		if !c.Matches(rc) {
			return false
		}
	}
	return true
}

// Table is an immutable routing snapshot. Defaults maps each task to the
// endpoint used when no rule matches.
type Table struct {
	Endpoints []Endpoint
	Rules     []Rule
	Defaults  map[TaskType]string
}

func (t *Table) endpoint(id string) (Endpoint, bool) {
	for _, ep := range t.Endpoints {
		if ep.ID == id {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// Validate rejects tables that reference unknown endpoints or lack a
// default for a task any rule routes. A bad table must never be swapped in.
func (t *Table) Validate() error {
	for _, r := range t.Rules {
		if _, ok := t.endpoint(r.EndpointID); !ok {
			return errorsx.New(errorsx.ReasonFatalConfiguration,
				fmt.Sprintf("rule targets unknown endpoint %q", r.EndpointID))
		}
	}
	for task, id := range t.Defaults {
		ep, ok := t.endpoint(id)
		if !ok {
			return errorsx.New(errorsx.ReasonFatalConfiguration,
				fmt.Sprintf("default for %s targets unknown endpoint %q", task, id))
		}
		if ep.Task != task {
			return errorsx.New(errorsx.ReasonFatalConfiguration,
				fmt.Sprintf("default endpoint %q serves task %s, not %s", id, ep.Task, task))
		}
	}
	return nil
}

// Router holds the live table. Swap replaces it wholesale; in-flight turns
// keep the snapshot they selected against.
type Router struct {
	table atomic.Pointer[Table]
}

func New(t *Table) (*Router, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	r := &Router{}
	r.table.Store(t)
	return r, nil
}

// Swap installs a new table after validation. The old snapshot stays valid
// for any selection already made from it.
func (r *Router) Swap(t *Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.table.Store(t)
	return nil
}

func (r *Router) Snapshot() *Table { return r.table.Load() }

// Select picks the endpoint for a task. Rules are evaluated by descending
// priority with declaration order breaking ties; when none match the task
// default applies. Endpoints in exclude (and unhealthy ones) are skipped,
// which is how failover walks the candidate list. A nil exclude set means
// nothing is excluded.
func (r *Router) Select(task TaskType, rc Context, exclude map[string]bool) (Endpoint, error) {
	t := r.table.Load()

	usable := func(id string) (Endpoint, bool) {
		if exclude[id] {
			return Endpoint{}, false
		}
		ep, ok := t.endpoint(id)
		if !ok || ep.Health == HealthUnhealthy {
			return Endpoint{}, false
		}
		return ep, true
	}

	var best *Rule
	for i := range t.Rules {
		rule := &t.Rules[i]
		if !rule.matches(task, rc) {
			continue
		}
		if _, ok := usable(rule.EndpointID); !ok {
			continue
		}
		if best == nil || rule.Priority > best.Priority {
			best = rule
		}
	}
	if best != nil {
		ep, _ := usable(best.EndpointID)
		return ep, nil
	}

	defID, ok := t.Defaults[task]
	if !ok {
		return Endpoint{}, errorsx.New(errorsx.ReasonFatalConfiguration,
			fmt.Sprintf("no default endpoint configured for task %s", task))
	}
	if ep, ok := usable(defID); ok {
		return ep, nil
	}

	// Default excluded or unhealthy: fall through to any remaining endpoint
	// for the task so failover can exhaust the full candidate set.
	for _, ep := range t.Endpoints {
		if ep.Task != task {
			continue
		}
		if e, ok := usable(ep.ID); ok {
			return e, nil
		}
	}
	return Endpoint{}, errorsx.New(errorsx.ReasonNoEndpoint,
		fmt.Sprintf("all endpoints for task %s excluded or unhealthy", task))
}
