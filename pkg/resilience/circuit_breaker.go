package resilience

import (
	"sync"
	"time"

	"github.com/voxtutor/voxtutor/pkg/errorsx"
)

// CircuitBreaker blocks an endpoint after repeated transient failures,
// giving the health checker time to mark it down before more turns pay the
// connection-timeout tax.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown}
}

func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !time.Now().Before(c.openUntil)
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

// OnError counts failover-class errors only; cancellations and empty
// recognitions never trip the breaker.
func (c *CircuitBreaker) OnError(err error) {
	if err == nil || !errorsx.Failover(errorsx.Reason(err)) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= c.threshold {
		c.openUntil = time.Now().Add(c.cooldown)
	}
}
