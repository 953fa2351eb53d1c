package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// LifecycleRunner is a one-shot Runner. Run blocks until the context is
// cancelled or Stop is called, then drains within the configured timeout.
// A drain that overruns the timeout is abandoned, not killed; its error is
// reported alongside the timeout.
type LifecycleRunner struct {
	state        atomic.Int32
	hooks        Hooks
	drainer      Drainer
	drainTimeout time.Duration

	stopSignal chan struct{}
	stopOnce   sync.Once
	doneOnce   sync.Once
	done       chan struct{}
	runErr     error
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, drainTimeout time.Duration) *LifecycleRunner {
	if drainTimeout <= 0 {
		drainTimeout = 10 * time.Second
	}
	return &LifecycleRunner{
		hooks:        hooks,
		drainer:      drainer,
		drainTimeout: drainTimeout,
		stopSignal:   make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return errors.New("runner already started")
	}
	PrintBanner()
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.state.Store(int32(StateRunning))

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
	case <-r.stopSignal:
	}
	r.shutdown()
	return r.runErr
}

// Stop requests shutdown and waits for the drain to complete. Safe to call
// from any goroutine, any number of times.
func (r *LifecycleRunner) Stop() error {
	r.stopOnce.Do(func() { close(r.stopSignal) })
	<-r.done
	return r.runErr
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) shutdown() {
	r.doneOnce.Do(func() {
		r.state.Store(int32(StateDraining))
		if r.drainer != nil {
			drained := make(chan error, 1)
			go func() { drained <- r.drainer.Drain() }()
			select {
			case err := <-drained:
				r.runErr = err
			case <-time.After(r.drainTimeout):
				r.runErr = errors.New("drain timeout")
			}
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.state.Store(int32(StateStopped))
		close(r.done)
	})
}
