// Package governor implements the process-wide Rate-Limit Governor: a
// minimum inter-request spacing per model plus a global concurrency ceiling,
// with FIFO ordering among waiters and fallback-model switching under
// sustained failure.
//
// The pacing clock is grounded on golang.org/x/time/rate (already part of
// the dependency tree this codebase descends from) — one limiter per model
// id, each ticking independently but all draining the same concurrency
// pool, mirroring the "own pacing clock, shared pool" requirement.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/corvid-labs/deepsearch/internal/research"
)

// Config configures the Governor at construction time.
type Config struct {
	// MinSpacing is the minimum inter-request spacing per model.
	MinSpacing time.Duration
	// MaxConcurrency is the global concurrency ceiling shared by every model.
	MaxConcurrency int
	// FallbackModel is switched to after ConsecutiveFailureThreshold
	// consecutive retryable failures of the same model.
	FallbackModel string
	// ConsecutiveFailureThreshold is the number of consecutive failures of
	// the same model before the Governor reports the fallback model.
	ConsecutiveFailureThreshold int
}

// Governor is a process-wide shared resource. It must be constructed once at
// startup and injected into every caller (LLM Capability, Page Acquisition
// Pipeline's hosted-parser path) rather than reached for as a singleton.
type Governor struct {
	cfg Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	failures map[string]int

	capacity int
	inFlight int
	waiters  []chan struct{} // FIFO queue of waiters for the concurrency ceiling
}

// New constructs a Governor. maxConcurrency <= 0 means unbounded concurrency.
func New(cfg Config) *Governor {
	if cfg.ConsecutiveFailureThreshold <= 0 {
		cfg.ConsecutiveFailureThreshold = 3
	}
	g := &Governor{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		failures: make(map[string]int),
		capacity: cfg.MaxConcurrency,
	}
	return g
}

func (g *Governor) limiterFor(model string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[model]
	if !ok {
		var r rate.Limit
		if g.cfg.MinSpacing <= 0 {
			r = rate.Inf
		} else {
			r = rate.Every(g.cfg.MinSpacing)
		}
		l = rate.NewLimiter(r, 1)
		g.limiters[model] = l
	}
	return l
}

// Acquire blocks until the model's pacing clock and the global concurrency
// ceiling both admit the call. The returned release function must be called
// exactly once, regardless of the call's outcome, to free the concurrency
// slot. Acquire respects ctx cancellation.
func (g *Governor) Acquire(ctx context.Context, model string) (release func(), err error) {
	limiter := g.limiterFor(model)
	if err := limiter.Wait(ctx); err != nil {
		return nil, research.New(research.KindCancelled, "governor.Acquire", err)
	}
	if err := g.acquireSlot(ctx); err != nil {
		return nil, err
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		g.releaseSlot()
	}, nil
}

// acquireSlot enforces the global concurrency ceiling with strict FIFO
// ordering among waiters: each caller enqueues a one-shot channel and is
// woken in enqueue order as slots free up.
func (g *Governor) acquireSlot(ctx context.Context) error {
	if g.capacity <= 0 {
		return nil
	}
	g.mu.Lock()
	if g.inFlight < g.capacity && len(g.waiters) == 0 {
		g.inFlight++
		g.mu.Unlock()
		return nil
	}
	turn := make(chan struct{})
	g.waiters = append(g.waiters, turn)
	g.mu.Unlock()

	select {
	case <-turn:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		removed := false
		for i, w := range g.waiters {
			if w == turn {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				removed = true
				break
			}
		}
		g.mu.Unlock()
		if !removed {
			// A concurrent releaseSlot already popped turn and handed it
			// the slot in the instant before ctx was observed as done.
			// Confirm the hand-off actually happened, then forward the
			// now-unwanted slot to the next waiter instead of leaking it
			// from inFlight for the life of the process.
			select {
			case <-turn:
				g.releaseSlot()
			default:
			}
		}
		return research.New(research.KindCancelled, "governor.Acquire", ctx.Err())
	}
}

func (g *Governor) releaseSlot() {
	if g.capacity <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.waiters) > 0 {
		next := g.waiters[0]
		g.waiters = g.waiters[1:]
		close(next)
		return
	}
	g.inFlight--
}

// RecordFailure registers a retryable failure for model and reports whether
// the caller should switch to the configured fallback model for the
// remainder of the call. A successful call must call RecordSuccess to reset
// the streak.
func (g *Governor) RecordFailure(model string) (fallbackModel string, shouldSwitch bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[model]++
	if g.failures[model] >= g.cfg.ConsecutiveFailureThreshold && g.cfg.FallbackModel != "" && g.cfg.FallbackModel != model {
		return g.cfg.FallbackModel, true
	}
	return "", false
}

// RecordSuccess resets the consecutive-failure streak for model.
func (g *Governor) RecordSuccess(model string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failures, model)
}

// Stats reports a human-readable snapshot of the tracked models, the
// in-flight count against the ceiling, and the number of waiters.
func (g *Governor) Stats() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fmt.Sprintf("models_tracked=%d in_flight=%d/%d waiters=%d", len(g.limiters), g.inFlight, g.capacity, len(g.waiters))
}
