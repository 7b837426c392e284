// Package admission implements the Per-Domain Admission Controller: a
// per-host concurrency semaphore plus a cool-down timer between consecutive
// fetches of the same host, and a global fetch semaphore.
//
// Host normalisation follows internal/policy's CrawlPolicy convention
// (lower-case, strip a leading "www."), the closest host-keyed concern in
// this codebase's lineage.
package admission

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/corvid-labs/deepsearch/internal/research"
)

// Config configures the Controller at construction.
type Config struct {
	// ConcurrentLimit is the per-domain concurrency cap.
	ConcurrentLimit int
	// CoolDown is the minimum time between the completion of one fetch to a
	// host and the start of the next to that same host.
	CoolDown time.Duration
	// GlobalLimit bounds total concurrent fetches across every domain. <=0
	// means unbounded.
	GlobalLimit int
}

type domainState struct {
	mu             sync.Mutex
	waiters        []chan struct{}
	inFlight       int
	lastCompletion time.Time
	hasCompleted   bool
}

// Controller is a process-wide shared resource, constructed once at startup
// and injected into the Page Acquisition Pipeline's callers.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	domains map[string]*domainState

	globalMu      sync.Mutex
	globalWaiters []chan struct{}
	globalInFlight int
}

// New constructs a Controller.
func New(cfg Config) *Controller {
	return &Controller{cfg: cfg, domains: make(map[string]*domainState)}
}

// NormalizeHost lower-cases a host or URL string and strips a "www." prefix.
func NormalizeHost(raw string) string {
	value := strings.TrimSpace(strings.ToLower(raw))
	if value == "" {
		return ""
	}
	if strings.Contains(value, "://") {
		if u, err := url.Parse(value); err == nil && u.Host != "" {
			value = u.Host
		}
	}
	return strings.TrimPrefix(value, "www.")
}

func (c *Controller) domainFor(host string) *domainState {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.domains[host]
	if !ok {
		d = &domainState{}
		c.domains[host] = d
	}
	return d
}

// Acquire blocks until a domain slot is available, the domain's cool-down
// has elapsed, and the global slot is available, in that order. The returned
// release function must be called exactly once and updates the domain's
// last-completion timestamp regardless of the fetch's outcome.
func (c *Controller) Acquire(ctx context.Context, rawURL string) (release func(), err error) {
	host := NormalizeHost(rawURL)
	d := c.domainFor(host)

	if err := c.acquireDomainSlot(ctx, d); err != nil {
		return nil, err
	}
	if err := c.waitCoolDown(ctx, d); err != nil {
		c.releaseDomainSlot(d)
		return nil, err
	}
	if err := c.acquireGlobalSlot(ctx); err != nil {
		c.releaseDomainSlot(d)
		return nil, err
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		d.mu.Lock()
		d.lastCompletion = time.Now()
		d.hasCompleted = true
		d.mu.Unlock()
		c.releaseGlobalSlot()
		c.releaseDomainSlot(d)
	}, nil
}

func (c *Controller) acquireDomainSlot(ctx context.Context, d *domainState) error {
	limit := c.cfg.ConcurrentLimit
	if limit <= 0 {
		limit = 1
	}
	d.mu.Lock()
	if d.inFlight < limit && len(d.waiters) == 0 {
		d.inFlight++
		d.mu.Unlock()
		return nil
	}
	turn := make(chan struct{})
	d.waiters = append(d.waiters, turn)
	d.mu.Unlock()

	select {
	case <-turn:
		return nil
	case <-ctx.Done():
		d.mu.Lock()
		removed := false
		for i, w := range d.waiters {
			if w == turn {
				d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
				removed = true
				break
			}
		}
		d.mu.Unlock()
		if !removed {
			// A concurrent releaseDomainSlot already popped turn and handed
			// it the slot in the instant before ctx was observed as done.
			// Confirm the hand-off actually happened, then forward the
			// now-unwanted slot to the next waiter instead of leaking it
			// from inFlight for the life of the process.
			select {
			case <-turn:
				c.releaseDomainSlot(d)
			default:
			}
		}
		return research.New(research.KindCancelled, "admission.Acquire", ctx.Err())
	}
}

func (c *Controller) releaseDomainSlot(d *domainState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.waiters) > 0 {
		next := d.waiters[0]
		d.waiters = d.waiters[1:]
		close(next)
		return
	}
	d.inFlight--
}

func (c *Controller) waitCoolDown(ctx context.Context, d *domainState) error {
	if c.cfg.CoolDown <= 0 {
		return nil
	}
	d.mu.Lock()
	hasCompleted := d.hasCompleted
	last := d.lastCompletion
	d.mu.Unlock()
	if !hasCompleted {
		return nil
	}
	remaining := c.cfg.CoolDown - time.Since(last)
	if remaining <= 0 {
		return nil
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return research.New(research.KindCancelled, "admission.Acquire", ctx.Err())
	}
}

func (c *Controller) acquireGlobalSlot(ctx context.Context) error {
	if c.cfg.GlobalLimit <= 0 {
		return nil
	}
	c.globalMu.Lock()
	if c.globalInFlight < c.cfg.GlobalLimit && len(c.globalWaiters) == 0 {
		c.globalInFlight++
		c.globalMu.Unlock()
		return nil
	}
	turn := make(chan struct{})
	c.globalWaiters = append(c.globalWaiters, turn)
	c.globalMu.Unlock()

	select {
	case <-turn:
		return nil
	case <-ctx.Done():
		c.globalMu.Lock()
		removed := false
		for i, w := range c.globalWaiters {
			if w == turn {
				c.globalWaiters = append(c.globalWaiters[:i], c.globalWaiters[i+1:]...)
				removed = true
				break
			}
		}
		c.globalMu.Unlock()
		if !removed {
			// A concurrent releaseGlobalSlot already popped turn and handed
			// it the slot in the instant before ctx was observed as done.
			// Confirm the hand-off actually happened, then forward the
			// now-unwanted slot to the next waiter instead of leaking it
			// from globalInFlight for the life of the process.
			select {
			case <-turn:
				c.releaseGlobalSlot()
			default:
			}
		}
		return research.New(research.KindCancelled, "admission.Acquire", ctx.Err())
	}
}

func (c *Controller) releaseGlobalSlot() {
	if c.cfg.GlobalLimit <= 0 {
		return
	}
	c.globalMu.Lock()
	defer c.globalMu.Unlock()
	if len(c.globalWaiters) > 0 {
		next := c.globalWaiters[0]
		c.globalWaiters = c.globalWaiters[1:]
		close(next)
		return
	}
	c.globalInFlight--
}
