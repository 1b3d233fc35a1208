// Package admission bounds the number of in-flight downstream submissions.
// Requests beyond capacity queue as waiters ordered by priority then arrival;
// waiters are rejected rather than queued without bound, and a slot freed by
// a finishing call is handed directly to the chosen waiter so the bound is
// never exceeded.
package admission

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/gitpulse/ingest-gateway/internal/common/ingesterrors"
	"github.com/gitpulse/ingest-gateway/pkg/api"
)

const tierCount = 3

func tierOf(priority api.Priority) int {
	switch priority {
	case api.PriorityHigh:
		return 2
	case api.PriorityLow:
		return 0
	default:
		return 1
	}
}

// Permit is a slot drawn from the controller's pool. Release is idempotent
// and must be called on every exit path, typically via defer.
type Permit struct {
	controller *Controller
	once       sync.Once
}

func (p *Permit) Release() {
	p.once.Do(p.controller.release)
}

type waiter struct {
	tier     int
	enqueued time.Time
	ready    chan struct{}
	granted  bool
}

// Controller is a fixed-size permit pool with priority-aware queueing.
type Controller struct {
	mu            sync.Mutex
	capacity      int
	inFlight      int
	queued        int
	maxQueueDepth int
	agingInterval time.Duration
	queues        [tierCount][]*waiter
	closed        bool
	clock         clock.Clock
}

type Option func(*Controller)

// WithClock replaces the controller's clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(ctrl *Controller) { ctrl.clock = c }
}

// New returns a controller admitting at most maxConcurrent calls, queueing at
// most maxQueueDepth waiters. agingInterval controls anti-starvation: a
// waiter's effective priority rises one tier per agingInterval waited, so
// continuous high-priority traffic cannot starve low-priority waiters
// indefinitely. Zero disables aging.
func New(maxConcurrent, maxQueueDepth int, agingInterval time.Duration, opts ...Option) *Controller {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctrl := &Controller{
		capacity:      maxConcurrent,
		maxQueueDepth: maxQueueDepth,
		agingInterval: agingInterval,
		clock:         clock.RealClock{},
	}
	for _, opt := range opts {
		opt(ctrl)
	}
	return ctrl
}

// Acquire blocks until a permit is free, maxWait elapses, ctx is cancelled or
// the controller is shut down. Rejections are of type
// *ingesterrors.ErrAdmissionRejected.
func (c *Controller) Acquire(ctx context.Context, priority api.Priority, maxWait time.Duration) (*Permit, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.WithStack(&ingesterrors.ErrAdmissionRejected{Reason: "shutdown"})
	}
	if c.inFlight < c.capacity {
		c.inFlight++
		c.mu.Unlock()
		return &Permit{controller: c}, nil
	}
	if c.queued >= c.maxQueueDepth {
		c.mu.Unlock()
		return nil, errors.WithStack(&ingesterrors.ErrAdmissionRejected{Reason: "queue-full"})
	}

	w := &waiter{
		tier:     tierOf(priority),
		enqueued: c.clock.Now(),
		ready:    make(chan struct{}),
	}
	c.queues[w.tier] = append(c.queues[w.tier], w)
	c.queued++
	c.mu.Unlock()

	var timeout <-chan time.Time
	if maxWait > 0 {
		timer := c.clock.NewTimer(maxWait)
		defer timer.Stop()
		timeout = timer.C()
	}

	select {
	case <-w.ready:
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.granted {
			return &Permit{controller: c}, nil
		}
		// Woken by shutdown.
		return nil, errors.WithStack(&ingesterrors.ErrAdmissionRejected{
			Reason: "shutdown",
			Wait:   c.clock.Since(w.enqueued),
		})
	case <-timeout:
		return c.abandon(w, "timeout")
	case <-ctx.Done():
		return c.abandon(w, "cancelled")
	}
}

// abandon removes w from its queue. If a grant raced ahead of the timeout the
// permit is returned instead, as the slot has already been handed to us.
func (c *Controller) abandon(w *waiter, reason string) (*Permit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.granted {
		return &Permit{controller: c}, nil
	}
	queue := c.queues[w.tier]
	for i, queued := range queue {
		if queued == w {
			c.queues[w.tier] = append(queue[:i], queue[i+1:]...)
			c.queued--
			break
		}
	}
	return nil, errors.WithStack(&ingesterrors.ErrAdmissionRejected{
		Reason: reason,
		Wait:   c.clock.Since(w.enqueued),
	})
}

func (c *Controller) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if next := c.dequeue(); next != nil {
		// Hand the slot straight to the waiter; inFlight is unchanged.
		next.granted = true
		close(next.ready)
		return
	}
	c.inFlight--
}

// dequeue picks the waiter with the highest effective priority. Queues are
// FIFO within a tier, so only each tier's head needs to be considered: the
// head is both the oldest and therefore the most aged entry of its tier.
func (c *Controller) dequeue() *waiter {
	now := c.clock.Now()
	bestTier := -1
	bestEffective := -1
	for tier := tierCount - 1; tier >= 0; tier-- {
		if len(c.queues[tier]) == 0 {
			continue
		}
		head := c.queues[tier][0]
		effective := tier
		if c.agingInterval > 0 {
			effective += int(now.Sub(head.enqueued) / c.agingInterval)
			if effective > tierCount-1 {
				effective = tierCount - 1
			}
		}
		if effective > bestEffective ||
			(effective == bestEffective && head.enqueued.Before(c.queues[bestTier][0].enqueued)) {
			bestTier = tier
			bestEffective = effective
		}
	}
	if bestTier < 0 {
		return nil
	}
	w := c.queues[bestTier][0]
	c.queues[bestTier] = c.queues[bestTier][1:]
	c.queued--
	return w
}

// Close rejects all queued waiters and all subsequent acquires. Permits
// already granted remain valid until released.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for tier := range c.queues {
		for _, w := range c.queues[tier] {
			close(w.ready)
		}
		c.queues[tier] = nil
	}
	c.queued = 0
}

// InFlight returns the number of permits currently held.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// QueueDepth returns the number of queued waiters.
func (c *Controller) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queued
}
