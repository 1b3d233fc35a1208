// Package breaker implements the circuit breaker protecting the primary
// downstream processor. The breaker tracks consecutive failures; once the
// configured threshold is reached it opens and calls are short-circuited to
// the fallback until a reset timeout elapses, after which a single trial call
// probes the primary.
package breaker

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

type Phase int

const (
	PhaseClosed Phase = iota
	PhaseOpen
	PhaseHalfOpen
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseOpen:
		return "open"
	case PhaseHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Token identifies a call the breaker allowed through to the primary. It must
// be handed back to exactly one of Success or Failure.
type Token struct {
	trial bool
}

// Breaker is the per-target circuit state machine. All transitions run under
// a single mutex; concurrent successes and failures cannot race on the
// consecutive-failure count.
type Breaker struct {
	mu                  sync.Mutex
	target              string
	failureThreshold    int
	resetTimeout        time.Duration
	phase               Phase
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
	clock               clock.PassiveClock
	onPhaseChange       func(Phase)
}

type Option func(*Breaker)

func WithClock(c clock.PassiveClock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithPhaseChangeHook registers a callback invoked (under the breaker's
// mutex) on every phase transition, e.g. to update a metrics gauge.
func WithPhaseChangeHook(hook func(Phase)) Option {
	return func(b *Breaker) { b.onPhaseChange = hook }
}

func New(target string, failureThreshold int, resetTimeout time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		target:           target,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		phase:            PhaseClosed,
		clock:            clock.RealClock{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Target() string {
	return b.target
}

// Allow reports whether a call may be sent to the primary. When the circuit
// has been open for at least the reset timeout, the first caller becomes the
// half-open trial; concurrent callers keep being refused until the trial
// resolves, so a recovering target is probed by one request rather than a
// herd.
func (b *Breaker) Allow() (Token, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.phase {
	case PhaseClosed:
		return Token{}, true
	case PhaseOpen:
		if b.clock.Since(b.openedAt) < b.resetTimeout {
			return Token{}, false
		}
		b.setPhase(PhaseHalfOpen)
		b.trialInFlight = true
		return Token{trial: true}, true
	case PhaseHalfOpen:
		if b.trialInFlight {
			return Token{}, false
		}
		b.trialInFlight = true
		return Token{trial: true}, true
	}
	return Token{}, false
}

// Success records a successful call to the primary.
func (b *Breaker) Success(t Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.trial {
		b.trialInFlight = false
		b.consecutiveFailures = 0
		b.setPhase(PhaseClosed)
		log.WithField("target", b.target).Info("circuit closed after successful trial")
		return
	}
	if b.phase == PhaseClosed {
		b.consecutiveFailures = 0
	}
}

// Failure records a failed call to the primary. Callers must classify first:
// only failures that indicate target unhealthiness (network errors, timeouts,
// server-side failures) belong here.
func (b *Breaker) Failure(t Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.trial {
		b.trialInFlight = false
		b.openedAt = b.clock.Now()
		b.setPhase(PhaseOpen)
		log.WithField("target", b.target).Warn("circuit reopened after failed trial")
		return
	}
	if b.phase != PhaseClosed {
		// A late failure from a call admitted before the circuit opened.
		return
	}
	b.consecutiveFailures++
	if b.consecutiveFailures >= b.failureThreshold {
		b.openedAt = b.clock.Now()
		b.setPhase(PhaseOpen)
		log.WithFields(log.Fields{
			"target":   b.target,
			"failures": b.consecutiveFailures,
		}).Warn("circuit opened")
	}
}

func (b *Breaker) setPhase(phase Phase) {
	if b.phase == phase {
		return
	}
	b.phase = phase
	if b.onPhaseChange != nil {
		b.onPhaseChange(phase)
	}
}

func (b *Breaker) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}
