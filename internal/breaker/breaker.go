// Package breaker implements per-detector circuit breaking. A detector
// that fails repeatedly is taken out of rotation until a cooldown passes,
// at which point a single trial call probes whether it recovered.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/wardenhq/llm-warden/internal/logger"
	"go.uber.org/zap"
)

// State is the position of a single detector circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// OpenError is returned when a circuit rejects a call without invoking
// the detector.
type OpenError struct {
	Detector   string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for detector %s, retry after %s", e.Detector, e.RetryAfter.Round(time.Millisecond))
}

// Transition describes a state change on one detector circuit.
type Transition struct {
	Detector string
	From     State
	To       State
	At       time.Time
}

// TransitionFunc observes circuit state changes. Called outside the
// breaker lock.
type TransitionFunc func(Transition)

// Snapshot is a point-in-time view of one circuit, for status endpoints.
type Snapshot struct {
	Detector     string    `json:"detector"`
	State        string    `json:"state"`
	Failures     int       `json:"consecutive_failures"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
	TotalTrips   int       `json:"total_trips"`
	TotalRejects int       `json:"total_rejects"`
}

type circuit struct {
	state         State
	failures      int
	lastFailure   time.Time
	openedAt      time.Time
	trialInFlight bool
	totalTrips    int
	totalRejects  int
}

// Breaker tracks one circuit per detector name. All transitions happen
// under a single mutex so concurrent observers see them in one order.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  TransitionFunc
	log       *logger.Logger
}

// New creates a breaker that opens a circuit after threshold consecutive
// failures and probes it again after cooldown.
func New(threshold int, cooldown time.Duration, log *logger.Logger) *Breaker {
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		log:       log.WithComponent("breaker"),
	}
}

// OnTransition registers an observer for state changes. Must be called
// before the breaker is shared.
func (b *Breaker) OnTransition(fn TransitionFunc) {
	b.onChange = fn
}

func (b *Breaker) get(detector string) *circuit {
	c, ok := b.circuits[detector]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[detector] = c
	}
	return c
}

// Allow reports whether a call to the detector may proceed. When the
// cooldown on an open circuit has elapsed, exactly one caller is admitted
// as the half-open trial; everyone else keeps getting OpenError until the
// trial resolves.
func (b *Breaker) Allow(detector string) error {
	b.mu.Lock()
	c := b.get(detector)

	switch c.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		elapsed := b.now().Sub(c.openedAt)
		if elapsed < b.cooldown {
			c.totalRejects++
			retryAfter := b.cooldown - elapsed
			b.mu.Unlock()
			return &OpenError{Detector: detector, RetryAfter: retryAfter}
		}
		c.state = StateHalfOpen
		c.trialInFlight = true
		transition := b.transitionLocked(detector, StateOpen, StateHalfOpen)
		b.mu.Unlock()
		b.notify(transition)
		return nil

	case StateHalfOpen:
		if c.trialInFlight {
			c.totalRejects++
			b.mu.Unlock()
			return &OpenError{Detector: detector, RetryAfter: 0}
		}
		c.trialInFlight = true
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()
	return nil
}

// RecordSuccess resets the circuit. A successful half-open trial closes it.
func (b *Breaker) RecordSuccess(detector string) {
	b.mu.Lock()
	c := b.get(detector)
	prev := c.state
	c.failures = 0
	c.trialInFlight = false

	var transition *Transition
	if prev == StateHalfOpen {
		c.state = StateClosed
		transition = b.transitionLocked(detector, prev, StateClosed)
	}
	b.mu.Unlock()
	b.notify(transition)
}

// RecordFailure counts a transient failure. Reaching the threshold, or
// failing the half-open trial, opens the circuit.
func (b *Breaker) RecordFailure(detector string) {
	b.mu.Lock()
	c := b.get(detector)
	prev := c.state
	c.failures++
	c.lastFailure = b.now()
	c.trialInFlight = false

	var transition *Transition
	switch {
	case prev == StateHalfOpen:
		c.state = StateOpen
		c.openedAt = b.now()
		c.totalTrips++
		transition = b.transitionLocked(detector, prev, StateOpen)
	case prev == StateClosed && c.failures >= b.threshold:
		c.state = StateOpen
		c.openedAt = b.now()
		c.totalTrips++
		transition = b.transitionLocked(detector, prev, StateOpen)
	}
	b.mu.Unlock()
	b.notify(transition)
}

// State returns the current state of a detector circuit.
func (b *Breaker) State(detector string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(detector).state
}

// Snapshots returns a view of every known circuit.
func (b *Breaker) Snapshots() []Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(b.circuits))
	for detector, c := range b.circuits {
		snapshots = append(snapshots, Snapshot{
			Detector:     detector,
			State:        c.state.String(),
			Failures:     c.failures,
			LastFailure:  c.lastFailure,
			OpenedAt:     c.openedAt,
			TotalTrips:   c.totalTrips,
			TotalRejects: c.totalRejects,
		})
	}
	return snapshots
}

func (b *Breaker) transitionLocked(detector string, from, to State) *Transition {
	return &Transition{Detector: detector, From: from, To: to, At: b.now()}
}

func (b *Breaker) notify(t *Transition) {
	if t == nil {
		return
	}
	b.log.Info("Circuit transition",
		zap.String("detector", t.Detector),
		zap.String("from", t.From.String()),
		zap.String("to", t.To.String()))
	if b.onChange != nil {
		b.onChange(*t)
	}
}
