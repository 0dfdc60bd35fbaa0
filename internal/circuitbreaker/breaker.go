package circuitbreaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Snapshot is a point-in-time view of a breaker's runtime state.
type Snapshot struct {
	State           State `json:"-"`
	StateName       string
	Failures        int
	LastFailureTime int64 // epoch ms, 0 when none
	NextAttemptTime int64 // epoch ms, 0 while closed
}

// transition describes a state change produced by a mutation, consumed by
// the service for events, metrics, and store mirroring.
type transition struct {
	changed bool
	from    State
	to      State
}

// Breaker is the per-upstream state machine. All mutations are serialized
// by the mutex; side effects run outside it via the service callbacks.
type Breaker struct {
	serviceID string
	config    *Config
	logger    *zap.Logger

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	nextAttempt   time.Time
	probeInFlight bool
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(serviceID string, config *Config, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Breaker{
		serviceID: serviceID,
		config:    config,
		logger:    logger,
		state:     StateClosed,
	}
}

// ServiceID returns the identifier the breaker is registered under.
func (b *Breaker) ServiceID() string {
	return b.serviceID
}

// Config returns the breaker configuration.
func (b *Breaker) Config() *Config {
	return b.config
}

// Allow reports whether a request may proceed. While open, the first check
// at or past the reset deadline promotes the circuit to half-open and admits
// a single probe; further half-open checks are rejected until the probe
// resolves.
func (b *Breaker) Allow() (bool, transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateClosed:
		return true, transition{}

	case StateOpen:
		if now.Before(b.nextAttempt) {
			return false, transition{}
		}
		tr := b.transitionTo(StateHalfOpen, now)
		b.probeInFlight = true
		return true, tr

	case StateHalfOpen:
		if b.probeInFlight {
			return false, transition{}
		}
		b.probeInFlight = true
		return true, transition{}

	default:
		return false, transition{}
	}
}

// RecordSuccess records a successful upstream call.
func (b *Breaker) RecordSuccess() (Snapshot, transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var tr transition

	switch b.state {
	case StateHalfOpen:
		tr = b.transitionTo(StateClosed, now)

	case StateClosed:
		if b.failures > 0 {
			b.failures -= b.config.SuccessesBeforeReset
			if b.failures < 0 {
				b.failures = 0
			}
		}
	}

	return b.snapshotLocked(), tr
}

// RecordFailure records a failed upstream call.
func (b *Breaker) RecordFailure() (Snapshot, transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastFailure = now
	var tr transition

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			tr = b.transitionTo(StateOpen, now)
		}

	case StateHalfOpen:
		b.failures++
		tr = b.transitionTo(StateOpen, now)

	case StateOpen:
		// Late outcome from a request admitted before the circuit opened.
		b.failures++
	}

	return b.snapshotLocked(), tr
}

// Reset forces the breaker to the closed state.
func (b *Breaker) Reset() (Snapshot, transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var tr transition
	if b.state != StateClosed {
		tr = b.transitionTo(StateClosed, time.Now())
	} else {
		b.failures = 0
		b.probeInFlight = false
	}

	return b.snapshotLocked(), tr
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a consistent view of the runtime state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Hydrate overwrites the runtime state from mirrored values. Used at
// registration when the shared store holds state from another instance.
func (b *Breaker) Hydrate(state State, failures int, lastFailureMS, nextAttemptMS int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = state
	b.failures = failures
	b.probeInFlight = false
	b.lastFailure = timeFromMillis(lastFailureMS)
	b.nextAttempt = timeFromMillis(nextAttemptMS)
}

// transitionTo moves the state machine. Must be called with the lock held.
func (b *Breaker) transitionTo(newState State, now time.Time) transition {
	oldState := b.state
	b.state = newState
	b.probeInFlight = false

	switch newState {
	case StateOpen:
		b.nextAttempt = now.Add(b.config.ResetTimeout)
	case StateClosed:
		b.failures = 0
		b.nextAttempt = time.Time{}
	}

	b.logger.Info("circuit breaker state changed",
		zap.String("service_id", b.serviceID),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)

	return transition{changed: true, from: oldState, to: newState}
}

func (b *Breaker) snapshotLocked() Snapshot {
	return Snapshot{
		State:           b.state,
		StateName:       b.state.String(),
		Failures:        b.failures,
		LastFailureTime: timeToMillis(b.lastFailure),
		NextAttemptTime: timeToMillis(b.nextAttempt),
	}
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
