package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestBreaker(t *testing.T, config *Config) *Breaker {
	t.Helper()
	return NewBreaker("test-service", config, zap.NewNop())
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := newTestBreaker(t, DefaultConfig())

	assert.Equal(t, StateClosed, b.State())

	allowed, tr := b.Allow()
	assert.True(t, allowed)
	assert.False(t, tr.changed)
}

func TestBreaker_OpensAtFailureThreshold(t *testing.T) {
	config := &Config{FailureThreshold: 3, ResetTimeout: time.Second, SuccessesBeforeReset: 1}
	b := newTestBreaker(t, config)

	for i := 0; i < 2; i++ {
		snap, tr := b.RecordFailure()
		assert.False(t, tr.changed)
		assert.Equal(t, i+1, snap.Failures)
		assert.Equal(t, StateClosed, b.State())
	}

	snap, tr := b.RecordFailure()
	assert.True(t, tr.changed)
	assert.Equal(t, StateClosed, tr.from)
	assert.Equal(t, StateOpen, tr.to)
	assert.Equal(t, StateOpen, b.State())
	assert.Greater(t, snap.NextAttemptTime, int64(0))
}

func TestBreaker_RejectsWhileOpen(t *testing.T) {
	config := &Config{FailureThreshold: 1, ResetTimeout: time.Second, SuccessesBeforeReset: 1}
	b := newTestBreaker(t, config)

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	allowed, tr := b.Allow()
	assert.False(t, allowed)
	assert.False(t, tr.changed)
}

func TestBreaker_PromotesToHalfOpenAfterResetTimeout(t *testing.T) {
	config := &Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, SuccessesBeforeReset: 1}
	b := newTestBreaker(t, config)

	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	allowed, tr := b.Allow()
	assert.True(t, allowed)
	assert.True(t, tr.changed)
	assert.Equal(t, StateHalfOpen, tr.to)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	config := &Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, SuccessesBeforeReset: 1}
	b := newTestBreaker(t, config)

	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	allowed, _ := b.Allow()
	assert.True(t, allowed)

	// The probe is in flight; further admissions are rejected.
	allowed, _ = b.Allow()
	assert.False(t, allowed)

	// Probe success closes the circuit and clears the gate.
	_, tr := b.RecordSuccess()
	assert.True(t, tr.changed)
	assert.Equal(t, StateClosed, tr.to)

	allowed, _ = b.Allow()
	assert.True(t, allowed)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	config := &Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, SuccessesBeforeReset: 1}
	b := newTestBreaker(t, config)

	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	b.Allow()
	assert.Equal(t, StateHalfOpen, b.State())

	snap, tr := b.RecordFailure()
	assert.True(t, tr.changed)
	assert.Equal(t, StateOpen, tr.to)
	assert.Greater(t, snap.NextAttemptTime, int64(0))
}

func TestBreaker_SuccessDecrementsFailuresWhileClosed(t *testing.T) {
	config := &Config{FailureThreshold: 5, ResetTimeout: time.Second, SuccessesBeforeReset: 2}
	b := newTestBreaker(t, config)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()

	snap, tr := b.RecordSuccess()
	assert.False(t, tr.changed)
	assert.Equal(t, 1, snap.Failures)

	snap, _ = b.RecordSuccess()
	assert.Equal(t, 0, snap.Failures)

	// No underflow once clear.
	snap, _ = b.RecordSuccess()
	assert.Equal(t, 0, snap.Failures)
}

func TestBreaker_OpenIffThresholdReached(t *testing.T) {
	// For any interleaving of failures and successes, the breaker is
	// open iff the running count reached the threshold.
	config := &Config{FailureThreshold: 3, ResetTimeout: time.Minute, SuccessesBeforeReset: 1}
	b := newTestBreaker(t, config)

	events := []struct {
		failure    bool
		wantState  State
		wantBroken bool
	}{
		{failure: true, wantState: StateClosed},
		{failure: false, wantState: StateClosed},
		{failure: true, wantState: StateClosed},
		{failure: true, wantState: StateClosed},
		{failure: true, wantState: StateOpen},
	}

	for i, ev := range events {
		if ev.failure {
			b.RecordFailure()
		} else {
			b.RecordSuccess()
		}
		assert.Equal(t, ev.wantState, b.State(), "event %d", i)
	}
}

func TestBreaker_ResetForcesClosed(t *testing.T) {
	config := &Config{FailureThreshold: 1, ResetTimeout: time.Minute, SuccessesBeforeReset: 1}
	b := newTestBreaker(t, config)

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	snap, tr := b.Reset()
	assert.True(t, tr.changed)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, snap.Failures)
	assert.Equal(t, int64(0), snap.NextAttemptTime)
}

func TestBreaker_HydrateRestoresState(t *testing.T) {
	b := newTestBreaker(t, DefaultConfig())

	nextAttempt := time.Now().Add(5 * time.Second).UnixMilli()
	b.Hydrate(StateOpen, 4, time.Now().UnixMilli(), nextAttempt)

	assert.Equal(t, StateOpen, b.State())

	allowed, _ := b.Allow()
	assert.False(t, allowed)

	snap := b.Snapshot()
	assert.Equal(t, 4, snap.Failures)
	assert.Equal(t, nextAttempt, snap.NextAttemptTime)
}

func TestBreaker_LateFailureWhileOpenOnlyCounts(t *testing.T) {
	config := &Config{FailureThreshold: 1, ResetTimeout: time.Minute, SuccessesBeforeReset: 1}
	b := newTestBreaker(t, config)

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	_, tr := b.RecordFailure()
	assert.False(t, tr.changed)
	assert.Equal(t, StateOpen, b.State())
}
