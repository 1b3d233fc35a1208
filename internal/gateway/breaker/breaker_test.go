package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

const (
	testThreshold    = 3
	testResetTimeout = 30 * time.Second
)

func newTestBreaker(t *testing.T) (*Breaker, *clocktesting.FakeClock) {
	t.Helper()
	fakeClock := clocktesting.NewFakeClock(time.Now())
	return New("primary", testThreshold, testResetTimeout, WithClock(fakeClock)), fakeClock
}

func failOnce(t *testing.T, b *Breaker) {
	t.Helper()
	token, ok := b.Allow()
	require.True(t, ok)
	b.Failure(token)
}

func TestOpensAfterThresholdConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < testThreshold-1; i++ {
		failOnce(t, b)
		assert.Equal(t, PhaseClosed, b.Phase())
	}
	failOnce(t, b)
	assert.Equal(t, PhaseOpen, b.Phase())

	// No primary call is attempted until the reset timeout elapses.
	_, ok := b.Allow()
	assert.False(t, ok)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	failOnce(t, b)
	failOnce(t, b)

	token, ok := b.Allow()
	require.True(t, ok)
	b.Success(token)
	assert.Equal(t, 0, b.ConsecutiveFailures())

	// Isolated failures with successes in between never open the circuit.
	for i := 0; i < 10; i++ {
		failOnce(t, b)
		token, ok := b.Allow()
		require.True(t, ok)
		b.Success(token)
	}
	assert.Equal(t, PhaseClosed, b.Phase())
}

func TestHalfOpenAllowsSingleTrial(t *testing.T) {
	b, fakeClock := newTestBreaker(t)

	for i := 0; i < testThreshold; i++ {
		failOnce(t, b)
	}
	require.Equal(t, PhaseOpen, b.Phase())

	fakeClock.Step(testResetTimeout + time.Second)

	trial, ok := b.Allow()
	require.True(t, ok)
	assert.Equal(t, PhaseHalfOpen, b.Phase())

	// Concurrent callers during the trial are refused.
	_, ok = b.Allow()
	assert.False(t, ok)

	b.Success(trial)
	assert.Equal(t, PhaseClosed, b.Phase())
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

func TestFailedTrialReopensAndRestartsTimeout(t *testing.T) {
	b, fakeClock := newTestBreaker(t)

	for i := 0; i < testThreshold; i++ {
		failOnce(t, b)
	}
	fakeClock.Step(testResetTimeout + time.Second)

	trial, ok := b.Allow()
	require.True(t, ok)
	b.Failure(trial)
	assert.Equal(t, PhaseOpen, b.Phase())

	// The timeout restarted at trial failure; a short step is not enough.
	fakeClock.Step(time.Second)
	_, ok = b.Allow()
	assert.False(t, ok)

	fakeClock.Step(testResetTimeout)
	_, ok = b.Allow()
	assert.True(t, ok)
}

func TestLateFailureWhileOpenIsIgnored(t *testing.T) {
	b, _ := newTestBreaker(t)

	// A call admitted while closed may resolve after the circuit opened.
	late, ok := b.Allow()
	require.True(t, ok)

	for i := 0; i < testThreshold; i++ {
		failOnce(t, b)
	}
	require.Equal(t, PhaseOpen, b.Phase())

	b.Failure(late)
	assert.Equal(t, PhaseOpen, b.Phase())
	assert.Equal(t, testThreshold, b.ConsecutiveFailures())
}

func TestPhaseChangeHook(t *testing.T) {
	fakeClock := clocktesting.NewFakeClock(time.Now())
	var phases []Phase
	b := New("primary", testThreshold, testResetTimeout,
		WithClock(fakeClock),
		WithPhaseChangeHook(func(p Phase) { phases = append(phases, p) }),
	)

	for i := 0; i < testThreshold; i++ {
		failOnce(t, b)
	}
	fakeClock.Step(testResetTimeout + time.Second)
	trial, ok := b.Allow()
	require.True(t, ok)
	b.Success(trial)

	assert.Equal(t, []Phase{PhaseOpen, PhaseHalfOpen, PhaseClosed}, phases)
}
