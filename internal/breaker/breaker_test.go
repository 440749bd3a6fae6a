package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/stretchr/testify/require"
	"github.com/tradeforge/engine/internal/domain"
	logpkg "github.com/tradeforge/engine/internal/logging"
	"github.com/tradeforge/engine/internal/store"
)

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	log := logpkg.New(logpkg.Options{Level: "error"})
	return New("broker_funds", cfg, st, log), st
}

// After K consecutive failures (K == FailureThreshold), every subsequent
// Call short-circuits with ErrOpen without invoking the protected
// function, until the persisted next_attempt_at elapses.
func TestCall_OpensAfterThresholdFailures(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 3, CooldownSeconds: 30, SuccessThreshold: 2})
	boom := errors.New("boom")

	var invocations int
	fail := func() error { invocations++; return boom }

	for i := 0; i < 3; i++ {
		err := b.Call(fail)
		require.ErrorIs(t, err, boom)
	}
	require.Equal(t, 3, invocations)

	st, err := b.Status()
	require.NoError(t, err)
	require.Equal(t, domain.BreakerOpen, st.State)

	// A fourth call must short-circuit without reaching the protected fn.
	err = b.Call(fail)
	var openErr ErrOpen
	require.ErrorAs(t, err, &openErr)
	require.Equal(t, 3, invocations, "the protected function must not run while the breaker is open")
}

// TestCall_HalfOpenAfterCooldownThenCloses patches time.Now with gomonkey
// to deterministically cross the persisted next_attempt_at boundary,
// exercising OPEN -> HALF_OPEN -> CLOSED without a real sleep.
func TestCall_HalfOpenAfterCooldownThenCloses(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 1, CooldownSeconds: 30, SuccessThreshold: 2})
	boom := errors.New("boom")

	base := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	current := base
	patches := gomonkey.ApplyFunc(time.Now, func() time.Time { return current })
	defer patches.Reset()

	require.ErrorIs(t, b.Call(func() error { return boom }), boom)
	st, err := b.Status()
	require.NoError(t, err)
	require.Equal(t, domain.BreakerOpen, st.State)

	// Still within cooldown: short-circuits.
	current = base.Add(10 * time.Second)
	var openErr ErrOpen
	require.ErrorAs(t, b.Call(func() error { return nil }), &openErr)

	// Past cooldown: transitions to half-open and lets the probe through.
	current = base.Add(31 * time.Second)
	var probed bool
	require.NoError(t, b.Call(func() error { probed = true; return nil }))
	require.True(t, probed)

	st, err = b.Status()
	require.NoError(t, err)
	require.Equal(t, domain.BreakerHalfOpen, st.State)

	// Second success in half-open reaches the success threshold and closes.
	require.NoError(t, b.Call(func() error { return nil }))
	st, err = b.Status()
	require.NoError(t, err)
	require.Equal(t, domain.BreakerClosed, st.State)
	require.Equal(t, 0, st.FailureCount)
}

// TestCall_HalfOpenFailureReopens verifies a failed probe during HALF_OPEN
// reopens the breaker and resets the cooldown window.
func TestCall_HalfOpenFailureReopens(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 1, CooldownSeconds: 30, SuccessThreshold: 2})
	boom := errors.New("boom")

	base := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	current := base
	patches := gomonkey.ApplyFunc(time.Now, func() time.Time { return current })
	defer patches.Reset()

	require.ErrorIs(t, b.Call(func() error { return boom }), boom)

	current = base.Add(31 * time.Second)
	require.ErrorIs(t, b.Call(func() error { return boom }), boom)

	st, err := b.Status()
	require.NoError(t, err)
	require.Equal(t, domain.BreakerOpen, st.State)
	require.NotNil(t, st.NextAttemptAt)
	require.True(t, st.NextAttemptAt.After(current))
}

// While CLOSED, a success resets the failure counter rather than merely
// leaving the state unchanged.
func TestCall_SuccessResetsFailureCountWhileClosed(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 3, CooldownSeconds: 30, SuccessThreshold: 2})
	boom := errors.New("boom")

	require.ErrorIs(t, b.Call(func() error { return boom }), boom)
	require.ErrorIs(t, b.Call(func() error { return boom }), boom)

	require.NoError(t, b.Call(func() error { return nil }))

	st, err := b.Status()
	require.NoError(t, err)
	require.Equal(t, domain.BreakerClosed, st.State)
	require.Equal(t, 0, st.FailureCount)
}

// A fresh Breaker instance bound to the same store observes the prior
// instance's persisted state: a process restart never silently resets the
// breaker.
func TestCall_PersistsAcrossRestart(t *testing.T) {
	b, st := newTestBreaker(t, Config{FailureThreshold: 1, CooldownSeconds: 30, SuccessThreshold: 2})
	boom := errors.New("boom")
	require.ErrorIs(t, b.Call(func() error { return boom }), boom)

	log := logpkg.New(logpkg.Options{Level: "error"})
	reloaded := New("broker_funds", Config{FailureThreshold: 1, CooldownSeconds: 30, SuccessThreshold: 2}, st, log)
	reloadedState, err := reloaded.Status()
	require.NoError(t, err)
	require.Equal(t, domain.BreakerOpen, reloadedState.State)
}
