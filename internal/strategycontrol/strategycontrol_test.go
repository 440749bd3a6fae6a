package strategycontrol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tradeforge/engine/internal/domain"
	"github.com/tradeforge/engine/internal/logging"
	"github.com/tradeforge/engine/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	log := logging.New(logging.Options{Level: "error"})
	return New(st, 5*time.Millisecond, 200*time.Millisecond, log), st
}

func TestSendIntent_StopWithoutConfirmIsRejected(t *testing.T) {
	svc, _ := newTestService(t)
	resp, err := svc.SendIntent("strat-a", domain.IntentStop, "operator", "", false, true)
	require.Error(t, err)
	require.False(t, resp.Success)
	coded, ok := err.(domain.CodedError)
	require.True(t, ok)
	require.Equal(t, domain.CodeConfirmRequired, coded.Code())
}

func TestSendIntent_RejectsNoOpTransition(t *testing.T) {
	svc, st := newTestService(t)
	_, err := st.EnsureStrategyRow("strat-b", "NIFTY")
	require.NoError(t, err)
	require.NoError(t, st.AckIntent("strat-b", domain.StrategyRunning, true))

	resp, err := svc.SendIntent("strat-b", domain.IntentStart, "operator", "", false, false)
	require.Error(t, err)
	require.False(t, resp.Success)
	require.Equal(t, domain.StrategyRunning, resp.CurrentStatus)
}

func TestSendIntent_RejectsSecondPendingIntent(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.SendIntent("strat-c", domain.IntentPause, "operator", "", false, false)
	require.NoError(t, err)

	resp, err := svc.SendIntent("strat-c", domain.IntentResume, "operator", "", false, false)
	require.Error(t, err)
	require.False(t, resp.Success)
	coded, ok := err.(domain.CodedError)
	require.True(t, ok)
	require.Equal(t, domain.CodeIntentRace, coded.Code())
}

func TestSendIntent_WaitsForAckAndRecordsLatency(t *testing.T) {
	svc, st := newTestService(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = st.AckIntent("strat-d", domain.StrategyPaused, false)
	}()

	resp, err := svc.SendIntent("strat-d", domain.IntentPause, "operator", "1.2.3.4", false, true)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "confirmed", resp.Status)
	require.NotNil(t, resp.AckLatencyMS)
}

func TestSendIntent_TimesOutToPendingWithoutError(t *testing.T) {
	svc, _ := newTestService(t)
	resp, err := svc.SendIntent("strat-e", domain.IntentPause, "operator", "", false, true)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "pending", resp.Status)
}
