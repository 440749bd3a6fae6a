package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tradeforge/engine/internal/breaker"
	"github.com/tradeforge/engine/internal/broker"
	"github.com/tradeforge/engine/internal/config"
	"github.com/tradeforge/engine/internal/domain"
	"github.com/tradeforge/engine/internal/logging"
	"github.com/tradeforge/engine/internal/risk"
	"github.com/tradeforge/engine/internal/store"
)

type stubBroker struct {
	submitErr error
	submitID  string
}

func (b *stubBroker) Funds(ctx context.Context) (broker.Funds, error) {
	return broker.Funds{AvailableMargin: 1000000, UsedMargin: 0}, nil
}
func (b *stubBroker) Quote(ctx context.Context, symbol string) (broker.Quote, error) {
	return broker.Quote{Symbol: symbol, LTP: 100}, nil
}
func (b *stubBroker) Positions(ctx context.Context) ([]broker.BrokerPosition, error) { return nil, nil }
func (b *stubBroker) Orders(ctx context.Context) ([]broker.BrokerOrder, error)       { return nil, nil }
func (b *stubBroker) SubmitOrder(ctx context.Context, p broker.SubmitOrderPayload) (broker.SubmitOrderResult, error) {
	if b.submitErr != nil {
		return broker.SubmitOrderResult{}, b.submitErr
	}
	return broker.SubmitOrderResult{OK: true, ID: b.submitID}, nil
}
func (b *stubBroker) Stream(ctx context.Context, symbols []string, h broker.StreamHandlers) error {
	return nil
}

func newTestExecutor(t *testing.T, brk *stubBroker) (*Executor, *store.Store, *domain.TradingSession) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := logging.New(logging.Options{Level: "error"})
	cfg := config.Defaults()
	ordersBreaker := breaker.New(breaker.ServiceOrders, breaker.Config{FailureThreshold: 3, CooldownSeconds: 30, SuccessThreshold: 2}, st, log)
	riskEngine := risk.New(st, breaker.New(breaker.ServiceFunds, breaker.Config{FailureThreshold: 5, CooldownSeconds: 60, SuccessThreshold: 2}, st, log), brk, cfg.Risk, log)

	sess, err := st.GetOrCreateToday("2026-07-29", domain.TradingSession{
		MaxDailyLoss: cfg.Risk.MaxDailyLoss, MaxPositionSize: cfg.Risk.MaxPositionSize,
		MaxOpenOrders: cfg.Risk.MaxOpenOrders, MaxMarginUsagePct: cfg.Risk.MaxMarginUsagePct,
		MaxLotSize: cfg.Risk.MaxLotSize,
	})
	require.NoError(t, err)

	exec := New(st, brk, riskEngine, ordersBreaker, 10, 20*time.Millisecond, log)
	return exec, st, sess
}

func TestOnTick_DispatchesOnlyToRunningSubscribers(t *testing.T) {
	exec, st, sess := newTestExecutor(t, &stubBroker{submitID: "bo-1"})

	var calls int
	require.NoError(t, exec.Register("strat-a", "NIFTY", sess.ID, 50, func(ctx context.Context, tick domain.Tick, buf []domain.Tick, deps Deps) (domain.StrategyMetrics, error) {
		calls++
		return domain.StrategyMetrics{Signal: domain.SignalWaiting}, nil
	}))
	require.NoError(t, st.AckIntent("strat-a", domain.StrategyPaused, true))

	exec.OnTick(context.Background(), domain.Tick{Symbol: "NIFTY", LTP: 101, TS: time.Now().UTC()})
	require.Equal(t, 0, calls, "a paused strategy must not receive ticks")

	require.NoError(t, st.AckIntent("strat-a", domain.StrategyRunning, true))
	exec.OnTick(context.Background(), domain.Tick{Symbol: "NIFTY", LTP: 101, TS: time.Now().UTC()})
	require.Equal(t, 1, calls)
}

func TestOnTick_SignalChangeSubmitsApprovedOrder(t *testing.T) {
	exec, st, sess := newTestExecutor(t, &stubBroker{submitID: "bo-42"})

	require.NoError(t, exec.Register("strat-b", "NIFTY", sess.ID, 50, func(ctx context.Context, tick domain.Tick, buf []domain.Tick, deps Deps) (domain.StrategyMetrics, error) {
		return domain.StrategyMetrics{Signal: domain.SignalBuy, OpenQty: 50}, nil
	}))
	require.NoError(t, st.AckIntent("strat-b", domain.StrategyRunning, true))

	exec.OnTick(context.Background(), domain.Tick{Symbol: "NIFTY", LTP: 100, TS: time.Now().UTC()})

	orders, err := st.ListNonTerminalOrders(sess.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, "bo-42", orders[0].BrokerOrderID)
	require.Equal(t, domain.OrderAcknowledged, orders[0].Status)
}

func TestOnTick_CallbackPanicContainedAndSchedulesRestart(t *testing.T) {
	exec, st, sess := newTestExecutor(t, &stubBroker{submitID: "bo-1"})

	require.NoError(t, exec.Register("strat-c", "NIFTY", sess.ID, 50, func(ctx context.Context, tick domain.Tick, buf []domain.Tick, deps Deps) (domain.StrategyMetrics, error) {
		panic("boom")
	}))
	require.NoError(t, st.AckIntent("strat-c", domain.StrategyRunning, true))

	require.NotPanics(t, func() {
		exec.OnTick(context.Background(), domain.Tick{Symbol: "NIFTY", LTP: 100, TS: time.Now().UTC()})
	})

	st2, err := st.GetStrategy("strat-c")
	require.NoError(t, err)
	require.Equal(t, domain.StrategyError, st2.Status)
	require.Contains(t, st2.ErrorMessage, "panic")
	require.Equal(t, 1, st2.RestartCount)
}

func TestOnTick_CallbackErrorDoesNotAbortOtherSubscribers(t *testing.T) {
	exec, st, sess := newTestExecutor(t, &stubBroker{submitID: "bo-1"})

	var goodCalled bool
	require.NoError(t, exec.Register("bad", "NIFTY", sess.ID, 50, func(ctx context.Context, tick domain.Tick, buf []domain.Tick, deps Deps) (domain.StrategyMetrics, error) {
		return domain.StrategyMetrics{}, errors.New("computation failed")
	}))
	require.NoError(t, exec.Register("good", "NIFTY", sess.ID, 50, func(ctx context.Context, tick domain.Tick, buf []domain.Tick, deps Deps) (domain.StrategyMetrics, error) {
		goodCalled = true
		return domain.StrategyMetrics{Signal: domain.SignalWaiting}, nil
	}))
	require.NoError(t, st.AckIntent("bad", domain.StrategyRunning, true))
	require.NoError(t, st.AckIntent("good", domain.StrategyRunning, true))

	exec.OnTick(context.Background(), domain.Tick{Symbol: "NIFTY", LTP: 100, TS: time.Now().UTC()})
	require.True(t, goodCalled)
}

// The control loop acknowledges pending intents even when no ticks are
// flowing: a dead feed must not stall operator commands.
func TestControlLoop_AcksIntentWithoutTicks(t *testing.T) {
	exec, st, sess := newTestExecutor(t, &stubBroker{submitID: "bo-1"})

	require.NoError(t, exec.Register("strat-e", "NIFTY", sess.ID, 50, func(ctx context.Context, tick domain.Tick, buf []domain.Tick, deps Deps) (domain.StrategyMetrics, error) {
		return domain.StrategyMetrics{Signal: domain.SignalWaiting}, nil
	}))
	require.NoError(t, st.AckIntent("strat-e", domain.StrategyRunning, true))

	exec.Start(context.Background())
	t.Cleanup(func() { exec.Stop(time.Second) })

	ok, err := st.SetIntentIfClear("strat-e", domain.IntentPause, "op1")
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		cur, err := st.GetStrategy("strat-e")
		return err == nil && cur.Status == domain.StrategyPaused &&
			cur.ControlIntent == domain.IntentNone && cur.IntentAckedAt != nil
	}, time.Second, 10*time.Millisecond, "the control loop must apply and clear the intent")
}

func TestRingBuffer_WrapsAtCapacity(t *testing.T) {
	rb := newRingBuffer(3)
	for i := 0; i < 5; i++ {
		rb.append(domain.Tick{LTP: float64(i)})
	}
	snap := rb.snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, []float64{2, 3, 4}, []float64{snap[0].LTP, snap[1].LTP, snap[2].LTP})
}
