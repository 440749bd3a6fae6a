package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
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

type fakeReconcileBroker struct {
	positions    []broker.BrokerPosition
	orders       []broker.BrokerOrder
	err          error
	ordersCalled int32
}

func (f *fakeReconcileBroker) Funds(ctx context.Context) (broker.Funds, error) { return broker.Funds{}, nil }
func (f *fakeReconcileBroker) Quote(ctx context.Context, symbol string) (broker.Quote, error) {
	return broker.Quote{}, nil
}
func (f *fakeReconcileBroker) Positions(ctx context.Context) ([]broker.BrokerPosition, error) {
	return f.positions, f.err
}
func (f *fakeReconcileBroker) Orders(ctx context.Context) ([]broker.BrokerOrder, error) {
	atomic.AddInt32(&f.ordersCalled, 1)
	return f.orders, f.err
}
func (f *fakeReconcileBroker) SubmitOrder(ctx context.Context, p broker.SubmitOrderPayload) (broker.SubmitOrderResult, error) {
	return broker.SubmitOrderResult{}, nil
}
func (f *fakeReconcileBroker) Stream(ctx context.Context, symbols []string, h broker.StreamHandlers) error {
	return nil
}

func newTestWorker(t *testing.T, brk *fakeReconcileBroker, maxFailures int) (*Worker, *store.Store, *domain.TradingSession) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := logging.New(logging.Options{Level: "error"})
	cfg := config.Defaults()
	riskEngine := risk.New(st, breaker.New(breaker.ServiceFunds, breaker.Config{FailureThreshold: 5, CooldownSeconds: 60, SuccessThreshold: 2}, st, log), brk, cfg.Risk, log)

	sess, err := st.GetOrCreateToday(time.Now().UTC().Format("2006-01-02"), domain.TradingSession{
		MaxDailyLoss: cfg.Risk.MaxDailyLoss, MaxPositionSize: cfg.Risk.MaxPositionSize,
		MaxOpenOrders: cfg.Risk.MaxOpenOrders, MaxMarginUsagePct: cfg.Risk.MaxMarginUsagePct,
		MaxLotSize: cfg.Risk.MaxLotSize,
	})
	require.NoError(t, err)

	w := New(st, brk, riskEngine, maxFailures, log)
	return w, st, sess
}

func TestRun_CorrectsPositionMismatch(t *testing.T) {
	brk := &fakeReconcileBroker{
		positions: []broker.BrokerPosition{{Symbol: "NIFTY", NetQty: 75, LTP: 101, PnL: 50}},
	}
	w, st, sess := newTestWorker(t, brk, 3)

	_, err := st.GetOrCreatePosition(sess.ID, "NIFTY", domain.ProductMIS)
	require.NoError(t, err)
	positions, err := st.ListPositions(sess.ID)
	require.NoError(t, err)
	positions[0].NetQuantity = 50
	require.NoError(t, st.UpdatePosition(positions[0]))

	require.NoError(t, w.Run(context.Background()))

	positions, err = st.ListPositions(sess.ID)
	require.NoError(t, err)
	require.Equal(t, int64(75), positions[0].NetQuantity)
	require.Equal(t, domain.ReconcileCorrected, positions[0].ReconcileStatus)

	logs, err := st.RecentReconciliationLog(1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, domain.ReconcileMismatch, logs[0].Status)
}

// A local position the broker no longer reports is corrected to zero and
// marked CORRECTED, with the cycle logged as MISMATCH.
func TestRun_ZeroesPositionMissingAtBroker(t *testing.T) {
	brk := &fakeReconcileBroker{}
	w, st, sess := newTestWorker(t, brk, 3)

	p, err := st.GetOrCreatePosition(sess.ID, "NIFTY_CE", domain.ProductMIS)
	require.NoError(t, err)
	p.NetQuantity = 50
	require.NoError(t, st.UpdatePosition(p))

	require.NoError(t, w.Run(context.Background()))

	positions, err := st.ListPositions(sess.ID)
	require.NoError(t, err)
	require.EqualValues(t, 0, positions[0].NetQuantity)
	require.Equal(t, domain.ReconcileCorrected, positions[0].ReconcileStatus)

	logs, err := st.RecentReconciliationLog(1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, domain.ReconcileMismatch, logs[0].Status)
	require.Len(t, logs[0].Corrections, 1)
}

// Running the cycle twice with no intervening broker change yields zero
// mismatches on the second run.
func TestRun_SecondCycleIsClean(t *testing.T) {
	brk := &fakeReconcileBroker{
		positions: []broker.BrokerPosition{{Symbol: "NIFTY", NetQty: 75, LTP: 101, PnL: 50}},
	}
	w, st, sess := newTestWorker(t, brk, 3)

	p, err := st.GetOrCreatePosition(sess.ID, "NIFTY", domain.ProductMIS)
	require.NoError(t, err)
	p.NetQuantity = 50
	require.NoError(t, st.UpdatePosition(p))

	require.NoError(t, w.Run(context.Background()))
	require.NoError(t, w.Run(context.Background()))

	logs, err := st.RecentReconciliationLog(2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, domain.ReconcileOK, logs[0].Status)
	require.Empty(t, logs[0].Mismatches)

	refreshed, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReconcileOK, refreshed.LastReconcileStatus)
}

func TestRun_IsSingleFlight(t *testing.T) {
	brk := &fakeReconcileBroker{}
	w, _, _ := newTestWorker(t, brk, 3)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = w.Run(context.Background())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestRun_TriggersKillSwitchAfterMaxFailures(t *testing.T) {
	brk := &fakeReconcileBroker{err: errors.New("broker unreachable")}
	w, st, sess := newTestWorker(t, brk, 2)

	require.Error(t, w.Run(context.Background()))
	require.Error(t, w.Run(context.Background()))

	refreshed, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	require.True(t, refreshed.IsKilled)
	require.Equal(t, domain.KillReconcileFail, refreshed.KillReason)
}

func TestRecoverOrphanedOrders_RejectsUnknownOrder(t *testing.T) {
	brk := &fakeReconcileBroker{}
	w, st, sess := newTestWorker(t, brk, 3)

	order := &domain.Order{
		ID: "o-1", SessionID: sess.ID, IdempotencyKey: "k-1", Symbol: "NIFTY",
		Side: domain.SideBuy, Type: domain.OrderTypeMarket, Product: domain.ProductMIS,
		Quantity: 50, Status: domain.OrderCreated, BrokerOrderID: "bo-orphan",
	}
	require.NoError(t, st.CreateOrder(nil, order))
	order.AppendStatus(domain.OrderSending, "executor", "")
	require.NoError(t, st.UpdateOrderStatus(order))

	corrections, err := w.recoverOrphanedOrders(sess, nil)
	require.NoError(t, err)
	require.Empty(t, corrections, "order is not yet past the staleness window")

	time.Sleep(10 * time.Millisecond)
	w.orphanAfter = 1 * time.Millisecond
	corrections, err = w.recoverOrphanedOrders(sess, nil)
	require.NoError(t, err)
	require.Len(t, corrections, 1)

	refreshed, err := st.GetOrder(order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderRejected, refreshed.Status)
}
