package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tradeforge/engine/internal/breaker"
	"github.com/tradeforge/engine/internal/broker"
	"github.com/tradeforge/engine/internal/cache"
	"github.com/tradeforge/engine/internal/domain"
	"github.com/tradeforge/engine/internal/logging"
	"github.com/tradeforge/engine/internal/store"
)

type noopBroker struct{}

func (noopBroker) Funds(ctx context.Context) (broker.Funds, error)       { return broker.Funds{}, nil }
func (noopBroker) Quote(ctx context.Context, s string) (broker.Quote, error) { return broker.Quote{}, nil }
func (noopBroker) Positions(ctx context.Context) ([]broker.BrokerPosition, error) { return nil, nil }
func (noopBroker) Orders(ctx context.Context) ([]broker.BrokerOrder, error)       { return nil, nil }
func (noopBroker) SubmitOrder(ctx context.Context, p broker.SubmitOrderPayload) (broker.SubmitOrderResult, error) {
	return broker.SubmitOrderResult{}, nil
}
func (noopBroker) Stream(ctx context.Context, symbols []string, h broker.StreamHandlers) error {
	return nil
}

func newTestWorker(t *testing.T) (*Worker, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := logging.New(logging.Options{Level: "error"})
	wsBrk := breaker.New(breaker.ServiceWS, breaker.Config{FailureThreshold: 3, CooldownSeconds: 120, SuccessThreshold: 1}, st, log)
	c := cache.New()
	w := New("primary", []string{"NIFTY"}, noopBroker{}, wsBrk, c, st, []int{1}, log)
	return w, st
}

func TestOnTick_FansOutToHandlersAndWritesCache(t *testing.T) {
	w, _ := newTestWorker(t)

	var received domain.Tick
	w.RegisterHandler(func(ctx context.Context, tick domain.Tick) {
		received = tick
	})

	w.onTick(context.Background(), broker.StreamTick{Symbol: "NIFTY", LTP: 123.45})

	require.Equal(t, "NIFTY", received.Symbol)
	require.Equal(t, 123.45, received.LTP)

	v, ok := w.cache.Get(cache.LTPKey("NIFTY"))
	require.True(t, ok)
	require.Equal(t, "123.45", v)

	status := w.Status()
	require.Equal(t, StatusLive, status.Level)
	require.GreaterOrEqual(t, status.AgeSeconds, 0.0)
}

func TestOnTick_ThrottlesDurableFlush(t *testing.T) {
	w, st := newTestWorker(t)
	w.durableFlushEvery = 50 * time.Millisecond

	w.onTick(context.Background(), broker.StreamTick{Symbol: "NIFTY", LTP: 100})
	w.onTick(context.Background(), broker.StreamTick{Symbol: "NIFTY", LTP: 101})

	require.Eventually(t, func() bool {
		hb, err := st.GetFeedHeartbeat("primary")
		return err == nil && hb != nil
	}, time.Second, 10*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	w.onTick(context.Background(), broker.StreamTick{Symbol: "NIFTY", LTP: 102})

	require.Eventually(t, func() bool {
		hb, err := st.GetFeedHeartbeat("primary")
		return err == nil && hb.SymbolCount == 1
	}, time.Second, 10*time.Millisecond)
}

func TestOnClose_MarksDisconnectedAndIncrementsReconnectCount(t *testing.T) {
	w, _ := newTestWorker(t)
	w.onOpen()
	require.True(t, w.Status().Connected)

	w.onClose()
	status := w.Status()
	require.False(t, status.Connected)
	require.Equal(t, 1, status.ReconnectCount)
}

func TestStatus_ReportsDeadBeforeAnyTick(t *testing.T) {
	w, _ := newTestWorker(t)
	status := w.Status()
	require.Equal(t, StatusDead, status.Level)
	require.Equal(t, -1.0, status.AgeSeconds)
}
