// Package reconcile implements the periodic broker-to-local state sync:
// position and order correction, orphaned-order crash recovery, and the
// persistent failure counter that can auto-kill the session.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tradeforge/engine/internal/broker"
	"github.com/tradeforge/engine/internal/domain"
	"github.com/tradeforge/engine/internal/metrics"
	"github.com/tradeforge/engine/internal/risk"
	"github.com/tradeforge/engine/internal/store"
)

// Worker runs one reconciliation cycle at a time. Single-flight is
// enforced here with a 1-buffered channel rather than relying on the
// caller never overlapping invocations.
type Worker struct {
	store       *store.Store
	brk         broker.Broker
	riskEngine  *risk.Engine
	maxFailures int
	orphanAfter time.Duration
	log         zerolog.Logger
	running     chan struct{} // 1-buffered: acts as a non-blocking mutex
}

// New builds a reconciliation worker. maxFailures defaults to 3.
func New(st *store.Store, brk broker.Broker, riskEngine *risk.Engine, maxFailures int, log zerolog.Logger) *Worker {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	w := &Worker{
		store: st, brk: brk, riskEngine: riskEngine, maxFailures: maxFailures,
		orphanAfter: 60 * time.Second,
		log:         log.With().Str("component", "reconcile").Logger(),
		running:     make(chan struct{}, 1),
	}
	w.running <- struct{}{}
	return w
}

// Run executes at most one cycle; if a cycle is already in flight it
// returns immediately, which is the single-flight guarantee the cron
// scheduler in cmd/engine relies on.
func (w *Worker) Run(ctx context.Context) error {
	select {
	case <-w.running:
	default:
		return nil
	}
	defer func() { w.running <- struct{}{} }()

	start := time.Now()
	err := w.runCycle(ctx, start)
	if err != nil {
		w.log.Error().Err(err).Msg("reconciliation cycle failed")
	}
	return err
}

func (w *Worker) runCycle(ctx context.Context, start time.Time) error {
	sess, err := w.anyActiveSession()
	if err != nil {
		return nil // no active session: nothing to reconcile
	}

	type fetchResult struct {
		positions []broker.BrokerPosition
		orders    []broker.BrokerOrder
		err       error
	}
	posCh := make(chan fetchResult, 1)
	ordCh := make(chan fetchResult, 1)
	go func() {
		p, err := w.brk.Positions(ctx)
		posCh <- fetchResult{positions: p, err: err}
	}()
	go func() {
		o, err := w.brk.Orders(ctx)
		ordCh <- fetchResult{orders: o, err: err}
	}()
	posResult, ordResult := <-posCh, <-ordCh

	if posResult.err != nil || ordResult.err != nil {
		return w.handleFetchFailure(sess, posResult.err, ordResult.err, start)
	}

	if err := w.store.ResetReconcileFailureCount(sess.ID); err != nil {
		w.log.Warn().Err(err).Msg("failed to reset reconcile failure count")
	}
	metrics.ReconcileFailureCount.Set(0)

	var mismatches, corrections []string

	posMismatches, posCorrections, unrealizedTotal, err := w.reconcilePositions(sess, posResult.positions)
	if err != nil {
		return err
	}
	mismatches = append(mismatches, posMismatches...)
	corrections = append(corrections, posCorrections...)

	ordMismatches, err := w.reconcileOrders(sess, ordResult.orders)
	if err != nil {
		return err
	}
	mismatches = append(mismatches, ordMismatches...)

	orphanCorrections, err := w.recoverOrphanedOrders(sess, ordResult.orders)
	if err != nil {
		return err
	}
	corrections = append(corrections, orphanCorrections...)

	if err := w.store.SetUnrealizedPnL(sess.ID, unrealizedTotal); err != nil {
		w.log.Warn().Err(err).Msg("failed to update session unrealized pnl")
	}
	if unrealizedTotal != sess.UnrealizedPnL {
		if err := w.store.RecordPnL(nil, domain.PnLRecord{
			SessionID: sess.ID, PnLType: "UNREALIZED", Amount: unrealizedTotal,
		}); err != nil {
			w.log.Warn().Err(err).Msg("failed to append unrealized pnl record")
		}
	}

	runStatus := domain.ReconcileOK
	if len(mismatches) > 0 {
		runStatus = domain.ReconcileMismatch
	}
	if err := w.store.SetReconcileOutcome(sess.ID, runStatus); err != nil {
		w.log.Warn().Err(err).Msg("failed to set session reconcile outcome")
	}

	logErr := w.store.AppendReconciliationLog(domain.ReconciliationLog{
		RanAt: start, Status: runStatus,
		CountChecked: len(posResult.positions) + len(ordResult.orders),
		Mismatches:   mismatches, Corrections: corrections,
		DurationMS: time.Since(start).Milliseconds(),
	})
	if logErr != nil {
		w.log.Warn().Err(logErr).Msg("failed to append reconciliation log")
	}
	metrics.ReconcileCyclesTotal.WithLabelValues(string(runStatus)).Inc()
	return nil
}

func (w *Worker) handleFetchFailure(sess *domain.TradingSession, posErr, ordErr error, start time.Time) error {
	count, err := w.store.IncrementReconcileFailureCount(sess.ID)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to increment reconcile failure count")
	}
	metrics.ReconcileFailureCount.Set(float64(count))

	msg := fmt.Sprintf("positions err=%v orders err=%v", posErr, ordErr)
	if logErr := w.store.AppendReconciliationLog(domain.ReconciliationLog{
		RanAt: start, Status: domain.ReconcileFailed, ErrorMessage: msg,
		DurationMS: time.Since(start).Milliseconds(),
	}); logErr != nil {
		w.log.Warn().Err(logErr).Msg("failed to append failed reconciliation log")
	}
	if setErr := w.store.SetReconcileOutcome(sess.ID, domain.ReconcileFailed); setErr != nil {
		w.log.Warn().Err(setErr).Msg("failed to set session reconcile outcome to failed")
	}
	metrics.ReconcileCyclesTotal.WithLabelValues(string(domain.ReconcileFailed)).Inc()

	if count >= w.maxFailures {
		if _, killErr := w.riskEngine.TriggerKillSwitch(sess.ID, domain.KillReconcileFail, "reconcile_worker"); killErr != nil {
			w.log.Error().Err(killErr).Msg("failed to trigger kill switch after reconcile failures")
		}
	}
	return fmt.Errorf("broker fetch failed: %s", msg)
}

// reconcilePositions corrects each local position against the broker's
// view: a quantity mismatch (or a position the broker no longer reports)
// corrects the local row; otherwise the broker quantity, LTP and
// unrealized P&L are refreshed and the row is marked OK.
func (w *Worker) reconcilePositions(sess *domain.TradingSession, brokerPositions []broker.BrokerPosition) (mismatches, corrections []string, unrealizedTotal float64, err error) {
	byBrokerSymbol := make(map[string]broker.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		byBrokerSymbol[bp.Symbol] = bp
		unrealizedTotal += bp.PnL
	}

	localPositions, err := w.store.ListPositions(sess.ID)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("list positions: %w", err)
	}

	for _, p := range localPositions {
		bp, found := byBrokerSymbol[p.Symbol]
		now := time.Now().UTC()
		if !found {
			if p.NetQuantity != 0 {
				mismatches = append(mismatches, fmt.Sprintf("%s: local=%d broker=0", p.Symbol, p.NetQuantity))
				corrections = append(corrections, fmt.Sprintf("%s: corrected net_quantity 0", p.Symbol))
				p.BrokerQuantity = 0
				p.NetQuantity = 0
				p.ReconcileStatus = domain.ReconcileCorrected
			} else {
				p.ReconcileStatus = domain.ReconcileOK
			}
		} else if bp.NetQty != p.NetQuantity {
			mismatches = append(mismatches, fmt.Sprintf("%s: local=%d broker=%d", p.Symbol, p.NetQuantity, bp.NetQty))
			corrections = append(corrections, fmt.Sprintf("%s: corrected net_quantity %d", p.Symbol, bp.NetQty))
			p.BrokerQuantity = bp.NetQty
			p.NetQuantity = bp.NetQty
			p.LastPrice = bp.LTP
			p.ReconcileStatus = domain.ReconcileCorrected
		} else {
			p.BrokerQuantity = bp.NetQty
			p.LastPrice = bp.LTP
			p.UnrealizedPnL = bp.PnL
			p.ReconcileStatus = domain.ReconcileOK
		}
		p.LastReconciledAt = &now
		lock, lerr := w.store.AcquirePositionLock(sess.ID, p.Symbol, 3*time.Second)
		if lerr != nil {
			w.log.Warn().Err(lerr).Str("symbol", p.Symbol).Msg("could not acquire position lock, skipping row")
			continue
		}
		if uerr := w.store.UpdatePosition(p); uerr != nil {
			w.log.Warn().Err(uerr).Str("symbol", p.Symbol).Msg("failed to persist reconciled position")
		}
		if relErr := lock.Release(); relErr != nil {
			w.log.Warn().Err(relErr).Str("symbol", p.Symbol).Msg("failed to release position lock")
		}
	}
	return mismatches, corrections, unrealizedTotal, nil
}

var brokerToLocalStatus = map[broker.BrokerOrderStatus]domain.OrderStatus{
	broker.BrokerOrderFilled:    domain.OrderFilled,
	broker.BrokerOrderCancelled: domain.OrderCancelled,
	broker.BrokerOrderRejected:  domain.OrderRejected,
	broker.BrokerOrderPending:   domain.OrderPending,
	broker.BrokerOrderTransit:   domain.OrderAcknowledged,
}

// reconcileOrders transitions non-terminal local orders with a broker id
// whose broker-reported status differs from the local one.
func (w *Worker) reconcileOrders(sess *domain.TradingSession, brokerOrders []broker.BrokerOrder) (mismatches []string, err error) {
	byID := make(map[string]broker.BrokerOrder, len(brokerOrders))
	for _, bo := range brokerOrders {
		byID[bo.BrokerOrderID] = bo
	}

	local, err := w.store.ListNonTerminalOrders(sess.ID)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal orders: %w", err)
	}
	for _, o := range local {
		if o.BrokerOrderID == "" {
			continue
		}
		bo, found := byID[o.BrokerOrderID]
		if !found {
			continue
		}
		mapped, ok := brokerToLocalStatus[bo.Status]
		if !ok || mapped == o.Status {
			continue
		}
		mismatches = append(mismatches, fmt.Sprintf("order %s: local=%s broker=%s", o.ID, o.Status, bo.Status))
		o.FilledQty = bo.FilledQty
		o.AvgFillPrice = bo.AvgPrice
		o.AppendStatus(mapped, "reconcile_worker", "broker status: "+string(bo.Status))
		if uerr := w.store.UpdateOrderStatus(o); uerr != nil {
			w.log.Warn().Err(uerr).Str("order", o.ID).Msg("failed to persist reconciled order status")
		}
	}
	return mismatches, nil
}

// recoverOrphanedOrders resolves SENDING/ACKNOWLEDGED orders older than
// 60s with no fill/cancel: to the broker's reported status if found, else
// REJECTED with a fixed reason.
func (w *Worker) recoverOrphanedOrders(sess *domain.TradingSession, brokerOrders []broker.BrokerOrder) (corrections []string, err error) {
	byID := make(map[string]broker.BrokerOrder, len(brokerOrders))
	for _, bo := range brokerOrders {
		byID[bo.BrokerOrderID] = bo
	}

	stale, err := w.store.ListStaleSendingOrders(sess.ID, w.orphanAfter)
	if err != nil {
		return nil, fmt.Errorf("list stale sending orders: %w", err)
	}
	for _, o := range stale {
		if bo, found := byID[o.BrokerOrderID]; found {
			if mapped, ok := brokerToLocalStatus[bo.Status]; ok {
				o.FilledQty = bo.FilledQty
				o.AvgFillPrice = bo.AvgPrice
				o.AppendStatus(mapped, "reconcile_worker", "orphan recovery: broker status "+string(bo.Status))
			}
		} else {
			o.AppendStatus(domain.OrderRejected, "reconcile_worker", "")
			o.RejectReason = "Recovered from orphaned state"
		}
		corrections = append(corrections, fmt.Sprintf("order %s: recovered from orphaned state to %s", o.ID, o.Status))
		if uerr := w.store.UpdateOrderStatus(o); uerr != nil {
			w.log.Warn().Err(uerr).Str("order", o.ID).Msg("failed to persist orphan recovery")
		}
		metrics.OrphanedOrdersRecovered.Inc()
	}
	return corrections, nil
}

// anyActiveSession returns today's session row; reconciliation has no
// notion of "active" beyond "exists for today" since the core does not
// model multi-day session lifecycles.
func (w *Worker) anyActiveSession() (*domain.TradingSession, error) {
	return w.store.GetSessionByDate(time.Now().UTC().Format("2006-01-02"))
}
