// Package executor runs the strategy fleet's two independent cooperative
// loops: tick dispatch, fanning inbound market data out to running
// strategies, and a control loop that applies operator intents regardless
// of whether the tick loop is making progress.
package executor

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tradeforge/engine/internal/breaker"
	"github.com/tradeforge/engine/internal/broker"
	"github.com/tradeforge/engine/internal/domain"
	"github.com/tradeforge/engine/internal/metrics"
	"github.com/tradeforge/engine/internal/risk"
	"github.com/tradeforge/engine/internal/store"
)

// Deps are the collaborators a strategy callback is handed alongside the
// tick and its buffer.
type Deps struct {
	Store  *store.Store
	Broker broker.Broker
}

// Callback is a strategy's single entry point. buffer is a point-in-time
// copy of the symbol's recent ticks: implementations may keep it past the
// call, but it does not change as later ticks arrive.
type Callback func(ctx context.Context, tick domain.Tick, buffer []domain.Tick, deps Deps) (domain.StrategyMetrics, error)

type registration struct {
	name       string
	symbol     string
	sessionID  string
	lotSize    int64
	callback   Callback
	prevSignal domain.Signal
	mu         sync.Mutex // guards prevSignal
}

// Executor owns both long-lived loops plus the in-memory indices (symbol
// to subscriber names, per-strategy previous signal). The indices are
// process-local; the durable strategy row is authoritative on any
// disagreement.
type Executor struct {
	store      *store.Store
	brk        broker.Broker
	riskEngine *risk.Engine
	ordersBrk  *breaker.Breaker

	bufSize             int
	controlPollInterval time.Duration

	mu          sync.RWMutex
	strategies  map[string]*registration
	symbolIndex map[string][]string
	buffers     map[string]*ringBuffer

	log zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Executor. bufSize is the per-symbol ring buffer depth
// (default 500); controlPollInterval is the control loop's fixed interval
// (default 200ms).
func New(st *store.Store, brk broker.Broker, riskEngine *risk.Engine, ordersBrk *breaker.Breaker, bufSize int, controlPollInterval time.Duration, log zerolog.Logger) *Executor {
	if bufSize <= 0 {
		bufSize = 500
	}
	if controlPollInterval <= 0 {
		controlPollInterval = 200 * time.Millisecond
	}
	return &Executor{
		store: st, brk: brk, riskEngine: riskEngine, ordersBrk: ordersBrk,
		bufSize: bufSize, controlPollInterval: controlPollInterval,
		strategies:  make(map[string]*registration),
		symbolIndex: make(map[string][]string),
		buffers:     make(map[string]*ringBuffer),
		log:         log.With().Str("component", "executor").Logger(),
	}
}

// Register ensures a strategy-state row exists and wires its callback into
// the symbol-indexed dispatch table. lotSize is the contract/lot size used
// when this strategy's orders go through risk validation; 0 defaults to 1.
func (e *Executor) Register(name, symbol, sessionID string, lotSize int64, cb Callback) error {
	if lotSize <= 0 {
		lotSize = 1
	}
	if _, err := e.store.EnsureStrategyRow(name, symbol); err != nil {
		return fmt.Errorf("ensure strategy row: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies[name] = &registration{name: name, symbol: symbol, sessionID: sessionID, lotSize: lotSize, callback: cb}
	e.symbolIndex[symbol] = append(e.symbolIndex[symbol], name)
	if _, ok := e.buffers[symbol]; !ok {
		e.buffers[symbol] = newRingBuffer(e.bufSize)
	}
	return nil
}

// OnTick is the feed worker's fan-out entry point. It appends to the
// symbol's buffer then dispatches concurrently to every running subscriber;
// one callback's panic or error never cancels the others.
func (e *Executor) OnTick(ctx context.Context, tick domain.Tick) {
	e.mu.RLock()
	buf, ok := e.buffers[tick.Symbol]
	names := append([]string(nil), e.symbolIndex[tick.Symbol]...)
	e.mu.RUnlock()
	if !ok {
		return
	}
	buf.append(tick)
	snapshot := buf.snapshot()
	metrics.TicksProcessedTotal.Inc()

	var wg sync.WaitGroup
	for _, name := range names {
		e.mu.RLock()
		reg := e.strategies[name]
		e.mu.RUnlock()
		if reg == nil {
			continue
		}
		st, err := e.store.GetStrategy(name)
		if err != nil || st.Status != domain.StrategyRunning {
			continue
		}
		wg.Add(1)
		go func(reg *registration) {
			defer wg.Done()
			e.invoke(ctx, reg, tick, snapshot)
		}(reg)
	}
	wg.Wait()
}

// invoke calls a single strategy's callback with panic containment, then
// persists its metrics and reacts to any actionable signal change.
func (e *Executor) invoke(ctx context.Context, reg *registration, tick domain.Tick, snapshot []domain.Tick) {
	defer func() {
		if r := recover(); r != nil {
			e.onCallbackError(ctx, reg, fmt.Errorf("panic: %v", r))
		}
	}()

	metricsOut, err := reg.callback(ctx, tick, snapshot, Deps{Store: e.store, Broker: e.brk})
	if err != nil {
		e.onCallbackError(ctx, reg, err)
		return
	}

	if err := e.store.UpdateMetrics(reg.name, metricsOut, tick.TS); err != nil {
		e.log.Warn().Err(err).Str("strategy", reg.name).Msg("failed to persist strategy metrics")
	}
	if err := e.store.RecordGoodTick(reg.name, tick.TS); err != nil {
		e.log.Warn().Err(err).Str("strategy", reg.name).Msg("failed to stamp last_good_at")
	}

	reg.mu.Lock()
	changed := metricsOut.Signal != reg.prevSignal
	reg.prevSignal = metricsOut.Signal
	reg.mu.Unlock()

	if changed && metricsOut.Signal.IsActionable() {
		e.onSignalChange(ctx, reg, metricsOut)
	}
}

func (e *Executor) onCallbackError(ctx context.Context, reg *registration, err error) {
	st, getErr := e.store.GetStrategy(reg.name)
	restartCount := 0
	autoRestart := true
	if getErr == nil {
		restartCount = st.RestartCount
		autoRestart = st.AutoRestart
	}
	willRestart := autoRestart && restartCount < 5
	if willRestart {
		restartCount++
	}
	if recErr := e.store.RecordError(reg.name, err.Error(), err.Error(), restartCount); recErr != nil {
		e.log.Warn().Err(recErr).Str("strategy", reg.name).Msg("failed to record strategy error")
	}
	metrics.StrategyErrorsTotal.WithLabelValues(reg.name).Inc()
	e.log.Error().Err(err).Str("strategy", reg.name).Msg("strategy callback failed")

	if !willRestart {
		if autoRestart {
			_ = e.store.SetAutoRestart(reg.name, false)
		}
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(30 * time.Second):
		}
		if recErr := e.store.AutoRestartRecover(reg.name); recErr != nil {
			e.log.Warn().Err(recErr).Str("strategy", reg.name).Msg("auto-restart failed")
		}
	}()
}

// onSignalChange reacts to an actionable signal change: resolve the target
// symbol, build an idempotency key, validate through risk, submit through
// the orders breaker, persist the outcome.
func (e *Executor) onSignalChange(ctx context.Context, reg *registration, m domain.StrategyMetrics) {
	symbol := reg.symbol
	if m.TargetInstrument != "" {
		symbol = m.TargetInstrument
	}

	side := domain.SideBuy
	if m.Signal == domain.SignalSell || m.Signal == domain.SignalExitLong {
		side = domain.SideSell
	}
	qty := m.OpenQty
	if qty <= 0 {
		qty = reg.lotSize
	}

	idempotencyKey := buildIdempotencyKey(reg.name, string(m.Signal))
	result := e.riskEngine.Validate(ctx, risk.ProposedOrder{
		SessionID: reg.sessionID, IdempotencyKey: idempotencyKey, Symbol: symbol,
		Side: side, Quantity: qty, LotSize: reg.lotSize,
	})

	order := &domain.Order{
		ID: idempotencyKey, SessionID: reg.sessionID, IdempotencyKey: idempotencyKey,
		Symbol: symbol, DisplaySymbol: symbol, Side: side, Type: domain.OrderTypeMarket,
		Product: domain.ProductMIS, Quantity: qty, Validity: "DAY",
		Status: domain.OrderCreated,
	}
	order.AppendStatus(domain.OrderCreated, "executor", "signal change: "+string(m.Signal))

	if !result.Approved {
		order.AppendStatus(domain.OrderRiskRejected, "risk_engine", result.Code+": "+result.Message)
		order.RejectReason = result.Message
		if err := e.store.CreateOrder(nil, order); err != nil {
			e.log.Warn().Err(err).Str("strategy", reg.name).Msg("failed to persist risk-rejected order")
		}
		metrics.OrdersSubmittedTotal.WithLabelValues(string(domain.OrderRiskRejected)).Inc()
		return
	}

	order.RiskSnapshot = result.Snapshot
	order.AppendStatus(domain.OrderSending, "executor", "")
	if err := e.store.CreateOrder(nil, order); err != nil {
		e.log.Error().Err(err).Str("strategy", reg.name).Msg("failed to persist approved order before dispatch")
		return
	}

	now := time.Now().UTC()
	order.SentAt = &now
	submitErr := e.ordersBrk.Call(func() error {
		res, err := e.brk.SubmitOrder(ctx, broker.SubmitOrderPayload{
			Symbol: symbol, Side: string(side), Type: string(domain.OrderTypeMarket),
			Product: string(domain.ProductMIS), Quantity: qty, Validity: "DAY",
		})
		if err != nil {
			return err
		}
		if !res.OK {
			return fmt.Errorf("broker rejected order: %s", res.Message)
		}
		order.BrokerOrderID = res.ID
		return nil
	})

	if submitErr != nil {
		order.AppendStatus(domain.OrderRejected, "broker", submitErr.Error())
		order.RejectReason = submitErr.Error()
		metrics.OrdersSubmittedTotal.WithLabelValues(string(domain.OrderRejected)).Inc()
	} else {
		acked := time.Now().UTC()
		order.AckedAt = &acked
		order.AppendStatus(domain.OrderAcknowledged, "broker", "")
		metrics.OrdersSubmittedTotal.WithLabelValues(string(domain.OrderAcknowledged)).Inc()
	}
	if err := e.store.UpdateOrderStatus(order); err != nil {
		e.log.Error().Err(err).Str("strategy", reg.name).Msg("failed to persist order dispatch outcome")
	}
}

// buildIdempotencyKey produces a 64 hex char key from hash(name, signal,
// time-bucket, random-suffix). The random suffix keeps two signal changes
// inside the same bucket from colliding; since every input is hashed
// together, keys from the same bucket share no common prefix.
func buildIdempotencyKey(name, signal string) string {
	bucket := time.Now().UTC().Truncate(time.Second).Unix()
	var nonce [8]byte
	_, _ = rand.Read(nonce[:])
	h := sha256.New()
	fmt.Fprintf(h, "%s:%s:%d:%x", name, signal, bucket, nonce)
	return hex.EncodeToString(h.Sum(nil))
}

// Start launches the control loop; ticks are dispatched by OnTick on the
// caller's goroutine. Stop must be called to shut the loop down cleanly.
func (e *Executor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go e.runControlLoop(ctx)
}

// Stop cancels the control loop and waits up to grace for it, and for any
// pending auto-restart timers (which follow the ctx given to OnTick), to
// finish.
func (e *Executor) Stop(grace time.Duration) {
	if e.cancel == nil {
		return
	}
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		e.log.Warn().Msg("executor stop grace period elapsed with loops still running")
	}
}
