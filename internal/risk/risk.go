// Package risk implements the synchronous pre-trade validator: a single
// entry point that runs to completion under the per-session advisory lock,
// short-circuiting on the first failed check and returning an immutable
// snapshot of everything it examined on success.
package risk

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
	"github.com/tradeforge/engine/internal/breaker"
	"github.com/tradeforge/engine/internal/broker"
	"github.com/tradeforge/engine/internal/config"
	"github.com/tradeforge/engine/internal/domain"
	"github.com/tradeforge/engine/internal/metrics"
	"github.com/tradeforge/engine/internal/store"
)

// ProposedOrder is the caller-supplied shape the engine validates.
type ProposedOrder struct {
	SessionID      string
	IdempotencyKey string
	Symbol         string
	Side           domain.OrderSide
	Quantity       int64
	Price          *float64 // optional; falls back to broker LTP for margin estimate
	LotSize        int64
}

// Result is the engine's verdict. Approved implies Snapshot is non-nil.
type Result struct {
	Approved bool
	Code     string
	Message  string
	Snapshot *domain.RiskSnapshot
}

// Engine is the risk validator. One Engine per process; it is safe for
// concurrent use across sessions. The advisory lock serializes evaluations
// only within a session.
type Engine struct {
	store  *store.Store
	funds  *breaker.Breaker
	broker broker.Broker
	cfg    config.RiskDefaults
	lockTO time.Duration
	log    zerolog.Logger
}

// New builds a risk engine bound to the store, the funds circuit breaker,
// and the broker's LTP/funds calls.
func New(st *store.Store, fundsBreaker *breaker.Breaker, brk broker.Broker, cfg config.RiskDefaults, log zerolog.Logger) *Engine {
	return &Engine{
		store:  st,
		funds:  fundsBreaker,
		broker: brk,
		cfg:    cfg,
		lockTO: 5 * time.Second,
		log:    log.With().Str("component", "risk_engine").Logger(),
	}
}

// Validate runs the pre-trade checks in order under the session's advisory
// lock. A lock-acquire timeout is itself a safe reject (LOCK_TIMEOUT), never
// a silent block.
func (e *Engine) Validate(ctx context.Context, proposed ProposedOrder) Result {
	lockStart := time.Now()
	lock, err := e.store.AcquireRiskLock(proposed.SessionID, e.lockTO)
	metrics.RiskLockWaitSeconds.Observe(time.Since(lockStart).Seconds())
	if err != nil {
		metrics.RiskValidationsTotal.WithLabelValues(domain.CodeLockTimeout).Inc()
		return reject(domain.CodeLockTimeout, "could not acquire risk lock in time")
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			e.log.Warn().Err(relErr).Msg("failed to release risk lock")
		}
	}()

	result := e.validateLocked(ctx, proposed)
	metrics.RiskValidationsTotal.WithLabelValues(result.Code).Inc()
	return result
}

// validateLocked is the check sequence proper. The advisory lock held by
// Validate totally orders evaluations within a session, so each step can use
// short store operations; broker and breaker calls must not run inside a
// store transaction (the store is single-writer).
func (e *Engine) validateLocked(ctx context.Context, p ProposedOrder) Result {
	// 1. Kill-switch: fresh read inside the lock, no cache.
	sess, err := e.store.GetSession(p.SessionID)
	if err != nil {
		return reject(domain.CodeStoreUnavailable, "session read failed")
	}
	if sess.IsKilled {
		return reject(domain.CodeKillSwitchActive, "session kill switch is active")
	}

	// 2. Idempotency.
	if _, err := e.store.GetOrderByIdempotencyKey(nil, p.IdempotencyKey); err == nil {
		return reject(domain.CodeDuplicateOrder, "an order with this idempotency key already exists")
	} else if err != sql.ErrNoRows {
		return reject(domain.CodeStoreUnavailable, "idempotency lookup failed")
	}

	// 3. Live margin, through the funds circuit breaker. Blocking here is
	// intentional: we refuse to trade without a fresh margin read.
	var funds broker.Funds
	callErr := e.funds.Call(func() error {
		f, ferr := e.broker.Funds(ctx)
		funds = f
		return ferr
	})
	if callErr != nil {
		if _, open := callErr.(breaker.ErrOpen); open {
			return reject(domain.CodeCircuitOpenFunds, "funds circuit breaker is open")
		}
		return reject(domain.CodeMarginFetchFailed, "broker funds call failed: "+callErr.Error())
	}

	// 4. Margin utilisation, against the session row's limit snapshot.
	marginPct := 0.0
	if funds.AvailableMargin+funds.UsedMargin > 0 {
		marginPct = 100 * funds.UsedMargin / (funds.AvailableMargin + funds.UsedMargin)
	}
	if sess.MaxMarginUsagePct > 0 && marginPct >= sess.MaxMarginUsagePct {
		if _, kerr := e.TriggerKillSwitch(p.SessionID, domain.KillMarginBreach, "risk_engine"); kerr != nil {
			e.log.Error().Err(kerr).Msg("failed to trigger kill switch on margin breach")
		}
		return reject(domain.CodeMarginLimitBreach, "margin utilisation at or above limit")
	}

	// 5. Daily loss.
	dayPnL := sess.DayPnL()
	if sess.MaxDailyLoss > 0 && dayPnL < -sess.MaxDailyLoss {
		if _, kerr := e.TriggerKillSwitch(p.SessionID, domain.KillDailyLossBreach, "risk_engine"); kerr != nil {
			e.log.Error().Err(kerr).Msg("failed to trigger kill switch on daily loss breach")
		}
		return reject(domain.CodeDailyLossBreach, "daily loss limit breached")
	}

	// 6. Max open positions.
	openPositions, err := e.store.CountOpenPositions(p.SessionID)
	if err != nil {
		return reject(domain.CodeStoreUnavailable, "could not count open positions")
	}
	if sess.MaxOpenOrders > 0 && openPositions >= sess.MaxOpenOrders {
		return reject(domain.CodeMaxPositionsReached, "max open positions reached")
	}

	// 7. Lot size.
	lotSize := p.LotSize
	if lotSize <= 0 {
		lotSize = 1
	}
	lots := p.Quantity / lotSize
	if sess.MaxLotSize > 0 && lots > sess.MaxLotSize {
		return reject(domain.CodeLotSizeExceeded, "lot size exceeds session limit")
	}

	// 8. Available margin estimate.
	price := 0.0
	if p.Price != nil {
		price = *p.Price
	} else {
		q, qerr := e.broker.Quote(ctx, p.Symbol)
		if qerr == nil {
			price = q.LTP
		}
	}
	estMargin := float64(p.Quantity) * price * e.cfg.MarginFactor
	if estMargin > funds.AvailableMargin {
		return reject(domain.CodeInsufficientMargin, "estimated margin exceeds available margin")
	}

	// 9. Kill-switch re-check: a bare re-read, since evaluation may have
	// taken long enough for another actor to flip it.
	recheck, err := e.store.GetSession(p.SessionID)
	if err != nil {
		return reject(domain.CodeStoreUnavailable, "session re-read failed")
	}
	if recheck.IsKilled {
		return reject(domain.CodeKillSwitchActive, "kill switch activated during evaluation")
	}

	snapshot := &domain.RiskSnapshot{
		Timestamp:       time.Now().UTC(),
		AvailableMargin: funds.AvailableMargin,
		UsedMargin:      funds.UsedMargin,
		MarginPct:       marginPct,
		DayPnL:          dayPnL,
		OpenPositions:   openPositions,
		EstMarginReq:    estMargin,
		Lots:            lots,
		LockType:        "risk",
		Checks:          []string{"kill_switch", "idempotency", "margin_fetch", "margin_pct", "daily_loss", "max_positions", "lot_size", "available_margin", "kill_switch_recheck"},
	}
	return Result{Approved: true, Code: "APPROVED", Snapshot: snapshot}
}

func reject(code, message string) Result {
	return Result{Approved: false, Code: code, Message: message}
}

// TriggerKillSwitch is the activation path used both by checks above and by
// external callers (operator CLI, reconciliation). Activation is idempotent:
// a second trigger for any reason leaves the first reason intact. The audit
// event lands in the same transaction as the flip.
func (e *Engine) TriggerKillSwitch(sessionID string, reason domain.KillReason, actor string) (bool, error) {
	tx, err := e.store.BeginTx()
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck

	flipped, err := e.store.TriggerKillSwitch(tx, sessionID, reason, actor)
	if err != nil {
		return false, err
	}
	if flipped {
		if auditErr := e.store.AddAudit(tx, domain.AuditLogEntry{
			EventType: "kill_switch_triggered", EntityType: "session", EntityID: sessionID,
			Actor: actor, Payload: string(reason),
		}); auditErr != nil {
			e.log.Warn().Err(auditErr).Msg("audit write failed for kill switch trigger")
		}
		metrics.KillSwitchActive.Set(1)
	}
	return flipped, tx.Commit()
}

// DeactivateKillSwitch is the explicit manual operator action, distinct from
// the automatic trigger path: it clears is_killed and writes its own audit
// event.
func (e *Engine) DeactivateKillSwitch(sessionID, actor string) (bool, error) {
	cleared, err := e.store.DeactivateKillSwitch(sessionID, actor)
	if err != nil {
		return false, err
	}
	if cleared {
		if auditErr := e.store.AddAudit(nil, domain.AuditLogEntry{
			EventType: "kill_switch_deactivated", EntityType: "session", EntityID: sessionID, Actor: actor,
		}); auditErr != nil {
			e.log.Warn().Err(auditErr).Msg("audit write failed for kill switch deactivation")
		}
		metrics.KillSwitchActive.Set(0)
	}
	return cleared, nil
}

// RecordRealizedPnL increments realized_pnl and, if the resulting day-P&L
// breaches the session's limit, invokes the kill-switch trigger inline; the
// same transaction carries both effects.
func (e *Engine) RecordRealizedPnL(sessionID, orderID, symbol string, delta float64) error {
	tx, err := e.store.BeginTx()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	dayPnL, err := e.store.RecordRealizedPnL(tx, sessionID, delta)
	if err != nil {
		return err
	}
	if pnlErr := e.store.RecordPnL(tx, domain.PnLRecord{
		SessionID: sessionID, OrderID: orderID, Symbol: symbol, PnLType: "REALIZED", Amount: delta,
	}); pnlErr != nil {
		e.log.Warn().Err(pnlErr).Msg("pnl ledger write failed")
	}

	sess, err := e.store.LockSessionRow(tx, sessionID)
	if err == nil && sess.MaxDailyLoss > 0 && dayPnL < -sess.MaxDailyLoss {
		if _, kerr := e.store.TriggerKillSwitch(tx, sessionID, domain.KillDailyLossBreach, "risk_engine"); kerr == nil {
			_ = e.store.AddAudit(tx, domain.AuditLogEntry{
				EventType: "kill_switch_triggered", EntityType: "session", EntityID: sessionID,
				Actor: "risk_engine", Payload: string(domain.KillDailyLossBreach),
			})
		}
	}
	return tx.Commit()
}
