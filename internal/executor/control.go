package executor

import (
	"context"
	"time"

	"github.com/tradeforge/engine/internal/domain"
)

// runControlLoop runs independently of tick dispatch at a fixed short
// interval, so a dead feed never stalls operator commands. Acknowledgement
// happens-before any subsequent tick being processed under the new status
// because AckIntent is the only write path that clears control_intent, and
// OnTick re-reads the row fresh every dispatch.
func (e *Executor) runControlLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.controlPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drainPendingIntents()
		}
	}
}

func (e *Executor) drainPendingIntents() {
	pending, err := e.store.ListPendingIntents()
	if err != nil {
		e.log.Warn().Err(err).Msg("failed to list pending control intents")
		return
	}
	for _, st := range pending {
		e.applyIntent(st)
	}
}

func (e *Executor) applyIntent(st *domain.StrategyState) {
	switch st.ControlIntent {
	case domain.IntentPause:
		e.ack(st.Name, domain.StrategyPaused, false)
	case domain.IntentResume:
		e.ack(st.Name, domain.StrategyRunning, false)
	case domain.IntentStop:
		if err := e.store.SetAutoRestart(st.Name, false); err != nil {
			e.log.Warn().Err(err).Str("strategy", st.Name).Msg("failed to clear auto_restart on stop")
		}
		e.ack(st.Name, domain.StrategyStopped, false)
	case domain.IntentStart:
		if err := e.store.SetStartedAt(st.Name, time.Now().UTC()); err != nil {
			e.log.Warn().Err(err).Str("strategy", st.Name).Msg("failed to stamp started_at on start")
		}
		e.ack(st.Name, domain.StrategyRunning, true)
	default:
		e.log.Warn().Str("strategy", st.Name).Str("intent", string(st.ControlIntent)).Msg("unknown control intent")
	}
}

func (e *Executor) ack(name string, newStatus domain.StrategyStatus, clearError bool) {
	if err := e.store.AckIntent(name, newStatus, clearError); err != nil {
		e.log.Error().Err(err).Str("strategy", name).Msg("failed to acknowledge control intent")
		return
	}

	e.mu.RLock()
	reg := e.strategies[name]
	e.mu.RUnlock()
	if reg != nil && newStatus != domain.StrategyRunning {
		reg.mu.Lock()
		reg.prevSignal = domain.SignalWaiting
		reg.mu.Unlock()
	}
}

// StatusCache returns the current status for a strategy. The durable row
// always wins on disagreement, so this proxies the store read rather than
// keeping a second copy that could drift.
func (e *Executor) StatusCache(name string) (domain.StrategyStatus, bool) {
	st, err := e.store.GetStrategy(name)
	if err != nil {
		return "", false
	}
	return st.Status, true
}
