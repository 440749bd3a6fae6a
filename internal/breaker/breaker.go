// Package breaker implements the database-persisted CLOSED/OPEN/HALF_OPEN
// circuit breaker guarding every broker call, plus the registry of
// per-service instances the risk engine, executor, and feed worker all
// call through. State is written back on every transition, so a process
// restart never silently resets a tripped breaker.
package breaker

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/tradeforge/engine/internal/domain"
	"github.com/tradeforge/engine/internal/metrics"
	"github.com/tradeforge/engine/internal/store"
)

// Config is one service's threshold/cooldown tuple.
type Config struct {
	FailureThreshold int
	CooldownSeconds  int
	SuccessThreshold int
}

// Breaker is one named service's persisted state machine.
type Breaker struct {
	service string
	cfg     Config
	store   *store.Store
	log     zerolog.Logger
}

// New builds a breaker bound to a service name and persisted in store.
func New(service string, cfg Config, st *store.Store, log zerolog.Logger) *Breaker {
	return &Breaker{service: service, cfg: cfg, store: st, log: logging(log, service)}
}

func logging(log zerolog.Logger, service string) zerolog.Logger {
	return log.With().Str("breaker", service).Logger()
}

// ErrOpen is returned by Call when the breaker is presently tripped.
type ErrOpen struct{ Service string }

func (e ErrOpen) Error() string { return domain.CircuitOpenCode(e.Service) }

// Allow reports whether a call may proceed right now, transitioning
// OPEN to HALF_OPEN if the cooldown has elapsed. Callers use Call for the
// common case.
func (b *Breaker) Allow() (bool, error) {
	st, err := b.store.GetOrCreateBreakerState(b.service)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()

	switch st.State {
	case domain.BreakerClosed:
		return true, nil
	case domain.BreakerHalfOpen:
		return true, nil
	case domain.BreakerOpen:
		if st.NextAttemptAt != nil && !now.Before(*st.NextAttemptAt) {
			st.State = domain.BreakerHalfOpen
			st.SuccessCount = 0
			if err := b.store.SaveBreakerState(st); err != nil {
				return false, err
			}
			metrics.BreakerState.WithLabelValues(b.service).Set(metrics.BreakerStateValue(string(st.State)))
			b.log.Info().Msg("breaker half-open: cooldown elapsed")
			return true, nil
		}
		return false, nil
	default:
		return true, nil
	}
}

// Call runs fn only if Allow() permits it, then records success or failure
// against the persisted state based on whether fn returned an error.
func (b *Breaker) Call(fn func() error) error {
	allowed, err := b.Allow()
	if err != nil {
		return err
	}
	if !allowed {
		return ErrOpen{Service: b.service}
	}

	callErr := fn()
	if recErr := b.recordOutcome(callErr == nil); recErr != nil {
		b.log.Warn().Err(recErr).Msg("failed to persist breaker outcome")
	}
	return callErr
}

func (b *Breaker) recordOutcome(success bool) error {
	st, err := b.store.GetOrCreateBreakerState(b.service)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	switch st.State {
	case domain.BreakerClosed:
		if success {
			st.FailureCount = 0
		} else {
			st.FailureCount++
			st.LastFailureAt = &now
			if st.FailureCount >= b.cfg.FailureThreshold {
				st.State = domain.BreakerOpen
				st.OpenedAt = &now
				next := now.Add(time.Duration(b.cfg.CooldownSeconds) * time.Second)
				st.NextAttemptAt = &next
				b.log.Warn().Int("failures", st.FailureCount).Msg("breaker tripped open")
			}
		}
	case domain.BreakerHalfOpen:
		if success {
			st.SuccessCount++
			if st.SuccessCount >= b.cfg.SuccessThreshold {
				st.State = domain.BreakerClosed
				st.FailureCount = 0
				st.SuccessCount = 0
				b.log.Info().Msg("breaker closed: recovered")
			}
		} else {
			st.State = domain.BreakerOpen
			st.OpenedAt = &now
			st.LastFailureAt = &now
			next := now.Add(time.Duration(b.cfg.CooldownSeconds) * time.Second)
			st.NextAttemptAt = &next
			b.log.Warn().Msg("breaker reopened: half-open probe failed")
		}
	case domain.BreakerOpen:
		// A concurrent caller may still land here between Allow and Call.
		// A failure is a no-op since we're already open; a success counts
		// as the first half-open probe.
		if success {
			st.State = domain.BreakerHalfOpen
			st.SuccessCount = 1
		}
	}
	metrics.BreakerState.WithLabelValues(b.service).Set(metrics.BreakerStateValue(string(st.State)))
	return b.store.SaveBreakerState(st)
}

// Status returns the current persisted state, for the diagnostics CLI.
func (b *Breaker) Status() (*domain.CircuitBreakerState, error) {
	return b.store.GetOrCreateBreakerState(b.service)
}

// Registry holds the four named breakers protecting broker calls.
type Registry struct {
	Orders *Breaker
	Quotes *Breaker
	Funds  *Breaker
	WS     *Breaker
}

// Service names used consistently across persistence, metrics, and logs.
const (
	ServiceOrders = "broker_orders"
	ServiceQuotes = "broker_quotes"
	ServiceFunds  = "broker_funds"
	ServiceWS     = "broker_ws"
)

// NewRegistry builds the standard four-breaker registry from a
// service-name → Config map (normally config.Config.Breakers).
func NewRegistry(cfgs map[string]Config, st *store.Store, log zerolog.Logger) *Registry {
	get := func(name string, fallback Config) Config {
		if c, ok := cfgs[name]; ok {
			return c
		}
		return fallback
	}
	return &Registry{
		Orders: New(ServiceOrders, get(ServiceOrders, Config{3, 30, 2}), st, log),
		Quotes: New(ServiceQuotes, get(ServiceQuotes, Config{5, 60, 3}), st, log),
		Funds:  New(ServiceFunds, get(ServiceFunds, Config{5, 60, 2}), st, log),
		WS:     New(ServiceWS, get(ServiceWS, Config{3, 120, 1}), st, log),
	}
}
