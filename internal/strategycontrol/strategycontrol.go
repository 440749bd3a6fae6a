// Package strategycontrol is the stateless helper external writers use to
// send intents to a strategy and, optionally, wait for the executor's
// control loop to acknowledge them.
package strategycontrol

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/tradeforge/engine/internal/domain"
	"github.com/tradeforge/engine/internal/metrics"
	"github.com/tradeforge/engine/internal/store"
)

// Service is the intent/ack coordination point between API writers (or the
// operator CLI) and the executor's control loop.
type Service struct {
	store        *store.Store
	pollInterval time.Duration
	ackTimeout   time.Duration
	log          zerolog.Logger
}

// New builds a Service; callers normally pass a ~200ms poll interval and a
// ~10s ack timeout.
func New(st *store.Store, pollInterval, ackTimeout time.Duration, log zerolog.Logger) *Service {
	return &Service{store: st, pollInterval: pollInterval, ackTimeout: ackTimeout, log: log.With().Str("component", "strategy_control").Logger()}
}

// Response is the shape returned to every caller of SendIntent.
type Response struct {
	Success       bool
	Strategy      string
	Action        domain.ControlIntent
	Status        string // confirmed | pending | error
	CurrentStatus domain.StrategyStatus
	AckLatencyMS  *int64
	Message       string
}

var legalIntents = map[domain.ControlIntent]bool{
	domain.IntentPause: true, domain.IntentResume: true, domain.IntentStop: true, domain.IntentStart: true,
}

// expectedStatus is the status an intent is expected to produce once acked.
var expectedStatus = map[domain.ControlIntent]domain.StrategyStatus{
	domain.IntentPause:  domain.StrategyPaused,
	domain.IntentResume: domain.StrategyRunning,
	domain.IntentStop:   domain.StrategyStopped,
	domain.IntentStart:  domain.StrategyRunning,
}

// illegalFrom rejects no-op transitions like pausing an already-paused strategy.
var illegalFrom = map[domain.ControlIntent]domain.StrategyStatus{
	domain.IntentPause:  domain.StrategyPaused,
	domain.IntentResume: domain.StrategyRunning,
	domain.IntentStop:   domain.StrategyStopped,
	domain.IntentStart:  domain.StrategyRunning,
}

// SendIntent validates, writes, logs, and optionally waits for an operator
// intent. confirmed must be true for "stop": stopping a strategy requires a
// caller-side confirmation.
func (s *Service) SendIntent(strategy string, intent domain.ControlIntent, actor, ip string, confirmed, waitForAck bool) (Response, error) {
	if !legalIntents[intent] {
		err := domain.NewControlError(domain.CodeInvalidIntent, "unknown intent: "+string(intent))
		return Response{Success: false, Strategy: strategy, Action: intent, Status: "error", Message: err.Error()}, err
	}
	if intent == domain.IntentStop && !confirmed {
		err := domain.NewControlError(domain.CodeConfirmRequired, "stop requires caller-side confirmation")
		return Response{Success: false, Strategy: strategy, Action: intent, Status: "error", Message: err.Error()}, err
	}

	st, err := s.store.EnsureStrategyRow(strategy, "")
	if err != nil {
		return Response{}, err
	}
	if illegalFrom[intent] == st.Status {
		err := domain.NewControlError(domain.CodeInvalidTransition, string(intent)+" is a no-op from "+string(st.Status))
		return Response{Success: false, Strategy: strategy, Action: intent, Status: "error", CurrentStatus: st.Status, Message: err.Error()}, err
	}

	setAt := time.Now().UTC()
	ok, err := s.store.SetIntentIfClear(strategy, intent, actor)
	if err != nil {
		return Response{}, err
	}
	if !ok {
		err := domain.NewControlError(domain.CodeIntentRace, "another intent is already pending for this strategy")
		return Response{Success: false, Strategy: strategy, Action: intent, Status: "error", CurrentStatus: st.Status, Message: err.Error()}, err
	}

	if _, err := s.store.AppendControlLog(domain.StrategyControlLogEntry{
		Strategy: strategy, Action: intent, Actor: actor, IPAddress: ip, FromStatus: st.Status,
		ToStatus: expectedStatus[intent],
	}); err != nil {
		s.log.Warn().Err(err).Msg("control log append failed")
	}

	if !waitForAck {
		return Response{Success: true, Strategy: strategy, Action: intent, Status: "pending", CurrentStatus: st.Status}, nil
	}

	deadline := time.Now().Add(s.ackTimeout)
	want := expectedStatus[intent]
	for time.Now().Before(deadline) {
		cur, err := s.store.GetStrategy(strategy)
		if err == nil && cur.ControlIntent == domain.IntentNone && cur.Status == want &&
			cur.IntentAckedAt != nil && !cur.IntentAckedAt.Before(setAt) {
			latencyMS := cur.IntentAckedAt.Sub(setAt).Milliseconds()
			if ackErr := s.store.AckControlLog(strategy, *cur.IntentAckedAt, latencyMS); ackErr != nil {
				s.log.Warn().Err(ackErr).Msg("control log ack patch failed")
			}
			metrics.ControlIntentAckSeconds.Observe(float64(latencyMS) / 1000)
			return Response{
				Success: true, Strategy: strategy, Action: intent, Status: "confirmed",
				CurrentStatus: cur.Status, AckLatencyMS: &latencyMS,
			}, nil
		}
		time.Sleep(s.pollInterval)
	}

	// Timeout is not an error: the intent remains queued and the executor
	// will still consume it.
	cur, _ := s.store.GetStrategy(strategy)
	status := st.Status
	if cur != nil {
		status = cur.Status
	}
	return Response{Success: true, Strategy: strategy, Action: intent, Status: "pending", CurrentStatus: status}, nil
}

// GetPendingIntents returns every strategy with a pending intent, oldest
// first: the same rows the executor control loop reads through
// store.ListPendingIntents.
func (s *Service) GetPendingIntents() ([]*domain.StrategyState, error) {
	return s.store.ListPendingIntents()
}
