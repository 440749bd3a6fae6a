// Package feed maintains the live tick source and dual-tier heartbeat: a
// best-effort fast-cache write on every tick, a throttled durable write,
// and cooperative fan-out to every registered tick handler. The inbound
// tick path never blocks on the durable store.
package feed

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tradeforge/engine/internal/breaker"
	"github.com/tradeforge/engine/internal/broker"
	"github.com/tradeforge/engine/internal/cache"
	"github.com/tradeforge/engine/internal/domain"
	"github.com/tradeforge/engine/internal/metrics"
	"github.com/tradeforge/engine/internal/store"
)

// Handler receives every tick the feed worker sees, fanned out
// cooperatively; a slow or erroring handler must not interrupt the hot
// path.
type Handler func(ctx context.Context, tick domain.Tick)

// StatusLevel is the feed's self-reported health, derived from tick age.
type StatusLevel string

const (
	StatusLive  StatusLevel = "live"
	StatusStale StatusLevel = "stale"
	StatusDead  StatusLevel = "dead"
)

// Status is the shape Status() returns for diagnostics.
type Status struct {
	AgeSeconds     float64
	Connected      bool
	Level          StatusLevel
	Source         string
	ReconnectCount int
}

// Worker owns the broker WS subscription, reconnect policy, heartbeat
// cadence, and handler fan-out. One instance per process.
type Worker struct {
	feedName string
	symbols  []string
	brk      broker.Broker
	wsBrk    *breaker.Breaker
	cache    *cache.Cache
	store    *store.Store

	reconnectDelays   []time.Duration
	durableFlushEvery time.Duration
	cacheTTL          time.Duration

	mu               sync.RWMutex
	lastTickAt       time.Time
	lastPrices       map[string]float64
	connected        bool
	sawOpen          bool
	reconnectCount   int
	lastDurableFlush time.Time

	handlers []Handler
	log      zerolog.Logger
}

// New builds a feed worker. reconnectDelaysSeconds defaults to the
// {1,2,4,8,16,30} capped exponential sequence when empty.
func New(feedName string, symbols []string, brk broker.Broker, wsBrk *breaker.Breaker, c *cache.Cache, st *store.Store, reconnectDelaysSeconds []int, log zerolog.Logger) *Worker {
	delays := make([]time.Duration, 0, len(reconnectDelaysSeconds))
	for _, s := range reconnectDelaysSeconds {
		delays = append(delays, time.Duration(s)*time.Second)
	}
	if len(delays) == 0 {
		delays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}
	}
	return &Worker{
		feedName: feedName, symbols: symbols, brk: brk, wsBrk: wsBrk, cache: c, store: st,
		reconnectDelays:   delays,
		durableFlushEvery: 5 * time.Second,
		cacheTTL:          10 * time.Second,
		lastPrices:        make(map[string]float64),
		log:               log.With().Str("component", "feed").Str("feed", feedName).Logger(),
	}
}

// RegisterHandler adds a tick fan-out target; the executor is the primary
// one, but diagnostics or other consumers may register their own.
func (w *Worker) RegisterHandler(h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Run subscribes and reconnects with exponential backoff until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := w.wsBrk.Call(func() error {
			return w.brk.Stream(ctx, w.symbols, broker.StreamHandlers{
				OnTick:  func(t broker.StreamTick) { w.onTick(ctx, t) },
				OnOpen:  func() { w.onOpen() },
				OnClose: func() { w.onClose() },
				OnError: func(err error) { w.log.Warn().Err(err).Msg("stream decode error") },
			})
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.log.Warn().Err(err).Msg("feed stream ended, reconnecting")
		}
		w.onClose()

		// A connection that actually established resets the backoff ladder.
		w.mu.Lock()
		if w.sawOpen {
			attempt = 0
			w.sawOpen = false
		}
		w.mu.Unlock()

		delay := w.reconnectDelays[attempt]
		if attempt < len(w.reconnectDelays)-1 {
			attempt++
		}
		metrics.FeedReconnectsTotal.Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (w *Worker) onOpen() {
	w.mu.Lock()
	w.connected = true
	w.sawOpen = true
	w.mu.Unlock()
	metrics.FeedConnected.Set(1)
	w.cache.Set(cache.WSConnectedKey(), "1", w.cacheTTL)
}

func (w *Worker) onClose() {
	w.mu.Lock()
	if !w.connected {
		// Stream implementations fire OnClose and then return an error to
		// Run, which calls onClose again; count the disconnect once.
		w.mu.Unlock()
		return
	}
	w.connected = false
	w.reconnectCount++
	count := w.reconnectCount
	w.mu.Unlock()
	metrics.FeedConnected.Set(0)
	w.cache.Delete(cache.WSConnectedKey())
	if err := w.store.MarkFeedDisconnected(w.feedName); err != nil {
		w.log.Warn().Err(err).Msg("failed to mark feed disconnected in durable store")
	}
	w.log.Info().Int("reconnect_count", count).Msg("feed disconnected")
}

// onTick is the hot path: update in-memory state, best-effort cache write,
// throttled durable write, then cooperative fan-out. It never blocks on
// durable I/O.
func (w *Worker) onTick(ctx context.Context, t broker.StreamTick) {
	now := time.Now().UTC()
	tick := domain.Tick{Symbol: t.Symbol, LTP: t.LTP, TS: now, Volume: t.Volume, OI: t.OI}

	w.mu.Lock()
	w.lastTickAt = now
	w.lastPrices[t.Symbol] = t.LTP
	shouldFlush := now.Sub(w.lastDurableFlush) >= w.durableFlushEvery
	if shouldFlush {
		w.lastDurableFlush = now
	}
	handlers := append([]Handler(nil), w.handlers...)
	symbolCount := len(w.lastPrices)
	w.mu.Unlock()

	w.cache.Set(cache.LastTickTSKey(), now.Format(time.RFC3339Nano), w.cacheTTL)
	w.cache.Set(cache.LTPKey(t.Symbol), formatFloat(t.LTP), w.cacheTTL)
	metrics.FeedTickAgeSeconds.Set(0)

	if shouldFlush {
		// Enqueued asynchronously: a slow durable write must never stall the
		// tick path.
		go func() {
			if err := w.store.UpsertFeedHeartbeat(w.feedName, now, symbolCount, true); err != nil {
				w.log.Warn().Err(err).Msg("failed to flush durable heartbeat")
			}
		}()
	}

	for _, h := range handlers {
		h(ctx, tick)
	}
}

// Status reports the feed's self-assessed health: live under 1s of tick
// age, stale under 3s, dead otherwise.
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	age := time.Since(w.lastTickAt).Seconds()
	if w.lastTickAt.IsZero() {
		age = -1
	}
	level := StatusDead
	switch {
	case age >= 0 && age < 1:
		level = StatusLive
	case age >= 0 && age < 3:
		level = StatusStale
	}
	return Status{AgeSeconds: age, Connected: w.connected, Level: level, Source: w.feedName, ReconnectCount: w.reconnectCount}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
