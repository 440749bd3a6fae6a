// Command engine is the long-running daemon that wires and runs the core
// components: risk engine, strategy executor, reconciliation worker,
// circuit breaker registry, and feed worker. The strategy control service
// is not wired here; cmd/tradedeckctl uses it. The daemon also exposes read-only /healthz and /metrics endpoints for external
// monitors to poll.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/tradeforge/engine/internal/breaker"
	"github.com/tradeforge/engine/internal/broker"
	"github.com/tradeforge/engine/internal/cache"
	"github.com/tradeforge/engine/internal/config"
	"github.com/tradeforge/engine/internal/domain"
	"github.com/tradeforge/engine/internal/executor"
	"github.com/tradeforge/engine/internal/feed"
	"github.com/tradeforge/engine/internal/logging"
	"github.com/tradeforge/engine/internal/metrics"
	"github.com/tradeforge/engine/internal/reconcile"
	"github.com/tradeforge/engine/internal/risk"
	"github.com/tradeforge/engine/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	addr := flag.String("addr", ":8080", "health/metrics listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log := logging.New(logging.Options{Level: "info", Pretty: os.Getenv("LOG_PRETTY") == "1"})
	log.Info().Msg("starting engine")

	st, err := store.Open(cfg.StoreDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	breakerCfgs := map[string]breaker.Config{}
	for name, b := range cfg.Breakers {
		breakerCfgs[name] = breaker.Config{FailureThreshold: b.FailureThreshold, CooldownSeconds: b.CooldownSeconds, SuccessThreshold: b.SuccessThreshold}
	}
	breakers := breaker.NewRegistry(breakerCfgs, st, log)

	auth := broker.NewAuthManager(broker.Credentials{
		AppID: cfg.BrokerAppID, SecretID: cfg.BrokerSecretID, AccessToken: cfg.BrokerAccessToken,
		RefreshToken: cfg.BrokerRefreshToken, PIN: cfg.BrokerPIN, TOTPSecret: cfg.BrokerTOTPSecret,
	}, broker.NewFyersRefresher("https://api.broker.example"))
	if cfg.BrokerSecretID != "" {
		key, err := config.DeriveStorageKey(cfg.BrokerSecretID, 32)
		if err != nil {
			log.Warn().Err(err).Msg("could not derive token cache key, running without token cache")
		} else if tokenCache, err := broker.NewTokenCache(cfg.TokenCachePath, key); err != nil {
			log.Warn().Err(err).Msg("could not open token cache, running without it")
		} else {
			auth.UseCache(tokenCache)
		}
	}
	brk := broker.NewHTTPBroker("https://api.broker.example", "wss://stream.broker.example/feed", auth, 10, log)

	riskEngine := risk.New(st, breakers.Funds, brk, cfg.Risk, log)

	today := time.Now().UTC().Format("2006-01-02")
	sess, err := st.GetOrCreateToday(today, domain.TradingSession{
		MaxDailyLoss: cfg.Risk.MaxDailyLoss, MaxPositionSize: cfg.Risk.MaxPositionSize,
		MaxOpenOrders: cfg.Risk.MaxOpenOrders, MaxMarginUsagePct: cfg.Risk.MaxMarginUsagePct,
		MaxLotSize: cfg.Risk.MaxLotSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize today's session")
	}
	log.Info().Str("session_id", sess.ID).Str("date", sess.Date).Msg("session ready")

	exec := executor.New(st, brk, riskEngine, breakers.Orders, cfg.TickBufferSize,
		time.Duration(cfg.ControlPollIntervalMS)*time.Millisecond, log)

	c := cache.New()
	feedWorker := feed.New("primary", []string{}, brk, breakers.WS, c, st, cfg.ReconnectDelaysSeconds, log)
	feedWorker.RegisterHandler(func(ctx context.Context, tick domain.Tick) {
		exec.OnTick(ctx, tick)
	})

	reconciler := reconcile.New(st, brk, riskEngine, cfg.MaxReconcileFailures, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec.Start(ctx)
	go feedWorker.Run(ctx)

	reconcileInterval := cfg.ReconcileIntervalSeconds
	if reconcileInterval <= 0 {
		reconcileInterval = 15
	}
	sched := cron.New(cron.WithSeconds())
	reconcileSpec := "*/" + strconv.Itoa(reconcileInterval) + " * * * * *"
	if _, err := sched.AddFunc(reconcileSpec, func() {
		if err := reconciler.Run(ctx); err != nil {
			log.Warn().Err(err).Msg("reconciliation cycle returned an error")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule reconciliation cron job")
	}
	sched.Start()
	defer sched.Stop()

	srv := buildHealthServer(*addr, st, breakers, feedWorker)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	exec.Stop(5 * time.Second)
	cancel()
}

// buildHealthServer is the minimal HTTP surface: read-only
// health/telemetry, nothing else.
func buildHealthServer(addr string, st *store.Store, breakers *breaker.Registry, feedWorker *feed.Worker) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.GET("/healthz", func(c *gin.Context) {
		status := feedWorker.Status()
		c.JSON(http.StatusOK, gin.H{"feed": status, "ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	return &http.Server{Addr: addr, Handler: r}
}
