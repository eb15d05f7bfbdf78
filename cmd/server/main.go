package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/prop-engine/internal/arbitrage"
	"github.com/atmx/prop-engine/internal/challenge"
	"github.com/atmx/prop-engine/internal/config"
	"github.com/atmx/prop-engine/internal/events"
	"github.com/atmx/prop-engine/internal/execution"
	"github.com/atmx/prop-engine/internal/idempotency"
	"github.com/atmx/prop-engine/internal/logger"
	"github.com/atmx/prop-engine/internal/marketdata"
	"github.com/atmx/prop-engine/internal/metrics"
	"github.com/atmx/prop-engine/internal/outage"
	"github.com/atmx/prop-engine/internal/risk"
	"github.com/atmx/prop-engine/internal/scheduler"
	"github.com/atmx/prop-engine/internal/store"
	"github.com/atmx/prop-engine/internal/tasks"
	"github.com/atmx/prop-engine/internal/trade"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, syncLog, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer syncLog()
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("prop-engine exited with error", "err", err)
		syncLog()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		st = pg
		log.Info("connected to PostgreSQL")
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Redis ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		log.Info("Redis enabled")
	}

	// --- Market data ---
	var (
		md        marketdata.Provider
		heartbeat marketdata.Heartbeater
	)
	switch cfg.MarketData.Mode {
	case "redis":
		feed := marketdata.NewRedisFeed(rdb, cfg.MarketData.FetchTimeout)
		cached := marketdata.NewCached(feed, rdb, cfg.MarketData.FetchTimeout, cfg.MarketData.InfoCacheTTL, cfg.MarketData.PriceCacheTTL, log)
		md, heartbeat = cached, cached
		log.Info("market data: redis feed with last-known cache")
	default:
		md = marketdata.NewDemo()
		log.Warn("market data: demo provider, trading will be refused")
	}

	// --- Events ---
	hub := trade.NewWSHub(log)
	go hub.Run(ctx)
	sink := events.Multi{events.NewLogSink(log), hub}
	if len(cfg.Kafka.Brokers) > 0 {
		ks := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		cleanup = append(cleanup, func() {
			if err := ks.Close(); err != nil {
				log.Warn("kafka sink close", "err", err)
			}
		})
		sink = append(sink, ks)
		log.Info("kafka event sink enabled", "topic", cfg.Kafka.Topic)
	}

	// --- Domain services ---
	outages := outage.NewManager(st, sink, cfg.Outage.Grace, log)
	eval := challenge.NewEvaluator(st, md, outages, sink, log)

	queue := tasks.NewQueue(tasks.Config{
		Workers:     cfg.Tasks.Workers,
		Buffer:      cfg.Tasks.Buffer,
		MaxAttempts: cfg.Tasks.MaxAttempts,
		Timeout:     cfg.Tasks.Timeout,
	}, sink, log)
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	queue.Start(workerCtx)

	pipeline := execution.New(st, md, risk.NewEngine(md, arbitrage.New(), log), outages, eval, queue, sink, execution.Config{
		PriceMaxAge: cfg.MarketData.PriceMaxAge,
		MaxSlippage: cfg.MaxSlippage(),
	}, log)

	var kv idempotency.KV = idempotency.NewMemoryKV()
	if rdb != nil {
		kv = idempotency.NewRedisKV(rdb)
	}
	guard := idempotency.NewGuard(kv, cfg.Idempotency.TTL, cfg.Idempotency.Timeout, log)

	tiers, err := cfg.ChallengeTiers()
	if err != nil {
		return err
	}
	tradeSvc := trade.NewService(pipeline, eval, st, md, outages, guard, tiers, log)

	// --- Scheduler ---
	sched := scheduler.New(workerCtx, time.Minute, log)
	var watchdog scheduler.Probe
	if heartbeat != nil {
		watchdog = outage.NewWatchdog(outages, heartbeat, cfg.MarketData.FeedStaleAfter, log)
	}
	if err := sched.Register(eval, watchdog, cfg.Scheduler); err != nil {
		return err
	}
	sched.Start()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, Idempotency-Key")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"prop-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time account events; no timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			tradeSvc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("prop-engine listening", "port", cfg.Server.Port, "market_data", cfg.MarketData.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown: stop intake, then finish scheduled and queued work.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	log.Info("shutting down prop-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "err", err)
	}
	sched.Stop(shutdownCtx)
	if err := queue.Stop(shutdownCtx); err != nil {
		log.Warn("task queue did not drain", "err", err)
	}
	log.Info("prop-engine stopped")
	return nil
}
