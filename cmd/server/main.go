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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/dispatch"
	"github.com/chatrelay/chatrelay/internal/health"
	"github.com/chatrelay/chatrelay/internal/logger"
	"github.com/chatrelay/chatrelay/internal/longpoll"
	"github.com/chatrelay/chatrelay/internal/metrics"
	appmw "github.com/chatrelay/chatrelay/internal/middleware"
	"github.com/chatrelay/chatrelay/internal/notify"
	"github.com/chatrelay/chatrelay/internal/persist"
	"github.com/chatrelay/chatrelay/internal/presence"
	"github.com/chatrelay/chatrelay/internal/registry"
	"github.com/chatrelay/chatrelay/internal/shard"
	"github.com/chatrelay/chatrelay/internal/workqueue"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	// Shard table: without one, this process owns every user.
	var table *shard.Table
	if cfg.Shard.TablePath != "" {
		var err error
		table, err = shard.Load(cfg.Shard.TablePath)
		if err != nil {
			return fmt.Errorf("load shard table: %w", err)
		}
	} else {
		table = shard.Default(cfg.Server.Port)
	}
	log.Info("shard table loaded", slog.Any("ports", table.Ports()))

	// Work queue broker.
	var publisher workqueue.Publisher
	var redisClient *redis.Client
	if cfg.Redis.Disabled {
		publisher = workqueue.NewMemory()
		log.Warn("work queue broker disabled; notification jobs stay in-process")
	} else {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		publisher = workqueue.NewRedisQueue(redisClient, log,
			workqueue.FileFailureHandler(cfg.Queues.FailureLogPath, log))
	}

	// Core: registry, notification engine, dispatcher, GC hooks.
	reg := registry.New(log)
	engine := notify.NewEngine(publisher, reg, log)
	reg.AddGCHook(engine.MissedMessageGCHook)

	botTracker := presence.NewBotTracker(noopStatusSink{}, log)
	reg.AddGCHook(botTracker.GCHook)

	dispatcher := dispatch.New(reg, engine, log)

	// Bring back the queues the previous process dumped, then tell their
	// clients about the restart in batches.
	loaded := persist.Load(cfg.Queues.PersistDir, cfg.Server.Port, log)
	reload := persist.NewReloadManager(reg, cfg.Server.ServerGeneration, cfg.Queues.ReloadImmediate, log)
	if restored := reload.Restore(loaded); restored > 0 {
		log.Info("restored event queues from dump", slog.Int("count", restored))
	}

	healthHandler := health.NewHandler(health.Config{
		Registry:    reg,
		RedisClient: redisClient,
		Version:     fmt.Sprint(cfg.Server.ServerGeneration),
	})

	router := newRouter(log, reg, dispatcher, healthHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
		// Long polls park for up to a heartbeat interval; the write timeout
		// must comfortably exceed it.
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting event server", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		reg.RunSweeper(gctx, cfg.Queues.SweepInterval)
		return nil
	})

	g.Go(func() error {
		reload.RunDrainer(gctx, cfg.Queues.ReloadInterval, cfg.Queues.ReloadBatchSize)
		return nil
	})

	// Shutdown sequencing: stop accepting, flush parked long-polls, dump.
	g.Go(func() error {
		<-gctx.Done()
		healthHandler.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown", slog.Any("error", err))
		}

		for _, d := range reg.All() {
			d.FinishCurrentHandler()
		}
		if err := persist.Dump(reg, cfg.Queues.PersistDir, cfg.Server.Port); err != nil {
			log.Error("dump event queues", slog.Any("error", err))
			return err
		}
		log.Info("dumped event queues", slog.Int("count", reg.Len()))
		return nil
	})

	return g.Wait()
}

func newRouter(log *slog.Logger, reg *registry.Registry, dispatcher *dispatch.Dispatcher, healthHandler *health.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(appmw.StructuredLogger(log))
	r.Use(metrics.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-ID", "X-Realm-ID"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Readiness)
	r.Get("/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	lpHandler := longpoll.NewHandler(reg, log)
	registerLimiter := appmw.NewRegisterRateLimiter()

	r.Route("/api/v1", func(r chi.Router) {
		longpoll.RegisterRoutes(r, lpHandler, registerLimiter.RateLimitRegister)
	})

	ingest := longpoll.NewIngestHandler(dispatcher, log)
	r.Route("/api/internal", func(r chi.Router) {
		longpoll.RegisterInternalRoutes(r, ingest)
	})

	return r
}

// noopStatusSink stands in until the presence store grows a bot status API.
type noopStatusSink struct{}

func (noopStatusSink) SetBotOffline(context.Context, int64) error { return nil }
