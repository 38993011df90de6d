package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Priya8975/posting-relay/internal/alerting"
	"github.com/Priya8975/posting-relay/internal/api"
	"github.com/Priya8975/posting-relay/internal/config"
	"github.com/Priya8975/posting-relay/internal/engine"
	"github.com/Priya8975/posting-relay/internal/ingest"
	"github.com/Priya8975/posting-relay/internal/store"
	"github.com/Priya8975/posting-relay/internal/websocket"
	"github.com/Priya8975/posting-relay/migrations"
	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.RequireStores(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	applied, err := pgStore.RunMigrations(ctx, migrations.FS)
	if err != nil {
		return err
	}
	logger.Info("database migrations applied", "applied", applied)

	// Initialize Redis
	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	hub := websocket.NewHub(logger)
	events := engine.NewEventWindow(redisStore.Client(), logger, engine.DefaultRetention)
	breaker := engine.NewCircuitBreaker(redisStore.Client(), logger)

	dispatcher := alerting.NewDispatcher(cfg.DispatcherConfig(), logger,
		alerting.WithDeduper(alerting.NewRedisDeduper(redisStore.Client())),
		alerting.WithBreaker(breaker),
		alerting.WithPublisher(hub),
	)
	monitor := alerting.NewMonitor(cfg.MonitorConfig(), pgStore, dispatcher, logger,
		alerting.WithFailureCounter(pgStore),
		alerting.WithEventLog(events),
	)

	consumer := ingest.NewConsumer(pgStore, pgStore, logger, ingest.WithEventRecorder(events))

	router := api.NewRouter(api.RouterConfig{
		IngestToken: cfg.Ingest.Token,
		Intake:      api.NewIntakeHandler(consumer, monitor, events, logger),
		Ops: api.NewOpsHandler(api.OpsDeps{
			Monitor:  monitor,
			Summary:  alerting.NewSummaryBuilder(pgStore, events, pgStore),
			Replayer: ingest.NewReplayer(consumer, pgStore, logger),
			Failures: pgStore,
			States:   pgStore,
			Stats:    pgStore,
			Sink:     breaker,
			Feed:     hub,
		}, logger),
		Postings: api.NewPostingHandler(pgStore),
		Checks:   map[string]api.Pinger{"postgres": pgStore, "redis": redisStore},
		Feed:     hub.HandleWebSocket,
	})

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.Monitor.Interval),
		gocron.NewTask(func() {
			if _, err := monitor.EvaluateAll(ctx); err != nil {
				logger.Error("failed to evaluate alert signals", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("alert monitor scheduled", "interval", cfg.Monitor.Interval.String())
		scheduler.Start()
		<-ctx.Done()
		return scheduler.Shutdown()
	})

	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
