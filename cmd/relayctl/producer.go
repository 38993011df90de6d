package main

import (
	"context"
	"log/slog"

	"github.com/Priya8975/posting-relay/internal/alerting"
	"github.com/Priya8975/posting-relay/internal/config"
	"github.com/Priya8975/posting-relay/internal/outbox"
	"github.com/Priya8975/posting-relay/internal/store"
	"github.com/Priya8975/posting-relay/internal/worker"
)

// producer is the sending side of the relay: a file-backed outbox that
// delivers to the intake endpoint and raises backlog and dead-letter alerts.
type producer struct {
	outbox  *outbox.Outbox
	monitor *alerting.Monitor
	logger  *slog.Logger
	closers []func()
}

// newProducer builds the outbox. Alert state and dedupe keys are kept in
// PostgreSQL and Redis when those are configured, in memory otherwise.
func newProducer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*producer, error) {
	p := &producer{logger: logger}

	var states alerting.StateStore = alerting.NewMemoryStateStore()
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, pg.Close)
		states = pg
	}

	var dispatcherOpts []alerting.DispatcherOption
	if cfg.RedisURL != "" {
		redis, err := store.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.closers = append(p.closers, func() { redis.Close() })
		dispatcherOpts = append(dispatcherOpts, alerting.WithDeduper(alerting.NewRedisDeduper(redis.Client())))
	}

	dispatcher := alerting.NewDispatcher(cfg.DispatcherConfig(), logger, dispatcherOpts...)
	p.monitor = alerting.NewMonitor(cfg.MonitorConfig(), states, dispatcher, logger)

	deliverer := worker.NewDeliverer(cfg.DelivererConfig(), logger)
	ob, err := outbox.New(cfg.OutboxConfig(), outbox.NewFileStorage(cfg.Outbox.Path, cfg.Outbox.DeadPath), deliverer.Deliver,
		outbox.WithLogger(logger),
		outbox.WithDeadLetterHandler(func(dead outbox.DeadLetter) {
			dispatcher.Emit(ctx, alerting.DeadLetterAlert(dead.EventID, dead.Attempts, dead.LastError))
		}),
	)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.outbox = ob
	return p, nil
}

// sampleBacklog feeds the current queue size to the backlog signal.
func (p *producer) sampleBacklog(ctx context.Context) {
	if _, err := p.monitor.EvaluateBacklog(ctx, p.outbox.QueueSize()); err != nil {
		p.logger.Error("failed to evaluate outbox backlog", "error", err)
	}
}

func (p *producer) flusher() *worker.Flusher {
	f := worker.NewFlusher(p.outbox, p.logger)
	f.OnTick(p.sampleBacklog)
	return f
}

func (p *producer) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}
