package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/Priya8975/posting-relay/internal/outbox"
)

// Flusher drives an outbox's retry pass on a fixed interval.
type Flusher struct {
	outbox   *outbox.Outbox
	logger   *slog.Logger
	interval time.Duration
	onTick   func(ctx context.Context)
}

// NewFlusher creates a flusher for ob using the outbox's flush interval.
func NewFlusher(ob *outbox.Outbox, logger *slog.Logger) *Flusher {
	return &Flusher{
		outbox:   ob,
		logger:   logger,
		interval: ob.Config().FlushInterval,
	}
}

// OnTick registers fn to run after each flush pass, e.g. to sample the
// backlog size.
func (f *Flusher) OnTick(fn func(ctx context.Context)) {
	f.onTick = fn
}

// Start begins the flush loop. It runs until the context is cancelled.
func (f *Flusher) Start(ctx context.Context) {
	f.logger.Info("outbox flusher started", "interval", f.interval.String())

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("outbox flusher stopping")
			return
		case <-ticker.C:
			f.tick(ctx)
		}
	}
}

// tick runs one pass. A panic is logged and the loop keeps running.
func (f *Flusher) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("outbox flush panicked", "panic", r)
		}
	}()

	report := f.outbox.FlushDue(ctx)
	if report.Skipped {
		f.logger.Debug("outbox flush already in progress")
	}
	if f.onTick != nil {
		f.onTick(ctx)
	}
}
