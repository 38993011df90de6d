// Package ingest applies posting envelopes exactly once and keeps the
// failure ledger for envelopes that could not be applied.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Priya8975/posting-relay/internal/domain"
	"github.com/Priya8975/posting-relay/internal/fingerprint"
)

// Store is the transactional posting store.
type Store interface {
	FindIntakeEvent(ctx context.Context, fingerprint string) (*domain.IntakeEvent, error)
	FindPosting(ctx context.Context, externalID string) (*domain.Posting, error)
	// ApplyIntake locks or creates the posting for req.Envelope.ID, applies
	// mutate, upserts it, inserts the intake event and resolves any failure
	// for req.Fingerprint in one transaction. It returns
	// domain.ErrDuplicateFingerprint when the intake event already exists.
	ApplyIntake(ctx context.Context, req domain.IntakeRequest, mutate func(*domain.Posting)) (*domain.Posting, *domain.IntakeEvent, error)
}

// Ledger records envelopes that failed to apply.
type Ledger interface {
	RecordFailure(ctx context.Context, in domain.FailureInput) (*domain.IngestFailure, error)
	ResolveFailure(ctx context.Context, fingerprint string, at time.Time) error
	ListUnresolvedFailures(ctx context.Context, limit int) ([]domain.IngestFailure, error)
	CountUnresolvedFailures(ctx context.Context) (int64, error)
	MarkFailureReplayed(ctx context.Context, id int64, at time.Time) error
}

// EventRecorder counts operational events such as validation errors.
type EventRecorder interface {
	Record(ctx context.Context, code string, at time.Time) error
}

// Result is the outcome of one Ingest call. Errors is empty on success and
// on duplicates.
type Result struct {
	Posting     *domain.Posting
	IntakeEvent *domain.IntakeEvent
	Duplicate   bool
	Errors      []string
	// Internal is set when Errors came from an unexpected failure rather
	// than validation.
	Internal    bool
	Fingerprint string
}

// OK reports whether the envelope was applied or recognised as a duplicate.
func (r Result) OK() bool {
	return len(r.Errors) == 0
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithEventRecorder counts validation errors and duplicates in rec.
func WithEventRecorder(rec EventRecorder) Option {
	return func(c *Consumer) { c.events = rec }
}

// WithClock overrides the receive-time source.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) { c.now = now }
}

// Consumer validates, deduplicates and applies envelopes.
type Consumer struct {
	store  Store
	ledger Ledger
	events EventRecorder
	logger *slog.Logger
	now    func() time.Time
}

// NewConsumer creates a consumer.
func NewConsumer(store Store, ledger Ledger, logger *slog.Logger, opts ...Option) *Consumer {
	c := &Consumer{
		store:  store,
		ledger: ledger,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ingest applies payload at most once. It never panics and never returns an
// error; failures are reported in the Result and written to the ledger.
func (c *Consumer) Ingest(ctx context.Context, payload map[string]any) (result Result) {
	receivedAt := c.now().UTC()
	fp := fingerprint.Of(payload)

	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("panic: %v", r)
			c.logger.Error("ingest panicked", "fingerprint", fp, "panic", r)
			c.captureFailure(ctx, fp, payload, reason, receivedAt)
			result = Result{Errors: []string{reason}, Internal: true, Fingerprint: fp}
		}
	}()

	if errs := Validate(payload); len(errs) > 0 {
		c.captureFailure(ctx, fp, payload, strings.Join(errs, "; "), receivedAt)
		c.recordEvent(ctx, domain.OpsIntakeValidationError, receivedAt)
		c.logger.Warn("intake validation failed", "fingerprint", fp, "errors", errs)
		return Result{Errors: errs, Fingerprint: fp}
	}

	existing, err := c.store.FindIntakeEvent(ctx, fp)
	if err != nil {
		return c.internalFailure(ctx, fp, payload, err, receivedAt)
	}
	if existing != nil {
		if err := c.ledger.ResolveFailure(ctx, fp, receivedAt); err != nil {
			c.logger.Error("failed to resolve ingest failure", "fingerprint", fp, "error", err)
		}
		return c.duplicate(ctx, fp, existing, receivedAt)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return c.internalFailure(ctx, fp, payload, fmt.Errorf("encoding payload: %w", err), receivedAt)
	}
	env := domain.DecodeEnvelope(payload)

	req := domain.IntakeRequest{
		Fingerprint: fp,
		Envelope:    env,
		Payload:     raw,
		ReceivedAt:  receivedAt,
	}
	posting, event, err := c.store.ApplyIntake(ctx, req, func(p *domain.Posting) {
		domain.ApplyEnvelope(p, env, raw, receivedAt)
	})
	if errors.Is(err, domain.ErrDuplicateFingerprint) {
		existing, findErr := c.store.FindIntakeEvent(ctx, fp)
		if findErr != nil || existing == nil {
			if findErr == nil {
				findErr = err
			}
			return c.internalFailure(ctx, fp, payload, findErr, receivedAt)
		}
		return c.duplicate(ctx, fp, existing, receivedAt)
	}
	if err != nil {
		return c.internalFailure(ctx, fp, payload, err, receivedAt)
	}

	c.logger.Info("intake applied",
		"fingerprint", fp,
		"event_type", env.EventType,
		"external_posting_id", posting.ExternalID,
		"status", posting.Status,
	)
	return Result{Posting: posting, IntakeEvent: event, Fingerprint: fp}
}

func (c *Consumer) duplicate(ctx context.Context, fp string, event *domain.IntakeEvent, at time.Time) Result {
	posting, err := c.store.FindPosting(ctx, event.ExternalID)
	if err != nil {
		c.logger.Error("failed to load posting for duplicate", "fingerprint", fp, "error", err)
	}
	c.recordEvent(ctx, domain.OpsIntakeDuplicate, at)
	c.logger.Info("intake duplicate", "fingerprint", fp, "external_posting_id", event.ExternalID)
	return Result{Posting: posting, IntakeEvent: event, Duplicate: true, Fingerprint: fp}
}

func (c *Consumer) internalFailure(ctx context.Context, fp string, payload map[string]any, err error, at time.Time) Result {
	c.logger.Error("intake failed", "fingerprint", fp, "error", err)
	c.captureFailure(ctx, fp, payload, err.Error(), at)
	return Result{Errors: []string{err.Error()}, Internal: true, Fingerprint: fp}
}

// captureFailure writes to the ledger. Ledger errors are logged only, so a
// broken ledger cannot mask the original failure.
func (c *Consumer) captureFailure(ctx context.Context, fp string, payload map[string]any, reason string, at time.Time) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	eventType, _ := payload["eventType"].(string)
	kind, _ := payload["kind"].(string)

	_, err = c.ledger.RecordFailure(ctx, domain.FailureInput{
		Fingerprint: fp,
		EventType:   eventType,
		Kind:        kind,
		Reason:      reason,
		Payload:     raw,
		OccurredAt:  at,
	})
	if err != nil {
		c.logger.Error("failed to record ingest failure", "fingerprint", fp, "error", err)
	}
}

func (c *Consumer) recordEvent(ctx context.Context, code string, at time.Time) {
	if c.events == nil {
		return
	}
	if err := c.events.Record(ctx, code, at); err != nil {
		c.logger.Warn("failed to record ops event", "code", code, "error", err)
	}
}
