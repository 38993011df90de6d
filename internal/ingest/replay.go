package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Priya8975/posting-relay/internal/domain"
)

// DefaultReplayLimit bounds a replay batch when no limit is given.
const DefaultReplayLimit = 100

// Replay outcome statuses.
const (
	ReplayApplied   = "applied"
	ReplayDuplicate = "duplicate"
	ReplayFailed    = "failed"
	ReplayPending   = "would_replay"
)

// ReplayOptions controls a replay batch.
type ReplayOptions struct {
	DryRun bool
	Limit  int
}

// ReplayOutcome describes what happened to one failure.
type ReplayOutcome struct {
	FailureID   int64    `json:"failure_id"`
	Fingerprint string   `json:"fingerprint"`
	Status      string   `json:"status"`
	Errors      []string `json:"errors,omitempty"`
}

// ReplayReport summarises a replay batch.
type ReplayReport struct {
	DryRun    bool            `json:"dry_run"`
	Scanned   int             `json:"scanned"`
	Applied   int             `json:"applied"`
	Duplicate int             `json:"duplicate"`
	Failed    int             `json:"failed"`
	Outcomes  []ReplayOutcome `json:"outcomes"`
}

// Replayer re-submits stored failure payloads through the consumer.
type Replayer struct {
	consumer *Consumer
	ledger   Ledger
	logger   *slog.Logger
	now      func() time.Time
}

// NewReplayer creates a replayer.
func NewReplayer(consumer *Consumer, ledger Ledger, logger *slog.Logger) *Replayer {
	return &Replayer{
		consumer: consumer,
		ledger:   ledger,
		logger:   logger,
		now:      consumer.now,
	}
}

// Replay re-ingests failure's payload. On success or duplicate the failure
// is stamped as replayed and resolved; on failure the ingest path has
// already updated its count and reason.
func (r *Replayer) Replay(ctx context.Context, failure domain.IngestFailure) ReplayOutcome {
	outcome := ReplayOutcome{FailureID: failure.ID, Fingerprint: failure.Fingerprint}

	var payload map[string]any
	if err := json.Unmarshal(failure.Payload, &payload); err != nil || payload == nil {
		reason := "stored payload is not a JSON object"
		if err != nil {
			reason = fmt.Sprintf("decoding stored payload: %v", err)
		}
		outcome.Status = ReplayFailed
		outcome.Errors = []string{reason}
		r.recordAgain(ctx, failure, reason)
		return outcome
	}

	result := r.consumer.Ingest(ctx, payload)
	if !result.OK() {
		outcome.Status = ReplayFailed
		outcome.Errors = result.Errors
		r.logger.Warn("replay failed", "failure_id", failure.ID, "fingerprint", failure.Fingerprint, "errors", result.Errors)
		if failure.Fingerprint != result.Fingerprint {
			r.recordAgain(ctx, failure, strings.Join(result.Errors, "; "))
		}
		return outcome
	}

	outcome.Status = ReplayApplied
	if result.Duplicate {
		outcome.Status = ReplayDuplicate
	}

	now := r.now().UTC()
	if err := r.ledger.MarkFailureReplayed(ctx, failure.ID, now); err != nil {
		r.logger.Error("failed to mark failure replayed", "failure_id", failure.ID, "error", err)
	}
	// The stored fingerprint may predate the current encoding of the payload.
	if failure.Fingerprint != result.Fingerprint {
		if err := r.ledger.ResolveFailure(ctx, failure.Fingerprint, now); err != nil {
			r.logger.Error("failed to resolve replayed failure", "failure_id", failure.ID, "error", err)
		}
	}

	r.logger.Info("replay succeeded", "failure_id", failure.ID, "fingerprint", failure.Fingerprint, "status", outcome.Status)
	return outcome
}

// recordAgain bumps the stored failure when the ingest path could not do so
// under its own fingerprint.
func (r *Replayer) recordAgain(ctx context.Context, failure domain.IngestFailure, reason string) {
	_, err := r.ledger.RecordFailure(ctx, domain.FailureInput{
		Fingerprint: failure.Fingerprint,
		EventType:   failure.EventType,
		Kind:        failure.Kind,
		Reason:      reason,
		Payload:     failure.Payload,
		OccurredAt:  r.now().UTC(),
	})
	if err != nil {
		r.logger.Error("failed to record replay failure", "failure_id", failure.ID, "error", err)
	}
}

// ReplayBatch replays up to opts.Limit unresolved failures, oldest first.
// In dry-run mode it only lists them.
func (r *Replayer) ReplayBatch(ctx context.Context, opts ReplayOptions) (ReplayReport, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultReplayLimit
	}

	failures, err := r.ledger.ListUnresolvedFailures(ctx, limit)
	if err != nil {
		return ReplayReport{}, fmt.Errorf("listing unresolved failures: %w", err)
	}

	report := ReplayReport{DryRun: opts.DryRun, Scanned: len(failures), Outcomes: make([]ReplayOutcome, 0, len(failures))}
	for _, failure := range failures {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if opts.DryRun {
			report.Outcomes = append(report.Outcomes, ReplayOutcome{
				FailureID:   failure.ID,
				Fingerprint: failure.Fingerprint,
				Status:      ReplayPending,
			})
			continue
		}

		outcome := r.Replay(ctx, failure)
		switch outcome.Status {
		case ReplayApplied:
			report.Applied++
		case ReplayDuplicate:
			report.Duplicate++
		default:
			report.Failed++
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	r.logger.Info("replay batch finished",
		"dry_run", opts.DryRun,
		"scanned", report.Scanned,
		"applied", report.Applied,
		"duplicate", report.Duplicate,
		"failed", report.Failed,
	)
	return report, nil
}
