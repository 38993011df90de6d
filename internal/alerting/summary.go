package alerting

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Priya8975/posting-relay/internal/domain"
)

// SummarySource provides the ledger and intake counts behind a Summary.
type SummarySource interface {
	CountUnresolvedFailures(ctx context.Context) (int64, error)
	CountReplayedFailuresSince(ctx context.Context, since time.Time) (int64, error)
	CountIntakeEventsSince(ctx context.Context, since time.Time) (int64, error)
}

// ActiveAlert is an alert state currently above threshold.
type ActiveAlert struct {
	Code          string            `json:"code"`
	Scope         string            `json:"scope"`
	Level         domain.AlertLevel `json:"level"`
	LastValue     int64             `json:"last_value"`
	LastEmittedAt *time.Time        `json:"last_emitted_at,omitempty"`
	Recovering    bool              `json:"recovering"`
}

// Summary is the read-only operational snapshot.
type Summary struct {
	GeneratedAt                 time.Time     `json:"generated_at"`
	UnresolvedIngestFailures    int64         `json:"unresolved_ingest_failures"`
	ReplayedFailures24h         int64         `json:"replayed_failures_24h"`
	IntakeVolume24h             int64         `json:"intake_volume_24h"`
	DuplicateIngestCount24h     int64         `json:"duplicate_ingest_count_24h"`
	DuplicateIngestRate24h      float64       `json:"duplicate_ingest_rate_24h"`
	IntakeValidationFailures24h int64         `json:"intake_validation_failures_24h"`
	IntakeValidationFailures15m int64         `json:"intake_validation_failures_15m"`
	ActiveAlerts                []ActiveAlert `json:"active_alerts"`
}

// SummaryBuilder assembles a Summary. It has no side effects.
type SummaryBuilder struct {
	source SummarySource
	events EventLog
	states StateStore
	now    func() time.Time
}

func NewSummaryBuilder(source SummarySource, events EventLog, states StateStore) *SummaryBuilder {
	return &SummaryBuilder{source: source, events: events, states: states, now: time.Now}
}

// WithClock overrides the time source.
func (b *SummaryBuilder) WithClock(now func() time.Time) *SummaryBuilder {
	b.now = now
	return b
}

func (b *SummaryBuilder) Build(ctx context.Context) (Summary, error) {
	now := b.now().UTC()
	dayAgo := now.Add(-24 * time.Hour)
	s := Summary{GeneratedAt: now, ActiveAlerts: []ActiveAlert{}}

	var err error
	if s.UnresolvedIngestFailures, err = b.source.CountUnresolvedFailures(ctx); err != nil {
		return Summary{}, fmt.Errorf("counting unresolved failures: %w", err)
	}
	if s.ReplayedFailures24h, err = b.source.CountReplayedFailuresSince(ctx, dayAgo); err != nil {
		return Summary{}, fmt.Errorf("counting replayed failures: %w", err)
	}
	if s.IntakeVolume24h, err = b.source.CountIntakeEventsSince(ctx, dayAgo); err != nil {
		return Summary{}, fmt.Errorf("counting intake events: %w", err)
	}
	if s.DuplicateIngestCount24h, err = b.events.CountSince(ctx, domain.OpsIntakeDuplicate, dayAgo); err != nil {
		return Summary{}, fmt.Errorf("counting duplicates: %w", err)
	}
	if s.IntakeValidationFailures24h, err = b.events.CountSince(ctx, domain.OpsIntakeValidationError, dayAgo); err != nil {
		return Summary{}, fmt.Errorf("counting validation failures: %w", err)
	}
	if s.IntakeValidationFailures15m, err = b.events.CountSince(ctx, domain.OpsIntakeValidationError, now.Add(-15*time.Minute)); err != nil {
		return Summary{}, fmt.Errorf("counting validation failures: %w", err)
	}
	s.DuplicateIngestRate24h = duplicateRate(s.IntakeVolume24h, s.DuplicateIngestCount24h)

	states, err := b.states.ListAlertStates(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("listing alert states: %w", err)
	}
	for _, st := range states {
		if !st.Active {
			continue
		}
		s.ActiveAlerts = append(s.ActiveAlerts, ActiveAlert{
			Code:          st.Code,
			Scope:         st.Scope,
			Level:         st.ActiveLevel,
			LastValue:     st.LastValue,
			LastEmittedAt: st.LastEmittedAt,
			Recovering:    st.RecoveryStartedAt != nil,
		})
	}
	return s, nil
}

// duplicateRate is the percentage of duplicate deliveries among all
// deliveries, rounded to two decimals.
func duplicateRate(applied, duplicates int64) float64 {
	total := applied + duplicates
	if total == 0 {
		return 0
	}
	return math.Round(float64(duplicates)/float64(total)*10000) / 100
}
