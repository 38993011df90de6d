package store

import (
	"context"
	"fmt"
	"time"
)

// IntakeStats holds aggregated intake counts for the ops endpoints.
type IntakeStats struct {
	Postings         int64 `json:"postings"`
	ActivePostings   int64 `json:"active_postings"`
	ArchivedPostings int64 `json:"archived_postings"`
	IntakeEvents     int64 `json:"intake_events"`
}

// GetIntakeStats returns posting and intake totals from the database.
func (s *PostgresStore) GetIntakeStats(ctx context.Context) (*IntakeStats, error) {
	var m IntakeStats

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'active') AS active,
			COUNT(*) FILTER (WHERE status = 'archived') AS archived
		FROM postings
	`).Scan(&m.Postings, &m.ActivePostings, &m.ArchivedPostings)
	if err != nil {
		return nil, fmt.Errorf("querying posting counts: %w", err)
	}

	err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM intake_events`).Scan(&m.IntakeEvents)
	if err != nil {
		return nil, fmt.Errorf("querying intake event count: %w", err)
	}

	return &m, nil
}

func (s *PostgresStore) CountIntakeEventsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM intake_events WHERE received_at >= $1`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting intake events: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountReplayedFailuresSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ingest_failures WHERE replayed_at >= $1`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting replayed failures: %w", err)
	}
	return n, nil
}
