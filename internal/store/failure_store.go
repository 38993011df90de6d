package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/posting-relay/internal/domain"
	"github.com/jackc/pgx/v5"
)

const failureColumns = `id, event_fingerprint, event_type, kind, reason, payload,
	first_seen_at, last_seen_at, failure_count, resolved_at, replayed_at`

func scanFailure(row pgx.Row) (*domain.IngestFailure, error) {
	var f domain.IngestFailure
	err := row.Scan(
		&f.ID, &f.Fingerprint, &f.EventType, &f.Kind, &f.Reason, &f.Payload,
		&f.FirstSeenAt, &f.LastSeenAt, &f.FailureCount, &f.ResolvedAt, &f.ReplayedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// RecordFailure upserts the ledger entry for in.Fingerprint. A repeat
// failure bumps the count and reopens a resolved entry.
func (s *PostgresStore) RecordFailure(ctx context.Context, in domain.FailureInput) (*domain.IngestFailure, error) {
	f, err := scanFailure(s.pool.QueryRow(ctx, `
		INSERT INTO ingest_failures (event_fingerprint, event_type, kind, reason, payload,
			first_seen_at, last_seen_at, failure_count)
		VALUES ($1, $2, $3, $4, $5, $6, $6, 1)
		ON CONFLICT (event_fingerprint) DO UPDATE SET
			event_type = EXCLUDED.event_type,
			kind = EXCLUDED.kind,
			reason = EXCLUDED.reason,
			payload = EXCLUDED.payload,
			last_seen_at = EXCLUDED.last_seen_at,
			failure_count = ingest_failures.failure_count + 1,
			resolved_at = NULL
		RETURNING `+failureColumns,
		in.Fingerprint, in.EventType, in.Kind, in.Reason, jsonb(in.Payload), in.OccurredAt))
	if err != nil {
		return nil, fmt.Errorf("recording ingest failure: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) ResolveFailure(ctx context.Context, fingerprint string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ingest_failures SET resolved_at = $2
		WHERE event_fingerprint = $1 AND resolved_at IS NULL
	`, fingerprint, at)
	if err != nil {
		return fmt.Errorf("resolving ingest failure: %w", err)
	}
	return nil
}

// ListUnresolvedFailures returns open failures oldest first. A limit of
// zero or less returns all of them.
func (s *PostgresStore) ListUnresolvedFailures(ctx context.Context, limit int) ([]domain.IngestFailure, error) {
	query := `SELECT ` + failureColumns + ` FROM ingest_failures
		WHERE resolved_at IS NULL ORDER BY first_seen_at ASC, id ASC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ingest failures: %w", err)
	}
	defer rows.Close()

	failures := []domain.IngestFailure{}
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ingest failure: %w", err)
		}
		failures = append(failures, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ingest failures: %w", err)
	}
	return failures, nil
}

func (s *PostgresStore) CountUnresolvedFailures(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ingest_failures WHERE resolved_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting unresolved failures: %w", err)
	}
	return n, nil
}

// MarkFailureReplayed stamps replayed_at. It returns domain.ErrNotFound
// when no failure has the id.
func (s *PostgresStore) MarkFailureReplayed(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE ingest_failures SET replayed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("marking failure replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// FindFailure returns the ledger entry for fingerprint, or nil.
func (s *PostgresStore) FindFailure(ctx context.Context, fingerprint string) (*domain.IngestFailure, error) {
	f, err := scanFailure(s.pool.QueryRow(ctx,
		`SELECT `+failureColumns+` FROM ingest_failures WHERE event_fingerprint = $1`, fingerprint))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying ingest failure: %w", err)
	}
	return f, nil
}
