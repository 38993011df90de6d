package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Priya8975/posting-relay/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const postingColumns = `id, external_posting_id, kind, status, preview_id, team_id, published_by,
	channel_id, channel_focus, permalink, company_name, role_title, headline,
	location_summary, compensation_value, visa_policy, relationship, skills, summary,
	search_text, posted_at, last_event_at, archived_at, archived_by,
	values_payload, last_payload, created_at, updated_at`

const intakeEventColumns = `id, posting_id, event_fingerprint, event_type, kind, external_posting_id,
	payload_version, occurred_at, received_at, payload, created_at`

const fingerprintConstraint = "intake_events_event_fingerprint_key"

func scanPosting(row pgx.Row) (*domain.Posting, error) {
	var p domain.Posting
	err := row.Scan(
		&p.ID, &p.ExternalID, &p.Kind, &p.Status, &p.PreviewID, &p.TeamID, &p.PublishedBy,
		&p.ChannelID, &p.ChannelFocus, &p.Permalink, &p.CompanyName, &p.RoleTitle, &p.Headline,
		&p.LocationSummary, &p.CompensationValue, &p.VisaPolicy, &p.Relationship, &p.Skills, &p.Summary,
		&p.SearchText, &p.PostedAt, &p.LastEventAt, &p.ArchivedAt, &p.ArchivedBy,
		&p.ValuesPayload, &p.LastPayload, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanIntakeEvent(row pgx.Row) (*domain.IntakeEvent, error) {
	var e domain.IntakeEvent
	err := row.Scan(
		&e.ID, &e.PostingID, &e.Fingerprint, &e.EventType, &e.Kind, &e.ExternalID,
		&e.PayloadVersion, &e.OccurredAt, &e.ReceivedAt, &e.Payload, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) FindIntakeEvent(ctx context.Context, fingerprint string) (*domain.IntakeEvent, error) {
	e, err := scanIntakeEvent(s.pool.QueryRow(ctx,
		`SELECT `+intakeEventColumns+` FROM intake_events WHERE event_fingerprint = $1`, fingerprint))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying intake event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) FindPosting(ctx context.Context, externalID string) (*domain.Posting, error) {
	p, err := scanPosting(s.pool.QueryRow(ctx,
		`SELECT `+postingColumns+` FROM postings WHERE external_posting_id = $1`, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying posting: %w", err)
	}
	return p, nil
}

// ApplyIntake applies one envelope in a single transaction: the posting row
// is created if missing and locked, mutated, written back, the intake event
// is inserted and any open failure for the fingerprint is resolved.
//
// A concurrent apply of the same fingerprint loses on the intake_events
// unique key and gets domain.ErrDuplicateFingerprint.
func (s *PostgresStore) ApplyIntake(ctx context.Context, req domain.IntakeRequest, mutate func(*domain.Posting)) (*domain.Posting, *domain.IntakeEvent, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("starting intake transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	externalID := req.Envelope.ID
	_, err = tx.Exec(ctx, `
		INSERT INTO postings (external_posting_id, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (external_posting_id) DO NOTHING
	`, externalID, req.ReceivedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("creating posting: %w", err)
	}

	posting, err := scanPosting(tx.QueryRow(ctx,
		`SELECT `+postingColumns+` FROM postings WHERE external_posting_id = $1 FOR UPDATE`, externalID))
	if err != nil {
		return nil, nil, fmt.Errorf("locking posting: %w", err)
	}

	mutate(posting)
	posting.UpdatedAt = req.ReceivedAt

	_, err = tx.Exec(ctx, `
		UPDATE postings SET
			kind = $2, status = $3, preview_id = $4, team_id = $5, published_by = $6,
			channel_id = $7, channel_focus = $8, permalink = $9, company_name = $10,
			role_title = $11, headline = $12, location_summary = $13, compensation_value = $14,
			visa_policy = $15, relationship = $16, skills = $17, summary = $18, search_text = $19,
			posted_at = $20, last_event_at = $21, archived_at = $22, archived_by = $23,
			values_payload = $24, last_payload = $25, updated_at = $26
		WHERE id = $1
	`, posting.ID, posting.Kind, posting.Status, posting.PreviewID, posting.TeamID, posting.PublishedBy,
		posting.ChannelID, posting.ChannelFocus, posting.Permalink, posting.CompanyName,
		posting.RoleTitle, posting.Headline, posting.LocationSummary, posting.CompensationValue,
		posting.VisaPolicy, posting.Relationship, posting.Skills, posting.Summary, posting.SearchText,
		posting.PostedAt, posting.LastEventAt, posting.ArchivedAt, posting.ArchivedBy,
		jsonb(posting.ValuesPayload), jsonb(posting.LastPayload), posting.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("updating posting: %w", err)
	}

	event, err := scanIntakeEvent(tx.QueryRow(ctx, `
		INSERT INTO intake_events (posting_id, event_fingerprint, event_type, kind, external_posting_id,
			payload_version, occurred_at, received_at, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $8)
		RETURNING `+intakeEventColumns,
		posting.ID, req.Fingerprint, req.Envelope.EventType, posting.Kind, externalID,
		req.Envelope.PayloadVersion, posting.LastEventAt, req.ReceivedAt, jsonb(req.Payload)))
	if err != nil {
		if isUniqueViolation(err, fingerprintConstraint) {
			return nil, nil, domain.ErrDuplicateFingerprint
		}
		return nil, nil, fmt.Errorf("inserting intake event: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE ingest_failures SET resolved_at = $2
		WHERE event_fingerprint = $1 AND resolved_at IS NULL
	`, req.Fingerprint, req.ReceivedAt); err != nil {
		return nil, nil, fmt.Errorf("resolving ingest failure: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err, fingerprintConstraint) {
			return nil, nil, domain.ErrDuplicateFingerprint
		}
		return nil, nil, fmt.Errorf("committing intake transaction: %w", err)
	}
	return posting, event, nil
}

// isUniqueViolation reports whether err is a unique violation, optionally
// on the named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func jsonb(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

// ListPostings returns postings most recently updated first, optionally
// filtered by status.
func (s *PostgresStore) ListPostings(ctx context.Context, status domain.PostingStatus, limit int) ([]domain.Posting, error) {
	query := `SELECT ` + postingColumns + ` FROM postings`
	args := []interface{}{}
	argIdx := 1

	if status != "" {
		query += fmt.Sprintf(" WHERE status = $%d", argIdx)
		args = append(args, status)
		argIdx++
	}

	query += " ORDER BY updated_at DESC, id DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying postings: %w", err)
	}
	defer rows.Close()

	postings := []domain.Posting{}
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning posting: %w", err)
		}
		postings = append(postings, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating postings: %w", err)
	}
	return postings, nil
}
