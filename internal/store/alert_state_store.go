package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Priya8975/posting-relay/internal/domain"
	"github.com/jackc/pgx/v5"
)

const alertStateColumns = `id, code, scope, active, active_level, last_value, last_observed_at,
	last_emitted_at, last_recovered_at, recovery_started_at, updated_at`

func scanAlertState(row pgx.Row) (*domain.AlertState, error) {
	var st domain.AlertState
	err := row.Scan(
		&st.ID, &st.Code, &st.Scope, &st.Active, &st.ActiveLevel, &st.LastValue, &st.LastObservedAt,
		&st.LastEmittedAt, &st.LastRecoveredAt, &st.RecoveryStartedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// FetchAlertState returns the stored state for (code, scope), or a fresh
// inactive state when none exists yet.
func (s *PostgresStore) FetchAlertState(ctx context.Context, code, scope string) (*domain.AlertState, error) {
	fresh := domain.NewAlertState(code, scope)
	st, err := scanAlertState(s.pool.QueryRow(ctx,
		`SELECT `+alertStateColumns+` FROM ops_alert_states WHERE code = $1 AND scope = $2`,
		fresh.Code, fresh.Scope))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fresh, nil
		}
		return nil, fmt.Errorf("querying alert state: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) SaveAlertState(ctx context.Context, st *domain.AlertState) error {
	scope := st.Scope
	if scope == "" {
		scope = domain.GlobalScope
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO ops_alert_states (code, scope, active, active_level, last_value, last_observed_at,
			last_emitted_at, last_recovered_at, recovery_started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (code, scope) DO UPDATE SET
			active = EXCLUDED.active,
			active_level = EXCLUDED.active_level,
			last_value = EXCLUDED.last_value,
			last_observed_at = EXCLUDED.last_observed_at,
			last_emitted_at = EXCLUDED.last_emitted_at,
			last_recovered_at = EXCLUDED.last_recovered_at,
			recovery_started_at = EXCLUDED.recovery_started_at,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`, st.Code, scope, st.Active, st.ActiveLevel, st.LastValue, st.LastObservedAt,
		st.LastEmittedAt, st.LastRecoveredAt, st.RecoveryStartedAt, st.UpdatedAt).Scan(&st.ID)
	if err != nil {
		return fmt.Errorf("saving alert state %s/%s: %w", st.Code, scope, err)
	}
	return nil
}

func (s *PostgresStore) ListAlertStates(ctx context.Context) ([]domain.AlertState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+alertStateColumns+` FROM ops_alert_states ORDER BY code, scope`)
	if err != nil {
		return nil, fmt.Errorf("querying alert states: %w", err)
	}
	defer rows.Close()

	states := []domain.AlertState{}
	for rows.Next() {
		st, err := scanAlertState(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning alert state: %w", err)
		}
		states = append(states, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating alert states: %w", err)
	}
	return states, nil
}
