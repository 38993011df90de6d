package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Priya8975/posting-relay/internal/domain"
	"github.com/Priya8975/posting-relay/migrations"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	fingerprintDup := &pgconn.PgError{Code: "23505", ConstraintName: fingerprintConstraint}
	otherDup := &pgconn.PgError{Code: "23505", ConstraintName: "postings_external_posting_id_key"}
	foreignKey := &pgconn.PgError{Code: "23503", ConstraintName: fingerprintConstraint}

	tests := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{"fingerprint violation", fingerprintDup, fingerprintConstraint, true},
		{"wrapped fingerprint violation", fmt.Errorf("inserting intake event: %w", fingerprintDup), fingerprintConstraint, true},
		{"twice wrapped", fmt.Errorf("commit: %w", fmt.Errorf("tx: %w", fingerprintDup)), fingerprintConstraint, true},
		{"other constraint", otherDup, fingerprintConstraint, false},
		{"any constraint", otherDup, "", true},
		{"foreign key violation", foreignKey, fingerprintConstraint, false},
		{"plain error", errors.New("23505"), fingerprintConstraint, false},
		{"nil", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err, tt.constraint); got != tt.want {
				t.Errorf("isUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}

// newTestPostgres connects to DATABASE_URL and applies the migrations. The
// test is skipped when no database is configured.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := NewPostgres(ctx, url)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	t.Cleanup(s.Close)
	if _, err := s.RunMigrations(ctx, migrations.FS); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	return s
}

func TestPostgresStore_ConcurrentApplySameFingerprint(t *testing.T) {
	s := newTestPostgres(t)

	run := strings.ReplaceAll(uuid.NewString(), "-", "")
	fingerprint := run + run
	req := domain.IntakeRequest{
		Fingerprint: fingerprint,
		Envelope:    &domain.Envelope{EventType: domain.EventPublished, Kind: domain.KindJob, ID: "job-" + run, PayloadVersion: 1},
		Payload:     json.RawMessage(`{}`),
		ReceivedAt:  time.Now().UTC(),
	}
	activate := func(p *domain.Posting) {
		p.Kind = domain.KindJob
		p.Status = domain.StatusActive
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = s.ApplyIntake(context.Background(), req, activate)
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, err := range errs {
		switch {
		case err == nil:
			applied++
		case !errors.Is(err, domain.ErrDuplicateFingerprint):
			t.Errorf("unexpected error %v", err)
		}
	}
	if applied != 1 {
		t.Errorf("expected exactly one apply, got %d", applied)
	}

	var events int
	err := s.pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM intake_events WHERE event_fingerprint = $1`, fingerprint).Scan(&events)
	if err != nil {
		t.Fatalf("counting intake events: %v", err)
	}
	if events != 1 {
		t.Errorf("expected 1 intake event, got %d", events)
	}
}
