package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Priya8975/posting-relay/internal/domain"
)

// MemoryStore is an in-process posting store and failure ledger. It enforces
// the same unique keys as the Postgres schema and is used by tests and by
// relayctl's offline mode.
type MemoryStore struct {
	mu       sync.Mutex
	postings map[string]*domain.Posting
	events   map[string]*domain.IntakeEvent
	failures map[string]*domain.IngestFailure
	nextID   int64

	// BeforeApply, when set, runs at the start of ApplyIntake outside the
	// lock. Tests use it to line up concurrent transactions.
	BeforeApply func()
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		postings: make(map[string]*domain.Posting),
		events:   make(map[string]*domain.IntakeEvent),
		failures: make(map[string]*domain.IngestFailure),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) FindIntakeEvent(_ context.Context, fingerprint string) (*domain.IntakeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[fingerprint]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) FindPosting(_ context.Context, externalID string) (*domain.Posting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.postings[externalID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ApplyIntake(ctx context.Context, req domain.IntakeRequest, mutate func(*domain.Posting)) (*domain.Posting, *domain.IntakeEvent, error) {
	if s.BeforeApply != nil {
		s.BeforeApply()
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[req.Fingerprint]; exists {
		return nil, nil, domain.ErrDuplicateFingerprint
	}

	externalID := req.Envelope.ID
	var posting domain.Posting
	if existing, ok := s.postings[externalID]; ok {
		posting = *existing
	} else {
		posting = domain.Posting{ExternalID: externalID, Status: domain.StatusActive, CreatedAt: req.ReceivedAt}
	}
	mutate(&posting)
	if posting.ID == 0 {
		posting.ID = s.id()
	}
	posting.UpdatedAt = req.ReceivedAt

	event := domain.IntakeEvent{
		ID:             s.id(),
		PostingID:      posting.ID,
		Fingerprint:    req.Fingerprint,
		EventType:      req.Envelope.EventType,
		Kind:           posting.Kind,
		ExternalID:     externalID,
		PayloadVersion: req.Envelope.PayloadVersion,
		OccurredAt:     posting.LastEventAt,
		ReceivedAt:     req.ReceivedAt,
		Payload:        req.Payload,
		CreatedAt:      req.ReceivedAt,
	}

	s.postings[externalID] = &posting
	s.events[req.Fingerprint] = &event
	s.resolveLocked(req.Fingerprint, req.ReceivedAt)

	p, e := posting, event
	return &p, &e, nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, in domain.FailureInput) (*domain.IngestFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.failures[in.Fingerprint]
	if !ok {
		f = &domain.IngestFailure{ID: s.id(), Fingerprint: in.Fingerprint, FirstSeenAt: in.OccurredAt}
		s.failures[in.Fingerprint] = f
	}
	f.EventType = in.EventType
	f.Kind = in.Kind
	f.Reason = in.Reason
	f.Payload = in.Payload
	f.LastSeenAt = in.OccurredAt
	f.FailureCount++
	f.ResolvedAt = nil

	cp := *f
	return &cp, nil
}

func (s *MemoryStore) ResolveFailure(_ context.Context, fingerprint string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveLocked(fingerprint, at)
	return nil
}

func (s *MemoryStore) resolveLocked(fingerprint string, at time.Time) {
	if f, ok := s.failures[fingerprint]; ok && f.ResolvedAt == nil {
		resolved := at
		f.ResolvedAt = &resolved
	}
}

func (s *MemoryStore) ListUnresolvedFailures(_ context.Context, limit int) ([]domain.IngestFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.IngestFailure{}
	for _, f := range s.failures {
		if f.ResolvedAt == nil {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeenAt.Equal(out[j].FirstSeenAt) {
			return out[i].FirstSeenAt.Before(out[j].FirstSeenAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountUnresolvedFailures(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, f := range s.failures {
		if f.ResolvedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkFailureReplayed(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.failures {
		if f.ID == id {
			replayed := at
			f.ReplayedAt = &replayed
			return nil
		}
	}
	return domain.ErrNotFound
}

// FindFailure returns the ledger entry for fingerprint, or nil.
func (s *MemoryStore) FindFailure(_ context.Context, fingerprint string) (*domain.IngestFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.failures[fingerprint]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) CountIntakeEventsSince(_ context.Context, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.events {
		if !e.ReceivedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountReplayedFailuresSince(_ context.Context, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, f := range s.failures {
		if f.ReplayedAt != nil && !f.ReplayedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// PostingCount returns the number of stored postings.
func (s *MemoryStore) PostingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.postings)
}

// IntakeEventCount returns the number of stored intake events.
func (s *MemoryStore) IntakeEventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *MemoryStore) GetIntakeStats(_ context.Context) (*IntakeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := IntakeStats{Postings: int64(len(s.postings)), IntakeEvents: int64(len(s.events))}
	for _, p := range s.postings {
		switch p.Status {
		case domain.StatusActive:
			m.ActivePostings++
		case domain.StatusArchived:
			m.ArchivedPostings++
		}
	}
	return &m, nil
}

func (s *MemoryStore) ListPostings(_ context.Context, status domain.PostingStatus, limit int) ([]domain.Posting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.Posting{}
	for _, p := range s.postings {
		if status == "" || p.Status == status {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
