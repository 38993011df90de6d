package alerting

import (
	"context"
	"sort"
	"sync"

	"github.com/Priya8975/posting-relay/internal/domain"
)

// StateStore persists alert hysteresis state by (code, scope).
type StateStore interface {
	// FetchAlertState returns the stored state or a fresh normal state.
	FetchAlertState(ctx context.Context, code, scope string) (*domain.AlertState, error)
	SaveAlertState(ctx context.Context, state *domain.AlertState) error
	ListAlertStates(ctx context.Context) ([]domain.AlertState, error)
}

// MemoryStateStore keeps alert state in process.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]domain.AlertState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]domain.AlertState)}
}

func (s *MemoryStateStore) FetchAlertState(_ context.Context, code, scope string) (*domain.AlertState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scope = normalizeScope(scope)
	if st, ok := s.states[dedupeKey(code, scope)]; ok {
		return &st, nil
	}
	return domain.NewAlertState(code, scope), nil
}

func (s *MemoryStateStore) SaveAlertState(_ context.Context, state *domain.AlertState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[dedupeKey(state.Code, normalizeScope(state.Scope))] = *state
	return nil
}

func (s *MemoryStateStore) ListAlertStates(_ context.Context) ([]domain.AlertState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AlertState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Scope < out[j].Scope
	})
	return out, nil
}
