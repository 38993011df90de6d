package alerting

import (
	"context"
	"sync"
	"time"
)

// EventLog counts operational events over trailing windows.
type EventLog interface {
	Record(ctx context.Context, code string, at time.Time) error
	CountSince(ctx context.Context, code string, since time.Time) (int64, error)
}

// MemoryEventLog is an in-process EventLog.
type MemoryEventLog struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{events: make(map[string][]time.Time)}
}

func (l *MemoryEventLog) Record(_ context.Context, code string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[code] = append(l.events[code], at)
	return nil
}

func (l *MemoryEventLog) CountSince(_ context.Context, code string, since time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, at := range l.events[code] {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}
