package domain

import (
	"encoding/json"
	"time"
)

// IngestFailure is a failure ledger entry, unique by Fingerprint.
type IngestFailure struct {
	ID           int64           `json:"id"`
	Fingerprint  string          `json:"fingerprint"`
	EventType    string          `json:"event_type,omitempty"`
	Kind         string          `json:"kind,omitempty"`
	Reason       string          `json:"reason"`
	Payload      json.RawMessage `json:"payload"`
	FirstSeenAt  time.Time       `json:"first_seen_at"`
	LastSeenAt   time.Time       `json:"last_seen_at"`
	FailureCount int             `json:"failure_count"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
	ReplayedAt   *time.Time      `json:"replayed_at,omitempty"`
}

// Resolved reports whether the failure has been resolved.
func (f *IngestFailure) Resolved() bool {
	return f.ResolvedAt != nil
}

// FailureInput holds data for recording an ingestion failure.
type FailureInput struct {
	Fingerprint string
	EventType   string
	Kind        string
	Reason      string
	Payload     json.RawMessage
	OccurredAt  time.Time
}
