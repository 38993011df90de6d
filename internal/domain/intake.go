package domain

import (
	"encoding/json"
	"time"
)

// IntakeEvent is the durable record of one applied envelope. Fingerprint is
// unique at the storage layer.
type IntakeEvent struct {
	ID             int64           `json:"id"`
	PostingID      int64           `json:"posting_id"`
	Fingerprint    string          `json:"fingerprint"`
	EventType      EventType       `json:"event_type"`
	Kind           Kind            `json:"kind,omitempty"`
	ExternalID     string          `json:"external_posting_id"`
	PayloadVersion int             `json:"payload_version"`
	OccurredAt     *time.Time      `json:"occurred_at,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// IntakeRequest carries everything a store needs to apply one envelope.
type IntakeRequest struct {
	Fingerprint string
	Envelope    *Envelope
	Payload     json.RawMessage
	ReceivedAt  time.Time
}
