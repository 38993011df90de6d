package domain

import (
	"testing"
	"time"
)

var received = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestApplyEnvelope_StatusTransitions(t *testing.T) {
	archivedAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		start       Posting
		env         map[string]any
		wantStatus  PostingStatus
		wantArchive bool
	}{
		{
			name:       "publish creates active",
			start:      Posting{},
			env:        map[string]any{"eventType": "published", "kind": "job", "id": "p1", "values": map[string]any{}},
			wantStatus: StatusActive,
		},
		{
			name:        "archive captures actor and time",
			start:       Posting{Status: StatusActive},
			env:         map[string]any{"eventType": "archived", "id": "p1", "archivedBy": "U1"},
			wantStatus:  StatusArchived,
			wantArchive: true,
		},
		{
			name:       "update reactivates and clears archival",
			start:      Posting{Status: StatusArchived, ArchivedAt: &archivedAt, ArchivedBy: "U1"},
			env:        map[string]any{"eventType": "updated", "kind": "job", "id": "p1", "values": map[string]any{}},
			wantStatus: StatusActive,
		},
		{
			name:        "update carrying archival metadata stays archived",
			start:       Posting{Status: StatusArchived, ArchivedAt: &archivedAt, ArchivedBy: "U1"},
			env:         map[string]any{"eventType": "updated", "kind": "job", "id": "p1", "archivedBy": "U1", "values": map[string]any{}},
			wantStatus:  StatusArchived,
			wantArchive: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.start
			ApplyEnvelope(&p, DecodeEnvelope(tt.env), nil, received)

			if p.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s", tt.wantStatus, p.Status)
			}
			if tt.wantArchive && (p.ArchivedAt == nil || p.ArchivedBy != "U1") {
				t.Errorf("expected archival fields, got %v %q", p.ArchivedAt, p.ArchivedBy)
			}
			if !tt.wantArchive && (p.ArchivedAt != nil || p.ArchivedBy != "") {
				t.Errorf("expected archival fields cleared, got %v %q", p.ArchivedAt, p.ArchivedBy)
			}
			if p.LastEventAt == nil {
				t.Error("expected last event time")
			}
		})
	}
}

func TestApplyEnvelope_ArchiveDefaultsToReceiveTime(t *testing.T) {
	p := Posting{Status: StatusActive}
	ApplyEnvelope(&p, DecodeEnvelope(map[string]any{"eventType": "archived", "id": "p1"}), nil, received)

	if p.ArchivedAt == nil || !p.ArchivedAt.Equal(received) {
		t.Errorf("expected archivedAt %v, got %v", received, p.ArchivedAt)
	}
	if !p.LastEventAt.Equal(received) {
		t.Errorf("expected last event at receive time, got %v", p.LastEventAt)
	}
}

func TestApplyEnvelope_ValuesAndTimes(t *testing.T) {
	p := Posting{}
	env := DecodeEnvelope(map[string]any{
		"eventType": "published",
		"kind":      "job",
		"id":        "p1",
		"postedAt":  "2026-02-28T10:00:00+02:00",
		"route":     map[string]any{"channelId": "C1", "channelFocus": "jobs"},
		"values": map[string]any{
			"companyName": "Pied Piper",
			"roleTitle":   "Engineer",
			"notes":       "Remote OK",
			"headcount":   3.0,
		},
	})
	ApplyEnvelope(&p, env, []byte(`{}`), received)

	wantPosted := time.Date(2026, 2, 28, 8, 0, 0, 0, time.UTC)
	if p.PostedAt == nil || !p.PostedAt.Equal(wantPosted) {
		t.Errorf("expected postedAt %v, got %v", wantPosted, p.PostedAt)
	}
	if !p.LastEventAt.Equal(wantPosted) {
		t.Errorf("expected last event at postedAt, got %v", p.LastEventAt)
	}
	if p.CompanyName != "Pied Piper" || p.Summary != "Remote OK" || p.ChannelID != "C1" {
		t.Errorf("unexpected fields %+v", p)
	}
	if p.SearchText != "pied piper engineer remote ok" {
		t.Errorf("unexpected search text %q", p.SearchText)
	}
	if string(p.ValuesPayload) != `{"companyName":"Pied Piper","roleTitle":"Engineer","notes":"Remote OK"}` {
		t.Errorf("unexpected values payload %s", p.ValuesPayload)
	}

	// an update without postedAt keeps the original
	ApplyEnvelope(&p, DecodeEnvelope(map[string]any{
		"eventType": "updated", "kind": "job", "id": "p1",
		"updatedAt": "2026-03-01T00:00:00Z", "values": map[string]any{"companyName": "Hooli"},
	}), nil, received)
	if !p.PostedAt.Equal(wantPosted) {
		t.Errorf("expected postedAt kept, got %v", p.PostedAt)
	}
	if p.CompanyName != "Hooli" || p.RoleTitle != "" {
		t.Errorf("expected values replaced, got %+v", p)
	}
}

func TestDecodeEnvelope_Lenient(t *testing.T) {
	env := DecodeEnvelope(map[string]any{
		"eventType":      "published",
		"id":             "p1",
		"previewId":      12.0,
		"payloadVersion": 3.0,
		"route":          "C1",
	})
	if env.PreviewID != "" || env.Route != nil {
		t.Errorf("expected mistyped fields to be dropped, got %+v", env)
	}
	if env.PayloadVersion != 3 {
		t.Errorf("expected payload version 3, got %d", env.PayloadVersion)
	}
	if DecodeEnvelope(map[string]any{}).PayloadVersion != 1 {
		t.Error("expected payload version to default to 1")
	}
}
