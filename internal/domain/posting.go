package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// PostingStatus is the lifecycle status of an ingested posting.
type PostingStatus string

const (
	StatusActive   PostingStatus = "active"
	StatusArchived PostingStatus = "archived"
)

// Posting is the entity maintained by the ingestion consumer, upserted by
// ExternalID.
type Posting struct {
	ID                int64           `json:"id"`
	ExternalID        string          `json:"external_posting_id"`
	Kind              Kind            `json:"kind"`
	Status            PostingStatus   `json:"status"`
	PreviewID         string          `json:"preview_id,omitempty"`
	TeamID            string          `json:"team_id,omitempty"`
	PublishedBy       string          `json:"published_by,omitempty"`
	ChannelID         string          `json:"channel_id,omitempty"`
	ChannelFocus      string          `json:"channel_focus,omitempty"`
	Permalink         string          `json:"permalink,omitempty"`
	CompanyName       string          `json:"company_name,omitempty"`
	RoleTitle         string          `json:"role_title,omitempty"`
	Headline          string          `json:"headline,omitempty"`
	LocationSummary   string          `json:"location_summary,omitempty"`
	CompensationValue string          `json:"compensation_value,omitempty"`
	VisaPolicy        string          `json:"visa_policy,omitempty"`
	Relationship      string          `json:"relationship,omitempty"`
	Skills            string          `json:"skills,omitempty"`
	Summary           string          `json:"summary,omitempty"`
	SearchText        string          `json:"-"`
	PostedAt          *time.Time      `json:"posted_at,omitempty"`
	LastEventAt       *time.Time      `json:"last_event_at,omitempty"`
	ArchivedAt        *time.Time      `json:"archived_at,omitempty"`
	ArchivedBy        string          `json:"archived_by,omitempty"`
	ValuesPayload     json.RawMessage `json:"values"`
	LastPayload       json.RawMessage `json:"-"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ApplyEnvelope mutates p to reflect env, received at receivedAt.
//
// Status transitions: an archived event archives the posting and captures
// the archival time and actor. A published or updated event activates it
// and clears archival fields, except when the posting is archived and the
// envelope itself carries archival metadata, in which case it stays archived.
func ApplyEnvelope(p *Posting, env *Envelope, raw json.RawMessage, receivedAt time.Time) {
	if env.Kind != "" {
		p.Kind = env.Kind
	}
	p.PreviewID = firstNonBlank(env.PreviewID, p.PreviewID)
	p.Permalink = firstNonBlank(env.Permalink, p.Permalink)
	if env.Route != nil {
		p.ChannelID = firstNonBlank(env.Route.ChannelID, p.ChannelID)
		p.ChannelFocus = firstNonBlank(env.Route.ChannelFocus, p.ChannelFocus)
	}
	if env.Source != nil {
		p.TeamID = firstNonBlank(env.Source.TeamID, p.TeamID)
		p.PublishedBy = firstNonBlank(env.Source.PublishedBy, p.PublishedBy)
	}

	if postedAt, ok := ParseTime(env.PostedAt); ok && (env.EventType == EventPublished || p.PostedAt == nil) {
		p.PostedAt = &postedAt
	}

	switch {
	case env.EventType == EventArchived:
		archivedAt, ok := ParseTime(env.ArchivedAt)
		if !ok {
			archivedAt = receivedAt.UTC()
		}
		p.Status = StatusArchived
		p.ArchivedAt = &archivedAt
		p.ArchivedBy = firstNonBlank(env.ArchivedBy, p.ArchivedBy)
	case p.Status == StatusArchived && env.CarriesArchival():
		// stays archived
	default:
		p.Status = StatusActive
		p.ArchivedAt = nil
		p.ArchivedBy = ""
	}

	lastEventAt, ok := env.EventTime()
	if !ok {
		lastEventAt = receivedAt.UTC()
	}
	p.LastEventAt = &lastEventAt

	if env.EventType != EventArchived || hasValues(env.Values) {
		v := env.Values
		p.CompanyName = deref(v.CompanyName)
		p.RoleTitle = deref(v.RoleTitle)
		p.Headline = deref(v.Headline)
		p.LocationSummary = deref(v.LocationSummary)
		p.CompensationValue = deref(v.CompensationValue)
		p.VisaPolicy = deref(v.VisaPolicy)
		p.Relationship = deref(v.Relationship)
		p.Skills = deref(v.Skills)
		p.Summary = firstNonBlank(deref(v.Summary), deref(v.Notes))
		p.SearchText = SearchText(v)
		if data, err := json.Marshal(v); err == nil {
			p.ValuesPayload = data
		}
	}
	if len(p.ValuesPayload) == 0 {
		p.ValuesPayload = json.RawMessage(`{}`)
	}
	p.LastPayload = raw
}

// SearchText builds the lower-cased free-text index for a values block.
func SearchText(v PostingValues) string {
	fragments := []*string{
		v.CompanyName, v.RoleTitle, v.Headline, v.LocationSummary,
		v.Summary, v.Notes, v.Skills, v.CompensationValue, v.Relationship,
	}
	parts := make([]string, 0, len(fragments))
	for _, f := range fragments {
		if s := strings.TrimSpace(deref(f)); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func hasValues(v PostingValues) bool {
	return v != PostingValues{}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
