package domain

import (
	"encoding/json"
	"math"
	"time"
)

// EventType is the lifecycle event carried by an envelope.
type EventType string

const (
	EventPublished EventType = "published"
	EventUpdated   EventType = "updated"
	EventArchived  EventType = "archived"
)

// EventTypes lists every accepted event type in declaration order.
var EventTypes = []EventType{EventPublished, EventUpdated, EventArchived}

func (t EventType) Valid() bool {
	switch t {
	case EventPublished, EventUpdated, EventArchived:
		return true
	}
	return false
}

// Kind is the kind of posting an envelope describes.
type Kind string

const (
	KindJob       Kind = "job"
	KindCandidate Kind = "candidate"
)

var Kinds = []Kind{KindJob, KindCandidate}

func (k Kind) Valid() bool {
	return k == KindJob || k == KindCandidate
}

// Envelope is the transport unit for one posting lifecycle event.
//
// Only the fields the consumer acts on are typed. Unknown keys are carried
// in the raw payload, which is what gets fingerprinted and stored.
type Envelope struct {
	EventType      EventType     `json:"eventType"`
	Kind           Kind          `json:"kind,omitempty"`
	ID             string        `json:"id"`
	PreviewID      string        `json:"previewId,omitempty"`
	PayloadVersion int           `json:"payloadVersion,omitempty"`
	PostedAt       string        `json:"postedAt,omitempty"`
	UpdatedAt      string        `json:"updatedAt,omitempty"`
	ArchivedAt     string        `json:"archivedAt,omitempty"`
	ArchivedBy     string        `json:"archivedBy,omitempty"`
	Permalink      string        `json:"permalink,omitempty"`
	Route          *Route        `json:"route,omitempty"`
	Source         *Source       `json:"source,omitempty"`
	Values         PostingValues `json:"values"`
}

// Route is routing metadata attached by the producer.
type Route struct {
	ChannelID    string `json:"channelId,omitempty"`
	ChannelFocus string `json:"channelFocus,omitempty"`
	ChannelLabel string `json:"channelLabel,omitempty"`
}

// Source identifies where the producer published the posting.
type Source struct {
	TeamID      string `json:"teamId,omitempty"`
	PublishedBy string `json:"publishedBy,omitempty"`
	MessageTS   string `json:"messageTs,omitempty"`
}

// PostingValues is the content block of an envelope. Every field is optional.
type PostingValues struct {
	CompanyName       *string `json:"companyName,omitempty"`
	RoleTitle         *string `json:"roleTitle,omitempty"`
	Headline          *string `json:"headline,omitempty"`
	LocationSummary   *string `json:"locationSummary,omitempty"`
	CompensationValue *string `json:"compensationValue,omitempty"`
	VisaPolicy        *string `json:"visaPolicy,omitempty"`
	Relationship      *string `json:"relationship,omitempty"`
	Skills            *string `json:"skills,omitempty"`
	Summary           *string `json:"summary,omitempty"`
	Notes             *string `json:"notes,omitempty"`
}

// UnmarshalJSON keeps string-valued keys and ignores the rest, so producers
// can add fields without breaking older consumers.
func (v *PostingValues) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = valuesFrom(raw)
	return nil
}

func valuesFrom(raw map[string]any) PostingValues {
	pick := func(key string) *string {
		s, ok := raw[key].(string)
		if !ok {
			return nil
		}
		return &s
	}
	return PostingValues{
		CompanyName:       pick("companyName"),
		RoleTitle:         pick("roleTitle"),
		Headline:          pick("headline"),
		LocationSummary:   pick("locationSummary"),
		CompensationValue: pick("compensationValue"),
		VisaPolicy:        pick("visaPolicy"),
		Relationship:      pick("relationship"),
		Skills:            pick("skills"),
		Summary:           pick("summary"),
		Notes:             pick("notes"),
	}
}

// DecodeEnvelope builds a typed Envelope from a decoded JSON object.
// Fields of an unexpected type are left empty rather than rejected;
// shape checks belong to validation.
func DecodeEnvelope(payload map[string]any) *Envelope {
	env := &Envelope{
		EventType:      EventType(stringAt(payload, "eventType")),
		Kind:           Kind(stringAt(payload, "kind")),
		ID:             stringAt(payload, "id"),
		PreviewID:      stringAt(payload, "previewId"),
		PayloadVersion: 1,
		PostedAt:       stringAt(payload, "postedAt"),
		UpdatedAt:      stringAt(payload, "updatedAt"),
		ArchivedAt:     stringAt(payload, "archivedAt"),
		ArchivedBy:     stringAt(payload, "archivedBy"),
		Permalink:      stringAt(payload, "permalink"),
	}
	if v, ok := payload["payloadVersion"].(float64); ok && v >= 1 && v <= math.MaxInt32 {
		env.PayloadVersion = int(v)
	}
	if route, ok := payload["route"].(map[string]any); ok {
		env.Route = &Route{
			ChannelID:    stringAt(route, "channelId"),
			ChannelFocus: stringAt(route, "channelFocus"),
			ChannelLabel: stringAt(route, "channelLabel"),
		}
	}
	if source, ok := payload["source"].(map[string]any); ok {
		env.Source = &Source{
			TeamID:      stringAt(source, "teamId"),
			PublishedBy: stringAt(source, "publishedBy"),
			MessageTS:   stringAt(source, "messageTs"),
		}
	}
	if values, ok := payload["values"].(map[string]any); ok {
		env.Values = valuesFrom(values)
	}
	return env
}

func stringAt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// EventTime returns the first timestamp the envelope carries, in
// posted/updated/archived order. ok is false when none parse.
func (e *Envelope) EventTime() (time.Time, bool) {
	for _, raw := range []string{e.PostedAt, e.UpdatedAt, e.ArchivedAt} {
		if t, ok := ParseTime(raw); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// CarriesArchival reports whether the envelope has archival metadata.
func (e *Envelope) CarriesArchival() bool {
	return e.ArchivedAt != "" || e.ArchivedBy != ""
}

// ParseTime parses an RFC 3339 timestamp. Blank input is not ok.
func ParseTime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
