package ingest

import (
	"fmt"
	"math"
	"strings"

	"github.com/Priya8975/posting-relay/internal/domain"
)

// Validate checks the shape of a decoded envelope and returns every
// violation found. An empty result means the envelope is acceptable.
func Validate(payload map[string]any) []string {
	var errs []string

	eventType, eventTypeOK := stringField(payload, "eventType")
	switch {
	case !eventTypeOK:
		errs = append(errs, "eventType is required")
	case !domain.EventType(eventType).Valid():
		errs = append(errs, "eventType must be one of: "+joinEnum(domain.EventTypes))
	}
	requiresContent := domain.EventType(eventType) == domain.EventPublished ||
		domain.EventType(eventType) == domain.EventUpdated

	kind, kindOK := stringField(payload, "kind")
	_, kindPresent := payload["kind"]
	switch {
	case kindOK && !domain.Kind(kind).Valid():
		errs = append(errs, "kind must be one of: "+joinEnum(domain.Kinds))
	case !kindOK && (requiresContent || kindPresent):
		errs = append(errs, "kind is required")
	}

	if _, ok := stringField(payload, "id"); !ok {
		errs = append(errs, "id is required")
	}

	if raw, present := payload["values"]; present {
		if _, ok := raw.(map[string]any); !ok {
			errs = append(errs, "values must be an object")
		}
	} else if requiresContent {
		errs = append(errs, "values is required")
	}

	for _, key := range []string{"route", "source"} {
		if raw, present := payload[key]; present && raw != nil {
			if _, ok := raw.(map[string]any); !ok {
				errs = append(errs, key+" must be an object")
			}
		}
	}

	if raw, present := payload["payloadVersion"]; present && raw != nil {
		if !positiveInteger(raw) {
			errs = append(errs, "payloadVersion must be a positive integer")
		}
	}

	for _, key := range []string{"postedAt", "updatedAt", "archivedAt"} {
		raw, present := payload[key]
		if !present || raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			errs = append(errs, key+" must be an RFC 3339 timestamp")
			continue
		}
		if _, ok := domain.ParseTime(s); !ok && s != "" {
			errs = append(errs, key+" must be an RFC 3339 timestamp")
		}
	}

	return errs
}

// stringField returns payload[key] when it is a non-blank string.
func stringField(payload map[string]any, key string) (string, bool) {
	s, ok := payload[key].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func positiveInteger(raw any) bool {
	switch v := raw.(type) {
	case float64:
		return v >= 1 && v <= math.MaxInt32 && v == math.Trunc(v)
	case int:
		return v >= 1
	case int64:
		return v >= 1
	}
	return false
}

func joinEnum[T ~string](values []T) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ", ")
}
