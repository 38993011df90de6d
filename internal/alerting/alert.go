// Package alerting raises operator alerts for the relay. The Monitor turns
// signal samples into alert state transitions with hysteresis and the
// Dispatcher logs, deduplicates and delivers the resulting alerts.
package alerting

import (
	"time"

	"github.com/Priya8975/posting-relay/internal/domain"
)

// Severity of a delivered alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// NormalizeSeverity maps anything other than critical to warning.
func NormalizeSeverity(s string) Severity {
	if s == string(SeverityCritical) {
		return SeverityCritical
	}
	return SeverityWarning
}

// Alert is the caller-supplied part of an alert.
type Alert struct {
	Severity Severity
	Code     string
	Message  string
	Context  map[string]any
	Scope    string
}

// Record is the canonical alert as logged, published and delivered.
type Record struct {
	ID         string         `json:"id"`
	Service    string         `json:"service"`
	Severity   Severity       `json:"severity"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Context    map[string]any `json:"context"`
	Scope      string         `json:"scope"`
	DetectedAt time.Time      `json:"detected_at"`
}

// Emit failure reasons.
const (
	ReasonDisabled       = "alerts_disabled"
	ReasonMissingWebhook = "missing_webhook"
	ReasonNetworkError   = "network_error"
	ReasonCircuitOpen    = "circuit_open"
)

// EmitResult reports what Emit did with an alert. Delivered and Deduped are
// never both true.
type EmitResult struct {
	Alert     Record `json:"alert"`
	Delivered bool   `json:"delivered"`
	Deduped   bool   `json:"deduped"`
	Reason    string `json:"reason,omitempty"`
}

func dedupeKey(code, scope string) string {
	return code + "|" + scope
}

func normalizeScope(scope string) string {
	if scope == "" {
		return domain.GlobalScope
	}
	return scope
}
