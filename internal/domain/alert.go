package domain

import "time"

// AlertLevel is the severity an alert state is currently held at.
type AlertLevel string

const (
	LevelNormal   AlertLevel = "normal"
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
)

// GlobalScope is the scope used when an alert is not tied to one subject.
const GlobalScope = "global"

// AlertState is the persisted hysteresis state for one (code, scope) pair.
//
// RecoveryStartedAt is non-nil only while Active is true and the samples
// since it was set have all been below threshold.
type AlertState struct {
	ID                int64      `json:"id,omitempty"`
	Code              string     `json:"code"`
	Scope             string     `json:"scope"`
	Active            bool       `json:"active"`
	ActiveLevel       AlertLevel `json:"active_level"`
	LastValue         int64      `json:"last_value"`
	LastObservedAt    *time.Time `json:"last_observed_at,omitempty"`
	LastEmittedAt     *time.Time `json:"last_emitted_at,omitempty"`
	LastRecoveredAt   *time.Time `json:"last_recovered_at,omitempty"`
	RecoveryStartedAt *time.Time `json:"recovery_started_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// NewAlertState returns the initial, inactive state for code and scope.
func NewAlertState(code, scope string) *AlertState {
	if scope == "" {
		scope = GlobalScope
	}
	return &AlertState{Code: code, Scope: scope, ActiveLevel: LevelNormal}
}
