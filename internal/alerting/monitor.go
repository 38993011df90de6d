package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Priya8975/posting-relay/internal/domain"
)

// Alert codes raised by the relay.
const (
	CodeIngestFailuresHigh   = "API_INGEST_FAILURE_UNRESOLVED_HIGH"
	CodeValidationErrorsHigh = "API_INTAKE_VALIDATION_ERRORS_HIGH"
	CodeOutboxBacklogHigh    = "OUTBOX_BACKLOG_HIGH"
	CodeOutboxDeadLetter     = "OUTBOX_DEAD_LETTER"

	RecoveredSuffix = "_RECOVERED"
)

// Signal is one sample of a monitored value. Critical of zero means no
// critical threshold.
type Signal struct {
	Code     string
	Value    int64
	Warn     int64
	Critical int64
	Message  string
	Window   string
	Scope    string
}

// Level classifies the sample against its thresholds.
func (s Signal) Level() domain.AlertLevel {
	switch {
	case s.Critical > 0 && s.Value >= s.Critical:
		return domain.LevelCritical
	case s.Value >= s.Warn:
		return domain.LevelWarning
	default:
		return domain.LevelNormal
	}
}

func (s Signal) context() map[string]any {
	ctx := map[string]any{
		"value":          s.Value,
		"window":         s.Window,
		"warn_threshold": s.Warn,
	}
	if s.Critical > 0 {
		ctx["critical_threshold"] = s.Critical
	}
	return ctx
}

// Evaluation is the outcome of one EvaluateSignal call. Emitted is nil when
// no notice was sent.
type Evaluation struct {
	Code      string            `json:"code"`
	Scope     string            `json:"scope"`
	Level     domain.AlertLevel `json:"level"`
	Recovered bool              `json:"recovered"`
	Emitted   *EmitResult       `json:"emitted,omitempty"`
	State     domain.AlertState `json:"state"`
}

// Emitter sends alerts. *Dispatcher implements it.
type Emitter interface {
	Emit(ctx context.Context, alert Alert) EmitResult
}

// FailureCounter reports the failure ledger size.
type FailureCounter interface {
	CountUnresolvedFailures(ctx context.Context) (int64, error)
}

// MonitorConfig holds thresholds for the consumer signals.
type MonitorConfig struct {
	MinInterval      time.Duration
	FailureWarn      int64
	FailureCritical  int64
	ValidationWarn   int64
	ValidationWindow time.Duration
	BacklogWarn      int64
	BacklogCritical  int64
}

// DefaultMonitorConfig returns the production thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		MinInterval:      15 * time.Minute,
		FailureWarn:      10,
		FailureCritical:  50,
		ValidationWarn:   20,
		ValidationWindow: 15 * time.Minute,
		BacklogWarn:      25,
		BacklogCritical:  100,
	}
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithFailureCounter enables the unresolved-failure signal.
func WithFailureCounter(fc FailureCounter) MonitorOption {
	return func(m *Monitor) { m.failures = fc }
}

// WithEventLog enables windowed event-count signals.
func WithEventLog(log EventLog) MonitorOption {
	return func(m *Monitor) { m.events = log }
}

// WithMonitorClock overrides the time source.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// Monitor drives alert state transitions from signal samples.
type Monitor struct {
	cfg      MonitorConfig
	states   StateStore
	emitter  Emitter
	failures FailureCounter
	events   EventLog
	logger   *slog.Logger
	now      func() time.Time

	// serialises load-modify-save of alert state within the process
	mu sync.Mutex
}

func NewMonitor(cfg MonitorConfig, states StateStore, emitter Emitter, logger *slog.Logger, opts ...MonitorOption) *Monitor {
	d := DefaultMonitorConfig()
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = d.MinInterval
	}
	if cfg.FailureWarn <= 0 {
		cfg.FailureWarn = d.FailureWarn
	}
	if cfg.FailureCritical <= 0 {
		cfg.FailureCritical = d.FailureCritical
	}
	if cfg.ValidationWarn <= 0 {
		cfg.ValidationWarn = d.ValidationWarn
	}
	if cfg.ValidationWindow <= 0 {
		cfg.ValidationWindow = d.ValidationWindow
	}
	if cfg.BacklogWarn <= 0 {
		cfg.BacklogWarn = d.BacklogWarn
	}
	if cfg.BacklogCritical <= 0 {
		cfg.BacklogCritical = d.BacklogCritical
	}

	m := &Monitor{
		cfg:     cfg,
		states:  states,
		emitter: emitter,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EvaluateSignal classifies sig, updates the alert state for its code and
// scope, and emits a notice on level changes and on completed recovery.
//
// A sample above a threshold alerts immediately. Recovery is announced only
// after samples have stayed below the warn threshold for MinInterval,
// measured from the first normal sample after the alert became active.
func (m *Monitor) EvaluateSignal(ctx context.Context, sig Signal) (Evaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	scope := normalizeScope(sig.Scope)
	level := sig.Level()
	now := m.now().UTC()

	state, err := m.states.FetchAlertState(ctx, sig.Code, scope)
	if err != nil {
		return Evaluation{}, fmt.Errorf("fetching alert state %s: %w", sig.Code, err)
	}
	wasActive := state.Active
	previousLevel := state.ActiveLevel

	state.LastObservedAt = &now
	state.LastValue = sig.Value
	state.UpdatedAt = now

	eval := Evaluation{Code: sig.Code, Scope: scope, Level: level}

	if level == domain.LevelNormal {
		if wasActive {
			if state.RecoveryStartedAt == nil {
				started := now
				state.RecoveryStartedAt = &started
			}
			if now.Sub(*state.RecoveryStartedAt) >= m.cfg.MinInterval {
				res := m.emitter.Emit(ctx, Alert{
					Severity: SeverityWarning,
					Code:     sig.Code + RecoveredSuffix,
					Message:  fmt.Sprintf("%s recovered below threshold.", sig.Code),
					Context:  sig.context(),
					Scope:    scope,
				})
				eval.Emitted = &res
				eval.Recovered = true

				state.Active = false
				state.ActiveLevel = domain.LevelNormal
				state.LastRecoveredAt = &now
				state.RecoveryStartedAt = nil
			}
		}
		if err := m.states.SaveAlertState(ctx, state); err != nil {
			return eval, fmt.Errorf("saving alert state %s: %w", sig.Code, err)
		}
		eval.State = *state
		return eval, nil
	}

	state.RecoveryStartedAt = nil
	state.Active = true
	state.ActiveLevel = level

	// LastEmittedAt only moves when the sink accepted the notice.
	if !(wasActive && previousLevel == level) {
		res := m.emitter.Emit(ctx, Alert{
			Severity: Severity(level),
			Code:     sig.Code,
			Message:  sig.Message,
			Context:  sig.context(),
			Scope:    scope,
		})
		eval.Emitted = &res
		if res.Delivered {
			state.LastEmittedAt = &now
		}
	}
	if err := m.states.SaveAlertState(ctx, state); err != nil {
		return eval, fmt.Errorf("saving alert state %s: %w", sig.Code, err)
	}
	eval.State = *state
	return eval, nil
}

// EvaluateAll samples every consumer-side signal that has a source
// configured. Errors from individual signals are joined; the remaining
// signals are still evaluated.
func (m *Monitor) EvaluateAll(ctx context.Context) ([]Evaluation, error) {
	var evals []Evaluation
	var errs []error

	if m.failures != nil {
		if eval, err := m.EvaluateUnresolvedFailures(ctx); err != nil {
			errs = append(errs, err)
		} else {
			evals = append(evals, eval)
		}
	}
	if m.events != nil {
		if eval, err := m.EvaluateValidationErrors(ctx); err != nil {
			errs = append(errs, err)
		} else {
			evals = append(evals, eval)
		}
	}
	return evals, errors.Join(errs...)
}

// EvaluateUnresolvedFailures samples the failure ledger size.
func (m *Monitor) EvaluateUnresolvedFailures(ctx context.Context) (Evaluation, error) {
	if m.failures == nil {
		return Evaluation{}, errors.New("no failure counter configured")
	}
	n, err := m.failures.CountUnresolvedFailures(ctx)
	if err != nil {
		return Evaluation{}, fmt.Errorf("counting unresolved failures: %w", err)
	}
	return m.EvaluateSignal(ctx, Signal{
		Code:     CodeIngestFailuresHigh,
		Value:    n,
		Warn:     m.cfg.FailureWarn,
		Critical: m.cfg.FailureCritical,
		Message:  "Unresolved ingest failures are above threshold.",
		Window:   "current",
	})
}

// EvaluateValidationErrors samples validation errors in the trailing window.
func (m *Monitor) EvaluateValidationErrors(ctx context.Context) (Evaluation, error) {
	if m.events == nil {
		return Evaluation{}, errors.New("no event log configured")
	}
	since := m.now().Add(-m.cfg.ValidationWindow)
	n, err := m.events.CountSince(ctx, domain.OpsIntakeValidationError, since)
	if err != nil {
		return Evaluation{}, fmt.Errorf("counting validation errors: %w", err)
	}
	return m.EvaluateSignal(ctx, Signal{
		Code:    CodeValidationErrorsHigh,
		Value:   n,
		Warn:    m.cfg.ValidationWarn,
		Message: "Intake validation errors are above threshold.",
		Window:  m.cfg.ValidationWindow.String(),
	})
}

// EvaluateBacklog samples the producer's outbox queue size.
func (m *Monitor) EvaluateBacklog(ctx context.Context, queueSize int) (Evaluation, error) {
	return m.EvaluateSignal(ctx, Signal{
		Code:     CodeOutboxBacklogHigh,
		Value:    int64(queueSize),
		Warn:     m.cfg.BacklogWarn,
		Critical: m.cfg.BacklogCritical,
		Message:  "Outbox backlog is above threshold.",
		Window:   "current",
	})
}

// DeadLetterAlert builds the critical alert raised when an outbox record
// exhausts its attempts. Each event id is its own scope.
func DeadLetterAlert(eventID string, attempts int, reason string) Alert {
	return Alert{
		Severity: SeverityCritical,
		Code:     CodeOutboxDeadLetter,
		Message:  "Outbox event was dead-lettered after exhausting delivery attempts.",
		Context: map[string]any{
			"event_id":   eventID,
			"attempts":   attempts,
			"last_error": reason,
		},
		Scope: eventID,
	}
}
