package alerting

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Priya8975/posting-relay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingEmitter struct{ alerts []Alert }

func (e *recordingEmitter) Emit(_ context.Context, alert Alert) EmitResult {
	e.alerts = append(e.alerts, alert)
	return EmitResult{Alert: Record{Code: alert.Code, Severity: alert.Severity}, Delivered: true}
}

type monitorClock struct{ t time.Time }

func (c *monitorClock) Now() time.Time          { return c.t }
func (c *monitorClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(opts ...MonitorOption) (*Monitor, *recordingEmitter, *MemoryStateStore, *monitorClock) {
	clock := &monitorClock{t: fixedNow}
	emitter := &recordingEmitter{}
	states := NewMemoryStateStore()
	cfg := DefaultMonitorConfig()
	m := NewMonitor(cfg, states, emitter, testLogger(), append([]MonitorOption{WithMonitorClock(clock.Now)}, opts...)...)
	return m, emitter, states, clock
}

func sample(value int64) Signal {
	return Signal{Code: "TEST_SIGNAL", Value: value, Warn: 10, Critical: 50, Message: "test signal high", Window: "current"}
}

func TestSignal_Level(t *testing.T) {
	tests := []struct {
		name string
		sig  Signal
		want domain.AlertLevel
	}{
		{"below warn", Signal{Value: 9, Warn: 10, Critical: 50}, domain.LevelNormal},
		{"at warn", Signal{Value: 10, Warn: 10, Critical: 50}, domain.LevelWarning},
		{"at critical", Signal{Value: 50, Warn: 10, Critical: 50}, domain.LevelCritical},
		{"no critical threshold", Signal{Value: 1000, Warn: 10}, domain.LevelWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sig.Level(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestEvaluateSignal_Hysteresis(t *testing.T) {
	m, emitter, states, clock := newTestMonitor()
	ctx := context.Background()

	eval, err := m.EvaluateSignal(ctx, sample(12))
	if err != nil {
		t.Fatal(err)
	}
	if eval.Emitted == nil || eval.Level != domain.LevelWarning {
		t.Fatalf("expected a warning notice, got %+v", eval)
	}

	// Normal samples inside the recovery window keep the alert active.
	for i := 0; i < 3; i++ {
		clock.Advance(4 * time.Minute)
		eval, err = m.EvaluateSignal(ctx, sample(2))
		if err != nil {
			t.Fatal(err)
		}
		if eval.Emitted != nil || eval.Recovered {
			t.Fatalf("recovered too early at sample %d: %+v", i, eval)
		}
	}
	st, _ := states.FetchAlertState(ctx, "TEST_SIGNAL", "")
	if !st.Active || st.RecoveryStartedAt == nil || !st.RecoveryStartedAt.Equal(fixedNow.Add(4*time.Minute)) {
		t.Fatalf("expected active state recovering since the first normal sample, got %+v", st)
	}

	clock.Advance(7 * time.Minute)
	eval, err = m.EvaluateSignal(ctx, sample(2))
	if err != nil {
		t.Fatal(err)
	}
	if !eval.Recovered || eval.Emitted == nil {
		t.Fatalf("expected recovery notice, got %+v", eval)
	}
	if eval.State.Active || eval.State.LastRecoveredAt == nil || eval.State.RecoveryStartedAt != nil {
		t.Errorf("unexpected state after recovery %+v", eval.State)
	}

	clock.Advance(time.Hour)
	if eval, _ = m.EvaluateSignal(ctx, sample(2)); eval.Emitted != nil {
		t.Error("normal sample on an inactive alert should not emit")
	}

	if len(emitter.alerts) != 2 {
		t.Fatalf("expected 2 notices, got %d", len(emitter.alerts))
	}
	rec := emitter.alerts[1]
	if rec.Code != "TEST_SIGNAL_RECOVERED" || rec.Severity != SeverityWarning || rec.Scope != "global" {
		t.Errorf("unexpected recovery notice %+v", rec)
	}
}

func TestEvaluateSignal_RelapseResetsRecovery(t *testing.T) {
	m, emitter, _, clock := newTestMonitor()
	ctx := context.Background()

	m.EvaluateSignal(ctx, sample(12))
	clock.Advance(10 * time.Minute)
	m.EvaluateSignal(ctx, sample(1))
	clock.Advance(time.Minute)
	eval, _ := m.EvaluateSignal(ctx, sample(11))
	if eval.Emitted != nil {
		t.Error("same-level relapse should not re-notify")
	}
	if eval.State.RecoveryStartedAt != nil {
		t.Error("non-normal sample should clear the recovery window")
	}

	clock.Advance(time.Minute)
	m.EvaluateSignal(ctx, sample(1))
	clock.Advance(14 * time.Minute)
	if eval, _ = m.EvaluateSignal(ctx, sample(1)); eval.Recovered {
		t.Error("recovery window should restart after a relapse")
	}
	clock.Advance(time.Minute)
	if eval, _ = m.EvaluateSignal(ctx, sample(1)); !eval.Recovered {
		t.Error("expected recovery once the restarted window elapsed")
	}
	if len(emitter.alerts) != 2 {
		t.Errorf("expected alert and recovery only, got %d notices", len(emitter.alerts))
	}
}

func TestEvaluateSignal_LevelChanges(t *testing.T) {
	m, emitter, _, clock := newTestMonitor()
	ctx := context.Background()

	values := []int64{12, 15, 60, 70, 20}
	wantEmit := []bool{true, false, true, false, true}
	for i, v := range values {
		clock.Advance(time.Minute)
		eval, err := m.EvaluateSignal(ctx, sample(v))
		if err != nil {
			t.Fatal(err)
		}
		if (eval.Emitted != nil) != wantEmit[i] {
			t.Errorf("sample %d (%d): expected emit=%v, got %+v", i, v, wantEmit[i], eval)
		}
	}

	got := []Severity{}
	for _, a := range emitter.alerts {
		got = append(got, a.Severity)
	}
	want := []Severity{SeverityWarning, SeverityCritical, SeverityWarning}
	if len(got) != len(want) {
		t.Fatalf("expected severities %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notice %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	if _, ok := emitter.alerts[0].Context["critical_threshold"]; !ok {
		t.Error("expected critical threshold in context")
	}
}

func TestEvaluateSignal_ScopesAreIndependent(t *testing.T) {
	m, emitter, _, _ := newTestMonitor()
	ctx := context.Background()

	a := sample(12)
	a.Scope = "tenant-a"
	b := sample(12)
	b.Scope = "tenant-b"
	m.EvaluateSignal(ctx, a)
	m.EvaluateSignal(ctx, b)
	m.EvaluateSignal(ctx, a)

	if len(emitter.alerts) != 2 {
		t.Errorf("expected one notice per scope, got %d", len(emitter.alerts))
	}
}

type stubFailures struct {
	n   int64
	err error
}

func (s stubFailures) CountUnresolvedFailures(context.Context) (int64, error) { return s.n, s.err }

func TestEvaluateAll(t *testing.T) {
	events := NewMemoryEventLog()
	m, emitter, _, clock := newTestMonitor(WithFailureCounter(stubFailures{n: 55}), WithEventLog(events))
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		events.Record(ctx, domain.OpsIntakeValidationError, clock.Now().Add(-time.Minute))
	}
	events.Record(ctx, domain.OpsIntakeValidationError, clock.Now().Add(-time.Hour))

	evals, err := m.EvaluateAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(evals) != 2 {
		t.Fatalf("expected 2 evaluations, got %d", len(evals))
	}
	if evals[0].Code != CodeIngestFailuresHigh || evals[0].Level != domain.LevelCritical {
		t.Errorf("unexpected failure evaluation %+v", evals[0])
	}
	if evals[1].Code != CodeValidationErrorsHigh || evals[1].Level != domain.LevelWarning || evals[1].State.LastValue != 20 {
		t.Errorf("unexpected validation evaluation %+v", evals[1])
	}
	if len(emitter.alerts) != 2 {
		t.Errorf("expected 2 notices, got %d", len(emitter.alerts))
	}
}

func TestEvaluateAll_JoinsErrors(t *testing.T) {
	m, _, _, _ := newTestMonitor(
		WithFailureCounter(stubFailures{err: errors.New("db down")}),
		WithEventLog(NewMemoryEventLog()),
	)

	evals, err := m.EvaluateAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "db down") {
		t.Errorf("expected joined error, got %v", err)
	}
	if len(evals) != 1 {
		t.Errorf("expected the remaining signal to be evaluated, got %d", len(evals))
	}
}

func TestEvaluateBacklog(t *testing.T) {
	m, emitter, _, _ := newTestMonitor()

	eval, err := m.EvaluateBacklog(context.Background(), 30)
	if err != nil {
		t.Fatal(err)
	}
	if eval.Code != CodeOutboxBacklogHigh || eval.Level != domain.LevelWarning {
		t.Errorf("unexpected evaluation %+v", eval)
	}
	if len(emitter.alerts) != 1 || emitter.alerts[0].Context["value"] != int64(30) {
		t.Errorf("unexpected notices %+v", emitter.alerts)
	}
}

func TestDeadLetterAlert(t *testing.T) {
	a := DeadLetterAlert("evt_abc", 10, "http_503")
	if a.Severity != SeverityCritical || a.Code != CodeOutboxDeadLetter || a.Scope != "evt_abc" {
		t.Errorf("unexpected alert %+v", a)
	}
	if a.Context["attempts"] != 10 || a.Context["last_error"] != "http_503" {
		t.Errorf("unexpected context %+v", a.Context)
	}
}

func TestMonitorWithDispatcher_RecoveryDedupedSeparately(t *testing.T) {
	hook, server := newWebhook(t, 200)
	h := &captureHandler{}
	clock := &monitorClock{t: fixedNow}
	d := newTestDispatcher(h, server.URL, WithDispatcherClock(clock.Now))
	m := NewMonitor(DefaultMonitorConfig(), NewMemoryStateStore(), d, testLogger(), WithMonitorClock(clock.Now))
	ctx := context.Background()

	m.EvaluateSignal(ctx, sample(12))
	clock.Advance(time.Minute)
	m.EvaluateSignal(ctx, sample(1))
	clock.Advance(15 * time.Minute)
	m.EvaluateSignal(ctx, sample(1))

	if hook.hits.Load() != 2 {
		t.Errorf("expected alert and recovery deliveries, got %d", hook.hits.Load())
	}
	if h.count("alert_event") != 2 {
		t.Errorf("expected 2 alert logs, got %d", h.count("alert_event"))
	}
}

func TestEvaluateSignal_LastEmittedAtOnlyOnDelivery(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		enabled   bool
		delivered bool
	}{
		{"delivered", 200, true, true},
		{"sink rejected", 500, true, false},
		{"alerts disabled", 200, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, server := newWebhook(t, tt.status)
			clock := &monitorClock{t: fixedNow}
			d := NewDispatcher(DispatcherConfig{Enabled: tt.enabled, WebhookURL: server.URL, Timeout: time.Second},
				testLogger(), WithDispatcherClock(clock.Now))
			m := NewMonitor(DefaultMonitorConfig(), NewMemoryStateStore(), d, testLogger(), WithMonitorClock(clock.Now))

			eval, err := m.EvaluateSignal(context.Background(), sample(12))
			if err != nil {
				t.Fatal(err)
			}
			if eval.Emitted == nil || eval.Emitted.Delivered != tt.delivered {
				t.Fatalf("expected delivered=%v, got %+v", tt.delivered, eval.Emitted)
			}
			if !eval.State.Active {
				t.Error("expected alert to be active regardless of delivery")
			}
			if got := eval.State.LastEmittedAt != nil; got != tt.delivered {
				t.Errorf("expected last emitted set=%v, got %v", tt.delivered, eval.State.LastEmittedAt)
			}
		})
	}
}
