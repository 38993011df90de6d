package alerting

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Priya8975/posting-relay/internal/engine"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h *captureHandler) WithGroup(string) slog.Handler           { return h }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *captureHandler) count(msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Message == msg {
			n++
		}
	}
	return n
}

func (h *captureHandler) levels(msg string) []slog.Level {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []slog.Level
	for _, r := range h.records {
		if r.Message == msg {
			out = append(out, r.Level)
		}
	}
	return out
}

type webhookRecorder struct {
	hits     atomic.Int32
	mu       sync.Mutex
	messages []webhookMessage
	status   int
}

func newWebhook(t *testing.T, status int) (*webhookRecorder, *httptest.Server) {
	t.Helper()
	rec := &webhookRecorder{status: status}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.hits.Add(1)
		var msg webhookMessage
		json.NewDecoder(r.Body).Decode(&msg)
		rec.mu.Lock()
		rec.messages = append(rec.messages, msg)
		rec.mu.Unlock()
		w.WriteHeader(rec.status)
	}))
	t.Cleanup(server.Close)
	return rec, server
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDispatcher(h *captureHandler, url string, opts ...DispatcherOption) *Dispatcher {
	base := []DispatcherOption{WithDispatcherClock(func() time.Time { return fixedNow })}
	return NewDispatcher(DispatcherConfig{
		Service:     "relay-test",
		Enabled:     true,
		WebhookURL:  url,
		MinInterval: 15 * time.Minute,
		Timeout:     time.Second,
	}, slog.New(h), append(base, opts...)...)
}

func TestEmit_DedupeDeliversOnceLogsTwice(t *testing.T) {
	hook, server := newWebhook(t, http.StatusOK)
	h := &captureHandler{}
	d := newTestDispatcher(h, server.URL)
	ctx := context.Background()

	alert := Alert{Severity: SeverityWarning, Code: "OUTBOX_BACKLOG_HIGH", Message: "backlog"}
	first := d.Emit(ctx, alert)
	second := d.Emit(ctx, alert)

	if !first.Delivered || first.Deduped {
		t.Errorf("expected first emit delivered, got %+v", first)
	}
	if second.Delivered || !second.Deduped {
		t.Errorf("expected second emit deduped, got %+v", second)
	}
	if hook.hits.Load() != 1 {
		t.Errorf("expected 1 delivery attempt, got %d", hook.hits.Load())
	}
	if h.count("alert_event") != 2 {
		t.Errorf("expected 2 alert logs, got %d", h.count("alert_event"))
	}
}

func TestEmit_DedupeIsPerScope(t *testing.T) {
	hook, server := newWebhook(t, http.StatusOK)
	d := newTestDispatcher(&captureHandler{}, server.URL)

	d.Emit(context.Background(), Alert{Code: CodeOutboxDeadLetter, Scope: "evt_1"})
	d.Emit(context.Background(), Alert{Code: CodeOutboxDeadLetter, Scope: "evt_2"})

	if hook.hits.Load() != 2 {
		t.Errorf("expected one delivery per scope, got %d", hook.hits.Load())
	}
}

func TestEmit_CanonicalRecord(t *testing.T) {
	hook, server := newWebhook(t, http.StatusOK)
	h := &captureHandler{}
	d := newTestDispatcher(h, server.URL)

	res := d.Emit(context.Background(), Alert{
		Severity: "urgent",
		Code:     "API_INGEST_FAILURE_UNRESOLVED_HIGH",
		Message:  "Unresolved ingest failures are above threshold.",
		Context:  map[string]any{"value": 12, "window": "current"},
	})

	rec := res.Alert
	if rec.ID == "" || rec.Service != "relay-test" || rec.Scope != "global" {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.Severity != SeverityWarning {
		t.Errorf("expected unknown severity to normalize to warning, got %q", rec.Severity)
	}
	if !rec.DetectedAt.Equal(fixedNow) {
		t.Errorf("unexpected detected_at %v", rec.DetectedAt)
	}

	msg := hook.messages[0]
	if msg.Text != "[WARNING] API_INGEST_FAILURE_UNRESOLVED_HIGH: Unresolved ingest failures are above threshold." {
		t.Errorf("unexpected text %q", msg.Text)
	}
	if len(msg.Blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(msg.Blocks))
	}
	if !strings.Contains(msg.Blocks[2].Text.Text, "• value: 12\n• window: current") {
		t.Errorf("unexpected context block %q", msg.Blocks[2].Text.Text)
	}
	if !strings.Contains(msg.Blocks[1].Text.Text, "2026-03-01T12:00:00Z") {
		t.Errorf("unexpected service block %q", msg.Blocks[1].Text.Text)
	}
}

func TestEmit_LogLevelFollowsSeverity(t *testing.T) {
	h := &captureHandler{}
	d := newTestDispatcher(h, "")

	d.Emit(context.Background(), Alert{Severity: SeverityCritical, Code: "A"})
	d.Emit(context.Background(), Alert{Severity: SeverityWarning, Code: "B"})

	levels := h.levels("alert_event")
	if len(levels) != 2 || levels[0] != slog.LevelError || levels[1] != slog.LevelWarn {
		t.Errorf("unexpected levels %v", levels)
	}
}

func TestEmit_FailureReasons(t *testing.T) {
	_, failing := newWebhook(t, http.StatusInternalServerError)
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	tests := []struct {
		name    string
		enabled bool
		url     string
		reason  string
		logged  int
	}{
		{"disabled", false, failing.URL, ReasonDisabled, 0},
		{"missing webhook", true, "", ReasonMissingWebhook, 1},
		{"non-2xx", true, failing.URL, "http_500", 1},
		{"network error", true, closedURL, ReasonNetworkError, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &captureHandler{}
			d := NewDispatcher(DispatcherConfig{Enabled: tt.enabled, WebhookURL: tt.url, Timeout: time.Second}, slog.New(h))

			res := d.Emit(context.Background(), Alert{Severity: SeverityCritical, Code: "X", Message: "m"})
			if res.Delivered || res.Deduped || res.Reason != tt.reason {
				t.Errorf("expected reason %q, got %+v", tt.reason, res)
			}
			if h.count("alert_event") != 1 {
				t.Error("expected alert to be logged regardless of delivery")
			}
			if got := h.count("alert delivery failed"); got != tt.logged {
				t.Errorf("expected %d delivery-failure logs, got %d", tt.logged, got)
			}
		})
	}
}

type feed struct{ alerts []Record }

func (f *feed) PublishAlert(rec Record) { f.alerts = append(f.alerts, rec) }

func TestEmit_PublishesEvenWhenDeduped(t *testing.T) {
	_, server := newWebhook(t, http.StatusOK)
	f := &feed{}
	d := newTestDispatcher(&captureHandler{}, server.URL, WithPublisher(f))

	d.Emit(context.Background(), Alert{Code: "A"})
	d.Emit(context.Background(), Alert{Code: "A"})

	if len(f.alerts) != 2 {
		t.Errorf("expected 2 published alerts, got %d", len(f.alerts))
	}
}

func TestEmit_CircuitBreakerSkipsOpenSink(t *testing.T) {
	hook, server := newWebhook(t, http.StatusBadGateway)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := &captureHandler{}
	cb := engine.NewCircuitBreaker(client, slog.New(h), engine.WithThreshold(2))
	d := newTestDispatcher(h, server.URL, WithBreaker(cb))

	for _, code := range []string{"A", "B", "C"} {
		d.Emit(context.Background(), Alert{Code: code})
	}

	if hook.hits.Load() != 2 {
		t.Errorf("expected breaker to stop delivery after 2 failures, got %d hits", hook.hits.Load())
	}
	if res := d.Emit(context.Background(), Alert{Code: "D"}); res.Reason != ReasonCircuitOpen {
		t.Errorf("expected %q, got %+v", ReasonCircuitOpen, res)
	}
}

func TestRedisDeduper_SharedAcrossDispatchers(t *testing.T) {
	hook, server := newWebhook(t, http.StatusOK)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	dedupe := NewRedisDeduper(client)
	a := newTestDispatcher(&captureHandler{}, server.URL, WithDeduper(dedupe))
	b := newTestDispatcher(&captureHandler{}, server.URL, WithDeduper(dedupe))

	a.Emit(context.Background(), Alert{Code: "A"})
	if res := b.Emit(context.Background(), Alert{Code: "A"}); !res.Deduped {
		t.Errorf("expected second process to be deduped, got %+v", res)
	}

	mr.FastForward(16 * time.Minute)
	if res := b.Emit(context.Background(), Alert{Code: "A"}); !res.Delivered {
		t.Errorf("expected delivery after window, got %+v", res)
	}
	if hook.hits.Load() != 2 {
		t.Errorf("expected 2 deliveries, got %d", hook.hits.Load())
	}
}

func TestMemoryDeduper_Window(t *testing.T) {
	d := NewMemoryDeduper()
	ctx := context.Background()

	steps := []struct {
		offset time.Duration
		want   bool
	}{
		{0, true},
		{time.Minute, false},
		{14 * time.Minute, false},
		{15 * time.Minute, true},
		{16 * time.Minute, false},
	}
	for _, s := range steps {
		got, _ := d.Allow(ctx, "A|global", fixedNow.Add(s.offset), 15*time.Minute)
		if got != s.want {
			t.Errorf("at +%v: expected %v, got %v", s.offset, s.want, got)
		}
	}
}
