package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// SinkName identifies the webhook sink to the circuit breaker.
const SinkName = "alerts-webhook"

// Breaker guards the webhook sink.
type Breaker interface {
	AllowRequest(ctx context.Context, sink string) (string, bool)
	RecordSuccess(ctx context.Context, sink string)
	RecordFailure(ctx context.Context, sink string)
}

// Publisher receives every canonical alert, delivered or not.
type Publisher interface {
	PublishAlert(rec Record)
}

// DispatcherConfig holds delivery settings.
type DispatcherConfig struct {
	Service     string
	Enabled     bool
	WebhookURL  string
	MinInterval time.Duration
	Timeout     time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDeduper replaces the default in-process deduper.
func WithDeduper(d Deduper) DispatcherOption {
	return func(disp *Dispatcher) { disp.deduper = d }
}

// WithBreaker guards delivery with a circuit breaker.
func WithBreaker(b Breaker) DispatcherOption {
	return func(disp *Dispatcher) { disp.breaker = b }
}

// WithPublisher forwards every alert to p.
func WithPublisher(p Publisher) DispatcherOption {
	return func(disp *Dispatcher) { disp.publisher = p }
}

// WithDispatcherClock overrides the time source.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(disp *Dispatcher) { disp.now = now }
}

// Dispatcher logs every alert and delivers it to the webhook sink.
type Dispatcher struct {
	cfg        DispatcherConfig
	httpClient *http.Client
	logger     *slog.Logger
	deduper    Deduper
	breaker    Breaker
	publisher  Publisher
	now        func() time.Time
}

func NewDispatcher(cfg DispatcherConfig, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 15 * time.Minute
	}
	if cfg.Service == "" {
		cfg.Service = "posting-relay"
	}
	d := &Dispatcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		deduper:    NewMemoryDeduper(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// MinInterval is the dedupe window, also used by the Monitor as the
// recovery window.
func (d *Dispatcher) MinInterval() time.Duration {
	return d.cfg.MinInterval
}

// Emit logs alert and attempts delivery. It never panics and never returns
// an error; the outcome is in the result.
func (d *Dispatcher) Emit(ctx context.Context, alert Alert) (result EmitResult) {
	rec := d.canonical(alert)
	result.Alert = rec

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("alert dispatch panicked", "code", rec.Code, "panic", r)
			result = EmitResult{Alert: rec, Reason: "panic"}
		}
	}()

	d.logAlert(ctx, rec)
	if d.publisher != nil {
		d.publisher.PublishAlert(rec)
	}

	if !d.cfg.Enabled {
		result.Reason = ReasonDisabled
		return result
	}

	allowed, err := d.deduper.Allow(ctx, dedupeKey(rec.Code, rec.Scope), rec.DetectedAt, d.cfg.MinInterval)
	if err != nil {
		d.logger.Warn("alert dedupe unavailable", "code", rec.Code, "error", err)
		allowed = true
	}
	if !allowed {
		result.Deduped = true
		return result
	}

	result.Delivered, result.Reason = d.deliver(ctx, rec)
	return result
}

func (d *Dispatcher) canonical(alert Alert) Record {
	ctxMap := alert.Context
	if ctxMap == nil {
		ctxMap = map[string]any{}
	}
	return Record{
		ID:         uuid.NewString(),
		Service:    d.cfg.Service,
		Severity:   NormalizeSeverity(string(alert.Severity)),
		Code:       alert.Code,
		Message:    alert.Message,
		Context:    ctxMap,
		Scope:      normalizeScope(alert.Scope),
		DetectedAt: d.now().UTC(),
	}
}

func (d *Dispatcher) logAlert(ctx context.Context, rec Record) {
	level := slog.LevelWarn
	if rec.Severity == SeverityCritical {
		level = slog.LevelError
	}
	d.logger.Log(ctx, level, "alert_event",
		"alert_id", rec.ID,
		"service", rec.Service,
		"severity", rec.Severity,
		"code", rec.Code,
		"message", rec.Message,
		"scope", rec.Scope,
		"context", rec.Context,
		"detected_at", rec.DetectedAt,
	)
}

func (d *Dispatcher) deliver(ctx context.Context, rec Record) (bool, string) {
	if d.cfg.WebhookURL == "" {
		d.deliveryFailed(rec, "reason", ReasonMissingWebhook)
		return false, ReasonMissingWebhook
	}

	if d.breaker != nil {
		if state, ok := d.breaker.AllowRequest(ctx, SinkName); !ok {
			d.deliveryFailed(rec, "reason", ReasonCircuitOpen, "circuit_state", state)
			return false, ReasonCircuitOpen
		}
	}

	body, err := json.Marshal(formatMessage(rec))
	if err != nil {
		d.deliveryFailed(rec, "error", err)
		return false, ReasonNetworkError
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		d.deliveryFailed(rec, "error", err)
		d.recordBreaker(ctx, false)
		return false, ReasonNetworkError
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.deliveryFailed(rec, "error", err)
		d.recordBreaker(ctx, false)
		return false, ReasonNetworkError
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.deliveryFailed(rec, "status_code", resp.StatusCode)
		d.recordBreaker(ctx, false)
		return false, fmt.Sprintf("http_%d", resp.StatusCode)
	}

	d.recordBreaker(ctx, true)
	return true, ""
}

func (d *Dispatcher) recordBreaker(ctx context.Context, ok bool) {
	if d.breaker == nil {
		return
	}
	// the request context may already be expired
	ctx = context.WithoutCancel(ctx)
	if ok {
		d.breaker.RecordSuccess(ctx, SinkName)
	} else {
		d.breaker.RecordFailure(ctx, SinkName)
	}
}

func (d *Dispatcher) deliveryFailed(rec Record, attrs ...any) {
	base := []any{
		"service", rec.Service,
		"code", rec.Code,
		"scope", rec.Scope,
		"alert_id", rec.ID,
	}
	d.logger.Error("alert delivery failed", append(base, attrs...)...)
}
