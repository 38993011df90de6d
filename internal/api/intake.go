package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Priya8975/posting-relay/internal/alerting"
	"github.com/Priya8975/posting-relay/internal/domain"
	"github.com/Priya8975/posting-relay/internal/ingest"
)

const maxIntakeBody = 1 << 20

// Ingester applies one decoded envelope.
type Ingester interface {
	Ingest(ctx context.Context, payload map[string]any) ingest.Result
}

// IntakeSignals re-samples the alert signals fed by intake outcomes.
type IntakeSignals interface {
	EvaluateUnresolvedFailures(ctx context.Context) (alerting.Evaluation, error)
	EvaluateValidationErrors(ctx context.Context) (alerting.Evaluation, error)
}

type IntakeHandler struct {
	consumer Ingester
	signals  IntakeSignals
	events   ingest.EventRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewIntakeHandler creates the intake handler. signals and events may be nil.
func NewIntakeHandler(consumer Ingester, signals IntakeSignals, events ingest.EventRecorder, logger *slog.Logger) *IntakeHandler {
	return &IntakeHandler{consumer: consumer, signals: signals, events: events, logger: logger, now: time.Now}
}

type intakePosting struct {
	ID         int64                `json:"id"`
	ExternalID string               `json:"external_posting_id"`
	Kind       domain.Kind          `json:"kind"`
	Status     domain.PostingStatus `json:"status"`
}

type intakeEvent struct {
	ID          int64            `json:"id"`
	EventType   domain.EventType `json:"event_type"`
	OccurredAt  *time.Time       `json:"occurred_at"`
	Fingerprint string           `json:"fingerprint"`
}

type intakeResponse struct {
	OK          bool           `json:"ok"`
	Duplicate   bool           `json:"duplicate"`
	Posting     *intakePosting `json:"posting,omitempty"`
	IntakeEvent *intakeEvent   `json:"intake_event,omitempty"`
}

type intakeErrorResponse struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors"`
}

// Create handles POST /api/v1/intake.
func (h *IntakeHandler) Create(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIntakeBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.recordRejected(r.Context(), "request_too_large")
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if strings.TrimSpace(string(raw)) == "" {
		h.recordRejected(r.Context(), "empty_request_body")
		respondError(w, http.StatusBadRequest, "request body cannot be empty")
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.recordRejected(r.Context(), "invalid_json")
		respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	result := h.consumer.Ingest(r.Context(), payload)
	h.evaluateFailures(r.Context())
	if !result.OK() && !result.Internal {
		h.evaluateValidation(r.Context())
	}

	if !result.OK() {
		status := http.StatusUnprocessableEntity
		if result.Internal {
			status = http.StatusInternalServerError
		}
		respondJSON(w, status, intakeErrorResponse{OK: false, Errors: result.Errors})
		return
	}

	resp := intakeResponse{OK: true, Duplicate: result.Duplicate}
	if p := result.Posting; p != nil {
		resp.Posting = &intakePosting{ID: p.ID, ExternalID: p.ExternalID, Kind: p.Kind, Status: p.Status}
	}
	if e := result.IntakeEvent; e != nil {
		resp.IntakeEvent = &intakeEvent{ID: e.ID, EventType: e.EventType, OccurredAt: e.OccurredAt, Fingerprint: e.Fingerprint}
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, resp)
}

// recordRejected counts a request rejected before it reached the consumer.
func (h *IntakeHandler) recordRejected(ctx context.Context, reason string) {
	h.logger.Warn("intake request rejected", "reason", reason)
	if h.events != nil {
		if err := h.events.Record(ctx, domain.OpsIntakeValidationError, h.now().UTC()); err != nil {
			h.logger.Error("failed to record ops event", "code", domain.OpsIntakeValidationError, "error", err)
		}
	}
	h.evaluateValidation(ctx)
}

func (h *IntakeHandler) evaluateFailures(ctx context.Context) {
	if h.signals == nil {
		return
	}
	if _, err := h.signals.EvaluateUnresolvedFailures(ctx); err != nil {
		h.logger.Error("failed to evaluate unresolved failures", "error", err)
	}
}

func (h *IntakeHandler) evaluateValidation(ctx context.Context) {
	if h.signals == nil {
		return
	}
	if _, err := h.signals.EvaluateValidationErrors(ctx); err != nil {
		h.logger.Error("failed to evaluate validation errors", "error", err)
	}
}
