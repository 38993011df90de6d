package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Priya8975/posting-relay/internal/alerting"
	"github.com/Priya8975/posting-relay/internal/domain"
	"github.com/Priya8975/posting-relay/internal/engine"
	"github.com/Priya8975/posting-relay/internal/ingest"
	"github.com/Priya8975/posting-relay/internal/store"
)

// SignalEvaluator samples every configured alert signal.
type SignalEvaluator interface {
	EvaluateAll(ctx context.Context) ([]alerting.Evaluation, error)
}

type SummaryBuilder interface {
	Build(ctx context.Context) (alerting.Summary, error)
}

type FailureReplayer interface {
	ReplayBatch(ctx context.Context, opts ingest.ReplayOptions) (ingest.ReplayReport, error)
}

type FailureLister interface {
	ListUnresolvedFailures(ctx context.Context, limit int) ([]domain.IngestFailure, error)
}

type AlertStateLister interface {
	ListAlertStates(ctx context.Context) ([]domain.AlertState, error)
}

type StatsSource interface {
	GetIntakeStats(ctx context.Context) (*store.IntakeStats, error)
}

// SinkState reports the alert webhook circuit breaker.
type SinkState interface {
	GetState(ctx context.Context, sink string) engine.CircuitBreakerState
}

// FeedCounter reports connected alert feed clients.
type FeedCounter interface {
	ClientCount() int
}

type OpsHandler struct {
	monitor  SignalEvaluator
	summary  SummaryBuilder
	replayer FailureReplayer
	failures FailureLister
	states   AlertStateLister
	stats    StatsSource
	sink     SinkState
	feed     FeedCounter
	logger   *slog.Logger
}

// OpsDeps groups the ops handler collaborators. Sink and Feed may be nil.
type OpsDeps struct {
	Monitor  SignalEvaluator
	Summary  SummaryBuilder
	Replayer FailureReplayer
	Failures FailureLister
	States   AlertStateLister
	Stats    StatsSource
	Sink     SinkState
	Feed     FeedCounter
}

func NewOpsHandler(deps OpsDeps, logger *slog.Logger) *OpsHandler {
	return &OpsHandler{
		monitor:  deps.Monitor,
		summary:  deps.Summary,
		replayer: deps.Replayer,
		failures: deps.Failures,
		states:   deps.States,
		stats:    deps.Stats,
		sink:     deps.Sink,
		feed:     deps.Feed,
		logger:   logger,
	}
}

type summaryResponse struct {
	OK      bool             `json:"ok"`
	Summary alerting.Summary `json:"summary"`
}

// Summary evaluates every signal and returns the operational snapshot.
// Evaluation errors are logged; the summary is still returned.
func (h *OpsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	if _, err := h.monitor.EvaluateAll(r.Context()); err != nil {
		h.logger.Error("failed to evaluate alert signals", "error", err)
	}

	summary, err := h.summary.Build(r.Context())
	if err != nil {
		h.logger.Error("failed to build ops summary", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to build summary")
		return
	}
	respondJSON(w, http.StatusOK, summaryResponse{OK: true, Summary: summary})
}

type replayResponse struct {
	OK     bool                `json:"ok"`
	Report ingest.ReplayReport `json:"report"`
}

// Replay re-ingests unresolved failures. dry_run=true only lists them.
func (h *OpsHandler) Replay(w http.ResponseWriter, r *http.Request) {
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	opts := ingest.ReplayOptions{
		DryRun: dryRun,
		Limit:  queryLimit(r, ingest.DefaultReplayLimit, 1000),
	}

	report, err := h.replayer.ReplayBatch(r.Context(), opts)
	if err != nil {
		h.logger.Error("replay failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to replay failures")
		return
	}
	respondJSON(w, http.StatusOK, replayResponse{OK: true, Report: report})
}

type failuresResponse struct {
	OK       bool                   `json:"ok"`
	Failures []domain.IngestFailure `json:"failures"`
	Count    int                    `json:"count"`
}

func (h *OpsHandler) Failures(w http.ResponseWriter, r *http.Request) {
	failures, err := h.failures.ListUnresolvedFailures(r.Context(), queryLimit(r, 50, 500))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list failures")
		return
	}
	respondJSON(w, http.StatusOK, failuresResponse{OK: true, Failures: failures, Count: len(failures)})
}

type alertsResponse struct {
	OK     bool                `json:"ok"`
	States []domain.AlertState `json:"states"`
	Sink   *sinkResponse       `json:"sink,omitempty"`
}

type sinkResponse struct {
	Name           string                     `json:"name"`
	CircuitBreaker engine.CircuitBreakerState `json:"circuit_breaker"`
}

// Alerts lists alert states and the webhook sink's circuit breaker.
func (h *OpsHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	states, err := h.states.ListAlertStates(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list alert states")
		return
	}

	resp := alertsResponse{OK: true, States: states}
	if h.sink != nil {
		resp.Sink = &sinkResponse{
			Name:           alerting.SinkName,
			CircuitBreaker: h.sink.GetState(r.Context(), alerting.SinkName),
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	OK bool `json:"ok"`
	store.IntakeStats
	FeedClients int `json:"feed_clients"`
}

// Stats returns posting and intake totals.
func (h *OpsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.GetIntakeStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := statsResponse{OK: true, IntakeStats: *stats}
	if h.feed != nil {
		resp.FeedClients = h.feed.ClientCount()
	}
	respondJSON(w, http.StatusOK, resp)
}
