package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Priya8975/posting-relay/internal/fingerprint"
	"github.com/Priya8975/posting-relay/internal/outbox"
)

// Delivery failure reasons.
const (
	ReasonNotConfigured = "not_configured"
	ReasonRequestError  = "request_error"
	ReasonNetworkError  = "network_error"
)

// DelivererConfig holds the ingestion endpoint settings.
type DelivererConfig struct {
	URL           string
	Token         string
	SigningSecret string
	Timeout       time.Duration
	UserAgent     string
}

// Deliverer posts outbox payloads to the ingestion endpoint.
type Deliverer struct {
	cfg        DelivererConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewDeliverer creates a deliverer with a configured HTTP client.
func NewDeliverer(cfg DelivererConfig, logger *slog.Logger) *Deliverer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "posting-relay/1.0"
	}
	return &Deliverer{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Deliver sends payload via HTTP POST. Any 2xx response counts as sent;
// the endpoint answers 201 for new events and 200 for duplicates.
func (d *Deliverer) Deliver(ctx context.Context, payload json.RawMessage) outbox.Delivery {
	if d.cfg.URL == "" {
		return outbox.Delivery{Reason: ReasonNotConfigured}
	}
	start := time.Now()
	eventID := fingerprint.EventID(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		d.logger.Error("failed to create ingest request", "error", err, "event_id", eventID)
		return outbox.Delivery{Reason: ReasonRequestError}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set("X-Relay-Event-ID", eventID)
	if d.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.Token)
	}
	if d.cfg.SigningSecret != "" {
		req.Header.Set("X-Relay-Signature", "sha256="+computeHMAC(payload, d.cfg.SigningSecret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Warn("ingest delivery failed",
			"event_id", eventID,
			"error", err,
			"response_time_ms", time.Since(start).Milliseconds(),
		)
		return outbox.Delivery{Reason: ReasonNetworkError}
	}
	defer resp.Body.Close()

	// Read response body (limit to 1KB to prevent memory issues)
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	elapsed := time.Since(start).Milliseconds()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.logger.Warn("ingest delivery failed",
			"event_id", eventID,
			"status_code", resp.StatusCode,
			"response_body", string(body),
			"response_time_ms", elapsed,
		)
		return outbox.Delivery{Reason: fmt.Sprintf("http_%d", resp.StatusCode)}
	}

	d.logger.Info("ingest delivery successful",
		"event_id", eventID,
		"status_code", resp.StatusCode,
		"response_time_ms", elapsed,
	)
	return outbox.Delivery{Sent: true}
}

// computeHMAC generates an HMAC-SHA256 signature for the payload.
func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
