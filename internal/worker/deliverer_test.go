package worker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Priya8975/posting-relay/internal/fingerprint"
	"github.com/Priya8975/posting-relay/internal/outbox"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestComputeHMAC(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		secret  string
	}{
		{
			name:    "basic payload",
			payload: []byte(`{"eventType":"published","id":"p1"}`),
			secret:  "my-secret-key",
		},
		{
			name:    "empty payload",
			payload: []byte(`{}`),
			secret:  "secret",
		},
		{
			name:    "unicode payload",
			payload: []byte(`{"values":{"companyName":"Café"}}`),
			secret:  "unicode-key-日本語",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := computeHMAC(tt.payload, tt.secret)

			decoded, err := hex.DecodeString(sig)
			if err != nil {
				t.Fatalf("signature is not valid hex: %v", err)
			}
			if len(decoded) != 32 {
				t.Fatalf("expected 32 bytes, got %d", len(decoded))
			}

			mac := hmac.New(sha256.New, []byte(tt.secret))
			mac.Write(tt.payload)
			if expected := hex.EncodeToString(mac.Sum(nil)); sig != expected {
				t.Errorf("signature mismatch:\n  got:  %s\n  want: %s", sig, expected)
			}
		})
	}

	if computeHMAC([]byte(`{"a":1}`), "s1") == computeHMAC([]byte(`{"a":1}`), "s2") {
		t.Error("different secrets should produce different signatures")
	}
}

func TestDeliver_Success(t *testing.T) {
	payload := json.RawMessage(`{"eventType":"published","kind":"job","id":"p1"}`)
	var headers http.Header
	var body []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	d := NewDeliverer(DelivererConfig{URL: server.URL, Token: "tok", SigningSecret: "shh"}, testLogger())
	got := d.Deliver(context.Background(), payload)

	if !got.Sent {
		t.Fatalf("expected sent, got %+v", got)
	}
	if string(body) != string(payload) {
		t.Errorf("expected body %s, got %s", payload, body)
	}
	if headers.Get("Authorization") != "Bearer tok" {
		t.Errorf("unexpected Authorization %q", headers.Get("Authorization"))
	}
	if headers.Get("Content-Type") != "application/json" {
		t.Errorf("unexpected Content-Type %q", headers.Get("Content-Type"))
	}
	if headers.Get("X-Relay-Event-ID") != fingerprint.EventID(payload) {
		t.Errorf("unexpected event id header %q", headers.Get("X-Relay-Event-ID"))
	}
	if headers.Get("X-Relay-Signature") != "sha256="+computeHMAC(payload, "shh") {
		t.Errorf("unexpected signature %q", headers.Get("X-Relay-Signature"))
	}
}

func TestDeliver_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reason string
	}{
		{"unauthorized", http.StatusUnauthorized, "http_401"},
		{"unprocessable", http.StatusUnprocessableEntity, "http_422"},
		{"server error", http.StatusServiceUnavailable, "http_503"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(strings.Repeat("x", 4096)))
			}))
			defer server.Close()

			d := NewDeliverer(DelivererConfig{URL: server.URL}, testLogger())
			got := d.Deliver(context.Background(), json.RawMessage(`{}`))
			if got.Sent || got.Reason != tt.reason {
				t.Errorf("expected %q, got %+v", tt.reason, got)
			}
		})
	}
}

func TestDeliver_DuplicateIsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDeliverer(DelivererConfig{URL: server.URL}, testLogger())
	if got := d.Deliver(context.Background(), json.RawMessage(`{}`)); !got.Sent {
		t.Errorf("expected 200 to count as sent, got %+v", got)
	}
}

func TestDeliver_NotConfigured(t *testing.T) {
	d := NewDeliverer(DelivererConfig{}, testLogger())
	if got := d.Deliver(context.Background(), json.RawMessage(`{}`)); got.Reason != ReasonNotConfigured {
		t.Errorf("expected %q, got %+v", ReasonNotConfigured, got)
	}
}

func TestDeliver_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	d := NewDeliverer(DelivererConfig{URL: server.URL, Timeout: 20 * time.Millisecond}, testLogger())
	if got := d.Deliver(context.Background(), json.RawMessage(`{}`)); got.Reason != ReasonNetworkError {
		t.Errorf("expected %q, got %+v", ReasonNetworkError, got)
	}
}

func TestDeliver_ThroughOutbox(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	d := NewDeliverer(DelivererConfig{URL: server.URL}, testLogger())
	now := time.Now()
	ob, err := outbox.New(outbox.Config{}, outbox.NewMemoryStorage(), d.Deliver,
		outbox.WithLogger(testLogger()),
		outbox.WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatal(err)
	}

	result, err := ob.EnqueueAndDeliver(context.Background(), map[string]any{"id": "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Sent || result.Reason != "http_502" {
		t.Fatalf("expected first attempt to fail with http_502, got %+v", result)
	}

	now = now.Add(time.Hour)
	report := ob.FlushDue(context.Background())
	if report.Sent != 1 || ob.QueueSize() != 0 {
		t.Errorf("expected retry to drain the queue, got %+v (queue %d)", report, ob.QueueSize())
	}
}
