// Package outbox implements the producer-side durable delivery queue.
//
// Every payload is persisted before its first delivery attempt. Failed
// deliveries are retried with exponential backoff until MaxAttempts is
// reached, after which the record is moved to the dead-letter store.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Priya8975/posting-relay/internal/fingerprint"
)

// Failure reasons produced by the outbox itself rather than the transport.
const (
	ReasonPanic    = "panic"
	ReasonUnknown  = "unknown_error"
	ReasonInFlight = "in_flight"
)

// Record is one pending delivery.
type Record struct {
	EventID       string          `json:"id"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	LastError     string          `json:"last_error,omitempty"`
}

// DeadLetter is a record whose attempts were exhausted.
type DeadLetter struct {
	Record
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// Delivery is the outcome of a single transport call.
type Delivery struct {
	Sent   bool
	Reason string
}

// DeliverFunc sends one payload. It must honour ctx cancellation.
type DeliverFunc func(ctx context.Context, payload json.RawMessage) Delivery

// Result is returned by EnqueueAndDeliver.
type Result struct {
	EventID string `json:"event_id"`
	Sent    bool   `json:"sent"`
	Queued  bool   `json:"queued"`
	Reason  string `json:"reason,omitempty"`
}

// FlushReport summarises one FlushDue pass.
type FlushReport struct {
	Skipped      bool
	Attempted    int
	Sent         int
	Failed       int
	DeadLettered int
}

// Config controls retry behaviour.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         float64
	FlushInterval  time.Duration
	AttemptTimeout time.Duration
}

// DefaultConfig returns the production retry settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    10,
		BaseDelay:      time.Second,
		MaxDelay:       15 * time.Minute,
		Jitter:         0.2,
		FlushInterval:  15 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = d.Jitter
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	return c
}

// Backoff returns the delay before the next attempt after attempts failures.
// r is a uniform sample in [0, 1) used for jitter.
func (c Config) Backoff(attempts int, r float64) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := c.MaxDelay
	if shift := attempts - 1; shift < 62 {
		if d := c.BaseDelay << shift; d > 0 && d < c.MaxDelay && d>>shift == c.BaseDelay {
			delay = d
		}
	}
	factor := 1 + c.Jitter*(2*r-1)
	return time.Duration(float64(delay) * factor)
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Outbox) { o.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) { o.now = now }
}

// WithRandom overrides the jitter source.
func WithRandom(random func() float64) Option {
	return func(o *Outbox) { o.random = random }
}

// WithDeadLetterHandler registers a callback fired once per dead-lettered
// record, after it has been removed from the pending set.
func WithDeadLetterHandler(fn func(DeadLetter)) Option {
	return func(o *Outbox) { o.onDeadLetter = fn }
}

// Outbox is safe for concurrent use. Several processes may share one
// FileStorage: every change reloads the stored pending set under the
// storage lock before it is applied.
type Outbox struct {
	cfg          Config
	storage      Storage
	deliver      DeliverFunc
	logger       *slog.Logger
	now          func() time.Time
	random       func() float64
	onDeadLetter func(DeadLetter)

	mu          sync.Mutex
	pending     map[string]*Record
	inflight    map[string]struct{}
	deadLetters int
	lastFlushAt time.Time

	flushing atomic.Bool
}

// New creates an outbox and restores the pending set from storage.
func New(cfg Config, storage Storage, deliver DeliverFunc, opts ...Option) (*Outbox, error) {
	o := &Outbox{
		cfg:      cfg.withDefaults(),
		storage:  storage,
		deliver:  deliver,
		logger:   slog.Default(),
		now:      time.Now,
		random:   rand.Float64,
		pending:  make(map[string]*Record),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	records, deadLetters, err := storage.Load()
	if err != nil {
		return nil, fmt.Errorf("loading outbox: %w", err)
	}
	for i := range records {
		rec := records[i]
		o.pending[rec.EventID] = &rec
	}
	o.deadLetters = deadLetters

	if len(records) > 0 {
		o.logger.Info("outbox restored", "pending", len(records), "dead_letters", deadLetters)
	}
	return o, nil
}

// Config returns the effective configuration.
func (o *Outbox) Config() Config {
	return o.cfg
}

// EnqueueAndDeliver persists payload and attempts one immediate delivery.
// An error is returned only when the record could not be persisted. A
// record already being delivered by a flush is left queued without a
// second attempt.
func (o *Outbox) EnqueueAndDeliver(ctx context.Context, payload any) (Result, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Result{}, err
	}
	id := fingerprint.EventID(raw)

	o.mu.Lock()
	var rec Record
	err = o.syncLocked(func() {
		if existing, ok := o.pending[id]; ok {
			rec = *existing
			return
		}
		now := o.now().UTC()
		rec = Record{
			EventID:       id,
			Payload:       raw,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		stored := rec
		o.pending[id] = &stored
	})
	if err != nil {
		o.mu.Unlock()
		return Result{EventID: id}, fmt.Errorf("persisting outbox record %s: %w", id, err)
	}
	if _, busy := o.inflight[id]; busy {
		o.mu.Unlock()
		return Result{EventID: id, Queued: true, Reason: ReasonInFlight}, nil
	}
	o.inflight[id] = struct{}{}
	o.mu.Unlock()

	delivery := o.attempt(ctx, id, rec.Payload)
	queued, dead := o.settle(rec, delivery)
	if dead != nil {
		o.fireDeadLetter(*dead)
	}
	return Result{EventID: id, Sent: delivery.Sent, Queued: queued, Reason: delivery.Reason}, nil
}

// FlushDue attempts every record whose NextAttemptAt has passed, oldest due
// first. The stored pending set is reloaded first so records written by
// other processes are picked up. Overlapping calls return immediately with
// Skipped set.
func (o *Outbox) FlushDue(ctx context.Context) FlushReport {
	if !o.flushing.CompareAndSwap(false, true) {
		return FlushReport{Skipped: true}
	}
	defer o.flushing.Store(false)

	now := o.now()
	o.mu.Lock()
	if err := o.syncLocked(nil); err != nil {
		o.logger.Error("failed to reload outbox", "error", err)
	}
	due := make([]*Record, 0, len(o.pending))
	for id, rec := range o.pending {
		if _, busy := o.inflight[id]; busy || rec.NextAttemptAt.After(now) {
			continue
		}
		claimed := *rec
		due = append(due, &claimed)
		o.inflight[id] = struct{}{}
	}
	o.mu.Unlock()
	sortDue(due)

	var report FlushReport
	for i, rec := range due {
		if ctx.Err() != nil {
			o.release(due[i:])
			break
		}

		report.Attempted++
		delivery := o.attempt(ctx, rec.EventID, rec.Payload)
		_, dead := o.settle(*rec, delivery)
		switch {
		case delivery.Sent:
			report.Sent++
		case dead != nil:
			report.DeadLettered++
			o.fireDeadLetter(*dead)
		default:
			report.Failed++
		}
	}

	o.mu.Lock()
	o.lastFlushAt = o.now().UTC()
	o.mu.Unlock()

	if report.Attempted > 0 {
		o.logger.Info("outbox flushed",
			"attempted", report.Attempted,
			"sent", report.Sent,
			"failed", report.Failed,
			"dead_lettered", report.DeadLettered,
		)
	}
	return report
}

// QueueSize returns the number of pending records.
func (o *Outbox) QueueSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// DeadLetterCount returns the number of dead-lettered records, including
// those written before the process started.
func (o *Outbox) DeadLetterCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deadLetters
}

// LastFlushAt returns the completion time of the last flush pass, or the zero
// time if none has run.
func (o *Outbox) LastFlushAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastFlushAt
}

// Pending returns a copy of the pending set, oldest due first.
func (o *Outbox) Pending() []Record {
	o.mu.Lock()
	recs := make([]*Record, 0, len(o.pending))
	for _, rec := range o.pending {
		recs = append(recs, rec)
	}
	sortDue(recs)
	out := make([]Record, len(recs))
	for i, rec := range recs {
		out[i] = *rec
	}
	o.mu.Unlock()
	return out
}

// attempt runs one bounded delivery. A panicking transport counts as a
// failed attempt.
func (o *Outbox) attempt(ctx context.Context, id string, payload json.RawMessage) (d Delivery) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("outbox transport panicked", "event_id", id, "panic", r)
			d = Delivery{Reason: ReasonPanic}
		}
	}()

	d = o.deliver(ctx, payload)
	if !d.Sent && d.Reason == "" {
		d.Reason = ReasonUnknown
	}
	return d
}

// settle applies a delivery outcome for the attempt made on claimed and
// releases its in-flight mark. It reports whether the record remains queued
// and returns the dead letter when attempts were exhausted. A failure is
// not counted if the stored record was settled by another attempt since
// claimed was read.
func (o *Outbox) settle(claimed Record, d Delivery) (bool, *DeadLetter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer delete(o.inflight, claimed.EventID)

	id := claimed.EventID
	var (
		queued bool
		dead   *DeadLetter
	)
	err := o.syncLocked(func() {
		rec, ok := o.pending[id]
		if !ok {
			return
		}
		now := o.now().UTC()
		if d.Sent {
			delete(o.pending, id)
			o.logger.Info("outbox delivered", "event_id", id, "attempts", rec.Attempts+1)
			return
		}
		queued = true
		if rec.Attempts != claimed.Attempts {
			return
		}

		rec.Attempts++
		rec.LastError = d.Reason
		rec.UpdatedAt = now

		if rec.Attempts >= o.cfg.MaxAttempts {
			dl := DeadLetter{Record: *rec, DeadLetteredAt: now}
			if err := o.storage.AppendDeadLetter(dl); err != nil {
				o.logger.Error("failed to append dead letter", "event_id", id, "error", err)
			}
			delete(o.pending, id)
			o.deadLetters++
			queued = false
			dead = &dl
			o.logger.Error("outbox record dead-lettered",
				"event_id", id,
				"attempts", rec.Attempts,
				"reason", d.Reason,
			)
			return
		}

		backoff := o.cfg.Backoff(rec.Attempts, o.random())
		rec.NextAttemptAt = now.Add(backoff)
		o.logger.Warn("outbox delivery failed",
			"event_id", id,
			"attempts", rec.Attempts,
			"reason", d.Reason,
			"retry_in", backoff.String(),
		)
	})
	if err != nil {
		o.logger.Error("failed to persist outbox", "event_id", id, "error", err)
	}
	return queued, dead
}

func (o *Outbox) release(recs []*Record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, rec := range recs {
		delete(o.inflight, rec.EventID)
	}
}

func (o *Outbox) fireDeadLetter(dead DeadLetter) {
	if o.onDeadLetter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("dead letter handler panicked", "event_id", dead.EventID, "panic", r)
		}
	}()
	o.onDeadLetter(dead)
}

// syncLocked replaces the in-memory pending set with the stored one, applies
// fn to it and writes the result back, all under the storage lock. Records
// another process delivered disappear and records it enqueued appear.
// Callers hold o.mu.
func (o *Outbox) syncLocked(fn func()) error {
	return o.storage.Update(func(stored []Record) []Record {
		o.pending = make(map[string]*Record, len(stored))
		for i := range stored {
			rec := stored[i]
			o.pending[rec.EventID] = &rec
		}
		if fn != nil {
			fn()
		}

		recs := make([]Record, 0, len(o.pending))
		for _, rec := range o.pending {
			recs = append(recs, *rec)
		}
		sort.Slice(recs, func(i, j int) bool {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt) ||
				(recs[i].CreatedAt.Equal(recs[j].CreatedAt) && recs[i].EventID < recs[j].EventID)
		})
		return recs
	})
}

func sortDue(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
			return a.NextAttemptAt.Before(b.NextAttemptAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.EventID < b.EventID
	})
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		return data, nil
	}
}
