package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Priya8975/posting-relay/internal/outbox"
)

func TestFlusher_RetriesUntilCancelled(t *testing.T) {
	var attempts atomic.Int32
	deliver := func(context.Context, json.RawMessage) outbox.Delivery {
		if attempts.Add(1) < 3 {
			return outbox.Delivery{Reason: "http_500"}
		}
		return outbox.Delivery{Sent: true}
	}

	ob, err := outbox.New(outbox.Config{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, FlushInterval: 5 * time.Millisecond},
		outbox.NewMemoryStorage(), deliver, outbox.WithLogger(testLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ob.EnqueueAndDeliver(context.Background(), map[string]any{"id": "p1"}); err != nil {
		t.Fatal(err)
	}

	var ticks atomic.Int32
	f := NewFlusher(ob, testLogger())
	f.OnTick(func(context.Context) { ticks.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for ob.QueueSize() > 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for queue to drain")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
	if ticks.Load() == 0 {
		t.Error("expected tick callback to run")
	}
}

func TestFlusher_SurvivesPanickingTick(t *testing.T) {
	ob, err := outbox.New(outbox.Config{FlushInterval: time.Millisecond}, outbox.NewMemoryStorage(),
		func(context.Context, json.RawMessage) outbox.Delivery { return outbox.Delivery{Sent: true} },
		outbox.WithLogger(testLogger()))
	if err != nil {
		t.Fatal(err)
	}

	var ticks atomic.Int32
	f := NewFlusher(ob, testLogger())
	f.OnTick(func(context.Context) {
		ticks.Add(1)
		panic("boom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f.Start(ctx)

	if ticks.Load() < 2 {
		t.Errorf("expected loop to keep ticking after a panic, got %d ticks", ticks.Load())
	}
}
