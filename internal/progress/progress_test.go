package progress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nugget/bmsinsight/internal/jobs"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newJobStore(t *testing.T) (*jobs.MemoryStore, string) {
	t.Helper()
	s := jobs.NewMemoryStore()
	j := &jobs.Job{SystemID: "sys1"}
	if err := s.Create(t.Context(), j); err != nil {
		t.Fatal(err)
	}
	return s, j.ID
}

func TestReporter_MonotonicTimestamps(t *testing.T) {
	store, id := newJobStore(t)
	r := NewReporter(store, id, testLogger())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed } // frozen clock

	ctx := t.Context()
	r.Status(ctx, jobs.StatusProcessing, "started")
	r.Iteration(ctx, 1, 10, 0)
	r.ToolCall(ctx, 1, "request_bms_data", map[string]any{"metric": "soc"})
	r.ToolResponse(ctx, 1, "request_bms_data", true, false, 512, 30*time.Millisecond)

	evs, err := store.Progress(ctx, id, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 4 || r.Count() != 4 {
		t.Fatalf("got %d events, count %d", len(evs), r.Count())
	}
	for i := 1; i < len(evs); i++ {
		if !evs[i].Timestamp.After(evs[i-1].Timestamp) {
			t.Errorf("event %d timestamp %v not after %v", i, evs[i].Timestamp, evs[i-1].Timestamp)
		}
	}
	if evs[2].Type != jobs.EventToolCall || evs[2].Data["tool"] != "request_bms_data" {
		t.Errorf("tool call event = %+v", evs[2])
	}
}

func TestReporter_ResumeContinuesAfterStoredEvents(t *testing.T) {
	store, id := newJobStore(t)
	ctx := t.Context()
	later := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := store.AppendProgress(ctx, id, jobs.ProgressEvent{Timestamp: later, Type: jobs.EventStatus}); err != nil {
		t.Fatal(err)
	}

	r := NewReporter(store, id, testLogger())
	if err := r.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	r.AIResponse(ctx, 1, "thinking")

	evs, _ := store.Progress(ctx, id, 0)
	if len(evs) != 2 || !evs[1].Timestamp.After(later) {
		t.Errorf("resumed event at %v, want after %v", evs[len(evs)-1].Timestamp, later)
	}
}

type failingLog struct{}

func (failingLog) AppendProgress(context.Context, string, jobs.ProgressEvent) error {
	return errors.New("disk full")
}

func (failingLog) Progress(context.Context, string, int) ([]jobs.ProgressEvent, error) {
	return nil, nil
}

func TestReporter_StoreFailureStillNotifiesSinks(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("job1", 4)
	defer bus.Unsubscribe(ch)

	r := NewReporter(failingLog{}, "job1", testLogger(), bus, nil)
	r.Error(t.Context(), errors.New("model unavailable"))

	select {
	case ev := <-ch:
		if ev.Type != jobs.EventError || ev.Data["error"] != "model unavailable" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("sink not notified")
	}
}

func TestReporter_AIResponseTruncates(t *testing.T) {
	store, id := newJobStore(t)
	r := NewReporter(store, id, testLogger())
	r.AIResponse(t.Context(), 1, strings.Repeat("é", 400))

	evs, _ := store.Progress(t.Context(), id, 0)
	text := evs[0].Data["text"].(string)
	if !strings.HasSuffix(text, "…") || len(text) > 504 {
		t.Errorf("truncated text length %d", len(text))
	}
	if !strings.HasPrefix(text, "é") {
		t.Error("truncation broke a rune")
	}
}

func TestNilReporterEmit(t *testing.T) {
	var r *Reporter
	r.Emit(t.Context(), jobs.EventStatus, nil) // must not panic
}

func TestBus_FiltersByJob(t *testing.T) {
	b := NewBus()
	mine := b.Subscribe("a", 4)
	all := b.Subscribe("", 4)
	defer b.Unsubscribe(mine)
	defer b.Unsubscribe(all)

	b.Publish("b", jobs.ProgressEvent{Type: jobs.EventStatus})
	b.Publish("a", jobs.ProgressEvent{Type: jobs.EventIteration})

	got := <-mine
	if got.JobID != "a" || got.Type != jobs.EventIteration {
		t.Errorf("filtered subscriber got %+v", got)
	}
	if n := len(all); n != 2 {
		t.Errorf("unfiltered subscriber has %d events, want 2", n)
	}
	if b.SubscriberCount() != 2 {
		t.Errorf("SubscriberCount = %d", b.SubscriberCount())
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe("", 1)
	done := make(chan struct{})
	go func() {
		for range 10 {
			b.Publish("a", jobs.ProgressEvent{Type: jobs.EventStatus})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	b.Unsubscribe(ch)
	b.Unsubscribe(ch) // second call is a no-op
	if b.SubscriberCount() != 0 {
		t.Error("subscriber not removed")
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish("a", jobs.ProgressEvent{})
	if b.SubscriberCount() != 0 {
		t.Error("nil bus has subscribers")
	}
}
