// Package progress records the append-only progress log of an insight
// job and fans each event out to live observers (websocket streams,
// the MQTT mirror). The job store is the durable record; sinks are
// best effort.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/bmsinsight/internal/jobs"
)

// Log is the part of jobs.Store the reporter writes to.
type Log interface {
	AppendProgress(ctx context.Context, id string, ev jobs.ProgressEvent) error
	Progress(ctx context.Context, id string, after int) ([]jobs.ProgressEvent, error)
}

// Sink receives a copy of every recorded event. Publish must not block.
type Sink interface {
	Publish(jobID string, ev jobs.ProgressEvent)
}

// Reporter appends progress events for one job. Timestamps are
// strictly increasing at millisecond resolution, across invocations
// once Resume has been called.
type Reporter struct {
	log    Log
	jobID  string
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	last  time.Time
	count int
}

// NewReporter creates a reporter for jobID. A nil sink is ignored.
func NewReporter(log Log, jobID string, logger *slog.Logger, sinks ...Sink) *Reporter {
	r := &Reporter{log: log, jobID: jobID, logger: logger, now: time.Now}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Resume loads the timestamp of the job's latest stored event so that
// new events sort after it.
func (r *Reporter) Resume(ctx context.Context) error {
	evs, err := r.log.Progress(ctx, r.jobID, 0)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range evs {
		if ev.Timestamp.After(r.last) {
			r.last = ev.Timestamp
		}
	}
	return nil
}

// Emit records an event. Store failures are logged, never returned:
// progress reporting must not abort the loop.
func (r *Reporter) Emit(ctx context.Context, typ jobs.EventType, data map[string]any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	ts := r.now().UTC().Truncate(time.Millisecond)
	if !ts.After(r.last) {
		ts = r.last.Add(time.Millisecond)
	}
	r.last = ts
	r.count++
	r.mu.Unlock()

	ev := jobs.ProgressEvent{Timestamp: ts, Type: typ, Data: data}
	if err := r.log.AppendProgress(ctx, r.jobID, ev); err != nil {
		r.logger.Warn("progress append failed", "job_id", r.jobID, "type", typ, "error", err)
	}
	for _, s := range r.sinks {
		s.Publish(r.jobID, ev)
	}
}

// Count returns the number of events emitted by this reporter.
func (r *Reporter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Status records a lifecycle change.
func (r *Reporter) Status(ctx context.Context, status jobs.Status, message string) {
	r.Emit(ctx, jobs.EventStatus, map[string]any{"status": string(status), "message": message})
}

// Iteration records the start of a model turn.
func (r *Reporter) Iteration(ctx context.Context, turn, maxTurns int, elapsed time.Duration) {
	r.Emit(ctx, jobs.EventIteration, map[string]any{
		"turn": turn, "maxTurns": maxTurns, "elapsedMs": elapsed.Milliseconds(),
	})
}

// ToolCall records a tool invocation.
func (r *Reporter) ToolCall(ctx context.Context, turn int, tool string, args map[string]any) {
	r.Emit(ctx, jobs.EventToolCall, map[string]any{"turn": turn, "tool": tool, "parameters": args})
}

// ToolResponse records a tool's outcome without its full payload.
func (r *Reporter) ToolResponse(ctx context.Context, turn int, tool string, ok, empty bool, size int, d time.Duration) {
	r.Emit(ctx, jobs.EventToolResponse, map[string]any{
		"turn": turn, "tool": tool, "ok": ok, "empty": empty,
		"bytes": size, "durationMs": d.Milliseconds(),
	})
}

// AIResponse records model text, truncated for the log.
func (r *Reporter) AIResponse(ctx context.Context, turn int, text string) {
	r.Emit(ctx, jobs.EventAIResponse, map[string]any{"turn": turn, "text": truncate(text, 500)})
}

// Error records a failure.
func (r *Reporter) Error(ctx context.Context, err error) {
	r.Emit(ctx, jobs.EventError, map[string]any{"error": err.Error()})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary.
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n] + "…"
}
