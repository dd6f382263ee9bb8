// Package jobs defines the insight job record, its lifecycle statuses
// and the Store contract the engine uses for persistence and mutual
// exclusion. Backends: SQLite, Redis and in-memory.
package jobs

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Request-level errors. None of them imply the job was modified.
var (
	ErrNotFound  = errors.New("job not found")
	ErrBusy      = errors.New("job is being processed by another execution")
	ErrFinished  = errors.New("job already finished")
	ErrLeaseLost = errors.New("job lease lost")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further execution may touch the job.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// EventType classifies progress events.
type EventType string

const (
	EventToolCall     EventType = "tool_call"
	EventToolResponse EventType = "tool_response"
	EventAIResponse   EventType = "ai_response"
	EventIteration    EventType = "iteration"
	EventStatus       EventType = "status"
	EventError        EventType = "error"
)

// ProgressEvent is one append-only entry in a job's progress log.
type ProgressEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
}

// Result is the final output of a completed job.
type Result struct {
	Insights   string `json:"insights"`
	HTML       string `json:"html,omitempty"`
	Turns      int    `json:"turns"`
	ToolCalls  int    `json:"toolCalls"`
	DurationMs int64  `json:"durationMs"`
	Model      string `json:"model,omitempty"`
}

// Job is one insight generation request and its persisted progress.
// Only the current lease holder may mutate it.
type Job struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Checkpoint is an encoded checkpoint.State, or nil.
	Checkpoint      []byte  `json:"checkpoint,omitempty"`
	FinalResult     *Result `json:"finalResult,omitempty"`
	PartialInsights string  `json:"partialInsights,omitempty"`
	Error           string  `json:"error,omitempty"`

	SystemID          string `json:"systemId"`
	CustomPrompt      string `json:"customPrompt,omitempty"`
	ContextWindowDays int    `json:"contextWindowDays,omitempty"`
	MaxIterations     int    `json:"maxIterations,omitempty"`
	ModelOverride     string `json:"modelOverride,omitempty"`

	LeaseOwner     string    `json:"leaseOwner,omitempty"`
	LeaseExpiresAt time.Time `json:"leaseExpiresAt,omitzero"`
	ResumeCount    int       `json:"resumeCount"`
}

// Clone returns a copy that shares no mutable state with j.
func (j *Job) Clone() *Job {
	c := *j
	c.Checkpoint = slices.Clone(j.Checkpoint)
	if j.FinalResult != nil {
		r := *j.FinalResult
		c.FinalResult = &r
	}
	return &c
}

// leasedBy reports whether a live lease is held by someone other than owner.
func (j *Job) leasedBy(owner string, now time.Time) bool {
	return j.LeaseOwner != "" && j.LeaseOwner != owner && now.Before(j.LeaseExpiresAt)
}

// checkAcquire classifies why owner may or may not take the lease.
func (j *Job) checkAcquire(owner string, now time.Time) error {
	if j.Status.Terminal() {
		return ErrFinished
	}
	if j.leasedBy(owner, now) {
		return ErrBusy
	}
	return nil
}

// Available reports whether a new execution could take the job's
// lease at now: ErrFinished for terminal jobs, ErrBusy while another
// execution holds a live lease.
func (j *Job) Available(now time.Time) error {
	return j.checkAcquire("", now)
}

// grant applies a successful lease acquisition.
func (j *Job) grant(owner string, ttl time.Duration, now time.Time) {
	if j.Status == StatusQueued {
		j.Status = StatusProcessing
	} else {
		j.ResumeCount++
	}
	j.LeaseOwner = owner
	j.LeaseExpiresAt = now.Add(ttl)
	j.UpdatedAt = now
}

// prepare fills identity and timestamps for a new job.
func (j *Job) prepare(now time.Time) {
	if j.ID == "" {
		j.ID = NewID()
	}
	if j.Status == "" {
		j.Status = StatusQueued
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
}

// NewID returns a time-ordered job identifier.
func NewID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// Store persists jobs and their progress logs.
//
// Acquire is a compare-and-set: it succeeds only when the job is
// queued or processing and carries no live lease held by another
// owner. Save and Release fail with ErrLeaseLost for any caller that
// is not the current lease holder.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Acquire(ctx context.Context, id, owner string, ttl time.Duration) (*Job, error)
	Save(ctx context.Context, job *Job, owner string) error
	Release(ctx context.Context, id, owner string) error

	AppendProgress(ctx context.Context, id string, ev ProgressEvent) error
	// Progress returns events starting at index after (0 for all).
	Progress(ctx context.Context, id string, after int) ([]ProgressEvent, error)

	// Prune deletes unleased jobs last updated before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}
