package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRequest is wrapped by every request validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// Mode selects between starting a new job and continuing one.
type Mode string

const (
	ModeFresh  Mode = "fresh"
	ModeResume Mode = "resume"
)

// maxCustomPromptLen bounds free-form questions.
const maxCustomPromptLen = 4000

// Request asks the engine to generate insights.
type Request struct {
	Mode              Mode   `json:"mode,omitempty"`
	SystemID          string `json:"systemId,omitempty"`
	CustomPrompt      string `json:"customPrompt,omitempty"`
	ContextWindowDays int    `json:"contextWindowDays,omitempty"`
	MaxIterations     int    `json:"maxIterations,omitempty"`
	Model             string `json:"model,omitempty"`
	ResumeJobID       string `json:"resumeJobId,omitempty"`
}

// Normalize infers the mode when it was left empty.
func (r *Request) Normalize() {
	r.SystemID = strings.TrimSpace(r.SystemID)
	r.CustomPrompt = strings.TrimSpace(r.CustomPrompt)
	r.ResumeJobID = strings.TrimSpace(r.ResumeJobID)
	if r.Mode == "" {
		r.Mode = ModeFresh
		if r.ResumeJobID != "" {
			r.Mode = ModeResume
		}
	}
}

// Validate checks the request after Normalize.
func (r *Request) Validate() error {
	switch r.Mode {
	case ModeFresh:
		if r.SystemID == "" {
			return fmt.Errorf("%w: systemId is required", ErrInvalidRequest)
		}
		if r.ContextWindowDays < 0 || r.ContextWindowDays > 365 {
			return fmt.Errorf("%w: contextWindowDays %d must be between 1 and 365", ErrInvalidRequest, r.ContextWindowDays)
		}
		if r.MaxIterations < 0 {
			return fmt.Errorf("%w: maxIterations cannot be negative", ErrInvalidRequest)
		}
		if len(r.CustomPrompt) > maxCustomPromptLen {
			return fmt.Errorf("%w: customPrompt exceeds %d bytes", ErrInvalidRequest, maxCustomPromptLen)
		}
	case ModeResume:
		if r.ResumeJobID == "" {
			return fmt.Errorf("%w: resumeJobId is required to resume", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, r.Mode)
	}
	return nil
}

// OutcomeKind is the terminal classification of one Run.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeTimedOut  OutcomeKind = "timed_out"
	OutcomeFailed    OutcomeKind = "failed"
)

// Outcome reports how one invocation ended.
type Outcome struct {
	Kind  OutcomeKind `json:"kind"`
	JobID string      `json:"jobId"`

	// Completed.
	FinalText string `json:"finalText,omitempty"`
	HTML      string `json:"html,omitempty"`

	Turns     int           `json:"turns"`
	ToolCalls int           `json:"toolCalls"`
	Duration  time.Duration `json:"duration"`

	// TimedOut.
	Checkpointed bool   `json:"checkpointed,omitempty"`
	Partial      string `json:"partial,omitempty"`

	// WasResumed is set when this invocation continued a checkpoint.
	WasResumed bool `json:"wasResumed,omitempty"`

	// Failed.
	Reason string `json:"reason,omitempty"`

	// Err is the BudgetExceededError or FatalEngineError behind a
	// TimedOut or Failed outcome.
	Err error `json:"-"`
}

// BudgetKind names the budget that was exhausted.
type BudgetKind string

const (
	BudgetTime  BudgetKind = "time"
	BudgetTurns BudgetKind = "turns"
)

// BudgetExceededError reports that an invocation ran out of time or
// turns. It is always recovered by checkpointing.
type BudgetExceededError struct {
	Kind    BudgetKind
	Turns   int
	Elapsed time.Duration
}

func (e *BudgetExceededError) Error() string {
	if e.Kind == BudgetTurns {
		return fmt.Sprintf("turn budget exhausted after %d turns", e.Turns)
	}
	return fmt.Sprintf("time budget exhausted after %s", e.Elapsed.Round(time.Millisecond))
}

// FatalEngineError reports a failure the loop cannot continue from.
// The job is marked failed.
type FatalEngineError struct {
	Reason string
	Err    error
}

func (e *FatalEngineError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *FatalEngineError) Unwrap() error { return e.Err }
