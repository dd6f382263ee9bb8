// Package checkpoint captures, compresses, encodes and restores the
// state of an insight loop so a job can resume in a later invocation.
package checkpoint

import (
	"time"

	"github.com/nugget/bmsinsight/internal/llm"
)

// SchemaVersion is the checkpoint format this build writes.
const SchemaVersion = "1.0"

// Trigger describes what caused a checkpoint to be created.
type Trigger string

const (
	TriggerPeriodic  Trigger = "periodic"   // Every N turns
	TriggerBudget    Trigger = "budget"     // Soft time budget reached
	TriggerTurnLimit Trigger = "turn_limit" // Invocation turn ceiling reached
)

// Kind classifies an Exchange.
type Kind string

const (
	KindSetup    Kind = "setup"    // system prompt and initial context
	KindModel    Kind = "model"    // one model turn plus its tool results
	KindGuidance Kind = "guidance" // corrective prompt after a premature answer
	KindMarker   Kind = "marker"   // stands in for compressed exchanges
)

// Exchange is the persisted record of one turn. A model exchange holds
// the assistant message followed by exactly one tool message per tool
// call, so dropping whole exchanges never orphans a tool result.
type Exchange struct {
	Turn     int           `json:"turn"`
	Kind     Kind          `json:"kind"`
	Messages []llm.Message `json:"messages"`
	At       time.Time     `json:"at"`
	Omitted  int           `json:"omitted,omitempty"` // marker only
}

// State is the serialized snapshot stored on a job.
type State struct {
	ConversationHistory []Exchange     `json:"conversationHistory"`
	TurnCount           int            `json:"turnCount"`
	ToolCallCount       int            `json:"toolCallCount"`
	ContextSummary      map[string]any `json:"contextSummary,omitempty"`
	CheckpointedAt      time.Time      `json:"checkpointedAt"`
	ElapsedMs           int64          `json:"elapsedMs"`
	Version             string         `json:"version"`
	Trigger             Trigger        `json:"trigger,omitempty"`

	// Loop bookkeeping needed to continue where the last run stopped.
	Mode              string `json:"mode"`
	SystemID          string `json:"systemId,omitempty"`
	CustomPrompt      string `json:"customPrompt,omitempty"`
	InitRetries       int    `json:"initRetries"`
	DataToolSucceeded bool   `json:"dataToolSucceeded"`
	LastText          string `json:"lastText,omitempty"`
}

// LoopState is the in-memory state threaded through the engine's
// state machine.
type LoopState struct {
	History        []Exchange
	TurnCount      int
	ToolCallCount  int
	ContextSummary map[string]any

	// Elapsed is the time spent across all previous invocations.
	Elapsed time.Duration

	Mode              string
	SystemID          string
	CustomPrompt      string
	InitRetries       int
	DataToolSucceeded bool

	// LastText is the most recent assistant prose, reported as partial
	// insights when the job yields.
	LastText string
}

// Append adds an exchange to the history.
func (s *LoopState) Append(ex Exchange) {
	s.History = append(s.History, ex)
}

// Messages flattens the history into the message list sent to the
// model.
func (s *LoopState) Messages() []llm.Message {
	n := 0
	for _, ex := range s.History {
		n += len(ex.Messages)
	}
	out := make([]llm.Message, 0, n)
	for _, ex := range s.History {
		out = append(out, ex.Messages...)
	}
	return out
}

// ModelTurns counts model exchanges still present in the history.
func (s *LoopState) ModelTurns() int {
	n := 0
	for _, ex := range s.History {
		if ex.Kind == KindModel {
			n++
		}
	}
	return n
}
