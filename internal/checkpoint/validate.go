package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nugget/bmsinsight/internal/llm"
)

// ValidationError reports a malformed checkpoint. Callers recover by
// discarding the checkpoint and starting fresh.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid checkpoint: %s: %s", e.Field, e.Reason)
}

// ParseVersion splits a "major.minor" version string.
func ParseVersion(v string) (major, minor int, err error) {
	maj, mnr, ok := strings.Cut(strings.TrimSpace(v), ".")
	if !ok {
		return 0, 0, fmt.Errorf("version %q is not major.minor", v)
	}
	if major, err = strconv.Atoi(maj); err != nil || major < 0 {
		return 0, 0, fmt.Errorf("version %q has a bad major component", v)
	}
	if minor, err = strconv.Atoi(mnr); err != nil || minor < 0 {
		return 0, 0, fmt.Errorf("version %q has a bad minor component", v)
	}
	return major, minor, nil
}

// checkShape verifies JSON types before decoding into State, so that a
// history that is not an array or a fractional counter is reported
// precisely rather than as a generic decode failure.
func checkShape(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return &ValidationError{Field: "checkpoint", Reason: "not a JSON object"}
	}

	hist, ok := raw["conversationHistory"]
	if !ok {
		return &ValidationError{Field: "conversationHistory", Reason: "missing"}
	}
	if h := bytes.TrimSpace(hist); len(h) == 0 || h[0] != '[' {
		return &ValidationError{Field: "conversationHistory", Reason: "must be an array"}
	}

	for _, field := range []string{"turnCount", "toolCallCount"} {
		v, ok := raw[field]
		if !ok {
			return &ValidationError{Field: field, Reason: "missing"}
		}
		var n float64
		if err := json.Unmarshal(v, &n); err != nil {
			return &ValidationError{Field: field, Reason: "must be a number"}
		}
		if n < 0 || n != math.Trunc(n) || n > math.MaxInt32 {
			return &ValidationError{Field: field, Reason: "must be a non-negative integer"}
		}
	}
	return nil
}

// validate checks a decoded state. A parseable version that differs
// from SchemaVersion is accepted and described in warn.
func validate(st *State) (warn string, err error) {
	if st.ConversationHistory == nil {
		return "", &ValidationError{Field: "conversationHistory", Reason: "missing"}
	}
	if st.TurnCount < 0 {
		return "", &ValidationError{Field: "turnCount", Reason: "negative"}
	}
	if st.ToolCallCount < 0 {
		return "", &ValidationError{Field: "toolCallCount", Reason: "negative"}
	}
	if st.InitRetries < 0 {
		return "", &ValidationError{Field: "initRetries", Reason: "negative"}
	}

	major, minor, verr := ParseVersion(st.Version)
	if verr != nil {
		return "", &ValidationError{Field: "version", Reason: verr.Error()}
	}
	if st.Version != SchemaVersion {
		wantMajor, wantMinor, _ := ParseVersion(SchemaVersion)
		warn = fmt.Sprintf("checkpoint %d.%d, engine %d.%d", major, minor, wantMajor, wantMinor)
	}

	lastTurn := -1
	for i, ex := range st.ConversationHistory {
		field := fmt.Sprintf("conversationHistory[%d]", i)
		switch ex.Kind {
		case KindSetup, KindGuidance, KindMarker:
		case KindModel:
			if ex.Turn <= lastTurn {
				return "", &ValidationError{Field: field, Reason: fmt.Sprintf("turn %d out of order after %d", ex.Turn, lastTurn)}
			}
			lastTurn = ex.Turn
			if err := checkPairing(ex.Messages); err != nil {
				return "", &ValidationError{Field: field, Reason: err.Error()}
			}
		default:
			return "", &ValidationError{Field: field, Reason: fmt.Sprintf("unknown kind %q", ex.Kind)}
		}
		if len(ex.Messages) == 0 {
			return "", &ValidationError{Field: field, Reason: "no messages"}
		}
	}
	if lastTurn > st.TurnCount {
		return "", &ValidationError{Field: "turnCount", Reason: fmt.Sprintf("%d is behind recorded turn %d", st.TurnCount, lastTurn)}
	}
	return warn, nil
}

// checkPairing verifies that every tool call in a model exchange has
// exactly one matching tool result.
func checkPairing(msgs []llm.Message) error {
	if len(msgs) == 0 || msgs[0].Role != llm.RoleAssistant {
		return fmt.Errorf("model exchange must start with an assistant message")
	}
	calls := msgs[0].ToolCalls
	results := msgs[1:]
	if len(results) != len(calls) {
		return fmt.Errorf("%d tool calls but %d results", len(calls), len(results))
	}
	for i, res := range results {
		if res.Role != llm.RoleTool || res.ToolCallID != calls[i].ID {
			return fmt.Errorf("tool result %d does not answer call %q", i, calls[i].ID)
		}
	}
	return nil
}
