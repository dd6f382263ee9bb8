package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope is what ParseToolEnvelope recovers from a text response.
// Exactly one of Calls or FinalAnswer is set.
type Envelope struct {
	Calls       []ToolCall
	FinalAnswer string
}

type envelopeCall struct {
	ToolCall   string         `json:"tool_call"`
	Parameters map[string]any `json:"parameters"`
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"`
}

func (e envelopeCall) toolCall(i int) (ToolCall, bool) {
	name, args := e.ToolCall, e.Parameters
	if name == "" {
		name, args = e.Name, e.Arguments
	}
	if name == "" {
		return ToolCall{}, false
	}
	if args == nil {
		args = map[string]any{}
	}
	return ToolCall{
		ID:       fmt.Sprintf("text_%d", i),
		Function: FunctionCall{Name: name, Arguments: args},
	}, true
}

// ParseToolEnvelope extracts tool calls that a model wrote as text
// rather than through native tool calling. Recognized forms:
//
//	{"tool_call": "name", "parameters": {...}}
//	{"name": "name", "arguments": {...}}
//	[ ...either of the above... ]
//	<tool_call>...</tool_call> wrapping any of the above
//	```json fenced blocks wrapping any of the above
//	{"final_answer": "text"}
//
// It returns nil when content is ordinary prose.
func ParseToolEnvelope(content string) *Envelope {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}
	content = stripFence(content)

	if !strings.HasPrefix(content, "{") && !strings.HasPrefix(content, "[") {
		return nil
	}

	var many []envelopeCall
	if err := json.Unmarshal([]byte(content), &many); err == nil && len(many) > 0 {
		var calls []ToolCall
		for i, c := range many {
			if tc, ok := c.toolCall(i); ok {
				calls = append(calls, tc)
			}
		}
		if len(calls) == 0 {
			return nil
		}
		return &Envelope{Calls: calls}
	}

	var single struct {
		envelopeCall
		FinalAnswer *string `json:"final_answer"`
	}
	if err := json.Unmarshal([]byte(content), &single); err != nil {
		return nil
	}
	if tc, ok := single.toolCall(0); ok {
		return &Envelope{Calls: []ToolCall{tc}}
	}
	if single.FinalAnswer != nil && strings.TrimSpace(*single.FinalAnswer) != "" {
		return &Envelope{FinalAnswer: strings.TrimSpace(*single.FinalAnswer)}
	}
	return nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl != -1 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
