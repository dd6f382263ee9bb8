package prompts

import (
	"fmt"
	"strings"
)

// Concern tags a way in which the model failed to start the analysis.
type Concern string

const (
	// ConcernInsufficientData: the model claims there is not enough data.
	ConcernInsufficientData Concern = "insufficient_data"
	// ConcernNoToolAccess: the model believes it cannot call tools.
	ConcernNoToolAccess Concern = "no_tool_access"
	// ConcernToolFormat: the model tried to call a tool but the call
	// could not be parsed.
	ConcernToolFormat Concern = "tool_format"
	// ConcernTimeRange: the model is unsure which period to look at.
	ConcernTimeRange Concern = "time_range"
	// ConcernClarification: the model asked the user a question.
	ConcernClarification Concern = "clarification"
	// ConcernPrematureAnswer: the model answered from the digest alone.
	ConcernPrematureAnswer Concern = "premature_answer"
)

var concernHints = map[Concern]string{
	ConcernInsufficientData: "The digest is only a summary. The full history is available through request_bms_data; call it instead of concluding that data is missing.",
	ConcernNoToolAccess:     "You do have tools. If native tool calls are not available, reply with only the JSON object shown below and it will be executed.",
	ConcernToolFormat:       "Your tool call could not be parsed. Reply with ONLY the JSON object, no surrounding prose or explanation, exactly in the form shown below.",
	ConcernTimeRange:        "Omit time_range_start and time_range_end to use the full context window, or pass ISO dates such as 2026-01-31.",
	ConcernClarification:    "Nobody will answer questions during this analysis. Make a reasonable choice and retrieve the data yourself.",
	ConcernPrematureAnswer:  "Your answer was based on the digest only. Retrieve the detailed history before writing the report.",
}

// concernOrder fixes the order hints appear in.
var concernOrder = []Concern{
	ConcernNoToolAccess, ConcernToolFormat, ConcernInsufficientData,
	ConcernTimeRange, ConcernClarification, ConcernPrematureAnswer,
}

// RetryGuidance builds the corrective message sent when the model
// answers before any data retrieval succeeded. attempt is 1-based.
func RetryGuidance(concerns []Concern, systemID string, windowDays, attempt int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You must retrieve data before answering (attempt %d).\n", attempt)

	seen := make(map[Concern]bool, len(concerns))
	for _, c := range concerns {
		seen[c] = true
	}
	if len(seen) == 0 {
		seen[ConcernPrematureAnswer] = true
	}
	for _, c := range concernOrder {
		if seen[c] {
			fmt.Fprintf(&sb, "- %s\n", concernHints[c])
		}
	}

	granularity := "hourly_avg"
	if windowDays > 14 {
		granularity = "daily_avg"
	}
	fmt.Fprintf(&sb, "\nCall this now:\n{\"tool_call\": \"request_bms_data\", \"parameters\": {\"system_id\": %q, \"metric\": \"all\", \"granularity\": %q}}\n",
		systemID, granularity)
	return sb.String()
}
