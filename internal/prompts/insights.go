package prompts

import (
	"fmt"
	"strings"
)

// ContextParams carries the dynamic parts of the opening user message.
type ContextParams struct {
	SystemID   string
	SystemJSON string // system profile
	DigestJSON string // compact.Summary of the context window
	WindowDays int
	Question   string // custom question, empty for the default report
}

// InitialContext builds the first user message of a fresh run.
func InitialContext(p ContextParams) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Battery System\nsystem_id: %s\n```json\n%s\n```\n\n", p.SystemID, p.SystemJSON)
	fmt.Fprintf(&sb, "## Digest of the last %d days\n", p.WindowDays)
	if p.DigestJSON == "" {
		sb.WriteString("No readings were recorded in this window.\n\n")
	} else {
		fmt.Fprintf(&sb, "```json\n%s\n```\n\n", p.DigestJSON)
	}
	if q := strings.TrimSpace(p.Question); q != "" {
		fmt.Fprintf(&sb, "## Question\n%s\n", q)
	} else {
		sb.WriteString("Start by retrieving the detailed history with request_bms_data, then write the insight report.\n")
	}
	return sb.String()
}
