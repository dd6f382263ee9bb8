package agent

import (
	"regexp"
	"strings"

	"github.com/nugget/bmsinsight/internal/prompts"
)

// Concern aliases prompts.Concern so callers of ClassifyStruggle need
// not import prompts.
type Concern = prompts.Concern

var struggleRules = []struct {
	concern Concern
	re      *regexp.Regexp
}{
	{prompts.ConcernNoToolAccess, regexp.MustCompile(`(?i)\b(?:(?:can ?not|can't|unable to|don't|do not) (?:have access to|access|call|use|run) (?:any |the )?(?:tools?|functions?)|no (?:access to )?tools)\b`)},
	{prompts.ConcernToolFormat, regexp.MustCompile(`(?i)"tool_call"|"parameters"\s*:|\brequest_bms_data\s*\(|<tool_call>`)},
	{prompts.ConcernInsufficientData, regexp.MustCompile(`(?i)\b(?:insufficient|not enough|limited|no|missing|sparse|more) (?:historical |telemetry |detailed )?(?:data|history|readings|information)\b|\bonly (?:have|has|see) (?:a |one |the )?(?:summary|digest|snapshot|few)\b`)},
	{prompts.ConcernTimeRange, regexp.MustCompile(`(?i)\b(?:which|what|specify|specific) (?:time ?(?:range|frame|period)|date range|period|dates?)\b|\btime ?frame\b`)},
	{prompts.ConcernClarification, regexp.MustCompile(`(?i)\b(?:could|can|would) you (?:please )?(?:provide|share|clarify|tell|let me know|specify)\b|\bplease (?:provide|clarify|share|specify)\b|\bdo you want\b`)},
	{prompts.ConcernPrematureAnswer, regexp.MustCompile(`(?im)^#+\s|\b(?:in summary|overall|recommendations?|in conclusion)\b`)},
}

// ClassifyStruggle maps model prose that arrived before any data was
// retrieved to the concerns that best explain it, in rule order. It is
// a pure function of text.
func ClassifyStruggle(text string) []Concern {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []Concern
	for _, r := range struggleRules {
		if r.re.MatchString(text) {
			out = append(out, r.concern)
		}
	}
	return out
}
