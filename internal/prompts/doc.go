// Package prompts contains the LLM prompt text used by the insight engine.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation, are compiled in, and can be
// validated by tests. Each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the final string.
package prompts
