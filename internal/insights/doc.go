// Package insights wires the insight engine to its collaborators. It
// assembles the opening context of a run from the telemetry history,
// renders final reports to HTML and runs jobs synchronously or in the
// background.
package insights
