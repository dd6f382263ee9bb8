package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nugget/bmsinsight/internal/agent"
	"github.com/nugget/bmsinsight/internal/history"
	"github.com/nugget/bmsinsight/internal/jobs"
)

// generateOptions are the parsed arguments of "bmsinsight generate".
type generateOptions struct {
	req    agent.Request
	follow bool
}

// parseGenerateArgs parses "generate [flags] <system> [question...]".
// With -resume the system ID may be omitted.
func parseGenerateArgs(args []string) (generateOptions, error) {
	var opts generateOptions
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.BoolVar(&opts.follow, "follow", false, "resume until the job finishes")
	fs.StringVar(&opts.req.ResumeJobID, "resume", "", "job to continue")
	fs.IntVar(&opts.req.ContextWindowDays, "days", 0, "context window in days")
	fs.IntVar(&opts.req.MaxIterations, "max-turns", 0, "turn ceiling per invocation")
	fs.StringVar(&opts.req.Model, "model", "", "model override")
	if err := fs.Parse(args); err != nil {
		return opts, fmt.Errorf("generate: %w", err)
	}

	rest := fs.Args()
	if len(rest) > 0 {
		opts.req.SystemID = rest[0]
		opts.req.CustomPrompt = strings.Join(rest[1:], " ")
	}
	if opts.req.SystemID == "" && opts.req.ResumeJobID == "" {
		return opts, errors.New("usage: bmsinsight generate [flags] <system-id> [question]")
	}
	opts.req.Normalize()
	return opts, nil
}

// runGenerate runs one insight invocation, or with -follow keeps
// resuming until the job completes or fails.
func runGenerate(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, opts generateOptions) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(stderr)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	var out *agent.Outcome
	if opts.follow {
		out, err = a.service.Follow(ctx, opts.req, func(o *agent.Outcome) {
			fmt.Fprintf(stderr, "job %s yielded after %d turns, resuming\n", o.JobID, o.Turns)
		})
	} else {
		out, err = a.service.Generate(ctx, opts.req)
	}
	if err != nil {
		return err
	}
	if err := printOutcome(stdout, outputFmt, out); err != nil {
		return err
	}
	if out.Kind == agent.OutcomeFailed {
		return fmt.Errorf("job %s failed: %s", out.JobID, out.Reason)
	}
	return nil
}

func printOutcome(w io.Writer, outputFmt string, out *agent.Outcome) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintf(w, "job:      %s\n", out.JobID)
	fmt.Fprintf(w, "outcome:  %s\n", out.Kind)
	fmt.Fprintf(w, "turns:    %d (%d tool calls, %s)\n", out.Turns, out.ToolCalls, out.Duration.Round(time.Millisecond))
	switch out.Kind {
	case agent.OutcomeCompleted:
		fmt.Fprintf(w, "\n%s\n", out.FinalText)
	case agent.OutcomeTimedOut:
		fmt.Fprintf(w, "\nBudget reached; continue with: bmsinsight generate -resume %s\n", out.JobID)
		if out.Partial != "" {
			fmt.Fprintf(w, "\nPartial insights:\n%s\n", out.Partial)
		}
	}
	return nil
}

// runStatus prints a job's state and its progress log.
func runStatus(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, id string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(stderr)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	view, err := a.service.Status(ctx, id)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	fmt.Fprintf(stdout, "job:      %s\n", view.JobID)
	fmt.Fprintf(stdout, "system:   %s\n", view.SystemID)
	fmt.Fprintf(stdout, "status:   %s\n", view.Status)
	fmt.Fprintf(stdout, "resumes:  %d\n", view.ResumeCount)
	fmt.Fprintf(stdout, "updated:  %s\n", view.UpdatedAt.Format(time.RFC3339))
	if view.Error != "" {
		fmt.Fprintf(stdout, "error:    %s\n", view.Error)
	}
	if len(view.Progress) > 0 {
		fmt.Fprintln(stdout, "\nprogress:")
		for i, ev := range view.Progress {
			fmt.Fprintf(stdout, "  %4d  %s  %-12s %s\n", i+1, ev.Timestamp.Format(time.TimeOnly), ev.Type, eventSummary(ev))
		}
	}
	switch {
	case view.FinalInsights != nil:
		fmt.Fprintf(stdout, "\n%s\n", view.FinalInsights.Insights)
	case view.PartialInsights != "":
		fmt.Fprintf(stdout, "\npartial:\n%s\n", view.PartialInsights)
	}
	return nil
}

func eventSummary(ev jobs.ProgressEvent) string {
	for _, k := range []string{"message", "tool", "status", "error"} {
		if v, ok := ev.Data[k]; ok {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// runIngest imports readings from a JSON file holding either an array
// of readings or an object with a "readings" array.
func runIngest(ctx context.Context, stdout, stderr io.Writer, configPath, systemID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read readings: %w", err)
	}
	readings, err := decodeReadings(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(stderr)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.history.AddReadings(ctx, systemID, readings)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "imported %d of %d readings for %s\n", n, len(readings), systemID)
	return nil
}

func decodeReadings(data []byte) ([]history.Reading, error) {
	var list []history.Reading
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Readings []history.Reading `json:"readings"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Readings, nil
}
