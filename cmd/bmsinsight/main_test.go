package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/bmsinsight/examples"
	"github.com/nugget/bmsinsight/internal/agent"
)

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	if !strings.Contains(out.String(), "go_version:") {
		t.Errorf("version output missing go_version:\n%s", out.String())
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, out.String())
	}
	if info["version"] == "" {
		t.Error("version field is empty")
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run %v: %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: bmsinsight") {
			t.Errorf("run %v: usage not printed", args)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x", "version"}, "unknown flag"},
		{"bad output", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"status without id", []string{"status"}, "usage"},
		{"ingest without file", []string{"ingest", "sys1"}, "usage"},
		{"generate without system", []string{"generate"}, "usage"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "status", "j1"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "db"))
	if err != nil || !info.IsDir() {
		t.Fatalf("db directory not created: %v", err)
	}

	cfgInfo, err := os.Stat(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := cfgInfo.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}

	// The written example must load as a valid configuration.
	cfg, _, err := loadConfig(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Listen.Port != 8080 || cfg.Jobs.Backend != "sqlite" {
		t.Errorf("unexpected example config: port=%d backend=%q", cfg.Listen.Port, cfg.Jobs.Backend)
	}
}

func TestRunInit_PreservesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("listen:\n  port: 9000\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(got, examples.ConfigYAML) {
		t.Error("runInit overwrote an existing config.yaml")
	}
}

func TestParseGenerateArgs(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		want   agent.Request
		follow bool
	}{
		{
			name: "system only",
			args: []string{"sys1"},
			want: agent.Request{Mode: agent.ModeFresh, SystemID: "sys1"},
		},
		{
			name: "question joined",
			args: []string{"-days", "7", "sys1", "why", "so", "low?"},
			want: agent.Request{Mode: agent.ModeFresh, SystemID: "sys1", CustomPrompt: "why so low?", ContextWindowDays: 7},
		},
		{
			name:   "resume and follow",
			args:   []string{"-follow", "-resume", "job-1"},
			want:   agent.Request{Mode: agent.ModeResume, ResumeJobID: "job-1"},
			follow: true,
		},
		{
			name: "model and turns",
			args: []string{"-model", "claude", "-max-turns", "12", "sys2"},
			want: agent.Request{Mode: agent.ModeFresh, SystemID: "sys2", Model: "claude", MaxIterations: 12},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := parseGenerateArgs(tt.args)
			if err != nil {
				t.Fatalf("parseGenerateArgs: %v", err)
			}
			if opts.req != tt.want {
				t.Errorf("req = %+v, want %+v", opts.req, tt.want)
			}
			if opts.follow != tt.follow {
				t.Errorf("follow = %v, want %v", opts.follow, tt.follow)
			}
		})
	}

	if _, err := parseGenerateArgs([]string{"-bogus", "sys1"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestDecodeReadings(t *testing.T) {
	list := `[{"timestamp":"2026-01-01T00:00:00Z","metrics":{"soc":80}}]`
	wrapped := `{"readings":[{"timestamp":"2026-01-01T00:00:00Z","metrics":{"soc":80}},{"timestamp":"2026-01-01T01:00:00Z","metrics":{"soc":78}}]}`

	got, err := decodeReadings([]byte(list))
	if err != nil || len(got) != 1 || got[0].Metrics["soc"] != 80 {
		t.Errorf("array form: got %+v, err %v", got, err)
	}
	got, err = decodeReadings([]byte(wrapped))
	if err != nil || len(got) != 2 {
		t.Errorf("wrapped form: got %+v, err %v", got, err)
	}
	if _, err := decodeReadings([]byte("not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestPrintOutcome(t *testing.T) {
	var buf bytes.Buffer
	out := &agent.Outcome{Kind: agent.OutcomeTimedOut, JobID: "job-9", Turns: 3, Partial: "SOC trending down"}
	if err := printOutcome(&buf, "text", out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"job-9", "timed_out", "-resume job-9", "SOC trending down"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}
}
