// Bmsinsight generates AI insights from battery management system
// telemetry.
//
// It exposes an HTTP API for seeding telemetry and requesting insight
// jobs, and a CLI for one-shot runs. Insight runs are resumable: a run
// that reaches its time budget checkpoints and can be continued by a
// later invocation. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	bmsinsight serve                          Start the API server
//	bmsinsight init [dir]                     Initialize a working directory with defaults
//	bmsinsight generate [flags] <system> [q]  Run an insight job from the command line
//	bmsinsight status <job>                   Show a job's status and progress
//	bmsinsight ingest <system> <file.json>    Import readings for a system
//	bmsinsight version                        Print version and build information
//	bmsinsight -o json version                Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/bmsinsight/internal/api"
	"github.com/nugget/bmsinsight/internal/buildinfo"
	"github.com/nugget/bmsinsight/internal/config"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], keeping os.Exit and os.Args out of
// the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the bmsinsight command. Structured
// logs go to stdout; fatal error messages are returned to main. args
// is os.Args[1:], parsed by hand rather than with the flag package to
// avoid global state that interferes with parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			// Everything after the command belongs to it.
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "generate":
		opts, err := parseGenerateArgs(cmdArgs)
		if err != nil {
			return err
		}
		return runGenerate(ctx, stdout, stderr, configPath, outputFmt, opts)
	case "status":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: bmsinsight status <job-id>")
		}
		return runStatus(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0])
	case "ingest":
		if len(cmdArgs) != 2 {
			return fmt.Errorf("usage: bmsinsight ingest <system-id> <readings.json>")
		}
		return runIngest(ctx, stdout, stderr, configPath, cmdArgs[0], cmdArgs[1])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.RuntimeInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "bmsinsight - battery telemetry insights")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: bmsinsight [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Start the API server")
	fmt.Fprintln(w, "  init [dir]                   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  generate [flags] <system> [question]")
	fmt.Fprintln(w, "                               Run an insight job")
	fmt.Fprintln(w, "      -follow                  Resume automatically until the job finishes")
	fmt.Fprintln(w, "      -resume <job>            Continue an existing job")
	fmt.Fprintln(w, "      -days <n>                Context window in days")
	fmt.Fprintln(w, "      -max-turns <n>           Turn ceiling per invocation")
	fmt.Fprintln(w, "      -model <name>            Model override")
	fmt.Fprintln(w, "  status <job>                 Show job status and progress")
	fmt.Fprintln(w, "  ingest <system> <file.json>  Import readings for a system")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/bmsinsight/config.yaml, /etc/bmsinsight/config.yaml")
	return nil
}

// runServe handles the "bmsinsight serve" subcommand. It loads config,
// opens the stores, starts the API server and optional MQTT mirror,
// and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests; synchronous runs see
//     their request context end and checkpoint
//  3. Background jobs checkpoint at their next turn boundary
//  4. Stores are closed
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(stdout)
	if err != nil {
		return err
	}
	logger.Info("starting bmsinsight", "version", buildinfo.Version, "config", cfgPath)

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := a.llm.Ping(pingCtx); err != nil {
		logger.Warn("model provider unreachable; insight jobs will fail until it recovers", "error", err)
	}
	cancelPing()

	var wg sync.WaitGroup
	defer func() {
		stop()
		wg.Wait()
	}()

	if a.mqtt != nil {
		pub := a.mqtt
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
				return
			}
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := pub.Stop(stopCtx); err != nil {
				logger.Debug("mqtt disconnect", "error", err)
			}
		}()
	}

	if a.prunable {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.service.PruneLoop(ctx, time.Hour, cfg.Jobs.Retention())
		}()
	}

	srv := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.service, a.history, logger.With("component", "api"))
	srv.SetBus(a.bus)
	srv.SetTimeout(cfg.Engine.Timeout())
	if a.metrics != nil {
		srv.SetMetrics(a.metrics.Handler())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", "error", err)
	}
	a.service.Close()
	return nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
