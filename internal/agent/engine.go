// Package agent implements the resumable insight loop: a ReAct state
// machine that alternates model turns and tool dispatch under a
// wall-clock budget, checkpointing to the job store so that work
// survives the end of an invocation.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/bmsinsight/internal/checkpoint"
	"github.com/nugget/bmsinsight/internal/config"
	"github.com/nugget/bmsinsight/internal/jobs"
	"github.com/nugget/bmsinsight/internal/llm"
	"github.com/nugget/bmsinsight/internal/metrics"
	"github.com/nugget/bmsinsight/internal/progress"
	"github.com/nugget/bmsinsight/internal/tools"
)

// ToolRunner is the engine's view of the tool registry.
type ToolRunner interface {
	Execute(ctx context.Context, name string, args map[string]any) tools.Result
	IsDataRetrieval(name string) bool
	Definitions() []map[string]any
}

// ContextRequest describes the initial context to assemble for a
// fresh run.
type ContextRequest struct {
	SystemID   string
	Question   string
	WindowDays int
	Now        time.Time
}

// Seed is the opening of a conversation: the system prompt and first
// user message, plus the digest they were built from.
type Seed struct {
	Messages []llm.Message
	Summary  map[string]any
}

// ContextBuilder assembles the initial context of a fresh run.
type ContextBuilder interface {
	Build(ctx context.Context, req ContextRequest) (*Seed, error)
}

// Renderer converts final Markdown into HTML.
type Renderer interface {
	Render(markdown string) (string, error)
}

// Config tunes the engine. Zero values are replaced by the defaults
// used in config.Default.
type Config struct {
	Timeout            time.Duration
	SoftBudgetRatio    float64
	MaxTurnsDefault    int
	MaxTurnsCustom     int
	MaxTurnsLimit      int
	MaxInitRetries     int
	ModelRetries       int
	RetryBackoff       time.Duration
	CheckpointEvery    int
	ContextTokenBudget int
	DefaultContextDays int
	LeaseTTL           time.Duration
	DefaultModel       string
}

// ConfigFrom maps the engine section of the service configuration.
func ConfigFrom(c config.EngineConfig, defaultModel string) Config {
	return Config{
		Timeout:            c.Timeout(),
		SoftBudgetRatio:    c.SoftBudgetRatio,
		MaxTurnsDefault:    c.MaxTurnsDefault,
		MaxTurnsCustom:     c.MaxTurnsCustom,
		MaxTurnsLimit:      c.MaxTurnsLimit,
		MaxInitRetries:     c.MaxInitRetries,
		ModelRetries:       c.ModelRetries,
		RetryBackoff:       time.Second,
		CheckpointEvery:    c.CheckpointEvery,
		ContextTokenBudget: c.ContextTokenBudget,
		DefaultContextDays: c.DefaultContextDays,
		LeaseTTL:           c.LeaseTTL(),
		DefaultModel:       defaultModel,
	}
}

func (c *Config) applyDefaults() {
	def := ConfigFrom(config.Default().Engine, c.DefaultModel)
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.SoftBudgetRatio <= 0 || c.SoftBudgetRatio > 1 {
		c.SoftBudgetRatio = def.SoftBudgetRatio
	}
	if c.MaxTurnsDefault <= 0 {
		c.MaxTurnsDefault = def.MaxTurnsDefault
	}
	if c.MaxTurnsCustom <= 0 {
		c.MaxTurnsCustom = def.MaxTurnsCustom
	}
	if c.MaxTurnsLimit <= 0 {
		c.MaxTurnsLimit = def.MaxTurnsLimit
	}
	if c.MaxInitRetries <= 0 {
		c.MaxInitRetries = def.MaxInitRetries
	}
	if c.ModelRetries < 0 {
		c.ModelRetries = 0
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = def.CheckpointEvery
	}
	if c.ContextTokenBudget <= 0 {
		c.ContextTokenBudget = def.ContextTokenBudget
	}
	if c.DefaultContextDays <= 0 {
		c.DefaultContextDays = def.DefaultContextDays
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = c.Timeout + 30*time.Second
	}
}

// SoftBudget is the share of the hard timeout after which a run
// checkpoints and yields.
func (c Config) SoftBudget() time.Duration {
	return time.Duration(float64(c.Timeout) * c.SoftBudgetRatio)
}

// maxTurns resolves the per-invocation turn ceiling for a job.
func (c Config) maxTurns(requested int, custom bool) int {
	n := c.MaxTurnsDefault
	if custom {
		n = c.MaxTurnsCustom
	}
	if requested > 0 {
		n = requested
	}
	return min(n, c.MaxTurnsLimit)
}

// Deps are the engine's collaborators.
type Deps struct {
	LLM         llm.Client
	Tools       ToolRunner
	Jobs        jobs.Store
	Context     ContextBuilder
	Checkpoints *checkpoint.Manager
	Renderer    Renderer           // optional
	Sinks       []progress.Sink    // optional live observers
	Metrics     *metrics.Collector // optional
	Logger      *slog.Logger
}

// Engine runs insight jobs. It holds no per-job state; concurrent Run
// calls on distinct jobs are safe.
type Engine struct {
	cfg  Config
	deps Deps
	id   string
	now  func() time.Time

	// sleep waits between model retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an engine.
func NewEngine(cfg Config, deps Deps) *Engine {
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints = checkpoint.NewManager(checkpoint.DefaultConfig(), deps.Logger)
	}
	return &Engine{
		cfg:   cfg,
		deps:  deps,
		id:    jobs.NewID()[:13],
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Create records a queued job for a fresh request without running it.
func (e *Engine) Create(ctx context.Context, req Request) (*jobs.Job, error) {
	req.Normalize()
	if req.Mode != ModeFresh {
		return nil, fmt.Errorf("%w: only fresh requests create jobs", ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	days := req.ContextWindowDays
	if days == 0 {
		days = e.cfg.DefaultContextDays
	}
	job := &jobs.Job{
		SystemID:          req.SystemID,
		CustomPrompt:      req.CustomPrompt,
		ContextWindowDays: days,
		MaxIterations:     e.cfg.maxTurns(req.MaxIterations, req.CustomPrompt != ""),
		ModelOverride:     req.Model,
	}
	if err := e.deps.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Run executes one invocation of a job: a fresh request creates the
// job first, a resume request continues an existing one. The returned
// error is reserved for request-level rejections (invalid request,
// unknown, busy or finished job), none of which modify the job.
func (e *Engine) Run(ctx context.Context, req Request) (*Outcome, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := req.ResumeJobID
	if req.Mode == ModeFresh {
		job, err := e.Create(ctx, req)
		if err != nil {
			return nil, err
		}
		id = job.ID
	}

	owner := e.id + "/" + uuid.NewString()[:8]
	job, err := e.deps.Jobs.Acquire(ctx, id, owner, e.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire job %s: %w", id, err)
	}

	r := &run{
		e:      e,
		job:    job,
		owner:  owner,
		start:  e.now(),
		maxRun: job.MaxIterations,
		log:    e.deps.Logger.With("component", "engine", "job_id", job.ID),
	}
	if r.maxRun <= 0 {
		r.maxRun = e.cfg.maxTurns(0, job.CustomPrompt != "")
	}
	r.rep = progress.NewReporter(e.deps.Jobs, job.ID, r.log, e.deps.Sinks...)
	if err := r.rep.Resume(ctx); err != nil {
		r.log.Warn("could not load progress log", "error", err)
	}

	finish := e.deps.Metrics.RunStarted()
	out := r.execute(ctx)
	finish(string(out.Kind))

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.deps.Jobs.Release(releaseCtx, job.ID, owner); err != nil && !errors.Is(err, jobs.ErrLeaseLost) {
		r.log.Warn("job lease release failed", "error", err)
	}
	return out, nil
}
