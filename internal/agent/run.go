package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/bmsinsight/internal/checkpoint"
	"github.com/nugget/bmsinsight/internal/compact"
	"github.com/nugget/bmsinsight/internal/jobs"
	"github.com/nugget/bmsinsight/internal/llm"
	"github.com/nugget/bmsinsight/internal/progress"
	"github.com/nugget/bmsinsight/internal/prompts"
	"github.com/nugget/bmsinsight/internal/tools"
)

// State names the engine's position in the loop. It is used for
// logging; control flow lives in run.execute.
type State string

const (
	StateInit              State = "INIT"
	StateAwaitingModelTurn State = "AWAITING_MODEL_TURN"
	StateParsingResponse   State = "PARSING_RESPONSE"
	StateExecutingTools    State = "EXECUTING_TOOLS"
	StateRetryInit         State = "RETRY_INIT"
	StateCheckpointYield   State = "CHECKPOINT_AND_YIELD"
	StateComplete          State = "COMPLETE"
	StateFailed            State = "FAILED"
)

const (
	modeDefault = "default"
	modeCustom  = "custom"
)

// persistTimeout bounds job store writes made after the run context
// may already be past its deadline.
const persistTimeout = 10 * time.Second

// run is the state of one invocation.
type run struct {
	e     *Engine
	job   *jobs.Job
	owner string
	start time.Time
	rep   *progress.Reporter
	log   *slog.Logger

	ls      *checkpoint.LoopState
	resumed bool
	state   State

	maxRun    int // turn ceiling for this invocation
	turnsRun  int
	softLimit time.Time
}

func (r *run) setState(s State) {
	if r.state != s {
		r.log.Log(context.Background(), llm.LevelTrace, "engine state", "from", r.state, "to", s)
	}
	r.state = s
}

// elapsed is the wall time across all invocations of the job.
func (r *run) elapsed() time.Duration {
	return r.ls.Elapsed + r.e.now().Sub(r.start)
}

// persistCtx detaches from the run's deadline so that yield and
// finish can still write after the budget is spent.
func persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func (r *run) execute(ctx context.Context) *Outcome {
	r.setState(StateInit)
	if out := r.init(ctx); out != nil {
		return out
	}

	budget := r.e.cfg.SoftBudget()
	r.softLimit = r.start.Add(budget)
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	runCtx = tools.WithSystemID(tools.WithJobID(runCtx, r.job.ID), r.ls.SystemID)

	model := r.job.ModelOverride
	if model == "" {
		model = r.e.cfg.DefaultModel
	}
	defs := r.e.deps.Tools.Definitions()

	for {
		if !r.e.now().Before(r.softLimit) {
			return r.yield(ctx, checkpoint.TriggerBudget, &BudgetExceededError{Kind: BudgetTime, Turns: r.turnsRun, Elapsed: r.elapsed()})
		}
		if r.turnsRun >= r.maxRun {
			return r.yield(ctx, checkpoint.TriggerTurnLimit, &BudgetExceededError{Kind: BudgetTurns, Turns: r.turnsRun, Elapsed: r.elapsed()})
		}
		if runCtx.Err() != nil {
			// Hard deadline or caller cancellation.
			return r.yield(ctx, checkpoint.TriggerBudget, &BudgetExceededError{Kind: BudgetTime, Turns: r.turnsRun, Elapsed: r.elapsed()})
		}

		turn := r.ls.TurnCount + 1
		r.setState(StateAwaitingModelTurn)
		r.rep.Iteration(ctx, turn, r.ls.TurnCount-r.turnsRun+r.maxRun, r.elapsed())

		resp, err := r.callModel(runCtx, model, defs)
		if err != nil {
			if runCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
				return r.yield(ctx, checkpoint.TriggerBudget, &BudgetExceededError{Kind: BudgetTime, Turns: r.turnsRun, Elapsed: r.elapsed()})
			}
			return r.fail(ctx, &FatalEngineError{Reason: "model call failed", Err: err})
		}

		r.setState(StateParsingResponse)
		r.ls.TurnCount = turn
		r.turnsRun++
		r.e.deps.Metrics.Turn()

		calls, text := extractCalls(resp.Message)
		log := r.log.With("turn", turn)

		switch {
		case len(calls) > 0:
			r.setState(StateExecutingTools)
			if text != "" {
				r.ls.LastText = text
				r.rep.AIResponse(ctx, turn, text)
			}
			ex, executed := r.dispatch(runCtx, turn, calls, text)
			r.ls.Append(ex)
			r.ls.ToolCallCount += executed
			log.Debug("tools executed", "calls", len(calls), "executed", executed)

		case text == "":
			log.Warn("model returned an empty response, nudging")
			r.appendProse(turn, "", prompts.EmptyResponseNudge)

		case r.ls.Mode == modeCustom || r.ls.DataToolSucceeded:
			r.ls.Append(modelExchange(turn, r.e.now(), text))
			r.ls.LastText = text
			r.rep.AIResponse(ctx, turn, text)
			return r.complete(ctx, text)

		default:
			r.setState(StateRetryInit)
			r.ls.InitRetries++
			r.e.deps.Metrics.InitRetry()
			r.rep.AIResponse(ctx, turn, text)
			if r.ls.InitRetries > r.e.cfg.MaxInitRetries {
				return r.fail(ctx, &FatalEngineError{
					Reason: fmt.Sprintf("model did not retrieve data after %d attempts", r.e.cfg.MaxInitRetries),
				})
			}
			concerns := ClassifyStruggle(text)
			log.Info("answer before data retrieval, re-prompting",
				"attempt", r.ls.InitRetries, "concerns", concerns)
			r.ls.LastText = text
			r.appendProse(turn, text, prompts.RetryGuidance(concerns, r.ls.SystemID, r.job.ContextWindowDays, r.ls.InitRetries))
		}

		if r.ls.TurnCount%r.e.cfg.CheckpointEvery == 0 {
			if out := r.checkpoint(ctx, checkpoint.TriggerPeriodic); out != nil {
				return out
			}
		}
	}
}

// init restores a checkpoint or seeds a fresh context. A non-nil
// Outcome ends the run.
func (r *run) init(ctx context.Context) *Outcome {
	if len(r.job.Checkpoint) > 0 {
		ls, err := r.restore()
		if err == nil {
			r.ls = ls
			r.resumed = true
			r.log.Info("resuming from checkpoint",
				"turn", ls.TurnCount, "tool_calls", ls.ToolCallCount, "elapsed", ls.Elapsed)
			r.rep.Status(ctx, jobs.StatusProcessing, fmt.Sprintf("resumed at turn %d", ls.TurnCount))
			return nil
		}
		r.log.Warn("discarding invalid checkpoint, starting fresh", "error", err)
		r.e.deps.Metrics.CheckpointRejected()
		r.rep.Error(ctx, fmt.Errorf("checkpoint discarded: %w", err))
	}

	mode := modeDefault
	if r.job.CustomPrompt != "" {
		mode = modeCustom
	}
	seed, err := r.e.deps.Context.Build(ctx, ContextRequest{
		SystemID:   r.job.SystemID,
		Question:   r.job.CustomPrompt,
		WindowDays: r.job.ContextWindowDays,
		Now:        r.e.now(),
	})
	if err != nil {
		r.ls = &checkpoint.LoopState{SystemID: r.job.SystemID, Mode: mode}
		return r.fail(ctx, &FatalEngineError{Reason: "build initial context", Err: err})
	}
	r.ls = &checkpoint.LoopState{
		History: []checkpoint.Exchange{{
			Turn: 0, Kind: checkpoint.KindSetup, At: r.e.now(), Messages: seed.Messages,
		}},
		ContextSummary: seed.Summary,
		Mode:           mode,
		SystemID:       r.job.SystemID,
		CustomPrompt:   r.job.CustomPrompt,
	}
	r.log.Info("starting fresh run", "mode", mode, "max_turns", r.maxRun, "window_days", r.job.ContextWindowDays)
	r.rep.Status(ctx, jobs.StatusProcessing, "started")
	return nil
}

func (r *run) restore() (*checkpoint.LoopState, error) {
	mgr := r.e.deps.Checkpoints
	st, err := mgr.Decode(r.job.Checkpoint)
	if err != nil {
		return nil, err
	}
	ls, err := mgr.Restore(st)
	if err != nil {
		return nil, err
	}
	if ls.SystemID != r.job.SystemID {
		return nil, &checkpoint.ValidationError{Field: "systemId", Reason: fmt.Sprintf("%q does not match job system %q", ls.SystemID, r.job.SystemID)}
	}
	if len(ls.History) == 0 || ls.History[0].Kind != checkpoint.KindSetup {
		return nil, &checkpoint.ValidationError{Field: "conversationHistory", Reason: "does not start with setup context"}
	}
	return ls, nil
}

// callModel sends the conversation, retrying transient failures. The
// history is shrunk first if it exceeds the context token budget.
func (r *run) callModel(ctx context.Context, model string, defs []map[string]any) (*llm.ChatResponse, error) {
	budget := r.e.cfg.ContextTokenBudget
	if n := estimateTokens(r.ls.History); n > budget {
		before := len(r.ls.History)
		r.ls.History = r.e.deps.Checkpoints.Shrink(r.ls.History, budget, estimateTokens)
		r.log.Info("context over token budget, compressed history",
			"estimated_tokens", n, "budget", budget, "exchanges_before", before, "exchanges_after", len(r.ls.History))
	}
	msgs := r.ls.Messages()

	var lastErr error
	for attempt := 0; attempt <= r.e.cfg.ModelRetries; attempt++ {
		if attempt > 0 {
			if err := r.e.sleep(ctx, r.e.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
		start := time.Now()
		resp, err := r.e.deps.LLM.Chat(ctx, model, msgs, defs)
		r.e.deps.Metrics.ModelCall(model, time.Since(start), err)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		r.log.Warn("model call failed", "attempt", attempt+1, "model", model, "error", err)
		r.rep.Error(ctx, fmt.Errorf("model call failed (attempt %d): %w", attempt+1, err))
	}
	return nil, lastErr
}

// extractCalls returns the tool calls of a response, falling back to
// the text envelope when the provider returned none natively.
func extractCalls(msg llm.Message) ([]llm.ToolCall, string) {
	text := strings.TrimSpace(msg.Content)
	if len(msg.ToolCalls) > 0 {
		return msg.ToolCalls, text
	}
	env := llm.ParseToolEnvelope(text)
	switch {
	case env == nil:
		return nil, text
	case len(env.Calls) > 0:
		return env.Calls, ""
	default:
		return nil, strings.TrimSpace(env.FinalAnswer)
	}
}

// dispatch executes the calls of one turn and returns the model
// exchange pairing each call with its result. Identical calls within
// the turn run once and share the result. It returns the number of
// executions.
func (r *run) dispatch(ctx context.Context, turn int, calls []llm.ToolCall, text string) (checkpoint.Exchange, int) {
	assistant := llm.Message{Role: llm.RoleAssistant, Content: text, ToolCalls: make([]llm.ToolCall, len(calls))}
	results := make([]llm.Message, 0, len(calls))
	done := make(map[string]tools.Result, len(calls))
	executed := 0

	for i, c := range calls {
		c.ID = fmt.Sprintf("call_%d_%d", turn, i)
		if c.Function.Arguments == nil {
			c.Function.Arguments = map[string]any{}
		}
		assistant.ToolCalls[i] = c
		name := c.Function.Name

		key := callKey(c)
		res, dup := done[key]
		if !dup {
			r.rep.ToolCall(ctx, turn, name, c.Function.Arguments)
			res = r.e.deps.Tools.Execute(ctx, name, c.Function.Arguments)
			done[key] = res
			executed++

			r.e.deps.Metrics.ToolCall(name, res.IsError(), res.Empty, res.Duration)
			r.rep.ToolResponse(ctx, turn, name, !res.IsError(), res.Empty, len(res.Output), res.Duration)
			if res.IsError() {
				r.log.Info("tool returned error", "turn", turn, "tool", name, "error", res.Err)
			} else if !res.Empty && r.e.deps.Tools.IsDataRetrieval(name) {
				r.ls.DataToolSucceeded = true
			}
		}
		results = append(results, llm.Message{
			Role: llm.RoleTool, Content: res.Content(), ToolCallID: c.ID, ToolName: name,
		})
	}

	return checkpoint.Exchange{
		Turn:     turn,
		Kind:     checkpoint.KindModel,
		At:       r.e.now(),
		Messages: append([]llm.Message{assistant}, results...),
	}, executed
}

// callKey identifies a call by name and arguments. encoding/json sorts
// map keys, so equal arguments encode equally.
func callKey(c llm.ToolCall) string {
	args, err := json.Marshal(c.Function.Arguments)
	if err != nil {
		return c.Function.Name + "\x00" + c.ID
	}
	return c.Function.Name + "\x00" + string(args)
}

func modelExchange(turn int, at time.Time, text string) checkpoint.Exchange {
	return checkpoint.Exchange{
		Turn: turn, Kind: checkpoint.KindModel, At: at,
		Messages: []llm.Message{{Role: llm.RoleAssistant, Content: text}},
	}
}

// appendProse records a prose-only turn followed by a corrective user
// message. An empty reply records only the correction: providers
// reject empty assistant turns.
func (r *run) appendProse(turn int, text, guidance string) {
	now := r.e.now()
	if text != "" {
		r.ls.Append(modelExchange(turn, now, text))
	}
	r.ls.Append(checkpoint.Exchange{
		Turn: turn, Kind: checkpoint.KindGuidance, At: now,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: guidance}},
	})
}

// estimateTokens approximates the prompt size of a history.
func estimateTokens(history []checkpoint.Exchange) int {
	n := 0
	for _, ex := range history {
		for _, m := range ex.Messages {
			n += compact.EstimateTokens(m.Content) + 4
			for _, c := range m.ToolCalls {
				args, _ := json.Marshal(c.Function.Arguments)
				n += compact.EstimateTokens(c.Function.Name) + compact.EstimateTokens(string(args))
			}
		}
	}
	return n
}

// checkpoint writes the current state to the job. Failures other than
// a lost lease are logged and the loop continues; a lost lease ends
// the run.
func (r *run) checkpoint(ctx context.Context, trigger checkpoint.Trigger) *Outcome {
	data, err := r.encode(trigger)
	if err != nil {
		r.log.Warn("periodic checkpoint failed", "error", err)
		return nil
	}
	r.job.Checkpoint = data
	r.job.Status = jobs.StatusProcessing
	r.job.PartialInsights = r.ls.LastText

	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := r.e.deps.Jobs.Save(pctx, r.job, r.owner); err != nil {
		if errors.Is(err, jobs.ErrLeaseLost) {
			return r.lostLease()
		}
		r.log.Warn("saving checkpoint failed", "error", err)
		return nil
	}
	r.log.Debug("checkpoint saved", "trigger", trigger, "turn", r.ls.TurnCount, "bytes", len(data))
	return nil
}

func (r *run) encode(trigger checkpoint.Trigger) ([]byte, error) {
	snapshot := *r.ls
	snapshot.Elapsed = r.elapsed()
	mgr := r.e.deps.Checkpoints
	st := mgr.Capture(&snapshot, trigger)
	data, err := mgr.Encode(st)
	if err != nil {
		return nil, err
	}
	r.e.deps.Metrics.Checkpoint(string(trigger), len(data))
	return data, nil
}

// yield checkpoints and returns a resumable TimedOut outcome.
func (r *run) yield(ctx context.Context, trigger checkpoint.Trigger, cause *BudgetExceededError) *Outcome {
	r.setState(StateCheckpointYield)
	data, err := r.encode(trigger)
	if err != nil {
		return r.fail(ctx, &FatalEngineError{Reason: "encode checkpoint", Err: err})
	}
	r.job.Checkpoint = data
	r.job.Status = jobs.StatusProcessing
	r.job.PartialInsights = r.ls.LastText

	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := r.e.deps.Jobs.Save(pctx, r.job, r.owner); err != nil {
		if errors.Is(err, jobs.ErrLeaseLost) {
			return r.lostLease()
		}
		return r.failed(&FatalEngineError{Reason: "save checkpoint", Err: err})
	}
	r.rep.Status(pctx, jobs.StatusProcessing, "checkpointed: "+cause.Error())
	r.log.Info("budget reached, checkpointed",
		"reason", cause.Error(), "turn", r.ls.TurnCount, "elapsed", r.elapsed(), "bytes", len(data))

	return &Outcome{
		Kind:         OutcomeTimedOut,
		JobID:        r.job.ID,
		Turns:        r.ls.TurnCount,
		ToolCalls:    r.ls.ToolCallCount,
		Duration:     r.elapsed(),
		Checkpointed: true,
		Partial:      r.ls.LastText,
		WasResumed:   r.resumed,
		Reason:       cause.Error(),
		Err:          cause,
	}
}

func (r *run) complete(ctx context.Context, text string) *Outcome {
	r.setState(StateComplete)
	model := r.job.ModelOverride
	if model == "" {
		model = r.e.cfg.DefaultModel
	}
	result := &jobs.Result{
		Insights:   text,
		Turns:      r.ls.TurnCount,
		ToolCalls:  r.ls.ToolCallCount,
		DurationMs: r.elapsed().Milliseconds(),
		Model:      model,
	}
	if rd := r.e.deps.Renderer; rd != nil {
		html, err := rd.Render(text)
		if err != nil {
			r.log.Warn("rendering insights failed", "error", err)
		}
		result.HTML = html
	}

	r.job.Status = jobs.StatusCompleted
	r.job.FinalResult = result
	r.job.Checkpoint = nil
	r.job.PartialInsights = ""
	r.job.Error = ""

	// Progress readers stop at a terminal job, so the last event is
	// recorded before the job is.
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	r.rep.Status(pctx, jobs.StatusCompleted, fmt.Sprintf("completed in %d turns", r.ls.TurnCount))
	if err := r.e.deps.Jobs.Save(pctx, r.job, r.owner); err != nil {
		if errors.Is(err, jobs.ErrLeaseLost) {
			return r.lostLease()
		}
		return r.failed(&FatalEngineError{Reason: "save result", Err: err})
	}
	r.log.Info("insights completed",
		"turns", r.ls.TurnCount, "tool_calls", r.ls.ToolCallCount, "elapsed", r.elapsed())

	return &Outcome{
		Kind:       OutcomeCompleted,
		JobID:      r.job.ID,
		FinalText:  text,
		HTML:       result.HTML,
		Turns:      r.ls.TurnCount,
		ToolCalls:  r.ls.ToolCallCount,
		Duration:   r.elapsed(),
		WasResumed: r.resumed,
	}
}

// fail marks the job failed and returns a Failed outcome.
func (r *run) fail(ctx context.Context, cause *FatalEngineError) *Outcome {
	r.setState(StateFailed)
	r.log.Error("insight run failed", "error", cause)

	r.job.Status = jobs.StatusFailed
	r.job.Error = cause.Error()
	r.job.Checkpoint = nil

	pctx, cancel := persistCtx(ctx)
	defer cancel()
	r.rep.Error(pctx, cause)
	r.rep.Status(pctx, jobs.StatusFailed, cause.Error())
	if err := r.e.deps.Jobs.Save(pctx, r.job, r.owner); err != nil {
		if errors.Is(err, jobs.ErrLeaseLost) {
			return r.lostLease()
		}
		r.log.Error("saving failed job", "error", err)
	}
	return r.failed(cause)
}

// failed builds a Failed outcome without touching the job.
func (r *run) failed(cause *FatalEngineError) *Outcome {
	out := &Outcome{
		Kind:       OutcomeFailed,
		JobID:      r.job.ID,
		Reason:     cause.Error(),
		WasResumed: r.resumed,
		Err:        cause,
	}
	if r.ls != nil {
		out.Turns = r.ls.TurnCount
		out.ToolCalls = r.ls.ToolCallCount
		out.Duration = r.elapsed()
	}
	return out
}

// lostLease ends a run whose job was taken over by another execution.
// The job is left to its new owner.
func (r *run) lostLease() *Outcome {
	r.log.Warn("job lease lost, abandoning run")
	return r.failed(&FatalEngineError{Reason: "job lease lost", Err: jobs.ErrLeaseLost})
}
