// Package tools defines the tools available to the insight loop.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"
)

// MaxOutputBytes caps the JSON handed back to the model for one call.
const MaxOutputBytes = 64 * 1024

// Handler executes a tool with raw model-supplied arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// DataRetrieval marks tools that pull telemetry or environmental
	// data. A non-empty result from one satisfies the mandatory
	// first-tool policy.
	DataRetrieval bool `json:"-"`

	Handler Handler `json:"-"`
}

// Schema is the model-facing description of a tool.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Result is the outcome of one tool call. Exactly one of Output or Err
// is meaningful.
type Result struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Output    string         `json:"output,omitempty"`
	Err       string         `json:"error,omitempty"`
	Empty     bool           `json:"empty,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// IsError reports whether the call failed.
func (r Result) IsError() bool { return r.Err != "" }

// Content is the text handed back to the model.
func (r Result) Content() string {
	if r.IsError() {
		return "Error: " + r.Err
	}
	return r.Output
}

// emptier is implemented by result values that know whether they carry
// any data.
type emptier interface {
	IsEmpty() bool
}

// Registry holds available tools.
type Registry struct {
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register adds a tool to the registry, replacing any tool with the
// same name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// IsDataRetrieval reports whether name is a registered data retrieval
// tool.
func (r *Registry) IsDataRetrieval(name string) bool {
	t := r.tools[name]
	return t != nil && t.DataRetrieval
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the schemas of all tools sorted by name, so the
// request sent to the model is stable across turns.
func (r *Registry) Describe() []Schema {
	out := make([]Schema, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		out = append(out, Schema{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return out
}

// Definitions returns all tools in function-calling format for the LLM.
func (r *Registry) Definitions() []map[string]any {
	var result []map[string]any
	for _, s := range r.Describe() {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        s.Name,
				"description": s.Description,
				"parameters":  s.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name. It never returns an error: unknown
// tools, invalid parameters, handler failures and panics all become a
// Result with Err set, so the caller can hand them to the model.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (res Result) {
	start := time.Now()
	res = Result{Name: name, Arguments: args}
	log := r.logger.With("tool", name, "job_id", JobIDFromContext(ctx))

	defer func() {
		if p := recover(); p != nil {
			log.Error("tool panicked", "panic", p, "stack", string(debug.Stack()))
			res.Output = ""
			res.Err = (&ExecutionError{Tool: name, Err: fmt.Errorf("internal error: %v", p)}).Error()
		}
		res.Duration = time.Since(start)
	}()

	tool := r.tools[name]
	if tool == nil {
		res.Err = (&ErrToolUnavailable{ToolName: name}).Error()
		return res
	}
	if args == nil {
		args = map[string]any{}
	}

	val, err := tool.Handler(ctx, args)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w (%v)", err, ctxErr)
		}
		log.Debug("tool failed", "error", err)
		res.Err = (&ExecutionError{Tool: name, Err: err}).Error()
		return res
	}

	switch v := val.(type) {
	case nil:
		res.Empty = true
	case emptier:
		res.Empty = v.IsEmpty()
	}

	if s, ok := val.(string); ok {
		res.Output = s
		res.Empty = s == ""
	} else {
		data, err := json.Marshal(val)
		if err != nil {
			res.Err = (&ExecutionError{Tool: name, Err: fmt.Errorf("encode result: %w", err)}).Error()
			return res
		}
		res.Output = string(data)
	}
	if len(res.Output) > MaxOutputBytes {
		res.Output = truncateOutput(res.Output, MaxOutputBytes)
	}
	return res
}

// truncatedOutput replaces a result too large to hand to the model.
type truncatedOutput struct {
	Truncated     bool   `json:"truncated"`
	OriginalBytes int    `json:"originalBytes"`
	Note          string `json:"note"`
	Partial       string `json:"partial"`
}

// truncateOutput wraps a prefix of out in a JSON envelope no larger
// than limit. The prefix ends on a rune boundary.
func truncateOutput(out string, limit int) string {
	env := truncatedOutput{
		Truncated:     true,
		OriginalBytes: len(out),
		Note:          "output truncated; request fewer points or a narrower range",
	}
	n := min(len(out), limit)
	for {
		for n > 0 && n < len(out) && out[n]&0xC0 == 0x80 {
			n--
		}
		env.Partial = out[:n]
		data, _ := json.Marshal(env)
		if len(data) <= limit || n == 0 {
			return string(data)
		}
		n -= len(data) - limit
		if n < 0 {
			n = 0
		}
	}
}

// params is implemented by every typed tool parameter struct.
// Validate may also fill in defaults.
type params[T any] interface {
	*T
	Validate() error
}

// bind adapts a typed handler to the raw Handler signature. Arguments
// are decoded into a fresh parameter struct and validated before fn
// runs.
func bind[T any, P params[T]](fn func(ctx context.Context, p P) (any, error)) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		p := P(new(T))
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		return fn(ctx, p)
	}
}
