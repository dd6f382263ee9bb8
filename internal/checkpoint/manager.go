package checkpoint

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"time"

	"github.com/nugget/bmsinsight/internal/llm"
)

// ErrTooLarge is returned by Encode when a state cannot be brought
// under the size limit even with a minimal history.
var ErrTooLarge = errors.New("checkpoint exceeds size limit")

// maxDecodedBytes bounds decompression of stored checkpoints.
const maxDecodedBytes = 32 << 20

// Config controls history compression and the encoded size limit.
type Config struct {
	Threshold int // compress when history exceeds this many exchanges
	KeepFirst int // setup context retained at the front
	KeepLast  int // freshest exchanges retained at the back
	MaxBytes  int // limit on the encoded checkpoint; 0 disables
}

// DefaultConfig returns the standard compression settings.
func DefaultConfig() Config {
	return Config{Threshold: 50, KeepFirst: 5, KeepLast: 20, MaxBytes: 512 << 10}
}

// Manager captures and restores loop state.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a checkpoint manager. Invalid compression
// settings fall back to DefaultConfig values.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.KeepFirst < 1 {
		cfg.KeepFirst = def.KeepFirst
	}
	if cfg.KeepLast < 1 {
		cfg.KeepLast = def.KeepLast
	}
	if cfg.Threshold <= cfg.KeepFirst+cfg.KeepLast {
		cfg.Threshold = max(def.Threshold, cfg.KeepFirst+cfg.KeepLast+1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger, now: time.Now}
}

// Capture snapshots ls into a State. The history is compressed if it
// exceeds the threshold; ls itself is not modified.
func (m *Manager) Capture(ls *LoopState, trigger Trigger) *State {
	return &State{
		ConversationHistory: m.Compress(ls.History),
		TurnCount:           ls.TurnCount,
		ToolCallCount:       ls.ToolCallCount,
		ContextSummary:      maps.Clone(ls.ContextSummary),
		CheckpointedAt:      m.now().UTC(),
		ElapsedMs:           ls.Elapsed.Milliseconds(),
		Version:             SchemaVersion,
		Trigger:             trigger,
		Mode:                ls.Mode,
		SystemID:            ls.SystemID,
		CustomPrompt:        ls.CustomPrompt,
		InitRetries:         ls.InitRetries,
		DataToolSucceeded:   ls.DataToolSucceeded,
		LastText:            ls.LastText,
	}
}

// Restore validates st and converts it back into a LoopState.
func (m *Manager) Restore(st *State) (*LoopState, error) {
	if st == nil {
		return nil, &ValidationError{Field: "state", Reason: "missing"}
	}
	warn, err := validate(st)
	if err != nil {
		return nil, err
	}
	if warn != "" {
		m.logger.Warn("restoring checkpoint with different schema version",
			"version", st.Version, "supported", SchemaVersion, "detail", warn)
	}
	return &LoopState{
		History:           append([]Exchange(nil), st.ConversationHistory...),
		TurnCount:         st.TurnCount,
		ToolCallCount:     st.ToolCallCount,
		ContextSummary:    maps.Clone(st.ContextSummary),
		Elapsed:           time.Duration(st.ElapsedMs) * time.Millisecond,
		Mode:              st.Mode,
		SystemID:          st.SystemID,
		CustomPrompt:      st.CustomPrompt,
		InitRetries:       st.InitRetries,
		DataToolSucceeded: st.DataToolSucceeded,
		LastText:          st.LastText,
	}, nil
}

// Compress returns history unchanged (as a copy) when it is within
// the threshold. Otherwise it keeps the first KeepFirst and last
// KeepLast exchanges and replaces the middle with one marker.
func (m *Manager) Compress(history []Exchange) []Exchange {
	if len(history) <= m.cfg.Threshold {
		return append([]Exchange(nil), history...)
	}
	return elide(history, m.cfg.KeepFirst, m.cfg.KeepLast)
}

// Shrink compresses history until measure reports a value within
// budget, keeping progressively fewer trailing exchanges. The first
// and last exchanges always survive. The result may still exceed the
// budget when no further reduction is possible.
func (m *Manager) Shrink(history []Exchange, budget int, measure func([]Exchange) int) []Exchange {
	out := m.Compress(history)
	if measure(out) <= budget {
		return out
	}
	first := min(m.cfg.KeepFirst, 1+countLeading(history, KindSetup))
	for last := m.cfg.KeepLast; ; last /= 2 {
		last = max(last, 1)
		if first+last+1 >= len(history) && last > 1 {
			continue
		}
		out = elide(history, first, last)
		if measure(out) <= budget || last == 1 {
			return out
		}
	}
}

func countLeading(history []Exchange, kind Kind) int {
	n := 0
	for _, ex := range history {
		if ex.Kind != kind {
			break
		}
		n++
	}
	return n
}

// elide keeps first and last exchanges around a single marker. Markers
// already inside the elided span fold their counts into the new one.
func elide(history []Exchange, first, last int) []Exchange {
	if first+last >= len(history) {
		return append([]Exchange(nil), history...)
	}
	middle := history[first : len(history)-last]
	omitted := 0
	for _, ex := range middle {
		if ex.Kind == KindMarker {
			omitted += ex.Omitted
		} else {
			omitted++
		}
	}
	prev := middle[len(middle)-1]

	out := make([]Exchange, 0, first+last+1)
	out = append(out, history[:first]...)
	out = append(out, MarkerExchange(prev.Turn, omitted, prev.At))
	out = append(out, history[len(history)-last:]...)
	return out
}

// MarkerExchange builds the exchange that stands in for omitted ones.
func MarkerExchange(turn, omitted int, at time.Time) Exchange {
	return Exchange{
		Turn:    turn,
		Kind:    KindMarker,
		Omitted: omitted,
		At:      at,
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: fmt.Sprintf("[%d earlier exchanges were omitted to save space. "+
				"Their tool results are no longer visible; call the tools again if you need that data.]", omitted),
		}},
	}
}

// Encode serializes st as gzipped JSON. If the result exceeds
// MaxBytes the history is shrunk until it fits; st is updated to
// the history that was actually written.
func (m *Manager) Encode(st *State) ([]byte, error) {
	data, err := encode(st)
	if err != nil {
		return nil, err
	}
	if m.cfg.MaxBytes <= 0 || len(data) <= m.cfg.MaxBytes {
		return data, nil
	}

	m.logger.Debug("checkpoint over size limit, shrinking history",
		"bytes", len(data), "limit", m.cfg.MaxBytes, "exchanges", len(st.ConversationHistory))

	trial := *st
	size := func(h []Exchange) int {
		trial.ConversationHistory = h
		b, err := encode(&trial)
		if err != nil {
			return int(^uint(0) >> 1)
		}
		return len(b)
	}
	shrunk := m.Shrink(st.ConversationHistory, m.cfg.MaxBytes, size)
	trial.ConversationHistory = shrunk
	data, err = encode(&trial)
	if err != nil {
		return nil, err
	}
	if len(data) > m.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, len(data), m.cfg.MaxBytes)
	}
	st.ConversationHistory = shrunk
	return data, nil
}

func encode(st *State) ([]byte, error) {
	stateJSON, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(stateJSON); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses an encoded checkpoint and validates its structure. It
// accepts gzipped or plain JSON. Every failure is a *ValidationError.
func (m *Manager) Decode(data []byte) (*State, error) {
	if len(data) == 0 {
		return nil, &ValidationError{Field: "checkpoint", Reason: "empty"}
	}

	stateJSON := data
	if len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b {
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, &ValidationError{Field: "checkpoint", Reason: "gzip header: " + err.Error()}
		}
		defer gr.Close()
		stateJSON, err = io.ReadAll(io.LimitReader(gr, maxDecodedBytes))
		if err != nil {
			return nil, &ValidationError{Field: "checkpoint", Reason: "decompress: " + err.Error()}
		}
	}

	if err := checkShape(stateJSON); err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(stateJSON, &st); err != nil {
		return nil, &ValidationError{Field: "checkpoint", Reason: "decode: " + err.Error()}
	}
	if _, err := validate(&st); err != nil {
		return nil, err
	}
	return &st, nil
}
