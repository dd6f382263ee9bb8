package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/bmsinsight/internal/agent"
	"github.com/nugget/bmsinsight/internal/compact"
	"github.com/nugget/bmsinsight/internal/history"
	"github.com/nugget/bmsinsight/internal/llm"
	"github.com/nugget/bmsinsight/internal/prompts"
)

// HistorySource is the part of the history store the context builder
// reads.
type HistorySource interface {
	System(ctx context.Context, id string) (*history.System, error)
	Points(ctx context.Context, systemID string, start, end time.Time) ([]compact.Point, error)
}

// ContextBuilder seeds fresh runs with the system profile and a
// compact digest of the context window.
type ContextBuilder struct {
	history HistorySource
}

// NewContextBuilder creates a ContextBuilder over h.
func NewContextBuilder(h HistorySource) *ContextBuilder {
	return &ContextBuilder{history: h}
}

// Build implements agent.ContextBuilder.
func (b *ContextBuilder) Build(ctx context.Context, req agent.ContextRequest) (*agent.Seed, error) {
	sys, err := b.history.System(ctx, req.SystemID)
	if err != nil {
		return nil, err
	}
	days := max(req.WindowDays, 1)
	end := req.Now
	start := end.AddDate(0, 0, -days)

	points, err := b.history.Points(ctx, req.SystemID, start, end)
	if err != nil {
		return nil, fmt.Errorf("load readings: %w", err)
	}
	// The digest describes hourly averages, not raw readings.
	summary := compact.Summarize(compact.Bucket(points, time.Hour))

	sysJSON, err := json.MarshalIndent(sys, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode system: %w", err)
	}
	var digestJSON []byte
	if summary.DataPointCount > 0 {
		if digestJSON, err = json.MarshalIndent(summary, "", "  "); err != nil {
			return nil, fmt.Errorf("encode digest: %w", err)
		}
	}

	// The checkpoint keeps the digest as a generic map.
	var summaryMap map[string]any
	if digestJSON != nil {
		if err := json.Unmarshal(digestJSON, &summaryMap); err != nil {
			return nil, fmt.Errorf("decode digest: %w", err)
		}
	}

	return &agent.Seed{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: prompts.SystemPrompt(req.Now, req.Question)},
			{Role: llm.RoleUser, Content: prompts.InitialContext(prompts.ContextParams{
				SystemID:   sys.ID,
				SystemJSON: string(sysJSON),
				DigestJSON: string(digestJSON),
				WindowDays: days,
				Question:   req.Question,
			})},
		},
		Summary: summaryMap,
	}, nil
}
