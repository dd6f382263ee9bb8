package tools

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nugget/bmsinsight/internal/analytics"
	"github.com/nugget/bmsinsight/internal/compact"
	"github.com/nugget/bmsinsight/internal/history"
	"github.com/nugget/bmsinsight/internal/weather"
)

const (
	defaultMaxPoints = 200
	maxMaxPoints     = 500
	defaultRangeDays = 7
	maxLookbackDays  = 365
)

// HistorySource is the range-query collaborator for telemetry.
type HistorySource interface {
	System(ctx context.Context, id string) (*history.System, error)
	Points(ctx context.Context, systemID string, start, end time.Time) ([]compact.Point, error)
	Span(ctx context.Context, systemID string) (history.Span, error)
}

// WeatherSource fetches hourly weather at a location.
type WeatherSource interface {
	Hourly(ctx context.Context, lat, lon float64, start, end time.Time) ([]weather.Hour, error)
}

// Deps are the collaborators the built-in tools reach through. Weather
// may be nil, in which case the weather and solar tools are not
// registered.
type Deps struct {
	History HistorySource
	Weather WeatherSource
	Derate  float64
	Now     func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// RegisterBuiltins registers the battery insight tools.
func (r *Registry) RegisterBuiltins(deps Deps) {
	h := &handlers{deps: deps}

	r.Register(&Tool{
		Name: "request_bms_data",
		Description: "Fetch historical battery telemetry for a system over a time range. " +
			"Use this before drawing conclusions; the preloaded context is only a summary. " +
			"Large ranges are sampled evenly down to max_points, always keeping the first and newest points.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"system_id": map[string]any{
					"type":        "string",
					"description": "Battery system ID. Defaults to the system this analysis is about.",
				},
				"metric": map[string]any{
					"type":        "string",
					"description": "Metric name or \"all\". Known metrics: " + strings.Join(history.KnownMetrics, ", "),
				},
				"time_range_start": map[string]any{
					"type":        "string",
					"description": "Start of range, RFC3339 or YYYY-MM-DD. Defaults to 7 days before the end.",
				},
				"time_range_end": map[string]any{
					"type":        "string",
					"description": "End of range, RFC3339 or YYYY-MM-DD. Defaults to now.",
				},
				"granularity": map[string]any{
					"type":        "string",
					"enum":        []string{"raw", "hourly_avg", "daily_avg"},
					"description": "Aggregation applied before sampling (default hourly_avg).",
				},
				"max_points": map[string]any{
					"type":        "integer",
					"description": "Maximum points to return (default 200, max 500).",
				},
			},
		},
		DataRetrieval: true,
		Handler:       bind(h.requestBMSData),
	})

	r.Register(&Tool{
		Name: "get_system_analytics",
		Description: "Summarize a system's entire stored history: per-metric min/max/avg/latest, " +
			"data coverage, and the average hour-of-day profile of power and state of charge.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"system_id": map[string]any{
					"type":        "string",
					"description": "Battery system ID. Defaults to the system this analysis is about.",
				},
			},
		},
		DataRetrieval: true,
		Handler:       bind(h.systemAnalytics),
	})

	r.Register(&Tool{
		Name: "predict_battery_trends",
		Description: "Fit a linear trend through daily averages of a metric and project it forward. " +
			"Use capacity_ah with a threshold to estimate days until capacity fade reaches a limit.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"system_id":     map[string]any{"type": "string", "description": "Battery system ID."},
				"metric":        map[string]any{"type": "string", "description": "Metric to trend (default capacity_ah)."},
				"lookback_days": map[string]any{"type": "integer", "description": "Days of history to fit (default 30, max 365)."},
				"horizon_days":  map[string]any{"type": "integer", "description": "Days to project forward (default 30)."},
				"threshold":     map[string]any{"type": "number", "description": "Optional value to estimate days-to-threshold for."},
			},
		},
		Handler: bind(h.predictTrends),
	})

	r.Register(&Tool{
		Name:        "analyze_usage_patterns",
		Description: "Analyze usage patterns of a metric: daily (hour-of-day profile), weekly (day-of-week profile), or anomalies (readings more than 3 standard deviations from the mean).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"system_id":     map[string]any{"type": "string", "description": "Battery system ID."},
				"pattern":       map[string]any{"type": "string", "enum": []string{"daily", "weekly", "anomalies"}, "description": "Pattern type (default daily)."},
				"metric":        map[string]any{"type": "string", "description": "Metric to analyze (default power)."},
				"lookback_days": map[string]any{"type": "integer", "description": "Days of history (default 14, max 365)."},
			},
		},
		Handler: bind(h.usagePatterns),
	})

	r.Register(&Tool{
		Name:        "calculate_energy_budget",
		Description: "Integrate consumption and generation over the lookback window and compare them. Reports daily averages, net balance, and days of autonomy from full capacity.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"system_id":     map[string]any{"type": "string", "description": "Battery system ID."},
				"lookback_days": map[string]any{"type": "integer", "description": "Days of history (default 7, max 365)."},
			},
		},
		Handler: bind(h.energyBudget),
	})

	if deps.Weather != nil {
		r.registerWeather(h)
	}
}

type handlers struct {
	deps Deps
}

// systemID resolves the system a call is about: the explicit parameter
// wins, then the job's system from context.
func systemID(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if id := SystemIDFromContext(ctx); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("%w: system_id is required", ErrInvalidParams)
}

// parseTime accepts RFC3339, minute-precision local-less timestamps,
// and bare dates.
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04", time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (use RFC3339 or YYYY-MM-DD)", s)
}

func checkLookback(days *int, def int) error {
	if *days == 0 {
		*days = def
	}
	if *days < 1 || *days > maxLookbackDays {
		return fmt.Errorf("lookback_days must be between 1 and %d", maxLookbackDays)
	}
	return nil
}

// --- request_bms_data ---

type bmsDataParams struct {
	SystemID    string `json:"system_id"`
	Metric      string `json:"metric"`
	Start       string `json:"time_range_start"`
	End         string `json:"time_range_end"`
	Granularity string `json:"granularity"`
	MaxPoints   int    `json:"max_points"`

	start, end time.Time
}

func (p *bmsDataParams) Validate() error {
	if p.Metric == "" {
		p.Metric = "all"
	}
	if p.Granularity == "" {
		p.Granularity = "hourly_avg"
	}
	if !slices.Contains([]string{"raw", "hourly_avg", "daily_avg"}, p.Granularity) {
		return fmt.Errorf("granularity must be raw, hourly_avg or daily_avg, got %q", p.Granularity)
	}
	if p.MaxPoints == 0 {
		p.MaxPoints = defaultMaxPoints
	}
	if p.MaxPoints < 1 || p.MaxPoints > maxMaxPoints {
		return fmt.Errorf("max_points must be between 1 and %d", maxMaxPoints)
	}
	var err error
	if p.Start != "" {
		if p.start, err = parseTime(p.Start); err != nil {
			return fmt.Errorf("time_range_start: %w", err)
		}
	}
	if p.End != "" {
		if p.end, err = parseTime(p.End); err != nil {
			return fmt.Errorf("time_range_end: %w", err)
		}
		if len(p.End) == len(time.DateOnly) {
			p.end = p.end.Add(24*time.Hour - time.Millisecond)
		}
	}
	if !p.start.IsZero() && !p.end.IsZero() && p.end.Before(p.start) {
		return fmt.Errorf("time_range_end is before time_range_start")
	}
	return nil
}

type bmsDataResult struct {
	SystemID       string          `json:"systemId"`
	Metric         string          `json:"metric"`
	Granularity    string          `json:"granularity"`
	Start          time.Time       `json:"start"`
	End            time.Time       `json:"end"`
	TotalPoints    int             `json:"totalPoints"`
	ReturnedPoints int             `json:"returnedPoints"`
	Sampled        bool            `json:"sampled"`
	Points         []compact.Point `json:"points"`
	Note           string          `json:"note,omitempty"`
}

func (r *bmsDataResult) IsEmpty() bool { return r.ReturnedPoints == 0 }

func (h *handlers) requestBMSData(ctx context.Context, p *bmsDataParams) (any, error) {
	id, err := systemID(ctx, p.SystemID)
	if err != nil {
		return nil, err
	}

	end := p.end
	if end.IsZero() {
		end = h.deps.now().UTC()
	}
	start := p.start
	if start.IsZero() {
		start = end.Add(-defaultRangeDays * 24 * time.Hour)
	}

	pts, err := h.deps.History.Points(ctx, id, start, end)
	if err != nil {
		return nil, err
	}
	pts = compact.Filter(pts, p.Metric)
	switch p.Granularity {
	case "hourly_avg":
		pts = compact.Bucket(pts, time.Hour)
	case "daily_avg":
		pts = compact.Bucket(pts, 24*time.Hour)
	}

	res := &bmsDataResult{
		SystemID:    id,
		Metric:      p.Metric,
		Granularity: p.Granularity,
		Start:       start,
		End:         end,
		TotalPoints: len(pts),
	}
	res.Points = compact.Sample(pts, p.MaxPoints)
	res.ReturnedPoints = len(res.Points)
	res.Sampled = res.ReturnedPoints < res.TotalPoints
	if res.ReturnedPoints == 0 {
		span, err := h.deps.History.Span(ctx, id)
		if err == nil && span.Count > 0 {
			res.Note = fmt.Sprintf("no data in range; stored history spans %s to %s",
				span.First.Format(time.RFC3339), span.Last.Format(time.RFC3339))
		} else {
			res.Note = "no data stored for this system"
		}
	}
	return res, nil
}

// --- get_system_analytics ---

type systemParams struct {
	SystemID string `json:"system_id"`
}

func (p *systemParams) Validate() error { return nil }

type analyticsResult struct {
	System        *history.System `json:"system"`
	Summary       compact.Summary `json:"summary"`
	PowerProfile  []analytics.Bin `json:"hourlyPowerProfile,omitempty"`
	SOCProfile    []analytics.Bin `json:"hourlySocProfile,omitempty"`
	CoverageHours int             `json:"coverageHours"`
}

func (r *analyticsResult) IsEmpty() bool { return r.Summary.DataPointCount == 0 }

func (h *handlers) systemAnalytics(ctx context.Context, p *systemParams) (any, error) {
	id, err := systemID(ctx, p.SystemID)
	if err != nil {
		return nil, err
	}
	sys, err := h.deps.History.System(ctx, id)
	if err != nil {
		return nil, err
	}
	pts, err := h.deps.History.Points(ctx, id, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	hourly := compact.Bucket(pts, time.Hour)
	return &analyticsResult{
		System:        sys,
		Summary:       compact.Summarize(hourly),
		PowerProfile:  analytics.HourlyProfile(hourly, history.MetricPower),
		SOCProfile:    analytics.HourlyProfile(hourly, history.MetricSOC),
		CoverageHours: len(hourly),
	}, nil
}

// --- predict_battery_trends ---

type trendParams struct {
	SystemID     string   `json:"system_id"`
	Metric       string   `json:"metric"`
	LookbackDays int      `json:"lookback_days"`
	HorizonDays  int      `json:"horizon_days"`
	Threshold    *float64 `json:"threshold"`
}

func (p *trendParams) Validate() error {
	if p.Metric == "" {
		p.Metric = history.MetricCapacity
	}
	if p.Metric == "all" {
		return fmt.Errorf("metric must name a single metric")
	}
	if p.HorizonDays == 0 {
		p.HorizonDays = 30
	}
	if p.HorizonDays < 1 || p.HorizonDays > 3650 {
		return fmt.Errorf("horizon_days must be between 1 and 3650")
	}
	return checkLookback(&p.LookbackDays, 30)
}

func (h *handlers) predictTrends(ctx context.Context, p *trendParams) (any, error) {
	pts, err := h.lookback(ctx, p.SystemID, p.LookbackDays)
	if err != nil {
		return nil, err
	}
	return analytics.PredictTrend(pts, p.Metric, p.HorizonDays, p.Threshold)
}

func (h *handlers) lookback(ctx context.Context, explicitID string, days int) ([]compact.Point, error) {
	id, err := systemID(ctx, explicitID)
	if err != nil {
		return nil, err
	}
	end := h.deps.now().UTC()
	return h.deps.History.Points(ctx, id, end.Add(-time.Duration(days)*24*time.Hour), end)
}

// --- analyze_usage_patterns ---

type usageParams struct {
	SystemID     string `json:"system_id"`
	Pattern      string `json:"pattern"`
	Metric       string `json:"metric"`
	LookbackDays int    `json:"lookback_days"`
}

func (p *usageParams) Validate() error {
	if p.Pattern == "" {
		p.Pattern = "daily"
	}
	if !slices.Contains([]string{"daily", "weekly", "anomalies"}, p.Pattern) {
		return fmt.Errorf("pattern must be daily, weekly or anomalies, got %q", p.Pattern)
	}
	if p.Metric == "" {
		p.Metric = history.MetricPower
	}
	return checkLookback(&p.LookbackDays, 14)
}

type usageResult struct {
	Pattern   string              `json:"pattern"`
	Metric    string              `json:"metric"`
	Bins      []analytics.Bin     `json:"bins,omitempty"`
	Anomalies []analytics.Anomaly `json:"anomalies,omitempty"`
	Points    int                 `json:"pointsAnalyzed"`
}

func (h *handlers) usagePatterns(ctx context.Context, p *usageParams) (any, error) {
	pts, err := h.lookback(ctx, p.SystemID, p.LookbackDays)
	if err != nil {
		return nil, err
	}
	if len(pts) == 0 {
		return nil, analytics.ErrInsufficientData
	}
	res := &usageResult{Pattern: p.Pattern, Metric: p.Metric, Points: len(pts)}
	switch p.Pattern {
	case "daily":
		res.Bins = analytics.HourlyProfile(pts, p.Metric)
	case "weekly":
		res.Bins = analytics.WeekdayProfile(pts, p.Metric)
	case "anomalies":
		res.Anomalies = analytics.Anomalies(pts, p.Metric, 3, 25)
	}
	return res, nil
}

// --- calculate_energy_budget ---

type budgetParams struct {
	SystemID     string `json:"system_id"`
	LookbackDays int    `json:"lookback_days"`
}

func (p *budgetParams) Validate() error {
	return checkLookback(&p.LookbackDays, 7)
}

func (h *handlers) energyBudget(ctx context.Context, p *budgetParams) (any, error) {
	id, err := systemID(ctx, p.SystemID)
	if err != nil {
		return nil, err
	}
	sys, err := h.deps.History.System(ctx, id)
	if err != nil {
		return nil, err
	}
	pts, err := h.lookback(ctx, id, p.LookbackDays)
	if err != nil {
		return nil, err
	}
	return analytics.EnergyBudget(pts, sys.CapacityWh())
}
