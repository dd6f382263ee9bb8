package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/nugget/bmsinsight/internal/compact"
	"github.com/nugget/bmsinsight/internal/history"
	"github.com/nugget/bmsinsight/internal/weather"
)

var testNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

type fakeHistory struct {
	systems map[string]*history.System
	points  map[string][]compact.Point
	err     error
}

func (f *fakeHistory) System(_ context.Context, id string) (*history.System, error) {
	if s, ok := f.systems[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", history.ErrNotFound, id)
}

func (f *fakeHistory) Points(_ context.Context, id string, start, end time.Time) ([]compact.Point, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []compact.Point
	for _, p := range f.points[id] {
		if (start.IsZero() || !p.Timestamp.Before(start)) && (end.IsZero() || !p.Timestamp.After(end)) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeHistory) Span(_ context.Context, id string) (history.Span, error) {
	pts := f.points[id]
	if len(pts) == 0 {
		return history.Span{}, nil
	}
	return history.Span{First: pts[0].Timestamp, Last: pts[len(pts)-1].Timestamp, Count: len(pts)}, nil
}

type fakeWeather struct {
	calls int
}

func (f *fakeWeather) Hourly(_ context.Context, lat, lon float64, start, end time.Time) ([]weather.Hour, error) {
	f.calls++
	var out []weather.Hour
	for t := start; t.Before(end.Add(24 * time.Hour)); t = t.Add(time.Hour) {
		irr := 0.0
		if h := t.Hour(); h >= 10 && h < 14 {
			irr = 500
		}
		out = append(out, weather.Hour{Time: t, TemperatureC: 20, CloudCoverPct: 10, IrradianceWm2: irr})
	}
	return out, nil
}

// newTestRegistry builds a registry over 10 days of 15-minute readings.
func newTestRegistry(t *testing.T) (*Registry, *fakeHistory, *fakeWeather) {
	t.Helper()
	hist := &fakeHistory{
		systems: map[string]*history.System{
			"sys1":  {ID: "sys1", Name: "Cabin", NominalVoltage: 48, CapacityAh: 100, Latitude: 45, Longitude: -93, PanelWatts: 800},
			"noloc": {ID: "noloc", Name: "Van"},
		},
		points: map[string][]compact.Point{},
	}
	start := testNow.Add(-10 * 24 * time.Hour)
	for ts := start; !ts.After(testNow); ts = ts.Add(15 * time.Minute) {
		hist.points["sys1"] = append(hist.points["sys1"], compact.Point{
			Timestamp: ts,
			Values: map[string]float64{
				"soc":        60,
				"power":      -50,
				"load_power": 50,
			},
		})
	}
	wx := &fakeWeather{}
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.RegisterBuiltins(Deps{History: hist, Weather: wx, Derate: 0.8, Now: func() time.Time { return testNow }})
	return r, hist, wx
}

func TestRegistry_DescribeSortedAndComplete(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	want := []string{
		"analyze_usage_patterns",
		"calculate_energy_budget",
		"get_solar_estimate",
		"get_system_analytics",
		"get_weather_data",
		"predict_battery_trends",
		"request_bms_data",
	}
	schemas := r.Describe()
	if len(schemas) != len(want) {
		t.Fatalf("got %d tools, want %d", len(schemas), len(want))
	}
	for i, s := range schemas {
		if s.Name != want[i] {
			t.Errorf("schema[%d] = %s, want %s", i, s.Name, want[i])
		}
		if s.Parameters["type"] != "object" {
			t.Errorf("%s: parameters must be an object schema", s.Name)
		}
	}

	defs := r.Definitions()
	fn := defs[0]["function"].(map[string]any)
	if defs[0]["type"] != "function" || fn["name"] != want[0] {
		t.Errorf("unexpected definition: %v", defs[0])
	}
}

func TestRegistry_WeatherToolsRequireSource(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterBuiltins(Deps{History: &fakeHistory{}})
	if r.Get("get_weather_data") != nil || r.Get("get_solar_estimate") != nil {
		t.Error("weather tools registered without a weather source")
	}
	if r.Get("request_bms_data") == nil {
		t.Error("request_bms_data missing")
	}
}

func TestRegistry_IsDataRetrieval(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	tests := map[string]bool{
		"request_bms_data":        true,
		"get_system_analytics":    true,
		"get_weather_data":        true,
		"get_solar_estimate":      true,
		"predict_battery_trends":  false,
		"analyze_usage_patterns":  false,
		"calculate_energy_budget": false,
		"nonexistent":             false,
	}
	for name, want := range tests {
		if got := r.IsDataRetrieval(name); got != want {
			t.Errorf("IsDataRetrieval(%s) = %v, want %v", name, got, want)
		}
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	res := r.Execute(context.Background(), "launch_rockets", nil)
	if !res.IsError() || !strings.Contains(res.Err, "not available") {
		t.Errorf("res = %+v", res)
	}
	if !strings.HasPrefix(res.Content(), "Error: ") {
		t.Errorf("Content() = %q", res.Content())
	}
}

func TestExecute_PanicBecomesErrorResult(t *testing.T) {
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.Register(&Tool{
		Name: "boom",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if args["x"] == "bad" {
				panic("kaboom")
			}
			return "fine", nil
		},
	})

	res := r.Execute(context.Background(), "boom", map[string]any{"x": "bad"})
	if !res.IsError() || !strings.Contains(res.Err, "kaboom") {
		t.Errorf("panic not captured: %+v", res)
	}

	res = r.Execute(context.Background(), "boom", map[string]any{"x": "ok"})
	if res.IsError() || res.Output != "fine" {
		t.Errorf("res = %+v", res)
	}
}

func TestExecute_OversizedOutputStaysValidJSON(t *testing.T) {
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	// Three-byte runes so a byte cut at the limit would split one.
	big := strings.Repeat("é€", MaxOutputBytes)
	r.Register(&Tool{
		Name: "dump",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]string{"blob": big}, nil
		},
	})

	res := r.Execute(context.Background(), "dump", nil)
	if res.IsError() {
		t.Fatalf("unexpected error: %s", res.Err)
	}
	if len(res.Output) > MaxOutputBytes {
		t.Errorf("output is %d bytes, limit %d", len(res.Output), MaxOutputBytes)
	}

	var env struct {
		Truncated     bool   `json:"truncated"`
		OriginalBytes int    `json:"originalBytes"`
		Partial       string `json:"partial"`
	}
	if err := json.Unmarshal([]byte(res.Output), &env); err != nil {
		t.Fatalf("truncated output is not JSON: %v", err)
	}
	if !env.Truncated || env.OriginalBytes <= MaxOutputBytes {
		t.Errorf("envelope = truncated:%v originalBytes:%d", env.Truncated, env.OriginalBytes)
	}
	if env.Partial == "" || !utf8.ValidString(env.Partial) {
		t.Errorf("partial is empty or not valid UTF-8 (%d bytes)", len(env.Partial))
	}
}

func TestTruncateOutput_RuneBoundary(t *testing.T) {
	out := truncateOutput(strings.Repeat("€", 100), 200)
	var env truncatedOutput
	if err := json.Unmarshal([]byte(out), &env); err != nil {
		t.Fatalf("not JSON: %v (%q)", err, out)
	}
	if len(out) > 200 {
		t.Errorf("len = %d, want <= 200", len(out))
	}
	if env.Partial == "" || !utf8.ValidString(env.Partial) || len(env.Partial)%3 != 0 {
		t.Errorf("partial %q cut inside a rune", env.Partial)
	}
}

func TestExecute_HandlerError(t *testing.T) {
	r, hist, _ := newTestRegistry(t)
	hist.err = errors.New("database is locked")

	res := r.Execute(WithSystemID(context.Background(), "sys1"), "request_bms_data", nil)
	if !res.IsError() || !strings.Contains(res.Err, "database is locked") {
		t.Errorf("res = %+v", res)
	}
	if !strings.HasPrefix(res.Err, "request_bms_data: ") {
		t.Errorf("error should name the tool: %q", res.Err)
	}
}

func TestExecute_InvalidParams(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := WithSystemID(context.Background(), "sys1")

	tests := []struct {
		name string
		tool string
		args map[string]any
		want string
	}{
		{"bad granularity", "request_bms_data", map[string]any{"granularity": "weekly"}, "granularity"},
		{"too many points", "request_bms_data", map[string]any{"max_points": 5000}, "max_points"},
		{"bad time", "request_bms_data", map[string]any{"time_range_start": "yesterday"}, "time_range_start"},
		{"reversed range", "request_bms_data", map[string]any{"time_range_start": "2026-06-10", "time_range_end": "2026-06-01"}, "before"},
		{"wrong type", "request_bms_data", map[string]any{"max_points": "lots"}, "invalid parameters"},
		{"bad pattern", "analyze_usage_patterns", map[string]any{"pattern": "hourly"}, "pattern"},
		{"lookback too long", "calculate_energy_budget", map[string]any{"lookback_days": 1000}, "lookback_days"},
		{"negative days", "get_weather_data", map[string]any{"days_back": -1}, "days_back"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Execute(ctx, tt.tool, tt.args)
			if !res.IsError() {
				t.Fatalf("expected error, got output %q", res.Output)
			}
			if !strings.Contains(res.Err, tt.want) {
				t.Errorf("Err = %q, want substring %q", res.Err, tt.want)
			}
		})
	}
}

func TestExecute_MissingSystemID(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	res := r.Execute(context.Background(), "request_bms_data", nil)
	if !res.IsError() || !strings.Contains(res.Err, "system_id is required") {
		t.Errorf("res = %+v", res)
	}
}

func TestRequestBMSData(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := WithSystemID(context.Background(), "sys1")

	res := r.Execute(ctx, "request_bms_data", map[string]any{
		"metric":      "soc",
		"granularity": "raw",
		"max_points":  float64(50),
	})
	if res.IsError() || res.Empty {
		t.Fatalf("res = %+v", res)
	}

	var out bmsDataResult
	if err := json.Unmarshal([]byte(res.Output), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ReturnedPoints != 50 || !out.Sampled {
		t.Errorf("returned %d sampled=%v", out.ReturnedPoints, out.Sampled)
	}
	// Default range is the 7 days ending now, at 15-minute cadence.
	if out.TotalPoints != 7*24*4+1 {
		t.Errorf("TotalPoints = %d", out.TotalPoints)
	}
	if !out.Points[len(out.Points)-1].Timestamp.Equal(testNow) {
		t.Error("newest point must be kept")
	}
	if len(out.Points[0].Values) != 1 {
		t.Errorf("metric filter not applied: %v", out.Points[0].Values)
	}
}

func TestRequestBMSData_DailyAndEmpty(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := WithSystemID(context.Background(), "sys1")

	res := r.Execute(ctx, "request_bms_data", map[string]any{"granularity": "daily_avg", "time_range_start": "2026-06-10", "time_range_end": "2026-06-12"})
	var out bmsDataResult
	if err := json.Unmarshal([]byte(res.Output), &out); err != nil {
		t.Fatalf("decode: %v (%s)", err, res.Err)
	}
	if out.ReturnedPoints != 3 {
		t.Errorf("daily points = %d, want 3", out.ReturnedPoints)
	}

	res = r.Execute(ctx, "request_bms_data", map[string]any{"time_range_start": "2020-01-01", "time_range_end": "2020-01-02"})
	if res.IsError() {
		t.Fatalf("unexpected error: %s", res.Err)
	}
	if !res.Empty {
		t.Error("out-of-range request should be empty")
	}
	if !strings.Contains(res.Output, "stored history spans") {
		t.Errorf("empty result should explain coverage: %s", res.Output)
	}
}

func TestSystemAnalytics(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	res := r.Execute(context.Background(), "get_system_analytics", map[string]any{"system_id": "sys1"})
	if res.IsError() || res.Empty {
		t.Fatalf("res = %+v", res)
	}
	var out analyticsResult
	if err := json.Unmarshal([]byte(res.Output), &out); err != nil {
		t.Fatal(err)
	}
	if out.CoverageHours != 241 || out.Summary.Statistics["soc"].Latest != 60 {
		t.Errorf("out = %+v", out)
	}
	if len(out.Summary.SampleDataPoints) != 3 {
		t.Errorf("samples = %d", len(out.Summary.SampleDataPoints))
	}

	res = r.Execute(context.Background(), "get_system_analytics", map[string]any{"system_id": "noloc"})
	if res.IsError() || !res.Empty {
		t.Errorf("system without readings should be empty: %+v", res)
	}
}

func TestAnalysisTools(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := WithSystemID(context.Background(), "sys1")

	res := r.Execute(ctx, "calculate_energy_budget", nil)
	if res.IsError() {
		t.Fatalf("budget: %s", res.Err)
	}
	if !strings.Contains(res.Output, `"avgDailyConsumptionWh":1200`) {
		t.Errorf("budget output = %s", res.Output)
	}

	res = r.Execute(ctx, "analyze_usage_patterns", map[string]any{"pattern": "weekly", "metric": "soc"})
	if res.IsError() || !strings.Contains(res.Output, `"pattern":"weekly"`) {
		t.Errorf("usage: %+v", res)
	}

	res = r.Execute(ctx, "predict_battery_trends", map[string]any{"metric": "soc", "lookback_days": 7})
	if res.IsError() || !strings.Contains(res.Output, `"direction":"flat"`) {
		t.Errorf("trend: %+v", res)
	}

	res = r.Execute(ctx, "predict_battery_trends", map[string]any{"metric": "capacity_ah"})
	if !res.IsError() || !strings.Contains(res.Err, "insufficient data") {
		t.Errorf("missing metric should fail: %+v", res)
	}
}

func TestWeatherTools(t *testing.T) {
	r, _, wx := newTestRegistry(t)
	ctx := WithSystemID(context.Background(), "sys1")

	res := r.Execute(ctx, "get_weather_data", map[string]any{"days_back": 2, "days_ahead": 0})
	if res.IsError() || res.Empty {
		t.Fatalf("weather: %+v", res)
	}
	var wout weatherResult
	if err := json.Unmarshal([]byte(res.Output), &wout); err != nil {
		t.Fatal(err)
	}
	if len(wout.Hours) > maxWeatherHours {
		t.Errorf("hours = %d, want <= %d", len(wout.Hours), maxWeatherHours)
	}

	res = r.Execute(ctx, "get_solar_estimate", map[string]any{"days_back": 0, "days_ahead": 0})
	if res.IsError() {
		t.Fatalf("solar: %s", res.Err)
	}
	var sout solarResult
	if err := json.Unmarshal([]byte(res.Output), &sout); err != nil {
		t.Fatal(err)
	}
	// 4 hours at 500 W/m² = 2 PSH; 800 W × 2 × 0.8.
	if len(sout.Days) != 1 || sout.Days[0].EstimatedWh != 1280 || sout.PanelWatts != 800 {
		t.Errorf("solar = %+v", sout)
	}
	if wx.calls != 2 {
		t.Errorf("weather calls = %d", wx.calls)
	}

	res = r.Execute(context.Background(), "get_weather_data", map[string]any{"system_id": "noloc"})
	if !res.IsError() || !strings.Contains(res.Err, "no location") {
		t.Errorf("noloc: %+v", res)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if SystemIDFromContext(ctx) != "" || JobIDFromContext(ctx) != "" {
		t.Error("expected empty IDs on bare context")
	}
	ctx = WithJobID(WithSystemID(ctx, "s"), "j")
	if SystemIDFromContext(ctx) != "s" || JobIDFromContext(ctx) != "j" {
		t.Error("IDs not round-tripped through context")
	}
}
