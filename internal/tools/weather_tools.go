package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/bmsinsight/internal/compact"
	"github.com/nugget/bmsinsight/internal/weather"
)

// maxWeatherHours bounds the hourly rows returned to the model.
const maxWeatherHours = 72

func (r *Registry) registerWeather(h *handlers) {
	locationProps := map[string]any{
		"system_id":  map[string]any{"type": "string", "description": "Battery system whose location to use. Defaults to the system this analysis is about."},
		"days_back":  map[string]any{"type": "integer", "description": "Days of past weather to include (default 3, max 30)."},
		"days_ahead": map[string]any{"type": "integer", "description": "Days of forecast to include (default 1, max 7)."},
	}

	r.Register(&Tool{
		Name: "get_weather_data",
		Description: "Get hourly temperature, cloud cover and solar irradiance at the system's location. " +
			"Use this to explain charging shortfalls or temperature-related behavior.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": locationProps,
		},
		DataRetrieval: true,
		Handler:       bind(h.weatherData),
	})

	solarProps := map[string]any{
		"panel_watts": map[string]any{"type": "number", "description": "Array size in watts. Defaults to the system profile."},
	}
	for k, v := range locationProps {
		solarProps[k] = v
	}
	r.Register(&Tool{
		Name:        "get_solar_estimate",
		Description: "Estimate daily PV yield in Wh from irradiance at the system's location, panel watts and system losses.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": solarProps,
		},
		DataRetrieval: true,
		Handler:       bind(h.solarEstimate),
	})
}

type weatherParams struct {
	SystemID  string `json:"system_id"`
	DaysBack  *int   `json:"days_back"`
	DaysAhead *int   `json:"days_ahead"`
}

func (p *weatherParams) Validate() error {
	if p.DaysBack == nil {
		p.DaysBack = intPtr(3)
	}
	if p.DaysAhead == nil {
		p.DaysAhead = intPtr(1)
	}
	if *p.DaysBack < 0 || *p.DaysBack > 30 {
		return fmt.Errorf("days_back must be between 0 and 30")
	}
	if *p.DaysAhead < 0 || *p.DaysAhead > 7 {
		return fmt.Errorf("days_ahead must be between 0 and 7")
	}
	return nil
}

func intPtr(v int) *int { return &v }

type weatherResult struct {
	Latitude  float64         `json:"latitude"`
	Longitude float64         `json:"longitude"`
	Hours     []weather.Hour  `json:"hours"`
	Summary   compact.Summary `json:"summary"`
}

func (r *weatherResult) IsEmpty() bool { return len(r.Hours) == 0 }

// location resolves the system's coordinates and the requested window.
func (h *handlers) location(ctx context.Context, p *weatherParams) (lat, lon float64, start, end time.Time, panelWatts float64, err error) {
	id, err := systemID(ctx, p.SystemID)
	if err != nil {
		return
	}
	sys, err := h.deps.History.System(ctx, id)
	if err != nil {
		return
	}
	if !sys.HasLocation() {
		err = fmt.Errorf("system %s has no location configured", id)
		return
	}
	today := h.deps.now().UTC().Truncate(24 * time.Hour)
	start = today.AddDate(0, 0, -*p.DaysBack)
	end = today.AddDate(0, 0, *p.DaysAhead)
	return sys.Latitude, sys.Longitude, start, end, sys.PanelWatts, nil
}

func (h *handlers) weatherData(ctx context.Context, p *weatherParams) (any, error) {
	lat, lon, start, end, _, err := h.location(ctx, p)
	if err != nil {
		return nil, err
	}
	hours, err := h.deps.Weather.Hourly(ctx, lat, lon, start, end)
	if err != nil {
		return nil, err
	}

	pts := make([]compact.Point, len(hours))
	for i, hr := range hours {
		pts[i] = compact.Point{Timestamp: hr.Time, Values: map[string]float64{
			"temperature_c":   hr.TemperatureC,
			"cloud_cover_pct": hr.CloudCoverPct,
			"irradiance_wm2":  hr.IrradianceWm2,
		}}
	}
	sampled := compact.Sample(pts, maxWeatherHours)
	out := &weatherResult{Latitude: lat, Longitude: lon, Summary: compact.Summarize(pts)}
	for _, sp := range sampled {
		out.Hours = append(out.Hours, weather.Hour{
			Time:          sp.Timestamp,
			TemperatureC:  sp.Values["temperature_c"],
			CloudCoverPct: sp.Values["cloud_cover_pct"],
			IrradianceWm2: sp.Values["irradiance_wm2"],
		})
	}
	return out, nil
}

type solarParams struct {
	weatherParams
	PanelWatts float64 `json:"panel_watts"`
}

func (p *solarParams) Validate() error {
	if p.PanelWatts < 0 {
		return fmt.Errorf("panel_watts must be positive")
	}
	return p.weatherParams.Validate()
}

type solarResult struct {
	PanelWatts float64            `json:"panelWatts"`
	Derate     float64            `json:"derate"`
	Days       []weather.DaySolar `json:"days"`
}

func (r *solarResult) IsEmpty() bool { return len(r.Days) == 0 }

func (h *handlers) solarEstimate(ctx context.Context, p *solarParams) (any, error) {
	lat, lon, start, end, sysWatts, err := h.location(ctx, &p.weatherParams)
	if err != nil {
		return nil, err
	}
	watts := p.PanelWatts
	if watts == 0 {
		watts = sysWatts
	}
	if watts == 0 {
		return nil, fmt.Errorf("panel_watts unknown; pass it explicitly or set it on the system")
	}
	derate := h.deps.Derate
	if derate <= 0 || derate > 1 {
		derate = 0.75
	}
	hours, err := h.deps.Weather.Hourly(ctx, lat, lon, start, end)
	if err != nil {
		return nil, err
	}
	return &solarResult{PanelWatts: watts, Derate: derate, Days: weather.EstimateSolar(hours, watts, derate)}, nil
}
