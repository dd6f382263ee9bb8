// Package weather fetches hourly weather and irradiance from Open-Meteo
// and derives daily solar yield estimates for a PV array.
package weather

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nugget/bmsinsight/internal/httpkit"
)

// archiveLag is how far behind real time the archive API runs. Ranges
// ending more recently than this are served from the forecast API.
const archiveLag = 5 * 24 * time.Hour

// Hour is one hourly weather observation or forecast.
type Hour struct {
	Time          time.Time `json:"time"`
	TemperatureC  float64   `json:"temperatureC"`
	CloudCoverPct float64   `json:"cloudCoverPct"`
	IrradianceWm2 float64   `json:"irradianceWm2"` // shortwave radiation
}

// DaySolar is an estimated PV yield for one calendar day (UTC).
type DaySolar struct {
	Date          string  `json:"date"`
	PeakSunHours  float64 `json:"peakSunHours"`
	EstimatedWh   float64 `json:"estimatedWh"`
	AvgCloudCover float64 `json:"avgCloudCoverPct"`
}

// Client queries the Open-Meteo forecast and archive endpoints.
type Client struct {
	forecastURL string
	archiveURL  string
	http        *http.Client
	logger      *slog.Logger
	now         func() time.Time
}

// NewClient creates a weather client. Empty URLs fall back to the
// public Open-Meteo endpoints.
func NewClient(forecastURL, archiveURL string, logger *slog.Logger) *Client {
	if forecastURL == "" {
		forecastURL = "https://api.open-meteo.com/v1/forecast"
	}
	if archiveURL == "" {
		archiveURL = "https://archive-api.open-meteo.com/v1/archive"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		forecastURL: forecastURL,
		archiveURL:  archiveURL,
		http:        httpkit.NewClient(httpkit.WithRetry(2, time.Second), httpkit.WithLogger(logger)),
		logger:      logger,
		now:         time.Now,
	}
}

type hourlyResponse struct {
	Hourly struct {
		Time        []string   `json:"time"`
		Temperature []*float64 `json:"temperature_2m"`
		CloudCover  []*float64 `json:"cloud_cover"`
		Radiation   []*float64 `json:"shortwave_radiation"`
	} `json:"hourly"`
}

// Hourly returns hourly weather for the location over [start, end],
// at day granularity.
func (c *Client) Hourly(ctx context.Context, lat, lon float64, start, end time.Time) ([]Hour, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("invalid coordinates %.4f,%.4f", lat, lon)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end %s before start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}

	endpoint := c.forecastURL
	if end.Before(c.now().Add(-archiveLag)) {
		endpoint = c.archiveURL
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', 4, 64))
	q.Set("hourly", "temperature_2m,cloud_cover,shortwave_radiation")
	q.Set("start_date", start.UTC().Format(time.DateOnly))
	q.Set("end_date", end.UTC().Format(time.DateOnly))
	q.Set("timezone", "UTC")

	c.logger.Debug("fetching weather", "endpoint", endpoint, "lat", lat, "lon", lon,
		"start", start.Format(time.DateOnly), "end", end.Format(time.DateOnly))

	var resp hourlyResponse
	if err := httpkit.GetJSON(ctx, c.http, endpoint+"?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("fetch weather: %w", err)
	}

	h := resp.Hourly
	out := make([]Hour, 0, len(h.Time))
	for i, ts := range h.Time {
		t, err := time.Parse("2006-01-02T15:04", ts)
		if err != nil {
			return nil, fmt.Errorf("parse time %q: %w", ts, err)
		}
		out = append(out, Hour{
			Time:          t,
			TemperatureC:  at(h.Temperature, i),
			CloudCoverPct: at(h.CloudCover, i),
			IrradianceWm2: at(h.Radiation, i),
		})
	}
	return out, nil
}

// at returns vals[i], treating missing or null entries as zero.
func at(vals []*float64, i int) float64 {
	if i >= len(vals) || vals[i] == nil {
		return 0
	}
	return *vals[i]
}

// Solar fetches irradiance for the location and returns per-day yield
// estimates for an array of panelWatts with the given derate.
func (c *Client) Solar(ctx context.Context, lat, lon, panelWatts, derate float64, start, end time.Time) ([]DaySolar, error) {
	hours, err := c.Hourly(ctx, lat, lon, start, end)
	if err != nil {
		return nil, err
	}
	return EstimateSolar(hours, panelWatts, derate), nil
}

// EstimateSolar converts hourly irradiance to daily yield. Peak sun
// hours are kWh/m² per day; yield is panel watts × PSH × derate.
func EstimateSolar(hours []Hour, panelWatts, derate float64) []DaySolar {
	type acc struct {
		wh    float64
		cloud float64
		n     int
	}
	days := map[string]*acc{}
	var order []string
	for _, h := range hours {
		d := h.Time.UTC().Format(time.DateOnly)
		a, ok := days[d]
		if !ok {
			a = &acc{}
			days[d] = a
			order = append(order, d)
		}
		a.wh += h.IrradianceWm2
		a.cloud += h.CloudCoverPct
		a.n++
	}

	out := make([]DaySolar, 0, len(order))
	for _, d := range order {
		a := days[d]
		psh := a.wh / 1000
		out = append(out, DaySolar{
			Date:          d,
			PeakSunHours:  round2(psh),
			EstimatedWh:   math.Round(panelWatts * psh * derate),
			AvgCloudCover: round2(a.cloud / float64(a.n)),
		})
	}
	return out
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
