package weather

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const sampleBody = `{
	"hourly": {
		"time": ["2026-06-01T11:00", "2026-06-01T12:00", "2026-06-02T12:00"],
		"temperature_2m": [20.5, 22.0, null],
		"cloud_cover": [10, 30, 100],
		"shortwave_radiation": [800, 1000, 200]
	}
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *string) {
	t.Helper()
	var hit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = r.URL.Path
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL+"/forecast", srv.URL+"/archive", slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.now = func() time.Time { return time.Date(2026, 6, 3, 0, 0, 0, 0, time.UTC) }
	return c, &hit
}

func TestHourly(t *testing.T) {
	c, hit := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("start_date") != "2026-06-01" || q.Get("hourly") == "" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, sampleBody)
	})

	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	hours, err := c.Hourly(context.Background(), 45, -93, start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Hourly: %v", err)
	}
	if *hit != "/forecast" {
		t.Errorf("recent range should use forecast, hit %s", *hit)
	}
	if len(hours) != 3 {
		t.Fatalf("hours = %d", len(hours))
	}
	if hours[0].TemperatureC != 20.5 || hours[2].TemperatureC != 0 {
		t.Errorf("temperatures = %v, %v", hours[0].TemperatureC, hours[2].TemperatureC)
	}
	if !hours[1].Time.Equal(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("time = %v", hours[1].Time)
	}
}

func TestHourlyUsesArchiveForOldRanges(t *testing.T) {
	c, hit := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"hourly":{"time":[]}}`)
	})
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := c.Hourly(context.Background(), 45, -93, start, start.Add(48*time.Hour)); err != nil {
		t.Fatalf("Hourly: %v", err)
	}
	if *hit != "/archive" {
		t.Errorf("old range should use archive, hit %s", *hit)
	}
}

func TestHourlyValidation(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	now := time.Now()
	if _, err := c.Hourly(context.Background(), 91, 0, now, now); err == nil {
		t.Error("expected error for bad latitude")
	}
	if _, err := c.Hourly(context.Background(), 0, 0, now, now.Add(-time.Hour)); err == nil {
		t.Error("expected error for reversed range")
	}
}

func TestHourlyServerError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	})
	now := time.Now()
	if _, err := c.Hourly(context.Background(), 0, 0, now, now); err == nil {
		t.Error("expected error on 400")
	}
}

func TestEstimateSolar(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, sampleBody)
	})
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	days, err := c.Solar(context.Background(), 45, -93, 1000, 0.75, start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Solar: %v", err)
	}
	if len(days) != 2 {
		t.Fatalf("days = %d", len(days))
	}
	if days[0].Date != "2026-06-01" || days[0].PeakSunHours != 1.8 || days[0].EstimatedWh != 1350 {
		t.Errorf("day 0 = %+v", days[0])
	}
	if days[1].AvgCloudCover != 100 {
		t.Errorf("day 1 = %+v", days[1])
	}
}
