// Package analytics holds the numeric routines behind the analysis
// tools: trend regression, usage profiles, anomaly detection and
// energy budgeting over telemetry points.
package analytics

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/nugget/bmsinsight/internal/compact"
)

// ErrInsufficientData is returned when a routine needs more points than
// it was given.
var ErrInsufficientData = errors.New("insufficient data")

// maxGap is the longest interval integrated across when computing
// energy. Longer gaps are treated as missing data.
const maxGap = 2 * time.Hour

// Regression is an ordinary least squares fit y = Slope*x + Intercept.
type Regression struct {
	Slope     float64
	Intercept float64
	R2        float64
	N         int
}

// Fit computes a least squares line through xs, ys.
func Fit(xs, ys []float64) (Regression, error) {
	n := len(xs)
	if n != len(ys) || n < 2 {
		return Regression{}, ErrInsufficientData
	}
	var sx, sy, sxx, sxy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		sxy += xs[i] * ys[i]
	}
	fn := float64(n)
	den := fn*sxx - sx*sx
	if den == 0 {
		return Regression{}, ErrInsufficientData
	}
	slope := (fn*sxy - sx*sy) / den
	icept := (sy - slope*sx) / fn

	meanY := sy / fn
	var ssTot, ssRes float64
	for i := range xs {
		d := ys[i] - meanY
		ssTot += d * d
		r := ys[i] - (slope*xs[i] + icept)
		ssRes += r * r
	}
	r2 := 1.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}
	return Regression{Slope: slope, Intercept: icept, R2: r2, N: n}, nil
}

// Trend is a projected metric trend over daily averages.
type Trend struct {
	Metric          string   `json:"metric"`
	Days            int      `json:"daysAnalyzed"`
	SlopePerDay     float64  `json:"slopePerDay"`
	R2              float64  `json:"r2"`
	Current         float64  `json:"current"`
	HorizonDays     int      `json:"horizonDays"`
	Projected       float64  `json:"projected"`
	Threshold       *float64 `json:"threshold,omitempty"`
	DaysToThreshold *float64 `json:"daysToThreshold,omitempty"`
	Direction       string   `json:"direction"`
}

// PredictTrend fits a line through daily averages of metric and
// projects it horizonDays past the newest day. When threshold is set
// it also estimates days until the fitted line crosses it.
func PredictTrend(points []compact.Point, metric string, horizonDays int, threshold *float64) (*Trend, error) {
	daily := compact.Bucket(compact.Filter(points, metric), 24*time.Hour)
	if len(daily) < 2 {
		return nil, ErrInsufficientData
	}

	origin := daily[0].Timestamp
	xs := make([]float64, len(daily))
	ys := make([]float64, len(daily))
	for i, p := range daily {
		xs[i] = p.Timestamp.Sub(origin).Hours() / 24
		ys[i] = p.Values[metric]
	}
	fit, err := Fit(xs, ys)
	if err != nil {
		return nil, err
	}

	lastX := xs[len(xs)-1]
	t := &Trend{
		Metric:      metric,
		Days:        len(daily),
		SlopePerDay: round(fit.Slope, 4),
		R2:          round(fit.R2, 3),
		Current:     round(fit.Slope*lastX+fit.Intercept, 3),
		HorizonDays: horizonDays,
		Projected:   round(fit.Slope*(lastX+float64(horizonDays))+fit.Intercept, 3),
		Direction:   direction(fit.Slope),
	}
	if threshold != nil {
		t.Threshold = threshold
		if fit.Slope != 0 {
			x := (*threshold - fit.Intercept) / fit.Slope
			if d := x - lastX; d >= 0 {
				d = round(d, 1)
				t.DaysToThreshold = &d
			}
		}
	}
	return t, nil
}

func direction(slope float64) string {
	switch {
	case math.Abs(slope) < 1e-6:
		return "flat"
	case slope > 0:
		return "rising"
	default:
		return "falling"
	}
}

// Bin is the aggregate of a metric within one profile slot.
type Bin struct {
	Slot  int     `json:"slot"`
	Label string  `json:"label"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// HourlyProfile aggregates metric by hour of day (UTC). Hours with no
// data are omitted.
func HourlyProfile(points []compact.Point, metric string) []Bin {
	return profile(points, metric, 24, func(t time.Time) int { return t.UTC().Hour() },
		func(slot int) string { return time.Date(0, 1, 1, slot, 0, 0, 0, time.UTC).Format("15:04") })
}

// WeekdayProfile aggregates metric by day of week (UTC), Sunday first.
func WeekdayProfile(points []compact.Point, metric string) []Bin {
	return profile(points, metric, 7, func(t time.Time) int { return int(t.UTC().Weekday()) },
		func(slot int) string { return time.Weekday(slot).String() })
}

func profile(points []compact.Point, metric string, slots int, slotOf func(time.Time) int, label func(int) string) []Bin {
	bins := make([]Bin, slots)
	sums := make([]float64, slots)
	for _, p := range points {
		v, ok := p.Values[metric]
		if !ok {
			continue
		}
		s := slotOf(p.Timestamp)
		b := &bins[s]
		if b.Count == 0 {
			b.Min, b.Max = v, v
		}
		b.Min = math.Min(b.Min, v)
		b.Max = math.Max(b.Max, v)
		b.Count++
		sums[s] += v
	}
	var out []Bin
	for s := range bins {
		if bins[s].Count == 0 {
			continue
		}
		bins[s].Slot = s
		bins[s].Label = label(s)
		bins[s].Avg = round(sums[s]/float64(bins[s].Count), 3)
		out = append(out, bins[s])
	}
	return out
}

// Anomaly is a point whose value deviates from the series mean by more
// than the z-score threshold.
type Anomaly struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	ZScore    float64   `json:"zScore"`
}

// Anomalies returns points of metric whose |z| exceeds threshold,
// newest first, at most limit entries.
func Anomalies(points []compact.Point, metric string, threshold float64, limit int) []Anomaly {
	var vals []float64
	var ts []time.Time
	for _, p := range points {
		if v, ok := p.Values[metric]; ok {
			vals = append(vals, v)
			ts = append(ts, p.Timestamp)
		}
	}
	if len(vals) < 3 {
		return nil
	}
	mean, sd := meanStd(vals)
	if sd == 0 {
		return nil
	}
	var out []Anomaly
	for i, v := range vals {
		z := (v - mean) / sd
		if math.Abs(z) > threshold {
			out = append(out, Anomaly{Timestamp: ts[i], Value: v, ZScore: round(z, 2)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func meanStd(vals []float64) (float64, float64) {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	var ss float64
	for _, v := range vals {
		ss += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(ss / float64(len(vals)))
}

// Budget compares energy consumption with generation.
type Budget struct {
	Days                  float64  `json:"daysCovered"`
	ConsumedWh            float64  `json:"consumedWh"`
	GeneratedWh           float64  `json:"generatedWh"`
	AvgDailyConsumptionWh float64  `json:"avgDailyConsumptionWh"`
	AvgDailyGenerationWh  float64  `json:"avgDailyGenerationWh"`
	NetDailyWh            float64  `json:"netDailyWh"`
	CapacityWh            float64  `json:"capacityWh,omitempty"`
	AutonomyDays          *float64 `json:"autonomyDays,omitempty"`
	Status                string   `json:"status"`
}

// EnergyBudget integrates power over time. Consumption uses load_power
// when present and otherwise the discharge side of power; generation
// uses solar_power when present and otherwise the charge side of
// power. Autonomy is usable capacity over average daily consumption.
func EnergyBudget(points []compact.Point, capacityWh float64) (*Budget, error) {
	if len(points) < 2 {
		return nil, ErrInsufficientData
	}

	var consumed, generated, covered float64
	for i := 1; i < len(points); i++ {
		prev, cur := points[i-1], points[i]
		dt := cur.Timestamp.Sub(prev.Timestamp)
		if dt <= 0 || dt > maxGap {
			continue
		}
		hours := dt.Hours()
		covered += hours
		consumed += hours * (consumption(prev) + consumption(cur)) / 2
		generated += hours * (generation(prev) + generation(cur)) / 2
	}
	if covered == 0 {
		return nil, ErrInsufficientData
	}

	days := covered / 24
	b := &Budget{
		Days:                  round(days, 2),
		ConsumedWh:            math.Round(consumed),
		GeneratedWh:           math.Round(generated),
		AvgDailyConsumptionWh: math.Round(consumed / days),
		AvgDailyGenerationWh:  math.Round(generated / days),
		CapacityWh:            capacityWh,
	}
	b.NetDailyWh = b.AvgDailyGenerationWh - b.AvgDailyConsumptionWh
	if capacityWh > 0 && b.AvgDailyConsumptionWh > 0 {
		a := round(capacityWh/b.AvgDailyConsumptionWh, 1)
		b.AutonomyDays = &a
	}
	switch {
	case b.NetDailyWh >= 0:
		b.Status = "surplus"
	case b.AvgDailyGenerationWh >= 0.8*b.AvgDailyConsumptionWh:
		b.Status = "marginal"
	default:
		b.Status = "deficit"
	}
	return b, nil
}

func consumption(p compact.Point) float64 {
	if v, ok := p.Values["load_power"]; ok {
		return math.Max(v, 0)
	}
	if v, ok := p.Values["power"]; ok && v < 0 {
		return -v
	}
	return 0
}

func generation(p compact.Point) float64 {
	if v, ok := p.Values["solar_power"]; ok {
		return math.Max(v, 0)
	}
	if v, ok := p.Values["power"]; ok && v > 0 {
		return v
	}
	return 0
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
