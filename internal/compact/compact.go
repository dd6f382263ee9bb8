// Package compact reduces large telemetry series to a bounded digest:
// per-metric statistics plus a few representative samples.
package compact

import (
	"math"
	"sort"
	"time"
)

// Point is one telemetry observation or one aggregate bucket.
type Point struct {
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// Stat holds summary statistics for a single metric.
type Stat struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	Latest float64 `json:"latest"`
	Count  int     `json:"count"`
}

// Summary is the compact digest of a series. It is derived data and is
// recomputed on every context build.
type Summary struct {
	TimeRangeHours   int             `json:"timeRangeHours"`
	DataPointCount   int             `json:"dataPointCount"`
	Start            time.Time       `json:"start,omitzero"`
	End              time.Time       `json:"end,omitzero"`
	Statistics       map[string]Stat `json:"statistics"`
	SampleDataPoints []Point         `json:"sampleDataPoints"`
}

// Summarize computes per-metric min, max, average and latest value
// across points. Points need not be sorted; they are ordered by
// timestamp first so that Latest and the samples are correct.
func Summarize(points []Point) Summary {
	s := Summary{
		DataPointCount: len(points),
		Statistics:     map[string]Stat{},
	}
	if len(points) == 0 {
		return s
	}

	sorted := sortedCopy(points)
	s.Start = sorted[0].Timestamp
	s.End = sorted[len(sorted)-1].Timestamp
	s.TimeRangeHours = int(math.Ceil(s.End.Sub(s.Start).Hours()))

	sums := map[string]float64{}
	for _, p := range sorted {
		for name, v := range p.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			st, ok := s.Statistics[name]
			if !ok {
				st = Stat{Min: v, Max: v}
			}
			st.Min = math.Min(st.Min, v)
			st.Max = math.Max(st.Max, v)
			st.Latest = v
			st.Count++
			sums[name] += v
			s.Statistics[name] = st
		}
	}
	for name, st := range s.Statistics {
		st.Avg = round(sums[name]/float64(st.Count), 3)
		s.Statistics[name] = st
	}

	s.SampleDataPoints = SummarySample(sorted)
	return s
}

// SummarySample returns at most three points: the first, the middle
// and the last.
func SummarySample(points []Point) []Point {
	n := len(points)
	switch {
	case n == 0:
		return nil
	case n <= 3:
		return append([]Point(nil), points...)
	}
	return []Point{points[0], points[n/2], points[n-1]}
}

// Sample selects at most max points by systematic (evenly spaced)
// index selection. The first and last points are always kept. When
// max is 1 only the most recent point survives.
func Sample(points []Point, max int) []Point {
	n := len(points)
	if max <= 0 || n == 0 {
		return nil
	}
	if n <= max {
		return append([]Point(nil), points...)
	}
	if max == 1 {
		return []Point{points[n-1]}
	}
	out := make([]Point, 0, max)
	for _, idx := range SampleIndexes(n, max) {
		out = append(out, points[idx])
	}
	return out
}

// SampleIndexes returns max evenly spaced indexes in [0, n) including
// 0 and n-1. It requires 2 <= max < n.
func SampleIndexes(n, max int) []int {
	idx := make([]int, max)
	step := float64(n-1) / float64(max-1)
	for i := range max {
		idx[i] = int(math.Round(float64(i) * step))
	}
	idx[max-1] = n - 1
	return idx
}

// Bucket averages points into fixed-width time buckets aligned to the
// bucket width. Each output point is stamped with its bucket start.
func Bucket(points []Point, width time.Duration) []Point {
	if len(points) == 0 || width <= 0 {
		return nil
	}

	type acc struct {
		sums   map[string]float64
		counts map[string]int
	}
	buckets := map[time.Time]*acc{}
	var keys []time.Time
	for _, p := range points {
		k := p.Timestamp.Truncate(width)
		a, ok := buckets[k]
		if !ok {
			a = &acc{sums: map[string]float64{}, counts: map[string]int{}}
			buckets[k] = a
			keys = append(keys, k)
		}
		for name, v := range p.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			a.sums[name] += v
			a.counts[name]++
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	out := make([]Point, 0, len(keys))
	for _, k := range keys {
		a := buckets[k]
		vals := make(map[string]float64, len(a.sums))
		for name, sum := range a.sums {
			vals[name] = round(sum/float64(a.counts[name]), 3)
		}
		out = append(out, Point{Timestamp: k, Values: vals})
	}
	return out
}

// Filter keeps only the named metric in each point, dropping points
// that do not carry it. An empty name or "all" keeps everything.
func Filter(points []Point, metric string) []Point {
	if metric == "" || metric == "all" {
		return points
	}
	var out []Point
	for _, p := range points {
		if v, ok := p.Values[metric]; ok {
			out = append(out, Point{Timestamp: p.Timestamp, Values: map[string]float64{metric: v}})
		}
	}
	return out
}

// EstimateTokens approximates the token count of s at four bytes per
// token.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

func sortedCopy(points []Point) []Point {
	out := append([]Point(nil), points...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
