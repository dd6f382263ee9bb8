package compact

import (
	"testing"
	"time"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func series(n int) []Point {
	pts := make([]Point, n)
	for i := range n {
		pts[i] = Point{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Values:    map[string]float64{"soc": float64(i), "voltage": 52},
		}
	}
	return pts
}

func TestSummarize(t *testing.T) {
	pts := series(25)
	// Shuffle the newest point to the front; Latest must still be it.
	pts[0], pts[24] = pts[24], pts[0]

	s := Summarize(pts)
	if s.DataPointCount != 25 {
		t.Errorf("DataPointCount = %d", s.DataPointCount)
	}
	if s.TimeRangeHours != 24 {
		t.Errorf("TimeRangeHours = %d", s.TimeRangeHours)
	}
	soc := s.Statistics["soc"]
	if soc.Min != 0 || soc.Max != 24 || soc.Avg != 12 || soc.Latest != 24 {
		t.Errorf("soc stats = %+v", soc)
	}
	if len(s.SampleDataPoints) != 3 {
		t.Fatalf("samples = %d", len(s.SampleDataPoints))
	}
	if !s.SampleDataPoints[2].Timestamp.Equal(base.Add(24 * time.Hour)) {
		t.Error("last sample must be the most recent point")
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	if s.DataPointCount != 0 || len(s.Statistics) != 0 || s.SampleDataPoints != nil {
		t.Errorf("unexpected summary: %+v", s)
	}
}

func TestSummarySample(t *testing.T) {
	for n := 0; n <= 50; n++ {
		pts := series(n)
		got := SummarySample(pts)
		if len(got) > 3 {
			t.Fatalf("n=%d: %d samples", n, len(got))
		}
		if n == 0 {
			continue
		}
		if !got[0].Timestamp.Equal(pts[0].Timestamp) || !got[len(got)-1].Timestamp.Equal(pts[n-1].Timestamp) {
			t.Errorf("n=%d: boundaries not preserved", n)
		}
	}
}

func TestSample(t *testing.T) {
	for n := 1; n <= 120; n += 7 {
		for _, max := range []int{2, 3, 10, 50, 200} {
			pts := series(n)
			got := Sample(pts, max)
			if len(got) > max {
				t.Fatalf("n=%d max=%d: got %d", n, max, len(got))
			}
			if !got[0].Timestamp.Equal(pts[0].Timestamp) {
				t.Errorf("n=%d max=%d: first point dropped", n, max)
			}
			if !got[len(got)-1].Timestamp.Equal(pts[n-1].Timestamp) {
				t.Errorf("n=%d max=%d: last point dropped", n, max)
			}
			for i := 1; i < len(got); i++ {
				if !got[i].Timestamp.After(got[i-1].Timestamp) {
					t.Errorf("n=%d max=%d: samples not strictly ordered", n, max)
				}
			}
		}
	}
}

func TestSampleKeepsNewestWhenMaxIsOne(t *testing.T) {
	pts := series(10)
	got := Sample(pts, 1)
	if len(got) != 1 || !got[0].Timestamp.Equal(pts[9].Timestamp) {
		t.Errorf("got %+v", got)
	}
	if Sample(pts, 0) != nil {
		t.Error("max 0 should return nil")
	}
}

func TestBucket(t *testing.T) {
	var pts []Point
	for i := range 12 {
		pts = append(pts, Point{
			Timestamp: base.Add(time.Duration(i) * 15 * time.Minute),
			Values:    map[string]float64{"current": float64(i)},
		})
	}

	got := Bucket(pts, time.Hour)
	if len(got) != 3 {
		t.Fatalf("buckets = %d", len(got))
	}
	if got[0].Values["current"] != 1.5 || got[2].Values["current"] != 9.5 {
		t.Errorf("averages = %v, %v", got[0].Values, got[2].Values)
	}
	if !got[1].Timestamp.Equal(base.Add(time.Hour)) {
		t.Errorf("bucket start = %v", got[1].Timestamp)
	}
}

func TestFilter(t *testing.T) {
	pts := []Point{
		{Timestamp: base, Values: map[string]float64{"soc": 1, "voltage": 2}},
		{Timestamp: base.Add(time.Hour), Values: map[string]float64{"voltage": 3}},
	}
	if got := Filter(pts, "all"); len(got) != 2 {
		t.Errorf("all = %d", len(got))
	}
	got := Filter(pts, "soc")
	if len(got) != 1 || len(got[0].Values) != 1 {
		t.Errorf("soc = %+v", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
