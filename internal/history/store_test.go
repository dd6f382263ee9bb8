package history

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStore_SystemRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sys := &System{Name: "Cabin", Chemistry: "LiFePO4", NominalVoltage: 51.2, CapacityAh: 280, Latitude: 45.1, Longitude: -93.2, PanelWatts: 1200}
	if err := store.SaveSystem(ctx, sys); err != nil {
		t.Fatalf("save: %v", err)
	}
	if sys.ID == "" {
		t.Fatal("expected generated ID")
	}

	got, err := store.System(ctx, sys.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Cabin" || got.CapacityAh != 280 || !got.HasLocation() {
		t.Errorf("unexpected system: %+v", got)
	}
	if got.CapacityWh() != 51.2*280 {
		t.Errorf("CapacityWh = %v", got.CapacityWh())
	}

	sys.Name = "Cabin 2"
	if err := store.SaveSystem(ctx, sys); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = store.System(ctx, sys.ID)
	if got.Name != "Cabin 2" {
		t.Errorf("update not applied: %q", got.Name)
	}
}

func TestStore_SystemNotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.System(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.AddReadings(context.Background(), "nope", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AddReadings: expected ErrNotFound, got %v", err)
	}
}

func TestStore_SaveSystemRequiresName(t *testing.T) {
	store := setupTestStore(t)
	if err := store.SaveSystem(context.Background(), &System{}); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestStore_Readings(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	sys := &System{Name: "Van"}
	if err := store.SaveSystem(ctx, sys); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	var readings []Reading
	for i := range 48 {
		readings = append(readings, Reading{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Metrics:   map[string]float64{MetricSOC: float64(50 + i%10), MetricVoltage: 52.1},
		})
	}
	readings = append(readings, Reading{Timestamp: base}) // no metrics, skipped

	n, err := store.AddReadings(ctx, sys.ID, readings)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if n != 48 {
		t.Errorf("wrote %d, want 48", n)
	}

	all, err := store.Points(ctx, sys.ID, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("points: %v", err)
	}
	if len(all) != 48 {
		t.Fatalf("points = %d", len(all))
	}
	if !all[0].Timestamp.Equal(base) {
		t.Errorf("first = %v", all[0].Timestamp)
	}

	day2, err := store.Points(ctx, sys.ID, base.Add(24*time.Hour), base.Add(47*time.Hour))
	if err != nil {
		t.Fatalf("points range: %v", err)
	}
	if len(day2) != 24 {
		t.Errorf("range points = %d, want 24", len(day2))
	}

	latest, err := store.Latest(ctx, sys.ID)
	if err != nil || latest == nil {
		t.Fatalf("latest: %v %v", latest, err)
	}
	if !latest.Timestamp.Equal(base.Add(47 * time.Hour)) {
		t.Errorf("latest = %v", latest.Timestamp)
	}

	span, err := store.Span(ctx, sys.ID)
	if err != nil {
		t.Fatalf("span: %v", err)
	}
	if span.Count != 48 || !span.First.Equal(base) {
		t.Errorf("span = %+v", span)
	}
}

func TestStore_LatestEmpty(t *testing.T) {
	store := setupTestStore(t)
	p, err := store.Latest(context.Background(), "x")
	if err != nil || p != nil {
		t.Fatalf("expected nil, nil; got %v, %v", p, err)
	}
	span, err := store.Span(context.Background(), "x")
	if err != nil || span.Count != 0 || !span.First.IsZero() {
		t.Fatalf("span = %+v, %v", span, err)
	}
}
