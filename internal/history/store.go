// Package history persists battery systems and their telemetry
// readings in SQLite. It is the range-query collaborator behind the
// data retrieval tools and the initial context builder.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/bmsinsight/internal/compact"
)

// ErrNotFound is returned when a system does not exist.
var ErrNotFound = errors.New("system not found")

// Well-known metric names. Readings may carry others.
const (
	MetricSOC         = "soc"           // state of charge, percent
	MetricVoltage     = "voltage"       // pack voltage, V
	MetricCurrent     = "current"       // A, positive is charging
	MetricPower       = "power"         // W, positive is charging
	MetricTemperature = "temperature"   // °C
	MetricCapacity    = "capacity_ah"   // remaining full-charge capacity, Ah
	MetricCycles      = "cycle_count"   // charge cycles
	MetricSolarPower  = "solar_power"   // PV input, W
	MetricCellDelta   = "cell_delta_mv" // max minus min cell voltage, mV
	MetricLoadPower   = "load_power"    // W drawn by loads
)

// KnownMetrics lists the well-known metric names in display order.
var KnownMetrics = []string{
	MetricSOC, MetricVoltage, MetricCurrent, MetricPower, MetricTemperature,
	MetricCapacity, MetricCycles, MetricSolarPower, MetricCellDelta, MetricLoadPower,
}

// System is the static profile of one battery installation.
type System struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Chemistry      string    `json:"chemistry,omitempty"`
	NominalVoltage float64   `json:"nominalVoltage,omitempty"`
	CapacityAh     float64   `json:"capacityAh,omitempty"`
	Latitude       float64   `json:"latitude,omitempty"`
	Longitude      float64   `json:"longitude,omitempty"`
	PanelWatts     float64   `json:"panelWatts,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// HasLocation reports whether the system has coordinates set.
func (s *System) HasLocation() bool {
	return s.Latitude != 0 || s.Longitude != 0
}

// CapacityWh returns nominal energy capacity, or 0 if unknown.
func (s *System) CapacityWh() float64 {
	return s.CapacityAh * s.NominalVoltage
}

// Reading is one telemetry snapshot, typically produced by the
// screenshot extraction service.
type Reading struct {
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Source    string             `json:"source,omitempty"`
}

// Span describes the extent of a system's stored history.
type Span struct {
	First time.Time
	Last  time.Time
	Count int
}

// Store is a SQLite-backed history store. All public methods are safe
// for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore creates a history store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS systems (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			chemistry       TEXT,
			nominal_voltage REAL,
			capacity_ah     REAL,
			latitude        REAL,
			longitude       REAL,
			panel_watts     REAL,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS readings (
			system_id TEXT NOT NULL,
			ts        INTEGER NOT NULL,
			metrics   TEXT NOT NULL,
			source    TEXT,
			PRIMARY KEY (system_id, ts)
		);
		CREATE INDEX IF NOT EXISTS idx_readings_system_ts ON readings(system_id, ts);
	`)
	return err
}

// SaveSystem inserts or updates a system. An empty ID is assigned a
// UUIDv7.
func (s *Store) SaveSystem(ctx context.Context, sys *System) error {
	if strings.TrimSpace(sys.Name) == "" {
		return fmt.Errorf("system name is required")
	}
	if sys.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate system ID: %w", err)
		}
		sys.ID = id.String()
	}
	now := time.Now().UTC()
	if sys.CreatedAt.IsZero() {
		sys.CreatedAt = now
	}
	sys.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO systems
			(id, name, chemistry, nominal_voltage, capacity_ah, latitude, longitude, panel_watts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			chemistry = excluded.chemistry,
			nominal_voltage = excluded.nominal_voltage,
			capacity_ah = excluded.capacity_ah,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			panel_watts = excluded.panel_watts,
			updated_at = excluded.updated_at`,
		sys.ID, sys.Name, sys.Chemistry, sys.NominalVoltage, sys.CapacityAh,
		sys.Latitude, sys.Longitude, sys.PanelWatts,
		sys.CreatedAt.UnixMilli(), sys.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save system %s: %w", sys.ID, err)
	}
	return nil
}

// System returns the system with the given ID, or ErrNotFound.
func (s *Store) System(ctx context.Context, id string) (*System, error) {
	var sys System
	var chem sql.NullString
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, chemistry, nominal_voltage, capacity_ah, latitude, longitude, panel_watts, created_at, updated_at
		FROM systems WHERE id = ?`, id,
	).Scan(&sys.ID, &sys.Name, &chem, &sys.NominalVoltage, &sys.CapacityAh,
		&sys.Latitude, &sys.Longitude, &sys.PanelWatts, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query system %s: %w", id, err)
	}
	sys.Chemistry = chem.String
	sys.CreatedAt = time.UnixMilli(created).UTC()
	sys.UpdatedAt = time.UnixMilli(updated).UTC()
	return &sys, nil
}

// AddReadings stores readings for a system. A reading with the same
// timestamp as an existing one replaces it. It returns the number of
// readings written.
func (s *Store) AddReadings(ctx context.Context, systemID string, readings []Reading) (int, error) {
	if _, err := s.System(ctx, systemID); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO readings (system_id, ts, metrics, source) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	n := 0
	for _, r := range readings {
		if r.Timestamp.IsZero() || len(r.Metrics) == 0 {
			continue
		}
		metrics, err := json.Marshal(r.Metrics)
		if err != nil {
			return 0, fmt.Errorf("encode metrics: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, systemID, r.Timestamp.UnixMilli(), string(metrics), r.Source); err != nil {
			return 0, fmt.Errorf("insert reading: %w", err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// Points returns readings for a system in [start, end], oldest first.
// A zero start or end leaves that side unbounded.
func (s *Store) Points(ctx context.Context, systemID string, start, end time.Time) ([]compact.Point, error) {
	q := `SELECT ts, metrics FROM readings WHERE system_id = ?`
	args := []any{systemID}
	if !start.IsZero() {
		q += ` AND ts >= ?`
		args = append(args, start.UnixMilli())
	}
	if !end.IsZero() {
		q += ` AND ts <= ?`
		args = append(args, end.UnixMilli())
	}
	q += ` ORDER BY ts ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var out []compact.Point
	for rows.Next() {
		var ts int64
		var raw string
		if err := rows.Scan(&ts, &raw); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		p := compact.Point{Timestamp: time.UnixMilli(ts).UTC()}
		if err := json.Unmarshal([]byte(raw), &p.Values); err != nil {
			return nil, fmt.Errorf("decode metrics at %d: %w", ts, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Latest returns the most recent reading, or nil if there is none.
func (s *Store) Latest(ctx context.Context, systemID string) (*compact.Point, error) {
	var ts int64
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT ts, metrics FROM readings WHERE system_id = ? ORDER BY ts DESC LIMIT 1`, systemID,
	).Scan(&ts, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest reading: %w", err)
	}
	p := &compact.Point{Timestamp: time.UnixMilli(ts).UTC()}
	if err := json.Unmarshal([]byte(raw), &p.Values); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}
	return p, nil
}

// Span returns the first and last reading times and the total count.
func (s *Store) Span(ctx context.Context, systemID string) (Span, error) {
	var first, last sql.NullInt64
	var span Span
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(ts), MAX(ts), COUNT(*) FROM readings WHERE system_id = ?`, systemID,
	).Scan(&first, &last, &span.Count)
	if err != nil {
		return Span{}, fmt.Errorf("query span: %w", err)
	}
	if first.Valid {
		span.First = time.UnixMilli(first.Int64).UTC()
		span.Last = time.UnixMilli(last.Int64).UTC()
	}
	return span, nil
}
