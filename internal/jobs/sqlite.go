package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore persists jobs in a SQLite database. The lease
// compare-and-set is a conditional UPDATE.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a job store using db and creates its tables
// if they do not exist.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("job store migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id                  TEXT PRIMARY KEY,
			status              TEXT NOT NULL,
			created_at          INTEGER NOT NULL,
			updated_at          INTEGER NOT NULL,
			checkpoint          BLOB,
			final_result        TEXT NOT NULL DEFAULT '',
			partial_insights    TEXT NOT NULL DEFAULT '',
			error               TEXT NOT NULL DEFAULT '',
			system_id           TEXT NOT NULL DEFAULT '',
			custom_prompt       TEXT NOT NULL DEFAULT '',
			context_window_days INTEGER NOT NULL DEFAULT 0,
			max_iterations      INTEGER NOT NULL DEFAULT 0,
			model_override      TEXT NOT NULL DEFAULT '',
			lease_owner         TEXT NOT NULL DEFAULT '',
			lease_expires_at    INTEGER NOT NULL DEFAULT 0,
			resume_count        INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_updated ON jobs(updated_at);

		CREATE TABLE IF NOT EXISTS job_progress (
			job_id TEXT NOT NULL,
			seq    INTEGER NOT NULL,
			ts     INTEGER NOT NULL,
			type   TEXT NOT NULL,
			data   TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (job_id, seq)
		);
	`)
	return err
}

const jobColumns = `id, status, created_at, updated_at, checkpoint, final_result,
	partial_insights, error, system_id, custom_prompt, context_window_days,
	max_iterations, model_override, lease_owner, lease_expires_at, resume_count`

// Create inserts a new job.
func (s *SQLiteStore) Create(ctx context.Context, job *Job) error {
	job.prepare(s.now())
	result, err := encodeResult(job.FinalResult)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), millis(job.CreatedAt), millis(job.UpdatedAt),
		job.Checkpoint, result, job.PartialInsights, job.Error,
		job.SystemID, job.CustomPrompt, job.ContextWindowDays, job.MaxIterations,
		job.ModelOverride, job.LeaseOwner, millis(job.LeaseExpiresAt), job.ResumeCount,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get loads a job by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// Acquire takes the job's lease for owner.
func (s *SQLiteStore) Acquire(ctx context.Context, id, owner string, ttl time.Duration) (*Job, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			resume_count = resume_count + CASE WHEN status = 'processing' THEN 1 ELSE 0 END,
			status = 'processing',
			lease_owner = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ?
			AND status IN ('queued', 'processing')
			AND (lease_owner = '' OR lease_owner = ? OR lease_expires_at <= ?)`,
		owner, millis(now.Add(ttl)), millis(now), id, owner, millis(now))
	if err != nil {
		return nil, fmt.Errorf("acquire job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("acquire job: %w", err)
	} else if n == 0 {
		j, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := j.checkAcquire(owner, now); err != nil {
			return nil, err
		}
		// Lost a race between the UPDATE and the read.
		return nil, ErrBusy
	}
	return s.Get(ctx, id)
}

// Save persists job if owner still holds its lease.
func (s *SQLiteStore) Save(ctx context.Context, job *Job, owner string) error {
	result, err := encodeResult(job.FinalResult)
	if err != nil {
		return err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?, updated_at = ?, checkpoint = ?, final_result = ?,
			partial_insights = ?, error = ?, resume_count = ?
		WHERE id = ? AND lease_owner = ?`,
		string(job.Status), millis(now), job.Checkpoint, result,
		job.PartialInsights, job.Error, job.ResumeCount,
		job.ID, owner)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	if err := s.checkOwned(ctx, res, job.ID); err != nil {
		return err
	}
	job.UpdatedAt = now
	return nil
}

// Release clears owner's lease.
func (s *SQLiteStore) Release(ctx context.Context, id, owner string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_owner = '', lease_expires_at = 0, updated_at = ?
		WHERE id = ? AND lease_owner = ?`,
		millis(s.now()), id, owner)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return s.checkOwned(ctx, res, id)
}

// checkOwned turns a zero-row lease-guarded update into ErrNotFound
// or ErrLeaseLost.
func (s *SQLiteStore) checkOwned(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrLeaseLost
}

// AppendProgress adds ev to the job's progress log.
func (s *SQLiteStore) AppendProgress(ctx context.Context, id string, ev ProgressEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal progress data: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_progress (job_id, seq, ts, type, data)
		SELECT id, (SELECT COALESCE(MAX(seq), 0) + 1 FROM job_progress WHERE job_id = ?), ?, ?, ?
		FROM jobs WHERE id = ?`,
		id, millis(ev.Timestamp), string(ev.Type), string(data), id)
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Progress returns the job's events from index after onward.
func (s *SQLiteStore) Progress(ctx context.Context, id string, after int) ([]ProgressEvent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, type, data FROM job_progress
		WHERE job_id = ? AND seq > ? ORDER BY seq`, id, max(after, 0))
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	defer rows.Close()

	var out []ProgressEvent
	for rows.Next() {
		var ts int64
		var typ, data string
		if err := rows.Scan(&ts, &typ, &data); err != nil {
			return nil, err
		}
		ev := ProgressEvent{Timestamp: fromMillis(ts), Type: EventType(typ)}
		if data != "" && data != "null" {
			if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
				return nil, fmt.Errorf("decode progress data: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune removes unleased jobs last updated before cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	cond := `updated_at < ? AND (lease_owner = '' OR lease_expires_at <= ?)`
	args := []any{millis(cutoff), millis(s.now())}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM job_progress WHERE job_id IN (SELECT id FROM jobs WHERE `+cond+`)`, args...); err != nil {
		return 0, fmt.Errorf("prune progress: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE `+cond, args...)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                            Job
		status, result               string
		created, updated, leaseUntil int64
	)
	err := row.Scan(&j.ID, &status, &created, &updated, &j.Checkpoint, &result,
		&j.PartialInsights, &j.Error, &j.SystemID, &j.CustomPrompt, &j.ContextWindowDays,
		&j.MaxIterations, &j.ModelOverride, &j.LeaseOwner, &leaseUntil, &j.ResumeCount)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	j.LeaseExpiresAt = fromMillis(leaseUntil)
	if len(j.Checkpoint) == 0 {
		j.Checkpoint = nil
	}
	if result != "" {
		j.FinalResult = &Result{}
		if err := json.Unmarshal([]byte(result), j.FinalResult); err != nil {
			return nil, fmt.Errorf("decode final result: %w", err)
		}
	}
	return &j, nil
}

func encodeResult(r *Result) (string, error) {
	if r == nil {
		return "", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal final result: %w", err)
	}
	return string(b), nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
