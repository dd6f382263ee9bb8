package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic transaction retries under contention.
const maxTxRetries = 5

// RedisStore keeps each job as a JSON value and its progress log as a
// list. Retention is enforced with key TTLs refreshed on every write,
// so Prune has nothing to do. The lease compare-and-set uses
// WATCH/MULTI.
type RedisStore struct {
	rdb       *redis.Client
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore creates a store on rdb. Keys are namespaced by prefix
// and expire retention after the job's last update.
func NewRedisStore(rdb *redis.Client, prefix string, retention time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, retention: retention, now: time.Now}
}

// Ping verifies the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) jobKey(id string) string      { return s.prefix + "job:" + id }
func (s *RedisStore) progressKey(id string) string { return s.prefix + "job:" + id + ":progress" }

// Create stores a new job.
func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	job.prepare(s.now())
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, s.jobKey(job.ID), data, s.retention).Result()
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if !ok {
		return fmt.Errorf("create job: id %s already exists", job.ID)
	}
	return nil
}

// Get loads a job by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	return s.load(ctx, s.rdb, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, g getter, id string) (*Job, error) {
	data, err := g.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}

// update runs fn against the current job inside an optimistic
// transaction and writes the modified job back.
func (s *RedisStore) update(ctx context.Context, id string, fn func(j *Job, now time.Time) error) (*Job, error) {
	key := s.jobKey(id)
	var out *Job
	txf := func(tx *redis.Tx) error {
		j, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.now()
		if err := fn(j, now); err != nil {
			return err
		}
		data, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.retention)
			pipe.Expire(ctx, s.progressKey(id), s.retention)
			return nil
		})
		if err == nil {
			out = j
		}
		return err
	}

	for range maxTxRetries {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return nil, ErrBusy
}

// Acquire takes the job's lease for owner.
func (s *RedisStore) Acquire(ctx context.Context, id, owner string, ttl time.Duration) (*Job, error) {
	return s.update(ctx, id, func(j *Job, now time.Time) error {
		if err := j.checkAcquire(owner, now); err != nil {
			return err
		}
		j.grant(owner, ttl, now)
		return nil
	})
}

// Save persists job if owner still holds its lease.
func (s *RedisStore) Save(ctx context.Context, job *Job, owner string) error {
	saved, err := s.update(ctx, job.ID, func(j *Job, now time.Time) error {
		if j.LeaseOwner != owner {
			return ErrLeaseLost
		}
		holder, until := j.LeaseOwner, j.LeaseExpiresAt
		*j = *job.Clone()
		j.LeaseOwner, j.LeaseExpiresAt = holder, until
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	job.UpdatedAt = saved.UpdatedAt
	return nil
}

// Release clears owner's lease.
func (s *RedisStore) Release(ctx context.Context, id, owner string) error {
	_, err := s.update(ctx, id, func(j *Job, now time.Time) error {
		if j.LeaseOwner != owner {
			return ErrLeaseLost
		}
		j.LeaseOwner = ""
		j.LeaseExpiresAt = time.Time{}
		j.UpdatedAt = now
		return nil
	})
	return err
}

// AppendProgress adds ev to the job's progress log.
func (s *RedisStore) AppendProgress(ctx context.Context, id string, ev ProgressEvent) error {
	n, err := s.rdb.Exists(ctx, s.jobKey(id)).Result()
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.progressKey(id), data)
		pipe.Expire(ctx, s.progressKey(id), s.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	return nil
}

// Progress returns the job's events from index after onward.
func (s *RedisStore) Progress(ctx context.Context, id string, after int) ([]ProgressEvent, error) {
	n, err := s.rdb.Exists(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read progress: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	raw, err := s.rdb.LRange(ctx, s.progressKey(id), int64(max(after, 0)), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read progress: %w", err)
	}
	out := make([]ProgressEvent, 0, len(raw))
	for _, r := range raw {
		var ev ProgressEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, fmt.Errorf("decode progress: %w", err)
		}
		out = append(out, ev)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// Prune is a no-op: redis expires jobs on its own.
func (s *RedisStore) Prune(context.Context, time.Time) (int, error) {
	return 0, nil
}
