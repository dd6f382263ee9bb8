package jobs

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	_ "modernc.org/sqlite"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type backend struct {
	name string
	// open returns a fresh store driven by clk.
	open func(t *testing.T, clk *testClock) Store
	// expires is true when the backend drops old jobs itself rather
	// than through Prune.
	expires bool
}

func backends() []backend {
	return []backend{
		{name: "memory", open: func(t *testing.T, clk *testClock) Store {
			s := NewMemoryStore()
			s.now = clk.Now
			return s
		}},
		{name: "sqlite", open: func(t *testing.T, clk *testClock) Store {
			db, err := sql.Open("sqlite", ":memory:")
			if err != nil {
				t.Fatal(err)
			}
			db.SetMaxOpenConns(1)
			t.Cleanup(func() { db.Close() })
			s, err := NewSQLiteStore(db)
			if err != nil {
				t.Fatal(err)
			}
			s.now = clk.Now
			return s
		}},
		{name: "redis", expires: true, open: func(t *testing.T, clk *testClock) Store {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { rdb.Close() })
			s := NewRedisStore(rdb, "test:", 24*time.Hour)
			s.now = clk.Now
			return s
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store, clk *testClock, b backend)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clk := newTestClock()
			fn(t, b.open(t, clk), clk, b)
		})
	}
}

func newJob(t *testing.T, ctx context.Context, s Store) *Job {
	t.Helper()
	j := &Job{SystemID: "sys1", CustomPrompt: "why is my battery warm?", ContextWindowDays: 30, MaxIterations: 20, ModelOverride: "qwen3:4b"}
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return j
}

func TestStore_CreateGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clk *testClock, _ backend) {
		ctx := t.Context()
		j := newJob(t, ctx, s)
		if j.ID == "" || j.Status != StatusQueued {
			t.Fatalf("prepared job = %+v", j)
		}

		got, err := s.Get(ctx, j.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.SystemID != "sys1" || got.CustomPrompt != j.CustomPrompt || got.ContextWindowDays != 30 ||
			got.MaxIterations != 20 || got.ModelOverride != "qwen3:4b" {
			t.Errorf("request fields = %+v", got)
		}
		if !got.CreatedAt.Equal(clk.Now()) || got.Status != StatusQueued {
			t.Errorf("CreatedAt = %v, status = %s", got.CreatedAt, got.Status)
		}
		if got.Checkpoint != nil || got.FinalResult != nil {
			t.Error("new job should carry no checkpoint or result")
		}

		if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get missing = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_AcquireIsExclusive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clk *testClock, _ backend) {
		ctx := t.Context()
		j := newJob(t, ctx, s)

		got, err := s.Acquire(ctx, j.ID, "a", time.Minute)
		if err != nil {
			t.Fatalf("Acquire a: %v", err)
		}
		if got.Status != StatusProcessing || got.LeaseOwner != "a" || got.ResumeCount != 0 {
			t.Errorf("acquired = %+v", got)
		}

		if _, err := s.Acquire(ctx, j.ID, "b", time.Minute); !errors.Is(err, ErrBusy) {
			t.Errorf("Acquire b while leased = %v, want ErrBusy", err)
		}

		// Same owner may renew.
		got, err = s.Acquire(ctx, j.ID, "a", time.Minute)
		if err != nil || got.ResumeCount != 1 {
			t.Errorf("renew = %+v, %v", got, err)
		}

		clk.Advance(2 * time.Minute)
		got, err = s.Acquire(ctx, j.ID, "b", time.Minute)
		if err != nil {
			t.Fatalf("Acquire b after expiry: %v", err)
		}
		if got.LeaseOwner != "b" || got.ResumeCount != 2 {
			t.Errorf("takeover = %+v", got)
		}

		got.PartialInsights = "stale writer"
		if err := s.Save(ctx, got, "a"); !errors.Is(err, ErrLeaseLost) {
			t.Errorf("Save by a = %v, want ErrLeaseLost", err)
		}
		if err := s.Release(ctx, j.ID, "a"); !errors.Is(err, ErrLeaseLost) {
			t.Errorf("Release by a = %v, want ErrLeaseLost", err)
		}
		if err := s.Release(ctx, j.ID, "b"); err != nil {
			t.Errorf("Release by b: %v", err)
		}

		if _, err := s.Acquire(ctx, "nope", "a", time.Minute); !errors.Is(err, ErrNotFound) {
			t.Errorf("Acquire missing = %v", err)
		}
	})
}

func TestStore_AcquireConcurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, _ *testClock, _ backend) {
		ctx := t.Context()
		j := newJob(t, ctx, s)

		const n = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Acquire(ctx, j.ID, string(rune('a'+i)), time.Minute)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners++
				case errors.Is(err, ErrBusy):
				default:
					t.Errorf("Acquire: %v", err)
				}
			}()
		}
		wg.Wait()
		if winners != 1 {
			t.Errorf("%d executions acquired the job, want 1", winners)
		}
	})
}

func TestStore_SaveAndFinish(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clk *testClock, _ backend) {
		ctx := t.Context()
		j := newJob(t, ctx, s)
		j, err := s.Acquire(ctx, j.ID, "a", time.Minute)
		if err != nil {
			t.Fatal(err)
		}

		clk.Advance(5 * time.Second)
		j.Checkpoint = []byte{0x1f, 0x8b, 1, 2, 3}
		j.PartialInsights = "SOC trending down"
		j.LeaseOwner = "forged"
		if err := s.Save(ctx, j, "a"); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if !j.UpdatedAt.Equal(clk.Now()) {
			t.Errorf("UpdatedAt = %v", j.UpdatedAt)
		}

		got, err := s.Get(ctx, j.ID)
		if err != nil {
			t.Fatal(err)
		}
		if string(got.Checkpoint) != string(j.Checkpoint) || got.PartialInsights != "SOC trending down" {
			t.Errorf("saved = %+v", got)
		}
		if got.LeaseOwner != "a" {
			t.Errorf("Save must not change the lease, owner = %q", got.LeaseOwner)
		}

		got.Status = StatusCompleted
		got.Checkpoint = nil
		got.FinalResult = &Result{Insights: "## Summary", Turns: 4, ToolCalls: 3, DurationMs: 1200}
		if err := s.Save(ctx, got, "a"); err != nil {
			t.Fatalf("Save completed: %v", err)
		}
		if err := s.Release(ctx, j.ID, "a"); err != nil {
			t.Fatalf("Release: %v", err)
		}

		done, err := s.Get(ctx, j.ID)
		if err != nil {
			t.Fatal(err)
		}
		if done.Status != StatusCompleted || done.FinalResult == nil || done.FinalResult.Turns != 4 || done.Checkpoint != nil {
			t.Errorf("finished = %+v", done)
		}
		if done.LeaseOwner != "" {
			t.Error("lease not released")
		}

		if _, err := s.Acquire(ctx, j.ID, "b", time.Minute); !errors.Is(err, ErrFinished) {
			t.Errorf("Acquire finished = %v, want ErrFinished", err)
		}
	})
}

func TestStore_Progress(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clk *testClock, _ backend) {
		ctx := t.Context()
		j := newJob(t, ctx, s)

		types := []EventType{EventStatus, EventToolCall, EventToolResponse}
		for i, typ := range types {
			clk.Advance(time.Second)
			ev := ProgressEvent{Timestamp: clk.Now(), Type: typ, Data: map[string]any{"i": float64(i)}}
			if err := s.AppendProgress(ctx, j.ID, ev); err != nil {
				t.Fatalf("AppendProgress: %v", err)
			}
		}

		all, err := s.Progress(ctx, j.ID, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 3 {
			t.Fatalf("got %d events", len(all))
		}
		for i, ev := range all {
			if ev.Type != types[i] || ev.Data["i"] != float64(i) {
				t.Errorf("event %d = %+v", i, ev)
			}
			if i > 0 && !ev.Timestamp.After(all[i-1].Timestamp) {
				t.Errorf("event %d out of order", i)
			}
		}

		tail, err := s.Progress(ctx, j.ID, 2)
		if err != nil || len(tail) != 1 || tail[0].Type != EventToolResponse {
			t.Errorf("Progress(2) = %+v, %v", tail, err)
		}
		if none, err := s.Progress(ctx, j.ID, 10); err != nil || len(none) != 0 {
			t.Errorf("Progress past end = %+v, %v", none, err)
		}

		if err := s.AppendProgress(ctx, "nope", ProgressEvent{Type: EventError}); !errors.Is(err, ErrNotFound) {
			t.Errorf("AppendProgress missing = %v", err)
		}
		if _, err := s.Progress(ctx, "nope", 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("Progress missing = %v", err)
		}
	})
}

func TestStore_Prune(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clk *testClock, b backend) {
		if b.expires {
			t.Skip("backend expires jobs itself")
		}
		ctx := t.Context()
		old := newJob(t, ctx, s)
		leased := newJob(t, ctx, s)
		if _, err := s.Acquire(ctx, leased.ID, "a", 48*time.Hour); err != nil {
			t.Fatal(err)
		}
		if err := s.AppendProgress(ctx, old.ID, ProgressEvent{Timestamp: clk.Now(), Type: EventStatus}); err != nil {
			t.Fatal(err)
		}

		clk.Advance(25 * time.Hour)
		fresh := newJob(t, ctx, s)

		n, err := s.Prune(ctx, clk.Now().Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("Prune: %v", err)
		}
		if n != 1 {
			t.Errorf("pruned %d jobs, want 1", n)
		}
		if _, err := s.Get(ctx, old.ID); !errors.Is(err, ErrNotFound) {
			t.Error("old job survived")
		}
		for _, id := range []string{leased.ID, fresh.ID} {
			if _, err := s.Get(ctx, id); err != nil {
				t.Errorf("job %s: %v", id, err)
			}
		}
	})
}

func TestRedisStore_Expires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewRedisStore(rdb, "test:", time.Hour)
	ctx := t.Context()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	j := newJob(t, ctx, s)
	if err := s.AppendProgress(ctx, j.ID, ProgressEvent{Timestamp: time.Now(), Type: EventStatus}); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("test:job:" + j.ID); ttl != time.Hour {
		t.Errorf("job TTL = %v", ttl)
	}

	mr.FastForward(61 * time.Minute)
	if _, err := s.Get(ctx, j.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after retention = %v, want ErrNotFound", err)
	}
	if mr.Exists("test:job:" + j.ID + ":progress") {
		t.Error("progress log outlived its job")
	}
}

func TestStatusTerminal(t *testing.T) {
	for s, want := range map[Status]bool{
		StatusQueued: false, StatusProcessing: false, StatusCompleted: true, StatusFailed: true,
	} {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v", s, !want)
		}
	}
}

func TestJobClone(t *testing.T) {
	j := &Job{ID: "x", Checkpoint: []byte{1, 2}, FinalResult: &Result{Turns: 1}}
	c := j.Clone()
	c.Checkpoint[0] = 9
	c.FinalResult.Turns = 5
	if j.Checkpoint[0] != 1 || j.FinalResult.Turns != 1 {
		t.Error("Clone shares state with the original")
	}
}

func TestJobAvailable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		job  Job
		want error
	}{
		{"queued", Job{Status: StatusQueued}, nil},
		{"yielded", Job{Status: StatusProcessing}, nil},
		{"live lease", Job{Status: StatusProcessing, LeaseOwner: "a", LeaseExpiresAt: now.Add(time.Minute)}, ErrBusy},
		{"expired lease", Job{Status: StatusProcessing, LeaseOwner: "a", LeaseExpiresAt: now.Add(-time.Second)}, nil},
		{"completed", Job{Status: StatusCompleted}, ErrFinished},
		{"failed", Job{Status: StatusFailed}, ErrFinished},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.job.Available(now); !errors.Is(err, tt.want) {
				t.Errorf("Available() = %v, want %v", err, tt.want)
			}
		})
	}
}
