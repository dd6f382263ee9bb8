package jobs

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps jobs in process memory. It suits tests and
// single-process deployments that accept losing jobs on restart.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	events map[string][]ProgressEvent
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*Job),
		events: make(map[string][]ProgressEvent),
		now:    time.Now,
	}
}

// Create stores a new job, assigning an ID if it has none.
func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.prepare(s.now())
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get returns a copy of the job.
func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

// Acquire takes the job's lease for owner.
func (s *MemoryStore) Acquire(_ context.Context, id, owner string, ttl time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := s.now()
	if err := j.checkAcquire(owner, now); err != nil {
		return nil, err
	}
	j.grant(owner, ttl, now)
	return j.Clone(), nil
}

// Save persists job if owner still holds its lease. Lease fields are
// left as stored.
func (s *MemoryStore) Save(_ context.Context, job *Job, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.LeaseOwner != owner {
		return ErrLeaseLost
	}
	job.UpdatedAt = s.now()
	job.LeaseOwner = cur.LeaseOwner
	job.LeaseExpiresAt = cur.LeaseExpiresAt
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Release clears owner's lease.
func (s *MemoryStore) Release(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.LeaseOwner != owner {
		return ErrLeaseLost
	}
	j.LeaseOwner = ""
	j.LeaseExpiresAt = time.Time{}
	j.UpdatedAt = s.now()
	return nil
}

// AppendProgress adds ev to the job's progress log.
func (s *MemoryStore) AppendProgress(_ context.Context, id string, ev ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	s.events[id] = append(s.events[id], ev)
	return nil
}

// Progress returns the job's events from index after onward.
func (s *MemoryStore) Progress(_ context.Context, id string, after int) ([]ProgressEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return nil, ErrNotFound
	}
	evs := s.events[id]
	if after < 0 {
		after = 0
	}
	if after >= len(evs) {
		return nil, nil
	}
	return append([]ProgressEvent(nil), evs[after:]...), nil
}

// Prune removes unleased jobs last updated before cutoff.
func (s *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for id, j := range s.jobs {
		if !j.UpdatedAt.Before(cutoff) || j.leasedBy("", now) {
			continue
		}
		delete(s.jobs, id)
		delete(s.events, id)
		n++
	}
	return n, nil
}
