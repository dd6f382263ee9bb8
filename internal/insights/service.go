package insights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/bmsinsight/internal/agent"
	"github.com/nugget/bmsinsight/internal/jobs"
)

// maxFollowInvocations bounds how many times Follow resumes one job.
const maxFollowInvocations = 20

// Runner executes insight jobs. *agent.Engine satisfies it.
type Runner interface {
	Create(ctx context.Context, req agent.Request) (*jobs.Job, error)
	Run(ctx context.Context, req agent.Request) (*agent.Outcome, error)
}

// Service is the entry point for insight requests.
type Service struct {
	runner Runner
	jobs   jobs.Store
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]bool // jobs with a background Follow in flight
	now     func() time.Time
}

// NewService creates a Service. Background jobs run under ctx and
// yield when it is cancelled or Close is called.
func NewService(ctx context.Context, runner Runner, store jobs.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		runner:  runner,
		jobs:    store,
		logger:  logger.With("component", "insights"),
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]bool),
		now:     time.Now,
	}
}

// Generate runs one invocation of req and returns its outcome. A
// TimedOut outcome carries a job ID to resume with.
func (s *Service) Generate(ctx context.Context, req agent.Request) (*agent.Outcome, error) {
	return s.runner.Run(ctx, req)
}

// Follow runs req and keeps resuming the job until it completes or
// fails. It gives up after a fixed number of invocations and returns
// the last outcome. onYield, if set, is called after each timed-out
// invocation.
func (s *Service) Follow(ctx context.Context, req agent.Request, onYield func(*agent.Outcome)) (*agent.Outcome, error) {
	out, err := s.runner.Run(ctx, req)
	for i := 1; err == nil && out.Kind == agent.OutcomeTimedOut && i < maxFollowInvocations; i++ {
		if onYield != nil {
			onYield(out)
		}
		if ctx.Err() != nil {
			return out, nil
		}
		out, err = s.runner.Run(ctx, agent.Request{Mode: agent.ModeResume, ResumeJobID: out.JobID})
	}
	return out, err
}

// Start runs a job to completion in the background and returns it
// immediately. A fresh request queues a new job; a resume request
// continues an unfinished one. Resuming a job that another execution
// is processing returns jobs.ErrBusy.
func (s *Service) Start(ctx context.Context, req agent.Request) (*jobs.Job, error) {
	req.Normalize()
	var job *jobs.Job
	var err error
	if req.Mode == agent.ModeResume {
		job, err = s.jobs.Get(ctx, req.ResumeJobID)
		if err == nil {
			err = job.Available(s.now())
		}
	} else {
		job, err = s.runner.Create(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.running[job.ID] {
		s.mu.Unlock()
		return nil, jobs.ErrBusy
	}
	s.running[job.ID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, job.ID)
			s.mu.Unlock()
		}()
		log := s.logger.With("job_id", job.ID)
		out, err := s.Follow(s.ctx, agent.Request{Mode: agent.ModeResume, ResumeJobID: job.ID}, nil)
		switch {
		case err != nil:
			log.Error("background job could not run", "error", err)
		case out.Kind == agent.OutcomeTimedOut:
			log.Warn("background job stopped before finishing", "turns", out.Turns, "reason", out.Reason)
		default:
			log.Info("background job finished", "outcome", out.Kind, "turns", out.Turns, "duration", out.Duration)
		}
	}()
	return job, nil
}

// StatusView is the externally visible state of a job.
type StatusView struct {
	JobID           string               `json:"jobId"`
	Status          jobs.Status          `json:"status"`
	SystemID        string               `json:"systemId"`
	CreatedAt       time.Time            `json:"createdAt"`
	UpdatedAt       time.Time            `json:"updatedAt"`
	Progress        []jobs.ProgressEvent `json:"progress"`
	ProgressCount   int                  `json:"progressCount"`
	ResumeCount     int                  `json:"resumeCount"`
	CanResume       bool                 `json:"canResume"`
	PartialInsights string               `json:"partialInsights,omitempty"`
	FinalInsights   *jobs.Result         `json:"finalInsights,omitempty"`
	Error           string               `json:"error,omitempty"`
}

// Status returns a job's state and its progress log.
func (s *Service) Status(ctx context.Context, id string) (*StatusView, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.jobs.Progress(ctx, id, 0)
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	if events == nil {
		events = []jobs.ProgressEvent{}
	}
	return &StatusView{
		JobID:           job.ID,
		Status:          job.Status,
		SystemID:        job.SystemID,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		Progress:        events,
		ProgressCount:   len(events),
		ResumeCount:     job.ResumeCount,
		CanResume:       !job.Status.Terminal(),
		PartialInsights: job.PartialInsights,
		FinalInsights:   job.FinalResult,
		Error:           job.Error,
	}, nil
}

// Progress returns the events of a job after the first n.
func (s *Service) Progress(ctx context.Context, id string, after int) ([]jobs.ProgressEvent, error) {
	return s.jobs.Progress(ctx, id, after)
}

// Job returns the stored job.
func (s *Service) Job(ctx context.Context, id string) (*jobs.Job, error) {
	return s.jobs.Get(ctx, id)
}

// PruneLoop deletes finished and abandoned jobs older than retention
// every interval until ctx is done.
func (s *Service) PruneLoop(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.jobs.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Warn("job pruning failed", "error", err)
				}
				continue
			}
			if n > 0 {
				s.logger.Info("pruned expired jobs", "count", n)
			}
		}
	}
}

// Close stops background jobs at their next turn boundary, letting
// them checkpoint, and waits for them to return.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}
