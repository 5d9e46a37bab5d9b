// Package sweep runs post-update improvement batches over repositories
// that opted in. Sweeps open pull requests and never merge them.
package sweep

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	v1 "github.com/codefleet/codefleet/api/control/v1"
	"github.com/codefleet/codefleet/support/apiresponse"
	"github.com/codefleet/codefleet/support/config"
	"github.com/codefleet/codefleet/support/events"
)

// EventType distinguishes sweep notifications.
type EventType string

const (
	EventSweepStarted   EventType = "sweep_started"
	EventSweepCompleted EventType = "sweep_completed"
	EventSweepCancelled EventType = "sweep_cancelled"
	EventRepoSwept      EventType = "repo_swept"
)

// Event is a sweep notification.
type Event struct {
	Type   EventType
	JobID  string
	Repo   string
	Result *v1.SweepResult
	At     time.Time
}

// Executor performs the actual work on one repository and reports what
// happened. A returned error records a failed result for the repo without
// ending the job.
type Executor interface {
	SweepRepo(ctx context.Context, build *v1.Build, repo v1.RepoTarget, cfg v1.SweepConfig) (v1.SweepResult, error)
}

// Manager schedules sweep jobs and paces their execution.
type Manager struct {
	log   logr.Logger
	clock clock.PassiveClock
	cfg   config.SweepConfig
	exec  Executor

	notifier events.Notifier[Event]

	mu   sync.Mutex
	jobs map[string]*runningJob
	wg   sync.WaitGroup
}

type runningJob struct {
	job    *v1.SweepJob
	cancel context.CancelFunc
}

// New builds a sweep manager.
func New(log logr.Logger, clk clock.PassiveClock, cfg config.SweepConfig, exec Executor) *Manager {
	return &Manager{
		log:   log.WithName("sweep"),
		clock: clk,
		cfg:   cfg,
		exec:  exec,
		jobs:  map[string]*runningJob{},
	}
}

// Subscribe registers a handler for sweep events.
func (m *Manager) Subscribe(fn events.Handler[Event]) func() {
	return m.notifier.Subscribe(fn)
}

// TriggerPostUpdateSweep starts a sweep of the opted-in repos for a build.
// The job runs in the background; the returned snapshot is its initial
// state.
func (m *Manager) TriggerPostUpdateSweep(ctx context.Context, build *v1.Build, repos []v1.RepoTarget, opts v1.SweepConfig) (*v1.SweepJob, error) {
	if !m.cfg.Enabled {
		return nil, apiresponse.Conflict(apiresponse.CodeInvalidState, "sweeps are disabled")
	}

	var optedIn []v1.RepoTarget
	for _, r := range repos {
		if r.OptedIn {
			optedIn = append(optedIn, r)
		}
	}
	if len(optedIn) == 0 {
		return nil, apiresponse.Invalid(apiresponse.CodeNoEligibleRepos, "no opted-in repositories to sweep")
	}
	sort.Slice(optedIn, func(i, j int) bool { return optedIn[i].RepoURL < optedIn[j].RepoURL })

	if opts.MaxReposPerRun <= 0 {
		opts.MaxReposPerRun = m.cfg.DefaultMaxRepos
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = m.cfg.DefaultRateLimit
	}
	if len(optedIn) > opts.MaxReposPerRun {
		optedIn = optedIn[:opts.MaxReposPerRun]
	}

	m.mu.Lock()
	active := 0
	for _, rj := range m.jobs {
		if rj.job.State == v1.SweepJobRunning {
			active++
		}
	}
	if active >= m.cfg.MaxConcurrentSweeps {
		m.mu.Unlock()
		return nil, apiresponse.Exhausted(apiresponse.CodeSweepLimitExceeded,
			"%d sweep jobs already running", active)
	}

	repoURLs := make([]string, 0, len(optedIn))
	for _, r := range optedIn {
		repoURLs = append(repoURLs, r.RepoURL)
	}
	job := &v1.SweepJob{
		JobID:     uuid.NewString(),
		BuildID:   build.BuildID,
		Config:    opts,
		State:     v1.SweepJobRunning,
		Repos:     repoURLs,
		StartedAt: m.clock.Now(),
	}
	jobCtx, cancel := context.WithCancel(ctx)
	m.jobs[job.JobID] = &runningJob{job: job, cancel: cancel}
	snapshot := job.DeepCopy()
	m.mu.Unlock()

	m.notifier.Publish(Event{Type: EventSweepStarted, JobID: job.JobID, At: m.clock.Now()})
	m.log.Info("sweep started", "jobID", job.JobID, "buildID", build.BuildID,
		"repos", len(optedIn), "type", opts.Type)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(jobCtx, job.JobID, build.DeepCopy(), optedIn, opts)
	}()
	return snapshot, nil
}

// run executes a job's repos sequentially at the configured pace.
func (m *Manager) run(ctx context.Context, jobID string, build *v1.Build, repos []v1.RepoTarget, opts v1.SweepConfig) {
	// rateLimit is repos per minute.
	limiter := rate.NewLimiter(rate.Every(time.Duration(60000/opts.RateLimit)*time.Millisecond), 1)

	for _, repo := range repos {
		if ctx.Err() != nil {
			m.finish(jobID, v1.SweepJobCancelled)
			return
		}
		// The limiter starts with one token, so the first repo runs
		// immediately and every later one waits out the full gap.
		if err := limiter.Wait(ctx); err != nil {
			m.finish(jobID, v1.SweepJobCancelled)
			return
		}

		result, err := m.exec.SweepRepo(ctx, build, repo, opts)
		if err != nil {
			if ctx.Err() != nil {
				m.finish(jobID, v1.SweepJobCancelled)
				return
			}
			result = v1.SweepResult{
				RepoURL: repo.RepoURL,
				Status:  v1.SweepResultFailed,
				Error:   err.Error(),
			}
			m.log.Error(err, "repo sweep failed", "jobID", jobID, "repo", repo.RepoURL)
		}
		if result.RepoURL == "" {
			result.RepoURL = repo.RepoURL
		}
		result.FinishedAt = m.clock.Now()
		m.recordResult(jobID, result)
	}
	m.finish(jobID, v1.SweepJobCompleted)
}

func (m *Manager) recordResult(jobID string, result v1.SweepResult) {
	m.mu.Lock()
	rj, ok := m.jobs[jobID]
	if ok {
		rj.job.Results = append(rj.job.Results, result)
	}
	m.mu.Unlock()
	if ok {
		m.notifier.Publish(Event{
			Type: EventRepoSwept, JobID: jobID, Repo: result.RepoURL,
			Result: &result, At: m.clock.Now(),
		})
	}
}

func (m *Manager) finish(jobID string, state v1.SweepJobState) {
	now := m.clock.Now()
	m.mu.Lock()
	rj, ok := m.jobs[jobID]
	if ok && rj.job.State == v1.SweepJobRunning {
		rj.job.State = state
		rj.job.FinishedAt = &now
	} else {
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	evType := EventSweepCompleted
	if state == v1.SweepJobCancelled {
		evType = EventSweepCancelled
	}
	m.notifier.Publish(Event{Type: evType, JobID: jobID, At: now})
	m.log.Info("sweep finished", "jobID", jobID, "state", state)
}

// CancelSweep stops a running job. The execution loop observes the
// cancellation before the next repo.
func (m *Manager) CancelSweep(jobID string) error {
	m.mu.Lock()
	rj, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return apiresponse.NotFound(apiresponse.CodeSweepNotFound, "sweep job %s not found", jobID)
	}
	if rj.job.State != v1.SweepJobRunning {
		state := rj.job.State
		m.mu.Unlock()
		return apiresponse.Conflict(apiresponse.CodeInvalidState, "sweep job %s is already %s", jobID, state)
	}
	m.mu.Unlock()

	rj.cancel()
	return nil
}

// GetJob returns a snapshot of one sweep job.
func (m *Manager) GetJob(jobID string) (*v1.SweepJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rj, ok := m.jobs[jobID]
	if !ok {
		return nil, apiresponse.NotFound(apiresponse.CodeSweepNotFound, "sweep job %s not found", jobID)
	}
	return rj.job.DeepCopy(), nil
}

// ListJobs returns all sweep jobs, newest first.
func (m *Manager) ListJobs() []*v1.SweepJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*v1.SweepJob, 0, len(m.jobs))
	for _, rj := range m.jobs {
		out = append(out, rj.job.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Wait blocks until every background job has exited. Test hook and
// shutdown aid.
func (m *Manager) Wait() {
	m.wg.Wait()
}
