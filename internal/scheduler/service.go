package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"nudge/internal/domain"
	"nudge/internal/logging"
	"nudge/internal/metrics"
)

var (
	ErrSchedulerClosed = errors.New("scheduler closed")
	ErrUnknownJob      = errors.New("unknown job")
	ErrJobRunning      = errors.New("job already running")
)

// Trigger is when a job fires, as a standard cron expression or descriptor.
type Trigger struct{ spec string }

// At fires daily at hour:minute in the scheduler's location.
func At(hour, minute int) Trigger { return Trigger{spec: fmt.Sprintf("%d %d * * *", minute, hour)} }

func Cron(spec string) Trigger { return Trigger{spec: spec} }

// Every fires at a fixed interval. cron rounds intervals below a second up.
func Every(d time.Duration) Trigger { return Trigger{spec: "@every " + d.String()} }

func (t Trigger) String() string { return t.spec }

// Job describes one recurring unit of work. Run receives a context that is
// canceled when the scheduler shuts down.
type Job struct {
	ID       string
	Trigger  Trigger
	Run      func(ctx context.Context) error
	Disabled bool
}

// Recorder persists job runs. ledger.Repository satisfies it.
type Recorder interface {
	RecordJobRun(ctx context.Context, r domain.JobRun) (string, error)
}

type state int

const (
	stateStopped state = iota
	stateRunning
	stateClosed
)

type entry struct {
	job      Job
	schedule cron.Schedule
	cronID   cron.EntryID
	running  sync.Mutex
}

// Service runs the job table on robfig/cron. A job that panics or fails is
// logged and recorded and stays scheduled; it never affects other jobs.
type Service struct {
	cron     *cron.Cron
	loc      *time.Location
	recorder Recorder
	metrics  *metrics.Metrics

	mu       sync.Mutex
	state    state
	jobs     map[string]*entry
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	stopOnce sync.Once
	stopped  context.Context
}

func NewService(loc *time.Location, recorder Recorder, m *metrics.Metrics) *Service {
	if loc == nil {
		loc = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logging.CronLogger{}),
			cron.WithChain(cron.SkipIfStillRunning(logging.CronLogger{})),
		),
		loc:      loc,
		recorder: recorder,
		metrics:  m,
		jobs:     make(map[string]*entry),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register adds job, replacing any job with the same ID.
func (s *Service) Register(job Job) error {
	if job.ID == "" {
		return errors.New("job ID is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: Run is required", job.ID)
	}
	sched, err := cron.ParseStandard(job.Trigger.spec)
	if err != nil {
		return fmt.Errorf("job %s: invalid trigger %q: %w", job.ID, job.Trigger.spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return ErrSchedulerClosed
	}
	if old, ok := s.jobs[job.ID]; ok {
		if old.cronID != 0 {
			s.cron.Remove(old.cronID)
		}
		log.Info().Str("job_id", job.ID).Msg("replacing job")
	}

	e := &entry{job: job, schedule: sched}
	if !job.Disabled {
		e.cronID = s.cron.Schedule(sched, cron.FuncJob(func() {
			_ = s.invoke(s.ctx, e)
		}))
	}
	s.jobs[job.ID] = e
	log.Info().Str("job_id", job.ID).Str("trigger", job.Trigger.spec).Bool("disabled", job.Disabled).Msg("registered job")
	return nil
}

// Start begins firing registered jobs. Starting a running scheduler is a
// no-op; starting after Shutdown returns ErrSchedulerClosed.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateRunning:
		log.Warn().Msg("scheduler already running")
		return nil
	case stateClosed:
		return ErrSchedulerClosed
	}
	s.state = stateRunning
	s.cron.Start()
	log.Info().Int("jobs", len(s.jobs)).Str("location", s.loc.String()).Msg("scheduler started")
	return nil
}

// Shutdown stops firing jobs and cancels the context passed to running
// ones. The returned context is done once in-flight jobs have returned.
// Safe to call multiple times.
func (s *Service) Shutdown() context.Context {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()

		log.Info().Msg("scheduler stopping")
		cronDone := s.cron.Stop()
		s.cancel()

		done, finish := context.WithCancel(context.Background())
		s.stopped = done
		go func() {
			<-cronDone.Done()
			s.inflight.Wait()
			log.Info().Msg("scheduler stopped")
			finish()
		}()
	})
	return s.stopped
}

// EntryInfo describes a registered job for display.
type EntryInfo struct {
	ID       string    `json:"id"`
	Trigger  string    `json:"trigger"`
	Next     time.Time `json:"next"`
	Disabled bool      `json:"disabled"`
}

// Entries lists registered jobs by ID with their next fire time after now.
func (s *Service) Entries(now time.Time) []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.jobs))
	for id, e := range s.jobs {
		info := EntryInfo{ID: id, Trigger: e.job.Trigger.spec, Disabled: e.job.Disabled}
		if !e.job.Disabled {
			info.Next = e.schedule.Next(now.In(s.loc))
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunNow invokes a job immediately through the same recovery and
// recording path as a scheduled fire.
func (s *Service) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()
	return s.invoke(ctx, e)
}

func (s *Service) invoke(ctx context.Context, e *entry) error {
	id := e.job.ID
	if !e.running.TryLock() {
		log.Warn().Str("job_id", id).Msg("job still running, skipping")
		return ErrJobRunning
	}
	defer e.running.Unlock()

	started := time.Now()
	log.Debug().Str("job_id", id).Msg("job started")
	err := run(ctx, e.job)
	finished := time.Now()

	status := "ok"
	if err != nil {
		status = "error"
		log.Error().Err(err).Str("job_id", id).Dur("took", finished.Sub(started)).Msg("job failed")
	} else {
		log.Info().Str("job_id", id).Dur("took", finished.Sub(started)).Msg("job finished")
	}
	s.metrics.JobRun(id, status, finished.Sub(started))

	if s.recorder != nil {
		r := domain.JobRun{JobID: id, StartedAt: started, FinishedAt: finished}
		if err != nil {
			r.Error = err.Error()
		}
		if _, rerr := s.recorder.RecordJobRun(context.WithoutCancel(ctx), r); rerr != nil {
			log.Warn().Err(rerr).Str("job_id", id).Msg("failed to record job run")
		}
	}
	return err
}

func run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", job.ID).Str("stack", string(debug.Stack())).Msgf("job panicked: %v", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job.Run(ctx)
}

