package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

var (
	ErrJobExists   = errors.New("job already registered")
	ErrJobNotFound = errors.New("job not found")
	ErrStopped     = errors.New("scheduler is stopped")
)

// Parser accepts standard five-field specs and descriptors such as
// "@every 10m" or "@daily".
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type registeredJob struct {
	job     Job
	fn      Func
	entry   cron.EntryID
	running bool
}

// Scheduler runs named maintenance jobs on cron schedules. A job never
// overlaps with itself; a tick that arrives while it runs is skipped.
type Scheduler struct {
	cron   *cron.Cron
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*registeredJob
	stopped bool
	started bool
}

// New creates a stopped scheduler.
func New(opts Options) *Scheduler {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithParser(Parser), cron.WithLocation(loc)),
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*registeredJob),
	}
}

// NextRun returns the first activation of spec after now.
func NextRun(spec string, now time.Time) (time.Time, error) {
	sched, err := Parser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched.Next(now), nil
}

// Add registers fn under name. An empty spec disables the job and Add is a
// no-op.
func (s *Scheduler) Add(name, spec string, fn Func) error {
	if spec == "" {
		log.Debug().Str("job", name).Msg("Maintenance job disabled")
		return nil
	}
	sched, err := Parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("job %s: invalid cron expression: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrJobExists, name)
	}

	rj := &registeredJob{job: Job{Name: name, Spec: spec}, fn: fn}
	rj.entry = s.cron.Schedule(sched, cron.FuncJob(func() { s.execute(name) }))
	rj.job.State.NextRunAt = sched.Next(time.Now())
	s.jobs[name] = rj

	log.Info().Str("job", name).Str("spec", spec).Msg("Maintenance job scheduled")
	s.emit(Event{Action: EventActionAdded, Job: name})
	return nil
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// RunNow runs a job immediately and waits for it.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	s.execute(name)
	return nil
}

// Jobs returns a snapshot of every job sorted by name.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, rj := range s.jobs {
		job := rj.job
		if entry := s.cron.Entry(rj.entry); entry.Valid() && !entry.Next.IsZero() {
			job.State.NextRunAt = entry.Next
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop stops scheduling, cancels running jobs and waits for them until ctx
// ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) execute(name string) {
	s.mu.Lock()
	rj, ok := s.jobs[name]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	if rj.running {
		s.mu.Unlock()
		log.Debug().Str("job", name).Msg("Job already running, skipping execution")
		s.emit(Event{Action: EventActionSkipped, Job: name})
		return
	}
	rj.running = true
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.emit(Event{Action: EventActionStarted, Job: name})
	start := time.Now()
	err := s.invoke(rj.fn)
	duration := time.Since(start)

	s.mu.Lock()
	rj.running = false
	state := &rj.job.State
	state.Runs++
	state.LastRunAt = start
	state.LastDuration = duration
	if err != nil {
		state.LastStatus = "error"
		state.LastError = err.Error()
		state.ConsecutiveErrors++
	} else {
		state.LastStatus = "ok"
		state.LastError = ""
		state.ConsecutiveErrors = 0
	}
	event := Event{
		Action:   EventActionFinished,
		Job:      name,
		Status:   state.LastStatus,
		Error:    state.LastError,
		Duration: duration,
	}
	consecutive := state.ConsecutiveErrors
	s.mu.Unlock()

	if err != nil {
		log.Error().
			Str("job", name).
			Err(err).
			Int("consecutive_errors", consecutive).
			Msg("Job execution failed")
	} else {
		log.Debug().Str("job", name).Dur("duration", duration).Msg("Job execution completed")
	}
	s.emit(event)
}

// invoke runs fn, converting a panic into an error.
func (s *Scheduler) invoke(fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(s.ctx)
}

func (s *Scheduler) emit(e Event) {
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(e)
	}
}
