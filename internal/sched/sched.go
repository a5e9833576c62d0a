// Package sched keeps persisted job definitions and live cron triggers in
// lockstep: every active job has exactly one registered trigger, named
// "job_<id>", and re-adding a job replaces its trigger instead of stacking a
// second one.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"harvestd/internal/scraper"
	"harvestd/internal/store"
	"harvestd/pkg/logx"
)

// Config controls scheduler behavior.
type Config struct {
	// Timezone for cron evaluation, IANA name. Empty means local time.
	Timezone string
}

// Executor launches one task execution. Implemented by the runner.
type Executor interface {
	Execute(ctx context.Context, taskID int64, jobID *int64, params scraper.Params) (int64, error)
}

// Store is the persistence surface the scheduler needs.
type Store interface {
	ListActiveJobs(ctx context.Context) ([]store.ScheduledJob, error)
	SetJobTrigger(ctx context.Context, jobID int64, triggerID string, nextRun *time.Time) error
	ClearJobTrigger(ctx context.Context, jobID int64) error
	TouchJobRun(ctx context.Context, jobID int64, lastRun time.Time, nextRun *time.Time) error
}

// Scheduler owns the cron engine and the one-shot timers.
type Scheduler struct {
	cfg      Config
	store    Store
	executor Executor
	log      logx.Logger

	mu      sync.Mutex
	ctx     context.Context
	parser  cron.Parser
	c       *cron.Cron
	entries map[int64]cron.EntryID
	timers  map[int64]*time.Timer
}

func New(cfg Config, st Store, ex Executor, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		executor: ex,
		log:      log,
		parser:   newParser(),
		entries:  map[int64]cron.EntryID{},
		timers:   map[int64]*time.Timer{},
	}
}

// TriggerID is the scheduler-side name for a job's trigger.
func TriggerID(jobID int64) string {
	return fmt.Sprintf("job_%d", jobID)
}

// Start creates the cron engine and begins firing. Jobs are registered
// separately via ReloadJobs or AddJob.
func (s *Scheduler) Start(ctx context.Context) error {
	loc := time.Local
	if s.cfg.Timezone != "" {
		l, err := time.LoadLocation(s.cfg.Timezone)
		if err != nil {
			return fmt.Errorf("load timezone %q: %w", s.cfg.Timezone, err)
		}
		loc = l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return errors.New("scheduler already started")
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()))
	return nil
}

// Stop halts the cron engine and cancels pending one-shot timers. Blocks
// until in-flight trigger callbacks return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.ctx = nil
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.entries = map[int64]cron.EntryID{}
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.log.Info("scheduler stopped")
}

// AddJob registers (or replaces) the trigger for a job. The job's schedule
// config is validated here; an invalid one returns ErrInvalidSchedule and
// leaves no trigger behind.
func (s *Scheduler) AddJob(ctx context.Context, job store.ScheduledJob) error {
	now := time.Now()
	trig, err := buildTrigger(s.parser, job.ScheduleKind, job.ScheduleConfig, now)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return errors.New("scheduler not started")
	}

	s.removeLocked(job.ID)

	var nextRun time.Time
	if trig.once {
		nextRun = trig.runAt
		delay := time.Until(trig.runAt)
		if delay < 0 {
			delay = 0
		}
		s.timers[job.ID] = time.AfterFunc(delay, func() { s.fireOnce(job) })
	} else {
		eid := s.c.Schedule(trig.schedule, cron.FuncJob(func() { s.fire(job) }))
		s.entries[job.ID] = eid
		nextRun = s.c.Entry(eid).Next
	}

	if err := s.store.SetJobTrigger(ctx, job.ID, TriggerID(job.ID), &nextRun); err != nil {
		s.log.Warn("failed to persist trigger id",
			logx.Int64("job_id", job.ID), logx.Err(err))
	}
	s.log.Info("job scheduled",
		logx.Int64("job_id", job.ID),
		logx.String("kind", job.ScheduleKind),
		logx.Time("next_run", nextRun))
	return nil
}

// RemoveJob drops a job's trigger. Removing an unknown job is a no-op.
func (s *Scheduler) RemoveJob(ctx context.Context, jobID int64) {
	s.mu.Lock()
	removed := s.removeLocked(jobID)
	s.mu.Unlock()

	if err := s.store.ClearJobTrigger(ctx, jobID); err != nil && err != store.ErrNotFound {
		s.log.Warn("failed to clear trigger id",
			logx.Int64("job_id", jobID), logx.Err(err))
	}
	if removed {
		s.log.Info("job unscheduled", logx.Int64("job_id", jobID))
	}
}

func (s *Scheduler) removeLocked(jobID int64) bool {
	removed := false
	if eid, ok := s.entries[jobID]; ok {
		if s.c != nil {
			s.c.Remove(eid)
		}
		delete(s.entries, jobID)
		removed = true
	}
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
		delete(s.timers, jobID)
		removed = true
	}
	return removed
}

// ReloadJobs registers triggers for every active persisted job. A job whose
// schedule no longer validates is logged and skipped; the rest still load.
func (s *Scheduler) ReloadJobs(ctx context.Context) error {
	jobs, err := s.store.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	loaded := 0
	for _, job := range jobs {
		if err := s.AddJob(ctx, job); err != nil {
			s.log.Error("skipping job with invalid schedule",
				logx.Int64("job_id", job.ID),
				logx.String("kind", job.ScheduleKind),
				logx.Err(err))
			continue
		}
		loaded++
	}
	s.log.Info("jobs reloaded", logx.Int("loaded", loaded), logx.Int("total", len(jobs)))
	return nil
}

// ScheduledCount reports how many triggers are currently registered.
func (s *Scheduler) ScheduledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) + len(s.timers)
}

// fire runs on the cron goroutine for repeating triggers.
func (s *Scheduler) fire(job store.ScheduledJob) {
	s.mu.Lock()
	ctx := s.ctx
	var next *time.Time
	if eid, ok := s.entries[job.ID]; ok && s.c != nil {
		n := s.c.Entry(eid).Next
		next = &n
	}
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	s.launch(ctx, job, next)
}

// fireOnce runs on the timer goroutine; the trigger is gone after this.
func (s *Scheduler) fireOnce(job store.ScheduledJob) {
	s.mu.Lock()
	ctx := s.ctx
	_, live := s.timers[job.ID]
	delete(s.timers, job.ID)
	s.mu.Unlock()
	if ctx == nil || !live {
		return
	}
	s.launch(ctx, job, nil)
	if err := s.store.ClearJobTrigger(ctx, job.ID); err != nil && err != store.ErrNotFound {
		s.log.Warn("failed to clear one-shot trigger",
			logx.Int64("job_id", job.ID), logx.Err(err))
	}
}

// launch records the run and hands the task to the executor. Executor
// failures are caught and logged here so a broken task never takes the
// scheduler down with it.
func (s *Scheduler) launch(ctx context.Context, job store.ScheduledJob, next *time.Time) {
	now := time.Now()
	if err := s.store.TouchJobRun(ctx, job.ID, now, next); err != nil && err != store.ErrNotFound {
		s.log.Warn("failed to record job run",
			logx.Int64("job_id", job.ID), logx.Err(err))
	}

	jobID := job.ID
	execID, err := s.executor.Execute(ctx, job.TaskID, &jobID, scraper.Params(job.Params))
	if err != nil {
		s.log.Error("scheduled execution failed to start",
			logx.Int64("job_id", job.ID),
			logx.Int64("task_id", job.TaskID),
			logx.Err(err))
		return
	}
	s.log.Info("scheduled execution started",
		logx.Int64("job_id", job.ID),
		logx.Int64("execution_id", execID))
}
