package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"harvestd/internal/scraper"
	"harvestd/internal/store"
	"harvestd/pkg/logx"
)

type fakeStore struct {
	mu       sync.Mutex
	jobs     []store.ScheduledJob
	triggers map[int64]string
	nextRuns map[int64]*time.Time
	touched  []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		triggers: map[int64]string{},
		nextRuns: map[int64]*time.Time{},
	}
}

func (f *fakeStore) ListActiveJobs(ctx context.Context) ([]store.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.ScheduledJob(nil), f.jobs...), nil
}

func (f *fakeStore) SetJobTrigger(ctx context.Context, jobID int64, triggerID string, nextRun *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers[jobID] = triggerID
	f.nextRuns[jobID] = nextRun
	return nil
}

func (f *fakeStore) ClearJobTrigger(ctx context.Context, jobID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.triggers, jobID)
	delete(f.nextRuns, jobID)
	return nil
}

func (f *fakeStore) TouchJobRun(ctx context.Context, jobID int64, lastRun time.Time, nextRun *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, jobID)
	return nil
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []int64
	fired chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, taskID int64, jobID *int64, params scraper.Params) (int64, error) {
	f.mu.Lock()
	f.calls = append(f.calls, taskID)
	f.mu.Unlock()
	if f.fired != nil {
		select {
		case f.fired <- struct{}{}:
		default:
		}
	}
	return 1, nil
}

func startScheduler(t *testing.T, st Store, ex Executor) *Scheduler {
	t.Helper()
	s := New(Config{Timezone: "UTC"}, st, ex, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func cronJob(id, taskID int64) store.ScheduledJob {
	return store.ScheduledJob{
		ID:             id,
		TaskID:         taskID,
		Name:           "nightly",
		ScheduleKind:   KindCron,
		ScheduleConfig: map[string]any{"expression": "0 3 * * *"},
		IsActive:       true,
	}
}

func TestAddJobRegistersTrigger(t *testing.T) {
	st := newFakeStore()
	s := startScheduler(t, st, &fakeExecutor{})

	if err := s.AddJob(context.Background(), cronJob(7, 1)); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if got := s.ScheduledCount(); got != 1 {
		t.Fatalf("ScheduledCount = %d, want 1", got)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.triggers[7] != "job_7" {
		t.Fatalf("trigger id %q, want job_7", st.triggers[7])
	}
	if st.nextRuns[7] == nil || st.nextRuns[7].IsZero() {
		t.Fatalf("expected a persisted next run time")
	}
}

func TestAddJobReplacesExistingTrigger(t *testing.T) {
	st := newFakeStore()
	s := startScheduler(t, st, &fakeExecutor{})

	job := cronJob(3, 1)
	for i := 0; i < 3; i++ {
		if err := s.AddJob(context.Background(), job); err != nil {
			t.Fatalf("AddJob #%d: %v", i, err)
		}
	}
	if got := s.ScheduledCount(); got != 1 {
		t.Fatalf("re-adding stacked triggers: ScheduledCount = %d, want 1", got)
	}
}

func TestAddJobInvalidScheduleLeavesNothing(t *testing.T) {
	st := newFakeStore()
	s := startScheduler(t, st, &fakeExecutor{})

	job := cronJob(9, 1)
	job.ScheduleConfig = map[string]any{"expression": "bad"}
	if err := s.AddJob(context.Background(), job); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
	if got := s.ScheduledCount(); got != 0 {
		t.Fatalf("invalid job left %d triggers behind", got)
	}
}

func TestRemoveJobIsIdempotent(t *testing.T) {
	st := newFakeStore()
	s := startScheduler(t, st, &fakeExecutor{})

	if err := s.AddJob(context.Background(), cronJob(4, 1)); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	s.RemoveJob(context.Background(), 4)
	s.RemoveJob(context.Background(), 4)
	s.RemoveJob(context.Background(), 99)
	if got := s.ScheduledCount(); got != 0 {
		t.Fatalf("ScheduledCount = %d, want 0", got)
	}
}

func TestReloadJobsSkipsInvalid(t *testing.T) {
	st := newFakeStore()
	bad := cronJob(2, 1)
	bad.ScheduleConfig = map[string]any{"expression": "* * *"}
	st.jobs = []store.ScheduledJob{cronJob(1, 1), bad, cronJob(3, 2)}

	s := startScheduler(t, st, &fakeExecutor{})
	if err := s.ReloadJobs(context.Background()); err != nil {
		t.Fatalf("ReloadJobs: %v", err)
	}
	if got := s.ScheduledCount(); got != 2 {
		t.Fatalf("ScheduledCount = %d, want 2 (invalid job skipped)", got)
	}
}

func TestOnceJobFiresAndCleansUp(t *testing.T) {
	st := newFakeStore()
	ex := &fakeExecutor{fired: make(chan struct{}, 1)}
	s := startScheduler(t, st, ex)

	job := store.ScheduledJob{
		ID:             5,
		TaskID:         11,
		Name:           "backfill",
		ScheduleKind:   KindOnce,
		ScheduleConfig: map[string]any{"delay_seconds": 0},
		IsActive:       true,
	}
	if err := s.AddJob(context.Background(), job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	select {
	case <-ex.fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("one-shot job never fired")
	}

	// trigger is gone after firing
	deadline := time.Now().Add(time.Second)
	for s.ScheduledCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("one-shot trigger not cleaned up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if len(ex.calls) != 1 || ex.calls[0] != 11 {
		t.Fatalf("executor calls = %v, want one call for task 11", ex.calls)
	}
}
