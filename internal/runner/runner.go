// Package runner executes one scraper lifecycle per invocation: resolve the
// task, create the execution record, drive the plugin hooks, contain every
// failure, and finalize the record.
package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"harvestd/internal/progress"
	"harvestd/internal/scraper"
	"harvestd/internal/store"
	"harvestd/pkg/logx"
)

// Config controls execution behavior.
type Config struct {
	// MaxConcurrent bounds simultaneously running executions.
	MaxConcurrent int
	// HTTPTimeout is the soft timeout applied to each plugin's HTTP client.
	HTTPTimeout time.Duration
	UserAgent   string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 5 * time.Minute
	}
	if c.UserAgent == "" {
		c.UserAgent = "harvestd/1.0"
	}
	return c
}

// Store is the persistence surface the runner needs.
type Store interface {
	GetTask(ctx context.Context, id int64) (store.TaskDefinition, error)
	CreateExecution(ctx context.Context, taskID int64, jobID *int64, params map[string]any) (int64, error)
	FinishExecution(ctx context.Context, id int64, status string, items int, errMsg, logs string, metrics map[string]any) error

	EnsureTable(ctx context.Context, ns, table string) error
	UpsertRecord(ctx context.Context, ns, table, externalID string, payload []byte) error
	AppendCheckpoint(ctx context.Context, ns string, cp store.Checkpoint) error
	ListCheckpoints(ctx context.Context, ns, region string) ([]store.Checkpoint, error)
}

// Runner is the task executor.
type Runner struct {
	cfg      Config
	store    Store
	registry *scraper.Registry
	tracker  *progress.Tracker
	log      logx.Logger

	mu     sync.Mutex
	runCtx context.Context
	sem    chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, st Store, reg *scraper.Registry, tracker *progress.Tracker, log logx.Logger) *Runner {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		cfg:      cfg,
		store:    st,
		registry: reg,
		tracker:  tracker,
		log:      log,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start binds the runner to its long-lived context. Executions spawned later
// inherit this context, not the caller's request-scoped one.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.runCtx = ctx
	r.mu.Unlock()
	r.log.Info("runner started", logx.Int("max_concurrent", r.cfg.MaxConcurrent))
}

// Stop waits for in-flight executions, bounded by ctx.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	r.runCtx = nil
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info("runner stopped")
	case <-ctx.Done():
		r.log.Warn("runner stop timed out; executions still in flight")
	}
}

// Execute resolves the task, inserts a running execution record and returns
// its id immediately; the plugin lifecycle runs on its own goroutine, gated
// by the concurrency semaphore.
//
// Setup failures (unknown task, inactive task, unresolvable plugin) surface
// here and leave no partial state: the registry lookup is a pure map read,
// so it happens before the record insert even though the lifecycle
// conceptually resolves plugins after recording the start.
func (r *Runner) Execute(ctx context.Context, taskID int64, jobID *int64, params scraper.Params) (int64, error) {
	r.mu.Lock()
	runCtx := r.runCtx
	r.mu.Unlock()
	if runCtx == nil {
		return 0, ErrStopped
	}

	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		if err == store.ErrNotFound {
			return 0, fmt.Errorf("%w: task %d", ErrTaskNotFound, taskID)
		}
		return 0, err
	}
	if !task.IsActive {
		return 0, fmt.Errorf("%w: task %d", ErrTaskInactive, taskID)
	}

	factory, err := r.registry.Resolve(task.Driver)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPluginLoad, err)
	}

	execID, err := r.store.CreateExecution(ctx, taskID, jobID, params)
	if err != nil {
		return 0, err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case r.sem <- struct{}{}:
		case <-runCtx.Done():
			r.finish(execID, store.StatusCancelled, 0, "process shutdown before execution started", "", nil, time.Now())
			return
		}
		defer func() { <-r.sem }()
		r.run(runCtx, task, execID, factory, params)
	}()

	return execID, nil
}

func (r *Runner) run(ctx context.Context, task store.TaskDefinition, execID int64, factory scraper.Factory, params scraper.Params) {
	started := time.Now()
	log := r.log.With(logx.Int64("task_id", task.ID), logx.Int64("execution_id", execID))
	log.Info("execution started", logx.String("driver", task.Driver))

	env := &scraper.Env{
		TaskID:      task.ID,
		ExecutionID: execID,
		Namespace:   task.Namespace,
		Config:      task.Config,
		Headers:     task.Headers,
		HTTP:        scraper.NewHTTPClient(r.cfg.UserAgent, task.Headers, r.cfg.HTTPTimeout),
		Storage:     boundStorage{store: r.store, ns: task.Namespace},
		Log:         &scraper.RunLog{},
		Logger:      log,
		StartedAt:   started,
	}
	env.Progress = func(items int, message string) {
		r.tracker.Update(execID, store.StatusRunning, items, time.Since(started).Seconds(), message)
	}

	var (
		inst    scraper.Scraper
		results []scraper.Record
		runErr  error
	)

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				runErr = fmt.Errorf("plugin panic: %v", rec)
				log.Error("plugin panicked", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			}
		}()

		inst = factory(env)

		if d, ok := inst.(scraper.StorageDeclarer); ok {
			for _, spec := range d.DeclareStorage() {
				if err := r.store.EnsureTable(ctx, task.Namespace, spec.Name); err != nil {
					runErr = scraper.Wrap("ensure table "+spec.Name, err)
					return
				}
			}
		}

		if h, ok := inst.(scraper.BeforeHook); ok {
			if err := h.BeforeScrape(ctx, params); err != nil {
				runErr = err
				return
			}
		}

		results, runErr = inst.Scrape(ctx, params)
		if runErr != nil {
			return
		}

		if h, ok := inst.(scraper.AfterHook); ok {
			runErr = h.AfterScrape(ctx, results, params)
		}
	}()

	if runErr != nil && inst != nil {
		r.fireErrorHook(ctx, inst, runErr, params, log)
	}

	// Release plugin resources regardless of outcome.
	if c, ok := inst.(scraper.Closer); ok {
		if err := c.Close(ctx); err != nil {
			log.Warn("plugin cleanup failed", logx.Err(err))
		}
	}

	elapsed := time.Since(started)
	metrics := map[string]any{"duration_seconds": elapsed.Seconds()}

	var logs string
	if env.Log != nil {
		logs = env.Log.String()
	}

	if runErr != nil {
		log.Error("execution failed", logx.Err(runErr), logx.Duration("took", elapsed))
		r.tracker.Update(execID, store.StatusFailed, len(results), elapsed.Seconds(), runErr.Error())
		r.finish(execID, store.StatusFailed, len(results), runErr.Error(), logs, metrics, started)
	} else {
		log.Info("execution succeeded", logx.Int("items", len(results)), logx.Duration("took", elapsed))
		r.tracker.Update(execID, store.StatusSuccess, len(results), elapsed.Seconds(), "completed")
		r.finish(execID, store.StatusSuccess, len(results), "", logs, metrics, started)
	}
}

// fireErrorHook runs OnError best-effort: any failure (including a panic)
// inside the hook is logged and swallowed, never recorded as the execution's
// error.
func (r *Runner) fireErrorHook(ctx context.Context, inst scraper.Scraper, runErr error, params scraper.Params, log logx.Logger) {
	h, ok := inst.(scraper.ErrorHook)
	if !ok {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Warn("on_error hook panicked", logx.Any("panic", rec))
		}
	}()
	h.OnError(ctx, runErr, params)
}

// finish persists the terminal record and clears the broadcaster.
func (r *Runner) finish(execID int64, status string, items int, errMsg, logs string, metrics map[string]any, started time.Time) {
	// Finalization must survive the run context being cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.FinishExecution(ctx, execID, status, items, errMsg, logs, metrics); err != nil {
		r.log.Error("failed to finalize execution record",
			logx.Int64("execution_id", execID), logx.Err(err))
	}
	r.tracker.Complete(execID)
}

// boundStorage restricts namespace operations to the owning task.
type boundStorage struct {
	store Store
	ns    string
}

func (b boundStorage) EnsureTable(ctx context.Context, table string) error {
	return b.store.EnsureTable(ctx, b.ns, table)
}

func (b boundStorage) UpsertRecord(ctx context.Context, table, externalID string, payload []byte) error {
	return b.store.UpsertRecord(ctx, b.ns, table, externalID, payload)
}

func (b boundStorage) AppendCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	return b.store.AppendCheckpoint(ctx, b.ns, cp)
}

func (b boundStorage) ListCheckpoints(ctx context.Context, region string) ([]store.Checkpoint, error) {
	return b.store.ListCheckpoints(ctx, b.ns, region)
}
