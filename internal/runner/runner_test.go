package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"harvestd/internal/progress"
	"harvestd/internal/scraper"
	"harvestd/internal/store"
	"harvestd/pkg/logx"
)

type finishCall struct {
	id     int64
	status string
	items  int
	errMsg string
	logs   string
}

type fakeStore struct {
	mu       sync.Mutex
	tasks    map[int64]store.TaskDefinition
	nextExec int64
	created  int
	ensured  []string
	upserts  map[string][]byte
	finished chan finishCall
}

func newRunnerStore() *fakeStore {
	return &fakeStore{
		tasks:    map[int64]store.TaskDefinition{},
		upserts:  map[string][]byte{},
		finished: make(chan finishCall, 4),
	}
}

func (f *fakeStore) GetTask(ctx context.Context, id int64) (store.TaskDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return store.TaskDefinition{}, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) CreateExecution(ctx context.Context, taskID int64, jobID *int64, params map[string]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextExec++
	f.created++
	return f.nextExec, nil
}

func (f *fakeStore) FinishExecution(ctx context.Context, id int64, status string, items int, errMsg, logs string, metrics map[string]any) error {
	f.finished <- finishCall{id: id, status: status, items: items, errMsg: errMsg, logs: logs}
	return nil
}

func (f *fakeStore) EnsureTable(ctx context.Context, ns, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, ns+"/"+table)
	return nil
}

func (f *fakeStore) UpsertRecord(ctx context.Context, ns, table, externalID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts[ns+"/"+table+"/"+externalID] = payload
	return nil
}

func (f *fakeStore) AppendCheckpoint(ctx context.Context, ns string, cp store.Checkpoint) error {
	return nil
}

func (f *fakeStore) ListCheckpoints(ctx context.Context, ns, region string) ([]store.Checkpoint, error) {
	return nil, nil
}

func (f *fakeStore) executionsCreated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// fakePlugin implements the full optional surface.
type fakePlugin struct {
	env *scraper.Env

	records   []scraper.Record
	beforeErr error
	scrapeErr error
	afterErr  error

	panicInScrape  bool
	panicInOnError bool

	mu            sync.Mutex
	onErrorCalled bool
	onErrorGot    error
	closeCalled   bool
}

func (p *fakePlugin) DeclareStorage() []scraper.TableSpec {
	return []scraper.TableSpec{{Name: "items"}}
}

func (p *fakePlugin) BeforeScrape(ctx context.Context, params scraper.Params) error {
	return p.beforeErr
}

func (p *fakePlugin) Scrape(ctx context.Context, params scraper.Params) ([]scraper.Record, error) {
	p.env.Log.Infof("fetching %d records", len(p.records))
	if p.panicInScrape {
		panic("boom")
	}
	if p.scrapeErr != nil {
		return nil, p.scrapeErr
	}
	return p.records, nil
}

func (p *fakePlugin) AfterScrape(ctx context.Context, results []scraper.Record, params scraper.Params) error {
	return p.afterErr
}

func (p *fakePlugin) OnError(ctx context.Context, scrapeErr error, params scraper.Params) {
	p.mu.Lock()
	p.onErrorCalled = true
	p.onErrorGot = scrapeErr
	p.mu.Unlock()
	if p.panicInOnError {
		panic("on_error exploded")
	}
}

func (p *fakePlugin) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closeCalled = true
	p.mu.Unlock()
	return nil
}

func setup(t *testing.T, plugin *fakePlugin) (*Runner, *fakeStore) {
	t.Helper()
	st := newRunnerStore()
	st.tasks[1] = store.TaskDefinition{
		ID:        1,
		Name:      "places",
		Driver:    "test",
		Namespace: "task_1",
		IsActive:  true,
	}
	st.tasks[2] = store.TaskDefinition{
		ID:       2,
		Name:     "paused",
		Driver:   "test",
		IsActive: false,
	}

	reg := scraper.NewRegistry()
	reg.Register("test", func(env *scraper.Env) scraper.Scraper {
		plugin.env = env
		return plugin
	})

	r := New(Config{MaxConcurrent: 2}, st, reg, progress.NewTracker(logx.Nop()), logx.Nop())
	r.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Stop(ctx)
	})
	return r, st
}

func waitFinish(t *testing.T, st *fakeStore) finishCall {
	t.Helper()
	select {
	case fc := <-st.finished:
		return fc
	case <-time.After(5 * time.Second):
		t.Fatalf("execution never finalized")
		return finishCall{}
	}
}

func TestExecuteSuccess(t *testing.T) {
	plugin := &fakePlugin{records: []scraper.Record{{"id": "a"}, {"id": "b"}}}
	r, st := setup(t, plugin)

	execID, err := r.Execute(context.Background(), 1, nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	fc := waitFinish(t, st)
	if fc.id != execID {
		t.Fatalf("finalized execution %d, want %d", fc.id, execID)
	}
	if fc.status != store.StatusSuccess {
		t.Fatalf("status %q, want success", fc.status)
	}
	if fc.items != 2 {
		t.Fatalf("items %d, want 2", fc.items)
	}
	if !strings.Contains(fc.logs, "fetching 2 records") {
		t.Fatalf("captured logs missing plugin line: %q", fc.logs)
	}

	plugin.mu.Lock()
	defer plugin.mu.Unlock()
	if plugin.onErrorCalled {
		t.Fatalf("on_error fired on success")
	}
	if !plugin.closeCalled {
		t.Fatalf("close not called")
	}
}

func TestExecuteDeclaredStorageEnsured(t *testing.T) {
	plugin := &fakePlugin{}
	r, st := setup(t, plugin)

	if _, err := r.Execute(context.Background(), 1, nil, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	waitFinish(t, st)

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.ensured) != 1 || st.ensured[0] != "task_1/items" {
		t.Fatalf("ensured tables %v, want [task_1/items]", st.ensured)
	}
}

func TestExecuteScrapeFailure(t *testing.T) {
	cause := scraper.Errorf("fetch page", "status 503")
	plugin := &fakePlugin{scrapeErr: cause}
	r, st := setup(t, plugin)

	if _, err := r.Execute(context.Background(), 1, nil, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	fc := waitFinish(t, st)
	if fc.status != store.StatusFailed {
		t.Fatalf("status %q, want failed", fc.status)
	}
	if !strings.Contains(fc.errMsg, "fetch page") {
		t.Fatalf("error message %q missing cause", fc.errMsg)
	}
	if !strings.Contains(fc.logs, "fetching") {
		t.Fatalf("logs written before the failure were lost: %q", fc.logs)
	}

	plugin.mu.Lock()
	defer plugin.mu.Unlock()
	if !plugin.onErrorCalled || !errors.Is(plugin.onErrorGot, cause) {
		t.Fatalf("on_error not invoked with the scrape error")
	}
	if !plugin.closeCalled {
		t.Fatalf("close not called after failure")
	}
}

func TestOnErrorPanicIsSwallowed(t *testing.T) {
	plugin := &fakePlugin{scrapeErr: errors.New("dead upstream"), panicInOnError: true}
	r, st := setup(t, plugin)

	if _, err := r.Execute(context.Background(), 1, nil, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	fc := waitFinish(t, st)
	if fc.status != store.StatusFailed {
		t.Fatalf("status %q, want failed", fc.status)
	}
	if fc.errMsg != "dead upstream" {
		t.Fatalf("recorded error %q, want the scrape error, not the hook panic", fc.errMsg)
	}
}

func TestScrapePanicBecomesFailure(t *testing.T) {
	plugin := &fakePlugin{panicInScrape: true}
	r, st := setup(t, plugin)

	if _, err := r.Execute(context.Background(), 1, nil, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	fc := waitFinish(t, st)
	if fc.status != store.StatusFailed {
		t.Fatalf("status %q, want failed", fc.status)
	}
	if !strings.Contains(fc.errMsg, "plugin panic") {
		t.Fatalf("error message %q should mention the panic", fc.errMsg)
	}
}

func TestExecuteSetupErrors(t *testing.T) {
	plugin := &fakePlugin{}
	r, st := setup(t, plugin)

	cases := []struct {
		name   string
		taskID int64
		want   error
	}{
		{"unknown task", 404, ErrTaskNotFound},
		{"inactive task", 2, ErrTaskInactive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Execute(context.Background(), tc.taskID, nil, nil)
			if !errors.Is(err, tc.want) {
				t.Fatalf("error %v, want %v", err, tc.want)
			}
		})
	}
	if n := st.executionsCreated(); n != 0 {
		t.Fatalf("%d execution records created for failed setups, want 0", n)
	}
}

func TestExecuteUnknownDriver(t *testing.T) {
	plugin := &fakePlugin{}
	r, st := setup(t, plugin)

	st.mu.Lock()
	st.tasks[3] = store.TaskDefinition{ID: 3, Driver: "missing", IsActive: true}
	st.mu.Unlock()

	_, err := r.Execute(context.Background(), 3, nil, nil)
	if !errors.Is(err, ErrPluginLoad) {
		t.Fatalf("error %v, want ErrPluginLoad", err)
	}
	if n := st.executionsCreated(); n != 0 {
		t.Fatalf("execution record created despite plugin load failure")
	}
}

func TestExecuteBeforeStartReturnsErrStopped(t *testing.T) {
	st := newRunnerStore()
	r := New(Config{}, st, scraper.NewRegistry(), progress.NewTracker(logx.Nop()), logx.Nop())
	if _, err := r.Execute(context.Background(), 1, nil, nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("error %v, want ErrStopped", err)
	}
}
