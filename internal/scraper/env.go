package scraper

import (
	"context"
	"net/http"
	"time"

	"harvestd/internal/store"
	"harvestd/pkg/logx"
)

// Storage is the slice of the task's isolated namespace a plugin may touch.
// All operations land in tables owned by this task; cross-task writes are
// impossible through this handle.
type Storage interface {
	EnsureTable(ctx context.Context, table string) error
	UpsertRecord(ctx context.Context, table, externalID string, payload []byte) error
	AppendCheckpoint(ctx context.Context, cp store.Checkpoint) error
	ListCheckpoints(ctx context.Context, region string) ([]store.Checkpoint, error)
}

// Env carries everything a plugin instance needs for one execution.
// Built by the runner; plugins treat it as read-only.
type Env struct {
	TaskID      int64
	ExecutionID int64
	Namespace   string

	Config  map[string]any
	Headers map[string]string

	// HTTP is a shared client with the task's default headers and the
	// executor's soft timeout already applied.
	HTTP *http.Client

	Storage Storage

	// Log captures lines onto the execution record.
	Log *RunLog
	// Logger writes to the process log, tagged with task/execution ids.
	Logger logx.Logger

	// Progress reports a running item count and a human-readable message to
	// live observers. Safe to call from the scrape goroutine at any rate.
	Progress func(items int, message string)

	StartedAt time.Time
}

// Elapsed returns seconds since the execution started.
func (e *Env) Elapsed() float64 {
	return time.Since(e.StartedAt).Seconds()
}

// ReportProgress is a nil-safe wrapper around Progress.
func (e *Env) ReportProgress(items int, message string) {
	if e.Progress != nil {
		e.Progress(items, message)
	}
}

// headerTransport injects the task's default headers into every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range t.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// NewHTTPClient builds the per-task HTTP client: custom User-Agent, task
// headers, soft timeout. Redirects are followed (scrape targets redirect
// liberally).
func NewHTTPClient(userAgent string, headers map[string]string, timeout time.Duration) *http.Client {
	merged := make(map[string]string, len(headers)+1)
	merged["User-Agent"] = userAgent
	for k, v := range headers {
		merged[k] = v
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &headerTransport{headers: merged},
	}
}
