package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a task, job or execution does not exist.
	ErrNotFound = errors.New("not found")
)

// Config configures the control-plane database.
//
// Driver values:
//   - "sqlite": single-file database (modernc.org/sqlite)
//   - "postgres": server database (lib/pq); namespaces map to schemas
type Config struct {
	Driver      string
	Path        string        // sqlite file path
	DSN         string        // postgres connection string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TaskDefinition is a registered scraper: identity, plugin driver reference,
// isolated storage namespace and free-form configuration.
type TaskDefinition struct {
	ID          int64
	Name        string
	Description string
	// Driver names a constructor in the scraper registry. Plugins are
	// compiled in and resolved by name; there is no runtime code loading.
	Driver    string
	Config    map[string]any
	Headers   map[string]string
	Namespace string // assigned once at creation; immutable
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduledJob binds a task to a declarative schedule.
type ScheduledJob struct {
	ID             int64
	TaskID         int64
	Name           string
	Description    string
	ScheduleKind   string // cron | interval | once
	ScheduleConfig map[string]any
	Params         map[string]any
	IsActive       bool
	TriggerID      string // "job_<id>" while registered in the scheduler
	LastRunAt      *time.Time
	NextRunAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Execution statuses. Only the runner moves a record to a terminal status.
const (
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ExecutionRecord is the durable outcome of one task invocation.
type ExecutionRecord struct {
	ID           int64
	TaskID       int64
	JobID        *int64
	Status       string
	StartedAt    time.Time
	CompletedAt  *time.Time
	ItemsScraped int
	ErrorMessage string
	Logs         string
	Params       map[string]any
	Metrics      map[string]any
}

// Checkpoint marks one processed partition of a crawl inside a task namespace.
type Checkpoint struct {
	Region       string
	Cell         string // partition coordinate, e.g. "51.0500,3.7000"
	RecordsFound int
	ProcessedAt  time.Time
}
