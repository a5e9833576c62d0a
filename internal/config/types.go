package config

import "time"

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	HTTP      HTTPConfig      `json:"http"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console *bool  `json:"console,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// StorageConfig selects the control-plane database.
//
// Driver values:
//   - "sqlite": single-file database (default); Path is the file location.
//   - "postgres": server database; DSN is a lib/pq connection string
//     (may also come from the HARVESTD_DSN environment variable).
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"` // IANA TZ; default UTC
}

// ExecutorConfig controls scraper execution.
//
// All durations are Go duration strings (e.g. "30s", "5m").
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 5
//   - default_timeout: "5m" (soft HTTP timeout for scraper clients)
//   - user_agent: "harvestd/1.0"
type ExecutorConfig struct {
	MaxConcurrent  int    `json:"max_concurrent,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default ":8080"
	Debug   bool   `json:"debug,omitempty"` // mount pprof routes
}

func (c *LoggingConfig) ConsoleEnabled() bool {
	if c.Console == nil {
		return true
	}
	return *c.Console
}

func (c *ExecutorConfig) MaxConcurrentOrDefault() int {
	if c.MaxConcurrent <= 0 {
		return 5
	}
	return c.MaxConcurrent
}

func (c *ExecutorConfig) TimeoutOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("executor.default_timeout", c.DefaultTimeout, 5*time.Minute)
}

func (c *HTTPConfig) AddrOrDefault() string {
	if c.Addr == "" {
		return ":8080"
	}
	return c.Addr
}
