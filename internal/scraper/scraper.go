// Package scraper defines the contract every collection plugin implements
// and the environment the runner hands to plugin instances.
//
// Plugins are compiled in and registered by name at process start; a task
// definition references its plugin through the registry name only.
package scraper

import (
	"context"
	"fmt"
	"strconv"
)

// Params are the free-form invocation parameters of one run.
type Params map[string]any

// Record is one scraped item. The shape is plugin-defined; storage keys rows
// by an external identifier extracted from the record.
type Record map[string]any

// TableSpec names a table a plugin owns inside its task namespace.
type TableSpec struct {
	Name string
}

// Scraper is the mandatory part of the plugin contract.
//
// Scrape returns the full result sequence of the run, or a *TaskError on any
// unrecoverable condition. The context is cancelled on process shutdown;
// there is no per-run cancellation beyond that.
type Scraper interface {
	Scrape(ctx context.Context, params Params) ([]Record, error)
}

// BeforeHook runs exactly once immediately before Scrape.
type BeforeHook interface {
	BeforeScrape(ctx context.Context, params Params) error
}

// AfterHook runs exactly once immediately after a successful Scrape.
type AfterHook interface {
	AfterScrape(ctx context.Context, results []Record, params Params) error
}

// ErrorHook runs only when Scrape (or a hook around it) failed. Failures
// inside the hook never become the execution's recorded error; the runner
// logs and swallows them.
type ErrorHook interface {
	OnError(ctx context.Context, scrapeErr error, params Params)
}

// StorageDeclarer reports the tables a plugin owns inside its namespace.
// Called lazily, possibly more than once; must be idempotent and side-effect
// free.
type StorageDeclarer interface {
	DeclareStorage() []TableSpec
}

// Closer releases plugin resources (network clients, files). The runner
// calls it after every run regardless of outcome.
type Closer interface {
	Close(ctx context.Context) error
}

// ExternalID extracts a record's external identifier, trying the given keys
// in order. Numeric ids are normalized to their decimal string form.
func (r Record) ExternalID(keys ...string) (string, bool) {
	if len(keys) == 0 {
		keys = []string{"id", "external_id"}
	}
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		switch x := v.(type) {
		case string:
			if x != "" {
				return x, true
			}
		case int:
			return strconv.Itoa(x), true
		case int64:
			return strconv.FormatInt(x, 10), true
		case float64:
			// JSON numbers decode as float64; ids are integral in practice.
			return strconv.FormatInt(int64(x), 10), true
		default:
			return fmt.Sprint(x), true
		}
	}
	return "", false
}

// ---- typed param accessors ----

func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// Has reports whether the key is present, regardless of type.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}
