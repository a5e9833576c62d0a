package sched

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when a schedule kind or its config cannot be
// turned into a trigger. Jobs carrying such configs are reported and skipped,
// never scheduled.
var ErrInvalidSchedule = errors.New("invalid schedule")

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

// trigger is a resolved schedule: either a repeating cron schedule or a
// single absolute fire time.
type trigger struct {
	schedule cron.Schedule // repeating (cron, interval)
	runAt    time.Time     // one-shot (once)
	once     bool
}

// intervalUnits in resolution precedence order. When a config carries more
// than one unit the finest-grained present wins.
var intervalUnits = []struct {
	key  string
	unit time.Duration
}{
	{"seconds", time.Second},
	{"minutes", time.Minute},
	{"hours", time.Hour},
	{"days", 24 * time.Hour},
}

// buildTrigger validates and resolves a schedule config.
func buildTrigger(parser cron.Parser, kind string, cfg map[string]any, now time.Time) (trigger, error) {
	switch kind {
	case KindCron:
		expr, _ := cfg["expression"].(string)
		expr = strings.TrimSpace(expr)
		if expr == "" {
			return trigger{}, fmt.Errorf("%w: cron schedule requires an expression", ErrInvalidSchedule)
		}
		if n := len(strings.Fields(expr)); n != 5 {
			return trigger{}, fmt.Errorf("%w: cron expression %q has %d fields, want 5", ErrInvalidSchedule, expr, n)
		}
		sched, err := parser.Parse(expr)
		if err != nil {
			return trigger{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		return trigger{schedule: sched}, nil

	case KindInterval:
		for _, u := range intervalUnits {
			raw, ok := cfg[u.key]
			if !ok {
				continue
			}
			n, ok := toFloat(raw)
			if !ok || n <= 0 {
				return trigger{}, fmt.Errorf("%w: interval %s must be a positive number", ErrInvalidSchedule, u.key)
			}
			return trigger{schedule: cron.Every(time.Duration(n * float64(u.unit)))}, nil
		}
		return trigger{}, fmt.Errorf("%w: interval schedule requires one of seconds, minutes, hours, days", ErrInvalidSchedule)

	case KindOnce:
		if raw, ok := cfg["run_at"]; ok {
			str, _ := raw.(string)
			at, err := time.Parse(time.RFC3339, str)
			if err != nil {
				return trigger{}, fmt.Errorf("%w: run_at must be RFC3339: %v", ErrInvalidSchedule, err)
			}
			return trigger{runAt: at, once: true}, nil
		}
		if raw, ok := cfg["delay_seconds"]; ok {
			n, ok := toFloat(raw)
			if !ok || n < 0 {
				return trigger{}, fmt.Errorf("%w: delay_seconds must be a non-negative number", ErrInvalidSchedule)
			}
			return trigger{runAt: now.Add(time.Duration(n * float64(time.Second))), once: true}, nil
		}
		return trigger{}, fmt.Errorf("%w: once schedule requires run_at or delay_seconds", ErrInvalidSchedule)

	default:
		return trigger{}, fmt.Errorf("%w: unknown schedule kind %q", ErrInvalidSchedule, kind)
	}
}

// Validate checks a schedule config without registering anything. The API
// layer calls this before persisting a job.
func Validate(kind string, cfg map[string]any) error {
	parser := newParser()
	_, err := buildTrigger(parser, kind, cfg, time.Now())
	return err
}

func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// toFloat normalizes the numeric types JSON and YAML decoding produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
