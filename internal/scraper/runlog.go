package scraper

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// RunLog captures a plugin's log lines for one execution so they can be
// persisted onto the execution record, including everything written before
// a mid-run failure.
type RunLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *RunLog) append(level, msg string) {
	ts := time.Now().Format(time.RFC3339)
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf("[%s] [%s] %s", ts, level, msg))
	l.mu.Unlock()
}

func (l *RunLog) Infof(format string, args ...any) {
	l.append("INFO", fmt.Sprintf(format, args...))
}

func (l *RunLog) Warnf(format string, args ...any) {
	l.append("WARN", fmt.Sprintf(format, args...))
}

func (l *RunLog) Errorf(format string, args ...any) {
	l.append("ERROR", fmt.Sprintf(format, args...))
}

// String returns the captured lines joined with newlines.
func (l *RunLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}

// Len reports how many lines have been captured.
func (l *RunLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}
