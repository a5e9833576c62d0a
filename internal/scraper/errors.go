package scraper

import "fmt"

// TaskError wraps any unrecoverable failure inside a plugin's lifecycle.
// The runner records its message on the execution and never propagates it
// to the scheduler or the caller.
type TaskError struct {
	Op  string // what the plugin was doing, e.g. "fetch places"
	Err error
}

func (e *TaskError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TaskError) Unwrap() error { return e.Err }

// Errorf builds a TaskError from a formatted cause.
func Errorf(op, format string, args ...any) *TaskError {
	return &TaskError{Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches an operation label to an underlying cause.
// Returns nil when err is nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TaskError{Op: op, Err: err}
}
