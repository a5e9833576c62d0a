package runner

import "errors"

var (
	// ErrTaskNotFound: the referenced task definition does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskInactive: the task exists but its active flag is off.
	ErrTaskInactive = errors.New("task is not active")
	// ErrPluginLoad: the task's driver is not in the scraper registry.
	ErrPluginLoad = errors.New("plugin load failed")
	// ErrStopped: the runner is not accepting executions.
	ErrStopped = errors.New("runner stopped")
)
