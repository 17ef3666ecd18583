package domain

import "errors"

// Error taxonomy shared by the registry, runtime and merge service.
// Component packages wrap these with more specific sentinels so callers can
// match either level with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrBusy               = errors.New("operation not allowed in current state")
	ErrBackendUnavailable = errors.New("isolation backend unavailable")
	ErrResourceExhausted  = errors.New("resource ceiling cannot be satisfied")
	ErrInitialization     = errors.New("initialization failed")
	ErrTaskExecution      = errors.New("task execution failed")
	ErrMergeConflict      = errors.New("merge conflict")
	ErrTargetUnwritable   = errors.New("promotion target not writable")
	ErrNoAgentsAvailable  = errors.New("no agents available")
)
