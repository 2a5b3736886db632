package domain

import "errors"

var (
	// ErrValidation wraps every user-input rejection.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound means the referenced job is unknown to the registry
	// and the archive.
	ErrNotFound = errors.New("job not found")

	// ErrDuplicateJob means a registry insert collided with a live entry.
	ErrDuplicateJob = errors.New("job already registered")

	// ErrNoCompletedParent means a derived action referenced a job that has
	// not completed successfully.
	ErrNoCompletedParent = errors.New("parent job has not completed")

	// ErrJobRunning means a cancel targeted a job already executing;
	// per-job cancellation only covers pending work.
	ErrJobRunning = errors.New("job is already running")

	// ErrTerminalState means a transition targeted a job already resolved.
	ErrTerminalState = errors.New("job already in terminal state")

	// ErrPermission means the requester may not act on the job.
	ErrPermission = errors.New("requester not permitted")
)
