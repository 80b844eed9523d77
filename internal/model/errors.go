package model

import (
	"errors"
)

var (
	// ErrInvalidSpec means the target spec can't be compiled, no job was created.
	ErrInvalidSpec = errors.New("invalid target spec")
	// ErrNotFound means the job id is unknown or was already evicted.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidState means the operation is not allowed for the current job status.
	ErrInvalidState = errors.New("invalid job state")
	// ErrBackendUnavailable means a single backend failed to initialize or errored
	// mid-run. The job continues on the remaining backends.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrAllBackendsFailed means no backend could run, the job is failed.
	ErrAllBackendsFailed = errors.New("all backends failed")
)
