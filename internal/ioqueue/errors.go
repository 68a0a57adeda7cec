package ioqueue

import "errors"

var (
	// ErrTaskNotFound indicates the named task is not registered
	ErrTaskNotFound = errors.New("task not found in registry")

	// ErrJobNotFound indicates no job exists with the given ID
	ErrJobNotFound = errors.New("job not found")

	// ErrNotSerializable indicates task arguments do not survive a JSON round trip
	ErrNotSerializable = errors.New("task arguments are not JSON-serializable")

	// ErrNoJob indicates no claimable job is currently available
	ErrNoJob = errors.New("no claimable job available")

	// ErrDuplicateTask indicates a task name was registered twice
	ErrDuplicateTask = errors.New("task already registered")
)
