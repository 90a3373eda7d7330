// Package schedulererr carries the scheduler's error taxonomy: sentinel
// values plus wrapper types, so callers can dispatch on kinds with
// errors.Is / errors.As.
package schedulererr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrObjectAlreadyExists: insert violated uniqueness with replaceExisting=false.
	ErrObjectAlreadyExists = errors.New("object already exists")

	// ErrJobNotFound / ErrTriggerNotFound: retrieve/remove on unknown identity.
	ErrJobNotFound     = errors.New("job not found")
	ErrTriggerNotFound = errors.New("trigger not found")

	// ErrSchedulerShutdown: an operation was attempted after shutdown.
	ErrSchedulerShutdown = errors.New("scheduler has been shutdown")
)

// SchedulerError is the generic scheduler-layer failure kind.
type SchedulerError struct {
	Op    string
	Cause error
}

func Scheduler(op string, cause error) *SchedulerError { return &SchedulerError{Op: op, Cause: cause} }

func (e *SchedulerError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("scheduler: %s", e.Op)
	}
	return fmt.Sprintf("scheduler: %s: %v", e.Op, e.Cause)
}
func (e *SchedulerError) Unwrap() error { return e.Cause }

// JobPersistenceError wraps a driver-level failure from the store.
type JobPersistenceError struct {
	Op    string
	Cause error
}

func Persistence(op string, cause error) *JobPersistenceError {
	return &JobPersistenceError{Op: op, Cause: cause}
}

func (e *JobPersistenceError) Error() string {
	return fmt.Sprintf("job store: %s: %v", e.Op, e.Cause)
}
func (e *JobPersistenceError) Unwrap() error { return e.Cause }

// SchedulerConfigError: invalid configuration detected at startup.
type SchedulerConfigError struct {
	Key   string
	Cause error
}

func Config(key string, cause error) *SchedulerConfigError {
	return &SchedulerConfigError{Key: key, Cause: cause}
}

func (e *SchedulerConfigError) Error() string {
	return fmt.Sprintf("scheduler config %q: %v", e.Key, e.Cause)
}
func (e *SchedulerConfigError) Unwrap() error { return e.Cause }

// LockTimeoutError: acquiring a named row lock exceeded the timeout. Callers
// may retry; Retryable reports it as retryable, as it does JobPersistenceError.
type LockTimeoutError struct {
	LockName string
	Waited   time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out acquiring lock %q after %s", e.LockName, e.Waited)
}

// Retryable reports whether a store-layer error should be retried with
// bounded backoff by the misfire/cluster maintenance thread, rather than
// surfaced immediately to the caller.
func Retryable(err error) bool {
	var lockTimeout *LockTimeoutError
	if errors.As(err, &lockTimeout) {
		return true
	}
	var persist *JobPersistenceError
	return errors.As(err, &persist)
}
