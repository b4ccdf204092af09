package crawler

import (
	"errors"
	"fmt"
)

// ErrQueueUnavailable signals that a queue backend could not reach its
// transport after configured retries. Callers must treat the affected job's
// disposition as unknown and never report progress for it.
var ErrQueueUnavailable = errors.New("queue backend unavailable")

// ErrSiteNotFound is returned by ledger reads for unknown sites.
var ErrSiteNotFound = errors.New("site not found")

// ErrStoreConflict signals a concurrent-write collision on a ledger record;
// the operation should be retried with a fresh read.
var ErrStoreConflict = errors.New("store write conflict")

// FailureClass separates retryable from terminal processing failures.
type FailureClass int

const (
	// FailureTransient means the job should be redelivered and retried.
	FailureTransient FailureClass = iota
	// FailurePermanent means the job must be dead-lettered, not retried.
	FailurePermanent
)

// ProcessError classifies a page-processing failure.
type ProcessError struct {
	Class FailureClass
	URL   string
	Err   error
}

func (e *ProcessError) Error() string {
	kind := "transient"
	if e.Class == FailurePermanent {
		kind = "permanent"
	}
	return fmt.Sprintf("process %s: %s failure: %v", e.URL, kind, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable processing failure.
func Transient(url string, err error) error {
	return &ProcessError{Class: FailureTransient, URL: url, Err: err}
}

// Permanent wraps err as a terminal processing failure.
func Permanent(url string, err error) error {
	return &ProcessError{Class: FailurePermanent, URL: url, Err: err}
}

// IsPermanent reports whether err is a permanent processing failure.
// Anything unclassified is treated as transient so it gets retried.
func IsPermanent(err error) bool {
	var pe *ProcessError
	return errors.As(err, &pe) && pe.Class == FailurePermanent
}
