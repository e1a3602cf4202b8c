package scrape

import (
	"errors"
	"fmt"
)

// ErrAborted is surfaced when a cancellation token interrupts a sleep or a
// network round-trip. Distinct from ErrDeadline so the worker can map it to a
// cancelled task instead of a failed one.
var ErrAborted = errors.New("scrape aborted")

// ErrDeadline is surfaced when the overall wait-for-ready deadline elapses
// before the snapshot becomes ready.
var ErrDeadline = errors.New("scrape deadline exceeded")

// JobFailedError is a non-retryable provider-side failure. Detail carries the
// raw progress payload so the operator can see what the provider reported.
type JobFailedError struct {
	SnapshotID string
	Status     string
	Detail     string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("snapshot %s reported %s: %s", e.SnapshotID, e.Status, e.Detail)
}
