package watcher

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chainpoint/chainpoint-txwatch/types"
)

// ErrDeadlineExceeded matches any *TimedOutError via errors.Is
var ErrDeadlineExceeded = errors.New("deadline exceeded")

// ConnectionError : a notification window could not be opened or reopened
type ConnectionError struct {
	Start *types.SequenceNumber
	Err   error
}

func (e *ConnectionError) Error() string {
	if e.Start == nil {
		return fmt.Sprintf("open batch stream from beginning: %s", e.Err)
	}
	return fmt.Sprintf("open batch stream at %d: %s", *e.Start, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// StreamFailedError : the watch ended because the source failed
type StreamFailedError struct {
	Cause error
}

func (e *StreamFailedError) Error() string {
	return fmt.Sprintf("batch stream failed: %s", e.Cause)
}

func (e *StreamFailedError) Unwrap() error {
	return e.Cause
}

// TimedOutError : the deadline passed before every digest was observed
type TimedOutError struct {
	Remaining []types.Digest
}

func (e *TimedOutError) Error() string {
	ids := make([]string, 0, len(e.Remaining))
	for _, d := range e.Remaining {
		ids = append(ids, d.String())
	}
	return fmt.Sprintf("timed out waiting for %d transaction(s): %s", len(e.Remaining), strings.Join(ids, ","))
}

func (e *TimedOutError) Is(target error) bool {
	return target == ErrDeadlineExceeded
}
