package dispatcher

import "errors"

var (
	// ErrUnavailable means the task could not be accepted right now: the
	// broker is down, publishing failed, or the table is full.
	ErrUnavailable = errors.New("task dispatch unavailable")
	ErrInvalid     = errors.New("invalid task payload")
)
