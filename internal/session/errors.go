package session

import (
	"errors"
	"fmt"
)

var (
	// ErrDirtyWorkingTree is returned when the target has uncommitted changes
	// and auto-stash was not requested.
	ErrDirtyWorkingTree = errors.New("target working tree has uncommitted changes")
	// ErrUnresolvedMerge is returned when the target is in the middle of a
	// merge or patch application not owned by a session.
	ErrUnresolvedMerge = errors.New("target has an unresolved merge in progress")
)

// HaltError is a session failure that leaves work for the operator. Hint
// names the command to run next and the target it applies to.
type HaltError struct {
	Err    error
	Target string
	Hint   string
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("%v\n%s", e.Err, e.Hint)
}

func (e *HaltError) Unwrap() error {
	return e.Err
}

func halt(err error, target, format string, args ...any) *HaltError {
	return &HaltError{Err: err, Target: target, Hint: fmt.Sprintf(format, args...)}
}
