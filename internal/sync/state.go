package sync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/schaermu/subsync/internal/git"
	"github.com/schaermu/subsync/internal/models"
)

var (
	// ErrMergeConflict is returned when a patch leaves unmerged paths behind.
	ErrMergeConflict = errors.New("merge conflict")
	// ErrDeclined is returned when the operator refuses to skip an empty patch.
	ErrDeclined = errors.New("declined by user")
	// ErrApplyFailed is returned when git cannot apply a patch and leaves no
	// conflict to resolve, for example when the three-way base is missing.
	ErrApplyFailed = errors.New("patch does not apply")
)

// Stats summarizes one engine invocation
type Stats struct {
	Total     int // records in the session
	Applied   int // records committed by this invocation
	Skipped   int // records skipped by this invocation
	Remaining int // records left after this invocation
}

// Outcome is the classification of one apply attempt
type Outcome int

const (
	Applied Outcome = iota
	Empty
	Conflicted
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Empty:
		return "empty"
	case Conflicted:
		return "conflict"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Classify maps a failed apply to an outcome. Unmerged paths mean a conflict;
// git reporting a patch without change means empty; anything else failed.
func Classify(amErr error, unmerged []string) Outcome {
	switch {
	case len(unmerged) > 0:
		return Conflicted
	case errors.Is(amErr, git.ErrEmptyPatch):
		return Empty
	default:
		return Failed
	}
}

// ConflictError describes the record a session halted on
type ConflictError struct {
	Record models.PatchRecord
	Paths  []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v applying %s %s: %s", ErrMergeConflict, e.Record.ShortHash, e.Record.Subject, strings.Join(e.Paths, ", "))
}

func (e *ConflictError) Unwrap() error {
	return ErrMergeConflict
}

// ApplyError describes a record git could not apply without a conflict
type ApplyError struct {
	Record models.PatchRecord
	Err    error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%v: %s %s: %v", ErrApplyFailed, e.Record.ShortHash, e.Record.Subject, e.Err)
}

func (e *ApplyError) Unwrap() []error {
	return []error{ErrApplyFailed, e.Err}
}
