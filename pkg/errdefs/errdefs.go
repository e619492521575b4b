// Package errdefs defines the error kinds the workflow engine returns across
// package boundaries. Callers classify errors with errors.Is / errors.As; the
// HTTP layer maps kinds onto response status codes.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound marks a referenced cycle, report, or phase record that does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition marks a transition that is not legal from the
	// current phase status.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrPrerequisiteNotMet marks a dependency resolver refusal.
	ErrPrerequisiteNotMet = errors.New("prerequisite not met")

	// ErrPermissionDenied marks an actor lacking the required permission.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrValidationFailure marks a failed phase completion predicate or a
	// malformed request.
	ErrValidationFailure = errors.New("validation failure")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidTransition reports whether err is or wraps ErrInvalidTransition.
func IsInvalidTransition(err error) bool { return errors.Is(err, ErrInvalidTransition) }

// IsPrerequisiteNotMet reports whether err is or wraps ErrPrerequisiteNotMet.
func IsPrerequisiteNotMet(err error) bool { return errors.Is(err, ErrPrerequisiteNotMet) }

// IsPermissionDenied reports whether err is or wraps ErrPermissionDenied.
func IsPermissionDenied(err error) bool { return errors.Is(err, ErrPermissionDenied) }

// IsValidationFailure reports whether err is or wraps ErrValidationFailure.
func IsValidationFailure(err error) bool { return errors.Is(err, ErrValidationFailure) }

// PrerequisiteError refuses a transition because prerequisite phases are not
// yet Completed. Missing holds phase display names for the user-facing
// message.
type PrerequisiteError struct {
	Target  string
	Missing []string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("cannot advance to %q: prerequisite phases not completed: %s",
		e.Target, strings.Join(e.Missing, ", "))
}

func (e *PrerequisiteError) Unwrap() error { return ErrPrerequisiteNotMet }

// ValidationError refuses a phase completion because requirements remain
// unmet. Requirements holds the exact human-readable strings shown to users.
type ValidationError struct {
	Phase        string
	Requirements []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("phase %q completion requirements not met: %s",
		e.Phase, strings.Join(e.Requirements, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailure }
