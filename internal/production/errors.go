package production

import (
	"errors"
	"fmt"

	"github.com/savegress/oeetrack/internal/store"
)

// ValidationError reports malformed input. Nothing was changed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// ConflictError reports a violated uniqueness invariant, usually a lost race
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// StateError reports an operation that is invalid for the current lifecycle state
type StateError struct {
	Reason string
}

func (e *StateError) Error() string {
	return "invalid state: " + e.Reason
}

// NotFoundError reports a missing entity
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func conflict(format string, args ...any) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

func badState(format string, args ...any) error {
	return &StateError{Reason: fmt.Sprintf(format, args...)}
}

// fromStore translates store sentinels into lifecycle errors
func fromStore(err error, entity, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return &NotFoundError{Entity: entity, ID: id}
	case errors.Is(err, store.ErrConflict):
		return &ConflictError{Reason: err.Error()}
	default:
		return err
	}
}

// Kind classifies an error for metrics and logging
func Kind(err error) string {
	var (
		ve *ValidationError
		ce *ConflictError
		se *StateError
		ne *NotFoundError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &ce):
		return "conflict"
	case errors.As(err, &se):
		return "state"
	case errors.As(err, &ne):
		return "not_found"
	default:
		return "internal"
	}
}
