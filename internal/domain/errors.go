package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrDropNotFound  = errors.New("drop not found")
	ErrDropNotActive = errors.New("drop is not active")
	ErrInvalidDrop   = errors.New("invalid drop definition")

	ErrAlreadyJoined         = errors.New("already in waitlist")
	ErrNotJoined             = errors.New("not in waitlist")
	ErrCannotLeaveAfterClaim = errors.New("cannot leave after claiming")

	ErrWindowClosed  = errors.New("claim window is not open")
	ErrNotInWaitlist = errors.New("not in waitlist for this drop")
	ErrOutOfStock    = errors.New("out of stock")

	ErrUnauthenticated = errors.New("unauthenticated")
	ErrAccountNotFound = errors.New("account not found")

	// storage-level
	ErrEntryNotFound      = errors.New("waitlist entry not found")
	ErrClaimCodeNotFound  = errors.New("claim code not found")
	ErrCodeSpaceExhausted = errors.New("claim code generation collided twice")

	// ErrTransient marks failures a caller may retry as-is (lock wait
	// timeout, serialization failure, deadline).
	ErrTransient = errors.New("transient storage failure")

	ErrCacheMiss = errors.New("cache miss")
)

// AlreadyJoinedError carries the caller's current position. It matches
// ErrAlreadyJoined under errors.Is.
type AlreadyJoinedError struct {
	Position      int
	PriorityScore float64
}

func (e *AlreadyJoinedError) Error() string {
	return fmt.Sprintf("already in waitlist at position %d", e.Position)
}

func (e *AlreadyJoinedError) Is(target error) bool { return target == ErrAlreadyJoined }

// Transient wraps cause so that errors.Is(err, ErrTransient) holds.
func Transient(cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, cause)
}

type Kind string

const (
	KindSuccess         Kind = "success"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindInvalidState    Kind = "invalid_state"
	KindValidation      Kind = "validation"
	KindUnauthenticated Kind = "unauthenticated"
	KindTransient       Kind = "transient"
	KindInternal        Kind = "internal"
)

// KindOf classifies err into the response taxonomy.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindSuccess
	case errors.Is(err, ErrDropNotFound),
		errors.Is(err, ErrNotJoined),
		errors.Is(err, ErrNotInWaitlist):
		return KindNotFound
	case errors.Is(err, ErrAlreadyJoined):
		return KindConflict
	case errors.Is(err, ErrCannotLeaveAfterClaim),
		errors.Is(err, ErrWindowClosed),
		errors.Is(err, ErrOutOfStock),
		errors.Is(err, ErrDropNotActive):
		return KindInvalidState
	case errors.Is(err, ErrInvalidDrop):
		return KindValidation
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrAccountNotFound):
		return KindUnauthenticated
	case errors.Is(err, ErrTransient),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindInternal
	}
}
