package store

import (
	"errors"
	"strings"
)

// Sentinel errors for caller-visible failure modes. Callers are expected to
// match these with errors.Is; everything else is an internal store failure.
var (
	// ErrDuplicateID is returned when an insert collides on a primary key.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrNotFound is returned when the referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotClaimed is returned for heartbeat or finish calls against a work
	// item that is not currently CLAIMED/PROCESSING.
	ErrNotClaimed = errors.New("not claimed")

	// ErrNodeMismatch is returned when a caller reports against a claim held
	// by a different node. Rejected, never retried.
	ErrNodeMismatch = errors.New("node mismatch")

	// ErrBadTransition is returned for state transitions the proposal state
	// machine does not permit from the current status.
	ErrBadTransition = errors.New("illegal state transition")
)

// isUniqueViolation matches constraint failures from modernc.org/sqlite,
// which surfaces them as plain errors with a stable message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
