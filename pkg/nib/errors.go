// Package nib implements the Network Information Base: a transactional SQL
// store for devices, controllers, config requests, policies, an append-only
// event stream, and TTL coordination locks with fencing tokens. SQLite is
// the default backend; a Postgres DSN selects lib/pq for shared deployments.
package nib

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by point reads with no matching record.
	ErrNotFound = errors.New("record not found")
	// ErrNotHeld is returned when releasing a lock that is absent or expired.
	ErrNotHeld = errors.New("lock not held")
	// ErrStaleToken is returned when releasing a lock with a superseded
	// fencing token; the lock was reacquired after the caller's TTL lapsed.
	ErrStaleToken = errors.New("stale fencing token")
	// ErrUnavailable is returned once the store has detected corruption and
	// refuses further writes.
	ErrUnavailable = errors.New("store unavailable")
	// ErrMigrationRequired aborts startup when the on-disk schema version
	// does not match the binary.
	ErrMigrationRequired = errors.New("schema migration required")
)

// ConflictError reports an optimistic-concurrency failure: the stored
// version did not match the caller's expected version.
type ConflictError struct {
	CurrentVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: current version is %d", e.CurrentVersion)
}

// IsConflict reports whether err is a ConflictError and returns the stored
// version.
func IsConflict(err error) (int64, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.CurrentVersion, true
	}
	return 0, false
}

// InvalidError reports a rejected write with a named reason: a missing
// field, a uniqueness violation, or a persistent backend failure. Duplicate
// distinguishes a uniqueness violation from the other causes.
type InvalidError struct {
	Reason    string
	Duplicate bool
}

func (e *InvalidError) Error() string {
	return "invalid: " + e.Reason
}

func invalidf(format string, args ...any) error {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}

func duplicatef(format string, args ...any) error {
	return &InvalidError{Reason: fmt.Sprintf(format, args...), Duplicate: true}
}

// HeldError reports a failed lock acquisition.
type HeldError struct {
	HolderID  string
	ExpiresAt time.Time
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock held by %s until %s", e.HolderID, e.ExpiresAt.Format(time.RFC3339))
}
