package collab

import (
	"errors"
	"fmt"

	"collabcore/backend/internal/entity"
	"collabcore/backend/internal/store"
)

var (
	ErrNoActiveSession = errors.New("collab: no active session")
	ErrSessionActive   = errors.New("collab: session already active")
	ErrLockNotFound    = errors.New("collab: lock not found")
	ErrLockNotOwned    = errors.New("collab: lock owned by another user")
	ErrInvalidLock     = errors.New("collab: invalid lock request")
	ErrStaleBase       = errors.New("collab: operation base too old")
)

// SessionJoinError is returned when the store or transport cannot be reached
// while joining. The manager stays idle and the caller may retry.
type SessionJoinError struct {
	DocumentID string
	Err        error
}

func (e *SessionJoinError) Error() string {
	return fmt.Sprintf("join session %s: %v", e.DocumentID, e.Err)
}

func (e *SessionJoinError) Unwrap() error { return e.Err }

// StaleBaseError rejects a local edit made against a version older than the
// remote history still kept. The client has to resync from a snapshot.
type StaleBaseError struct {
	Base   uint64
	Oldest uint64
}

func (e *StaleBaseError) Error() string {
	return fmt.Sprintf("operation base version %d predates kept history (remote op at version %d dropped)", e.Base, e.Oldest)
}

func (e *StaleBaseError) Is(target error) bool { return target == ErrStaleBase }

// LockConflictError rejects an acquisition that would break lock exclusivity.
type LockConflictError struct {
	Requested entity.LockType
	Held      entity.DocumentLock
	Reason    string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("cannot acquire %s lock: %s (held by %s until %s)",
		e.Requested, e.Reason, e.Held.UserID, e.Held.ExpiresAt.Format("15:04:05"))
}

func (e *LockConflictError) Is(target error) bool { return target == store.ErrLockConflict }
