package collab

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"collabcore/backend/internal/entity"
	"collabcore/backend/internal/store"
	"collabcore/backend/internal/transport"
)

const DefaultLockLease = 30 * time.Minute

type LockRequest struct {
	Type    entity.LockType `json:"type"`
	Section *entity.Range   `json:"section,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

func (r LockRequest) validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidLock, r.Type)
	}
	if r.Type == entity.LockSection && r.Section == nil {
		return fmt.Errorf("%w: section lock without section", ErrInvalidLock)
	}
	if r.Section != nil && !r.Section.Valid() {
		return fmt.Errorf("%w: bad section [%d,%d)", ErrInvalidLock, r.Section.Start, r.Section.End)
	}
	return nil
}

// checkLockConflict applies the exclusivity rules to the unexpired locks of
// a document: an exclusive lock blocks everything, an exclusive request needs
// an unlocked document, and ranged locks must not overlap.
func checkLockConflict(active []entity.DocumentLock, req LockRequest) error {
	for _, held := range active {
		switch {
		case held.Type == entity.LockExclusive:
			return &LockConflictError{Requested: req.Type, Held: held, Reason: "document is exclusively locked"}
		case req.Type == entity.LockExclusive:
			return &LockConflictError{Requested: req.Type, Held: held, Reason: "document has active locks"}
		case req.Section != nil && held.Section != nil && req.Section.Overlaps(*held.Section):
			return &LockConflictError{Requested: req.Type, Held: held, Reason: "section overlaps an active lock"}
		}
	}
	return nil
}

// pruneLocks drops expired locks in place.
func pruneLocks(locks []entity.DocumentLock, now time.Time) []entity.DocumentLock {
	out := locks[:0]
	for _, l := range locks {
		if l.ActiveAt(now) {
			out = append(out, l)
		}
	}
	return out
}

type lockNotice struct {
	Action string              `json:"action"`
	Lock   entity.DocumentLock `json:"lock"`
}

const (
	lockAcquired = "acquired"
	lockReleased = "released"
)

// AcquireLock takes a lease on the document or a section of it. The store
// checks exclusivity and inserts the lock atomically; a rejected request
// returns a *LockConflictError.
func (m *Manager) AcquireLock(ctx context.Context, req LockRequest) (*entity.DocumentLock, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if !m.liveLocked() {
		m.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	now := m.now()
	lock := &entity.DocumentLock{
		ID:         uuid.NewString(),
		DocumentID: m.doc.ID,
		UserID:     m.self.UserID,
		Type:       req.Type,
		Reason:     req.Reason,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.cfg.LockLease),
	}
	if req.Section != nil {
		sec := *req.Section
		lock.Section = &sec
	}
	err := m.store.AcquireLock(ctx, lock, func(active []entity.DocumentLock) error {
		return checkLockConflict(active, req)
	})
	if err != nil {
		m.mu.Unlock()
		var conflict *LockConflictError
		if errors.As(err, &conflict) {
			return nil, conflict
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	m.doc.Locks = append(pruneLocks(m.doc.Locks, now), *lock)
	if err := m.broadcastLocked(ctx, transport.TypeLock, lockNotice{Action: lockAcquired, Lock: *lock}); err != nil {
		m.log.Warn().Err(err).Str("lock", lock.ID).Msg("broadcast lock")
	}
	evt := Event{Kind: EventLockAcquired, DocumentID: m.doc.ID, UserID: m.self.UserID, Version: m.doc.Version, Lock: lock}
	sessionID := m.session.ID
	m.mu.Unlock()

	m.recordActivity(ctx, lock.DocumentID, sessionID, entity.ActivityLocked, map[string]any{"lockId": lock.ID, "type": lock.Type})
	m.emit([]Event{evt})
	out := *lock
	return &out, nil
}

// ReleaseLock deletes a lock held by the local user.
func (m *Manager) ReleaseLock(ctx context.Context, lockID string) error {
	m.mu.Lock()
	if !m.liveLocked() {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	lock, err := m.releaseLocked(ctx, lockID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.removeLockLocked(lockID)
	if err := m.broadcastLocked(ctx, transport.TypeLock, lockNotice{Action: lockReleased, Lock: *lock}); err != nil {
		m.log.Warn().Err(err).Str("lock", lockID).Msg("broadcast lock release")
	}
	evt := Event{Kind: EventLockReleased, DocumentID: m.doc.ID, UserID: m.self.UserID, Version: m.doc.Version, Lock: lock}
	sessionID := m.session.ID
	m.mu.Unlock()

	m.recordActivity(ctx, lock.DocumentID, sessionID, entity.ActivityUnlocked, map[string]any{"lockId": lockID})
	m.emit([]Event{evt})
	return nil
}

func (m *Manager) releaseLocked(ctx context.Context, lockID string) (*entity.DocumentLock, error) {
	lock, err := m.store.GetLock(ctx, lockID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrLockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("release lock: %w", err)
	}
	if lock.UserID != m.self.UserID {
		return nil, ErrLockNotOwned
	}
	err = m.store.DeleteLock(ctx, lockID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrLockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("release lock: %w", err)
	}
	return lock, nil
}

// Locks returns the unexpired locks known to the session.
func (m *Manager) Locks() []entity.DocumentLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc == nil {
		return nil
	}
	m.doc.Locks = pruneLocks(m.doc.Locks, m.now())
	return m.doc.clone().Locks
}

func (m *Manager) removeLockLocked(id string) {
	m.doc.Locks = slices.DeleteFunc(m.doc.Locks, func(l entity.DocumentLock) bool { return l.ID == id })
}

func (m *Manager) handleRemoteLockLocked(msg transport.Message) []Event {
	var n lockNotice
	if err := msg.Decode(&n); err != nil {
		m.log.Warn().Err(err).Str("from", msg.UserID).Msg("decode lock")
		return nil
	}
	lock := n.Lock
	switch n.Action {
	case lockAcquired:
		m.removeLockLocked(lock.ID)
		m.doc.Locks = append(pruneLocks(m.doc.Locks, m.now()), lock)
		return []Event{{Kind: EventLockAcquired, DocumentID: m.doc.ID, UserID: msg.UserID, Remote: true, Lock: &lock}}
	case lockReleased:
		m.removeLockLocked(lock.ID)
		return []Event{{Kind: EventLockReleased, DocumentID: m.doc.ID, UserID: msg.UserID, Remote: true, Lock: &lock}}
	}
	return nil
}
