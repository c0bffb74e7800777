// Package store persists collaboration records. The relational database is
// the source of truth; sessions keep an in-memory cache reconciled through it.
package store

import (
	"context"
	"errors"
	"time"

	"collabcore/backend/internal/entity"
)

var (
	ErrNotFound     = errors.New("store: record not found")
	ErrLockConflict = errors.New("store: lock conflict")
)

type DocumentRepo interface {
	// GetOrCreateDocument returns the stored document with doc.ID, inserting
	// doc when it does not exist yet.
	GetOrCreateDocument(ctx context.Context, doc *entity.Document) (*entity.Document, error)
	GetDocument(ctx context.Context, id string) (*entity.Document, error)
	SaveDocument(ctx context.Context, doc *entity.Document) error
}

type SessionRepo interface {
	FindOrCreateSession(ctx context.Context, documentID, userID string) (*entity.CollaborationSession, error)
}

type CommentRepo interface {
	ListComments(ctx context.Context, documentID string) ([]entity.Comment, error)
	CreateComment(ctx context.Context, c *entity.Comment) error
	SaveComments(ctx context.Context, cs []entity.Comment) error
	ListAnnotations(ctx context.Context, documentID string) ([]entity.Annotation, error)
	CreateAnnotation(ctx context.Context, a *entity.Annotation) error
	SaveAnnotations(ctx context.Context, as []entity.Annotation) error
}

// LockCheck inspects the unexpired locks of a document and rejects a new
// acquisition by returning an error.
type LockCheck func(active []entity.DocumentLock) error

type LockRepo interface {
	ActiveLocks(ctx context.Context, documentID string, now time.Time) ([]entity.DocumentLock, error)
	// AcquireLock runs check against the active locks and inserts lock in one
	// atomic step. The check error is returned unchanged.
	AcquireLock(ctx context.Context, lock *entity.DocumentLock, check LockCheck) error
	GetLock(ctx context.Context, id string) (*entity.DocumentLock, error)
	DeleteLock(ctx context.Context, id string) error
}

type ConflictRepo interface {
	CreateConflict(ctx context.Context, c *entity.Conflict) error
	UpdateConflict(ctx context.Context, c *entity.Conflict) error
	CreateResolution(ctx context.Context, r *entity.ConflictResolution) error
}

type ActivityRepo interface {
	RecordActivity(ctx context.Context, a *entity.Activity) error
	ListActivities(ctx context.Context, documentID string, limit int) ([]entity.Activity, error)
}

type Store interface {
	DocumentRepo
	SessionRepo
	CommentRepo
	LockRepo
	ConflictRepo
	ActivityRepo
}
