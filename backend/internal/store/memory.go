package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabcore/backend/internal/entity"
)

// MemoryStore keeps every record in process memory. Values are copied on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu          sync.Mutex
	documents   map[string]entity.Document
	sessions    map[string]entity.CollaborationSession // by document id
	comments    map[string]entity.Comment
	annotations map[string]entity.Annotation
	locks       map[string]entity.DocumentLock
	conflicts   map[string]entity.Conflict
	resolutions []entity.ConflictResolution
	activities  []entity.Activity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents:   make(map[string]entity.Document),
		sessions:    make(map[string]entity.CollaborationSession),
		comments:    make(map[string]entity.Comment),
		annotations: make(map[string]entity.Annotation),
		locks:       make(map[string]entity.DocumentLock),
		conflicts:   make(map[string]entity.Conflict),
	}
}

func copyDocument(d entity.Document) entity.Document {
	d.Operations = slices.Clone(d.Operations)
	d.Metadata = maps.Clone(d.Metadata)
	return d
}

func (s *MemoryStore) GetDocument(_ context.Context, id string) (*entity.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	d = copyDocument(d)
	return &d, nil
}

func (s *MemoryStore) GetOrCreateDocument(_ context.Context, doc *entity.Document) (*entity.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.documents[doc.ID]; ok {
		d = copyDocument(d)
		return &d, nil
	}
	now := time.Now().UTC()
	stored := copyDocument(*doc)
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.documents[doc.ID] = stored
	out := copyDocument(stored)
	return &out, nil
}

func (s *MemoryStore) SaveDocument(_ context.Context, doc *entity.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := copyDocument(*doc)
	stored.UpdatedAt = time.Now().UTC()
	if prev, ok := s.documents[doc.ID]; ok {
		stored.CreatedAt = prev.CreatedAt
	}
	s.documents[doc.ID] = stored
	return nil
}

func (s *MemoryStore) FindOrCreateSession(_ context.Context, documentID, userID string) (*entity.CollaborationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[documentID]; ok {
		return &sess, nil
	}
	now := time.Now().UTC()
	sess := entity.CollaborationSession{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		Status:     entity.SessionActive,
		CreatedBy:  userID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.sessions[documentID] = sess
	return &sess, nil
}

func (s *MemoryStore) ListComments(_ context.Context, documentID string) ([]entity.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Comment
	for _, c := range s.comments {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateComment(_ context.Context, c *entity.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments[c.ID] = *c
	return nil
}

func (s *MemoryStore) SaveComments(_ context.Context, cs []entity.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cs {
		s.comments[c.ID] = c
	}
	return nil
}

func (s *MemoryStore) ListAnnotations(_ context.Context, documentID string) ([]entity.Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Annotation
	for _, a := range s.annotations {
		if a.DocumentID == documentID {
			a.Attributes = maps.Clone(a.Attributes)
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateAnnotation(_ context.Context, a *entity.Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *a
	stored.Attributes = maps.Clone(a.Attributes)
	s.annotations[a.ID] = stored
	return nil
}

func (s *MemoryStore) SaveAnnotations(_ context.Context, as []entity.Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range as {
		a.Attributes = maps.Clone(a.Attributes)
		s.annotations[a.ID] = a
	}
	return nil
}

func (s *MemoryStore) activeLocksLocked(documentID string, now time.Time) []entity.DocumentLock {
	var out []entity.DocumentLock
	for _, l := range s.locks {
		if l.DocumentID == documentID && l.ActiveAt(now) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out
}

func (s *MemoryStore) ActiveLocks(_ context.Context, documentID string, now time.Time) ([]entity.DocumentLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocksLocked(documentID, now), nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, lock *entity.DocumentLock, check LockCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := check(s.activeLocksLocked(lock.DocumentID, lock.AcquiredAt)); err != nil {
		return err
	}
	s.locks[lock.ID] = *lock
	return nil
}

func (s *MemoryStore) GetLock(_ context.Context, id string) (*entity.DocumentLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (s *MemoryStore) DeleteLock(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[id]; !ok {
		return ErrNotFound
	}
	delete(s.locks, id)
	return nil
}

func (s *MemoryStore) CreateConflict(_ context.Context, c *entity.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *c
	stored.Operations = slices.Clone(c.Operations)
	stored.Participants = slices.Clone(c.Participants)
	s.conflicts[c.ID] = stored
	return nil
}

func (s *MemoryStore) UpdateConflict(ctx context.Context, c *entity.Conflict) error {
	s.mu.Lock()
	_, ok := s.conflicts[c.ID]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return s.CreateConflict(ctx, c)
}

// Conflicts returns the stored conflicts of a document.
func (s *MemoryStore) Conflicts(documentID string) []entity.Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Conflict
	for _, c := range s.conflicts {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	return out
}

func (s *MemoryStore) CreateResolution(_ context.Context, r *entity.ConflictResolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolutions = append(s.resolutions, *r)
	return nil
}

// Resolutions returns every recorded conflict resolution.
func (s *MemoryStore) Resolutions() []entity.ConflictResolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.resolutions)
}

func (s *MemoryStore) RecordActivity(_ context.Context, a *entity.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, *a)
	return nil
}

func (s *MemoryStore) ListActivities(_ context.Context, documentID string, limit int) ([]entity.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Activity
	for i := len(s.activities) - 1; i >= 0; i-- {
		if s.activities[i].DocumentID != documentID {
			continue
		}
		out = append(out, s.activities[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
