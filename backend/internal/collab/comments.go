package collab

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"

	"collabcore/backend/internal/entity"
	"collabcore/backend/internal/ot"
	"collabcore/backend/internal/transport"
)

var (
	ErrEmptyComment      = errors.New("collab: empty comment")
	ErrCommentNotFound   = errors.New("collab: comment not found")
	ErrInvalidAnnotation = errors.New("collab: invalid annotation")
)

const (
	noticeAdded    = "added"
	noticeResolved = "resolved"
)

type commentNotice struct {
	Action  string         `json:"action"`
	Comment entity.Comment `json:"comment"`
}

type annotationNotice struct {
	Action     string            `json:"action"`
	Annotation entity.Annotation `json:"annotation"`
}

type CommentInput struct {
	Content  string        `json:"content"`
	Position int           `json:"position"`
	Section  *entity.Range `json:"section,omitempty"`
	ParentID string        `json:"parentId,omitempty"`
}

type AnnotationInput struct {
	Kind       string         `json:"kind"`
	Content    string         `json:"content,omitempty"`
	Range      entity.Range   `json:"range"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// AddComment persists a comment and shares it with the session. Store and
// transport failures are logged; the comment is kept locally either way.
func (m *Manager) AddComment(ctx context.Context, in CommentInput) (*entity.Comment, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, ErrEmptyComment
	}
	m.mu.Lock()
	if !m.liveLocked() {
		m.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	now := m.now()
	c := entity.Comment{
		ID:         uuid.NewString(),
		DocumentID: m.doc.ID,
		UserID:     m.self.UserID,
		Content:    in.Content,
		Position:   max(0, min(in.Position, m.buf.Len())),
		ParentID:   in.ParentID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if in.Section != nil {
		sec := *in.Section
		c.Section = &sec
	}
	if err := m.store.CreateComment(ctx, &c); err != nil {
		m.log.Warn().Err(err).Str("comment", c.ID).Msg("persist comment")
	}
	m.doc.Comments = append(m.doc.Comments, c)
	if err := m.broadcastLocked(ctx, transport.TypeComment, commentNotice{Action: noticeAdded, Comment: c}); err != nil {
		m.log.Warn().Err(err).Str("comment", c.ID).Msg("broadcast comment")
	}
	docID, sessionID := m.doc.ID, m.session.ID
	m.mu.Unlock()

	m.recordActivity(ctx, docID, sessionID, entity.ActivityCommented, map[string]any{"commentId": c.ID})
	out := c
	m.emit([]Event{{Kind: EventCommentAdded, DocumentID: docID, UserID: c.UserID, Comment: &out}})
	return &c, nil
}

// ResolveComment marks a comment resolved for everyone in the session.
func (m *Manager) ResolveComment(ctx context.Context, commentID string) (*entity.Comment, error) {
	m.mu.Lock()
	if !m.liveLocked() {
		m.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	idx := m.commentIndexLocked(commentID)
	if idx < 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCommentNotFound, commentID)
	}
	c := &m.doc.Comments[idx]
	c.Resolved = true
	c.UpdatedAt = m.now()
	resolved := *c
	if err := m.store.SaveComments(ctx, []entity.Comment{resolved}); err != nil {
		m.log.Warn().Err(err).Str("comment", commentID).Msg("persist resolved comment")
	}
	if err := m.broadcastLocked(ctx, transport.TypeComment, commentNotice{Action: noticeResolved, Comment: resolved}); err != nil {
		m.log.Warn().Err(err).Str("comment", commentID).Msg("broadcast resolved comment")
	}
	docID := m.doc.ID
	m.mu.Unlock()

	out := resolved
	m.emit([]Event{{Kind: EventCommentResolved, DocumentID: docID, UserID: m.self.UserID, Comment: &out}})
	return &resolved, nil
}

// AddAnnotation persists an annotation over a range of the current content
// and shares it with the session.
func (m *Manager) AddAnnotation(ctx context.Context, in AnnotationInput) (*entity.Annotation, error) {
	if in.Kind == "" || !in.Range.Valid() {
		return nil, fmt.Errorf("%w: kind %q range [%d,%d)", ErrInvalidAnnotation, in.Kind, in.Range.Start, in.Range.End)
	}
	m.mu.Lock()
	if !m.liveLocked() {
		m.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	if n := m.buf.Len(); in.Range.End > n {
		m.mu.Unlock()
		return nil, &ot.OutOfBoundsError{Type: ot.OpFormat, Position: in.Range.Start, Length: in.Range.End - in.Range.Start, ContentLength: n}
	}
	now := m.now()
	a := entity.Annotation{
		ID:         uuid.NewString(),
		DocumentID: m.doc.ID,
		UserID:     m.self.UserID,
		Kind:       in.Kind,
		Content:    in.Content,
		Range:      in.Range,
		Attributes: maps.Clone(in.Attributes),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateAnnotation(ctx, &a); err != nil {
		m.log.Warn().Err(err).Str("annotation", a.ID).Msg("persist annotation")
	}
	m.doc.Annotations = append(m.doc.Annotations, a)
	if err := m.broadcastLocked(ctx, transport.TypeAnnotation, annotationNotice{Action: noticeAdded, Annotation: a}); err != nil {
		m.log.Warn().Err(err).Str("annotation", a.ID).Msg("broadcast annotation")
	}
	docID, sessionID := m.doc.ID, m.session.ID
	m.mu.Unlock()

	m.recordActivity(ctx, docID, sessionID, entity.ActivityAnnotated, map[string]any{"annotationId": a.ID, "kind": a.Kind})
	out := a
	out.Attributes = maps.Clone(a.Attributes)
	m.emit([]Event{{Kind: EventAnnotationAdded, DocumentID: docID, UserID: a.UserID, Annotation: &out}})
	return &a, nil
}

func (m *Manager) Comments() []entity.Comment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc == nil {
		return nil
	}
	return m.doc.clone().Comments
}

func (m *Manager) Annotations() []entity.Annotation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc == nil {
		return nil
	}
	return m.doc.clone().Annotations
}

func (m *Manager) commentIndexLocked(id string) int {
	for i := range m.doc.Comments {
		if m.doc.Comments[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) handleRemoteCommentLocked(msg transport.Message) []Event {
	var n commentNotice
	if err := msg.Decode(&n); err != nil {
		m.log.Warn().Err(err).Str("from", msg.UserID).Msg("decode comment")
		return nil
	}
	c := n.Comment
	idx := m.commentIndexLocked(c.ID)
	switch n.Action {
	case noticeAdded:
		if idx >= 0 {
			return nil
		}
		m.doc.Comments = append(m.doc.Comments, c)
		return []Event{{Kind: EventCommentAdded, DocumentID: m.doc.ID, UserID: msg.UserID, Remote: true, Comment: &c}}
	case noticeResolved:
		if idx < 0 {
			m.doc.Comments = append(m.doc.Comments, c)
		} else {
			m.doc.Comments[idx].Resolved = true
			m.doc.Comments[idx].UpdatedAt = c.UpdatedAt
		}
		return []Event{{Kind: EventCommentResolved, DocumentID: m.doc.ID, UserID: msg.UserID, Remote: true, Comment: &c}}
	}
	return nil
}

func (m *Manager) handleRemoteAnnotationLocked(msg transport.Message) []Event {
	var n annotationNotice
	if err := msg.Decode(&n); err != nil {
		m.log.Warn().Err(err).Str("from", msg.UserID).Msg("decode annotation")
		return nil
	}
	a := n.Annotation
	for _, have := range m.doc.Annotations {
		if have.ID == a.ID {
			return nil
		}
	}
	m.doc.Annotations = append(m.doc.Annotations, a)
	out := a
	out.Attributes = maps.Clone(a.Attributes)
	return []Event{{Kind: EventAnnotationAdded, DocumentID: m.doc.ID, UserID: msg.UserID, Remote: true, Annotation: &out}}
}

// shiftAnchorsLocked keeps comment and annotation anchors on the same text
// after op is applied.
func (m *Manager) shiftAnchorsLocked(op ot.Operation) {
	for i := range m.doc.Comments {
		c := &m.doc.Comments[i]
		if pos := ot.TransformIndex(c.Position, op); pos != c.Position {
			c.Position = pos
			m.anchorsDirty = true
		}
		if c.Section != nil {
			start, end := ot.TransformRange(c.Section.Start, c.Section.End, op)
			if start != c.Section.Start || end != c.Section.End {
				c.Section = &entity.Range{Start: start, End: end}
				m.anchorsDirty = true
			}
		}
	}
	for i := range m.doc.Annotations {
		a := &m.doc.Annotations[i]
		start, end := ot.TransformRange(a.Range.Start, a.Range.End, op)
		if start != a.Range.Start || end != a.Range.End {
			a.Range = entity.Range{Start: start, End: end}
			m.anchorsDirty = true
		}
	}
}
