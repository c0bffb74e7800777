package collab

import (
	"time"

	"collabcore/backend/internal/entity"
	"collabcore/backend/internal/ot"
)

type EventKind string

const (
	EventSessionJoined    EventKind = "session_joined"
	EventSessionLeft      EventKind = "session_left"
	EventOperationApplied EventKind = "operation_applied"
	EventOperationFailed  EventKind = "operation_failed"
	EventConflictDetected EventKind = "conflict_detected"
	EventConflictResolved EventKind = "conflict_resolved"
	EventPresenceChanged  EventKind = "presence_changed"
	EventCursorMoved      EventKind = "cursor_moved"
	EventSelectionChanged EventKind = "selection_changed"
	EventCommentAdded     EventKind = "comment_added"
	EventCommentResolved  EventKind = "comment_resolved"
	EventAnnotationAdded  EventKind = "annotation_added"
	EventLockAcquired     EventKind = "lock_acquired"
	EventLockReleased     EventKind = "lock_released"
)

// Event is a domain notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind       EventKind
	DocumentID string
	UserID     string // actor
	Version    uint64
	Remote     bool

	Operation    *ot.Operation
	Conflict     *entity.Conflict
	Resolution   *entity.ConflictResolution
	Participants []entity.UserPresence
	Cursor       *entity.Cursor
	Selection    *entity.Selection
	Comment      *entity.Comment
	Annotation   *entity.Annotation
	Lock         *entity.DocumentLock
	Err          error
	At           time.Time
}

// Observer receives events after the manager has released its lock, so it
// may call back into the manager.
type Observer interface {
	OnEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// EventBus is an Observer backed by a buffered channel. Publishing never
// blocks; events are dropped while the buffer is full.
type EventBus struct {
	ch chan Event
}

func NewEventBus(buffer int) *EventBus {
	return &EventBus{ch: make(chan Event, buffer)}
}

// Publish reports whether the event was queued.
func (b *EventBus) Publish(evt Event) bool {
	select {
	case b.ch <- evt:
		return true
	default:
		return false
	}
}

func (b *EventBus) OnEvent(evt Event) { b.Publish(evt) }

func (b *EventBus) Subscribe() <-chan Event { return b.ch }
