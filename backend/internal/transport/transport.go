// Package transport carries collaboration messages between the participants
// of a document. Delivery is at-least-once per subscription and unordered
// across peers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"collabcore/backend/internal/entity"
)

var ErrClosed = errors.New("transport: channel closed")

type MessageType string

const (
	TypeOperation  MessageType = "operation"
	TypeCursor     MessageType = "cursor"
	TypeSelection  MessageType = "selection"
	TypeComment    MessageType = "comment"
	TypeAnnotation MessageType = "annotation"
	TypeLock       MessageType = "lock"
	TypeHeartbeat  MessageType = "heartbeat"
)

// Droppable reports whether a message only carries ephemeral awareness
// state, which a later message of the same kind replaces.
func (t MessageType) Droppable() bool {
	switch t {
	case TypeCursor, TypeSelection, TypeHeartbeat:
		return true
	}
	return false
}

type Message struct {
	Type       MessageType     `json:"type"`
	DocumentID string          `json:"documentId"`
	UserID     string          `json:"userId"`
	Version    uint64          `json:"version,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SentAt     time.Time       `json:"sentAt"`
}

func NewMessage(typ MessageType, documentID, userID string, version uint64, payload any) (Message, error) {
	msg := Message{Type: typ, DocumentID: documentID, UserID: userID, Version: version, SentAt: time.Now().UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Payload = b
	}
	return msg, nil
}

func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return errors.New("transport: empty payload")
	}
	return json.Unmarshal(m.Payload, v)
}

type PresenceKind string

const (
	PresenceSync  PresenceKind = "sync"
	PresenceJoin  PresenceKind = "join"
	PresenceLeave PresenceKind = "leave"
)

// PresenceEvent carries the full member set for sync and the affected
// members for join and leave.
type PresenceEvent struct {
	Kind    PresenceKind          `json:"kind"`
	Members []entity.UserPresence `json:"members"`
}

// Channel is one participant's subscription to a document.
type Channel interface {
	Broadcast(ctx context.Context, msg Message) error
	Track(ctx context.Context, presence entity.UserPresence) error
	Untrack(ctx context.Context) error
	Messages() <-chan Message
	Presence() <-chan PresenceEvent
	Close() error
}

type Transport interface {
	// Subscribe returns once the subscription is acknowledged.
	Subscribe(ctx context.Context, documentID, userID string) (Channel, error)
}
