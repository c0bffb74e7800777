package ws

import (
	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/entity"
	"collabcore/backend/internal/ot"
)

// Client message types.
const (
	TypeJoin           = "join"
	TypeLeave          = "leave"
	TypeOp             = "op"
	TypeCursor         = "cursor"
	TypeSelection      = "selection"
	TypeTyping         = "typing"
	TypeComment        = "comment"
	TypeResolveComment = "resolve_comment"
	TypeAnnotation     = "annotation"
	TypeLock           = "lock"
	TypeUnlock         = "unlock"
	TypeSnapshot       = "snapshot"
	TypeHeartbeat      = "heartbeat"
)

// Server-only message types.
const (
	TypeWelcome = "welcome"
	TypeAck     = "op_applied"
	TypeError   = "error"
	TypeIgnored = "ignored"
)

type ClientMessage struct {
	Type      string `json:"type"`
	DocID     string `json:"docId,omitempty"`
	ClientSeq uint64 `json:"clientSeq,omitempty"`

	Operation  *ot.Operation           `json:"operation,omitempty"`
	Position   int                     `json:"position,omitempty"`
	Start      int                     `json:"start,omitempty"`
	End        int                     `json:"end,omitempty"`
	Typing     bool                    `json:"typing,omitempty"`
	Comment    *collab.CommentInput    `json:"comment,omitempty"`
	CommentID  string                  `json:"commentId,omitempty"`
	Annotation *collab.AnnotationInput `json:"annotation,omitempty"`
	Lock       *collab.LockRequest     `json:"lock,omitempty"`
	LockID     string                  `json:"lockId,omitempty"`
}

type ServerMessage struct {
	Type      string `json:"type"`
	DocID     string `json:"docId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Version   uint64 `json:"version,omitempty"`
	ClientSeq uint64 `json:"clientSeq,omitempty"`
	Remote    bool   `json:"remote,omitempty"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`

	Operation  *ot.Operation                 `json:"operation,omitempty"`
	Members    []entity.UserPresence         `json:"members,omitempty"`
	Cursor     *entity.Cursor                `json:"cursor,omitempty"`
	Selection  *entity.Selection             `json:"selection,omitempty"`
	Comment    *entity.Comment               `json:"comment,omitempty"`
	Annotation *entity.Annotation            `json:"annotation,omitempty"`
	Lock       *entity.DocumentLock          `json:"lock,omitempty"`
	Conflict   *entity.Conflict              `json:"conflict,omitempty"`
	Resolution *entity.ConflictResolution    `json:"resolution,omitempty"`
	Document   *collab.CollaborativeDocument `json:"document,omitempty"`
}

// eventMessage renders a session event for the client. Events that the
// client caused itself are acknowledged separately and are skipped here.
func eventMessage(e collab.Event) (ServerMessage, bool) {
	msg := ServerMessage{
		Type:       string(e.Kind),
		DocID:      e.DocumentID,
		UserID:     e.UserID,
		Version:    e.Version,
		Remote:     e.Remote,
		Operation:  e.Operation,
		Members:    e.Participants,
		Cursor:     e.Cursor,
		Selection:  e.Selection,
		Comment:    e.Comment,
		Annotation: e.Annotation,
		Lock:       e.Lock,
		Conflict:   e.Conflict,
		Resolution: e.Resolution,
	}
	if e.Err != nil {
		msg.Error = e.Err.Error()
	}
	switch e.Kind {
	case collab.EventOperationApplied:
		return msg, e.Remote
	case collab.EventCursorMoved, collab.EventSelectionChanged:
		return msg, e.Remote
	}
	return msg, true
}
