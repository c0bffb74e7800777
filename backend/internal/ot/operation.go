// Package ot implements the edit primitive of collaborative documents and the
// operational transform functions that keep concurrent replicas convergent.
//
// Positions and lengths count runes, not bytes.
package ot

import (
	"errors"
	"fmt"
	"maps"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"collabcore/backend/internal/ot/delta"
)

type OpType string

const (
	OpInsert  OpType = "insert"
	OpDelete  OpType = "delete"
	OpFormat  OpType = "format"
	OpReplace OpType = "replace"
)

func (t OpType) Valid() bool {
	switch t {
	case OpInsert, OpDelete, OpFormat, OpReplace:
		return true
	}
	return false
}

// Operation is an immutable edit. Transforming one yields a new value.
type Operation struct {
	ID         string         `json:"id"`
	Type       OpType         `json:"type"`
	Position   int            `json:"position"`
	Content    string         `json:"content,omitempty"`
	Length     int            `json:"length,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	UserID     string         `json:"userId"`
	Timestamp  time.Time      `json:"timestamp"`
	// Version is the document version the operation was generated against.
	Version uint64 `json:"version"`
}

var ErrInvalidOperation = errors.New("invalid operation")

// NewOperation validates op and fills ID and Timestamp when they are unset.
func NewOperation(op Operation) (Operation, error) {
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now().UTC()
	}
	op.Attributes = maps.Clone(op.Attributes)
	return op, nil
}

func Insert(userID string, version uint64, pos int, text string) (Operation, error) {
	return NewOperation(Operation{Type: OpInsert, Position: pos, Content: text, UserID: userID, Version: version})
}

func Delete(userID string, version uint64, pos, length int) (Operation, error) {
	return NewOperation(Operation{Type: OpDelete, Position: pos, Length: length, UserID: userID, Version: version})
}

func Replace(userID string, version uint64, pos, length int, text string) (Operation, error) {
	return NewOperation(Operation{Type: OpReplace, Position: pos, Length: length, Content: text, UserID: userID, Version: version})
}

func Format(userID string, version uint64, pos, length int, attrs map[string]any) (Operation, error) {
	return NewOperation(Operation{Type: OpFormat, Position: pos, Length: length, Attributes: attrs, UserID: userID, Version: version})
}

// Validate checks the construction rules. Transformed operations may
// legitimately collapse to no-ops and are not re-validated.
func (op Operation) Validate() error {
	if !op.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, op.Position)
	}
	if op.Length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrInvalidOperation, op.Length)
	}
	if op.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidOperation)
	}
	switch op.Type {
	case OpInsert:
		if op.Content == "" {
			return fmt.Errorf("%w: insert without content", ErrInvalidOperation)
		}
	case OpDelete:
		if op.Length == 0 {
			return fmt.Errorf("%w: delete without length", ErrInvalidOperation)
		}
	case OpReplace:
		if op.Content == "" || op.Length == 0 {
			return fmt.Errorf("%w: replace needs content and length", ErrInvalidOperation)
		}
	}
	return nil
}

// removed is the number of runes the operation deletes.
func (op Operation) removed() int {
	switch op.Type {
	case OpDelete, OpReplace:
		return op.Length
	}
	return 0
}

// inserted is the text the operation inserts.
func (op Operation) inserted() string {
	switch op.Type {
	case OpInsert, OpReplace:
		return op.Content
	}
	return ""
}

// IsNoop reports whether applying op leaves the content unchanged.
func (op Operation) IsNoop() bool {
	if op.Type == OpFormat {
		return op.Length == 0 || len(op.Attributes) == 0
	}
	return op.removed() == 0 && op.inserted() == ""
}

// Delta renders op as a retain/delete/insert walk over the document.
func (op Operation) Delta() delta.Delta {
	var d delta.Delta
	if op.Type == OpFormat {
		d = d.Retain(op.Position, nil)
		return d.Retain(op.Length, maps.Clone(op.Attributes))
	}
	d = d.Retain(op.Position, nil)
	d = d.Delete(op.removed())
	return d.Insert(op.inserted())
}

func (op Operation) String() string {
	switch op.Type {
	case OpInsert:
		return fmt.Sprintf("insert(%d,%q)", op.Position, op.Content)
	case OpDelete:
		return fmt.Sprintf("delete(%d,%d)", op.Position, op.Length)
	case OpReplace:
		return fmt.Sprintf("replace(%d,%d,%q)", op.Position, op.Length, op.Content)
	default:
		return fmt.Sprintf("format(%d,%d)", op.Position, op.Length)
	}
}

// withSplice returns a copy of op rewritten as the splice (pos, removed, text).
// The type follows the shape so that downstream code never sees a delete
// carrying content.
func (op Operation) withSplice(pos, removed int, text string) Operation {
	out := op
	out.Attributes = maps.Clone(op.Attributes)
	out.Position = pos
	out.Content = text
	out.Length = removed
	switch {
	case removed > 0 && text != "":
		out.Type = OpReplace
	case removed > 0:
		out.Type = OpDelete
	case text != "":
		out.Type = OpInsert
	default:
		// collapsed: keep the original type, it applies as identity
		out.Type = op.Type
		if out.Type == OpReplace || out.Type == OpInsert {
			out.Type = OpDelete
		}
		out.Length = 0
		out.Content = ""
	}
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
