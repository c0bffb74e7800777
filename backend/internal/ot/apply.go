package ot

import (
	"errors"
	"fmt"
	"strings"
)

var ErrOutOfBounds = errors.New("operation out of bounds")

// OutOfBoundsError reports an operation whose range does not fit the content
// it was applied to.
type OutOfBoundsError struct {
	Type          OpType
	Position      int
	Length        int
	ContentLength int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("%s at %d (length %d) outside content of length %d",
		e.Type, e.Position, e.Length, e.ContentLength)
}

func (e *OutOfBoundsError) Is(target error) bool { return target == ErrOutOfBounds }

// CheckBounds reports an *OutOfBoundsError when op does not fit content of
// contentLen runes.
func (op Operation) CheckBounds(contentLen int) error {
	end := op.Position
	if op.Type != OpInsert {
		end += op.Length
	}
	if op.Position < 0 || op.Length < 0 || end > contentLen {
		return &OutOfBoundsError{Type: op.Type, Position: op.Position, Length: op.Length, ContentLength: contentLen}
	}
	return nil
}

// Apply returns content with op applied. Format operations carry attributes
// only and leave the text untouched, but their range is still bounds checked.
func Apply(content string, op Operation) (string, error) {
	if !op.Type.Valid() {
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	r := []rune(content)
	if err := op.CheckBounds(len(r)); err != nil {
		return "", err
	}
	if op.Type == OpFormat {
		return content, nil
	}

	end := op.Position + op.removed()
	var sb strings.Builder
	sb.Grow(len(content) + len(op.inserted()))
	sb.WriteString(string(r[:op.Position]))
	sb.WriteString(op.inserted())
	sb.WriteString(string(r[end:]))
	return sb.String(), nil
}

// ApplyAll replays ops in order onto content.
func ApplyAll(content string, ops []Operation) (string, error) {
	var err error
	for i, op := range ops {
		if content, err = Apply(content, op); err != nil {
			return "", fmt.Errorf("apply op %d (%s): %w", i, op.ID, err)
		}
	}
	return content, nil
}

// Clamp fits op into content of contentLen runes: the position is pulled
// inside the content and the affected range is cut at the end. A delete that
// no longer covers anything collapses to a no-op.
func (op Operation) Clamp(contentLen int) Operation {
	pos := max(0, min(op.Position, contentLen))
	if op.Type == OpFormat {
		out := clone(op)
		out.Position = pos
		out.Length = max(0, min(op.Length, contentLen-pos))
		return out
	}
	removed := max(0, min(op.removed(), contentLen-pos))
	return op.withSplice(pos, removed, op.inserted())
}
