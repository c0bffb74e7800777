package collab

import (
	"fmt"
	"strings"

	"collabcore/backend/internal/ot"
	"collabcore/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable is an append-only Buffer: inserted text goes to the add buffer
// and edits only split or drop pieces.
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	length   int
}

var _ Buffer = (*PieceTable)(nil)

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, length: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int { return pt.length }

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		src := pt.original
		if p.buf == bufAdd {
			src = pt.add
		}
		sb.WriteString(string(src[p.offset : p.offset+p.length]))
	}
	return sb.String()
}

// Apply walks d over the buffer. A delta that reaches past the end is
// rejected before anything changes.
func (pt *PieceTable) Apply(d delta.Delta) error {
	if n := d.BaseLen(); n > pt.length {
		return fmt.Errorf("%w: delta spans %d runes, buffer holds %d", ot.ErrOutOfBounds, n, pt.length)
	}
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pos += pt.insert(pos, []rune(op.Text))
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text []rune) int {
	if len(text) == 0 {
		return 0
	}
	added := piece{buf: bufAdd, offset: len(pt.add), length: len(text)}
	pt.add = append(pt.add, text...)
	pt.length += len(text)

	idx, offset := pt.locate(pos)
	if idx == len(pt.pieces) {
		pt.pieces = append(pt.pieces, added)
		return len(text)
	}

	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	out := make([]piece, 0, len(pt.pieces)+2)
	out = append(out, pt.pieces[:idx]...)
	if left.length > 0 {
		out = append(out, left)
	}
	out = append(out, added)
	if right.length > 0 {
		out = append(out, right)
	}
	out = append(out, pt.pieces[idx+1:]...)
	pt.pieces = out
	return len(text)
}

func (pt *PieceTable) delete(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		take := min(remain, cur.length-offset)

		if offset == 0 && take == cur.length {
			// whole piece goes; idx now points at the next one
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		} else {
			var repl []piece
			if offset > 0 {
				repl = append(repl, piece{buf: cur.buf, offset: cur.offset, length: offset})
			}
			if rest := cur.length - offset - take; rest > 0 {
				repl = append(repl, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rest})
			}
			pt.pieces = append(pt.pieces[:idx], append(repl, pt.pieces[idx+1:]...)...)
			idx += len(repl)
			offset = 0
		}
		remain -= take
		pt.length -= take
	}
}

// locate maps a logical position to a piece index and the offset inside it.
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
