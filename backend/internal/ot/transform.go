package ot

import "maps"

// Result holds both sides of the transform diamond. Client applies after the
// server operation; Server applies after the client operation.
type Result struct {
	Client Operation
	Server Operation
}

// Transform adjusts two operations generated against the same base version so
// that apply(apply(D, client), Server) == apply(apply(D, server), Client).
//
// Inserts at the same position are ordered by timestamp, then user id, then
// operation id. Replace is handled as a delete followed by an insert at the
// same position. Format operations never change text, they only have their
// range shifted.
func Transform(client, server Operation) Result {
	c, s := transformPair(client, server)
	return Result{Client: c, Server: s}
}

// TransformAgainst rebases op over a sequence of operations that were applied
// after op's base version, in the order they were applied.
func TransformAgainst(op Operation, applied []Operation) Operation {
	for _, other := range applied {
		op = Transform(op, other).Client
	}
	return op
}

func transformPair(a, b Operation) (Operation, Operation) {
	switch {
	case a.Type == OpFormat && b.Type == OpFormat:
		return clone(a), clone(b)
	case a.Type == OpFormat:
		return shiftFormat(a, b), clone(b)
	case b.Type == OpFormat:
		return clone(a), shiftFormat(b, a)
	case a.IsNoop():
		return shiftNoop(a, b), clone(b)
	case b.IsNoop():
		return clone(a), shiftNoop(b, a)
	}

	aIns, bIns := a.removed() == 0, b.removed() == 0
	switch {
	case aIns && bIns:
		return transformInsertInsert(a, b)
	case aIns && !bIns:
		return transformInsertDelete(a, b)
	case !aIns && bIns:
		// delete-insert is the mirror image of insert-delete
		bp, ap := transformInsertDelete(b, a)
		return ap, bp
	default:
		return transformDeleteDelete(a, b)
	}
}

// transformInsertInsert handles two concurrent pure inserts.
func transformInsertInsert(a, b Operation) (Operation, Operation) {
	if a.Position < b.Position || (a.Position == b.Position && precedes(a, b)) {
		// a lands first, b shifts right past a's text
		return clone(a), b.withSplice(b.Position+runeLen(a.Content), 0, b.Content)
	}
	return a.withSplice(a.Position+runeLen(b.Content), 0, a.Content), clone(b)
}

// transformInsertDelete handles a pure insert against an operation that
// removes a range (delete or replace).
func transformInsertDelete(ins, del Operation) (Operation, Operation) {
	p, d, t := del.Position, del.removed(), del.inserted()
	switch {
	case ins.Position <= p:
		// insert before the range: the range shifts right
		return clone(ins), del.withSplice(p+runeLen(ins.Content), d, t)
	case ins.Position >= p+d:
		// insert after the range: the insert shifts left by the net change
		return ins.withSplice(ins.Position-d+runeLen(t), 0, ins.Content), clone(del)
	}
	// Insert strictly inside the removed range. Both sides rewrite the range
	// with the surviving texts so the inserted text is kept.
	x := ordered(ins, ins.Content, del, t)
	insP := ins.withSplice(p, runeLen(t), x)
	delP := del.withSplice(p, d+runeLen(ins.Content), x)
	return insP, delP
}

// transformDeleteDelete handles two operations that both remove a range.
// Overlapping removals collapse to the union so lengths never go negative.
func transformDeleteDelete(a, b Operation) (Operation, Operation) {
	pa, da, ta := a.Position, a.removed(), a.inserted()
	pb, db, tb := b.Position, b.removed(), b.inserted()
	ea, eb := pa+da, pb+db

	switch {
	case ea <= pb:
		return clone(a), b.withSplice(pb-da+runeLen(ta), db, tb)
	case eb <= pa:
		return a.withSplice(pa-db+runeLen(tb), da, ta), clone(b)
	}

	u0, u1 := min(pa, pb), max(ea, eb)
	x := ordered(a, ta, b, tb)
	// a runs after b: the union now holds b's text where b's range was.
	aP := a.withSplice(u0, (pb-u0)+runeLen(tb)+(u1-eb), x)
	// b runs after a: symmetric.
	bP := b.withSplice(u0, (pa-u0)+runeLen(ta)+(u1-ea), x)
	return aP, bP
}

func shiftNoop(noop, other Operation) Operation {
	out := clone(noop)
	out.Position = TransformIndex(noop.Position, other)
	return out
}

func shiftFormat(f, other Operation) Operation {
	out := clone(f)
	start, end := TransformRange(f.Position, f.Position+f.Length, other)
	out.Position = start
	out.Length = end - start
	return out
}

// TransformIndex maps a caret position through an applied operation. A caret
// at an insertion point moves past the inserted text; a caret inside a removed
// range collapses to the start of the range.
func TransformIndex(i int, op Operation) int {
	if op.Type == OpFormat {
		return i
	}
	p, d, l := op.Position, op.removed(), runeLen(op.inserted())
	switch {
	case i < p:
		return i
	case i >= p+d:
		return i - d + l
	default:
		return p
	}
}

// TransformRange maps the half-open range [start, end) through an applied
// operation. Text inserted exactly at end is not absorbed into the range.
func TransformRange(start, end int, op Operation) (int, int) {
	if op.Type == OpFormat {
		return start, end
	}
	p, d, l := op.Position, op.removed(), runeLen(op.inserted())
	newStart := TransformIndex(start, op)
	var newEnd int
	switch {
	case end <= p:
		newEnd = end
	case end >= p+d:
		newEnd = end - d + l
	default:
		newEnd = p
	}
	if newEnd < newStart {
		newEnd = newStart
	}
	return newStart, newEnd
}

// precedes orders two operations for positional precedence: the earlier
// timestamp wins, then the smaller user id, then the smaller operation id.
func precedes(a, b Operation) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.UserID != b.UserID {
		return a.UserID < b.UserID
	}
	return a.ID <= b.ID
}

func ordered(a Operation, ta string, b Operation, tb string) string {
	if precedes(a, b) {
		return ta + tb
	}
	return tb + ta
}

func clone(op Operation) Operation {
	op.Attributes = maps.Clone(op.Attributes)
	return op
}
