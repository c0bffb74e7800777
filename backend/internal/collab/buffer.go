package collab

import "collabcore/backend/internal/ot/delta"

// Buffer holds the live text of a document and applies deltas in place.
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

/*
PieceTable layout for "Hello world" after inserting " collaborative" at 5:

	original = "Hello world"
	add      = " collaborative"
	pieces   = [
		(orig, offset=0, length=5),   // "Hello"
		(add,  offset=0, length=14),  // " collaborative"
		(orig, offset=5, length=6),   // " world"
	]
*/
