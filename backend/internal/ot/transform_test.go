package ot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func mk(t *testing.T, op Operation) Operation {
	t.Helper()
	if op.Timestamp.IsZero() {
		op.Timestamp = t0
	}
	out, err := NewOperation(op)
	require.NoError(t, err)
	return out
}

// converge applies both sides of the diamond and checks they agree.
func converge(t *testing.T, doc string, a, b Operation) string {
	t.Helper()
	res := Transform(a, b)

	afterA, err := Apply(doc, a)
	require.NoError(t, err)
	left, err := Apply(afterA, res.Server)
	require.NoError(t, err)

	afterB, err := Apply(doc, b)
	require.NoError(t, err)
	right, err := Apply(afterB, res.Client)
	require.NoError(t, err)

	require.Equal(t, left, right, "diverged: a=%s b=%s a'=%s b'=%s", a, b, res.Client, res.Server)
	return left
}

func TestTransformConcurrentInsertsAtDistinctPositions(t *testing.T) {
	x := mk(t, Operation{Type: OpInsert, Position: 0, Content: "X", UserID: "alice", Version: 1})
	y := mk(t, Operation{Type: OpInsert, Position: 5, Content: "Y", UserID: "bob", Version: 1})

	res := Transform(y, x)
	assert.Equal(t, 6, res.Client.Position, "Y must shift past X")
	assert.Equal(t, 0, res.Server.Position)

	assert.Equal(t, "XhelloY", converge(t, "hello", x, y))
	assert.Equal(t, "XhelloY", converge(t, "hello", y, x))
}

func TestTransformInsertTieBreak(t *testing.T) {
	cases := []struct {
		name string
		a, b Operation
		want string
	}{
		{
			name: "same timestamp, user id decides",
			a:    Operation{Type: OpInsert, Position: 2, Content: "A", UserID: "zed"},
			b:    Operation{Type: OpInsert, Position: 2, Content: "B", UserID: "amy"},
			want: "heBAllo",
		},
		{
			name: "earlier timestamp wins",
			a:    Operation{Type: OpInsert, Position: 2, Content: "A", UserID: "zed", Timestamp: t0},
			b:    Operation{Type: OpInsert, Position: 2, Content: "B", UserID: "amy", Timestamp: t0.Add(time.Second)},
			want: "heABllo",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, b := mk(t, tc.a), mk(t, tc.b)
			assert.Equal(t, tc.want, converge(t, "hello", a, b))
			assert.Equal(t, tc.want, converge(t, "hello", b, a))
		})
	}
}

func TestTransformInsertDelete(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		ins  Operation
		del  Operation
		want string
	}{
		{
			name: "insert after deleted range",
			doc:  "hello",
			ins:  Operation{Type: OpInsert, Position: 4, Content: "Z", UserID: "u2"},
			del:  Operation{Type: OpDelete, Position: 0, Length: 2, UserID: "u1"},
			want: "llZo",
		},
		{
			name: "insert at start of deleted range survives",
			doc:  "hello",
			ins:  Operation{Type: OpInsert, Position: 1, Content: "Z", UserID: "u2"},
			del:  Operation{Type: OpDelete, Position: 1, Length: 3, UserID: "u1"},
			want: "hZo",
		},
		{
			name: "insert inside deleted range survives",
			doc:  "hello world",
			ins:  Operation{Type: OpInsert, Position: 4, Content: "X", UserID: "u2"},
			del:  Operation{Type: OpDelete, Position: 2, Length: 5, UserID: "u1"},
			want: "heXorld",
		},
		{
			name: "insert after replaced range",
			doc:  "hello",
			ins:  Operation{Type: OpInsert, Position: 4, Content: "Z", UserID: "u2"},
			del:  Operation{Type: OpReplace, Position: 1, Length: 3, Content: "EY", UserID: "u1"},
			want: "hEYZo",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ins, del := mk(t, tc.ins), mk(t, tc.del)
			assert.Equal(t, tc.want, converge(t, tc.doc, ins, del))
			assert.Equal(t, tc.want, converge(t, tc.doc, del, ins))
		})
	}
}

func TestTransformOverlappingDeletesClamp(t *testing.T) {
	a := mk(t, Operation{Type: OpDelete, Position: 1, Length: 4, UserID: "u1"})
	b := mk(t, Operation{Type: OpDelete, Position: 3, Length: 4, UserID: "u2"})

	res := Transform(a, b)
	assert.Equal(t, OpDelete, res.Client.Type)
	assert.Equal(t, 1, res.Client.Position)
	assert.Equal(t, 2, res.Client.Length)
	assert.Equal(t, 1, res.Server.Position)
	assert.Equal(t, 2, res.Server.Length)

	assert.Equal(t, "ah", converge(t, "abcdefgh", a, b))
}

func TestTransformIdenticalDeletesCollapse(t *testing.T) {
	a := mk(t, Operation{Type: OpDelete, Position: 1, Length: 3, UserID: "u1"})
	b := mk(t, Operation{Type: OpDelete, Position: 1, Length: 3, UserID: "u2"})

	res := Transform(a, b)
	assert.True(t, res.Client.IsNoop())
	assert.True(t, res.Server.IsNoop())
	assert.Equal(t, "aeh", converge(t, "abcdeh", a, b))
}

func TestTransformFormatShiftsRangeOnly(t *testing.T) {
	f := mk(t, Operation{Type: OpFormat, Position: 1, Length: 3, Attributes: map[string]any{"bold": true}, UserID: "u1"})

	ins := mk(t, Operation{Type: OpInsert, Position: 0, Content: "XX", UserID: "u2"})
	res := Transform(f, ins)
	assert.Equal(t, 3, res.Client.Position)
	assert.Equal(t, 3, res.Client.Length)
	assert.Equal(t, ins, res.Server, "format must not move text")

	del := mk(t, Operation{Type: OpDelete, Position: 0, Length: 2, UserID: "u2"})
	res = Transform(f, del)
	assert.Equal(t, 0, res.Client.Position)
	assert.Equal(t, 2, res.Client.Length)

	res.Client.Attributes["bold"] = false
	assert.Equal(t, true, f.Attributes["bold"], "attributes must not be shared")
}

func TestTransformDoesNotMutateInputs(t *testing.T) {
	a := mk(t, Operation{Type: OpInsert, Position: 3, Content: "abc", UserID: "u1"})
	b := mk(t, Operation{Type: OpDelete, Position: 0, Length: 2, UserID: "u2"})
	aCopy, bCopy := a, b

	_ = Transform(a, b)
	assert.Equal(t, aCopy, a)
	assert.Equal(t, bCopy, b)
}

func TestTransformAgainstSequence(t *testing.T) {
	// a was generated against "hello" while b then c were applied.
	a := mk(t, Operation{Type: OpInsert, Position: 5, Content: "!", UserID: "u1"})
	b := mk(t, Operation{Type: OpInsert, Position: 0, Content: ">> ", UserID: "u2"})
	c := mk(t, Operation{Type: OpDelete, Position: 3, Length: 1, UserID: "u3"})

	doc, err := ApplyAll("hello", []Operation{b, c})
	require.NoError(t, err)
	require.Equal(t, ">> ello", doc)

	rebased := TransformAgainst(a, []Operation{b, c})
	out, err := Apply(doc, rebased)
	require.NoError(t, err)
	assert.Equal(t, ">> ello!", out)
}

func TestTransformRange(t *testing.T) {
	ins := mk(t, Operation{Type: OpInsert, Position: 6, Content: "big ", UserID: "u1"})
	start, end := TransformRange(6, 11, ins)
	assert.Equal(t, 10, start)
	assert.Equal(t, 15, end)

	// text appended at the end of a range is not absorbed
	tail := mk(t, Operation{Type: OpInsert, Position: 11, Content: "!", UserID: "u1"})
	start, end = TransformRange(6, 11, tail)
	assert.Equal(t, 6, start)
	assert.Equal(t, 11, end)

	// a range deleted entirely collapses
	del := mk(t, Operation{Type: OpDelete, Position: 4, Length: 8, UserID: "u1"})
	start, end = TransformRange(6, 11, del)
	assert.Equal(t, 4, start)
	assert.Equal(t, 4, end)

	// partially deleted from the left
	del = mk(t, Operation{Type: OpDelete, Position: 2, Length: 6, UserID: "u1"})
	start, end = TransformRange(6, 11, del)
	assert.Equal(t, 2, start)
	assert.Equal(t, 5, end)
}

func TestTransformIndex(t *testing.T) {
	ins := mk(t, Operation{Type: OpInsert, Position: 2, Content: "ab", UserID: "u1"})
	assert.Equal(t, 1, TransformIndex(1, ins))
	assert.Equal(t, 4, TransformIndex(2, ins))
	assert.Equal(t, 7, TransformIndex(5, ins))

	del := mk(t, Operation{Type: OpDelete, Position: 2, Length: 3, UserID: "u1"})
	assert.Equal(t, 2, TransformIndex(3, del))
	assert.Equal(t, 3, TransformIndex(6, del))
}
