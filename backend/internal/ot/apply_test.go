package ot

import (
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestApply(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		op   Operation
		want string
	}{
		{"insert at start", "hello", Operation{Type: OpInsert, Position: 0, Content: "X"}, "Xhello"},
		{"insert at end", "hello", Operation{Type: OpInsert, Position: 5, Content: "!"}, "hello!"},
		{"delete prefix", "hello", Operation{Type: OpDelete, Position: 0, Length: 2}, "llo"},
		{"replace middle", "hello", Operation{Type: OpReplace, Position: 1, Length: 3, Content: "EY"}, "hEYo"},
		{"format keeps text", "hello", Operation{Type: OpFormat, Position: 0, Length: 5, Attributes: map[string]any{"bold": true}}, "hello"},
		{"runes not bytes", "héllo", Operation{Type: OpInsert, Position: 2, Content: "!"}, "hé!llo"},
		{"delete multibyte", "a✓b", Operation{Type: OpDelete, Position: 1, Length: 1}, "ab"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Apply(tc.doc, tc.op)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestApplyDeleteThenInsert(t *testing.T) {
	doc, err := Apply("hello", Operation{Type: OpDelete, Position: 0, Length: 2})
	require.NoError(t, err)
	require.Equal(t, "llo", doc)

	doc, err = Apply(doc, Operation{Type: OpInsert, Position: 0, Content: "AB"})
	require.NoError(t, err)
	assert.Equal(t, "ABllo", doc)
}

func TestApplyOutOfBounds(t *testing.T) {
	cases := []Operation{
		{Type: OpDelete, Position: 3, Length: 5},
		{Type: OpInsert, Position: 6, Content: "x"},
		{Type: OpReplace, Position: 4, Length: 2, Content: "x"},
		{Type: OpFormat, Position: 0, Length: 9},
		{Type: OpInsert, Position: -1, Content: "x"},
	}
	for _, op := range cases {
		t.Run(op.String(), func(t *testing.T) {
			_, err := Apply("hello", op)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrOutOfBounds))

			var oob *OutOfBoundsError
			require.True(t, errors.As(err, &oob))
			assert.Equal(t, 5, oob.ContentLength)
			assert.Equal(t, op.Position, oob.Position)
		})
	}
}

func TestApplyAllReportsFailingIndex(t *testing.T) {
	ops := []Operation{
		{ID: "one", Type: OpInsert, Position: 0, Content: "ab"},
		{ID: "two", Type: OpDelete, Position: 1, Length: 9},
	}
	_, err := ApplyAll("", ops)
	require.ErrorIs(t, err, ErrOutOfBounds)
	assert.Contains(t, err.Error(), "apply op 1 (two)")
}

func TestNewOperationValidation(t *testing.T) {
	cases := []struct {
		name string
		op   Operation
		ok   bool
	}{
		{"insert", Operation{Type: OpInsert, Content: "a", UserID: "u"}, true},
		{"insert empty", Operation{Type: OpInsert, UserID: "u"}, false},
		{"delete", Operation{Type: OpDelete, Length: 1, UserID: "u"}, true},
		{"delete zero", Operation{Type: OpDelete, UserID: "u"}, false},
		{"replace without content", Operation{Type: OpReplace, Length: 1, UserID: "u"}, false},
		{"replace without length", Operation{Type: OpReplace, Content: "a", UserID: "u"}, false},
		{"format", Operation{Type: OpFormat, Length: 2, UserID: "u"}, true},
		{"negative position", Operation{Type: OpInsert, Position: -1, Content: "a", UserID: "u"}, false},
		{"negative length", Operation{Type: OpFormat, Length: -1, UserID: "u"}, false},
		{"missing user", Operation{Type: OpInsert, Content: "a"}, false},
		{"unknown type", Operation{Type: "move", UserID: "u"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op, err := NewOperation(tc.op)
			if !tc.ok {
				require.ErrorIs(t, err, ErrInvalidOperation)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, op.ID)
			assert.False(t, op.Timestamp.IsZero())
		})
	}
}

func TestNewOperationKeepsGivenIdentity(t *testing.T) {
	ts := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	op, err := NewOperation(Operation{ID: "fixed", Type: OpInsert, Content: "a", UserID: "u", Timestamp: ts})
	require.NoError(t, err)
	assert.Equal(t, "fixed", op.ID)
	assert.Equal(t, ts, op.Timestamp)
}

func TestOperationDelta(t *testing.T) {
	op := Operation{Type: OpReplace, Position: 2, Length: 3, Content: "xy"}
	d := op.Delta()
	require.Len(t, d, 3)
	assert.Equal(t, 5, d.BaseLen())
	assert.Equal(t, "xy", d[2].Text)

	f := Operation{Type: OpFormat, Position: 1, Length: 2, Attributes: map[string]any{"italic": true}}
	d = f.Delta()
	require.Len(t, d, 2)
	assert.Equal(t, true, d[1].Attrs["italic"])
}

var runeGen = rapid.RuneFrom([]rune("abcé✓ "))

func drawOp(t *rapid.T, doc, label string) Operation {
	n := utf8.RuneCountInString(doc)
	typ := rapid.SampledFrom([]OpType{OpInsert, OpDelete, OpReplace, OpFormat}).Draw(t, label+"-type")
	if n == 0 {
		typ = OpInsert
	}
	op := Operation{
		ID:        label,
		Type:      typ,
		UserID:    rapid.SampledFrom([]string{"u1", "u2", "u3"}).Draw(t, label+"-user"),
		Timestamp: time.Unix(rapid.Int64Range(0, 2).Draw(t, label+"-ts"), 0).UTC(),
	}
	switch typ {
	case OpInsert:
		op.Position = rapid.IntRange(0, n).Draw(t, label+"-pos")
		op.Content = rapid.StringOfN(runeGen, 1, 4, -1).Draw(t, label+"-text")
	default:
		op.Position = rapid.IntRange(0, n-1).Draw(t, label+"-pos")
		op.Length = rapid.IntRange(1, n-op.Position).Draw(t, label+"-len")
		if typ == OpReplace {
			op.Content = rapid.StringOfN(runeGen, 1, 4, -1).Draw(t, label+"-text")
		}
		if typ == OpFormat {
			op.Attributes = map[string]any{"bold": true}
		}
	}
	out, err := NewOperation(op)
	if err != nil {
		t.Fatalf("generated invalid op %s: %v", op, err)
	}
	return out
}

func TestTransformConvergesProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		doc := rapid.StringOfN(runeGen, 0, 12, -1).Draw(t, "doc")
		a := drawOp(t, doc, "a")
		b := drawOp(t, doc, "b")

		res := Transform(a, b)
		mirror := Transform(b, a)
		if res.Client.String() != mirror.Server.String() || res.Server.String() != mirror.Client.String() {
			t.Fatalf("transform not symmetric: %s/%s vs %s/%s", res.Client, res.Server, mirror.Server, mirror.Client)
		}

		left, err := ApplyAll(doc, []Operation{a, res.Server})
		if err != nil {
			t.Fatalf("a then b': %v", err)
		}
		right, err := ApplyAll(doc, []Operation{b, res.Client})
		if err != nil {
			t.Fatalf("b then a': %v", err)
		}
		if left != right {
			t.Fatalf("diverged on %q: a=%s b=%s -> %q vs %q", doc, a, b, left, right)
		}
	})
}

func TestInsertThenDeleteRestoresProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		doc := rapid.StringOfN(runeGen, 0, 12, -1).Draw(t, "doc")
		text := rapid.StringOfN(runeGen, 1, 5, -1).Draw(t, "text")
		pos := rapid.IntRange(0, utf8.RuneCountInString(doc)).Draw(t, "pos")

		out, err := ApplyAll(doc, []Operation{
			{Type: OpInsert, Position: pos, Content: text},
			{Type: OpDelete, Position: pos, Length: utf8.RuneCountInString(text)},
		})
		if err != nil {
			t.Fatal(err)
		}
		if out != doc {
			t.Fatalf("got %q, want %q", out, doc)
		}
	})
}

func TestClamp(t *testing.T) {
	cases := []struct {
		name string
		op   Operation
		want string
	}{
		{"delete past end", Operation{Type: OpDelete, Position: 3, Length: 5}, "hel"},
		{"insert past end", Operation{Type: OpInsert, Position: 9, Content: "!"}, "hello!"},
		{"replace past end", Operation{Type: OpReplace, Position: 4, Length: 4, Content: "O"}, "hellO"},
		{"delete fully outside", Operation{Type: OpDelete, Position: 7, Length: 2}, "hello"},
		{"replace fully outside", Operation{Type: OpReplace, Position: 7, Length: 2, Content: "X"}, "helloX"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clamped := tc.op.Clamp(5)
			got, err := Apply("hello", clamped)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	f := Operation{Type: OpFormat, Position: 2, Length: 10, Attributes: map[string]any{"b": true}}.Clamp(5)
	assert.Equal(t, 2, f.Position)
	assert.Equal(t, 3, f.Length)
}
