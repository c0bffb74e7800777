package delta

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete length in runes
	Text  string         `json:"text,omitempty"`  // inserted text
	Attrs map[string]any `json:"attrs,omitempty"` // formatting applied to a retain
}

// Delta is a sequence of ops walked left to right over the document.
// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

// BaseLen is the number of runes the delta consumes from its input.
func (d Delta) BaseLen() int {
	n := 0
	for _, op := range d {
		if op.Kind == KindRetain || op.Kind == KindDelete {
			n += op.Count
		}
	}
	return n
}

// Retain appends a retain, merging with a trailing retain that carries no attributes.
func (d Delta) Retain(n int, attrs map[string]any) Delta {
	if n <= 0 {
		return d
	}
	if last := len(d) - 1; last >= 0 && d[last].Kind == KindRetain && d[last].Attrs == nil && attrs == nil {
		d[last].Count += n
		return d
	}
	return append(d, Op{Kind: KindRetain, Count: n, Attrs: attrs})
}

func (d Delta) Insert(text string) Delta {
	if text == "" {
		return d
	}
	return append(d, Op{Kind: KindInsert, Text: text})
}

func (d Delta) Delete(n int) Delta {
	if n <= 0 {
		return d
	}
	return append(d, Op{Kind: KindDelete, Count: n})
}
