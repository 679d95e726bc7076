package eval

import (
	"slices"
	"strings"

	"github.com/chazu/pare/value"
)

// Pseudo producers. Real producers are instruction offsets.
const (
	// EntryProducer marks values present at method entry: parameters and
	// the receiver.
	EntryProducer = -1
)

// HandlerProducer is the pseudo producer of the exception value exception
// handler h pushes.
func HandlerProducer(h int) int {
	return -2 - h
}

// IsHandlerProducer returns the handler index of a handler pseudo producer.
func IsHandlerProducer(p int) (int, bool) {
	if p <= -2 {
		return -2 - p, true
	}
	return 0, false
}

// Producers is an immutable sorted set of producer offsets.
type Producers []int

// ProducedBy returns the singleton set {p}.
func ProducedBy(p int) Producers {
	return Producers{p}
}

// Union returns the union of two sets, reusing a when nothing is added.
func (ps Producers) Union(qs Producers) Producers {
	if len(qs) == 0 || slices.Equal(ps, qs) {
		return ps
	}
	if len(ps) == 0 {
		return qs
	}
	out := make(Producers, 0, len(ps)+len(qs))
	i, j := 0, 0
	for i < len(ps) && j < len(qs) {
		switch {
		case ps[i] < qs[j]:
			out = append(out, ps[i])
			i++
		case ps[i] > qs[j]:
			out = append(out, qs[j])
			j++
		default:
			out = append(out, ps[i])
			i++
			j++
		}
	}
	out = append(out, ps[i:]...)
	out = append(out, qs[j:]...)
	if len(out) == len(ps) {
		return ps
	}
	return out
}

// Contains reports whether p is in the set.
func (ps Producers) Contains(p int) bool {
	_, ok := slices.BinarySearch(ps, p)
	return ok
}

// Entry is one stack or variable cell: its value and the instructions that
// may have produced it.
type Entry struct {
	Value     value.Value
	Producers Producers
}

func (e Entry) String() string {
	return e.Value.String()
}

// Frame is the stack (top last) and variables before an instruction. Long
// and double values take two cells; the second is a Top placeholder with the
// same producers.
type Frame struct {
	Stack []Entry
	Vars  []Entry
}

// Clone returns a frame whose slices may be modified independently.
func (f Frame) Clone() Frame {
	return Frame{Stack: slices.Clone(f.Stack), Vars: slices.Clone(f.Vars)}
}

// Equal reports whether two frames hold equal values and producer sets.
func (f Frame) Equal(g Frame) bool {
	return entriesEqual(f.Stack, g.Stack) && entriesEqual(f.Vars, g.Vars)
}

func entriesEqual(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Value.Equal(b[i].Value) || !slices.Equal(a[i].Producers, b[i].Producers) {
			return false
		}
	}
	return true
}

// merge generalizes in into f cell by cell and reports whether f changed.
// The stacks must have equal heights.
func (f *Frame) merge(in Frame) bool {
	changed := mergeEntries(f.Stack, in.Stack)
	if mergeEntries(f.Vars, in.Vars) {
		changed = true
	}
	return changed
}

func mergeEntries(dst, src []Entry) bool {
	changed := false
	for i := range dst {
		v := value.Generalize(dst[i].Value, src[i].Value)
		p := dst[i].Producers.Union(src[i].Producers)
		if !v.Equal(dst[i].Value) || len(p) != len(dst[i].Producers) {
			dst[i] = Entry{Value: v, Producers: p}
			changed = true
		}
	}
	return changed
}

func (f Frame) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, e := range f.Stack {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(e.String())
	}
	sb.WriteString("] {")
	for i, e := range f.Vars {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(e.String())
	}
	sb.WriteString("}")
	return sb.String()
}
