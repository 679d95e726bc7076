package eval

import (
	"fmt"
	"slices"
	"strings"

	"github.com/chazu/pare/classfile"
)

// Throws says whether an instruction may complete abruptly.
type Throws uint8

const (
	ThrowsNever Throws = iota
	ThrowsMaybe
	ThrowsAlways
)

func (t Throws) String() string {
	switch t {
	case ThrowsMaybe:
		return "maybe"
	case ThrowsAlways:
		return "always"
	}
	return "never"
}

// Record is what the evaluator learned about one instruction.
type Record struct {
	Reached bool

	// Before is the state on entry, generalized over every path.
	Before Frame

	// Pops and Pushes count the stack cells consumed and produced.
	Pops   int
	Pushes int

	Throws Throws

	// Successors are the feasible normal successor offsets. Handlers are
	// the indices of the exception handlers that may receive control.
	Successors []int
	Handlers   []int

	SideEffect bool
}

// Consumed returns the stack cells the instruction consumes, top first.
func (r *Record) Consumed() []Entry {
	n := len(r.Before.Stack)
	out := make([]Entry, 0, r.Pops)
	for i := 0; i < r.Pops && i < n; i++ {
		out = append(out, r.Before.Stack[n-1-i])
	}
	return out
}

// Result is the outcome of evaluating one method.
type Result struct {
	Class  *classfile.Class
	Method *classfile.Method

	instructions []classfile.Instruction
	index        map[int]int
	records      []Record
	visits       int
}

// Instructions returns the decoded instructions in layout order.
func (r *Result) Instructions() []classfile.Instruction {
	return r.instructions
}

// Index returns the position of the instruction at offset.
func (r *Result) Index(offset int) (int, bool) {
	i, ok := r.index[offset]
	return i, ok
}

// Record returns the record of the instruction at offset, or nil.
func (r *Result) Record(offset int) *Record {
	i, ok := r.index[offset]
	if !ok {
		return nil
	}
	return &r.records[i]
}

// RecordAt returns the record of instruction i.
func (r *Result) RecordAt(i int) *Record {
	return &r.records[i]
}

// Reached reports whether any path reaches offset.
func (r *Result) Reached(offset int) bool {
	rec := r.Record(offset)
	return rec != nil && rec.Reached
}

// StackBefore returns the stack before the instruction at offset, top last.
func (r *Result) StackBefore(offset int) []Entry {
	if rec := r.Record(offset); rec != nil {
		return rec.Before.Stack
	}
	return nil
}

// VariablesBefore returns the variables before the instruction at offset.
func (r *Result) VariablesBefore(offset int) []Entry {
	if rec := r.Record(offset); rec != nil {
		return rec.Before.Vars
	}
	return nil
}

// StackTop returns stack cell i counted from the top (0 is the top) before
// the instruction at offset.
func (r *Result) StackTop(offset, i int) (Entry, bool) {
	s := r.StackBefore(offset)
	if i < 0 || i >= len(s) {
		return Entry{}, false
	}
	return s[len(s)-1-i], true
}

// CausesSideEffect reports whether the instruction at offset has an effect
// beyond its stack and variables.
func (r *Result) CausesSideEffect(offset int) bool {
	rec := r.Record(offset)
	return rec != nil && rec.Reached && rec.SideEffect
}

// Throws reports whether the instruction at offset may throw.
func (r *Result) Throws(offset int) Throws {
	if rec := r.Record(offset); rec != nil {
		return rec.Throws
	}
	return ThrowsNever
}

// Successors returns the feasible normal successors of offset.
func (r *Result) Successors(offset int) []int {
	if rec := r.Record(offset); rec != nil {
		return rec.Successors
	}
	return nil
}

// Handlers returns the method's exception table.
func (r *Result) Handlers() []classfile.ExceptionHandler {
	if r.Method.Code == nil {
		return nil
	}
	return r.Method.Code.Handlers
}

// Visits returns how many instruction evaluations the fixpoint took.
func (r *Result) Visits() int {
	return r.visits
}

// Name returns owner.name+descriptor of the evaluated method.
func (r *Result) Name() string {
	return methodName(r.Class, r.Method)
}

// Dump renders every instruction with its state before, for debugging.
func (r *Result) Dump() string {
	var sb strings.Builder
	for i, ins := range r.instructions {
		rec := &r.records[i]
		if !rec.Reached {
			fmt.Fprintf(&sb, "%04d  %-24s unreached\n", ins.Offset, ins)
			continue
		}
		fmt.Fprintf(&sb, "%04d  %-24s %s", ins.Offset, ins, rec.Before)
		if rec.Throws != ThrowsNever {
			fmt.Fprintf(&sb, " throws=%s", rec.Throws)
		}
		if rec.SideEffect {
			sb.WriteString(" effect")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// equalRecords reports whether two records carry the same facts.
func equalRecords(a, b *Record) bool {
	return a.Reached == b.Reached &&
		a.Before.Equal(b.Before) &&
		a.Pops == b.Pops &&
		a.Pushes == b.Pushes &&
		a.Throws == b.Throws &&
		slices.Equal(a.Successors, b.Successors) &&
		slices.Equal(a.Handlers, b.Handlers) &&
		a.SideEffect == b.SideEffect
}

func methodName(c *classfile.Class, m *classfile.Method) string {
	owner := ""
	if c != nil {
		owner = c.Name
	}
	return owner + "." + m.Name + m.Descriptor
}
