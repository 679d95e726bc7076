package shrink

import (
	"fmt"

	"github.com/chazu/pare/classfile"
)

// ConsistencyError reports that a rewritten method would be invalid. The
// original method is left unchanged.
type ConsistencyError struct {
	Method string
	Offset int // original offset, or -1
	Reason string
	Err    error
}

func (e *ConsistencyError) Error() string {
	msg := e.Method
	if e.Offset >= 0 {
		msg += fmt.Sprintf(" at %d", e.Offset)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConsistencyError) Unwrap() error {
	return e.Err
}

func methodName(c *classfile.Class, m *classfile.Method) string {
	owner := ""
	if c != nil {
		owner = c.Name
	}
	return owner + "." + m.Name + m.Descriptor
}

// ---------------------------------------------------------------------------
// Re-layout
// ---------------------------------------------------------------------------

// layout maps offsets of an old method body onto re-assembled code.
type layout struct {
	method  string
	offsets []int // new offset per output instruction, then the code end

	// at maps an old instruction offset, or the old code length, to an
	// output index; len(offsets)-1 stands for the end of the new code.
	at func(old int) (int, bool)
}

func (l *layout) end() int {
	return len(l.offsets) - 1
}

// assemble encodes out and returns the layout over it.
func assemble(method string, out []classfile.Instruction, jumps [][]int, at func(int) (int, bool)) ([]byte, *layout, error) {
	bytes, offsets, err := classfile.Assemble(out, jumps)
	if err != nil {
		return nil, nil, &ConsistencyError{Method: method, Offset: -1, Reason: "assembling", Err: err}
	}
	return bytes, &layout{method: method, offsets: offsets, at: at}, nil
}

func (l *layout) offset(old int) (int, error) {
	i, ok := l.at(old)
	if !ok {
		return 0, &ConsistencyError{Method: l.method, Offset: old, Reason: "table refers to a non-instruction offset"}
	}
	return l.offsets[i], nil
}

// handlers rewrites the exception table, keeping the handlers keep accepts.
// Handlers whose range became empty are dropped.
func (l *layout) handlers(hs []classfile.ExceptionHandler, keep func(h int) bool) ([]classfile.ExceptionHandler, error) {
	var out []classfile.ExceptionHandler
	for h, old := range hs {
		if !keep(h) {
			continue
		}
		start, err := l.offset(old.Start)
		if err != nil {
			return nil, err
		}
		end, err := l.offset(old.End)
		if err != nil {
			return nil, err
		}
		if start >= end {
			continue
		}
		i, ok := l.at(old.Handler)
		if !ok || i == l.end() {
			return nil, &ConsistencyError{Method: l.method, Offset: old.Handler, Reason: fmt.Sprintf("handler %d has no code", h)}
		}
		out = append(out, classfile.ExceptionHandler{
			Start:     start,
			End:       end,
			Handler:   l.offsets[i],
			CatchType: old.CatchType,
		})
	}
	return out, nil
}

// lines rewrites the line number table. Entries whose instruction is gone
// move to the next kept one; of several entries landing on one offset the
// last wins.
func (l *layout) lines(ls []classfile.LineNumber) ([]classfile.LineNumber, error) {
	var out []classfile.LineNumber
	seen := make(map[int]int)
	for _, old := range ls {
		i, ok := l.at(old.Start)
		if !ok {
			return nil, &ConsistencyError{Method: l.method, Offset: old.Start, Reason: "line number refers to a non-instruction offset"}
		}
		if i == l.end() {
			continue
		}
		start := l.offsets[i]
		if k, dup := seen[start]; dup {
			out[k].Line = old.Line
			continue
		}
		seen[start] = len(out)
		out = append(out, classfile.LineNumber{Start: start, Line: old.Line})
	}
	return out, nil
}

// locals rewrites the local variable table through slot, which maps an old
// slot to a new one or drops it.
func (l *layout) locals(vs []classfile.LocalVariable, slot func(int) (int, bool)) ([]classfile.LocalVariable, error) {
	var out []classfile.LocalVariable
	for _, old := range vs {
		s, ok := slot(old.Slot)
		if !ok {
			continue
		}
		start, err := l.offset(old.Start)
		if err != nil {
			return nil, err
		}
		end, err := l.offset(old.Start + old.Length)
		if err != nil {
			return nil, err
		}
		if start >= end {
			continue
		}
		v := old
		v.Start, v.Length, v.Slot = start, end-start, s
		out = append(out, v)
	}
	return out, nil
}
