// Package shrink rewrites marked methods: the Shrinker drops unneeded
// instructions and the VariableOptimizer renumbers the variables that
// remain.
package shrink

import (
	"slices"

	"github.com/tliron/commonlog"

	"github.com/chazu/pare/classfile"
	"github.com/chazu/pare/eval"
	"github.com/chazu/pare/marker"
)

var log = commonlog.GetLogger("pare.shrink")

// ShrinkConfig configures a Shrinker.
type ShrinkConfig struct {
	// Deleted is called for every original instruction that does not
	// survive, including those replaced by pops.
	Deleted classfile.InstructionFunc

	// Added is called for every pop inserted in place of an instruction.
	Added classfile.InstructionFunc
}

// Stats summarizes one shrinking.
type Stats struct {
	Removed  int // instructions dropped
	Replaced int // instructions replaced by pops
	Added    int // pops inserted

	// Offsets maps the old offset of every kept instruction to its new one.
	Offsets map[int]int
}

// Changed reports whether the method was rewritten.
func (s Stats) Changed() bool {
	return s.Removed+s.Replaced > 0
}

// Shrinker removes the instructions a marking did not keep.
type Shrinker struct {
	cfg ShrinkConfig
}

// NewShrinker creates a shrinker.
func NewShrinker(cfg ShrinkConfig) *Shrinker {
	return &Shrinker{cfg: cfg}
}

func (s *Shrinker) deleted(c *classfile.Class, m *classfile.Method, in classfile.Instruction) {
	if s.cfg.Deleted != nil {
		s.cfg.Deleted(c, m, in)
	}
}

func (s *Shrinker) added(c *classfile.Class, m *classfile.Method, in classfile.Instruction) {
	if s.cfg.Added != nil {
		s.cfg.Added(c, m, in)
	}
}

// Shrink returns the code of m without its unneeded instructions. Needed
// instructions are kept in order, unneeded reachable ones whose consumed
// values survive become pops, everything else is dropped, and branch
// targets move to the first instruction emitted at or after the old target.
// A method with nothing to remove is returned as is.
func (s *Shrinker) Shrink(c *classfile.Class, m *classfile.Method, marks *marker.Marks) (*classfile.Code, Stats, error) {
	res := marks.Result()
	ins := res.Instructions()
	name := methodName(c, m)
	code := m.Code

	var (
		stats Stats
		out   []classfile.Instruction
		// origin of each output instruction, -1 for inserted pops
		origin []int
		start  = make([]int, len(ins))
	)
	for i, in := range ins {
		start[i] = -1
		switch {
		case marks.IsNeeded(in.Offset):
			start[i] = len(out)
			out = append(out, in)
			origin = append(origin, i)
		case discards(in, marks.KeptPops(in.Offset)):
			start[i] = len(out)
			out = append(out, in)
			origin = append(origin, i)
		case marks.InRegion(in.Offset) && len(marks.KeptPops(in.Offset)) > 0:
			start[i] = len(out)
			s.deleted(c, m, in)
			stats.Replaced++
			for _, size := range marks.KeptPops(in.Offset) {
				pop := classfile.Pop(size)
				out = append(out, pop)
				origin = append(origin, -1)
				stats.Added++
				s.added(c, m, pop)
			}
		default:
			s.deleted(c, m, in)
			stats.Removed++
		}
	}
	if !stats.Changed() {
		return code, stats, nil
	}

	// firstOut[i] is the output index of the first code emitted for an
	// instruction at or after i; firstOut[len(ins)] is the end.
	firstOut := make([]int, len(ins)+1)
	firstOut[len(ins)] = len(out)
	for i := len(ins) - 1; i >= 0; i-- {
		if start[i] >= 0 {
			firstOut[i] = start[i]
		} else {
			firstOut[i] = firstOut[i+1]
		}
	}
	at := func(old int) (int, bool) {
		if old == len(code.Bytes) {
			return len(out), true
		}
		i, ok := res.Index(old)
		if !ok {
			return 0, false
		}
		return firstOut[i], true
	}

	jumps := make([][]int, len(out))
	for k, in := range out {
		if origin[k] < 0 {
			continue
		}
		for _, t := range in.Targets() {
			j, _ := at(t)
			if j == len(out) {
				return nil, Stats{}, &ConsistencyError{Method: name, Offset: in.Offset, Reason: "branch target past the end of the shrunk code"}
			}
			jumps[k] = append(jumps[k], j)
		}
	}
	maxStack := code.MaxStack
	if k := len(out) - 1; k >= 0 && !out[k].Op.EndsFlow() && origin[k] >= 0 && res.Throws(out[k].Offset) == eval.ThrowsAlways {
		// The code after an instruction that always throws is gone; close
		// the method with an unreachable terminator.
		for _, op := range []classfile.Opcode{classfile.OpAConstNull, classfile.OpAThrow} {
			in := classfile.Simple(op)
			out = append(out, in)
			origin = append(origin, -1)
			jumps = append(jumps, nil)
			stats.Added++
			s.added(c, m, in)
		}
		maxStack = max(maxStack, 1)
	}
	if len(out) == 0 || !out[len(out)-1].Op.EndsFlow() {
		return nil, Stats{}, &ConsistencyError{Method: name, Offset: -1, Reason: "shrunk code falls off the end"}
	}

	bytes, l, err := assemble(name, out, jumps, at)
	if err != nil {
		return nil, Stats{}, err
	}
	handlers, err := l.handlers(code.Handlers, marks.IsHandlerNeeded)
	if err != nil {
		return nil, Stats{}, err
	}
	lines, err := l.lines(code.Lines)
	if err != nil {
		return nil, Stats{}, err
	}
	locals, err := l.locals(code.Locals, func(slot int) (int, bool) { return slot, true })
	if err != nil {
		return nil, Stats{}, err
	}

	stats.Offsets = make(map[int]int, len(out))
	for k, i := range origin {
		if i >= 0 {
			stats.Offsets[ins[i].Offset] = l.offsets[k]
		}
	}
	log.Debugf("%s: removed %d, replaced %d, %d -> %d bytes", name, stats.Removed, stats.Replaced, len(code.Bytes), len(bytes))
	return &classfile.Code{
		MaxStack:  maxStack,
		MaxLocals: code.MaxLocals,
		Bytes:     bytes,
		Handlers:  handlers,
		Lines:     lines,
		Locals:    locals,
	}, stats, nil
}

// discards reports whether in is already the pop its replacement would be.
func discards(in classfile.Instruction, pops []int) bool {
	switch in.Op {
	case classfile.OpPop:
		return slices.Equal(pops, []int{1})
	case classfile.OpPop2:
		return slices.Equal(pops, []int{2}) || slices.Equal(pops, []int{1, 1})
	}
	return false
}
