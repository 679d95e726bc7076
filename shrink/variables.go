package shrink

import (
	"fmt"

	"github.com/chazu/pare/classfile"
	"github.com/chazu/pare/internal/slots"
)

// VariableConfig configures a VariableOptimizer.
type VariableConfig struct {
	// MergeThis lets other variables reuse the receiver slot of an instance
	// method once the receiver is dead.
	MergeThis bool
}

// VariableStats summarizes one renumbering.
type VariableStats struct {
	Before     int // MaxLocals before
	After      int // MaxLocals after
	Renumbered int // variables moved to another slot
}

// VariableOptimizer packs the local variables of a method into as few slots
// as their lifetimes allow.
type VariableOptimizer struct {
	cfg VariableConfig
}

// NewVariableOptimizer creates a variable optimizer.
func NewVariableOptimizer(cfg VariableConfig) *VariableOptimizer {
	return &VariableOptimizer{cfg: cfg}
}

// variables describes the slot layout of a method body.
type variables struct {
	// width per slot: 1 or 2 for the first slot of a variable, -1 for the
	// upper half of a wide one, 0 when unused
	width []int

	params    int   // slots taken by the receiver and the parameters
	order     []int // non-parameter variables by first appearance
	mergeThis bool  // the receiver slot may be shared
}

// claim records a variable of w slots at s. It fails when the slot is
// accessed with another width or overlaps another variable.
func (v *variables) claim(s, w int) bool {
	if s < 0 || s+w > len(v.width) {
		return false
	}
	switch v.width[s] {
	case w:
		return true
	case 0:
	default:
		return false
	}
	if w == 2 && v.width[s+1] != 0 {
		return false
	}
	v.width[s] = w
	if w == 2 {
		v.width[s+1] = -1
	}
	if s >= v.params {
		v.order = append(v.order, s)
	}
	return true
}

func (v *variables) isVariable(s int) bool {
	return s >= 0 && s < len(v.width) && v.width[s] > 0
}

func accessWidth(in classfile.Instruction) int {
	if in.Op.IsWideValue() {
		return 2
	}
	return 1
}

// collect finds the variables of m. It reports false when some slot is used
// in a way that renumbering cannot preserve.
func (o *VariableOptimizer) collect(m *classfile.Method, ins []classfile.Instruction) (*variables, bool, error) {
	positions, total, err := classfile.ParameterSlots(m.Descriptor, m.IsStatic())
	if err != nil {
		return nil, false, err
	}
	params, _, err := classfile.ParseMethodDescriptor(m.Descriptor)
	if err != nil {
		return nil, false, err
	}
	v := &variables{
		width:     make([]int, max(m.Code.MaxLocals, total)),
		params:    total,
		mergeThis: o.cfg.MergeThis && !m.IsStatic(),
	}
	if !m.IsStatic() && !v.claim(0, 1) {
		return nil, false, nil
	}
	for k, p := range params {
		if !v.claim(positions[k], classfile.Slots(p)) {
			return nil, false, nil
		}
	}
	for _, in := range ins {
		if in.Op == classfile.OpRet {
			return nil, false, nil
		}
		s, ok := in.VariableIndex()
		if !ok {
			continue
		}
		if !v.claim(s, accessWidth(in)) {
			return nil, false, nil
		}
	}
	return v, true, nil
}

// Optimize returns the code of m with its variables renumbered. Parameters
// keep their slots, variables that are never live together share one, and
// slots nothing refers to disappear. Code whose variables cannot be
// renumbered safely, such as subroutines or slots reused with another
// width, is returned as is.
func (o *VariableOptimizer) Optimize(c *classfile.Class, m *classfile.Method) (*classfile.Code, VariableStats, error) {
	code := m.Code
	if code == nil {
		return nil, VariableStats{}, nil
	}
	stats := VariableStats{Before: code.MaxLocals, After: code.MaxLocals}
	name := methodName(c, m)
	ins, err := code.Instructions()
	if err != nil {
		return nil, stats, fmt.Errorf("%s: %w", name, err)
	}
	index := make(map[int]int, len(ins))
	for i, in := range ins {
		index[in.Offset] = i
	}

	vars, ok, err := o.collect(m, ins)
	if err != nil {
		return nil, stats, fmt.Errorf("%s: %w", name, err)
	}
	if !ok {
		log.Debugf("%s: variables left as they are", name)
		return code, stats, nil
	}
	succ, err := successors(name, code, ins, index)
	if err != nil {
		return nil, stats, err
	}
	live := liveOut(ins, succ, len(vars.width))
	edges := interference(code, ins, live, vars)
	slot := o.assign(vars, edges)

	after := vars.params
	for s, w := range vars.width {
		if w > 0 {
			after = max(after, slot[s]+w)
			if slot[s] != s {
				stats.Renumbered++
			}
		}
	}
	stats.After = after
	if stats.Renumbered == 0 {
		if after == code.MaxLocals {
			return code, stats, nil
		}
		out := code.Clone()
		out.MaxLocals = after
		return out, stats, nil
	}

	out := make([]classfile.Instruction, len(ins))
	jumps := make([][]int, len(ins))
	for i, in := range ins {
		if s, ok := in.VariableIndex(); ok {
			in = in.WithIndex(slot[s])
		}
		out[i] = in
		for _, t := range in.Targets() {
			jumps[i] = append(jumps[i], index[t])
		}
	}
	at := func(old int) (int, bool) {
		if old == len(code.Bytes) {
			return len(ins), true
		}
		i, ok := index[old]
		return i, ok
	}
	bytes, l, err := assemble(name, out, jumps, at)
	if err != nil {
		return nil, stats, err
	}
	handlers, err := l.handlers(code.Handlers, func(int) bool { return true })
	if err != nil {
		return nil, stats, err
	}
	lines, err := l.lines(code.Lines)
	if err != nil {
		return nil, stats, err
	}
	locals, err := l.locals(code.Locals, func(s int) (int, bool) {
		if !vars.isVariable(s) {
			return 0, false
		}
		return slot[s], true
	})
	if err != nil {
		return nil, stats, err
	}
	log.Debugf("%s: %d -> %d variable slots", name, stats.Before, stats.After)
	return &classfile.Code{
		MaxStack:  code.MaxStack,
		MaxLocals: after,
		Bytes:     bytes,
		Handlers:  handlers,
		Lines:     lines,
		Locals:    locals,
	}, stats, nil
}

// ---------------------------------------------------------------------------
// Liveness
// ---------------------------------------------------------------------------

// successors returns the syntactic successors of each instruction, including
// the handlers covering it.
func successors(name string, code *classfile.Code, ins []classfile.Instruction, index map[int]int) ([][]int, error) {
	succ := make([][]int, len(ins))
	for i, in := range ins {
		if !in.Op.EndsFlow() && i+1 < len(ins) {
			succ[i] = append(succ[i], i+1)
		}
		for _, t := range in.Targets() {
			j, ok := index[t]
			if !ok {
				return nil, &ConsistencyError{Method: name, Offset: in.Offset, Reason: fmt.Sprintf("branch to %d is not an instruction", t)}
			}
			succ[i] = append(succ[i], j)
		}
		for _, h := range code.Handlers {
			if !h.Covers(in.Offset) {
				continue
			}
			j, ok := index[h.Handler]
			if !ok {
				return nil, &ConsistencyError{Method: name, Offset: h.Handler, Reason: "handler is not an instruction"}
			}
			succ[i] = append(succ[i], j)
		}
	}
	return succ, nil
}

// liveOut returns the variables live after each instruction.
func liveOut(ins []classfile.Instruction, succ [][]int, n int) []slots.Set {
	liveIn := make([]slots.Set, len(ins))
	out := make([]slots.Set, len(ins))
	for i := range ins {
		liveIn[i] = slots.New(n)
		out[i] = slots.New(n)
	}
	for changed := true; changed; {
		changed = false
		for i := len(ins) - 1; i >= 0; i-- {
			o := slots.New(n)
			for _, j := range succ[i] {
				o.Union(liveIn[j])
			}
			in := o.Clone()
			if s, ok := ins[i].VariableIndex(); ok {
				switch ins[i].Kind() {
				case classfile.KindStore:
					in.Remove(s)
				default:
					in.Add(s)
				}
			}
			if !in.Equal(liveIn[i]) || !o.Equal(out[i]) {
				liveIn[i], out[i] = in, o
				changed = true
			}
		}
	}
	return out
}

// interference returns, per variable, the variables that may not share its
// slots: those live where it is written and those whose debug entries
// overlap its own.
func interference(code *classfile.Code, ins []classfile.Instruction, live []slots.Set, vars *variables) map[int]map[int]bool {
	edges := make(map[int]map[int]bool)
	add := func(a, b int) {
		if a == b || !vars.isVariable(a) || !vars.isVariable(b) {
			return
		}
		for _, p := range [][2]int{{a, b}, {b, a}} {
			if edges[p[0]] == nil {
				edges[p[0]] = make(map[int]bool)
			}
			edges[p[0]][p[1]] = true
		}
	}
	for i, in := range ins {
		s, ok := in.VariableIndex()
		if !ok || in.Kind() == classfile.KindLoad {
			continue
		}
		live[i].Each(func(t int) { add(s, t) })
	}
	for a, x := range code.Locals {
		for _, y := range code.Locals[a+1:] {
			if x.Start < y.Start+y.Length && y.Start < x.Start+x.Length {
				add(x.Slot, y.Slot)
			}
		}
	}
	return edges
}

// assign places every non-parameter variable in the lowest slots free of
// parameters and interfering variables, in order of first appearance.
func (o *VariableOptimizer) assign(vars *variables, edges map[int]map[int]bool) []int {
	slot := make([]int, len(vars.width))
	for s := range slot {
		slot[s] = s
	}
	// owners of each new slot
	taken := make(map[int][]int)
	for s := 0; s < vars.params; s++ {
		if vars.width[s] > 0 {
			for k := 0; k < vars.width[s]; k++ {
				taken[s+k] = append(taken[s+k], s)
			}
		}
	}
	free := func(v, p int) bool {
		for k := 0; k < vars.width[v]; k++ {
			for _, u := range taken[p+k] {
				if edges[v][u] || (u < vars.params && !(u == 0 && vars.mergeThis)) {
					return false
				}
			}
		}
		return true
	}
	for _, v := range vars.order {
		p := 0
		for !free(v, p) {
			p++
		}
		slot[v] = p
		for k := 0; k < vars.width[v]; k++ {
			taken[p+k] = append(taken[p+k], v)
		}
	}
	return slot
}
