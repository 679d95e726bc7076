// Package marker decides which instructions of an evaluated method are
// needed: side effects, everything they depend on through stack and
// variable producers, the control flow that steers them and the exception
// handlers that can catch from them.
package marker

import (
	"context"

	"github.com/tliron/commonlog"

	"github.com/chazu/pare/classfile"
	"github.com/chazu/pare/eval"
	"github.com/chazu/pare/internal/slots"
)

var log = commonlog.GetLogger("pare.marker")

// Config configures a Marker.
type Config struct {
	// Evaluator evaluates methods for Process. Defaults to an evaluator
	// with the basic invocation unit.
	Evaluator *eval.Evaluator

	// Conservative keeps every reachable instruction that may throw, so
	// exceptions are preserved exactly.
	Conservative bool
}

// Marker marks needed instructions.
type Marker struct {
	cfg Config
}

// New creates a marker.
func New(cfg Config) *Marker {
	if cfg.Evaluator == nil {
		cfg.Evaluator = eval.New(eval.Config{})
	}
	return &Marker{cfg: cfg}
}

// Process evaluates m and marks the result.
func (mk *Marker) Process(ctx context.Context, c *classfile.Class, m *classfile.Method) (*Marks, error) {
	res, err := mk.cfg.Evaluator.Evaluate(ctx, c, m)
	if err != nil {
		return nil, err
	}
	return mk.Mark(res), nil
}

// Mark computes the needed instructions of an evaluated method.
func (mk *Marker) Mark(res *eval.Result) *Marks {
	n := len(res.Instructions())
	s := &Marks{
		res:          res,
		conservative: mk.cfg.Conservative,
		needed:       make([]bool, n),
		handlers:     make([]bool, len(res.Handlers())),
	}
	for {
		s.computeRegion()
		changed := s.seed()
		changed = s.dataDependences() || changed
		changed = s.producerGroups() || changed
		changed = s.controlDependences() || changed
		changed = s.reachedHandlers() || changed
		if !changed {
			break
		}
	}
	s.computeLiveness()
	log.Debugf("%s: %d of %d instructions needed", res.Name(), s.Needed(), n)
	return s
}

// ---------------------------------------------------------------------------
// Marks
// ---------------------------------------------------------------------------

// Marks is the marking of one method. Instruction state is indexed by
// position; the exported queries take byte offsets.
type Marks struct {
	res          *eval.Result
	conservative bool

	needed   []bool
	handlers []bool
	region   []bool
	live     []slots.Set
}

// Result returns the evaluation the marks are based on.
func (s *Marks) Result() *eval.Result {
	return s.res
}

func (s *Marks) index(offset int) (int, bool) {
	return s.res.Index(offset)
}

// IsNeeded reports whether the instruction at offset must be kept.
func (s *Marks) IsNeeded(offset int) bool {
	i, ok := s.index(offset)
	return ok && s.needed[i]
}

// IsHandlerNeeded reports whether exception handler h must be kept.
func (s *Marks) IsHandlerNeeded(h int) bool {
	return h >= 0 && h < len(s.handlers) && s.handlers[h]
}

// InRegion reports whether the instruction at offset is reachable in the
// shrunk method.
func (s *Marks) InRegion(offset int) bool {
	i, ok := s.index(offset)
	return ok && s.region[i]
}

// Emitted reports whether the shrunk method contains code for the
// instruction at offset: the instruction itself or pops replacing it.
func (s *Marks) Emitted(offset int) bool {
	i, ok := s.index(offset)
	return ok && s.emitted(i)
}

// KeptPops returns the sizes, top first, of the kept stack values an
// unneeded instruction at offset consumes. The shrinker replaces the
// instruction with a pop or pop2 for each. Needed and unreachable
// instructions return nil.
func (s *Marks) KeptPops(offset int) []int {
	i, ok := s.index(offset)
	if !ok || !s.region[i] || s.needed[i] {
		return nil
	}
	return s.keptPops(i)
}

// FirstEmitted returns the offset of the first emitted instruction at or
// after offset in layout order, and false when none follows.
func (s *Marks) FirstEmitted(offset int) (int, bool) {
	i, ok := s.index(offset)
	if !ok {
		return 0, false
	}
	j := s.firstEmitted(i)
	if j == len(s.needed) {
		return 0, false
	}
	return s.res.Instructions()[j].Offset, true
}

// IsVariableUsedBefore reports whether the value of variable slot before the
// instruction at offset may be read by a needed instruction later.
func (s *Marks) IsVariableUsedBefore(offset, slot int) bool {
	i, ok := s.index(offset)
	return ok && s.live[i].Has(slot)
}

// IsKept reports whether a stack entry survives shrinking: one of its
// producers is a needed instruction or a needed handler.
func (s *Marks) IsKept(e eval.Entry) bool {
	for _, p := range e.Producers {
		if h, ok := eval.IsHandlerProducer(p); ok {
			if s.IsHandlerNeeded(h) {
				return true
			}
			continue
		}
		if s.IsNeeded(p) {
			return true
		}
	}
	return false
}

// Needed returns the number of needed instructions.
func (s *Marks) Needed() int {
	n := 0
	for _, b := range s.needed {
		if b {
			n++
		}
	}
	return n
}

func (s *Marks) emitted(i int) bool {
	return s.region[i] && (s.needed[i] || len(s.keptPops(i)) > 0)
}

func (s *Marks) firstEmitted(i int) int {
	for ; i < len(s.needed); i++ {
		if s.emitted(i) {
			return i
		}
	}
	return len(s.needed)
}

func (s *Marks) keptPops(i int) []int {
	consumed := s.res.RecordAt(i).Consumed()
	var out []int
	for k := 0; k < len(consumed); k++ {
		e := consumed[k]
		size := 1
		// A wide value is its Top placeholder above the value cell.
		if e.Value.IsTop() && k+1 < len(consumed) && consumed[k+1].Value.Size() == 2 {
			size = 2
			k++
		}
		if s.IsKept(e) {
			out = append(out, size)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Closure
// ---------------------------------------------------------------------------

// computeRegion collects the instructions reachable from the entry through
// feasible normal edges and the exception edges that survive: from needed
// instructions to needed handlers.
func (s *Marks) computeRegion() {
	s.region = make([]bool, len(s.needed))
	work := []int{0}
	s.region[0] = true
	add := func(offset int) {
		if j, ok := s.index(offset); ok && !s.region[j] {
			s.region[j] = true
			work = append(work, j)
		}
	}
	handlers := s.res.Handlers()
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		rec := s.res.RecordAt(i)
		if !rec.Reached {
			continue
		}
		for _, t := range rec.Successors {
			add(t)
		}
		if s.needed[i] {
			for _, h := range rec.Handlers {
				if s.handlers[h] {
					add(handlers[h].Handler)
				}
			}
		}
	}
}

func (s *Marks) mark(i int) bool {
	if s.needed[i] || !s.region[i] {
		return false
	}
	s.needed[i] = true
	return true
}

// seed marks instructions with side effects, and in conservative mode
// every instruction that may throw.
func (s *Marks) seed() bool {
	changed := false
	for i := range s.needed {
		if !s.region[i] {
			continue
		}
		rec := s.res.RecordAt(i)
		if rec.SideEffect || (s.conservative && rec.Throws != eval.ThrowsNever) {
			changed = s.mark(i) || changed
		}
	}
	return changed
}

// reads returns the variable entries an instruction reads.
func (s *Marks) reads(i int) []eval.Entry {
	in := s.res.Instructions()[i]
	rec := s.res.RecordAt(i)
	switch in.Kind() {
	case classfile.KindLoad, classfile.KindIncrement:
		n := 1
		if in.Op.IsWideValue() {
			n = 2
		}
		if in.Index+n > len(rec.Before.Vars) {
			return nil
		}
		return rec.Before.Vars[in.Index : in.Index+n]
	}
	return nil
}

// dataDependences marks the producers of everything a needed instruction
// consumes: stack values and variables it reads.
func (s *Marks) dataDependences() bool {
	changed := false
	var work []int
	for i, b := range s.needed {
		if b {
			work = append(work, i)
		}
	}
	markAll := func(entries []eval.Entry) {
		for _, e := range entries {
			for _, p := range e.Producers {
				if j, ok := s.index(p); ok && s.mark(j) {
					changed = true
					work = append(work, j)
				}
			}
		}
	}
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		markAll(s.res.RecordAt(i).Consumed())
		markAll(s.reads(i))
	}
	return changed
}

// producerGroups keeps every producer of a stack value once one of them is
// kept, so all paths into a merge leave the same stack.
func (s *Marks) producerGroups() bool {
	changed := false
	for i := range s.needed {
		if !s.region[i] {
			continue
		}
		for _, e := range s.res.RecordAt(i).Before.Stack {
			if !s.IsKept(e) {
				continue
			}
			for _, p := range e.Producers {
				if j, ok := s.index(p); ok {
					changed = s.mark(j) || changed
				}
			}
		}
	}
	return changed
}

// controlDependences marks a reachable branch, goto or switch unless every
// feasible successor continues at the same emitted instruction as its
// layout successor. A feasible backward edge always keeps the instruction.
func (s *Marks) controlDependences() bool {
	changed := false
	ins := s.res.Instructions()
	for i, in := range ins {
		if !s.region[i] || s.needed[i] {
			continue
		}
		switch in.Kind() {
		case classfile.KindBranch, classfile.KindGoto, classfile.KindSwitch:
		default:
			continue
		}
		next := s.firstEmitted(i + 1)
		for _, t := range s.res.RecordAt(i).Successors {
			j, _ := s.index(t)
			if j <= i || s.firstEmitted(j) != next {
				changed = s.mark(i) || changed
				break
			}
		}
	}
	return changed
}

// reachedHandlers marks a handler once a needed instruction it covers may
// throw to it.
func (s *Marks) reachedHandlers() bool {
	changed := false
	for i, b := range s.needed {
		if !b {
			continue
		}
		for _, h := range s.res.RecordAt(i).Handlers {
			if !s.handlers[h] {
				s.handlers[h] = true
				changed = true
			}
		}
	}
	return changed
}

// ---------------------------------------------------------------------------
// Variable liveness
// ---------------------------------------------------------------------------

// computeLiveness runs backward liveness over the region, counting only the
// variable accesses of needed instructions.
func (s *Marks) computeLiveness() {
	ins := s.res.Instructions()
	handlers := s.res.Handlers()
	width := 0
	if code := s.res.Method.Code; code != nil {
		width = code.MaxLocals
	}
	s.live = make([]slots.Set, len(ins))
	for i := range ins {
		if s.region[i] {
			s.live[i] = slots.New(width)
		}
	}
	liveAt := func(offset int) slots.Set {
		if j, ok := s.index(offset); ok {
			return s.live[j]
		}
		return slots.Set{}
	}

	for changed := true; changed; {
		changed = false
		for i := len(ins) - 1; i >= 0; i-- {
			if !s.region[i] {
				continue
			}
			rec := s.res.RecordAt(i)
			in := slots.New(width)
			for _, t := range rec.Successors {
				in.Union(liveAt(t))
			}
			if s.needed[i] {
				s.transfer(ins[i], in)
				for _, h := range rec.Handlers {
					if s.handlers[h] {
						in.Union(liveAt(handlers[h].Handler))
					}
				}
			}
			if !in.Equal(s.live[i]) {
				s.live[i] = in
				changed = true
			}
		}
	}
}

// transfer turns the live set after a needed instruction into the set
// before it.
func (s *Marks) transfer(in classfile.Instruction, live slots.Set) {
	n := 1
	if in.Op.IsWideValue() {
		n = 2
	}
	switch in.Kind() {
	case classfile.KindStore:
		for k := 0; k < n; k++ {
			live.Remove(in.Index + k)
		}
	case classfile.KindLoad:
		for k := 0; k < n; k++ {
			live.Add(in.Index + k)
		}
	case classfile.KindIncrement:
		live.Add(in.Index)
	}
}
