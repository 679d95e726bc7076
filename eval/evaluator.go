// Package eval implements the partial evaluator: an abstract interpreter
// over method bytecode that computes, for every instruction, the values on
// the stack and in the variables before it, which instructions may have
// produced each value, whether the instruction may throw, and which of its
// successors are feasible.
package eval

import (
	"context"

	"github.com/tliron/commonlog"

	"github.com/chazu/pare/classfile"
	"github.com/chazu/pare/invoke"
	"github.com/chazu/pare/value"
)

var log = commonlog.GetLogger("pare.eval")

// Config configures an Evaluator.
type Config struct {
	// Unit supplies parameter, return and field values. Defaults to
	// invoke.Basic.
	Unit invoke.Unit

	// ClassPath resolves referenced classes. References to classes it does
	// not know yield Unknown values. Nil resolves everything.
	ClassPath classfile.ClassPath

	// Pure reports methods whose invocation has no side effect.
	Pure func(classfile.MethodRef) bool

	// MaxVisits bounds instruction evaluations per method. Zero derives a
	// bound from the method size.
	MaxVisits int
}

// Evaluator evaluates methods. It holds no per-method state and may be used
// from several goroutines when its Unit allows it.
type Evaluator struct {
	cfg Config
}

// New creates an evaluator.
func New(cfg Config) *Evaluator {
	if cfg.Unit == nil {
		cfg.Unit = invoke.Basic{}
	}
	return &Evaluator{cfg: cfg}
}

// Unit returns the invocation unit.
func (e *Evaluator) Unit() invoke.Unit {
	return e.cfg.Unit
}

func (e *Evaluator) maxVisits(n int) int {
	if e.cfg.MaxVisits > 0 {
		return e.cfg.MaxVisits
	}
	return 256*n + 1024
}

// Evaluate runs the evaluator over m, a method of c, to a fixpoint.
func (e *Evaluator) Evaluate(ctx context.Context, c *classfile.Class, m *classfile.Method) (*Result, error) {
	r, err := e.prepare(ctx, c, m)
	if err != nil {
		return nil, err
	}
	entry, err := r.entryFrame()
	if err != nil {
		return nil, err
	}
	if err := r.propagate(-1, 0, entry); err != nil {
		return nil, err
	}
	if err := r.fixpoint(e.maxVisits(len(r.res.instructions))); err != nil {
		return nil, err
	}
	log.Debugf("%s: %d instructions, %d visits", r.name, len(r.res.instructions), r.res.visits)
	return r.res, nil
}

// IsFixpoint re-evaluates every reached instruction of res against its
// recorded state and reports whether nothing would change.
func (e *Evaluator) IsFixpoint(ctx context.Context, res *Result) (bool, error) {
	r, err := e.prepare(ctx, res.Class, res.Method)
	if err != nil {
		return false, err
	}
	for i := range res.records {
		r.res.records[i] = cloneRecord(&res.records[i])
	}
	for i := range r.res.records {
		if !r.res.records[i].Reached {
			continue
		}
		if err := r.step(i); err != nil {
			return false, err
		}
	}
	if len(r.work) > 0 {
		return false, nil
	}
	for i := range res.records {
		if !equalRecords(&res.records[i], &r.res.records[i]) {
			return false, nil
		}
	}
	return true, nil
}

func cloneRecord(rec *Record) Record {
	out := *rec
	out.Before = rec.Before.Clone()
	return out
}

// ---------------------------------------------------------------------------
// Fixpoint
// ---------------------------------------------------------------------------

// run is the state of one evaluation.
type run struct {
	e      *Evaluator
	ctx    context.Context
	class  *classfile.Class
	method *classfile.Method
	name   string
	res    *Result
	work   []int
	queued []bool
}

func (e *Evaluator) prepare(ctx context.Context, c *classfile.Class, m *classfile.Method) (*run, error) {
	name := methodName(c, m)
	if m.Code == nil {
		return nil, malformed(name, -1, "method has no code")
	}
	ins, err := m.Code.Instructions()
	if err != nil {
		return nil, &AnalysisError{Method: name, Offset: -1, Reason: "decoding", Err: err}
	}
	if len(ins) == 0 {
		return nil, malformed(name, -1, "empty code")
	}
	index := make(map[int]int, len(ins))
	for i, in := range ins {
		index[in.Offset] = i
	}
	end := len(m.Code.Bytes)
	for h, handler := range m.Code.Handlers {
		_, startOK := index[handler.Start]
		_, endOK := index[handler.End]
		_, targetOK := index[handler.Handler]
		if !startOK || !(endOK || handler.End == end) || !targetOK || handler.Start >= handler.End {
			return nil, malformed(name, -1, "exception handler %d [%d, %d) -> %d", h, handler.Start, handler.End, handler.Handler)
		}
	}
	return &run{
		e:      e,
		ctx:    ctx,
		class:  c,
		method: m,
		name:   name,
		res: &Result{
			Class:        c,
			Method:       m,
			instructions: ins,
			index:        index,
			records:      make([]Record, len(ins)),
		},
		queued: make([]bool, len(ins)),
	}, nil
}

func (r *run) entryFrame() (Frame, error) {
	m := r.method
	slots, total, err := classfile.ParameterSlots(m.Descriptor, m.IsStatic())
	if err != nil {
		return Frame{}, &AnalysisError{Method: r.name, Offset: -1, Reason: "descriptor", Err: err}
	}
	if total > m.Code.MaxLocals {
		return Frame{}, malformed(r.name, -1, "parameters need %d variables, max locals is %d", total, m.Code.MaxLocals)
	}
	params, _, _ := classfile.ParseMethodDescriptor(m.Descriptor)

	vars := make([]Entry, m.Code.MaxLocals)
	for i := range vars {
		vars[i] = Entry{Value: value.Top()}
	}
	entry := ProducedBy(EntryProducer)
	if !m.IsStatic() {
		this := value.Reference([]string{r.class.Name}, value.NotNull, r.class.Access.Has(classfile.AccFinal))
		vars[0] = Entry{Value: this, Producers: entry}
	}
	ref := m.Ref(r.class.Name)
	for i, p := range params {
		declared := value.FromDescriptor(p)
		v := r.e.cfg.Unit.MethodParameterValue(r.ctx, ref, i)
		if v.Category() != declared.Category() {
			v = declared
		}
		vars[slots[i]] = Entry{Value: v, Producers: entry}
		if classfile.Slots(p) == 2 {
			vars[slots[i]+1] = Entry{Value: value.Top(), Producers: entry}
		}
	}
	return Frame{Vars: vars}, nil
}

func (r *run) enqueue(i int) {
	if !r.queued[i] {
		r.queued[i] = true
		r.work = append(r.work, i)
	}
}

// propagate merges f into the state before target. from is the offset of
// the instruction passing control, or -1 at method entry.
func (r *run) propagate(from, target int, f Frame) error {
	i, ok := r.res.index[target]
	if !ok {
		return malformed(r.name, from, "control transfer to %d, not an instruction", target)
	}
	rec := &r.res.records[i]
	if !rec.Reached {
		rec.Reached = true
		rec.Before = f.Clone()
		r.enqueue(i)
		return nil
	}
	if len(rec.Before.Stack) != len(f.Stack) {
		return malformed(r.name, target, "stack height %d merges with %d", len(rec.Before.Stack), len(f.Stack))
	}
	if rec.Before.merge(f) {
		r.enqueue(i)
	}
	return nil
}

func (r *run) fixpoint(limit int) error {
	for len(r.work) > 0 {
		if r.res.visits >= limit {
			return &AnalysisError{Method: r.name, Offset: -1, Reason: "visit budget exhausted", Err: ErrNonTermination}
		}
		i := r.work[len(r.work)-1]
		r.work = r.work[:len(r.work)-1]
		r.queued[i] = false
		if err := r.step(i); err != nil {
			return err
		}
	}
	return nil
}

// step evaluates instruction i from its recorded state, updates its record
// and passes the outcome to its successors.
func (r *run) step(i int) error {
	r.res.visits++
	ins := r.res.instructions[i]
	rec := &r.res.records[i]

	x := &machine{r: r, ins: ins, f: rec.Before.Clone(), next: true}
	x.execute()
	if x.err != nil {
		return x.err
	}
	if x.throws == ThrowsAlways {
		x.next = false
		x.jumps = nil
		x.effect = true
	}

	rec.Pops = x.pops
	rec.Pushes = x.pushes
	rec.Throws = x.throws
	rec.SideEffect = x.effect
	rec.Successors = rec.Successors[:0:0]
	rec.Handlers = rec.Handlers[:0:0]

	if x.next {
		if i+1 >= len(r.res.instructions) {
			return malformed(r.name, ins.Offset, "control falls off the end of the code")
		}
		rec.Successors = append(rec.Successors, r.res.instructions[i+1].Offset)
	}
	for _, t := range x.jumps {
		if !containsInt(rec.Successors, t) {
			rec.Successors = append(rec.Successors, t)
		}
	}
	for _, t := range rec.Successors {
		if err := r.propagate(ins.Offset, t, x.f); err != nil {
			return err
		}
	}

	if x.throws == ThrowsNever {
		return nil
	}
	for h, handler := range r.method.Code.Handlers {
		if !handler.Covers(ins.Offset) {
			continue
		}
		rec.Handlers = append(rec.Handlers, h)
		exc := r.e.cfg.Unit.ExceptionValue(r.ctx, handler.CatchType)
		f := Frame{
			Stack: []Entry{{Value: exc, Producers: ProducedBy(HandlerProducer(h))}},
			Vars:  rec.Before.Vars,
		}
		if err := r.propagate(ins.Offset, handler.Handler, f); err != nil {
			return err
		}
		if handler.CatchType == "" || handler.CatchType == "java/lang/Throwable" {
			break
		}
	}
	return nil
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
