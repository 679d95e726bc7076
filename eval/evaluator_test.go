package eval

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/chazu/pare/classfile"
	"github.com/chazu/pare/invoke"
	"github.com/chazu/pare/value"
)

func newClass(name string) *classfile.Class {
	return &classfile.Class{Name: name, Super: "java/lang/Object", Pool: classfile.NewPool()}
}

func addMethod(c *classfile.Class, access classfile.AccessFlags, name, desc string, code *classfile.Code) *classfile.Method {
	m := &classfile.Method{Access: access, Name: name, Descriptor: desc, Code: code}
	c.Methods = append(c.Methods, m)
	return m
}

func evaluate(t *testing.T, e *Evaluator, c *classfile.Class, m *classfile.Method) *Result {
	t.Helper()
	res, err := e.Evaluate(context.Background(), c, m)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return res
}

const static = classfile.AccPublic | classfile.AccStatic

// ---------------------------------------------------------------------------
// Values and producers
// ---------------------------------------------------------------------------

func TestEvaluateConstantArithmetic(t *testing.T) {
	c := newClass("p/A")
	b := classfile.NewBuilder()
	b.EmitInt(5)                       // 0
	b.EmitInt(3)                       // 1
	b.Emit(classfile.OpIAdd)           // 2
	b.EmitLocal(classfile.OpIStore, 0) // 3
	b.EmitLocal(classfile.OpILoad, 0)  // 4
	b.Emit(classfile.OpIReturn)        // 5
	m := addMethod(c, static, "f", "()I", b.Code(2, 1))

	res := evaluate(t, New(Config{}), c, m)

	top, ok := res.StackTop(2, 0)
	if !ok || !top.Value.Equal(value.Int(3)) || !slices.Equal(top.Producers, Producers{1}) {
		t.Errorf("top before iadd = %v %v", top.Value, top.Producers)
	}
	v := res.VariablesBefore(4)[0]
	if !v.Value.Equal(value.Int(8)) || !slices.Equal(v.Producers, Producers{3}) {
		t.Errorf("variable 0 before iload = %v %v, want 8 from 3", v.Value, v.Producers)
	}
	ret, _ := res.StackTop(5, 0)
	if !slices.Equal(ret.Producers, Producers{4}) {
		t.Errorf("returned value produced by %v, want [4]", ret.Producers)
	}
	if !res.CausesSideEffect(5) || res.CausesSideEffect(2) {
		t.Error("only the return has a side effect")
	}
	if r := res.Record(2); r.Pops != 2 || r.Pushes != 1 {
		t.Errorf("iadd pops/pushes = %d/%d", r.Pops, r.Pushes)
	}
}

func TestEvaluateWideValues(t *testing.T) {
	c := newClass("p/A")
	b := classfile.NewBuilder()
	b.EmitLocal(classfile.OpLLoad, 0) // 0
	b.Emit(classfile.OpLConst1)       // 1
	b.Emit(classfile.OpLAdd)          // 2
	b.Emit(classfile.OpDup2)          // 3
	b.Emit(classfile.OpPop2)          // 4
	b.Emit(classfile.OpLReturn)       // 5
	m := addMethod(c, static, "f", "(J)J", b.Code(4, 2))

	res := evaluate(t, New(Config{}), c, m)

	if s := res.StackBefore(2); len(s) != 4 {
		t.Fatalf("stack before ladd has %d cells, want 4", len(s))
	}
	if s := res.StackBefore(4); len(s) != 4 {
		t.Fatalf("stack before pop2 has %d cells, want 4", len(s))
	}
	top, _ := res.StackTop(5, 1)
	if top.Value.Category() != value.CategoryLong || !slices.Equal(top.Producers, Producers{3}) {
		t.Errorf("returned long = %v from %v", top.Value, top.Producers)
	}
	if r := res.Record(3); r.Pops != 2 || r.Pushes != 4 {
		t.Errorf("dup2 pops/pushes = %d/%d", r.Pops, r.Pushes)
	}
}

func TestMergeGeneralizesAndUnionsProducers(t *testing.T) {
	c := newClass("p/A")
	b := classfile.NewBuilder()
	other := b.NewLabel()
	join := b.NewLabel()
	b.EmitLocal(classfile.OpILoad, 0)   // 0
	b.EmitJump(classfile.OpIfEq, other) // 1
	b.EmitInt(1)                        // 4
	b.EmitLocal(classfile.OpIStore, 1)  // 5
	b.EmitJump(classfile.OpGoto, join)  // 6
	b.Mark(other)
	b.EmitInt(2)                       // 9
	b.EmitLocal(classfile.OpIStore, 1) // 10
	b.Mark(join)
	b.EmitLocal(classfile.OpILoad, 1) // 11
	b.Emit(classfile.OpIReturn)       // 12
	m := addMethod(c, static, "f", "(I)I", b.Code(1, 2))

	res := evaluate(t, New(Config{}), c, m)

	v := res.VariablesBefore(11)[1]
	if !v.Value.Equal(value.TypedOf(value.CategoryInt)) {
		t.Errorf("merged variable = %v, want int", v.Value)
	}
	if !slices.Equal(v.Producers, Producers{5, 10}) {
		t.Errorf("merged producers = %v, want [5 10]", v.Producers)
	}
	p := res.VariablesBefore(0)[0]
	if !slices.Equal(p.Producers, Producers{EntryProducer}) {
		t.Errorf("parameter producers = %v", p.Producers)
	}
	if got := res.Successors(1); !slices.Equal(got, []int{4, 9}) {
		t.Errorf("Successors(ifeq) = %v, want [4 9]", got)
	}
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func TestBranchFolding(t *testing.T) {
	tests := []struct {
		name     string
		emit     func(b *classfile.Builder, l *classfile.Label)
		taken    bool
		maxLocal int
	}{
		{"ifeq zero", func(b *classfile.Builder, l *classfile.Label) {
			b.EmitInt(0)
			b.EmitJump(classfile.OpIfEq, l)
		}, true, 0},
		{"ifne zero", func(b *classfile.Builder, l *classfile.Label) {
			b.EmitInt(0)
			b.EmitJump(classfile.OpIfNe, l)
		}, false, 0},
		{"if_icmplt", func(b *classfile.Builder, l *classfile.Label) {
			b.EmitInt(2)
			b.EmitInt(3)
			b.EmitJump(classfile.OpIfICmpLt, l)
		}, true, 0},
		{"ifnull null", func(b *classfile.Builder, l *classfile.Label) {
			b.Emit(classfile.OpAConstNull)
			b.EmitJump(classfile.OpIfNull, l)
		}, true, 0},
		{"ifnonnull this", func(b *classfile.Builder, l *classfile.Label) {
			b.EmitLocal(classfile.OpALoad, 0)
			b.EmitJump(classfile.OpIfNonNull, l)
		}, true, 1},
		{"if_acmpeq null null", func(b *classfile.Builder, l *classfile.Label) {
			b.Emit(classfile.OpAConstNull)
			b.Emit(classfile.OpAConstNull)
			b.EmitJump(classfile.OpIfACmpEq, l)
		}, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClass("p/A")
			b := classfile.NewBuilder()
			l := b.NewLabel()
			tt.emit(b, l)
			fall := b.Len()
			b.EmitInt(1)
			b.Emit(classfile.OpIReturn)
			b.Mark(l)
			target := b.Len()
			b.EmitInt(2)
			b.Emit(classfile.OpIReturn)
			access := static
			if tt.maxLocal > 0 {
				access = classfile.AccPublic
			}
			m := addMethod(c, access, "f", "()I", b.Code(2, tt.maxLocal))

			res := evaluate(t, New(Config{}), c, m)
			if res.Reached(fall) == tt.taken {
				t.Errorf("fall-through reached = %v, want %v", res.Reached(fall), !tt.taken)
			}
			if res.Reached(target) != tt.taken {
				t.Errorf("target reached = %v, want %v", res.Reached(target), tt.taken)
			}
		})
	}
}

func TestSwitchFolding(t *testing.T) {
	build := func(key func(b *classfile.Builder)) (*classfile.Class, *classfile.Method, []int) {
		c := newClass("p/A")
		b := classfile.NewBuilder()
		dflt, one, two := b.NewLabel(), b.NewLabel(), b.NewLabel()
		key(b)
		b.EmitTableSwitch(1, dflt, one, two)
		var offsets []int
		for _, l := range []*classfile.Label{dflt, one, two} {
			b.Mark(l)
			offsets = append(offsets, b.Len())
			b.Emit(classfile.OpReturn)
		}
		return c, addMethod(c, static, "f", "(I)V", b.Code(1, 1)), offsets
	}

	c, m, offsets := build(func(b *classfile.Builder) { b.EmitInt(2) })
	res := evaluate(t, New(Config{}), c, m)
	if res.Reached(offsets[0]) || res.Reached(offsets[1]) || !res.Reached(offsets[2]) {
		t.Errorf("constant key reached %v %v %v", res.Reached(offsets[0]), res.Reached(offsets[1]), res.Reached(offsets[2]))
	}

	c, m, offsets = build(func(b *classfile.Builder) { b.EmitLocal(classfile.OpILoad, 0) })
	res = evaluate(t, New(Config{}), c, m)
	for _, off := range offsets {
		if !res.Reached(off) {
			t.Errorf("unknown key: %d not reached", off)
		}
	}
}

func TestDivisionByZeroAlwaysThrows(t *testing.T) {
	c := newClass("p/A")
	b := classfile.NewBuilder()
	b.EmitLocal(classfile.OpILoad, 0) // 0
	b.EmitInt(0)                      // 1
	b.Emit(classfile.OpIDiv)          // 2
	b.Emit(classfile.OpIReturn)       // 3
	m := addMethod(c, static, "f", "(I)I", b.Code(2, 1))

	res := evaluate(t, New(Config{}), c, m)
	if res.Throws(2) != ThrowsAlways {
		t.Errorf("Throws(idiv) = %v, want always", res.Throws(2))
	}
	if len(res.Successors(2)) != 0 || res.Reached(3) {
		t.Error("idiv by zero falls through")
	}
	if !res.CausesSideEffect(2) {
		t.Error("a throwing instruction has an effect")
	}
}

func TestNullReceiverAlwaysThrows(t *testing.T) {
	c := newClass("p/A")
	f := c.Pool.Add(classfile.FieldRef{Class: "p/A", Name: "x", Descriptor: "I"})
	b := classfile.NewBuilder()
	b.Emit(classfile.OpAConstNull)       // 0
	b.EmitConst(classfile.OpGetField, f) // 1
	b.Emit(classfile.OpIReturn)          // 4
	m := addMethod(c, static, "f", "()I", b.Code(1, 0))

	res := evaluate(t, New(Config{}), c, m)
	if res.Throws(1) != ThrowsAlways || res.Reached(4) {
		t.Errorf("getfield on null: throws %v, return reached %v", res.Throws(1), res.Reached(4))
	}
}

func TestExceptionEdges(t *testing.T) {
	c := newClass("p/A")
	run := c.Pool.Add(classfile.MethodRef{Class: "p/B", Name: "run", Descriptor: "()V"})
	b := classfile.NewBuilder()
	b.EmitConst(classfile.OpInvokeStatic, run) // 0
	b.EmitInt(1)                               // 3
	b.Emit(classfile.OpIReturn)                // 4
	handler := b.Len()
	b.EmitLocal(classfile.OpAStore, 0) // 5
	b.EmitInt(2)                       // 6
	b.Emit(classfile.OpIReturn)        // 7
	code := b.Code(1, 1)
	code.Handlers = []classfile.ExceptionHandler{
		{Start: 0, End: 5, Handler: handler, CatchType: "java/io/IOException"},
	}
	m := addMethod(c, static, "f", "()I", code)

	res := evaluate(t, New(Config{}), c, m)
	if !res.Reached(handler) {
		t.Fatal("handler not reached")
	}
	exc, _ := res.StackTop(handler, 0)
	if !exc.Value.IsNotNull() || exc.Value.Types()[0] != "java/io/IOException" {
		t.Errorf("exception = %v", exc.Value)
	}
	if h, ok := IsHandlerProducer(exc.Producers[0]); !ok || h != 0 {
		t.Errorf("exception producers = %v", exc.Producers)
	}
	if got := res.Record(0).Handlers; !slices.Equal(got, []int{0}) {
		t.Errorf("invoke handlers = %v", got)
	}
	if got := res.Record(3).Handlers; len(got) != 0 {
		t.Errorf("iconst handlers = %v, want none", got)
	}
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestMalformedCode(t *testing.T) {
	tests := []struct {
		name   string
		emit   func(b *classfile.Builder)
		offset int
	}{
		{"underflow", func(b *classfile.Builder) {
			b.Emit(classfile.OpPop)
			b.Emit(classfile.OpReturn)
		}, 0},
		{"falls off the end", func(b *classfile.Builder) {
			b.Emit(classfile.OpNop)
		}, 0},
		{"variable out of range", func(b *classfile.Builder) {
			b.EmitLocal(classfile.OpILoad, 3)
			b.Emit(classfile.OpPop)
			b.Emit(classfile.OpReturn)
		}, 0},
		{"height mismatch", func(b *classfile.Builder) {
			l := b.NewLabel()
			b.EmitLocal(classfile.OpILoad, 0) // 0
			b.EmitJump(classfile.OpIfEq, l)   // 1
			b.EmitInt(1)                      // 4
			b.Mark(l)
			b.Emit(classfile.OpReturn) // 5
		}, 5},
		{"subroutine", func(b *classfile.Builder) {
			l := b.NewLabel()
			b.EmitJump(classfile.OpJsr, l)
			b.Mark(l)
			b.Emit(classfile.OpReturn)
		}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClass("p/A")
			b := classfile.NewBuilder()
			tt.emit(b)
			m := addMethod(c, static, "f", "(I)V", b.Code(2, 1))
			_, err := New(Config{}).Evaluate(context.Background(), c, m)
			if !errors.Is(err, classfile.ErrMalformed) {
				t.Fatalf("err = %v, want ErrMalformed", err)
			}
			var ae *AnalysisError
			if !errors.As(err, &ae) {
				t.Fatalf("err = %T, want *AnalysisError", err)
			}
			if ae.Offset != tt.offset {
				t.Errorf("error %v at offset %d, want %d", err, ae.Offset, tt.offset)
			}
		})
	}
}

func loopMethod() (*classfile.Class, *classfile.Method) {
	c := newClass("p/A")
	b := classfile.NewBuilder()
	head := b.NewLabel()
	exit := b.NewLabel()
	b.EmitInt(0)
	b.EmitLocal(classfile.OpIStore, 1)
	b.Mark(head)
	b.EmitLocal(classfile.OpILoad, 1)
	b.EmitLocal(classfile.OpILoad, 0)
	b.EmitJump(classfile.OpIfICmpGe, exit)
	b.EmitIInc(1, 1)
	b.EmitJump(classfile.OpGoto, head)
	b.Mark(exit)
	b.EmitLocal(classfile.OpILoad, 1)
	b.Emit(classfile.OpIReturn)
	return c, addMethod(c, static, "count", "(I)I", b.Code(2, 2))
}

func TestLoopReachesFixpoint(t *testing.T) {
	c, m := loopMethod()
	e := New(Config{})
	res := evaluate(t, e, c, m)

	head := res.Instructions()[2].Offset
	v := res.VariablesBefore(head)[1]
	if !v.Value.Equal(value.TypedOf(value.CategoryInt)) {
		t.Errorf("loop counter = %v, want int", v.Value)
	}
	if len(v.Producers) != 2 {
		t.Errorf("loop counter producers = %v, want istore and iinc", v.Producers)
	}

	ok, err := e.IsFixpoint(context.Background(), res)
	if err != nil || !ok {
		t.Errorf("IsFixpoint = %v, %v; want true", ok, err)
	}

	again := evaluate(t, e, c, m)
	for i := range res.Instructions() {
		if !equalRecords(res.RecordAt(i), again.RecordAt(i)) {
			t.Errorf("record %d differs between runs", i)
		}
	}
}

func TestVisitBudget(t *testing.T) {
	c, m := loopMethod()
	_, err := New(Config{MaxVisits: 3}).Evaluate(context.Background(), c, m)
	if !errors.Is(err, ErrNonTermination) {
		t.Errorf("err = %v, want ErrNonTermination", err)
	}
}

// ---------------------------------------------------------------------------
// Invocation units
// ---------------------------------------------------------------------------

func TestEvaluatorFeedsUnit(t *testing.T) {
	ctx := context.Background()
	c := newClass("p/A")
	runRef := classfile.MethodRef{Class: "p/A", Name: "run", Descriptor: "(ILjava/lang/String;)J"}
	run := c.Pool.Add(runRef)
	str := c.Pool.Add(classfile.StringConstant{Value: "x"})
	b := classfile.NewBuilder()
	b.EmitInt(3)
	b.EmitConst(classfile.OpLdc, str)
	b.EmitConst(classfile.OpInvokeStatic, run)
	b.Emit(classfile.OpLReturn)
	m := addMethod(c, static, "f", "()J", b.Code(3, 0))

	store := invoke.NewMemoryStore()
	evaluate(t, New(Config{Unit: invoke.NewStoring(store, invoke.AllValues)}), c, m)

	v, ok, _ := store.Load(ctx, invoke.ParameterKey(runRef, 0))
	if !ok || !v.Equal(value.Int(3)) {
		t.Errorf("stored parameter 0 = %v, %v; want 3", v, ok)
	}
	v, _, _ = store.Load(ctx, invoke.ParameterKey(runRef, 1))
	if !v.IsNotNull() {
		t.Errorf("stored parameter 1 = %v, want non-null string", v)
	}
	if _, ok, _ := store.Load(ctx, invoke.ReturnKey(m.Ref("p/A"))); !ok {
		t.Error("return value of f not stored")
	}
}

func TestUnitKeysByDeclaringClass(t *testing.T) {
	ctx := context.Background()
	a := newClass("p/A")
	a.Fields = append(a.Fields, &classfile.Field{Access: static, Name: "n", Descriptor: "I"})
	addMethod(a, static, "take", "(I)V", nil)
	sub := newClass("p/B")
	sub.Super = "p/A"

	c := newClass("p/C")
	put := c.Pool.Add(classfile.FieldRef{Class: "p/B", Name: "n", Descriptor: "I"})
	take := c.Pool.Add(classfile.MethodRef{Class: "p/B", Name: "take", Descriptor: "(I)V"})
	b := classfile.NewBuilder()
	b.EmitInt(3)
	b.EmitConst(classfile.OpPutStatic, put)
	b.EmitInt(4)
	b.EmitConst(classfile.OpInvokeStatic, take)
	b.Emit(classfile.OpReturn)
	m := addMethod(c, static, "f", "()V", b.Code(1, 0))

	store := invoke.NewMemoryStore()
	cfg := Config{
		Unit:      invoke.NewStoring(store, invoke.AllValues),
		ClassPath: classfile.NewClassSet(a, sub, c),
	}
	evaluate(t, New(cfg), c, m)

	declared := classfile.FieldRef{Class: "p/A", Name: "n", Descriptor: "I"}
	if v, ok, _ := store.Load(ctx, invoke.FieldKey(declared)); !ok || !v.Equal(value.Int(3)) {
		t.Errorf("field %s = %v, %v; want 3", declared, v, ok)
	}
	if _, ok, _ := store.Load(ctx, invoke.FieldKey(classfile.FieldRef{Class: "p/B", Name: "n", Descriptor: "I"})); ok {
		t.Error("field stored under the class the access names")
	}
	takeRef := classfile.MethodRef{Class: "p/A", Name: "take", Descriptor: "(I)V"}
	if v, ok, _ := store.Load(ctx, invoke.ParameterKey(takeRef, 0)); !ok || !v.Equal(value.Int(4)) {
		t.Errorf("parameter of %s = %v, %v; want 4", takeRef, v, ok)
	}
}

func TestUnresolvedClassGivesUnknown(t *testing.T) {
	c := newClass("p/A")
	get := c.Pool.Add(classfile.MethodRef{Class: "q/Missing", Name: "get", Descriptor: "()I"})
	b := classfile.NewBuilder()
	b.EmitConst(classfile.OpInvokeStatic, get) // 0
	b.Emit(classfile.OpIReturn)                // 3
	m := addMethod(c, static, "f", "()I", b.Code(1, 0))

	res := evaluate(t, New(Config{ClassPath: classfile.NewClassSet(c)}), c, m)
	top, _ := res.StackTop(3, 0)
	if !top.Value.IsUnknown() || top.Value.Category() != value.CategoryInt {
		t.Errorf("unresolved return = %v, want unknown int", top.Value)
	}
}

func TestPureMethodHasNoSideEffect(t *testing.T) {
	c := newClass("p/A")
	ref := classfile.MethodRef{Class: "java/lang/Math", Name: "abs", Descriptor: "(I)I"}
	abs := c.Pool.Add(ref)
	b := classfile.NewBuilder()
	b.EmitLocal(classfile.OpILoad, 0)          // 0
	b.EmitConst(classfile.OpInvokeStatic, abs) // 1
	b.Emit(classfile.OpIReturn)                // 4
	m := addMethod(c, static, "f", "(I)I", b.Code(1, 1))

	pure := func(r classfile.MethodRef) bool { return r == ref }
	res := evaluate(t, New(Config{Pure: pure}), c, m)
	if res.CausesSideEffect(1) {
		t.Error("pure invocation has a side effect")
	}
	res = evaluate(t, New(Config{}), c, m)
	if !res.CausesSideEffect(1) {
		t.Error("invocation without purity information has no side effect")
	}
}

func TestThisIsNonNullReceiver(t *testing.T) {
	c := newClass("p/A")
	c.Access = classfile.AccFinal
	b := classfile.NewBuilder()
	b.EmitLocal(classfile.OpALoad, 0)
	b.Emit(classfile.OpAReturn)
	m := addMethod(c, classfile.AccPublic, "self", "()Lp/A;", b.Code(1, 1))

	res := evaluate(t, New(Config{}), c, m)
	this := res.VariablesBefore(0)[0].Value
	if !this.IsNotNull() || this.MayBeExtension() || this.Types()[0] != "p/A" {
		t.Errorf("this = %v, want exact non-null p/A", this)
	}
}
