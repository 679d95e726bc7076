package marker

import (
	"context"
	"slices"
	"testing"

	"github.com/chazu/pare/classfile"
	"github.com/chazu/pare/eval"
	"github.com/chazu/pare/invoke"
	"github.com/chazu/pare/value"
)

const static = classfile.AccPublic | classfile.AccStatic

func newMethod(desc string, code *classfile.Code) (*classfile.Class, *classfile.Method) {
	c := &classfile.Class{Name: "p/A", Super: "java/lang/Object", Pool: classfile.NewPool()}
	m := &classfile.Method{Access: static, Name: "f", Descriptor: desc, Code: code}
	c.Methods = append(c.Methods, m)
	return c, m
}

func process(t *testing.T, mk *Marker, c *classfile.Class, m *classfile.Method) *Marks {
	t.Helper()
	marks, err := mk.Process(context.Background(), c, m)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	return marks
}

func needed(marks *Marks) []int {
	var out []int
	for _, in := range marks.Result().Instructions() {
		if marks.IsNeeded(in.Offset) {
			out = append(out, in.Offset)
		}
	}
	return out
}

// nonNullParameters reports every reference parameter as non-null.
type nonNullParameters struct {
	invoke.Basic
}

func (nonNullParameters) MethodParameterValue(_ context.Context, m classfile.MethodRef, index int) value.Value {
	v := invoke.Basic{}.MethodParameterValue(context.Background(), m, index)
	if v.IsReference() {
		return value.Reference(v.Types(), value.NotNull, false)
	}
	return v
}

// ---------------------------------------------------------------------------
// Needed instructions
// ---------------------------------------------------------------------------

func TestUnusedComputationIsDropped(t *testing.T) {
	b := classfile.NewBuilder()
	b.EmitInt(5)               // 0
	b.EmitInt(3)               // 1
	b.Emit(classfile.OpIAdd)   // 2
	b.Emit(classfile.OpPop)    // 3
	b.Emit(classfile.OpReturn) // 4
	c, m := newMethod("()V", b.Code(2, 0))

	marks := process(t, New(Config{}), c, m)

	if got := needed(marks); !slices.Equal(got, []int{4}) {
		t.Errorf("needed = %v, want [4]", got)
	}
	for _, offset := range []int{0, 1, 2, 3} {
		if marks.Emitted(offset) {
			t.Errorf("instruction at %d is emitted", offset)
		}
	}
}

func TestFoldedBranchKeepsOnlyTakenPath(t *testing.T) {
	b := classfile.NewBuilder()
	nonNull := b.NewLabel()
	b.EmitLocal(classfile.OpALoad, 0)         // 0
	b.EmitJump(classfile.OpIfNonNull, nonNull) // 1
	b.EmitInt(1)                              // 4
	b.Emit(classfile.OpIReturn)               // 5
	b.Mark(nonNull)
	b.EmitInt(2)                // 6
	b.Emit(classfile.OpIReturn) // 7
	c, m := newMethod("(Ljava/lang/Object;)I", b.Code(1, 1))

	mk := New(Config{Evaluator: eval.New(eval.Config{Unit: nonNullParameters{}})})
	marks := process(t, mk, c, m)

	if got := needed(marks); !slices.Equal(got, []int{6, 7}) {
		t.Errorf("needed = %v, want [6 7]", got)
	}
	if marks.InRegion(4) || marks.InRegion(5) {
		t.Error("untaken path is in the region")
	}
	if first, ok := marks.FirstEmitted(0); !ok || first != 6 {
		t.Errorf("FirstEmitted(0) = %d %v, want 6", first, ok)
	}
}

func TestUndecidedBranchIsNeeded(t *testing.T) {
	b := classfile.NewBuilder()
	zero := b.NewLabel()
	b.EmitLocal(classfile.OpILoad, 0)  // 0
	b.EmitJump(classfile.OpIfEq, zero) // 1
	b.EmitInt(1)                       // 4
	b.Emit(classfile.OpIReturn)        // 5
	b.Mark(zero)
	b.EmitInt(2)                // 6
	b.Emit(classfile.OpIReturn) // 7
	c, m := newMethod("(I)I", b.Code(1, 1))

	marks := process(t, New(Config{}), c, m)

	if got := needed(marks); !slices.Equal(got, []int{0, 1, 4, 5, 6, 7}) {
		t.Errorf("needed = %v", got)
	}
}

func TestBranchToNextEmittedIsDropped(t *testing.T) {
	b := classfile.NewBuilder()
	join := b.NewLabel()
	b.EmitLocal(classfile.OpILoad, 0)  // 0
	b.EmitJump(classfile.OpIfEq, join) // 1
	b.Emit(classfile.OpNop)            // 4
	b.Mark(join)
	b.Emit(classfile.OpReturn) // 5
	c, m := newMethod("(I)V", b.Code(1, 1))

	marks := process(t, New(Config{}), c, m)

	if got := needed(marks); !slices.Equal(got, []int{5}) {
		t.Errorf("needed = %v, want [5]", got)
	}
	if marks.Emitted(1) {
		t.Error("the branch consumes a dropped value and must not be emitted")
	}
}

func TestBackwardGotoIsNeeded(t *testing.T) {
	b := classfile.NewBuilder()
	loop := b.NewLabel()
	b.Mark(loop)
	b.EmitJump(classfile.OpGoto, loop) // 0
	c, m := newMethod("()V", b.Code(0, 0))

	marks := process(t, New(Config{}), c, m)

	if !marks.IsNeeded(0) {
		t.Error("an infinite loop must survive")
	}
}

func TestDeadStoreIsDropped(t *testing.T) {
	b := classfile.NewBuilder()
	b.EmitInt(1)                       // 0
	b.EmitLocal(classfile.OpIStore, 2) // 1
	b.EmitInt(2)                       // 2
	b.EmitLocal(classfile.OpIStore, 2) // 3
	b.EmitLocal(classfile.OpILoad, 2)  // 4
	b.Emit(classfile.OpIReturn)        // 5
	c, m := newMethod("()I", b.Code(1, 3))

	marks := process(t, New(Config{}), c, m)

	if got := needed(marks); !slices.Equal(got, []int{2, 3, 4, 5}) {
		t.Errorf("needed = %v, want [2 3 4 5]", got)
	}
	tests := []struct {
		offset int
		want   bool
	}{
		{1, false},
		{3, false},
		{4, true},
		{5, false},
	}
	for _, tt := range tests {
		if got := marks.IsVariableUsedBefore(tt.offset, 2); got != tt.want {
			t.Errorf("IsVariableUsedBefore(%d, 2) = %v, want %v", tt.offset, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Exceptions and side effects
// ---------------------------------------------------------------------------

func divideMethod(divisor func(*classfile.Builder)) (*classfile.Class, *classfile.Method) {
	b := classfile.NewBuilder()
	b.EmitInt(4)                // 0
	divisor(b)                  // 1
	b.Emit(classfile.OpIDiv)    // 2
	b.Emit(classfile.OpIReturn) // 3
	b.Emit(classfile.OpPop)     // 4
	b.EmitInt(0)                // 5
	b.Emit(classfile.OpIReturn) // 6
	code := b.Code(2, 1)
	code.Handlers = []classfile.ExceptionHandler{{Start: 0, End: 4, Handler: 4, CatchType: "java/lang/ArithmeticException"}}
	return newMethod("(I)I", code)
}

func TestHandlerNeededOnlyWhenReachable(t *testing.T) {
	tests := []struct {
		name    string
		divisor func(*classfile.Builder)
		handler bool
	}{
		{"unknown divisor", func(b *classfile.Builder) { b.EmitLocal(classfile.OpILoad, 0) }, true},
		{"constant divisor", func(b *classfile.Builder) { b.EmitInt(2) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, m := divideMethod(tt.divisor)
			marks := process(t, New(Config{}), c, m)

			if !marks.IsNeeded(2) {
				t.Error("idiv is not needed")
			}
			if got := marks.IsHandlerNeeded(0); got != tt.handler {
				t.Errorf("IsHandlerNeeded(0) = %v, want %v", got, tt.handler)
			}
			if got := marks.IsNeeded(6); got != tt.handler {
				t.Errorf("handler return needed = %v, want %v", got, tt.handler)
			}
		})
	}
}

func TestSideEffectsAreAlwaysNeeded(t *testing.T) {
	b := classfile.NewBuilder()
	c, m := newMethod("()V", nil)
	g := c.Pool.Add(classfile.MethodRef{Class: "p/B", Name: "g", Descriptor: "()I"})
	b.EmitConst(classfile.OpInvokeStatic, g) // 0
	b.Emit(classfile.OpPop)                  // 3
	b.Emit(classfile.OpReturn)               // 4
	m.Code = b.Code(1, 0)

	marks := process(t, New(Config{}), c, m)

	if !marks.IsNeeded(0) || !marks.IsNeeded(4) {
		t.Errorf("needed = %v, want the call and the return", needed(marks))
	}
	if marks.IsNeeded(3) {
		t.Error("pop is needed")
	}
	if pops := marks.KeptPops(3); !slices.Equal(pops, []int{1}) {
		t.Errorf("KeptPops(3) = %v, want [1]", pops)
	}
}

func TestConservativeKeepsThrowingInstructions(t *testing.T) {
	b := classfile.NewBuilder()
	b.EmitLocal(classfile.OpALoad, 0) // 0
	b.Emit(classfile.OpArrayLength)   // 1
	b.Emit(classfile.OpPop)           // 2
	b.Emit(classfile.OpReturn)        // 3
	c, m := newMethod("([I)V", b.Code(1, 1))

	aggressive := process(t, New(Config{}), c, m)
	conservative := process(t, New(Config{Conservative: true}), c, m)

	if got := needed(aggressive); !slices.Equal(got, []int{3}) {
		t.Errorf("aggressive needed = %v, want [3]", got)
	}
	if got := needed(conservative); !slices.Equal(got, []int{0, 1, 3}) {
		t.Errorf("conservative needed = %v, want [0 1 3]", got)
	}
	for _, offset := range needed(aggressive) {
		if !conservative.IsNeeded(offset) {
			t.Errorf("conservative dropped %d", offset)
		}
	}
}

func TestMarkIsDeterministic(t *testing.T) {
	c, m := divideMethod(func(b *classfile.Builder) { b.EmitLocal(classfile.OpILoad, 0) })
	e := eval.New(eval.Config{})
	res, err := e.Evaluate(context.Background(), c, m)
	if err != nil {
		t.Fatal(err)
	}
	mk := New(Config{Evaluator: e})
	first, second := mk.Mark(res), mk.Mark(res)
	if !slices.Equal(needed(first), needed(second)) || first.Needed() != second.Needed() {
		t.Errorf("marks differ: %v vs %v", needed(first), needed(second))
	}
}
