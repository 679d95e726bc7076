package shrink

import (
	"slices"
	"testing"

	"github.com/chazu/pare/classfile"
)

func optimize(t *testing.T, cfg VariableConfig, c *classfile.Class, m *classfile.Method) (*classfile.Code, VariableStats) {
	t.Helper()
	code, stats, err := NewVariableOptimizer(cfg).Optimize(c, m)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	return code, stats
}

// slotsOf returns the variable slot of every variable access in code.
func slotsOf(t *testing.T, code *classfile.Code) []int {
	t.Helper()
	var out []int
	for _, in := range decode(t, code) {
		if s, ok := in.VariableIndex(); ok {
			out = append(out, s)
		}
	}
	return out
}

func disjointTemporaries() *classfile.Code {
	b := classfile.NewBuilder()
	b.EmitInt(1)
	b.EmitLocal(classfile.OpIStore, 1)
	b.EmitLocal(classfile.OpILoad, 1)
	b.Emit(classfile.OpPop)
	b.EmitInt(2)
	b.EmitLocal(classfile.OpIStore, 2)
	b.EmitLocal(classfile.OpILoad, 2)
	b.Emit(classfile.OpIReturn)
	return b.Code(1, 3)
}

func TestVariablesWithDisjointLifetimesShareASlot(t *testing.T) {
	c, m := newMethod(static, "()I", disjointTemporaries())

	code, stats := optimize(t, VariableConfig{}, c, m)

	if got := slotsOf(t, code); !slices.Equal(got, []int{0, 0, 0, 0}) {
		t.Errorf("slots = %v, want all 0", got)
	}
	if code.MaxLocals != 1 || stats.Before != 3 || stats.After != 1 || stats.Renumbered != 2 {
		t.Errorf("MaxLocals = %d, stats = %+v", code.MaxLocals, stats)
	}
}

func TestOverlappingDebugEntriesInterfere(t *testing.T) {
	c, m := newMethod(static, "()I", disjointTemporaries())
	m.Code.Locals = []classfile.LocalVariable{
		{Start: 0, Length: 8, Name: "a", Descriptor: "I", Slot: 1},
		{Start: 0, Length: 8, Name: "b", Descriptor: "I", Slot: 2},
	}

	code, _ := optimize(t, VariableConfig{}, c, m)

	if got := slotsOf(t, code); !slices.Equal(got, []int{0, 0, 1, 1}) {
		t.Errorf("slots = %v, want [0 0 1 1]", got)
	}
	if code.MaxLocals != 2 {
		t.Errorf("MaxLocals = %d, want 2", code.MaxLocals)
	}
	if code.Locals[0].Slot != 0 || code.Locals[1].Slot != 1 {
		t.Errorf("locals = %v", code.Locals)
	}
}

func TestOverlappingLifetimesKeepSeparateSlots(t *testing.T) {
	b := classfile.NewBuilder()
	b.EmitInt(1)
	b.EmitLocal(classfile.OpIStore, 1)
	b.EmitInt(2)
	b.EmitLocal(classfile.OpIStore, 2)
	b.EmitLocal(classfile.OpILoad, 1)
	b.EmitLocal(classfile.OpILoad, 2)
	b.Emit(classfile.OpIAdd)
	b.Emit(classfile.OpIReturn)
	c, m := newMethod(static, "()I", b.Code(2, 3))

	code, _ := optimize(t, VariableConfig{}, c, m)

	if got := slotsOf(t, code); !slices.Equal(got, []int{0, 1, 0, 1}) {
		t.Errorf("slots = %v, want [0 1 0 1]", got)
	}
	if code.MaxLocals != 2 {
		t.Errorf("MaxLocals = %d, want 2", code.MaxLocals)
	}
}

func TestParametersKeepTheirSlots(t *testing.T) {
	b := classfile.NewBuilder()
	b.EmitLocal(classfile.OpILoad, 0)
	b.EmitLocal(classfile.OpIStore, 3)
	b.EmitLocal(classfile.OpILoad, 3)
	b.Emit(classfile.OpIReturn)
	c, m := newMethod(static, "(I)I", b.Code(1, 4))

	code, _ := optimize(t, VariableConfig{}, c, m)

	if got := slotsOf(t, code); !slices.Equal(got, []int{0, 1, 1}) {
		t.Errorf("slots = %v, want [0 1 1]", got)
	}
	if code.MaxLocals != 2 {
		t.Errorf("MaxLocals = %d, want 2", code.MaxLocals)
	}
}

func TestMergeThis(t *testing.T) {
	tests := []struct {
		name      string
		mergeThis bool
		slot      int
	}{
		{"receiver kept", false, 1},
		{"receiver reused", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := classfile.NewBuilder()
			b.EmitLocal(classfile.OpALoad, 0)
			b.Emit(classfile.OpPop)
			b.EmitInt(1)
			b.EmitLocal(classfile.OpIStore, 2)
			b.EmitLocal(classfile.OpILoad, 2)
			b.Emit(classfile.OpIReturn)
			c, m := newMethod(classfile.AccPublic, "()I", b.Code(1, 3))

			code, _ := optimize(t, VariableConfig{MergeThis: tt.mergeThis}, c, m)

			want := []int{0, tt.slot, tt.slot}
			if got := slotsOf(t, code); !slices.Equal(got, want) {
				t.Errorf("slots = %v, want %v", got, want)
			}
			if code.MaxLocals != tt.slot+1 {
				t.Errorf("MaxLocals = %d, want %d", code.MaxLocals, tt.slot+1)
			}
		})
	}
}

func TestWideVariableMovesAsAPair(t *testing.T) {
	b := classfile.NewBuilder()
	b.Emit(classfile.OpLConst1)
	b.EmitLocal(classfile.OpLStore, 2)
	b.EmitLocal(classfile.OpLLoad, 2)
	b.Emit(classfile.OpLReturn)
	c, m := newMethod(static, "()J", b.Code(2, 4))

	code, _ := optimize(t, VariableConfig{}, c, m)

	if got := slotsOf(t, code); !slices.Equal(got, []int{0, 0}) {
		t.Errorf("slots = %v, want [0 0]", got)
	}
	if code.MaxLocals != 2 {
		t.Errorf("MaxLocals = %d, want 2", code.MaxLocals)
	}
}

func TestRenumberingShortensCode(t *testing.T) {
	b := classfile.NewBuilder()
	zero := b.NewLabel()
	b.EmitInt(1)                       // 0
	b.EmitLocal(classfile.OpIStore, 5) // 1
	b.EmitLocal(classfile.OpILoad, 5)  // 3
	b.EmitJump(classfile.OpIfEq, zero) // 5
	b.EmitInt(1)                       // 8
	b.Emit(classfile.OpIReturn)        // 9
	b.Mark(zero)
	b.EmitInt(0)                // 10
	b.Emit(classfile.OpIReturn) // 11
	c, m := newMethod(static, "()I", b.Code(1, 6))
	m.Code.Lines = []classfile.LineNumber{{Start: 0, Line: 1}, {Start: 10, Line: 2}}

	code, _ := optimize(t, VariableConfig{}, c, m)

	if len(code.Bytes) != 10 {
		t.Fatalf("optimized code:\n%s", classfile.Disassemble(code.Bytes))
	}
	if target := decode(t, code)[3].Targets()[0]; target != 8 {
		t.Errorf("ifeq jumps to %d, want 8", target)
	}
	want := []classfile.LineNumber{{Start: 0, Line: 1}, {Start: 8, Line: 2}}
	if !slices.Equal(code.Lines, want) {
		t.Errorf("lines = %v, want %v", code.Lines, want)
	}
}

func TestDenseVariablesAreLeftAlone(t *testing.T) {
	b := classfile.NewBuilder()
	b.EmitLocal(classfile.OpILoad, 0)
	b.Emit(classfile.OpIReturn)
	c, m := newMethod(static, "(I)I", b.Code(1, 1))

	code, stats := optimize(t, VariableConfig{}, c, m)

	if code != m.Code || stats.Renumbered != 0 {
		t.Errorf("dense method rewritten: %+v", stats)
	}
}

func TestUnusedTrailingSlotsAreDropped(t *testing.T) {
	b := classfile.NewBuilder()
	b.EmitLocal(classfile.OpILoad, 0)
	b.Emit(classfile.OpIReturn)
	c, m := newMethod(static, "(I)I", b.Code(1, 5))

	code, stats := optimize(t, VariableConfig{}, c, m)

	if code.MaxLocals != 1 || stats.After != 1 || m.Code.MaxLocals != 5 {
		t.Errorf("MaxLocals = %d, stats = %+v", code.MaxLocals, stats)
	}
}

func TestMixedWidthSlotIsLeftAlone(t *testing.T) {
	b := classfile.NewBuilder()
	b.Emit(classfile.OpLConst0)
	b.EmitLocal(classfile.OpLStore, 3)
	b.EmitInt(0)
	b.EmitLocal(classfile.OpIStore, 3)
	b.EmitLocal(classfile.OpILoad, 3)
	b.Emit(classfile.OpIReturn)
	c, m := newMethod(static, "()I", b.Code(2, 5))

	code, _ := optimize(t, VariableConfig{}, c, m)

	if code != m.Code {
		t.Error("slot used with two widths was renumbered")
	}
}
