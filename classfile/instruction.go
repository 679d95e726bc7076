package classfile

import (
	"fmt"
	"strings"
)

// Instruction is one decoded operation at a byte offset. Short forms are
// canonicalised on decode: iload_2 becomes iload with Index 2, ldc_w becomes
// ldc, goto_w becomes goto, wide prefixes disappear. Instructions are values;
// the helpers below return modified copies.
type Instruction struct {
	Op     Opcode
	Offset int

	// Index is the variable slot for loads, stores, iinc and ret, or the
	// constant pool index for ldc, field, method and type operands.
	Index int

	// Operand is the immediate for bipush, sipush, iinc (increment),
	// newarray (array type), multianewarray (dimensions) and
	// invokeinterface (argument count).
	Operand int32

	// Branch is the target of a branch or goto, relative to Offset.
	Branch int

	// Switch holds the jump table of tableswitch and lookupswitch.
	Switch *Switch
}

// Switch is the jump table of a tableswitch or lookupswitch instruction.
// Offsets are relative to the switch instruction.
type Switch struct {
	Default int
	Low     int32   // tableswitch: key of Targets[0]
	Keys    []int32 // lookupswitch: key of each target, sorted
	Targets []int
}

// Key returns the match key of target i.
func (s *Switch) Key(i int) int32 {
	if s.Keys != nil {
		return s.Keys[i]
	}
	return s.Low + int32(i)
}

// Kind returns the instruction category.
func (ins Instruction) Kind() Kind {
	return ins.Op.Kind()
}

// Targets returns the absolute branch targets of the instruction: the branch
// target for branches and gotos, the default followed by the case targets for
// switches, nothing otherwise.
func (ins Instruction) Targets() []int {
	switch ins.Op.Kind() {
	case KindBranch, KindGoto:
		return []int{ins.Offset + ins.Branch}
	case KindSwitch:
		out := make([]int, 0, len(ins.Switch.Targets)+1)
		out = append(out, ins.Offset+ins.Switch.Default)
		for _, t := range ins.Switch.Targets {
			out = append(out, ins.Offset+t)
		}
		return out
	}
	return nil
}

// VariableIndex returns the variable slot referenced by a load, store, iinc
// or ret.
func (ins Instruction) VariableIndex() (int, bool) {
	switch ins.Op.Kind() {
	case KindLoad, KindStore, KindIncrement:
		return ins.Index, true
	}
	if ins.Op == OpRet {
		return ins.Index, true
	}
	return 0, false
}

// WithIndex returns a copy with a different variable or constant index.
func (ins Instruction) WithIndex(index int) Instruction {
	ins.Index = index
	return ins
}

// WithOffset returns a copy placed at a new offset. Branch fields stay
// relative, so the absolute targets move with it.
func (ins Instruction) WithOffset(offset int) Instruction {
	ins.Offset = offset
	return ins
}

// Size returns the encoded size of the instruction at its Offset.
func (ins Instruction) Size() int {
	return ins.sizeAt(ins.Offset, false)
}

func (ins Instruction) sizeAt(pos int, far bool) int {
	info := ins.Op.Info()
	switch info.Layout {
	case LayoutNone:
		return 1
	case LayoutLocal:
		if ins.Op == OpRet || ins.Op.Kind() == KindLoad || ins.Op.Kind() == KindStore {
			switch {
			case ins.Index <= 3 && ins.Op != OpRet:
				return 1
			case ins.Index <= 0xFF:
				return 2
			default:
				return 4
			}
		}
		return 2
	case LayoutByte, LayoutArrayType:
		return 2
	case LayoutShort:
		return 3
	case LayoutConst8, LayoutConst16:
		if ins.Op == OpLdc && ins.Index <= 0xFF {
			return 2
		}
		return 3
	case LayoutBranch16:
		if far {
			switch {
			case ins.Op == OpGoto:
				return 5
			case ins.Op.ConditionalBranch():
				return 8 // inverted branch over a goto_w
			}
		}
		return 3
	case LayoutBranch32:
		return 5
	case LayoutIInc:
		if ins.Index > 0xFF || ins.Operand < -128 || ins.Operand > 127 {
			return 6
		}
		return 3
	case LayoutInterface, LayoutDynamic:
		return 5
	case LayoutMultiArray:
		return 4
	case LayoutTableSwitch:
		return 1 + switchPadding(pos) + 12 + 4*len(ins.Switch.Targets)
	case LayoutLookupSwitch:
		return 1 + switchPadding(pos) + 8 + 8*len(ins.Switch.Targets)
	}
	return 1
}

// switchPadding returns the zero bytes between a switch opcode at pos and its
// 4-byte aligned operands.
func switchPadding(pos int) int {
	return (4 - (pos+1)%4) % 4
}

// String formats the instruction the way Disassemble prints it.
func (ins Instruction) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%04d  %s", ins.Offset, ins.Op)
	switch ins.Op.Info().Layout {
	case LayoutLocal:
		fmt.Fprintf(&sb, " %d", ins.Index)
	case LayoutByte, LayoutShort:
		fmt.Fprintf(&sb, " %d", ins.Operand)
	case LayoutConst8, LayoutConst16, LayoutDynamic:
		fmt.Fprintf(&sb, " #%d", ins.Index)
	case LayoutInterface:
		fmt.Fprintf(&sb, " #%d count=%d", ins.Index, ins.Operand)
	case LayoutMultiArray:
		fmt.Fprintf(&sb, " #%d dims=%d", ins.Index, ins.Operand)
	case LayoutArrayType:
		fmt.Fprintf(&sb, " type=%d", ins.Operand)
	case LayoutIInc:
		fmt.Fprintf(&sb, " %d %d", ins.Index, ins.Operand)
	case LayoutBranch16, LayoutBranch32:
		fmt.Fprintf(&sb, " %d (-> %04d)", ins.Branch, ins.Offset+ins.Branch)
	case LayoutTableSwitch, LayoutLookupSwitch:
		fmt.Fprintf(&sb, " default -> %04d", ins.Offset+ins.Switch.Default)
		for i, t := range ins.Switch.Targets {
			fmt.Fprintf(&sb, ", %d -> %04d", ins.Switch.Key(i), ins.Offset+t)
		}
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Instruction constructors
// ---------------------------------------------------------------------------

// Simple returns an operand-less instruction.
func Simple(op Opcode) Instruction {
	return Instruction{Op: op}
}

// Local returns a load, store or ret of the given slot.
func Local(op Opcode, slot int) Instruction {
	op, _ = canonical(op)
	return Instruction{Op: op, Index: slot}
}

// Pop returns the instruction discarding one value of the given size in
// stack cells.
func Pop(cells int) Instruction {
	if cells == 2 {
		return Simple(OpPop2)
	}
	return Simple(OpPop)
}
