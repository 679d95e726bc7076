package classfile

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Builder: helper for constructing method code
// ---------------------------------------------------------------------------

// Builder appends JVM instructions, choosing the short encodings, and
// resolves branch labels. Misuse such as marking a label twice or a forward
// branch that outgrows 16 bits panics, as it is a bug in the calling code.
type Builder struct {
	bytes []byte
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the constructed code.
func (b *Builder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length, which is the offset of the next
// instruction.
func (b *Builder) Len() int {
	return len(b.bytes)
}

// Code wraps the constructed bytes into a method body.
func (b *Builder) Code(maxStack, maxLocals int) *Code {
	return &Code{MaxStack: maxStack, MaxLocals: maxLocals, Bytes: b.bytes}
}

func (b *Builder) append(ins Instruction) {
	ins.Offset = len(b.bytes)
	out, err := appendInstruction(b.bytes, ins)
	if err != nil {
		panic(err)
	}
	b.bytes = out
}

// Emit appends an instruction without operands.
func (b *Builder) Emit(op Opcode) {
	b.append(Simple(op))
}

// EmitLocal appends a load, store or ret of slot.
func (b *Builder) EmitLocal(op Opcode, slot int) {
	b.append(Local(op, slot))
}

// EmitInt pushes an int constant with iconst, bipush or sipush. Values
// beyond 16 bits need a pool entry and EmitConst.
func (b *Builder) EmitInt(v int32) {
	switch {
	case v >= -1 && v <= 5:
		b.Emit(OpIConstM1 + Opcode(v+1))
	case v >= math.MinInt8 && v <= math.MaxInt8:
		b.append(Instruction{Op: OpBIPush, Operand: v})
	case v >= math.MinInt16 && v <= math.MaxInt16:
		b.append(Instruction{Op: OpSIPush, Operand: v})
	default:
		panic(fmt.Sprintf("int constant %d needs ldc", v))
	}
}

// EmitConst appends an instruction whose operand is a constant pool index:
// ldc, ldc2_w, field and method access, new, checkcast and friends.
func (b *Builder) EmitConst(op Opcode, index int) {
	op, _ = canonical(op)
	b.append(Instruction{Op: op, Index: index})
}

// EmitInvokeInterface appends invokeinterface with its argument count.
func (b *Builder) EmitInvokeInterface(index int, count int) {
	b.append(Instruction{Op: OpInvokeInterface, Index: index, Operand: int32(count)})
}

// EmitNewArray appends newarray for a primitive array type code.
func (b *Builder) EmitNewArray(atype int) {
	b.append(Instruction{Op: OpNewArray, Operand: int32(atype)})
}

// EmitMultiANewArray appends multianewarray.
func (b *Builder) EmitMultiANewArray(index int, dims int) {
	b.append(Instruction{Op: OpMultiANewArray, Index: index, Operand: int32(dims)})
}

// EmitIInc appends iinc slot by delta.
func (b *Builder) EmitIInc(slot int, delta int32) {
	b.append(Instruction{Op: OpIInc, Index: slot, Operand: delta})
}

// EmitInstruction appends a prebuilt instruction. Branch fields are taken
// as relative offsets.
func (b *Builder) EmitInstruction(ins Instruction) {
	b.append(ins)
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label is a branch target, possibly not yet placed.
type Label struct {
	resolved bool
	position int
	refs     []labelRef
}

// labelRef is an operand to patch once the label is placed: the offset
// field at patch, relative to the instruction starting at origin.
type labelRef struct {
	origin int
	patch  int
	wide   bool
}

// NewLabel creates an unresolved label.
func (b *Builder) NewLabel() *Label {
	return &Label{refs: make([]labelRef, 0, 2)}
}

// Position returns the offset of a resolved label.
func (l *Label) Position() int {
	return l.position
}

// Mark resolves a label to the current position.
func (b *Builder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	for _, ref := range label.refs {
		offset := label.position - ref.origin
		if ref.wide {
			binary.BigEndian.PutUint32(b.bytes[ref.patch:], uint32(int32(offset)))
			continue
		}
		if offset > math.MaxInt16 {
			panic(fmt.Sprintf("forward branch at %d exceeds 16 bits", ref.origin))
		}
		binary.BigEndian.PutUint16(b.bytes[ref.patch:], uint16(int16(offset)))
	}
	label.refs = nil
}

// EmitJump appends a branch or goto to label.
func (b *Builder) EmitJump(op Opcode, label *Label) {
	op, _ = canonical(op)
	start := len(b.bytes)
	if label.resolved {
		b.append(Instruction{Op: op, Branch: label.position - start})
		return
	}
	b.append(Instruction{Op: op})
	label.refs = append(label.refs, labelRef{origin: start, patch: start + 1})
}

// EmitTableSwitch appends a tableswitch over low, low+1, ... with one label
// per key.
func (b *Builder) EmitTableSwitch(low int32, dflt *Label, cases ...*Label) {
	start := len(b.bytes)
	b.append(Instruction{Op: OpTableSwitch, Switch: &Switch{Low: low, Targets: make([]int, len(cases))}})
	pos := start + 1 + switchPadding(start)
	b.patchOrRefer(dflt, start, pos)
	pos += 12
	for _, l := range cases {
		b.patchOrRefer(l, start, pos)
		pos += 4
	}
}

// EmitLookupSwitch appends a lookupswitch. keys must be sorted and paired
// with cases.
func (b *Builder) EmitLookupSwitch(keys []int32, dflt *Label, cases ...*Label) {
	if len(keys) != len(cases) {
		panic("lookupswitch keys and cases differ in length")
	}
	start := len(b.bytes)
	b.append(Instruction{Op: OpLookupSwitch, Switch: &Switch{Keys: keys, Targets: make([]int, len(cases))}})
	pos := start + 1 + switchPadding(start)
	b.patchOrRefer(dflt, start, pos)
	pos += 8
	for _, l := range cases {
		b.patchOrRefer(l, start, pos+4)
		pos += 8
	}
}

func (b *Builder) patchOrRefer(l *Label, origin, patch int) {
	if l.resolved {
		binary.BigEndian.PutUint32(b.bytes[patch:], uint32(int32(l.position-origin)))
		return
	}
	l.refs = append(l.refs, labelRef{origin: origin, patch: patch, wide: true})
}
