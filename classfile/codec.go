package classfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformed reports code that cannot be decoded or analysed.
var ErrMalformed = errors.New("malformed code")

// ErrBranchRange reports a conditional branch whose target no longer fits a
// 16-bit offset.
var ErrBranchRange = errors.New("branch offset out of range")

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Decode splits raw method code into instructions and checks that every
// branch target lands on an instruction boundary.
func Decode(code []byte) ([]Instruction, error) {
	var out []Instruction
	starts := make(map[int]bool)
	for pos := 0; pos < len(code); {
		ins, size, err := DecodeAt(code, pos)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
		starts[pos] = true
		pos += size
	}
	for _, ins := range out {
		for _, t := range ins.Targets() {
			if !starts[t] {
				return nil, fmt.Errorf("%w: %s at %d targets %d, not an instruction", ErrMalformed, ins.Op, ins.Offset, t)
			}
		}
	}
	return out, nil
}

// DecodeAt decodes the instruction starting at pos and returns it with its
// encoded size.
func DecodeAt(code []byte, pos int) (Instruction, int, error) {
	r := &reader{code: code, pos: pos}
	op := Opcode(r.u8())
	if !op.Valid() {
		return Instruction{}, 0, fmt.Errorf("%w: unknown opcode 0x%02x at %d", ErrMalformed, byte(op), pos)
	}

	wide := false
	if op == OpWide {
		wide = true
		op = Opcode(r.u8())
		switch op.Kind() {
		case KindLoad, KindStore, KindIncrement:
		default:
			if op != OpRet {
				return Instruction{}, 0, fmt.Errorf("%w: wide %s at %d", ErrMalformed, op, pos)
			}
		}
	}

	canon, implicit := canonical(op)
	ins := Instruction{Op: canon, Offset: pos}
	if implicit >= 0 {
		ins.Index = implicit
	}

	switch op.Info().Layout {
	case LayoutNone:
	case LayoutLocal:
		if wide {
			ins.Index = int(r.u16())
		} else {
			ins.Index = int(r.u8())
		}
	case LayoutByte:
		ins.Operand = int32(int8(r.u8()))
	case LayoutShort:
		ins.Operand = int32(int16(r.u16()))
	case LayoutConst8:
		ins.Index = int(r.u8())
	case LayoutConst16:
		ins.Index = int(r.u16())
	case LayoutBranch16:
		ins.Branch = int(int16(r.u16()))
	case LayoutBranch32:
		ins.Branch = int(int32(r.u32()))
	case LayoutIInc:
		if wide {
			ins.Index = int(r.u16())
			ins.Operand = int32(int16(r.u16()))
		} else {
			ins.Index = int(r.u8())
			ins.Operand = int32(int8(r.u8()))
		}
	case LayoutInterface:
		ins.Index = int(r.u16())
		ins.Operand = int32(r.u8())
		r.u8()
	case LayoutDynamic:
		ins.Index = int(r.u16())
		r.u16()
	case LayoutArrayType:
		ins.Operand = int32(r.u8())
	case LayoutMultiArray:
		ins.Index = int(r.u16())
		ins.Operand = int32(r.u8())
	case LayoutTableSwitch:
		r.pos += switchPadding(pos)
		sw := &Switch{Default: int(int32(r.u32()))}
		sw.Low = int32(r.u32())
		high := int32(r.u32())
		if high < sw.Low || int64(high)-int64(sw.Low) > int64(len(code)) {
			return Instruction{}, 0, fmt.Errorf("%w: tableswitch bounds %d..%d at %d", ErrMalformed, sw.Low, high, pos)
		}
		for k := sw.Low; ; k++ {
			sw.Targets = append(sw.Targets, int(int32(r.u32())))
			if k == high || r.err != nil {
				break
			}
		}
		ins.Switch = sw
	case LayoutLookupSwitch:
		r.pos += switchPadding(pos)
		sw := &Switch{Default: int(int32(r.u32()))}
		n := int32(r.u32())
		if n < 0 || int(n) > len(code) {
			return Instruction{}, 0, fmt.Errorf("%w: lookupswitch pair count %d at %d", ErrMalformed, n, pos)
		}
		sw.Keys = make([]int32, 0, n)
		for i := int32(0); i < n && r.err == nil; i++ {
			sw.Keys = append(sw.Keys, int32(r.u32()))
			sw.Targets = append(sw.Targets, int(int32(r.u32())))
		}
		ins.Switch = sw
	}

	if r.err != nil {
		return Instruction{}, 0, fmt.Errorf("%w: truncated %s at %d", ErrMalformed, op, pos)
	}
	return ins, r.pos - pos, nil
}

type reader struct {
	code []byte
	pos  int
	err  error
}

func (r *reader) need(n int) bool {
	if r.err != nil || r.pos+n > len(r.code) {
		r.err = ErrMalformed
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	b := r.code[r.pos]
	r.pos++
	return b
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.code[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.code[r.pos:])
	r.pos += 4
	return v
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Encode serialises instructions whose Offset fields are already laid out
// back to back and whose branch fields are relative to those offsets.
func Encode(ins []Instruction) ([]byte, error) {
	buf := make([]byte, 0, len(ins)*2)
	for _, in := range ins {
		if in.Offset != len(buf) {
			return nil, fmt.Errorf("%w: %s placed at %d, expected %d", ErrMalformed, in.Op, in.Offset, len(buf))
		}
		var err error
		buf, err = appendInstruction(buf, in)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// Assemble lays out ins from offset zero and encodes them. jumps[i] lists the
// indices into ins that instruction i branches to: one entry for branches and
// gotos, default followed by cases for switches. Gotos are widened to goto_w
// when their distance needs it; a conditional branch that cannot reach its
// target becomes the negated branch over a goto_w. The returned offsets are
// indexed like ins.
func Assemble(ins []Instruction, jumps [][]int) ([]byte, []int, error) {
	far := make([]bool, len(ins))
	offsets := make([]int, len(ins)+1)
	for {
		pos := 0
		for i, in := range ins {
			offsets[i] = pos
			pos += in.sizeAt(pos, far[i])
		}
		offsets[len(ins)] = pos

		grown := false
		for i, in := range ins {
			if (in.Op != OpGoto && !in.Op.ConditionalBranch()) || far[i] || len(jumps[i]) == 0 {
				continue
			}
			d := offsets[jumps[i][0]] - offsets[i]
			if d < math.MinInt16 || d > math.MaxInt16 {
				far[i] = true
				grown = true
			}
		}
		if !grown {
			break
		}
	}

	buf := make([]byte, 0, offsets[len(ins)])
	for i, in := range ins {
		in.Offset = offsets[i]
		j := jumps[i]
		switch in.Op.Kind() {
		case KindBranch, KindGoto:
			if len(j) != 1 {
				return nil, nil, fmt.Errorf("%w: %s at index %d needs one target", ErrMalformed, in.Op, i)
			}
			in.Branch = offsets[j[0]] - in.Offset
		case KindSwitch:
			if len(j) != len(in.Switch.Targets)+1 {
				return nil, nil, fmt.Errorf("%w: %s at index %d has %d targets", ErrMalformed, in.Op, i, len(j))
			}
			sw := &Switch{Low: in.Switch.Low, Keys: in.Switch.Keys, Default: offsets[j[0]] - in.Offset}
			sw.Targets = make([]int, len(in.Switch.Targets))
			for k := range sw.Targets {
				sw.Targets[k] = offsets[j[k+1]] - in.Offset
			}
			in.Switch = sw
		}
		var err error
		if far[i] {
			if in.Op.ConditionalBranch() {
				buf = append(buf, byte(in.Op.Negated()))
				buf = binary.BigEndian.AppendUint16(buf, 8)
				in.Branch -= 3
			}
			buf = append(buf, byte(OpGotoW))
			buf = binary.BigEndian.AppendUint32(buf, uint32(int32(in.Branch)))
			continue
		}
		buf, err = appendInstruction(buf, in)
		if err != nil {
			return nil, nil, err
		}
	}
	return buf, offsets, nil
}

func appendInstruction(buf []byte, in Instruction) ([]byte, error) {
	op := in.Op
	switch op.Info().Layout {
	case LayoutNone:
		return append(buf, byte(op)), nil

	case LayoutLocal:
		if op != OpRet && in.Index <= 3 {
			switch op.Kind() {
			case KindLoad:
				return append(buf, byte(OpILoad0+Opcode(int(op-OpILoad)*4+in.Index))), nil
			case KindStore:
				return append(buf, byte(OpIStore0+Opcode(int(op-OpIStore)*4+in.Index))), nil
			}
		}
		if in.Index > 0xFFFF || in.Index < 0 {
			return nil, fmt.Errorf("%w: variable index %d", ErrMalformed, in.Index)
		}
		if in.Index > 0xFF {
			buf = append(buf, byte(OpWide), byte(op))
			return binary.BigEndian.AppendUint16(buf, uint16(in.Index)), nil
		}
		return append(buf, byte(op), byte(in.Index)), nil

	case LayoutByte, LayoutArrayType:
		return append(buf, byte(op), byte(in.Operand)), nil

	case LayoutShort:
		buf = append(buf, byte(op))
		return binary.BigEndian.AppendUint16(buf, uint16(int16(in.Operand))), nil

	case LayoutConst8, LayoutConst16:
		if op == OpLdc && in.Index <= 0xFF {
			return append(buf, byte(OpLdc), byte(in.Index)), nil
		}
		if op == OpLdc {
			op = OpLdcW
		}
		buf = append(buf, byte(op))
		return binary.BigEndian.AppendUint16(buf, uint16(in.Index)), nil

	case LayoutBranch16:
		if in.Branch < math.MinInt16 || in.Branch > math.MaxInt16 {
			if op == OpGoto {
				buf = append(buf, byte(OpGotoW))
				return binary.BigEndian.AppendUint32(buf, uint32(int32(in.Branch))), nil
			}
			return nil, fmt.Errorf("%w: %s at %d by %d", ErrBranchRange, op, in.Offset, in.Branch)
		}
		buf = append(buf, byte(op))
		return binary.BigEndian.AppendUint16(buf, uint16(int16(in.Branch))), nil

	case LayoutBranch32:
		buf = append(buf, byte(op))
		return binary.BigEndian.AppendUint32(buf, uint32(int32(in.Branch))), nil

	case LayoutIInc:
		if in.Index > 0xFF || in.Operand < -128 || in.Operand > 127 {
			buf = append(buf, byte(OpWide), byte(op))
			buf = binary.BigEndian.AppendUint16(buf, uint16(in.Index))
			return binary.BigEndian.AppendUint16(buf, uint16(int16(in.Operand))), nil
		}
		return append(buf, byte(op), byte(in.Index), byte(int8(in.Operand))), nil

	case LayoutInterface:
		buf = append(buf, byte(op))
		buf = binary.BigEndian.AppendUint16(buf, uint16(in.Index))
		return append(buf, byte(in.Operand), 0), nil

	case LayoutDynamic:
		buf = append(buf, byte(op))
		buf = binary.BigEndian.AppendUint16(buf, uint16(in.Index))
		return append(buf, 0, 0), nil

	case LayoutMultiArray:
		buf = append(buf, byte(op))
		buf = binary.BigEndian.AppendUint16(buf, uint16(in.Index))
		return append(buf, byte(in.Operand)), nil

	case LayoutTableSwitch, LayoutLookupSwitch:
		pos := len(buf)
		buf = append(buf, byte(op))
		for i := 0; i < switchPadding(pos); i++ {
			buf = append(buf, 0)
		}
		sw := in.Switch
		buf = binary.BigEndian.AppendUint32(buf, uint32(int32(sw.Default)))
		if op == OpTableSwitch {
			buf = binary.BigEndian.AppendUint32(buf, uint32(sw.Low))
			buf = binary.BigEndian.AppendUint32(buf, uint32(sw.Low+int32(len(sw.Targets))-1))
			for _, t := range sw.Targets {
				buf = binary.BigEndian.AppendUint32(buf, uint32(int32(t)))
			}
			return buf, nil
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(sw.Targets)))
		for i, t := range sw.Targets {
			buf = binary.BigEndian.AppendUint32(buf, uint32(sw.Keys[i]))
			buf = binary.BigEndian.AppendUint32(buf, uint32(int32(t)))
		}
		return buf, nil
	}
	return nil, fmt.Errorf("%w: cannot encode %s", ErrMalformed, op)
}
