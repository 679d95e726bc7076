package classfile

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is a single class-file bytecode operation.
type Opcode byte

// Constants
const (
	OpNop        Opcode = 0x00
	OpAConstNull Opcode = 0x01
	OpIConstM1   Opcode = 0x02
	OpIConst0    Opcode = 0x03
	OpIConst1    Opcode = 0x04
	OpIConst2    Opcode = 0x05
	OpIConst3    Opcode = 0x06
	OpIConst4    Opcode = 0x07
	OpIConst5    Opcode = 0x08
	OpLConst0    Opcode = 0x09
	OpLConst1    Opcode = 0x0A
	OpFConst0    Opcode = 0x0B
	OpFConst1    Opcode = 0x0C
	OpFConst2    Opcode = 0x0D
	OpDConst0    Opcode = 0x0E
	OpDConst1    Opcode = 0x0F
	OpBIPush     Opcode = 0x10
	OpSIPush     Opcode = 0x11
	OpLdc        Opcode = 0x12
	OpLdcW       Opcode = 0x13
	OpLdc2W      Opcode = 0x14
)

// Loads
const (
	OpILoad  Opcode = 0x15
	OpLLoad  Opcode = 0x16
	OpFLoad  Opcode = 0x17
	OpDLoad  Opcode = 0x18
	OpALoad  Opcode = 0x19
	OpILoad0 Opcode = 0x1A // iload_0 .. iload_3 follow
	OpLLoad0 Opcode = 0x1E
	OpFLoad0 Opcode = 0x22
	OpDLoad0 Opcode = 0x26
	OpALoad0 Opcode = 0x2A

	OpIALoad Opcode = 0x2E
	OpLALoad Opcode = 0x2F
	OpFALoad Opcode = 0x30
	OpDALoad Opcode = 0x31
	OpAALoad Opcode = 0x32
	OpBALoad Opcode = 0x33
	OpCALoad Opcode = 0x34
	OpSALoad Opcode = 0x35
)

// Stores
const (
	OpIStore  Opcode = 0x36
	OpLStore  Opcode = 0x37
	OpFStore  Opcode = 0x38
	OpDStore  Opcode = 0x39
	OpAStore  Opcode = 0x3A
	OpIStore0 Opcode = 0x3B // istore_0 .. istore_3 follow
	OpLStore0 Opcode = 0x3F
	OpFStore0 Opcode = 0x43
	OpDStore0 Opcode = 0x47
	OpAStore0 Opcode = 0x4B

	OpIAStore Opcode = 0x4F
	OpLAStore Opcode = 0x50
	OpFAStore Opcode = 0x51
	OpDAStore Opcode = 0x52
	OpAAStore Opcode = 0x53
	OpBAStore Opcode = 0x54
	OpCAStore Opcode = 0x55
	OpSAStore Opcode = 0x56
)

// Stack
const (
	OpPop    Opcode = 0x57
	OpPop2   Opcode = 0x58
	OpDup    Opcode = 0x59
	OpDupX1  Opcode = 0x5A
	OpDupX2  Opcode = 0x5B
	OpDup2   Opcode = 0x5C
	OpDup2X1 Opcode = 0x5D
	OpDup2X2 Opcode = 0x5E
	OpSwap   Opcode = 0x5F
)

// Arithmetic
const (
	OpIAdd  Opcode = 0x60
	OpLAdd  Opcode = 0x61
	OpFAdd  Opcode = 0x62
	OpDAdd  Opcode = 0x63
	OpISub  Opcode = 0x64
	OpLSub  Opcode = 0x65
	OpFSub  Opcode = 0x66
	OpDSub  Opcode = 0x67
	OpIMul  Opcode = 0x68
	OpLMul  Opcode = 0x69
	OpFMul  Opcode = 0x6A
	OpDMul  Opcode = 0x6B
	OpIDiv  Opcode = 0x6C
	OpLDiv  Opcode = 0x6D
	OpFDiv  Opcode = 0x6E
	OpDDiv  Opcode = 0x6F
	OpIRem  Opcode = 0x70
	OpLRem  Opcode = 0x71
	OpFRem  Opcode = 0x72
	OpDRem  Opcode = 0x73
	OpINeg  Opcode = 0x74
	OpLNeg  Opcode = 0x75
	OpFNeg  Opcode = 0x76
	OpDNeg  Opcode = 0x77
	OpIShl  Opcode = 0x78
	OpLShl  Opcode = 0x79
	OpIShr  Opcode = 0x7A
	OpLShr  Opcode = 0x7B
	OpIUShr Opcode = 0x7C
	OpLUShr Opcode = 0x7D
	OpIAnd  Opcode = 0x7E
	OpLAnd  Opcode = 0x7F
	OpIOr   Opcode = 0x80
	OpLOr   Opcode = 0x81
	OpIXor  Opcode = 0x82
	OpLXor  Opcode = 0x83
	OpIInc  Opcode = 0x84
)

// Conversions and comparisons
const (
	OpI2L   Opcode = 0x85
	OpI2F   Opcode = 0x86
	OpI2D   Opcode = 0x87
	OpL2I   Opcode = 0x88
	OpL2F   Opcode = 0x89
	OpL2D   Opcode = 0x8A
	OpF2I   Opcode = 0x8B
	OpF2L   Opcode = 0x8C
	OpF2D   Opcode = 0x8D
	OpD2I   Opcode = 0x8E
	OpD2L   Opcode = 0x8F
	OpD2F   Opcode = 0x90
	OpI2B   Opcode = 0x91
	OpI2C   Opcode = 0x92
	OpI2S   Opcode = 0x93
	OpLCmp  Opcode = 0x94
	OpFCmpL Opcode = 0x95
	OpFCmpG Opcode = 0x96
	OpDCmpL Opcode = 0x97
	OpDCmpG Opcode = 0x98
)

// Control flow
const (
	OpIfEq         Opcode = 0x99
	OpIfNe         Opcode = 0x9A
	OpIfLt         Opcode = 0x9B
	OpIfGe         Opcode = 0x9C
	OpIfGt         Opcode = 0x9D
	OpIfLe         Opcode = 0x9E
	OpIfICmpEq     Opcode = 0x9F
	OpIfICmpNe     Opcode = 0xA0
	OpIfICmpLt     Opcode = 0xA1
	OpIfICmpGe     Opcode = 0xA2
	OpIfICmpGt     Opcode = 0xA3
	OpIfICmpLe     Opcode = 0xA4
	OpIfACmpEq     Opcode = 0xA5
	OpIfACmpNe     Opcode = 0xA6
	OpGoto         Opcode = 0xA7
	OpJsr          Opcode = 0xA8
	OpRet          Opcode = 0xA9
	OpTableSwitch  Opcode = 0xAA
	OpLookupSwitch Opcode = 0xAB
	OpIReturn      Opcode = 0xAC
	OpLReturn      Opcode = 0xAD
	OpFReturn      Opcode = 0xAE
	OpDReturn      Opcode = 0xAF
	OpAReturn      Opcode = 0xB0
	OpReturn       Opcode = 0xB1
)

// References
const (
	OpGetStatic       Opcode = 0xB2
	OpPutStatic       Opcode = 0xB3
	OpGetField        Opcode = 0xB4
	OpPutField        Opcode = 0xB5
	OpInvokeVirtual   Opcode = 0xB6
	OpInvokeSpecial   Opcode = 0xB7
	OpInvokeStatic    Opcode = 0xB8
	OpInvokeInterface Opcode = 0xB9
	OpInvokeDynamic   Opcode = 0xBA
	OpNew             Opcode = 0xBB
	OpNewArray        Opcode = 0xBC
	OpANewArray       Opcode = 0xBD
	OpArrayLength     Opcode = 0xBE
	OpAThrow          Opcode = 0xBF
	OpCheckCast       Opcode = 0xC0
	OpInstanceOf      Opcode = 0xC1
	OpMonitorEnter    Opcode = 0xC2
	OpMonitorExit     Opcode = 0xC3
	OpWide            Opcode = 0xC4
	OpMultiANewArray  Opcode = 0xC5
	OpIfNull          Opcode = 0xC6
	OpIfNonNull       Opcode = 0xC7
	OpGotoW           Opcode = 0xC8
	OpJsrW            Opcode = 0xC9
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// Kind is the closed set of instruction categories. Analyses switch on Kind
// rather than on individual opcodes wherever the category is enough.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindNop
	KindConstant
	KindLoad
	KindStore
	KindIncrement
	KindArrayLoad
	KindArrayStore
	KindStack
	KindArithmetic
	KindConversion
	KindComparison
	KindBranch
	KindGoto
	KindSwitch
	KindReturn
	KindField
	KindInvoke
	KindObject
	KindThrow
	KindMonitor
	KindSubroutine
)

var kindNames = [...]string{
	KindInvalid:    "invalid",
	KindNop:        "nop",
	KindConstant:   "constant",
	KindLoad:       "load",
	KindStore:      "store",
	KindIncrement:  "increment",
	KindArrayLoad:  "array-load",
	KindArrayStore: "array-store",
	KindStack:      "stack",
	KindArithmetic: "arithmetic",
	KindConversion: "conversion",
	KindComparison: "comparison",
	KindBranch:     "branch",
	KindGoto:       "goto",
	KindSwitch:     "switch",
	KindReturn:     "return",
	KindField:      "field",
	KindInvoke:     "invoke",
	KindObject:     "object",
	KindThrow:      "throw",
	KindMonitor:    "monitor",
	KindSubroutine: "subroutine",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Layout describes how an opcode's operands are encoded.
type Layout uint8

const (
	LayoutNone         Layout = iota
	LayoutLocal               // u8 variable index (u16 under wide)
	LayoutByte                // s8 immediate
	LayoutShort               // s16 immediate
	LayoutConst8              // u8 constant pool index
	LayoutConst16             // u16 constant pool index
	LayoutBranch16            // s16 branch offset
	LayoutBranch32            // s32 branch offset
	LayoutIInc                // u8 index, s8 increment (u16, s16 under wide)
	LayoutInterface           // u16 index, u8 count, u8 zero
	LayoutDynamic             // u16 index, u16 zero
	LayoutArrayType           // u8 primitive array type
	LayoutMultiArray          // u16 index, u8 dimensions
	LayoutTableSwitch         // padded default, low, high, offsets
	LayoutLookupSwitch        // padded default, npairs, pairs
	LayoutWide                // prefix
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name   string
	Kind   Kind
	Layout Layout
}

var opcodeTable [256]OpcodeInfo

func def(op Opcode, name string, kind Kind, layout Layout) {
	opcodeTable[op] = OpcodeInfo{Name: name, Kind: kind, Layout: layout}
}

func init() {
	def(OpNop, "nop", KindNop, LayoutNone)
	def(OpAConstNull, "aconst_null", KindConstant, LayoutNone)
	for i, n := range []string{"iconst_m1", "iconst_0", "iconst_1", "iconst_2", "iconst_3", "iconst_4", "iconst_5"} {
		def(OpIConstM1+Opcode(i), n, KindConstant, LayoutNone)
	}
	def(OpLConst0, "lconst_0", KindConstant, LayoutNone)
	def(OpLConst1, "lconst_1", KindConstant, LayoutNone)
	def(OpFConst0, "fconst_0", KindConstant, LayoutNone)
	def(OpFConst1, "fconst_1", KindConstant, LayoutNone)
	def(OpFConst2, "fconst_2", KindConstant, LayoutNone)
	def(OpDConst0, "dconst_0", KindConstant, LayoutNone)
	def(OpDConst1, "dconst_1", KindConstant, LayoutNone)
	def(OpBIPush, "bipush", KindConstant, LayoutByte)
	def(OpSIPush, "sipush", KindConstant, LayoutShort)
	def(OpLdc, "ldc", KindConstant, LayoutConst8)
	def(OpLdcW, "ldc_w", KindConstant, LayoutConst16)
	def(OpLdc2W, "ldc2_w", KindConstant, LayoutConst16)

	prefixes := []string{"i", "l", "f", "d", "a"}
	for i, p := range prefixes {
		def(OpILoad+Opcode(i), p+"load", KindLoad, LayoutLocal)
		def(OpIStore+Opcode(i), p+"store", KindStore, LayoutLocal)
		for n := 0; n < 4; n++ {
			def(OpILoad0+Opcode(i*4+n), fmt.Sprintf("%sload_%d", p, n), KindLoad, LayoutNone)
			def(OpIStore0+Opcode(i*4+n), fmt.Sprintf("%sstore_%d", p, n), KindStore, LayoutNone)
		}
	}
	for i, p := range []string{"i", "l", "f", "d", "a", "b", "c", "s"} {
		def(OpIALoad+Opcode(i), p+"aload", KindArrayLoad, LayoutNone)
		def(OpIAStore+Opcode(i), p+"astore", KindArrayStore, LayoutNone)
	}

	def(OpPop, "pop", KindStack, LayoutNone)
	def(OpPop2, "pop2", KindStack, LayoutNone)
	def(OpDup, "dup", KindStack, LayoutNone)
	def(OpDupX1, "dup_x1", KindStack, LayoutNone)
	def(OpDupX2, "dup_x2", KindStack, LayoutNone)
	def(OpDup2, "dup2", KindStack, LayoutNone)
	def(OpDup2X1, "dup2_x1", KindStack, LayoutNone)
	def(OpDup2X2, "dup2_x2", KindStack, LayoutNone)
	def(OpSwap, "swap", KindStack, LayoutNone)

	arith := []string{"add", "sub", "mul", "div", "rem", "neg"}
	for i, a := range arith {
		for j, p := range prefixes[:4] {
			def(OpIAdd+Opcode(i*4+j), p+a, KindArithmetic, LayoutNone)
		}
	}
	for i, a := range []string{"shl", "shr", "ushr", "and", "or", "xor"} {
		def(OpIShl+Opcode(i*2), "i"+a, KindArithmetic, LayoutNone)
		def(OpIShl+Opcode(i*2+1), "l"+a, KindArithmetic, LayoutNone)
	}
	def(OpIInc, "iinc", KindIncrement, LayoutIInc)

	for i, n := range []string{"i2l", "i2f", "i2d", "l2i", "l2f", "l2d", "f2i", "f2l", "f2d", "d2i", "d2l", "d2f", "i2b", "i2c", "i2s"} {
		def(OpI2L+Opcode(i), n, KindConversion, LayoutNone)
	}
	for i, n := range []string{"lcmp", "fcmpl", "fcmpg", "dcmpl", "dcmpg"} {
		def(OpLCmp+Opcode(i), n, KindComparison, LayoutNone)
	}

	for i, n := range []string{"ifeq", "ifne", "iflt", "ifge", "ifgt", "ifle",
		"if_icmpeq", "if_icmpne", "if_icmplt", "if_icmpge", "if_icmpgt", "if_icmple",
		"if_acmpeq", "if_acmpne"} {
		def(OpIfEq+Opcode(i), n, KindBranch, LayoutBranch16)
	}
	def(OpIfNull, "ifnull", KindBranch, LayoutBranch16)
	def(OpIfNonNull, "ifnonnull", KindBranch, LayoutBranch16)
	def(OpGoto, "goto", KindGoto, LayoutBranch16)
	def(OpGotoW, "goto_w", KindGoto, LayoutBranch32)
	def(OpJsr, "jsr", KindSubroutine, LayoutBranch16)
	def(OpJsrW, "jsr_w", KindSubroutine, LayoutBranch32)
	def(OpRet, "ret", KindSubroutine, LayoutLocal)
	def(OpTableSwitch, "tableswitch", KindSwitch, LayoutTableSwitch)
	def(OpLookupSwitch, "lookupswitch", KindSwitch, LayoutLookupSwitch)

	for i, p := range prefixes {
		def(OpIReturn+Opcode(i), p+"return", KindReturn, LayoutNone)
	}
	def(OpReturn, "return", KindReturn, LayoutNone)

	def(OpGetStatic, "getstatic", KindField, LayoutConst16)
	def(OpPutStatic, "putstatic", KindField, LayoutConst16)
	def(OpGetField, "getfield", KindField, LayoutConst16)
	def(OpPutField, "putfield", KindField, LayoutConst16)
	def(OpInvokeVirtual, "invokevirtual", KindInvoke, LayoutConst16)
	def(OpInvokeSpecial, "invokespecial", KindInvoke, LayoutConst16)
	def(OpInvokeStatic, "invokestatic", KindInvoke, LayoutConst16)
	def(OpInvokeInterface, "invokeinterface", KindInvoke, LayoutInterface)
	def(OpInvokeDynamic, "invokedynamic", KindInvoke, LayoutDynamic)
	def(OpNew, "new", KindObject, LayoutConst16)
	def(OpNewArray, "newarray", KindObject, LayoutArrayType)
	def(OpANewArray, "anewarray", KindObject, LayoutConst16)
	def(OpArrayLength, "arraylength", KindObject, LayoutNone)
	def(OpAThrow, "athrow", KindThrow, LayoutNone)
	def(OpCheckCast, "checkcast", KindObject, LayoutConst16)
	def(OpInstanceOf, "instanceof", KindObject, LayoutConst16)
	def(OpMonitorEnter, "monitorenter", KindMonitor, LayoutNone)
	def(OpMonitorExit, "monitorexit", KindMonitor, LayoutNone)
	def(OpWide, "wide", KindInvalid, LayoutWide)
	def(OpMultiANewArray, "multianewarray", KindObject, LayoutMultiArray)
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	info := opcodeTable[op]
	if info.Name == "" {
		return OpcodeInfo{Name: fmt.Sprintf("unknown_%02x", byte(op)), Kind: KindInvalid}
	}
	return info
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	return opcodeTable[op].Name != ""
}

// Kind returns the instruction category of op.
func (op Opcode) Kind() Kind {
	return op.Info().Kind
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Info().Name
}

// canonical maps short forms onto the generic opcode with an implicit index.
// The second result is the implicit variable index, or -1.
func canonical(op Opcode) (Opcode, int) {
	switch {
	case op >= OpILoad0 && op < OpILoad0+20:
		n := int(op - OpILoad0)
		return OpILoad + Opcode(n/4), n % 4
	case op >= OpIStore0 && op < OpIStore0+20:
		n := int(op - OpIStore0)
		return OpIStore + Opcode(n/4), n % 4
	case op == OpLdcW:
		return OpLdc, -1
	case op == OpGotoW:
		return OpGoto, -1
	}
	return op, -1
}

// IsWideValue reports whether op moves a long or double value.
func (op Opcode) IsWideValue() bool {
	switch op {
	case OpLLoad, OpDLoad, OpLStore, OpDStore, OpLReturn, OpDReturn,
		OpLALoad, OpDALoad, OpLAStore, OpDAStore, OpLdc2W:
		return true
	}
	return false
}

// ConditionalBranch reports whether op is a two-way branch.
func (op Opcode) ConditionalBranch() bool {
	return op.Kind() == KindBranch
}

// Negated returns the conditional branch taken exactly when op is not.
func (op Opcode) Negated() Opcode {
	base := OpIfEq
	if op == OpIfNull || op == OpIfNonNull {
		base = OpIfNull
	}
	if (op-base)%2 == 0 {
		return op + 1
	}
	return op - 1
}

// EndsFlow reports whether control never falls through op to the next
// instruction.
func (op Opcode) EndsFlow() bool {
	switch op.Kind() {
	case KindGoto, KindSwitch, KindReturn, KindThrow:
		return true
	}
	return op == OpRet
}
