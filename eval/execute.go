package eval

import (
	"strings"

	"github.com/chazu/pare/classfile"
	"github.com/chazu/pare/value"
)

// typeCategories maps the i, l, f, d, a opcode families to categories.
var typeCategories = [...]value.Category{
	value.CategoryInt,
	value.CategoryLong,
	value.CategoryFloat,
	value.CategoryDouble,
	value.CategoryReference,
}

// machine executes one instruction on a copy of its state before.
type machine struct {
	r   *run
	ins classfile.Instruction
	f   Frame

	pops   int
	pushes int
	throws Throws
	effect bool
	next   bool
	jumps  []int
	self   Producers
	err    error
}

func (x *machine) fail(format string, args ...any) {
	if x.err == nil {
		x.err = malformed(x.r.name, x.ins.Offset, format, args...)
	}
}

func (x *machine) produced() Producers {
	if x.self == nil {
		x.self = ProducedBy(x.ins.Offset)
	}
	return x.self
}

// ---------------------------------------------------------------------------
// Stack and variable access
// ---------------------------------------------------------------------------

func (x *machine) popCell() Entry {
	n := len(x.f.Stack)
	if n == 0 {
		x.fail("stack underflow")
		return Entry{Value: value.Top()}
	}
	e := x.f.Stack[n-1]
	x.f.Stack = x.f.Stack[:n-1]
	x.pops++
	return e
}

// pop removes a value of category c: one cell, two for long and double.
func (x *machine) pop(c value.Category) value.Value {
	if c == value.CategoryLong || c == value.CategoryDouble {
		x.popCell()
	}
	return x.popCell().Value
}

func (x *machine) pushCell(v value.Value) {
	x.f.Stack = append(x.f.Stack, Entry{Value: v, Producers: x.produced()})
	x.pushes++
}

func (x *machine) push(v value.Value) {
	x.pushCell(v)
	if v.Size() == 2 {
		x.pushCell(value.Top())
	}
}

func (x *machine) checkSlot(slot, size int) bool {
	if slot < 0 || slot+size > len(x.f.Vars) {
		x.fail("variable %d out of range (max locals %d)", slot, len(x.f.Vars))
		return false
	}
	return true
}

func (x *machine) pool() *classfile.Pool {
	if x.r.class.Pool == nil {
		x.fail("class %s has no constant pool", x.r.class.Name)
	}
	return x.r.class.Pool
}

// resolves reports whether the class path knows name. Array types resolve
// when their element type does.
func (x *machine) resolves(name string) bool {
	cp := x.r.e.cfg.ClassPath
	if cp == nil || name == "" || name == x.r.class.Name {
		return true
	}
	if strings.HasPrefix(name, "[") {
		elem := strings.TrimLeft(name, "[")
		if !strings.HasPrefix(elem, "L") {
			return true
		}
		name = classfile.ClassOf(elem)
	}
	if _, ok := cp.Lookup(name); ok {
		return true
	}
	log.Debugf("%s at %d: unresolved class %s", x.r.name, x.ins.Offset, name)
	return false
}

// nullCheck returns the throw state of an access through ref: always for
// null, otherwise when ref is known not to be null, maybe else.
func nullCheck(ref value.Value, otherwise Throws) Throws {
	switch {
	case ref.IsNull():
		return ThrowsAlways
	case ref.IsNotNull():
		return otherwise
	}
	return ThrowsMaybe
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

func (x *machine) execute() {
	op := x.ins.Op
	switch op.Kind() {
	case classfile.KindNop:
	case classfile.KindConstant:
		x.constant()
	case classfile.KindLoad:
		x.load()
	case classfile.KindStore:
		x.store()
	case classfile.KindIncrement:
		x.increment()
	case classfile.KindArrayLoad:
		x.arrayLoad()
	case classfile.KindArrayStore:
		x.arrayStore()
	case classfile.KindStack:
		x.stack()
	case classfile.KindArithmetic:
		x.arithmetic()
	case classfile.KindConversion:
		conv := value.Conversion(op - classfile.OpI2L)
		x.push(value.Convert(conv, x.pop(conv.From())))
	case classfile.KindComparison:
		x.comparison()
	case classfile.KindBranch:
		x.branch()
	case classfile.KindGoto:
		x.next = false
		x.jumps = x.ins.Targets()
	case classfile.KindSwitch:
		x.lookup()
	case classfile.KindReturn:
		x.ret()
	case classfile.KindField:
		x.field()
	case classfile.KindInvoke:
		x.invoke()
	case classfile.KindObject:
		x.object()
	case classfile.KindThrow:
		x.pop(value.CategoryReference)
		x.throws = ThrowsAlways
		x.effect = true
		x.next = false
	case classfile.KindMonitor:
		ref := x.pop(value.CategoryReference)
		x.effect = true
		if op == classfile.OpMonitorEnter {
			x.throws = nullCheck(ref, ThrowsNever)
		} else {
			x.throws = nullCheck(ref, ThrowsMaybe)
		}
	default:
		x.fail("unsupported instruction %s", op)
	}
}

// ---------------------------------------------------------------------------
// Constants, variables, stack
// ---------------------------------------------------------------------------

func (x *machine) constant() {
	op := x.ins.Op
	switch {
	case op == classfile.OpAConstNull:
		x.push(value.Null())
	case op >= classfile.OpIConstM1 && op <= classfile.OpIConst5:
		x.push(value.Int(int32(op) - int32(classfile.OpIConst0)))
	case op == classfile.OpLConst0 || op == classfile.OpLConst1:
		x.push(value.Long(int64(op - classfile.OpLConst0)))
	case op >= classfile.OpFConst0 && op <= classfile.OpFConst2:
		x.push(value.Float(float32(op - classfile.OpFConst0)))
	case op == classfile.OpDConst0 || op == classfile.OpDConst1:
		x.push(value.Double(float64(op - classfile.OpDConst0)))
	case op == classfile.OpBIPush || op == classfile.OpSIPush:
		x.push(value.Int(x.ins.Operand))
	default:
		x.ldc()
	}
}

func (x *machine) ldc() {
	pool := x.pool()
	if pool == nil {
		return
	}
	c, ok := pool.Get(x.ins.Index)
	if !ok {
		x.fail("constant #%d out of range", x.ins.Index)
		return
	}
	var v value.Value
	switch k := c.(type) {
	case classfile.IntegerConstant:
		v = value.Int(k.Value)
	case classfile.FloatConstant:
		v = value.Float(k.Value)
	case classfile.LongConstant:
		v = value.Long(k.Value)
	case classfile.DoubleConstant:
		v = value.Double(k.Value)
	case classfile.StringConstant:
		v = value.Reference([]string{"java/lang/String"}, value.NotNull, true)
	case classfile.ClassConstant:
		v = value.Reference([]string{"java/lang/Class"}, value.NotNull, true)
	default:
		x.fail("%s cannot load %s", x.ins.Op, c)
		return
	}
	if (v.Size() == 2) != x.ins.Op.IsWideValue() {
		x.fail("%s cannot load %s", x.ins.Op, c)
		return
	}
	x.push(v)
}

func (x *machine) load() {
	c := typeCategories[x.ins.Op-classfile.OpILoad]
	size := value.UnknownOf(c).Size()
	if !x.checkSlot(x.ins.Index, size) {
		return
	}
	v := x.f.Vars[x.ins.Index].Value
	if v.Category() != c {
		v = value.UnknownOf(c)
	}
	x.push(v)
}

func (x *machine) setVariable(slot int, v value.Value) {
	self := x.produced()
	if slot > 0 && x.f.Vars[slot-1].Value.Size() == 2 {
		x.f.Vars[slot-1] = Entry{Value: value.Top(), Producers: self}
	}
	x.f.Vars[slot] = Entry{Value: v, Producers: self}
	if v.Size() == 2 {
		x.f.Vars[slot+1] = Entry{Value: value.Top(), Producers: self}
	}
}

func (x *machine) store() {
	c := typeCategories[x.ins.Op-classfile.OpIStore]
	v := x.pop(c)
	if !x.checkSlot(x.ins.Index, value.UnknownOf(c).Size()) {
		return
	}
	if v.Category() != c {
		v = value.UnknownOf(c)
	}
	x.setVariable(x.ins.Index, v)
}

func (x *machine) increment() {
	if !x.checkSlot(x.ins.Index, 1) {
		return
	}
	old := x.f.Vars[x.ins.Index].Value
	v, _ := value.Binary(value.Add, value.CategoryInt, old, value.Int(x.ins.Operand))
	x.setVariable(x.ins.Index, v)
}

// stack implements the untyped stack manipulations cell by cell.
func (x *machine) stack() {
	cell := func() value.Value { return x.popCell().Value }
	switch x.ins.Op {
	case classfile.OpPop:
		cell()
	case classfile.OpPop2:
		cell()
		cell()
	case classfile.OpDup:
		a := cell()
		x.pushCells(a, a)
	case classfile.OpDupX1:
		a, b := cell(), cell()
		x.pushCells(a, b, a)
	case classfile.OpDupX2:
		a, b, c := cell(), cell(), cell()
		x.pushCells(a, c, b, a)
	case classfile.OpDup2:
		a, b := cell(), cell()
		x.pushCells(b, a, b, a)
	case classfile.OpDup2X1:
		a, b, c := cell(), cell(), cell()
		x.pushCells(b, a, c, b, a)
	case classfile.OpDup2X2:
		a, b, c, d := cell(), cell(), cell(), cell()
		x.pushCells(b, a, d, c, b, a)
	case classfile.OpSwap:
		a, b := cell(), cell()
		x.pushCells(a, b)
	}
}

func (x *machine) pushCells(vs ...value.Value) {
	for _, v := range vs {
		x.pushCell(v)
	}
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func (x *machine) arithmetic() {
	op := x.ins.Op
	switch {
	case op >= classfile.OpIAdd && op < classfile.OpINeg:
		n := int(op - classfile.OpIAdd)
		operator := value.Operator(n / 4)
		c := typeCategories[n%4]
		b := x.pop(c)
		a := x.pop(c)
		v, zero := value.Binary(operator, c, a, b)
		if (operator == value.Div || operator == value.Rem) &&
			(c == value.CategoryInt || c == value.CategoryLong) {
			switch {
			case zero:
				x.throws = ThrowsAlways
				return
			case value.IsZero(b) != value.Never:
				x.throws = ThrowsMaybe
			}
		}
		x.push(v)
	case op >= classfile.OpINeg && op <= classfile.OpDNeg:
		c := typeCategories[op-classfile.OpINeg]
		x.push(value.Negate(c, x.pop(c)))
	default:
		n := int(op - classfile.OpIShl)
		operator := value.Shl + value.Operator(n/2)
		c := typeCategories[n%2]
		var b value.Value
		if operator <= value.UShr {
			b = x.pop(value.CategoryInt)
		} else {
			b = x.pop(c)
		}
		a := x.pop(c)
		v, _ := value.Binary(operator, c, a, b)
		x.push(v)
	}
}

func (x *machine) comparison() {
	var c value.Category
	nanGreater := false
	switch x.ins.Op {
	case classfile.OpLCmp:
		c = value.CategoryLong
	case classfile.OpFCmpL, classfile.OpFCmpG:
		c = value.CategoryFloat
		nanGreater = x.ins.Op == classfile.OpFCmpG
	default:
		c = value.CategoryDouble
		nanGreater = x.ins.Op == classfile.OpDCmpG
	}
	b := x.pop(c)
	a := x.pop(c)
	x.push(value.Compare(c, a, b, nanGreater))
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func (x *machine) branch() {
	op := x.ins.Op
	var d value.Decision
	switch {
	case op >= classfile.OpIfEq && op <= classfile.OpIfLe:
		v := x.pop(value.CategoryInt)
		d = value.CompareInts(value.Condition(op-classfile.OpIfEq), v, value.Int(0))
	case op >= classfile.OpIfICmpEq && op <= classfile.OpIfICmpLe:
		b := x.pop(value.CategoryInt)
		a := x.pop(value.CategoryInt)
		d = value.CompareInts(value.Condition(op-classfile.OpIfICmpEq), a, b)
	case op == classfile.OpIfACmpEq || op == classfile.OpIfACmpNe:
		b := x.pop(value.CategoryReference)
		a := x.pop(value.CategoryReference)
		d = value.SameReference(a, b)
		if op == classfile.OpIfACmpNe {
			d = d.Not()
		}
	default:
		d = value.IsNullDecision(x.pop(value.CategoryReference))
		if op == classfile.OpIfNonNull {
			d = d.Not()
		}
	}
	target := x.ins.Offset + x.ins.Branch
	switch d {
	case value.Always:
		x.next = false
		x.jumps = []int{target}
	case value.Never:
	default:
		x.jumps = []int{target}
	}
}

// lookup evaluates a tableswitch or lookupswitch. A particular key selects
// exactly one target.
func (x *machine) lookup() {
	key := x.pop(value.CategoryInt)
	sw := x.ins.Switch
	x.next = false
	if k, ok := key.IntValue(); ok {
		for i, t := range sw.Targets {
			if sw.Key(i) == k {
				x.jumps = []int{x.ins.Offset + t}
				return
			}
		}
		x.jumps = []int{x.ins.Offset + sw.Default}
		return
	}
	for _, t := range x.ins.Targets() {
		if !containsInt(x.jumps, t) {
			x.jumps = append(x.jumps, t)
		}
	}
}

func (x *machine) ret() {
	x.next = false
	x.effect = true
	if x.ins.Op == classfile.OpReturn {
		return
	}
	v := x.pop(typeCategories[x.ins.Op-classfile.OpIReturn])
	ref := x.r.method.Ref(x.r.class.Name)
	x.r.e.cfg.Unit.SetMethodReturnValue(x.r.ctx, ref, v)
}

// ---------------------------------------------------------------------------
// Fields and invocations
// ---------------------------------------------------------------------------

// descriptorValue returns v when it has the category of desc, and the
// descriptor-derived value otherwise.
func descriptorValue(v value.Value, desc string) value.Value {
	declared := value.FromDescriptor(desc)
	if v.Category() != declared.Category() {
		return declared
	}
	return v
}

func (x *machine) field() {
	pool := x.pool()
	if pool == nil {
		return
	}
	ref, err := pool.Field(x.ins.Index)
	if err != nil {
		x.err = &AnalysisError{Method: x.r.name, Offset: x.ins.Offset, Reason: "field reference", Err: err}
		return
	}
	c := value.FromDescriptor(ref.Descriptor).Category()
	resolved := x.resolves(ref.Class)
	if resolved {
		// Values are keyed by the declaring class.
		ref, _ = classfile.ResolveField(x.r.e.cfg.ClassPath, ref)
	}
	unit := x.r.e.cfg.Unit
	ctx := x.r.ctx

	read := func() value.Value {
		if !resolved {
			return value.UnknownOf(c)
		}
		return descriptorValue(unit.FieldValue(ctx, ref), ref.Descriptor)
	}

	switch x.ins.Op {
	case classfile.OpGetStatic:
		x.push(read())
	case classfile.OpPutStatic:
		v := x.pop(c)
		x.effect = true
		if resolved {
			unit.SetFieldValue(ctx, ref, v)
		}
	case classfile.OpGetField:
		recv := x.pop(value.CategoryReference)
		x.throws = nullCheck(recv, ThrowsNever)
		if x.throws == ThrowsAlways {
			return
		}
		if resolved {
			unit.SetFieldClassValue(ctx, ref, recv)
		}
		x.push(read())
	case classfile.OpPutField:
		v := x.pop(c)
		recv := x.pop(value.CategoryReference)
		x.effect = true
		x.throws = nullCheck(recv, ThrowsNever)
		if x.throws == ThrowsAlways {
			return
		}
		if resolved {
			unit.SetFieldValue(ctx, ref, v)
			unit.SetFieldClassValue(ctx, ref, recv)
		}
	}
}

func (x *machine) invoke() {
	pool := x.pool()
	if pool == nil {
		return
	}
	op := x.ins.Op
	ref, err := pool.Method(x.ins.Index)
	if err != nil {
		x.err = &AnalysisError{Method: x.r.name, Offset: x.ins.Offset, Reason: "method reference", Err: err}
		return
	}
	params, ret, err := classfile.ParseMethodDescriptor(ref.Descriptor)
	if err != nil {
		x.err = &AnalysisError{Method: x.r.name, Offset: x.ins.Offset, Reason: "method descriptor", Err: err}
		return
	}

	args := make([]value.Value, len(params))
	for i := len(params) - 1; i >= 0; i-- {
		args[i] = x.pop(value.FromDescriptor(params[i]).Category())
	}
	x.throws = ThrowsMaybe
	if op != classfile.OpInvokeStatic && op != classfile.OpInvokeDynamic {
		recv := x.pop(value.CategoryReference)
		x.throws = nullCheck(recv, ThrowsMaybe)
		if x.throws == ThrowsAlways {
			return
		}
	}
	x.effect = x.r.e.cfg.Pure == nil || !x.r.e.cfg.Pure(ref)

	// Call sites of invokedynamic have no owner to key values on.
	tracked := op != classfile.OpInvokeDynamic
	resolved := x.resolves(ref.Class)
	if tracked && resolved {
		ref, _ = classfile.ResolveMethod(x.r.e.cfg.ClassPath, ref)
	}
	unit := x.r.e.cfg.Unit
	if tracked && resolved {
		for i, a := range args {
			unit.SetMethodParameterValue(x.r.ctx, ref, i, a)
		}
	}
	if ret == "V" {
		return
	}
	switch {
	case !resolved:
		x.push(value.UnknownOf(value.FromDescriptor(ret).Category()))
	case !tracked:
		x.push(value.FromDescriptor(ret))
	default:
		x.push(descriptorValue(unit.MethodReturnValue(x.r.ctx, ref), ret))
	}
}

// ---------------------------------------------------------------------------
// Objects and arrays
// ---------------------------------------------------------------------------

var primitiveArrays = map[int32]string{
	4: "[Z", 5: "[C", 6: "[F", 7: "[D", 8: "[B", 9: "[S", 10: "[I", 11: "[J",
}

func arrayOf(name string) string {
	if strings.HasPrefix(name, "[") {
		return "[" + name
	}
	return "[L" + name + ";"
}

// countThrows is the throw state of an allocation with element count n.
func countThrows(n value.Value) Throws {
	if k, ok := n.IntValue(); ok {
		if k < 0 {
			return ThrowsAlways
		}
		return ThrowsNever
	}
	return ThrowsMaybe
}

func (x *machine) className() (string, bool) {
	pool := x.pool()
	if pool == nil {
		return "", false
	}
	name, err := pool.ClassName(x.ins.Index)
	if err != nil {
		x.err = &AnalysisError{Method: x.r.name, Offset: x.ins.Offset, Reason: "class reference", Err: err}
		return "", false
	}
	return name, true
}

func (x *machine) object() {
	switch x.ins.Op {
	case classfile.OpNew:
		if name, ok := x.className(); ok {
			x.push(value.Reference([]string{name}, value.NotNull, true))
		}
	case classfile.OpNewArray:
		desc, ok := primitiveArrays[x.ins.Operand]
		if !ok {
			x.fail("newarray of unknown type %d", x.ins.Operand)
			return
		}
		x.throws = countThrows(x.pop(value.CategoryInt))
		x.push(value.Reference([]string{desc}, value.NotNull, true))
	case classfile.OpANewArray:
		name, ok := x.className()
		if !ok {
			return
		}
		x.throws = countThrows(x.pop(value.CategoryInt))
		x.push(value.Reference([]string{arrayOf(name)}, value.NotNull, true))
	case classfile.OpMultiANewArray:
		name, ok := x.className()
		if !ok {
			return
		}
		if x.ins.Operand < 1 {
			x.fail("multianewarray with %d dimensions", x.ins.Operand)
			return
		}
		for i := int32(0); i < x.ins.Operand; i++ {
			x.throws = max(x.throws, countThrows(x.pop(value.CategoryInt)))
		}
		x.push(value.Reference([]string{name}, value.NotNull, true))
	case classfile.OpArrayLength:
		x.throws = nullCheck(x.pop(value.CategoryReference), ThrowsNever)
		x.push(value.TypedOf(value.CategoryInt))
	case classfile.OpCheckCast:
		name, ok := x.className()
		if !ok {
			return
		}
		v := x.pop(value.CategoryReference)
		switch {
		case v.IsNull():
			x.push(v)
		case !x.resolves(name):
			x.throws = ThrowsMaybe
			x.push(value.UnknownOf(value.CategoryReference))
		default:
			x.throws = ThrowsMaybe
			null := value.MaybeNull
			if v.IsNotNull() {
				null = value.NotNull
			}
			x.push(value.Reference([]string{name}, null, false))
		}
	case classfile.OpInstanceOf:
		if _, ok := x.className(); !ok {
			return
		}
		if x.pop(value.CategoryReference).IsNull() {
			x.push(value.Int(0))
		} else {
			x.push(value.TypedOf(value.CategoryInt))
		}
	}
}

func (x *machine) arrayLoad() {
	op := x.ins.Op
	x.pop(value.CategoryInt)
	arr := x.pop(value.CategoryReference)
	x.throws = nullCheck(arr, ThrowsMaybe)
	if x.throws == ThrowsAlways {
		return
	}
	switch op {
	case classfile.OpLALoad:
		x.push(value.TypedOf(value.CategoryLong))
	case classfile.OpFALoad:
		x.push(value.TypedOf(value.CategoryFloat))
	case classfile.OpDALoad:
		x.push(value.TypedOf(value.CategoryDouble))
	case classfile.OpAALoad:
		x.push(elementValue(arr))
	default:
		x.push(value.TypedOf(value.CategoryInt))
	}
}

// elementValue is the value of an element loaded from a reference array.
func elementValue(arr value.Value) value.Value {
	if arr.IsUnknown() {
		return value.UnknownOf(value.CategoryReference)
	}
	if ts := arr.Types(); len(ts) == 1 && strings.HasPrefix(ts[0], "[") {
		if v := value.FromDescriptor(ts[0][1:]); v.IsReference() {
			return v
		}
	}
	return value.TypedOf(value.CategoryReference)
}

func (x *machine) arrayStore() {
	var c value.Category
	switch x.ins.Op {
	case classfile.OpLAStore:
		c = value.CategoryLong
	case classfile.OpFAStore:
		c = value.CategoryFloat
	case classfile.OpDAStore:
		c = value.CategoryDouble
	case classfile.OpAAStore:
		c = value.CategoryReference
	default:
		c = value.CategoryInt
	}
	x.pop(c)
	x.pop(value.CategoryInt)
	arr := x.pop(value.CategoryReference)
	x.effect = true
	x.throws = nullCheck(arr, ThrowsMaybe)
}
