package value

import (
	"math"
)

// ---------------------------------------------------------------------------
// Decisions
// ---------------------------------------------------------------------------

// Decision is the outcome of a predicate over abstract values.
type Decision uint8

const (
	Undecided Decision = iota
	Always
	Never
)

// Not inverts a decision.
func (d Decision) Not() Decision {
	switch d {
	case Always:
		return Never
	case Never:
		return Always
	}
	return Undecided
}

func (d Decision) String() string {
	switch d {
	case Always:
		return "always"
	case Never:
		return "never"
	}
	return "undecided"
}

func decide(b bool) Decision {
	if b {
		return Always
	}
	return Never
}

// ---------------------------------------------------------------------------
// Binary arithmetic
// ---------------------------------------------------------------------------

// Operator is a binary arithmetic or bitwise operator.
type Operator uint8

const (
	Add Operator = iota
	Sub
	Mul
	Div
	Rem
	Shl
	Shr
	UShr
	And
	Or
	Xor
)

// result returns the imprecise outcome of an operation over the inputs.
func result(c Category, in ...Value) Value {
	for _, v := range in {
		if v.prec == Unknown {
			return UnknownOf(c)
		}
	}
	return TypedOf(c)
}

// IsZero decides whether an int or long value is zero.
func IsZero(v Value) Decision {
	switch v.cat {
	case CategoryInt:
		if i, ok := v.IntValue(); ok {
			return decide(i == 0)
		}
	case CategoryLong:
		if l, ok := v.LongValue(); ok {
			return decide(l == 0)
		}
	}
	return Undecided
}

// Binary applies op to a and b in category c. Shifts take an int b. The
// second result reports an integer division or remainder by a provable zero,
// which has no value.
func Binary(op Operator, c Category, a, b Value) (Value, bool) {
	if (op == Div || op == Rem) && (c == CategoryInt || c == CategoryLong) && IsZero(b) == Always {
		return Value{}, true
	}
	if a.cat != c || a.prec != Particular || b.prec != Particular {
		return result(c, a, b), false
	}
	switch c {
	case CategoryInt:
		x, _ := a.IntValue()
		y, ok := b.IntValue()
		if !ok {
			return result(c, a, b), false
		}
		return Int(intOp(op, x, y)), false
	case CategoryLong:
		x, _ := a.LongValue()
		if op == Shl || op == Shr || op == UShr {
			s, ok := b.IntValue()
			if !ok {
				return result(c, a, b), false
			}
			return Long(longOp(op, x, int64(s))), false
		}
		y, ok := b.LongValue()
		if !ok {
			return result(c, a, b), false
		}
		return Long(longOp(op, x, y)), false
	case CategoryFloat:
		x, _ := a.FloatValue()
		y, ok := b.FloatValue()
		if !ok {
			return result(c, a, b), false
		}
		if v, ok := floatOp(op, float64(x), float64(y)); ok {
			return Float(float32(v)), false
		}
	case CategoryDouble:
		x, _ := a.DoubleValue()
		y, ok := b.DoubleValue()
		if !ok {
			return result(c, a, b), false
		}
		if v, ok := floatOp(op, x, y); ok {
			return Double(v), false
		}
	}
	return result(c, a, b), false
}

func intOp(op Operator, x, y int32) int32 {
	switch op {
	case Add:
		return x + y
	case Sub:
		return x - y
	case Mul:
		return x * y
	case Div:
		return x / y
	case Rem:
		return x % y
	case Shl:
		return x << (uint32(y) & 31)
	case Shr:
		return x >> (uint32(y) & 31)
	case UShr:
		return int32(uint32(x) >> (uint32(y) & 31))
	case And:
		return x & y
	case Or:
		return x | y
	case Xor:
		return x ^ y
	}
	return 0
}

func longOp(op Operator, x, y int64) int64 {
	switch op {
	case Add:
		return x + y
	case Sub:
		return x - y
	case Mul:
		return x * y
	case Div:
		return x / y
	case Rem:
		return x % y
	case Shl:
		return x << (uint64(y) & 63)
	case Shr:
		return x >> (uint64(y) & 63)
	case UShr:
		return int64(uint64(x) >> (uint64(y) & 63))
	case And:
		return x & y
	case Or:
		return x | y
	case Xor:
		return x ^ y
	}
	return 0
}

// floatOp computes in float64; float32 callers round the result, which is
// exact for the single-precision operations the JVM defines.
func floatOp(op Operator, x, y float64) (float64, bool) {
	switch op {
	case Add:
		return x + y, true
	case Sub:
		return x - y, true
	case Mul:
		return x * y, true
	case Div:
		return x / y, true
	case Rem:
		return math.Mod(x, y), true
	}
	return 0, false
}

// Negate returns -v in category c.
func Negate(c Category, v Value) Value {
	if v.cat != c || v.prec != Particular {
		return result(c, v)
	}
	switch c {
	case CategoryInt:
		i, _ := v.IntValue()
		return Int(-i)
	case CategoryLong:
		l, _ := v.LongValue()
		return Long(-l)
	case CategoryFloat:
		f, _ := v.FloatValue()
		return Float(-f)
	case CategoryDouble:
		d, _ := v.DoubleValue()
		return Double(-d)
	}
	return result(c, v)
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// Conversion is a primitive conversion, in opcode order from i2l to i2s.
type Conversion uint8

const (
	I2L Conversion = iota
	I2F
	I2D
	L2I
	L2F
	L2D
	F2I
	F2L
	F2D
	D2I
	D2L
	D2F
	I2B
	I2C
	I2S
)

var conversionTypes = [...][2]Category{
	I2L: {CategoryInt, CategoryLong},
	I2F: {CategoryInt, CategoryFloat},
	I2D: {CategoryInt, CategoryDouble},
	L2I: {CategoryLong, CategoryInt},
	L2F: {CategoryLong, CategoryFloat},
	L2D: {CategoryLong, CategoryDouble},
	F2I: {CategoryFloat, CategoryInt},
	F2L: {CategoryFloat, CategoryLong},
	F2D: {CategoryFloat, CategoryDouble},
	D2I: {CategoryDouble, CategoryInt},
	D2L: {CategoryDouble, CategoryLong},
	D2F: {CategoryDouble, CategoryFloat},
	I2B: {CategoryInt, CategoryInt},
	I2C: {CategoryInt, CategoryInt},
	I2S: {CategoryInt, CategoryInt},
}

// From returns the input category.
func (c Conversion) From() Category { return conversionTypes[c][0] }

// To returns the output category.
func (c Conversion) To() Category { return conversionTypes[c][1] }

// Convert applies a primitive conversion with JVM semantics: float to
// integer conversions saturate and map NaN to zero.
func Convert(conv Conversion, v Value) Value {
	to := conv.To()
	if v.cat != conv.From() || v.prec != Particular {
		return result(to, v)
	}
	switch conv {
	case I2L, I2F, I2D, I2B, I2C, I2S:
		i, _ := v.IntValue()
		switch conv {
		case I2L:
			return Long(int64(i))
		case I2F:
			return Float(float32(i))
		case I2D:
			return Double(float64(i))
		case I2B:
			return Int(int32(int8(i)))
		case I2C:
			return Int(int32(uint16(i)))
		default:
			return Int(int32(int16(i)))
		}
	case L2I, L2F, L2D:
		l, _ := v.LongValue()
		switch conv {
		case L2I:
			return Int(int32(l))
		case L2F:
			return Float(float32(l))
		default:
			return Double(float64(l))
		}
	case F2I, F2L, F2D:
		f, _ := v.FloatValue()
		switch conv {
		case F2I:
			return Int(int32(saturate(float64(f), math.MinInt32, math.MaxInt32)))
		case F2L:
			return Long(saturate(float64(f), math.MinInt64, math.MaxInt64))
		default:
			return Double(float64(f))
		}
	case D2I, D2L, D2F:
		d, _ := v.DoubleValue()
		switch conv {
		case D2I:
			return Int(int32(saturate(d, math.MinInt32, math.MaxInt32)))
		case D2L:
			return Long(saturate(d, math.MinInt64, math.MaxInt64))
		default:
			return Float(float32(d))
		}
	}
	return result(to, v)
}

func saturate(f float64, lo, hi int64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f <= float64(lo):
		return lo
	case f >= float64(hi):
		return hi
	}
	return int64(f)
}

// ---------------------------------------------------------------------------
// Comparisons
// ---------------------------------------------------------------------------

// Compare implements lcmp, fcmpl/fcmpg and dcmpl/dcmpg. nanGreater selects
// the g variant, which yields 1 when either operand is NaN.
func Compare(c Category, a, b Value, nanGreater bool) Value {
	if a.cat != c || b.cat != c || a.prec != Particular || b.prec != Particular {
		return result(CategoryInt, a, b)
	}
	switch c {
	case CategoryLong:
		x, _ := a.LongValue()
		y, _ := b.LongValue()
		return Int(sign(x < y, x > y))
	case CategoryFloat, CategoryDouble:
		var x, y float64
		if c == CategoryFloat {
			fx, _ := a.FloatValue()
			fy, _ := b.FloatValue()
			x, y = float64(fx), float64(fy)
		} else {
			x, _ = a.DoubleValue()
			y, _ = b.DoubleValue()
		}
		if math.IsNaN(x) || math.IsNaN(y) {
			if nanGreater {
				return Int(1)
			}
			return Int(-1)
		}
		return Int(sign(x < y, x > y))
	}
	return result(CategoryInt, a, b)
}

func sign(less, greater bool) int32 {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

// Condition is the predicate of an int branch.
type Condition uint8

const (
	Eq Condition = iota
	Ne
	Lt
	Ge
	Gt
	Le
)

// CompareInts decides cond(a, b) for two int values.
func CompareInts(cond Condition, a, b Value) Decision {
	x, ok1 := a.IntValue()
	y, ok2 := b.IntValue()
	if !ok1 || !ok2 {
		return Undecided
	}
	switch cond {
	case Eq:
		return decide(x == y)
	case Ne:
		return decide(x != y)
	case Lt:
		return decide(x < y)
	case Ge:
		return decide(x >= y)
	case Gt:
		return decide(x > y)
	case Le:
		return decide(x <= y)
	}
	return Undecided
}

// IsNullDecision decides whether a reference is null.
func IsNullDecision(v Value) Decision {
	switch {
	case v.IsNull():
		return Always
	case v.IsNotNull():
		return Never
	}
	return Undecided
}

// SameReference decides whether two references are identical. Only null
// comparisons are decidable.
func SameReference(a, b Value) Decision {
	switch {
	case a.IsNull() && b.IsNull():
		return Always
	case a.IsNull() && b.IsNotNull(), a.IsNotNull() && b.IsNull():
		return Never
	}
	return Undecided
}
