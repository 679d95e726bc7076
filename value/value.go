// Package value implements the lattice of abstract values the partial
// evaluator computes with. A Value says how much is known about a stack or
// variable cell: its category, and at what precision its content is known.
package value

import (
	"math"
	"slices"
	"strconv"
	"strings"
)

// Category is the JVM computational type of a value.
type Category uint8

const (
	CategoryTop Category = iota // unusable, or the second cell of a long/double
	CategoryInt
	CategoryLong
	CategoryFloat
	CategoryDouble
	CategoryReference
)

var categoryNames = [...]string{"top", "int", "long", "float", "double", "ref"}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return "category(" + strconv.Itoa(int(c)) + ")"
}

// Precision orders how much is known: particular values have exact content,
// typed values only their type, unknown values nothing beyond their
// category.
type Precision uint8

const (
	Particular Precision = iota
	Typed
	Unknown
)

// Nullability is the null state of a reference.
type Nullability uint8

const (
	MaybeNull Nullability = iota
	AlwaysNull
	NotNull
)

// MaxTypes bounds the possible-type set of a reference. Larger unions
// collapse to java/lang/Object, which keeps the lattice height finite.
const MaxTypes = 8

// ObjectClass is the root class; a type set containing it says nothing.
const ObjectClass = "java/lang/Object"

// Value is an immutable lattice element. The zero Value is Top.
type Value struct {
	cat   Category
	prec  Precision
	bits  uint64
	null  Nullability
	types []string
	exact bool
	id    uint32
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// Top returns the unusable value.
func Top() Value {
	return Value{cat: CategoryTop, prec: Unknown}
}

// Int returns a particular int.
func Int(v int32) Value {
	return Value{cat: CategoryInt, prec: Particular, bits: uint64(uint32(v))}
}

// Long returns a particular long.
func Long(v int64) Value {
	return Value{cat: CategoryLong, prec: Particular, bits: uint64(v)}
}

// Float returns a particular float.
func Float(v float32) Value {
	return Value{cat: CategoryFloat, prec: Particular, bits: uint64(math.Float32bits(v))}
}

// Double returns a particular double.
func Double(v float64) Value {
	return Value{cat: CategoryDouble, prec: Particular, bits: math.Float64bits(v)}
}

// Null returns the particular null reference.
func Null() Value {
	return Value{cat: CategoryReference, prec: Particular, null: AlwaysNull}
}

// TypedOf returns a value of category c with unknown content.
func TypedOf(c Category) Value {
	if c == CategoryTop {
		return Top()
	}
	if c == CategoryReference {
		return Reference([]string{ObjectClass}, MaybeNull, false)
	}
	return Value{cat: c, prec: Typed}
}

// UnknownOf returns a value of category c about which nothing is known.
func UnknownOf(c Category) Value {
	return Value{cat: c, prec: Unknown}
}

// Reference returns a typed reference that may have any of the given runtime
// types, or a subtype of them unless exact. An AlwaysNull nullability gives Null().
func Reference(types []string, null Nullability, exact bool) Value {
	if null == AlwaysNull {
		return Null()
	}
	ts := normalizeTypes(types)
	if len(ts) == 1 && ts[0] == ObjectClass && !slices.Contains(types, ObjectClass) {
		exact = false
	}
	return Value{cat: CategoryReference, prec: Typed, null: null, types: ts, exact: exact}
}

// FromDescriptor returns the typed value of a field descriptor.
func FromDescriptor(desc string) Value {
	if desc == "" {
		return Top()
	}
	switch desc[0] {
	case 'Z', 'B', 'C', 'S', 'I':
		return TypedOf(CategoryInt)
	case 'J':
		return TypedOf(CategoryLong)
	case 'F':
		return TypedOf(CategoryFloat)
	case 'D':
		return TypedOf(CategoryDouble)
	case 'L':
		return Reference([]string{strings.TrimSuffix(desc[1:], ";")}, MaybeNull, false)
	case '[':
		return Reference([]string{desc}, MaybeNull, false)
	}
	return Top()
}

func normalizeTypes(types []string) []string {
	if len(types) == 0 {
		return []string{ObjectClass}
	}
	ts := slices.Clone(types)
	slices.Sort(ts)
	ts = slices.Compact(ts)
	if len(ts) > MaxTypes || slices.Contains(ts, ObjectClass) {
		return []string{ObjectClass}
	}
	return ts
}

// WithID returns a copy carrying synthetic identity id.
func (v Value) WithID(id uint32) Value {
	v.id = id
	return v
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Category returns the computational type.
func (v Value) Category() Category { return v.cat }

// Precision returns the precision level.
func (v Value) Precision() Precision { return v.prec }

// ID returns the synthetic identity, 0 if none.
func (v Value) ID() uint32 { return v.id }

func (v Value) IsParticular() bool { return v.prec == Particular }
func (v Value) IsTyped() bool      { return v.prec == Typed }
func (v Value) IsUnknown() bool    { return v.prec == Unknown }

// IsTop reports whether the value is unusable.
func (v Value) IsTop() bool { return v.cat == CategoryTop }

// IsReference reports whether the value is a reference.
func (v Value) IsReference() bool { return v.cat == CategoryReference }

// IsNull reports whether the value is definitely the null reference.
func (v Value) IsNull() bool {
	return v.cat == CategoryReference && v.prec != Unknown && v.null == AlwaysNull
}

// IsNotNull reports whether the value is definitely a non-null reference.
func (v Value) IsNotNull() bool {
	return v.cat == CategoryReference && v.prec != Unknown && v.null == NotNull
}

// MayBeExtension reports whether the runtime type could be a strict subtype
// of the recorded types.
func (v Value) MayBeExtension() bool {
	if v.cat != CategoryReference || v.IsNull() {
		return false
	}
	return v.prec == Unknown || !v.exact
}

// Types returns the possible runtime types of a reference. The slice must
// not be modified.
func (v Value) Types() []string {
	if v.cat != CategoryReference || v.prec == Unknown {
		return nil
	}
	return v.types
}

// Size returns the number of stack or variable cells the value occupies.
func (v Value) Size() int {
	if v.cat == CategoryLong || v.cat == CategoryDouble {
		return 2
	}
	return 1
}

// IntValue returns the content of a particular int.
func (v Value) IntValue() (int32, bool) {
	if v.cat != CategoryInt || v.prec != Particular {
		return 0, false
	}
	return int32(uint32(v.bits)), true
}

// LongValue returns the content of a particular long.
func (v Value) LongValue() (int64, bool) {
	if v.cat != CategoryLong || v.prec != Particular {
		return 0, false
	}
	return int64(v.bits), true
}

// FloatValue returns the content of a particular float.
func (v Value) FloatValue() (float32, bool) {
	if v.cat != CategoryFloat || v.prec != Particular {
		return 0, false
	}
	return math.Float32frombits(uint32(v.bits)), true
}

// DoubleValue returns the content of a particular double.
func (v Value) DoubleValue() (float64, bool) {
	if v.cat != CategoryDouble || v.prec != Particular {
		return 0, false
	}
	return math.Float64frombits(v.bits), true
}

// Equal reports whether two values are the same lattice element with the
// same identity.
func (v Value) Equal(w Value) bool {
	return v.cat == w.cat &&
		v.prec == w.prec &&
		v.bits == w.bits &&
		v.null == w.null &&
		v.exact == w.exact &&
		v.id == w.id &&
		slices.Equal(v.types, w.types)
}

// Includes reports whether v is at most as precise as w, that is
// generalizing w into v changes nothing.
func (v Value) Includes(w Value) bool {
	return Generalize(v, w).Equal(v)
}

func (v Value) String() string {
	var sb strings.Builder
	switch {
	case v.cat == CategoryTop:
		sb.WriteString("top")
	case v.prec == Unknown:
		sb.WriteString(v.cat.String())
		sb.WriteString("?")
	case v.prec == Typed && v.cat != CategoryReference:
		sb.WriteString(v.cat.String())
	case v.cat == CategoryInt:
		i, _ := v.IntValue()
		sb.WriteString(strconv.Itoa(int(i)))
	case v.cat == CategoryLong:
		l, _ := v.LongValue()
		sb.WriteString(strconv.FormatInt(l, 10) + "L")
	case v.cat == CategoryFloat:
		f, _ := v.FloatValue()
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32) + "F")
	case v.cat == CategoryDouble:
		d, _ := v.DoubleValue()
		sb.WriteString(strconv.FormatFloat(d, 'g', -1, 64) + "D")
	case v.IsNull():
		sb.WriteString("null")
	default:
		sb.WriteString("ref{")
		sb.WriteString(strings.Join(v.types, ","))
		sb.WriteString("}")
		if v.exact {
			sb.WriteString("=")
		}
		if v.null == NotNull {
			sb.WriteString("!")
		}
	}
	if v.id != 0 {
		sb.WriteString("#" + strconv.Itoa(int(v.id)))
	}
	return sb.String()
}
