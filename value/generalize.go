package value

import (
	"slices"
)

// Generalize returns the least precise value consistent with both a and b.
// It is commutative, associative and idempotent, and the result is never
// more precise than either input. Identities survive only when equal.
func Generalize(a, b Value) Value {
	id := a.id
	if a.id != b.id {
		id = 0
	}

	if a.cat != b.cat {
		return Value{cat: CategoryTop, prec: Unknown, id: id}
	}
	if a.prec == Unknown || b.prec == Unknown {
		return Value{cat: a.cat, prec: Unknown, id: id}
	}
	if a.cat == CategoryTop {
		return Value{cat: CategoryTop, prec: Unknown, id: id}
	}
	if a.cat == CategoryReference {
		return generalizeReference(a, b, id)
	}

	if a.prec == Particular && b.prec == Particular && a.bits == b.bits {
		return Value{cat: a.cat, prec: Particular, bits: a.bits, id: id}
	}
	return Value{cat: a.cat, prec: Typed, id: id}
}

func generalizeReference(a, b Value, id uint32) Value {
	if a.IsNull() && b.IsNull() {
		return Value{cat: CategoryReference, prec: Particular, null: AlwaysNull, id: id}
	}

	null := a.null
	if a.null != b.null {
		null = MaybeNull
	}

	// A null input contributes no type information.
	var types []string
	exact := true
	for _, v := range [2]Value{a, b} {
		if v.IsNull() {
			continue
		}
		if types != nil && !slices.Equal(types, v.types) {
			exact = false
		}
		types = append(types, v.types...)
		exact = exact && v.exact
	}
	types = normalizeTypes(types)
	return Value{cat: CategoryReference, prec: Typed, null: null, types: types, exact: exact, id: id}
}

// GeneralizeAll folds Generalize over vs. It returns Top for no values.
func GeneralizeAll(vs ...Value) Value {
	if len(vs) == 0 {
		return Top()
	}
	out := vs[0]
	for _, v := range vs[1:] {
		out = Generalize(out, v)
	}
	return out
}
