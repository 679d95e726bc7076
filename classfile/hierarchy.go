package classfile

// ---------------------------------------------------------------------------
// Member resolution
// ---------------------------------------------------------------------------

// ResolveMethod returns ref renamed to the class that declares the method,
// searching ref.Class, its superclasses and then its superinterfaces. The
// result is false, with ref unchanged, when no known class declares it.
func ResolveMethod(cp ClassPath, ref MethodRef) (MethodRef, bool) {
	owner, ok := declaring(cp, ref.Class, false, func(c *Class) bool {
		return c.Method(ref.Name, ref.Descriptor) != nil
	})
	if ok {
		ref.Class = owner
	}
	return ref, ok
}

// ResolveField returns ref renamed to the class that declares the field.
// Superinterfaces are searched before the superclass.
func ResolveField(cp ClassPath, ref FieldRef) (FieldRef, bool) {
	owner, ok := declaring(cp, ref.Class, true, func(c *Class) bool {
		return c.Field(ref.Name, ref.Descriptor) != nil
	})
	if ok {
		ref.Class = owner
	}
	return ref, ok
}

func declaring(cp ClassPath, name string, interfacesFirst bool, declares func(*Class) bool) (string, bool) {
	if cp == nil {
		return "", false
	}
	seen := make(map[string]bool)
	var walk func(string) (string, bool)
	walk = func(name string) (string, bool) {
		if name == "" || seen[name] {
			return "", false
		}
		seen[name] = true
		c, ok := cp.Lookup(name)
		if !ok {
			return "", false
		}
		if declares(c) {
			return c.Name, true
		}
		next := append([]string{c.Super}, c.Interfaces...)
		if interfacesFirst {
			next = append(append([]string(nil), c.Interfaces...), c.Super)
		}
		for _, n := range next {
			if owner, ok := walk(n); ok {
				return owner, true
			}
		}
		return "", false
	}
	return walk(name)
}

// Overridable reports whether a virtual call naming ref may run code other
// than the method ref.Class declares. Constructors, static, private and
// final methods and the methods of final classes are never overridden.
// Methods the class path does not know are assumed overridable.
func Overridable(cp ClassPath, ref MethodRef) bool {
	if ref.Name == "<init>" || ref.Name == "<clinit>" {
		return false
	}
	if cp == nil {
		return true
	}
	c, ok := cp.Lookup(ref.Class)
	if !ok {
		return true
	}
	m := c.Method(ref.Name, ref.Descriptor)
	if m == nil {
		return true
	}
	return m.Access&(AccStatic|AccPrivate|AccFinal) == 0 && !c.Access.Has(AccFinal)
}
