package classfile

import (
	"slices"
)

// AccessFlags are the access and property flags of classes, fields and
// methods.
type AccessFlags uint16

const (
	AccPublic       AccessFlags = 0x0001
	AccPrivate      AccessFlags = 0x0002
	AccProtected    AccessFlags = 0x0004
	AccStatic       AccessFlags = 0x0008
	AccFinal        AccessFlags = 0x0010
	AccSynchronized AccessFlags = 0x0020
	AccVolatile     AccessFlags = 0x0040
	AccBridge       AccessFlags = 0x0040
	AccVarargs      AccessFlags = 0x0080
	AccNative       AccessFlags = 0x0100
	AccInterface    AccessFlags = 0x0200
	AccAbstract     AccessFlags = 0x0400
	AccSynthetic    AccessFlags = 0x1000
)

// Has reports whether all bits of f are set.
func (a AccessFlags) Has(f AccessFlags) bool {
	return a&f == f
}

// Class is a loaded class: its name, hierarchy, constant pool and members.
type Class struct {
	Name       string
	Super      string
	Interfaces []string
	Access     AccessFlags
	Pool       *Pool
	Fields     []*Field
	Methods    []*Method
}

// Field is a field declaration.
type Field struct {
	Access     AccessFlags
	Name       string
	Descriptor string
}

// Method is a method declaration. Abstract and native methods have no Code.
type Method struct {
	Access     AccessFlags
	Name       string
	Descriptor string
	Code       *Code
}

// Code is a method body: the raw instruction bytes and the tables that
// refer to offsets inside them.
type Code struct {
	MaxStack  int
	MaxLocals int
	Bytes     []byte
	Handlers  []ExceptionHandler
	Lines     []LineNumber
	Locals    []LocalVariable
}

// ExceptionHandler protects [Start, End) and transfers to Handler. An empty
// CatchType catches everything.
type ExceptionHandler struct {
	Start     int
	End       int
	Handler   int
	CatchType string
}

// Covers reports whether offset lies in the protected range.
func (h ExceptionHandler) Covers(offset int) bool {
	return offset >= h.Start && offset < h.End
}

// LineNumber maps the instruction at Start to a source line.
type LineNumber struct {
	Start int
	Line  int
}

// LocalVariable names variable Slot over [Start, Start+Length).
type LocalVariable struct {
	Start      int
	Length     int
	Name       string
	Descriptor string
	Slot       int
}

// InstructionFunc observes an instruction of a method, used for
// deletion and insertion hooks.
type InstructionFunc func(c *Class, m *Method, ins Instruction)

// ---------------------------------------------------------------------------
// Lookup
// ---------------------------------------------------------------------------

// Method returns the method with the given name and descriptor.
func (c *Class) Method(name, descriptor string) *Method {
	for _, m := range c.Methods {
		if m.Name == name && m.Descriptor == descriptor {
			return m
		}
	}
	return nil
}

// Field returns the field with the given name and descriptor.
func (c *Class) Field(name, descriptor string) *Field {
	for _, f := range c.Fields {
		if f.Name == name && f.Descriptor == descriptor {
			return f
		}
	}
	return nil
}

// IsStatic reports whether the method has no receiver.
func (m *Method) IsStatic() bool {
	return m.Access.Has(AccStatic)
}

// Ref returns the reference naming this method as a member of owner.
func (m *Method) Ref(owner string) MethodRef {
	return MethodRef{Class: owner, Name: m.Name, Descriptor: m.Descriptor}
}

// Ref returns the reference naming this field as a member of owner.
func (f *Field) Ref(owner string) FieldRef {
	return FieldRef{Class: owner, Name: f.Name, Descriptor: f.Descriptor}
}

// Clone returns a deep copy of the code.
func (c *Code) Clone() *Code {
	if c == nil {
		return nil
	}
	out := *c
	out.Bytes = slices.Clone(c.Bytes)
	out.Handlers = slices.Clone(c.Handlers)
	out.Lines = slices.Clone(c.Lines)
	out.Locals = slices.Clone(c.Locals)
	return &out
}

// Instructions decodes the code bytes.
func (c *Code) Instructions() ([]Instruction, error) {
	return Decode(c.Bytes)
}

// ClassPath resolves class names to loaded classes.
type ClassPath interface {
	Lookup(name string) (*Class, bool)
}

// ClassSet is a ClassPath over an in-memory set of classes.
type ClassSet map[string]*Class

// NewClassSet indexes classes by name.
func NewClassSet(classes ...*Class) ClassSet {
	s := make(ClassSet, len(classes))
	for _, c := range classes {
		s[c.Name] = c
	}
	return s
}

// Lookup implements ClassPath.
func (s ClassSet) Lookup(name string) (*Class, bool) {
	c, ok := s[name]
	return c, ok
}
