package classfile

import (
	"fmt"
	"strconv"
)

// ---------------------------------------------------------------------------
// Constant pool
// ---------------------------------------------------------------------------

// Tag identifies a constant pool entry kind, numbered as in the class file.
type Tag uint8

const (
	TagUtf8               Tag = 1
	TagInteger            Tag = 3
	TagFloat              Tag = 4
	TagLong               Tag = 5
	TagDouble             Tag = 6
	TagClass              Tag = 7
	TagString             Tag = 8
	TagFieldref           Tag = 9
	TagMethodref          Tag = 10
	TagInterfaceMethodref Tag = 11
	TagInvokeDynamic      Tag = 18
)

// Constant is a constant pool entry. The set of implementations is closed.
type Constant interface {
	Tag() Tag
	String() string
	isConstant()
}

// IntegerConstant is a CONSTANT_Integer entry.
type IntegerConstant struct{ Value int32 }

// LongConstant is a CONSTANT_Long entry.
type LongConstant struct{ Value int64 }

// FloatConstant is a CONSTANT_Float entry.
type FloatConstant struct{ Value float32 }

// DoubleConstant is a CONSTANT_Double entry.
type DoubleConstant struct{ Value float64 }

// StringConstant is a CONSTANT_String entry.
type StringConstant struct{ Value string }

// ClassConstant is a CONSTANT_Class entry naming a class or array type.
type ClassConstant struct{ Name string }

// FieldRef is a CONSTANT_Fieldref entry.
type FieldRef struct {
	Class      string
	Name       string
	Descriptor string
}

// MethodRef is a CONSTANT_Methodref or CONSTANT_InterfaceMethodref entry.
type MethodRef struct {
	Class      string
	Name       string
	Descriptor string
	Interface  bool
}

// DynamicRef is a CONSTANT_InvokeDynamic entry.
type DynamicRef struct {
	Bootstrap  int
	Name       string
	Descriptor string
}

func (IntegerConstant) Tag() Tag { return TagInteger }
func (LongConstant) Tag() Tag    { return TagLong }
func (FloatConstant) Tag() Tag   { return TagFloat }
func (DoubleConstant) Tag() Tag  { return TagDouble }
func (StringConstant) Tag() Tag  { return TagString }
func (ClassConstant) Tag() Tag   { return TagClass }
func (FieldRef) Tag() Tag        { return TagFieldref }
func (DynamicRef) Tag() Tag      { return TagInvokeDynamic }

func (r MethodRef) Tag() Tag {
	if r.Interface {
		return TagInterfaceMethodref
	}
	return TagMethodref
}

func (c IntegerConstant) String() string { return strconv.Itoa(int(c.Value)) }
func (c LongConstant) String() string    { return strconv.FormatInt(c.Value, 10) + "L" }
func (c FloatConstant) String() string   { return strconv.FormatFloat(float64(c.Value), 'g', -1, 32) + "F" }
func (c DoubleConstant) String() string  { return strconv.FormatFloat(c.Value, 'g', -1, 64) + "D" }
func (c StringConstant) String() string  { return strconv.Quote(c.Value) }
func (c ClassConstant) String() string   { return c.Name }
func (r FieldRef) String() string        { return r.Class + "." + r.Name + ":" + r.Descriptor }
func (r MethodRef) String() string       { return r.Class + "." + r.Name + r.Descriptor }
func (r DynamicRef) String() string      { return "#" + strconv.Itoa(r.Bootstrap) + ":" + r.Name + r.Descriptor }

func (IntegerConstant) isConstant() {}
func (LongConstant) isConstant()    {}
func (FloatConstant) isConstant()   {}
func (DoubleConstant) isConstant()  {}
func (StringConstant) isConstant()  {}
func (ClassConstant) isConstant()   {}
func (FieldRef) isConstant()        {}
func (MethodRef) isConstant()       {}
func (DynamicRef) isConstant()      {}

// Pool is a class's constant pool. Index 0 is unused and long and double
// entries occupy two indices, as in the class file.
type Pool struct {
	entries []Constant
	index   map[Constant]int
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{entries: []Constant{nil}, index: make(map[Constant]int)}
}

// Add appends c unless an equal entry exists and returns its index.
func (p *Pool) Add(c Constant) int {
	if i, ok := p.index[c]; ok {
		return i
	}
	i := len(p.entries)
	p.entries = append(p.entries, c)
	if c.Tag() == TagLong || c.Tag() == TagDouble {
		p.entries = append(p.entries, nil)
	}
	p.index[c] = i
	return i
}

// Len returns the pool count as written in the class file.
func (p *Pool) Len() int {
	return len(p.entries)
}

// Get returns the entry at index i.
func (p *Pool) Get(i int) (Constant, bool) {
	if p == nil || i <= 0 || i >= len(p.entries) || p.entries[i] == nil {
		return nil, false
	}
	return p.entries[i], true
}

// Entries returns the pool entries with nil at unusable indices.
func (p *Pool) Entries() []Constant {
	return p.entries
}

// Field returns the field reference at index i.
func (p *Pool) Field(i int) (FieldRef, error) {
	c, ok := p.Get(i)
	if !ok {
		return FieldRef{}, fmt.Errorf("%w: constant #%d out of range", ErrMalformed, i)
	}
	f, ok := c.(FieldRef)
	if !ok {
		return FieldRef{}, fmt.Errorf("%w: constant #%d is %T, not a field", ErrMalformed, i, c)
	}
	return f, nil
}

// Method returns the method reference at index i.
func (p *Pool) Method(i int) (MethodRef, error) {
	c, ok := p.Get(i)
	if !ok {
		return MethodRef{}, fmt.Errorf("%w: constant #%d out of range", ErrMalformed, i)
	}
	switch r := c.(type) {
	case MethodRef:
		return r, nil
	case DynamicRef:
		return MethodRef{Name: r.Name, Descriptor: r.Descriptor}, nil
	}
	return MethodRef{}, fmt.Errorf("%w: constant #%d is %T, not a method", ErrMalformed, i, c)
}

// ClassName returns the class name at index i.
func (p *Pool) ClassName(i int) (string, error) {
	c, ok := p.Get(i)
	if !ok {
		return "", fmt.Errorf("%w: constant #%d out of range", ErrMalformed, i)
	}
	cc, ok := c.(ClassConstant)
	if !ok {
		return "", fmt.Errorf("%w: constant #%d is %T, not a class", ErrMalformed, i, c)
	}
	return cc.Name, nil
}
