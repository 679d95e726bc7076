package classfile

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// BundleVersion is the wire version written by MarshalBundle.
const BundleVersion = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("classfile: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Bundle is a set of classes stored together, the unit pare reads and
// writes.
type Bundle struct {
	Classes []*Class
}

// ClassPath returns the bundle's classes as a ClassPath.
func (b *Bundle) ClassPath() ClassSet {
	return NewClassSet(b.Classes...)
}

type wireBundle struct {
	Version byte        `cbor:"1,keyasint"`
	Classes []wireClass `cbor:"2,keyasint"`
}

type wireClass struct {
	Name       string         `cbor:"1,keyasint"`
	Super      string         `cbor:"2,keyasint,omitempty"`
	Interfaces []string       `cbor:"3,keyasint,omitempty"`
	Access     uint16         `cbor:"4,keyasint"`
	Pool       []wireConstant `cbor:"5,keyasint"`
	Fields     []wireField    `cbor:"6,keyasint,omitempty"`
	Methods    []wireMethod   `cbor:"7,keyasint,omitempty"`
}

// wireConstant flattens a pool entry. Tag 0 marks an unusable index.
type wireConstant struct {
	Tag       Tag     `cbor:"1,keyasint"`
	Int       int64   `cbor:"2,keyasint,omitempty"`
	Float     float64 `cbor:"3,keyasint,omitempty"`
	Str       string  `cbor:"4,keyasint,omitempty"`
	Name      string  `cbor:"5,keyasint,omitempty"`
	Desc      string  `cbor:"6,keyasint,omitempty"`
	Bootstrap int     `cbor:"7,keyasint,omitempty"`
}

type wireField struct {
	Access     uint16 `cbor:"1,keyasint"`
	Name       string `cbor:"2,keyasint"`
	Descriptor string `cbor:"3,keyasint"`
}

type wireMethod struct {
	Access     uint16    `cbor:"1,keyasint"`
	Name       string    `cbor:"2,keyasint"`
	Descriptor string    `cbor:"3,keyasint"`
	Code       *wireCode `cbor:"4,keyasint,omitempty"`
}

type wireCode struct {
	MaxStack  int             `cbor:"1,keyasint"`
	MaxLocals int             `cbor:"2,keyasint"`
	Bytes     []byte          `cbor:"3,keyasint"`
	Handlers  []wireHandler   `cbor:"4,keyasint,omitempty"`
	Lines     [][2]int        `cbor:"5,keyasint,omitempty"`
	Locals    []LocalVariable `cbor:"6,keyasint,omitempty"`
}

type wireHandler struct {
	Start     int    `cbor:"1,keyasint"`
	End       int    `cbor:"2,keyasint"`
	Handler   int    `cbor:"3,keyasint"`
	CatchType string `cbor:"4,keyasint,omitempty"`
}

// MarshalBundle serializes a bundle to canonical CBOR.
func MarshalBundle(b *Bundle) ([]byte, error) {
	w := wireBundle{Version: BundleVersion}
	for _, c := range b.Classes {
		w.Classes = append(w.Classes, toWireClass(c))
	}
	return cborEncMode.Marshal(&w)
}

// UnmarshalBundle deserializes a bundle from CBOR bytes.
func UnmarshalBundle(data []byte) (*Bundle, error) {
	var w wireBundle
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("classfile: unmarshal bundle: %w", err)
	}
	if w.Version != BundleVersion {
		return nil, fmt.Errorf("classfile: unsupported bundle version %d", w.Version)
	}
	b := &Bundle{}
	for _, wc := range w.Classes {
		c, err := fromWireClass(wc)
		if err != nil {
			return nil, err
		}
		b.Classes = append(b.Classes, c)
	}
	return b, nil
}

func toWireClass(c *Class) wireClass {
	wc := wireClass{
		Name:       c.Name,
		Super:      c.Super,
		Interfaces: c.Interfaces,
		Access:     uint16(c.Access),
	}
	if c.Pool != nil {
		for _, e := range c.Pool.entries {
			wc.Pool = append(wc.Pool, toWireConstant(e))
		}
	}
	for _, f := range c.Fields {
		wc.Fields = append(wc.Fields, wireField{Access: uint16(f.Access), Name: f.Name, Descriptor: f.Descriptor})
	}
	for _, m := range c.Methods {
		wm := wireMethod{Access: uint16(m.Access), Name: m.Name, Descriptor: m.Descriptor}
		if m.Code != nil {
			wm.Code = toWireCode(m.Code)
		}
		wc.Methods = append(wc.Methods, wm)
	}
	return wc
}

func toWireCode(c *Code) *wireCode {
	w := &wireCode{MaxStack: c.MaxStack, MaxLocals: c.MaxLocals, Bytes: c.Bytes, Locals: c.Locals}
	for _, h := range c.Handlers {
		w.Handlers = append(w.Handlers, wireHandler(h))
	}
	for _, l := range c.Lines {
		w.Lines = append(w.Lines, [2]int{l.Start, l.Line})
	}
	return w
}

func toWireConstant(c Constant) wireConstant {
	switch c := c.(type) {
	case IntegerConstant:
		return wireConstant{Tag: TagInteger, Int: int64(c.Value)}
	case LongConstant:
		return wireConstant{Tag: TagLong, Int: c.Value}
	case FloatConstant:
		return wireConstant{Tag: TagFloat, Float: float64(c.Value)}
	case DoubleConstant:
		return wireConstant{Tag: TagDouble, Float: c.Value}
	case StringConstant:
		return wireConstant{Tag: TagString, Str: c.Value}
	case ClassConstant:
		return wireConstant{Tag: TagClass, Str: c.Name}
	case FieldRef:
		return wireConstant{Tag: TagFieldref, Str: c.Class, Name: c.Name, Desc: c.Descriptor}
	case MethodRef:
		return wireConstant{Tag: c.Tag(), Str: c.Class, Name: c.Name, Desc: c.Descriptor}
	case DynamicRef:
		return wireConstant{Tag: TagInvokeDynamic, Name: c.Name, Desc: c.Descriptor, Bootstrap: c.Bootstrap}
	}
	return wireConstant{}
}

func fromWireConstant(w wireConstant) (Constant, error) {
	switch w.Tag {
	case 0:
		return nil, nil
	case TagInteger:
		return IntegerConstant{Value: int32(w.Int)}, nil
	case TagLong:
		return LongConstant{Value: w.Int}, nil
	case TagFloat:
		return FloatConstant{Value: float32(w.Float)}, nil
	case TagDouble:
		return DoubleConstant{Value: w.Float}, nil
	case TagString:
		return StringConstant{Value: w.Str}, nil
	case TagClass:
		return ClassConstant{Name: w.Str}, nil
	case TagFieldref:
		return FieldRef{Class: w.Str, Name: w.Name, Descriptor: w.Desc}, nil
	case TagMethodref, TagInterfaceMethodref:
		return MethodRef{Class: w.Str, Name: w.Name, Descriptor: w.Desc, Interface: w.Tag == TagInterfaceMethodref}, nil
	case TagInvokeDynamic:
		return DynamicRef{Bootstrap: w.Bootstrap, Name: w.Name, Descriptor: w.Desc}, nil
	}
	return nil, fmt.Errorf("classfile: unknown constant tag %d", w.Tag)
}

func fromWireClass(wc wireClass) (*Class, error) {
	c := &Class{
		Name:       wc.Name,
		Super:      wc.Super,
		Interfaces: wc.Interfaces,
		Access:     AccessFlags(wc.Access),
		Pool:       NewPool(),
	}
	if len(wc.Pool) > 0 {
		c.Pool.entries = c.Pool.entries[:0]
		for i, we := range wc.Pool {
			e, err := fromWireConstant(we)
			if err != nil {
				return nil, fmt.Errorf("classfile: class %s constant #%d: %w", wc.Name, i, err)
			}
			c.Pool.entries = append(c.Pool.entries, e)
			if _, dup := c.Pool.index[e]; e != nil && !dup {
				c.Pool.index[e] = i
			}
		}
	}
	for _, f := range wc.Fields {
		c.Fields = append(c.Fields, &Field{Access: AccessFlags(f.Access), Name: f.Name, Descriptor: f.Descriptor})
	}
	for _, wm := range wc.Methods {
		m := &Method{Access: AccessFlags(wm.Access), Name: wm.Name, Descriptor: wm.Descriptor}
		if w := wm.Code; w != nil {
			m.Code = &Code{MaxStack: w.MaxStack, MaxLocals: w.MaxLocals, Bytes: w.Bytes, Locals: w.Locals}
			for _, h := range w.Handlers {
				m.Code.Handlers = append(m.Code.Handlers, ExceptionHandler(h))
			}
			for _, l := range w.Lines {
				m.Code.Lines = append(m.Code.Lines, LineNumber{Start: l[0], Line: l[1]})
			}
		}
		c.Methods = append(c.Methods, m)
	}
	return c, nil
}
