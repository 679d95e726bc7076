package invoke

import (
	"context"
	"sync"

	"github.com/chazu/pare/classfile"
	"github.com/chazu/pare/value"
)

// OriginKind says where a traced value came from.
type OriginKind uint8

const (
	OriginParameter OriginKind = iota + 1
	OriginReturn
	OriginField
)

func (k OriginKind) String() string {
	switch k {
	case OriginParameter:
		return "parameter"
	case OriginReturn:
		return "return"
	case OriginField:
		return "field"
	}
	return "unknown"
}

// Origin names the parameter, invoked method or field a value was produced
// by. Ref is the method or field reference rendered as a string.
type Origin struct {
	Kind  OriginKind
	Ref   string
	Index int
}

// Tracing wraps another unit and tags the parameter, return and field values
// it hands out with an identity per origin, so consumers can ask which
// parameter a stack value is. For returns and fields the identity names the
// origin only; two reads of one field need not be equal at run time.
type Tracing struct {
	Unit

	mu      sync.Mutex
	ids     map[Origin]uint32
	origins map[uint32]Origin
}

// NewTracing wraps u.
func NewTracing(u Unit) *Tracing {
	return &Tracing{
		Unit:    u,
		ids:     make(map[Origin]uint32),
		origins: make(map[uint32]Origin),
	}
}

func (t *Tracing) tag(o Origin, v value.Value) value.Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.ids[o]
	if !ok {
		id = uint32(len(t.ids) + 1)
		t.ids[o] = id
		t.origins[id] = o
	}
	return v.WithID(id)
}

// Origin returns the origin of a traced value.
func (t *Tracing) Origin(v value.Value) (Origin, bool) {
	if v.ID() == 0 {
		return Origin{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.origins[v.ID()]
	return o, ok
}

// IsParameter reports whether v is known to be parameter index of m.
func (t *Tracing) IsParameter(v value.Value, m classfile.MethodRef, index int) bool {
	o, ok := t.Origin(v)
	return ok && o == Origin{Kind: OriginParameter, Ref: m.String(), Index: index}
}

func (t *Tracing) MethodParameterValue(ctx context.Context, m classfile.MethodRef, index int) value.Value {
	v := t.Unit.MethodParameterValue(ctx, m, index)
	return t.tag(Origin{Kind: OriginParameter, Ref: m.String(), Index: index}, v)
}

func (t *Tracing) MethodReturnValue(ctx context.Context, m classfile.MethodRef) value.Value {
	v := t.Unit.MethodReturnValue(ctx, m)
	if v.IsTop() {
		return v
	}
	return t.tag(Origin{Kind: OriginReturn, Ref: m.String()}, v)
}

func (t *Tracing) FieldValue(ctx context.Context, f classfile.FieldRef) value.Value {
	v := t.Unit.FieldValue(ctx, f)
	return t.tag(Origin{Kind: OriginField, Ref: f.String()}, v)
}
