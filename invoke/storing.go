package invoke

import (
	"context"

	"github.com/chazu/pare/classfile"
	"github.com/chazu/pare/value"
)

// StoringOptions selects what a Storing unit records and whether its
// getters return recorded values.
type StoringOptions struct {
	Parameters bool
	Returns    bool
	Fields     bool

	// Load makes getters return stored values. A collection sweep records
	// with Load off so no method is shrunk on the values of only some of
	// its call sites.
	Load bool

	// Overridable reports methods whose calls may dispatch to an override.
	// Their parameter and return values are recorded but not loaded. Nil
	// loads for every method.
	Overridable func(classfile.MethodRef) bool
}

// AllValues records and loads every family.
var AllValues = StoringOptions{Parameters: true, Returns: true, Fields: true, Load: true}

// Storing records the values the evaluator observes in a Store and, when
// loading, returns the generalization of everything recorded so far. It
// assumes a closed world: every call site and field write is analysed.
// Storage errors are logged and the descriptor-derived value is used.
type Storing struct {
	store Store
	opts  StoringOptions
	basic Basic
}

// NewStoring creates a storing unit over store.
func NewStoring(store Store, opts StoringOptions) *Storing {
	return &Storing{store: store, opts: opts}
}

// Store returns the backing store.
func (s *Storing) Store() Store {
	return s.store
}

func (s *Storing) update(ctx context.Context, k Key, v value.Value) {
	if _, err := s.store.Update(ctx, k, v.WithID(0)); err != nil {
		log.Warningf("storing %s: %s", k, err)
	}
}

// load returns the stored value, or fallback when nothing is stored.
func (s *Storing) load(ctx context.Context, k Key, fallback value.Value) value.Value {
	v, ok, err := s.store.Load(ctx, k)
	if err != nil {
		log.Warningf("loading %s: %s", k, err)
		return fallback
	}
	if !ok {
		return fallback
	}
	return v
}

// loads reports whether stored values of m are returned. A call naming an
// overridable method may run any override, whose values are stored under
// their own declaring class.
func (s *Storing) loads(m classfile.MethodRef) bool {
	return s.opts.Load && (s.opts.Overridable == nil || !s.opts.Overridable(m))
}

func (s *Storing) SetMethodParameterValue(ctx context.Context, m classfile.MethodRef, index int, v value.Value) {
	if s.opts.Parameters {
		s.update(ctx, ParameterKey(m, index), v)
	}
}

func (s *Storing) MethodParameterValue(ctx context.Context, m classfile.MethodRef, index int) value.Value {
	fallback := s.basic.MethodParameterValue(ctx, m, index)
	if !s.opts.Parameters || !s.loads(m) {
		return fallback
	}
	return s.load(ctx, ParameterKey(m, index), fallback)
}

func (s *Storing) SetMethodReturnValue(ctx context.Context, m classfile.MethodRef, v value.Value) {
	if s.opts.Returns {
		s.update(ctx, ReturnKey(m), v)
	}
}

func (s *Storing) MethodReturnValue(ctx context.Context, m classfile.MethodRef) value.Value {
	fallback := s.basic.MethodReturnValue(ctx, m)
	if !s.opts.Returns || !s.loads(m) {
		return fallback
	}
	return s.load(ctx, ReturnKey(m), fallback)
}

func (s *Storing) SetFieldValue(ctx context.Context, f classfile.FieldRef, v value.Value) {
	if s.opts.Fields {
		s.update(ctx, FieldKey(f), v)
	}
}

// FieldValue includes the field's default value, which a read may observe
// before any write.
func (s *Storing) FieldValue(ctx context.Context, f classfile.FieldRef) value.Value {
	fallback := s.basic.FieldValue(ctx, f)
	if !s.opts.Fields || !s.opts.Load {
		return fallback
	}
	v, ok, err := s.store.Load(ctx, FieldKey(f))
	if err != nil {
		log.Warningf("loading %s: %s", FieldKey(f), err)
		return fallback
	}
	if !ok {
		return fallback
	}
	return value.Generalize(v, defaultValue(f.Descriptor))
}

func (s *Storing) SetFieldClassValue(ctx context.Context, f classfile.FieldRef, receiver value.Value) {
	if s.opts.Fields {
		s.update(ctx, FieldClassKey(f), receiver)
	}
}

func (s *Storing) FieldClassValue(ctx context.Context, f classfile.FieldRef) value.Value {
	fallback := s.basic.FieldClassValue(ctx, f)
	if !s.opts.Fields || !s.opts.Load {
		return fallback
	}
	return s.load(ctx, FieldClassKey(f), fallback)
}

func (s *Storing) ExceptionValue(ctx context.Context, catchType string) value.Value {
	return s.basic.ExceptionValue(ctx, catchType)
}
