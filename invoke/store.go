package invoke

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/chazu/pare/classfile"
	"github.com/chazu/pare/value"
)

// KeyKind says what a persisted value describes.
type KeyKind uint8

const (
	KindParameter KeyKind = iota + 1
	KindReturn
	KindField
	KindFieldClass
)

// Key identifies a persisted value: a method parameter, a method's return
// value, a field's content or the receivers a field is accessed through.
type Key struct {
	Kind       KeyKind `cbor:"1,keyasint"`
	Class      string  `cbor:"2,keyasint"`
	Name       string  `cbor:"3,keyasint"`
	Descriptor string  `cbor:"4,keyasint"`
	Index      int     `cbor:"5,keyasint,omitempty"`
}

func ParameterKey(m classfile.MethodRef, index int) Key {
	return Key{Kind: KindParameter, Class: m.Class, Name: m.Name, Descriptor: m.Descriptor, Index: index}
}

func ReturnKey(m classfile.MethodRef) Key {
	return Key{Kind: KindReturn, Class: m.Class, Name: m.Name, Descriptor: m.Descriptor}
}

func FieldKey(f classfile.FieldRef) Key {
	return Key{Kind: KindField, Class: f.Class, Name: f.Name, Descriptor: f.Descriptor}
}

func FieldClassKey(f classfile.FieldRef) Key {
	return Key{Kind: KindFieldClass, Class: f.Class, Name: f.Name, Descriptor: f.Descriptor}
}

// String renders the key uniquely; SQLiteStore uses it as the row key.
func (k Key) String() string {
	switch k.Kind {
	case KindParameter:
		return "param:" + k.Class + "." + k.Name + k.Descriptor + "#" + strconv.Itoa(k.Index)
	case KindReturn:
		return "return:" + k.Class + "." + k.Name + k.Descriptor
	case KindField:
		return "field:" + k.Class + "." + k.Name + ":" + k.Descriptor
	case KindFieldClass:
		return "receiver:" + k.Class + "." + k.Name + ":" + k.Descriptor
	}
	return "unknown:" + k.Class + "." + k.Name
}

// Store persists values across method evaluations. Update atomically
// generalizes v into the stored value and returns the result; concurrent
// updates never lose a generalization.
type Store interface {
	Load(ctx context.Context, k Key) (value.Value, bool, error)
	Update(ctx context.Context, k Key, v value.Value) (value.Value, error)
}

// ---------------------------------------------------------------------------
// MemoryStore
// ---------------------------------------------------------------------------

// MemoryStore keeps values in memory. Each key holds an atomic pointer that
// Update advances with a compare-and-swap retry loop, so storers never block
// each other.
type MemoryStore struct {
	cells sync.Map // Key -> *atomic.Pointer[value.Value]
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) cell(k Key) *atomic.Pointer[value.Value] {
	if c, ok := s.cells.Load(k); ok {
		return c.(*atomic.Pointer[value.Value])
	}
	c, _ := s.cells.LoadOrStore(k, new(atomic.Pointer[value.Value]))
	return c.(*atomic.Pointer[value.Value])
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, k Key) (value.Value, bool, error) {
	c, ok := s.cells.Load(k)
	if !ok {
		return value.Value{}, false, nil
	}
	p := c.(*atomic.Pointer[value.Value]).Load()
	if p == nil {
		return value.Value{}, false, nil
	}
	return *p, true, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, k Key, v value.Value) (value.Value, error) {
	c := s.cell(k)
	for {
		old := c.Load()
		next := v
		if old != nil {
			next = value.Generalize(*old, v)
			if next.Equal(*old) {
				return *old, nil
			}
		}
		if c.CompareAndSwap(old, &next) {
			return next, nil
		}
	}
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	n := 0
	s.cells.Range(func(_, c any) bool {
		if c.(*atomic.Pointer[value.Value]).Load() != nil {
			n++
		}
		return true
	})
	return n
}

type snapshotEntry struct {
	Key   Key         `cbor:"1,keyasint"`
	Value value.Value `cbor:"2,keyasint"`
}

type snapshot struct {
	Session uuid.UUID       `cbor:"1,keyasint"`
	Entries []snapshotEntry `cbor:"2,keyasint"`
}

// Snapshot serializes every stored value, tagged with the session that
// produced them.
func (s *MemoryStore) Snapshot(session uuid.UUID) ([]byte, error) {
	snap := snapshot{Session: session}
	s.cells.Range(func(k, c any) bool {
		if p := c.(*atomic.Pointer[value.Value]).Load(); p != nil {
			snap.Entries = append(snap.Entries, snapshotEntry{Key: k.(Key), Value: *p})
		}
		return true
	})
	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Key.String() < snap.Entries[j].Key.String()
	})
	return cborEncMode.Marshal(&snap)
}

// Restore generalizes the values of a snapshot into the store and returns
// the session that wrote it.
func (s *MemoryStore) Restore(ctx context.Context, data []byte) (uuid.UUID, error) {
	var snap snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return uuid.Nil, fmt.Errorf("invoke: unmarshal snapshot: %w", err)
	}
	for _, e := range snap.Entries {
		if _, err := s.Update(ctx, e.Key, e.Value); err != nil {
			return uuid.Nil, err
		}
	}
	return snap.Session, nil
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("invoke: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}
