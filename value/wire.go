package value

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("value: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type wireValue struct {
	Category  Category    `cbor:"1,keyasint"`
	Precision Precision   `cbor:"2,keyasint"`
	Bits      uint64      `cbor:"3,keyasint,omitempty"`
	Null      Nullability `cbor:"4,keyasint,omitempty"`
	Types     []string    `cbor:"5,keyasint,omitempty"`
	Exact     bool        `cbor:"6,keyasint,omitempty"`
	ID        uint32      `cbor:"7,keyasint,omitempty"`
}

// MarshalCBOR implements cbor.Marshaler.
func (v Value) MarshalCBOR() ([]byte, error) {
	return cborEncMode.Marshal(wireValue{
		Category:  v.cat,
		Precision: v.prec,
		Bits:      v.bits,
		Null:      v.null,
		Types:     v.types,
		Exact:     v.exact,
		ID:        v.id,
	})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (v *Value) UnmarshalCBOR(data []byte) error {
	var w wireValue
	if err := cbor.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("value: unmarshal: %w", err)
	}
	if w.Category > CategoryReference || w.Precision > Unknown || w.Null > NotNull {
		return fmt.Errorf("value: unmarshal: invalid tags %d/%d/%d", w.Category, w.Precision, w.Null)
	}
	*v = Value{
		cat:   w.Category,
		prec:  w.Precision,
		bits:  w.Bits,
		null:  w.Null,
		exact: w.Exact,
		id:    w.ID,
	}
	if len(w.Types) > 0 {
		v.types = normalizeTypes(w.Types)
	}
	return nil
}

// Marshal encodes v in canonical CBOR.
func Marshal(v Value) ([]byte, error) {
	return v.MarshalCBOR()
}

// Unmarshal decodes a value written by Marshal.
func Unmarshal(data []byte) (Value, error) {
	var v Value
	err := v.UnmarshalCBOR(data)
	return v, err
}
