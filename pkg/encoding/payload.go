// Package encoding turns structured message payloads into bytes and back.
// Payloads are CBOR (RFC 8949) maps or structs; decoding never evaluates input,
// it only fills the declared Go types.
package encoding

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// MaxNestedLevels bounds how deep a payload may nest.
const MaxNestedLevels = 16

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Canonical encoding keeps equal payloads byte-identical, which keeps the
	// frame CRC stable for equal key/value sets.
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels: MaxNestedLevels,
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes a key/value map or a tagged struct.
func Marshal(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding: marshal payload: %w", err)
	}
	return b, nil
}

// Unmarshal decodes payload into v, which must be a pointer.
func Unmarshal(payload []byte, v any) error {
	if err := decMode.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("encoding: unmarshal payload: %w", err)
	}
	return nil
}

// DecodeMap decodes a payload as a generic key/value map.
func DecodeMap(payload []byte) (map[string]any, error) {
	m := map[string]any{}
	if err := Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	return m, nil
}
