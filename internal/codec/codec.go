// Package codec provides the serialization context shared by the wire
// format and the durable logs. Serializers are constructed values that are
// passed to whoever needs them; nothing is registered globally.
//
// Both implementations are stateless and safe for concurrent use.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

type Serializer interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, v any) error
}

func NewGob() Serializer { return gobSerializer{} }

func NewJSON() Serializer { return jsonSerializer{} }

// ByName returns the serializer for "gob" or "json".
func ByName(name string) (Serializer, error) {
	switch name {
	case "gob", "":
		return NewGob(), nil
	case "json":
		return NewJSON(), nil
	default:
		return nil, fmt.Errorf("unknown serializer %q", name)
	}
}

type gobSerializer struct{}

func (gobSerializer) Name() string { return "gob" }

func (gobSerializer) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobSerializer) Unmarshal(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

type jsonSerializer struct{}

func (jsonSerializer) Name() string { return "json" }

func (jsonSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonSerializer) Unmarshal(b []byte, v any) error {
	return json.Unmarshal(b, v)
}
