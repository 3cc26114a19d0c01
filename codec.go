package pgcache

import "encoding/json"

// Codec serializes values to and from the portable byte form stored in the
// authoritative row. The canonical implementation, JSONCodec, covers the
// JSON-compatible domain: objects, arrays, strings, float64 numbers,
// booleans, and nil.
type Codec interface {
	Encode(value any) ([]byte, error)
	Decode(data []byte, out any) error
}

// JSONCodec is the default Codec, backed by encoding/json.
type JSONCodec struct{}

// Encode marshals value to its JSON form. It fails with a *CodecError for
// values outside the JSON-representable domain (channels, funcs, cyclic
// structures).
func (JSONCodec) Encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, newCodecError("encode", err)
	}
	return data, nil
}

// Decode unmarshals data into out, which must be a non-nil pointer.
func (JSONCodec) Decode(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return newCodecError("decode", err)
	}
	return nil
}
