// Package codec converts broadcast payloads between their wire form and the
// values handed to stream callbacks.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode wraps every failure returned by a Decoder in this package.
var ErrDecode = errors.New("codec: decode failed")

// Decoder turns a raw broadcast payload into a value.
// Implementations must be pure: no side effects, same input same output.
type Decoder interface {
	Decode(raw string) (any, error)
}

// Encoder turns a value into a broadcast payload.
type Encoder interface {
	Encode(v any) (string, error)
}

// Codec is both an Encoder and a Decoder.
type Codec interface {
	Encoder
	Decoder
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(raw string) (any, error)

// Decode calls f(raw).
func (f DecoderFunc) Decode(raw string) (any, error) { return f(raw) }

// JSON decodes payloads as structured text: objects become map[string]any,
// numbers float64.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Decode(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return v, nil
}

// Encode marshals v. Strings and json.RawMessage are already encoded
// payloads and pass through untouched.
func (jsonCodec) Encode(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case json.RawMessage:
		return string(val), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("codec: encode failed: %w", err)
	}
	return string(b), nil
}
