package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/franks42/sente-lite-sub006/internal/errorkind"
)

// Codec maps an arbitrary payload value to and from wire bytes. The
// reference implementation is JSON; any self-describing, round-trip-safe
// format satisfies the contract.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(b []byte, out any) error
	// DecodeValue decodes into a generic value (maps/slices/scalars) so the
	// wire protocol layer can sniff the outer shape before it knows which
	// concrete type it is looking at.
	DecodeValue(b []byte) (any, error)
}

// JSONCodec is the reference wire codec. Event-ids reach it already rendered
// as "ns/name" strings by ToWireValue; it tags byte slices so they survive
// the json round trip as bytes rather than decaying into base64 strings with
// no type marker.
type JSONCodec struct{}

// binWrapperKey is the sentinel key used to tag a base64-encoded byte slice
// so Decode can tell it apart from an ordinary string payload.
const binWrapperKey = "__bin"

// Encode serializes v to JSON, applying the binary-payload tagging
// convention recursively.
func (JSONCodec) Encode(v any) ([]byte, error) {
	tagged := tagBinary(v)
	b, err := json.Marshal(tagged)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errorkind.ErrParseFailed, err)
	}
	return b, nil
}

// Decode parses JSON bytes into out, un-tagging any binary payload wrappers
// back into []byte. Targets of type *any and *map[string]any receive the
// untagged values directly; other targets are filled through a JSON round
// trip, in which a []byte field decodes from its base64 text. It never
// panics; malformed input yields ErrParseFailed.
func (JSONCodec) Decode(b []byte, out any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errorkind.ErrParseFailed, r)
		}
	}()
	var raw any
	if jsonErr := json.Unmarshal(b, &raw); jsonErr != nil {
		return fmt.Errorf("%w: %v", errorkind.ErrParseFailed, jsonErr)
	}
	raw = untagBinary(raw)
	switch p := out.(type) {
	case *any:
		*p = raw
		return nil
	case *map[string]any:
		if m, ok := raw.(map[string]any); ok {
			*p = m
			return nil
		}
	}
	repacked, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", errorkind.ErrParseFailed, err)
	}
	if err := json.Unmarshal(repacked, out); err != nil {
		return fmt.Errorf("%w: %v", errorkind.ErrParseFailed, err)
	}
	return nil
}

// DecodeValue is Decode into a generic any, the shape decode-inbound needs
// before it knows which concrete type to target.
func (c JSONCodec) DecodeValue(b []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errorkind.ErrParseFailed, err)
	}
	return untagBinary(raw), nil
}

func tagBinary(v any) any {
	switch t := v.(type) {
	case []byte:
		return map[string]any{binWrapperKey: base64.StdEncoding.EncodeToString(t)}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = tagBinary(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = tagBinary(val)
		}
		return out
	default:
		return v
	}
}

func untagBinary(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if s, ok := t[binWrapperKey].(string); ok {
				if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
					return decoded
				}
			}
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = untagBinary(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = untagBinary(val)
		}
		return out
	default:
		return v
	}
}
