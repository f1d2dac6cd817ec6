package extension

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JSON returns a codec that marshals the payload as-is and decodes the
// response body into T.
func JSON[T any]() Codec {
	return Codec{Encode: EncodeJSON, Decode: DecodeInto[T]}
}

// NoBody returns a codec that sends nothing and decodes the response into T.
func NoBody[T any]() Codec {
	return Codec{Decode: DecodeInto[T]}
}

// EncodeJSON marshals payload. A nil payload yields an empty body.
func EncodeJSON(payload any) (string, error) {
	if payload == nil {
		return "", nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request body: %w", err)
	}
	return string(b), nil
}

// DecodeInto unmarshals body into a new T. An empty body yields the zero T.
func DecodeInto[T any](body string) (any, error) {
	var out T
	if strings.TrimSpace(body) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("unmarshal response body into %T: %w", out, err)
	}
	return out, nil
}

// PayloadAs asserts payload to T, for Encode funcs expecting a typed request.
func PayloadAs[T any](payload any) (T, error) {
	v, ok := payload.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected request payload %T, want %T", payload, zero)
	}
	return v, nil
}
