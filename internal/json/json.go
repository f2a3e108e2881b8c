// Package json wraps the sonic JSON implementation behind the familiar
// encoding/json surface so the rest of the codebase switches implementations
// in one place.
package json

import "github.com/bytedance/sonic"

var api = sonic.ConfigStd

// Marshal encodes v as JSON.
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// MarshalString encodes v and returns the JSON as a string.
func MarshalString(v any) (string, error) {
	return api.MarshalToString(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// UnmarshalString decodes a JSON string into v.
func UnmarshalString(data string, v any) error {
	return api.UnmarshalFromString(data, v)
}

// Valid reports whether data is syntactically valid JSON.
func Valid(data []byte) bool {
	return api.Valid(data)
}
