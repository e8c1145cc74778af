package store

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Codec serializes booking records for the file and redis backends.
// It uses the standard library for encoding and sonic for decoding.
type Codec struct{}

func (Codec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}
