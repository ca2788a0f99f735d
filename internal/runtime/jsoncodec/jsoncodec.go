// Package jsoncodec is the JSON codec of the runtime: sonic configured to
// behave like encoding/json, so output is compatible with peers that decode
// with the standard library.
package jsoncodec

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

func Marshal(v any) ([]byte, error) { return api.Marshal(v) }
func Unmarshal(data []byte, v any) error { return api.Unmarshal(data, v) }
func Encode(w io.Writer, v any) error { return api.NewEncoder(w).Encode(v) }
func Valid(data []byte) bool { return api.Valid(data) }

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

// Raw encodes v for embedding in another document. Byte slices are taken
// to be JSON already and returned as they are.
func Raw(v any) (json.RawMessage, error) {
	switch b := v.(type) {
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	}
	return Marshal(v)
}

// IsNull reports whether raw is empty, blank or the literal null.
func IsNull(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	return len(v) == 0 || string(v) == "null"
}
