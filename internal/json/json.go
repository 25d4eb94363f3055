// Package json is a drop-in replacement for encoding/json backed by sonic.
package json

import (
	stdjson "encoding/json"
	"io"

	"github.com/bytedance/sonic"
)

var api = sonic.Config{
	EscapeHTML:       false,
	SortMapKeys:      true,
	CompactMarshaler: true,
	CopyString:       true,
	ValidateString:   true,
}.Froze()

type (
	RawMessage = stdjson.RawMessage
	Number     = stdjson.Number
	Marshaler  = stdjson.Marshaler
)

func Marshal(v any) ([]byte, error) { return api.Marshal(v) }

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error { return api.Unmarshal(data, v) }

func Valid(data []byte) bool { return api.Valid(data) }

func NewDecoder(r io.Reader) sonic.Decoder { return api.NewDecoder(r) }

func NewEncoder(w io.Writer) sonic.Encoder { return api.NewEncoder(w) }

// MustMarshal is for values that cannot fail to encode (maps of plain values).
func MustMarshal(v any) []byte {
	b, err := api.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}
