package sseutil

import (
	"bytes"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// UnwrapEnvelope returns the inner content for Cloud Code wrapped responses.
// {"response": {...}} -> the inner object; anything else is returned as is.
func UnwrapEnvelope(rawJSON []byte) []byte {
	if len(rawJSON) == 0 {
		return rawJSON
	}
	if response := gjson.GetBytes(rawJSON, "response"); response.Exists() && response.IsObject() {
		return []byte(response.Raw)
	}
	return rawJSON
}

// WrapResponse wraps a Gemini chunk as {"response": chunk}.
func WrapResponse(payload []byte) []byte {
	return wrap("response", payload)
}

// WrapEnvelope wraps a Gemini request body as {"request": body}.
func WrapEnvelope(payload []byte) []byte {
	return wrap("request", payload)
}

func wrap(key string, payload []byte) []byte {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || !gjson.ValidBytes(trimmed) {
		return []byte("{}")
	}
	wrapped, err := sjson.SetRawBytes([]byte("{}"), key, trimmed)
	if err != nil {
		return []byte("{}")
	}
	return wrapped
}
