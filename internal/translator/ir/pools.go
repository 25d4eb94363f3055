package ir

import (
	"bytes"
	"sync"
)

var BytesBufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 1024))
	},
}

func GetBuffer() *bytes.Buffer {
	return BytesBufferPool.Get().(*bytes.Buffer)
}

// PutBuffer returns a buffer to the pool after resetting it.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 64<<10 {
		return
	}
	buf.Reset()
	BytesBufferPool.Put(buf)
}

// EmptyObjectSchema is shared; callers must copy before mutating.
var EmptyObjectSchema = map[string]any{
	"type":       "object",
	"properties": map[string]any{},
}

// BuildSSEChunk renders "data: <json>\n\n".
func BuildSSEChunk(jsonData []byte) []byte {
	buf := make([]byte, 0, 6+len(jsonData)+2)
	buf = append(buf, "data: "...)
	buf = append(buf, jsonData...)
	buf = append(buf, "\n\n"...)
	return buf
}

// BuildSSEEvent renders "event: <name>\ndata: <json>\n\n".
func BuildSSEEvent(eventType string, jsonData []byte) []byte {
	if eventType == "" {
		return BuildSSEChunk(jsonData)
	}
	buf := make([]byte, 0, 7+len(eventType)+7+len(jsonData)+2)
	buf = append(buf, "event: "...)
	buf = append(buf, eventType...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, jsonData...)
	buf = append(buf, "\n\n"...)
	return buf
}

// DoneChunk is the OpenAI terminal sentinel.
var DoneChunk = []byte("data: [DONE]\n\n")
