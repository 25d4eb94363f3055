// Package sseutil provides shared SSE (Server-Sent Events) processing utilities.
// This package is designed to be imported by both executor and stream packages
// without creating circular dependencies.
package sseutil

import (
	"bytes"
)

var (
	doneMarker  = []byte("[DONE]")
	dataPrefix  = []byte("data:")
	eventPrefix = []byte("event:")
)

// JSONPayload extracts JSON payload from SSE line.
// Returns nil if line is empty, [DONE], event:, or not valid JSON start.
func JSONPayload(line []byte) []byte {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	if bytes.Equal(trimmed, doneMarker) {
		return nil
	}
	if bytes.HasPrefix(trimmed, eventPrefix) {
		return nil
	}
	if bytes.HasPrefix(trimmed, dataPrefix) {
		trimmed = bytes.TrimSpace(trimmed[len(dataPrefix):])
	}
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil
	}
	return trimmed
}

// LineKind classifies one SSE line.
type LineKind int

const (
	LineOther LineKind = iota
	LineData
	LineDone
	LineEvent
	LineEmpty
)

// ParseLine classifies line and returns the payload for data lines. A bare
// JSON object without a data: prefix is accepted as data.
func ParseLine(line []byte) (LineKind, []byte) {
	trimmed := bytes.TrimSpace(line)
	switch {
	case len(trimmed) == 0:
		return LineEmpty, nil
	case bytes.HasPrefix(trimmed, eventPrefix):
		return LineEvent, bytes.TrimSpace(trimmed[len(eventPrefix):])
	case bytes.HasPrefix(trimmed, dataPrefix):
		payload := bytes.TrimSpace(trimmed[len(dataPrefix):])
		if bytes.Equal(payload, doneMarker) {
			return LineDone, nil
		}
		return LineData, payload
	case bytes.Equal(trimmed, doneMarker):
		return LineDone, nil
	case trimmed[0] == '{':
		return LineData, trimmed
	}
	return LineOther, nil
}

// NormalizeDataPrefix rewrites "data:x" to "data: x". Other lines are
// returned unchanged.
func NormalizeDataPrefix(line []byte) []byte {
	if !bytes.HasPrefix(line, dataPrefix) || bytes.HasPrefix(line, []byte("data: ")) {
		return line
	}
	out := make([]byte, 0, len(line)+1)
	out = append(out, "data: "...)
	out = append(out, line[len(dataPrefix):]...)
	return out
}

// DataLine renders payload as a single "data: <payload>\n" line.
func DataLine(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+7)
	out = append(out, "data: "...)
	out = append(out, payload...)
	return append(out, '\n')
}
