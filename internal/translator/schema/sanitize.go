// Package schema rewrites arbitrary JSON Schema into the restricted dialect
// accepted by Gemini-family function declarations.
package schema

import (
	"math"
	"strconv"

	"github.com/nghyane/omnigate/internal/json"
)

// Unsupported lists keywords removed at every schema level.
var Unsupported = []string{
	"minLength", "maxLength", "exclusiveMinimum", "exclusiveMaximum", "pattern",
	"minItems", "maxItems", "format",
	"default", "examples",
	"$schema", "$defs", "definitions", "const", "$ref",
	"additionalProperties", "propertyNames", "patternProperties",
	"anyOf", "oneOf", "allOf", "not",
	"dependencies", "dependentSchemas", "dependentRequired",
	"title", "if", "then", "else", "contentMediaType", "contentEncoding",
	// Styling keys some clients put in tool schemas.
	"cornerRadius", "fillColor", "fontFamily", "fontSize", "fontWeight",
	"gap", "padding", "strokeColor", "strokeThickness", "textColor",
}

const placeholderDescription = "Brief explanation of why you are calling this tool"

// Sanitize returns a cleaned deep copy of s. It never panics and never
// mutates its input; Sanitize(Sanitize(s)) equals Sanitize(s).
//
// Keys of a "properties" map are property names, not keywords, so a
// property called "title" or "format" survives.
func Sanitize(s any) any {
	out := deepCopy(s)

	walk(out, false, constToEnum)
	walk(out, false, enumToStrings)
	walk(out, false, mergeAllOf)
	walkPost(out, false, collapseUnions)
	walk(out, false, collapseTypeArrays)
	walk(out, false, stripUnsupported)
	walk(out, false, pruneRequired)
	walk(out, false, addPlaceholder)
	return out
}

// SanitizeMap is Sanitize for the common map-rooted case. A nil map
// yields nil.
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := Sanitize(m).(map[string]any)
	return out
}

// SanitizeResponseSchema prepares a response_format schema: the root-level
// $schema and additionalProperties go first, then the full Sanitize pass.
func SanitizeResponseSchema(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c, _ := deepCopy(m).(map[string]any)
	delete(c, "$schema")
	delete(c, "additionalProperties")
	return SanitizeMap(c)
}

// walk calls fn on every schema node before descending. Maps reached
// through a "properties" key are name→schema tables: fn is not applied to
// them, only to their values.
func walk(node any, names bool, fn func(map[string]any)) {
	switch v := node.(type) {
	case map[string]any:
		if !names {
			fn(v)
		}
		for k, child := range v {
			walk(child, !names && k == "properties", fn)
		}
	case []any:
		for _, child := range v {
			walk(child, false, fn)
		}
	}
}

// walkPost is walk with children visited first.
func walkPost(node any, names bool, fn func(map[string]any)) {
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			walkPost(child, !names && k == "properties", fn)
		}
		if !names {
			fn(v)
		}
	case []any:
		for _, child := range v {
			walkPost(child, false, fn)
		}
	}
}

func constToEnum(m map[string]any) {
	c, ok := m["const"]
	if !ok {
		return
	}
	if _, has := m["enum"]; !has {
		m["enum"] = []any{c}
	}
	delete(m, "const")
}

func enumToStrings(m map[string]any) {
	values, ok := m["enum"].([]any)
	if !ok {
		return
	}
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = stringify(v)
	}
	m["enum"] = out
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(x)
	case float64:
		if math.IsInf(x, 0) || math.IsNaN(x) {
			return strconv.FormatFloat(x, 'g', -1, 64)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func mergeAllOf(m map[string]any) {
	branches, ok := m["allOf"].([]any)
	if !ok {
		return
	}
	delete(m, "allOf")

	props, _ := m["properties"].(map[string]any)
	required := toStrings(m["required"])
	seen := make(map[string]bool, len(required))
	for _, r := range required {
		seen[r] = true
	}

	for _, b := range branches {
		branch, ok := b.(map[string]any)
		if !ok {
			continue
		}
		if bp, ok := branch["properties"].(map[string]any); ok {
			if props == nil {
				props = make(map[string]any, len(bp))
			}
			for k, v := range bp {
				props[k] = v
			}
		}
		for _, r := range toStrings(branch["required"]) {
			if !seen[r] {
				seen[r] = true
				required = append(required, r)
			}
		}
	}

	if props != nil {
		m["properties"] = props
	}
	if len(required) > 0 {
		m["required"] = fromStrings(required)
	}
}

func collapseUnions(m map[string]any) {
	if branch := pickBranch(m["anyOf"]); branch != nil {
		delete(m, "anyOf")
		splice(m, branch)
	}
	if branch := pickBranch(m["oneOf"]); branch != nil {
		delete(m, "oneOf")
		if props, ok := m["properties"].(map[string]any); !ok || len(props) == 0 {
			splice(m, branch)
		}
	}
}

// pickBranch returns the richest non-null branch, or nil when there is none.
// First occurrence wins ties.
func pickBranch(v any) map[string]any {
	branches, ok := v.([]any)
	if !ok {
		return nil
	}
	var best map[string]any
	bestScore := -1
	for _, b := range branches {
		branch, ok := b.(map[string]any)
		if !ok || branch["type"] == "null" {
			continue
		}
		if s := score(branch); s > bestScore {
			best, bestScore = branch, s
		}
	}
	return best
}

func score(branch map[string]any) int {
	t, _ := branch["type"].(string)
	_, hasProps := branch["properties"]
	_, hasItems := branch["items"]
	switch {
	case t == "object" || hasProps:
		return 3
	case t == "array" || hasItems:
		return 2
	case t != "" && t != "null":
		return 1
	default:
		return 0
	}
}

func splice(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

func collapseTypeArrays(m map[string]any) {
	types, ok := m["type"].([]any)
	if !ok {
		return
	}
	for _, t := range types {
		if s, ok := t.(string); ok && s != "null" {
			m["type"] = s
			return
		}
	}
	m["type"] = "string"
}

func stripUnsupported(m map[string]any) {
	for _, k := range Unsupported {
		delete(m, k)
	}
}

func pruneRequired(m map[string]any) {
	raw, ok := m["required"]
	if !ok {
		return
	}
	props, _ := m["properties"].(map[string]any)
	kept := make([]any, 0)
	for _, r := range toStrings(raw) {
		if _, declared := props[r]; declared {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(m, "required")
		return
	}
	m["required"] = kept
}

func addPlaceholder(m map[string]any) {
	if m["type"] != "object" {
		return
	}
	if props, ok := m["properties"].(map[string]any); ok && len(props) > 0 {
		return
	}
	m["properties"] = map[string]any{
		"reason": map[string]any{
			"type":        "string",
			"description": placeholderDescription,
		},
	}
	m["required"] = []any{"reason"}
}

func toStrings(v any) []string {
	switch x := v.(type) {
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return nil
	}
}

func fromStrings(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = deepCopy(e)
		}
		return out
	case []string:
		return fromStrings(x)
	case []map[string]any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}
