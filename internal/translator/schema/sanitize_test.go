package schema

import (
	"reflect"
	"testing"

	"github.com/nghyane/omnigate/internal/json"
)

func parse(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return m
}

var fixtures = map[string]string{
	"kitchen_sink": `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"title": "Args",
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"mode": {"const": "fast"},
			"level": {"enum": [1, 2.5, true, null]},
			"path": {"type": ["string", "null"], "minLength": 1, "pattern": "^/", "format": "uri"},
			"opts": {"allOf": [
				{"properties": {"a": {"type": "string"}}, "required": ["a"]},
				{"properties": {"b": {"type": "integer", "default": 3}}, "required": ["b", "a"]}
			]},
			"target": {"anyOf": [
				{"type": "null"},
				{"type": "string"},
				{"type": "object", "properties": {"id": {"type": "string", "examples": ["x"]}}}
			]},
			"list": {"type": "array", "minItems": 1, "items": [{"type": "object"}, {"$ref": "#/defs/x"}]},
			"style": {"type": "object", "properties": {"fontSize": {"type": "number"}}, "fontSize": 12, "padding": 4},
			"empty": {"type": "object"}
		},
		"required": ["mode", "ghost"],
		"$defs": {"x": {"type": "string"}}
	}`,
	"root_oneof_with_props": `{
		"type": "object",
		"properties": {"q": {"type": "string"}},
		"oneOf": [{"type": "object", "properties": {"z": {"type": "string"}}}]
	}`,
	"only_null": `{"type": ["null"], "anyOf": [{"type": "null"}]}`,
	"nested_union": `{"anyOf": [{"type": "string"}, {"anyOf": [{"type": "array", "items": {"type": "string"}}, {"type": "null"}]}]}`,
	"empty": `{}`,
}

func TestSanitizeIsIdempotent(t *testing.T) {
	for name, src := range fixtures {
		t.Run(name, func(t *testing.T) {
			once := Sanitize(parse(t, src))
			twice := Sanitize(once)
			if !reflect.DeepEqual(once, twice) {
				a, _ := json.Marshal(once)
				b, _ := json.Marshal(twice)
				t.Fatalf("not idempotent:\nonce:  %s\ntwice: %s", a, b)
			}
		})
	}
}

// keywordKeys collects every key that sits in a schema position, skipping
// the names inside properties maps.
func keywordKeys(node any, names bool, out map[string]int) {
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			if !names {
				out[k]++
			}
			keywordKeys(child, !names && k == "properties", out)
		}
	case []any:
		for _, child := range v {
			keywordKeys(child, false, out)
		}
	}
}

func TestSanitizeDenyListCompleteness(t *testing.T) {
	for _, kw := range Unsupported {
		t.Run(kw, func(t *testing.T) {
			in := map[string]any{
				"type": "object",
				kw:     "x",
				"properties": map[string]any{
					"nested": map[string]any{
						"type": "array",
						kw:     1,
						"items": []any{map[string]any{"type": "string", kw: true}},
					},
				},
			}
			keys := map[string]int{}
			keywordKeys(Sanitize(in), false, keys)
			if keys[kw] != 0 {
				t.Fatalf("keyword %q survived %d times", kw, keys[kw])
			}
		})
	}
}

func objectsHaveProperties(t *testing.T, node any, names bool) {
	t.Helper()
	switch v := node.(type) {
	case map[string]any:
		if !names && v["type"] == "object" {
			props, _ := v["properties"].(map[string]any)
			if len(props) == 0 {
				t.Errorf("object node without properties: %v", v)
			}
		}
		for k, child := range v {
			objectsHaveProperties(t, child, !names && k == "properties")
		}
	case []any:
		for _, child := range v {
			objectsHaveProperties(t, child, false)
		}
	}
}

func TestSanitizePlaceholderInvariant(t *testing.T) {
	for name, src := range fixtures {
		t.Run(name, func(t *testing.T) {
			objectsHaveProperties(t, Sanitize(parse(t, src)), false)
		})
	}
}

func TestSanitizeKitchenSink(t *testing.T) {
	out := Sanitize(parse(t, fixtures["kitchen_sink"])).(map[string]any)
	props := out["properties"].(map[string]any)

	if got := props["mode"].(map[string]any)["enum"]; !reflect.DeepEqual(got, []any{"fast"}) {
		t.Errorf("const -> enum = %v", got)
	}
	if got := props["level"].(map[string]any)["enum"]; !reflect.DeepEqual(got, []any{"1", "2.5", "true", "null"}) {
		t.Errorf("enum strings = %v", got)
	}
	path := props["path"].(map[string]any)
	if !reflect.DeepEqual(path, map[string]any{"type": "string"}) {
		t.Errorf("path = %v", path)
	}

	opts := props["opts"].(map[string]any)
	optProps := opts["properties"].(map[string]any)
	if _, ok := optProps["a"]; !ok {
		t.Error("allOf property a missing")
	}
	if b := optProps["b"].(map[string]any); b["default"] != nil {
		t.Error("default not stripped inside merged allOf")
	}
	if !reflect.DeepEqual(opts["required"], []any{"a", "b"}) {
		t.Errorf("allOf required = %v", opts["required"])
	}

	target := props["target"].(map[string]any)
	if target["type"] != "object" {
		t.Errorf("anyOf should pick the object branch, got %v", target)
	}

	style := props["style"].(map[string]any)
	if _, ok := style["fontSize"]; ok {
		t.Error("styling keyword fontSize survived at schema level")
	}
	if _, ok := style["properties"].(map[string]any)["fontSize"]; !ok {
		t.Error("property named fontSize must be preserved")
	}

	empty := props["empty"].(map[string]any)
	if !reflect.DeepEqual(empty["required"], []any{"reason"}) {
		t.Errorf("placeholder required = %v", empty["required"])
	}
	reason := empty["properties"].(map[string]any)["reason"].(map[string]any)
	if reason["description"] != placeholderDescription {
		t.Errorf("placeholder = %v", reason)
	}

	if !reflect.DeepEqual(out["required"], []any{"mode"}) {
		t.Errorf("root required = %v", out["required"])
	}
	for _, k := range []string{"$schema", "title", "additionalProperties", "$defs"} {
		if _, ok := out[k]; ok {
			t.Errorf("%s survived at root", k)
		}
	}
}

func TestSanitizeRootOneOfIgnoredWhenPropertiesExist(t *testing.T) {
	out := Sanitize(parse(t, fixtures["root_oneof_with_props"])).(map[string]any)
	props := out["properties"].(map[string]any)
	if _, ok := props["q"]; !ok {
		t.Error("existing properties must win")
	}
	if _, ok := props["z"]; ok {
		t.Error("oneOf branch must be discarded")
	}
}

func TestSanitizeTypeArrayOfOnlyNull(t *testing.T) {
	out := Sanitize(parse(t, fixtures["only_null"])).(map[string]any)
	if out["type"] != "string" {
		t.Errorf("type = %v, want string", out["type"])
	}
	if _, ok := out["anyOf"]; ok {
		t.Error("anyOf survived")
	}
}

func TestSanitizeNestedUnionResolvedFirst(t *testing.T) {
	out := Sanitize(parse(t, fixtures["nested_union"])).(map[string]any)
	if out["type"] != "array" {
		t.Errorf("nested union should resolve to array before parent picks, got %v", out)
	}
}

func TestSanitizeTieKeepsFirstBranch(t *testing.T) {
	out := Sanitize(parse(t, `{"anyOf":[{"type":"integer","description":"first"},{"type":"string","description":"second"}]}`)).(map[string]any)
	if out["description"] != "first" {
		t.Errorf("tie should keep first branch, got %v", out)
	}
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	in := parse(t, fixtures["kitchen_sink"])
	before, _ := json.Marshal(in)
	Sanitize(in)
	after, _ := json.Marshal(in)
	if string(before) != string(after) {
		t.Fatal("input was mutated")
	}
}

func TestSanitizeTotal(t *testing.T) {
	for _, in := range []any{nil, "str", 3.0, true, []any{map[string]any{"type": "object"}}} {
		_ = Sanitize(in)
	}
	if SanitizeMap(nil) != nil {
		t.Error("SanitizeMap(nil) should be nil")
	}
}

func TestSanitizeResponseSchema(t *testing.T) {
	out := SanitizeResponseSchema(parse(t, `{"$schema":"x","additionalProperties":false,"type":"object","properties":{"n":{"type":"number"}}}`))
	if _, ok := out["$schema"]; ok {
		t.Error("$schema survived")
	}
	if _, ok := out["properties"].(map[string]any)["n"]; !ok {
		t.Error("property lost")
	}
}
