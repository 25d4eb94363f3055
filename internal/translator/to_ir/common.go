// Package to_ir parses client request bodies and upstream stream chunks into
// the intermediate representation.
package to_ir

import (
	"errors"
	"strings"

	"github.com/nghyane/omnigate/internal/json"
	"github.com/nghyane/omnigate/internal/translator/ir"
	"github.com/tidwall/gjson"
)

// ErrInvalidJSON is returned for request bodies that do not parse.
var ErrInvalidJSON = errors.New("invalid JSON body")

// ChunkParser turns upstream stream payloads into IR events. Flush is called
// once at end of stream and returns whatever the parser was holding back.
type ChunkParser interface {
	Parse(data []byte) []ir.StreamEvent
	Flush() []ir.StreamEvent
}

func parseRoot(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, ErrInvalidJSON
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return gjson.Result{}, ErrInvalidJSON
	}
	return root, nil
}

// parseDataURL splits "data:<mime>;base64,<data>". ok is false for plain URLs.
func parseDataURL(url string) (mime, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	header, payload, found := strings.Cut(url[len("data:"):], ",")
	if !found {
		return "", "", false
	}
	mime, _, _ = strings.Cut(header, ";")
	if mime == "" {
		mime = "application/octet-stream"
	}
	return mime, payload, true
}

func imagePartFromURL(url string) ir.ContentPart {
	if mime, data, ok := parseDataURL(url); ok {
		return ir.ContentPart{Type: ir.ContentTypeImage, Image: &ir.ImagePart{MimeType: mime, Data: data}}
	}
	return ir.ContentPart{Type: ir.ContentTypeImage, Image: &ir.ImagePart{URL: url}}
}

func textPart(text string) ir.ContentPart {
	return ir.ContentPart{Type: ir.ContentTypeText, Text: text}
}

// contentText flattens a string or a list of text blocks.
func contentText(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	if !v.IsArray() {
		if v.Exists() && v.Type != gjson.Null {
			return v.Raw
		}
		return ""
	}
	var b strings.Builder
	v.ForEach(func(_, block gjson.Result) bool {
		if t := block.Get("text"); t.Exists() {
			b.WriteString(t.String())
		}
		return true
	})
	return b.String()
}

func schemaMap(v gjson.Result) map[string]any {
	if !v.IsObject() {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v.Raw), &m); err != nil {
		return nil
	}
	return m
}

func floatPtr(v gjson.Result) *float64 {
	if !v.Exists() || v.Type != gjson.Number {
		return nil
	}
	f := v.Float()
	return &f
}

func intPtr(v gjson.Result) *int {
	if !v.Exists() || v.Type != gjson.Number {
		return nil
	}
	i := int(v.Int())
	return &i
}

func stringList(v gjson.Result) []string {
	if v.Type == gjson.String {
		if s := v.String(); s != "" {
			return []string{s}
		}
		return nil
	}
	var out []string
	v.ForEach(func(_, s gjson.Result) bool {
		out = append(out, s.String())
		return true
	})
	return out
}

// responseFormat parses an OpenAI chat response_format object.
func responseFormat(v gjson.Result) *ir.ResponseFormat {
	if !v.IsObject() {
		return nil
	}
	rf := &ir.ResponseFormat{Type: v.Get("type").String()}
	if rf.Type == "json_schema" {
		js := v.Get("json_schema")
		rf.Name = js.Get("name").String()
		if s := js.Get("schema"); s.IsObject() {
			rf.Schema = schemaMap(s)
		} else {
			rf.Schema = schemaMap(js)
		}
	}
	return rf
}

func thinkingFromClaude(v gjson.Result) *ir.ThinkingConfig {
	if !v.IsObject() {
		return nil
	}
	switch v.Get("type").String() {
	case "enabled":
		return &ir.ThinkingConfig{IncludeThoughts: true, Budget: int(v.Get("budget_tokens").Int())}
	case "disabled":
		return &ir.ThinkingConfig{}
	}
	return nil
}
