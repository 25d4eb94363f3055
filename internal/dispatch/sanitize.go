package dispatch

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// dropNulls removes every null object member, at any depth. Null array
// elements are kept so indexes stay stable.
func dropNulls(body []byte) []byte {
	var paths []string
	collectNulls(gjson.ParseBytes(body), "", &paths)
	// Delete deepest first so earlier paths stay valid.
	for i := len(paths) - 1; i >= 0; i-- {
		if out, err := sjson.DeleteBytes(body, paths[i]); err == nil {
			body = out
		}
	}
	return body
}

func collectNulls(v gjson.Result, prefix string, paths *[]string) {
	switch {
	case v.IsObject():
		v.ForEach(func(key, val gjson.Result) bool {
			p := joinPath(prefix, escapeKey(key.String()))
			if val.Type == gjson.Null {
				*paths = append(*paths, p)
			} else {
				collectNulls(val, p, paths)
			}
			return true
		})
	case v.IsArray():
		i := 0
		v.ForEach(func(_, val gjson.Result) bool {
			collectNulls(val, joinPath(prefix, strconv.Itoa(i)), paths)
			i++
			return true
		})
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

var pathEscaper = strings.NewReplacer(`\`, `\\`, ".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`, "!", `\!`)

func escapeKey(k string) string { return pathEscaper.Replace(k) }
