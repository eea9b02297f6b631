package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Flatten extracts a case-insensitive lookup dictionary from a trigger
// payload. Nested maps and arrays are flattened with dotted/bracketed keys,
// and the short leaf name is registered alongside the fully qualified key so
// templates can reference either ("order.lines[0].sku" or just "sku"). When
// the same leaf name occurs more than once, the first occurrence wins.
func Flatten(payload map[string]any) map[string]string {
	out := make(map[string]string)
	flattenInto(out, "", payload)
	return out
}

func flattenInto(out map[string]string, prefix string, value any) {
	switch t := value.(type) {
	case map[string]any:
		for k, child := range t {
			qualified := k
			if prefix != "" {
				qualified = prefix + "." + k
			}
			flattenInto(out, qualified, child)
		}
	case []any:
		for i, child := range t {
			flattenInto(out, fmt.Sprintf("%s[%d]", prefix, i), child)
		}
	default:
		if prefix == "" {
			return
		}
		s := formatValue(value)
		out[strings.ToLower(prefix)] = s
		leaf := strings.ToLower(leafName(prefix))
		if _, exists := out[leaf]; !exists {
			out[leaf] = s
		}
	}
}

func leafName(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		path = path[i+1:]
	}
	if i := strings.Index(path, "["); i >= 0 {
		path = path[:i]
	}
	return path
}

var placeholderRes = []*regexp.Regexp{
	regexp.MustCompile(`\{\{\s*([\w.\[\]]+)\s*\}\}`),
	regexp.MustCompile(`\$\{\s*([\w.\[\]]+)\s*\}`),
	regexp.MustCompile(`\{\s*([\w.\[\]]+)\s*\}`),
}

// Substitute resolves {{field}}, ${field} and {field} placeholders against a
// flattened payload dictionary. Unmatched placeholders are left verbatim.
func Substitute(template string, data map[string]string) string {
	result := template
	for _, re := range placeholderRes {
		result = re.ReplaceAllStringFunc(result, func(match string) string {
			key := strings.ToLower(re.FindStringSubmatch(match)[1])
			if v, ok := data[key]; ok {
				return v
			}
			return match
		})
	}
	return result
}
