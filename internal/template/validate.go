package template

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"worldforge/internal/apperr"
)

var typeNames = map[string]string{
	"string":  "text",
	"integer": "a whole number",
	"number":  "a number",
	"boolean": "true or false",
	"array":   "a list",
	"object":  "a group of fields",
	"null":    "empty",
}

// Normalize converts arbitrary Go values into the JSON value model
// (map[string]any, []any, float64, string, bool, nil).
func Normalize(data map[string]any) (map[string]any, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding entity data: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, fmt.Errorf("decoding entity data: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func (t *Template) Validate(data map[string]any) []apperr.Violation {
	violations := make([]apperr.Violation, 0)
	validateNode(t.Schema, data, "", &violations)
	if len(violations) > 0 || t.resolved == nil {
		return violations
	}
	if err := t.resolved.Validate(data); err != nil {
		violations = append(violations, apperr.Violation{
			Message: fmt.Sprintf("the entity does not match template %q: %v", t.ID, err),
		})
	}
	return violations
}

func validateNode(s *jsonschema.Schema, value any, path string, out *[]apperr.Violation) {
	if s == nil {
		return
	}

	types := schemaTypes(s)
	if len(types) > 0 && !matchesAny(types, value) {
		*out = append(*out, apperr.Violation{
			Path:    path,
			Message: fmt.Sprintf("%s should be %s but is %s", fieldName(path), describeTypes(types), describeValue(value)),
		})
		return
	}

	if len(s.Enum) > 0 && !inEnum(s.Enum, value) {
		allowed := make([]string, 0, len(s.Enum))
		for _, e := range s.Enum {
			allowed = append(allowed, fmt.Sprint(e))
		}
		*out = append(*out, apperr.Violation{
			Path:    path,
			Message: fmt.Sprintf("%s must be one of: %s (got %v)", fieldName(path), strings.Join(allowed, ", "), value),
		})
	}

	switch val := value.(type) {
	case map[string]any:
		for _, name := range s.Required {
			if _, ok := val[name]; !ok {
				p := joinPath(path, name)
				*out = append(*out, apperr.Violation{
					Path:    p,
					Message: fmt.Sprintf("%s is required but missing", fieldName(p)),
				})
			}
		}
		names := make([]string, 0, len(s.Properties))
		for name := range s.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if sub, ok := val[name]; ok {
				validateNode(s.Properties[name], sub, joinPath(path, name), out)
			}
		}
	case []any:
		if s.MinItems != nil && len(val) < *s.MinItems {
			*out = append(*out, apperr.Violation{
				Path:    path,
				Message: fmt.Sprintf("%s needs at least %d item(s) but has %d", fieldName(path), *s.MinItems, len(val)),
			})
		}
		for i, item := range val {
			validateNode(s.Items, item, fmt.Sprintf("%s[%d]", path, i), out)
		}
	}
}

func schemaTypes(s *jsonschema.Schema) []string {
	if s.Type != "" {
		return []string{s.Type}
	}
	return s.Types
}

func matchesAny(types []string, value any) bool {
	for _, t := range types {
		if matchesType(t, value) {
			return true
		}
	}
	return false
}

func matchesType(t string, value any) bool {
	switch t {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "null":
		return value == nil
	}
	return true
}

func inEnum(enum []any, value any) bool {
	for _, e := range enum {
		if e == value {
			return true
		}
		if ef, ok := toFloat(e); ok {
			if vf, ok := toFloat(value); ok && ef == vf {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func describeTypes(types []string) string {
	names := make([]string, 0, len(types))
	for _, t := range types {
		if n, ok := typeNames[t]; ok {
			names = append(names, n)
		} else {
			names = append(names, t)
		}
	}
	return strings.Join(names, " or ")
}

func describeValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "empty"
	case string:
		return "text"
	case bool:
		return "true/false"
	case float64:
		if v == math.Trunc(v) {
			return "a whole number"
		}
		return "a number"
	case []any:
		return "a list"
	case map[string]any:
		return "a group of fields"
	}
	return fmt.Sprintf("%T", value)
}

func fieldName(path string) string {
	if path == "" {
		return "the entity"
	}
	return fmt.Sprintf("field %q", path)
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
