package template

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

const (
	keyCrossReference     = "x-cross-reference"
	keyCrossReferenceType = "x-cross-reference-type"
	keyEntityType         = "x-entity-type"
)

var strippedKeywords = map[string]bool{
	"$id":            true,
	"$schema":        true,
	"step":           true,
	"phase":          true,
	"source_chapter": true,
}

var commonSuffixes = []string{"-profile", "-template", "-sheet", "-entry", "-record", "-schema"}

type Template struct {
	ID         string
	EntityType string
	Path       string
	Raw        map[string]any
	Schema     *jsonschema.Schema

	resolved *jsonschema.Resolved
}

type Reference struct {
	Field  string `json:"field"`
	Target string `json:"target"`
	Label  string `json:"label"`
}

func Parse(path string, data []byte) (*Template, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing template %s: %w", path, err)
	}
	id, _ := raw["$id"].(string)
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("template %s has no $id", path)
	}

	stripped, err := json.Marshal(StripKeywords(raw))
	if err != nil {
		return nil, fmt.Errorf("encoding template %s: %w", id, err)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(stripped, &schema); err != nil {
		return nil, fmt.Errorf("decoding template %s: %w", id, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolving template %s: %w", id, err)
	}

	return &Template{
		ID:       id,
		Path:     path,
		Raw:      raw,
		Schema:   &schema,
		resolved: resolved,
	}, nil
}

// StripKeywords removes annotations a standard validator would reject.
// Keys of a "properties" map are field names and are never stripped.
func StripKeywords(node map[string]any) map[string]any {
	out := make(map[string]any, len(node))
	for k, v := range node {
		if strippedKeywords[k] || strings.HasPrefix(k, "x-") {
			continue
		}
		if k == "properties" {
			if props, ok := v.(map[string]any); ok {
				clean := make(map[string]any, len(props))
				for name, sub := range props {
					clean[name] = stripValue(sub)
				}
				out[k] = clean
				continue
			}
		}
		out[k] = stripValue(v)
	}
	return out
}

func stripValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return StripKeywords(val)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = stripValue(item)
		}
		return items
	default:
		return v
	}
}

func DeriveEntityType(templateID string) string {
	base := strings.ToLower(strings.TrimSpace(templateID))
	for _, suffix := range commonSuffixes {
		if strings.HasSuffix(base, suffix) && len(base) > len(suffix) {
			base = strings.TrimSuffix(base, suffix)
			break
		}
	}
	return pluralize(base)
}

func pluralize(word string) string {
	switch {
	case word == "":
		return word
	case strings.HasSuffix(word, "y") && len(word) > 1 && !strings.ContainsRune("aeiou", rune(word[len(word)-2])):
		return word[:len(word)-1] + "ies"
	case strings.HasSuffix(word, "s"), strings.HasSuffix(word, "x"), strings.HasSuffix(word, "z"),
		strings.HasSuffix(word, "ch"), strings.HasSuffix(word, "sh"):
		return word + "es"
	default:
		return word + "s"
	}
}

func (t *Template) CrossReferences(data map[string]any) []Reference {
	refs := make([]Reference, 0)
	props, _ := t.Raw["properties"].(map[string]any)
	seen := make(map[string]struct{})
	for _, name := range sortedKeys(props) {
		value, ok := data[name]
		if !ok {
			continue
		}
		sub, _ := props[name].(map[string]any)
		scanReferences(sub, value, name, seen, &refs)
	}
	return refs
}

func (t *Template) FieldReferences(field string, value any) []string {
	props, _ := t.Raw["properties"].(map[string]any)
	sub, _ := props[field].(map[string]any)
	if sub == nil {
		return []string{}
	}
	refs := make([]Reference, 0)
	scanReferences(sub, value, field, make(map[string]struct{}), &refs)
	targets := make([]string, 0, len(refs))
	for _, r := range refs {
		targets = append(targets, r.Target)
	}
	return targets
}

func scanReferences(schema map[string]any, value any, path string, seen map[string]struct{}, out *[]Reference) {
	if schema == nil || value == nil {
		return
	}
	if isAnnotated(schema) {
		label := referenceLabel(schema, path)
		for _, target := range stringValues(value) {
			key := path + "\x00" + target
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			*out = append(*out, Reference{Field: path, Target: target, Label: label})
		}
		return
	}

	switch val := value.(type) {
	case []any:
		items, _ := schema["items"].(map[string]any)
		for _, item := range val {
			scanReferences(items, item, path, seen, out)
		}
	case map[string]any:
		props, _ := schema["properties"].(map[string]any)
		for _, name := range sortedKeys(props) {
			sub, _ := props[name].(map[string]any)
			scanReferences(sub, val[name], path+"."+name, seen, out)
		}
	}
}

func isAnnotated(schema map[string]any) bool {
	if v, ok := schema[keyCrossReferenceType].(string); ok && v != "" {
		return true
	}
	switch v := schema[keyCrossReference].(type) {
	case bool:
		return v
	case string:
		return v != ""
	case map[string]any:
		return true
	}
	return false
}

func referenceLabel(schema map[string]any, path string) string {
	if v, ok := schema[keyCrossReferenceType].(string); ok && v != "" {
		return v
	}
	if v, ok := schema[keyCrossReference].(string); ok && v != "" {
		return v
	}
	return LabelFromField(path)
}

func LabelFromField(path string) string {
	field := path
	if i := strings.Index(field, "."); i >= 0 {
		field = field[:i]
	}
	field = strings.TrimSuffix(field, "_ids")
	field = strings.TrimSuffix(field, "_id")
	return field
}

func stringValues(value any) []string {
	switch v := value.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
