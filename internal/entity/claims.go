package entity

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"worldforge/internal/template"
)

// ExtractClaims restates each populated field as one claim, or one claim
// per object for arrays of objects. Output depends only on name, data and t.
func ExtractClaims(name string, data map[string]any, t *template.Template) []CanonClaim {
	claims := make([]CanonClaim, 0)
	keys := make([]string, 0, len(data))
	for k := range data {
		if IsInternalKey(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, field := range keys {
		value := data[field]
		if isEmpty(value) {
			continue
		}
		label := strings.ReplaceAll(field, "_", " ")

		if items, ok := value.([]any); ok && containsObject(items) {
			for _, item := range items {
				if isEmpty(item) {
					continue
				}
				claims = append(claims, CanonClaim{
					Claim:      fmt.Sprintf("%s's %s: %s", name, label, formatValue(item)),
					References: fieldReferences(t, field, []any{item}),
				})
			}
			continue
		}

		var text string
		switch value.(type) {
		case []any, map[string]any:
			text = fmt.Sprintf("%s's %s: %s", name, label, formatValue(value))
		default:
			text = fmt.Sprintf("%s's %s is %s", name, label, formatValue(value))
		}
		claims = append(claims, CanonClaim{
			Claim:      text,
			References: fieldReferences(t, field, value),
		})
	}
	return claims
}

func fieldReferences(t *template.Template, field string, value any) []string {
	if t == nil {
		return []string{}
	}
	return t.FieldReferences(field, value)
}

func containsObject(items []any) bool {
	for _, item := range items {
		if _, ok := item.(map[string]any); ok {
			return true
		}
	}
	return false
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}
	return false
}

func formatValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if isEmpty(item) {
				continue
			}
			parts = append(parts, formatValue(item))
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if isEmpty(v[k]) {
				continue
			}
			sub := formatValue(v[k])
			if _, nested := v[k].(map[string]any); nested {
				sub = "(" + sub + ")"
			}
			parts = append(parts, strings.ReplaceAll(k, "_", " ")+": "+sub)
		}
		return strings.Join(parts, "; ")
	case nil:
		return ""
	}
	return fmt.Sprint(value)
}

func claimText(claims []CanonClaim) string {
	parts := make([]string, 0, len(claims))
	for _, c := range claims {
		parts = append(parts, c.Claim)
	}
	return strings.Join(parts, " ")
}
