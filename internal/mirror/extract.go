package mirror

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"

	"worldforge/internal/entity"
	"worldforge/internal/template"
)

const claimReferenceType = "references"

var idPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*-[0-9a-f]{4}$`)

var relationshipFields = map[string]bool{
	"allies": true, "enemies": true, "rivals": true, "members": true,
	"leader": true, "ruler": true, "founder": true, "patron_god": true,
	"patron_deity": true, "deity": true, "pantheon": true, "location": true,
	"settlement": true, "region": true, "species": true, "parent": true,
	"children": true, "related_entities": true, "relationships": true,
}

var objectTargetKeys = []string{"id", "target", "target_id", "entity_id", "entity"}

func LooksLikeID(s string) bool {
	return idPattern.MatchString(s)
}

// Extract derives the mirror rows for one entity. Templates are optional:
// without one, references come from claims and well-known field shapes.
func Extract(e *entity.Entity, t *template.Template) Record {
	data, _ := json.Marshal(e.Data)
	claims := make([]Claim, 0, len(e.CanonClaims))
	texts := make([]string, 0, len(e.CanonClaims))
	for i, c := range e.CanonClaims {
		refs := c.References
		if refs == nil {
			refs = []string{}
		}
		claims = append(claims, Claim{EntityID: e.ID, Position: i, Claim: c.Claim, References: refs})
		texts = append(texts, c.Claim)
	}

	return Record{
		Row: Row{
			ID:          e.ID,
			Name:        e.Name(),
			EntityType:  e.Meta.EntityType,
			TemplateID:  e.Meta.TemplateID,
			Status:      e.Meta.Status,
			StepCreated: e.Meta.StepCreated,
			CreatedAt:   formatTime(e.Meta.CreatedAt),
			UpdatedAt:   formatTime(e.Meta.UpdatedAt),
			FilePath:    e.Meta.FilePath,
			Tags:        joinText(e.Data["tags"]),
			Description: firstText(e.Data, "description", "summary"),
			ClaimsText:  strings.Join(texts, " "),
			Data:        string(data),
		},
		Claims:    claims,
		CrossRefs: extractCrossRefs(e, t),
	}
}

func extractCrossRefs(e *entity.Entity, t *template.Template) []CrossRef {
	out := make([]CrossRef, 0)
	seen := make(map[string]bool)
	targets := make(map[string]bool)
	add := func(target, relType, field string) {
		if target == "" || target == e.ID {
			return
		}
		key := target + "\x00" + field
		if seen[key] {
			return
		}
		seen[key] = true
		targets[target] = true
		out = append(out, CrossRef{SourceID: e.ID, TargetID: target, RelationshipType: relType, SourceField: field})
	}

	if t != nil {
		for _, ref := range t.CrossReferences(e.Data) {
			add(ref.Target, ref.Label, ref.Field)
		}
	}
	schemaTargets := make(map[string]bool, len(targets))
	for target := range targets {
		schemaTargets[target] = true
	}

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, field := range keys {
		if !relationshipFields[field] && !strings.HasSuffix(field, "_id") && !strings.HasSuffix(field, "_ids") {
			continue
		}
		for _, target := range candidateIDs(e.Data[field]) {
			if schemaTargets[target] {
				continue
			}
			add(target, template.LabelFromField(field), field)
		}
	}

	for _, c := range e.CanonClaims {
		for _, target := range c.References {
			if targets[target] {
				continue
			}
			add(target, claimReferenceType, "canon_claims")
		}
	}
	return out
}

func candidateIDs(value any) []string {
	out := make([]string, 0)
	switch v := value.(type) {
	case string:
		if LooksLikeID(v) {
			out = append(out, v)
		}
	case []any:
		for _, item := range v {
			out = append(out, candidateIDs(item)...)
		}
	case map[string]any:
		for _, key := range objectTargetKeys {
			if s, ok := v[key].(string); ok && LooksLikeID(s) {
				out = append(out, s)
			}
		}
	}
	return out
}

func joinText(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

func firstText(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := data[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
