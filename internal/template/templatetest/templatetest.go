package templatetest

import (
	"os"
	"path/filepath"
	"testing"
)

const GodProfile = `{
  "$id": "god-profile",
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "step": 7,
  "phase": "pantheon",
  "source_chapter": 2,
  "type": "object",
  "required": ["name", "domain_primary", "alignment"],
  "properties": {
    "name": {"type": "string"},
    "domain_primary": {"type": "string"},
    "domains": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "alignment": {
      "type": "string",
      "enum": ["lawful-good", "neutral-good", "chaotic-good", "neutral", "lawful-evil", "neutral-evil", "chaotic-evil"]
    },
    "description": {"type": "string"},
    "rank": {"type": "integer"},
    "pantheon_id": {"type": "string", "x-cross-reference": true},
    "allies": {"type": "array", "items": {"type": "string", "x-cross-reference": "gods"}},
    "relationships": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["target_id"],
        "properties": {
          "target_id": {"type": "string", "x-cross-reference": true},
          "kind": {"type": "string"}
        }
      }
    },
    "holy_site": {
      "type": "object",
      "properties": {
        "settlement_id": {"type": "string", "x-cross-reference-type": "located_in"},
        "name": {"type": "string"}
      }
    }
  }
}
`

const Settlement = `{
  "$id": "settlement",
  "step": 21,
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string"},
    "population": {"type": "integer"},
    "patron_god_id": {"type": "string", "x-cross-reference": true},
    "description": {"type": "string"}
  }
}
`

const Pantheon = `{
  "$id": "pantheon-sheet",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string"},
    "members": {"type": "array", "items": {"type": "string"}, "x-cross-reference": "gods"},
    "phase": {"type": "string"}
  }
}
`

const Registry = `{
  "templates": {
    "pantheon-sheet": {"entity_type": "pantheons", "file": "pantheons/pantheon-sheet.json"}
  }
}
`

// Write lays out the fixture templates under dir and returns dir.
func Write(t testing.TB, dir string) string {
	t.Helper()
	files := map[string]string{
		filepath.Join("gods", "god-profile.json"):          GodProfile,
		filepath.Join("places", "settlement.json"):         Settlement,
		filepath.Join("pantheons", "pantheon-sheet.json"): Pantheon,
		"registry.json": Registry,
	}
	for name, contents := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("creating template dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			t.Fatalf("writing template %s: %v", name, err)
		}
	}
	return dir
}
