package entity

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"worldforge/internal/apperr"
	"worldforge/internal/atomicio"
)

const (
	StatusDraft = "draft"
	StatusCanon = "canon"
)

const (
	keyID          = "id"
	keyMeta        = "_meta"
	keyCanonClaims = "canon_claims"
)

type Meta struct {
	ID          string    `json:"id"`
	TemplateID  string    `json:"template_id"`
	EntityType  string    `json:"entity_type"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	StepCreated int       `json:"step_created"`
	FilePath    string    `json:"file_path"`
}

type CanonClaim struct {
	Claim      string   `json:"claim"`
	References []string `json:"references"`
}

type Entity struct {
	ID          string
	Meta        Meta
	Data        map[string]any
	CanonClaims []CanonClaim

	Path string
}

type Summary struct {
	ID         string    `json:"-"`
	TemplateID string    `json:"template_id"`
	EntityType string    `json:"entity_type"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	FilePath   string    `json:"file_path"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type FileError struct {
	Path string
	Err  error
}

func ValidStatus(status string) bool {
	return status == StatusDraft || status == StatusCanon
}

func IsInternalKey(key string) bool {
	return strings.HasPrefix(key, "_") || key == keyID || key == keyCanonClaims
}

func StripInternal(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if IsInternalKey(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func (e *Entity) Name() string {
	if name, ok := e.Data["name"].(string); ok && strings.TrimSpace(name) != "" {
		return name
	}
	if title, ok := e.Data["title"].(string); ok && strings.TrimSpace(title) != "" {
		return title
	}
	return e.ID
}

func (e *Entity) Summary() Summary {
	return Summary{
		ID:         e.ID,
		TemplateID: e.Meta.TemplateID,
		EntityType: e.Meta.EntityType,
		Name:       e.Name(),
		Status:     e.Meta.Status,
		FilePath:   e.Meta.FilePath,
		CreatedAt:  e.Meta.CreatedAt,
		UpdatedAt:  e.Meta.UpdatedAt,
	}
}

func (e *Entity) Document() map[string]any {
	doc := make(map[string]any, len(e.Data)+3)
	for k, v := range e.Data {
		doc[k] = v
	}
	doc[keyID] = e.ID
	doc[keyMeta] = e.Meta
	claims := e.CanonClaims
	if claims == nil {
		claims = []CanonClaim{}
	}
	doc[keyCanonClaims] = claims
	return doc
}

func (e *Entity) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Document())
}

func (e *Entity) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var out Entity
	if v, ok := raw[keyMeta]; ok {
		if err := json.Unmarshal(v, &out.Meta); err != nil {
			return fmt.Errorf("decoding _meta: %w", err)
		}
	}
	if v, ok := raw[keyID]; ok {
		if err := json.Unmarshal(v, &out.ID); err != nil {
			return fmt.Errorf("decoding id: %w", err)
		}
	}
	if out.ID == "" {
		out.ID = out.Meta.ID
	}
	if v, ok := raw[keyCanonClaims]; ok {
		if err := json.Unmarshal(v, &out.CanonClaims); err != nil {
			return fmt.Errorf("decoding canon_claims: %w", err)
		}
	}
	if out.CanonClaims == nil {
		out.CanonClaims = []CanonClaim{}
	}

	out.Data = make(map[string]any, len(raw))
	for k, v := range raw {
		if IsInternalKey(k) {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("decoding field %s: %w", k, err)
		}
		out.Data[k] = val
	}

	out.Path = e.Path
	*e = out
	return nil
}

func Encode(e *Entity) ([]byte, error) {
	return atomicio.Marshal(e.Document())
}

func Decode(data []byte) (*Entity, error) {
	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.ID == "" {
		return nil, fmt.Errorf("document has no id")
	}
	return &e, nil
}

func ReadFile(path string) (*Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFound(path, "entity file does not exist")
		}
		return nil, apperr.IO(path, "could not read entity file", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, apperr.Corrupt(path, fmt.Errorf("file is empty"), `run "worldforge health repair"`)
	}
	e, err := Decode(data)
	if err != nil {
		return nil, apperr.Corrupt(path, err, `run "worldforge health repair"`)
	}
	e.Path = path
	return e, nil
}

func WriteFile(path string, e *Entity) error {
	data, err := Encode(e)
	if err != nil {
		return fmt.Errorf("encoding entity %s: %w", e.ID, err)
	}
	return atomicio.WriteFile(path, data, 0o644)
}

// ReadAll reads every entity file under dir without taking any store lock.
func ReadAll(dir string) ([]*Entity, []FileError, error) {
	entities := make([]*Entity, 0)
	failures := make([]FileError, 0)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return filepath.SkipAll
			}
			return err
		}
		if !IsEntityFile(path, d) {
			return nil
		}
		e, err := ReadFile(path)
		if err != nil {
			failures = append(failures, FileError{Path: path, Err: err})
			return nil
		}
		entities = append(entities, e)
		return nil
	})
	if err != nil {
		return nil, nil, apperr.IO(dir, "could not scan entity files", err)
	}
	return entities, failures, nil
}

func IsEntityFile(path string, d fs.DirEntry) bool {
	if d.IsDir() || atomicio.IsTempFile(path) {
		return false
	}
	return strings.HasSuffix(d.Name(), ".json")
}

// Paths stored in _meta and the state index are relative to the project root.
func RelativePath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func AbsolutePath(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, filepath.FromSlash(path))
}
