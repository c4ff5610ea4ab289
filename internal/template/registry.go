package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"worldforge/internal/apperr"
)

const registryFile = "registry.json"

type registryEntry struct {
	EntityType string `json:"entity_type"`
	File       string `json:"file"`
}

type registryDocument struct {
	Templates map[string]registryEntry `json:"templates"`
}

type Registry struct {
	mu        sync.RWMutex
	dir       string
	templates map[string]*Template
	entries   map[string]registryEntry
}

func NewRegistry() *Registry {
	return &Registry{
		templates: make(map[string]*Template),
		entries:   make(map[string]registryEntry),
	}
}

func LoadRegistry(dir string) (*Registry, error) {
	r := NewRegistry()
	r.dir = dir
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Reload() error {
	templates := make(map[string]*Template)
	entries := make(map[string]registryEntry)

	if r.dir == "" {
		return nil
	}
	if _, err := os.Stat(r.dir); errors.Is(err, fs.ErrNotExist) {
		r.swap(templates, entries)
		return nil
	}

	regPath := filepath.Join(r.dir, registryFile)
	if data, err := os.ReadFile(regPath); err == nil {
		var doc registryDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return apperr.Corrupt(regPath, err, "fix or remove the template registry file")
		}
		for id, entry := range doc.Templates {
			entries[id] = entry
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return apperr.IO(regPath, "could not read template registry", err)
	}

	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") || path == regPath {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return apperr.IO(path, "could not read template", err)
		}
		t, err := Parse(path, data)
		if err != nil {
			return apperr.Corrupt(path, err, "fix the template file")
		}
		if existing, dup := templates[t.ID]; dup {
			return fmt.Errorf("duplicate template $id %q in %s and %s", t.ID, existing.Path, path)
		}
		templates[t.ID] = t
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}

	for _, t := range templates {
		t.EntityType = entityTypeFor(t, entries)
	}
	r.swap(templates, entries)
	return nil
}

func (r *Registry) swap(templates map[string]*Template, entries map[string]registryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates = templates
	r.entries = entries
}

func (r *Registry) Add(t *Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.EntityType == "" {
		t.EntityType = entityTypeFor(t, r.entries)
	}
	r.templates[t.ID] = t
}

func (r *Registry) Get(id string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return nil, apperr.NotFound(id, "template not found; check the templates directory")
	}
	return t, nil
}

func (r *Registry) Lookup(id string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	return t, ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func entityTypeFor(t *Template, entries map[string]registryEntry) string {
	if entry, ok := entries[t.ID]; ok && entry.EntityType != "" {
		return entry.EntityType
	}
	if v, ok := t.Raw[keyEntityType].(string); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return DeriveEntityType(t.ID)
}
