package entity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"worldforge/internal/apperr"
	"worldforge/internal/atomicio"
	"worldforge/internal/config"
	"worldforge/internal/logging"
	"worldforge/internal/template"
)

const SnapshotTimeLayout = "20060102T150405.000000Z"

const maxIDAttempts = 16

var searchFields = []string{
	"description", "summary", "tags", "title", "domain_primary", "domains",
	"notes", "history", "culture", "appearance", "personality", "role",
}

type Store struct {
	mu       sync.Mutex
	paths    config.Paths
	registry *template.Registry
	log      *zap.Logger
	now      func() time.Time

	state *State
	refs  *referenceIndex
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(paths config.Paths, registry *template.Registry, log *zap.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		paths:    paths,
		registry: registry,
		log:      logging.OrNop(log).Named("entity"),
		now:      time.Now,
		refs:     newReferenceIndex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.loadStateLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadStateLocked() error {
	state, err := LoadState(s.paths.StateFile)
	switch {
	case err == nil:
		s.state = state
	case errors.Is(err, apperr.ErrNotFound):
		s.state = NewState()
	case errors.Is(err, apperr.ErrCorruptData):
		s.log.Warn("state file is corrupt, starting with an empty index", zap.String("path", s.paths.StateFile), zap.Error(err))
		s.state = NewState()
	default:
		return fmt.Errorf("loading world state: %w", err)
	}
	s.refs = newReferenceIndex()
	return nil
}

func (s *Store) saveStateLocked() error {
	return SaveState(s.paths.StateFile, s.state)
}

func (s *Store) Create(templateID string, data map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.registry.Get(templateID)
	if err != nil {
		return "", err
	}
	fields, err := template.Normalize(StripInternal(data))
	if err != nil {
		return "", apperr.InvalidArgument(templateID, "entity data is not valid JSON: %v", err)
	}
	if violations := t.Validate(fields); len(violations) > 0 {
		return "", &apperr.ValidationError{Subject: templateID, Violations: violations}
	}

	e := &Entity{Data: fields}
	id, err := s.uniqueIDLocked(e.Name(), t.EntityType)
	if err != nil {
		return "", err
	}
	path := s.paths.EntityFile(t.EntityType, id)
	now := s.now().UTC()

	e.ID = id
	e.Path = path
	e.Meta = Meta{
		ID:          id,
		TemplateID:  t.ID,
		EntityType:  t.EntityType,
		Status:      StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
		StepCreated: s.state.CurrentStep,
		FilePath:    RelativePath(s.paths.Root, path),
	}
	e.CanonClaims = ExtractClaims(e.Name(), fields, t)

	if err := WriteFile(path, e); err != nil {
		return "", fmt.Errorf("creating entity %s: %w", id, err)
	}
	s.indexLocked(e, t)
	if err := s.saveStateLocked(); err != nil {
		return "", fmt.Errorf("creating entity %s: %w", id, err)
	}

	s.log.Info("entity created", zap.String("entity_id", id), zap.String("template_id", t.ID))
	return id, nil
}

func (s *Store) uniqueIDLocked(name, entityType string) (string, error) {
	for range maxIDAttempts {
		id, err := newID(name)
		if err != nil {
			return "", err
		}
		if _, taken := s.state.EntityIndex[id]; taken {
			continue
		}
		if _, err := os.Stat(s.paths.EntityFile(entityType, id)); err == nil {
			continue
		}
		return id, nil
	}
	return "", fmt.Errorf("could not generate a unique id for %q after %d attempts", name, maxIDAttempts)
}

// Update snapshots the current file, merges partial over it and rewrites.
// A nil value in partial removes that field. Returns the snapshot path.
func (s *Store) Update(id string, partial map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.loadLocked(id)
	if err != nil {
		return "", err
	}
	t, err := s.registry.Get(e.Meta.TemplateID)
	if err != nil {
		return "", fmt.Errorf("updating entity %s: %w", id, err)
	}

	merged := make(map[string]any, len(e.Data)+len(partial))
	for k, v := range e.Data {
		merged[k] = v
	}
	for k, v := range StripInternal(partial) {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	fields, err := template.Normalize(merged)
	if err != nil {
		return "", apperr.InvalidArgument(id, "update data is not valid JSON: %v", err)
	}
	if violations := t.Validate(fields); len(violations) > 0 {
		return "", &apperr.ValidationError{Subject: id, Violations: violations}
	}

	snapshot, err := s.snapshotLocked(e)
	if err != nil {
		return "", err
	}

	e.Data = fields
	e.Meta.UpdatedAt = s.now().UTC()
	e.CanonClaims = ExtractClaims(e.Name(), fields, t)
	if err := WriteFile(e.Path, e); err != nil {
		return "", fmt.Errorf("updating entity %s: %w", id, err)
	}
	s.indexLocked(e, t)
	if err := s.saveStateLocked(); err != nil {
		return "", fmt.Errorf("updating entity %s: %w", id, err)
	}

	s.log.Info("entity updated", zap.String("entity_id", id), zap.String("snapshot", snapshot))
	return snapshot, nil
}

func (s *Store) snapshotLocked(e *Entity) (string, error) {
	data, err := os.ReadFile(e.Path)
	if err != nil {
		return "", apperr.IO(e.Path, "could not read entity before snapshotting it", err)
	}
	name := fmt.Sprintf("%s_%s.json", e.ID, s.now().UTC().Format(SnapshotTimeLayout))
	path := filepath.Join(s.paths.Snapshots, name)
	if err := atomicio.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("saving revision snapshot for %s: %w", e.ID, err)
	}
	return path, nil
}

func (s *Store) Get(id string) (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(id)
}

func (s *Store) loadLocked(id string) (*Entity, error) {
	var firstErr error
	if summary, ok := s.state.EntityIndex[id]; ok {
		e, err := ReadFile(AbsolutePath(s.paths.Root, summary.FilePath))
		if err == nil && e.ID == id {
			return e, nil
		}
		firstErr = err
	}

	e, err := s.scanLocked(id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		if firstErr != nil && !errors.Is(firstErr, apperr.ErrNotFound) {
			return nil, &apperr.Error{
				Kind:    apperr.ErrNotFound,
				Subject: id,
				Message: "entity file could not be read",
				Hint:    `run "worldforge health repair" or "worldforge health recover ` + id + `"`,
				Err:     firstErr,
			}
		}
		return nil, apperr.NotFound(id, "no entity with this id exists")
	}

	s.log.Info("entity index entry healed from disk", zap.String("entity_id", id))
	t, _ := s.registry.Lookup(e.Meta.TemplateID)
	s.indexLocked(e, t)
	if err := s.saveStateLocked(); err != nil {
		s.log.Warn("could not save healed index entry", zap.String("entity_id", id), zap.Error(err))
	}
	return e, nil
}

func (s *Store) scanLocked(id string) (*Entity, error) {
	entities, _, err := ReadAll(s.paths.Entities)
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		if e.Meta.ID == id || e.ID == id {
			return e, nil
		}
	}
	return nil, nil
}

func (s *Store) indexLocked(e *Entity, t *template.Template) {
	summary := e.Summary()
	if summary.FilePath == "" && e.Path != "" {
		summary.FilePath = RelativePath(s.paths.Root, e.Path)
	}
	s.state.EntityIndex[e.ID] = summary
	if s.refs.built {
		s.refs.set(e.ID, outboundReferences(e, t))
	}
}

func (s *Store) List(entityType string) []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Summary, 0, len(s.state.EntityIndex))
	for id, summary := range s.state.EntityIndex {
		if entityType != "" && summary.EntityType != entityType {
			continue
		}
		summary.ID = id
		out = append(out, summary)
	}
	sortSummaries(out)
	return out
}

func (s *Store) Search(query string) []Summary {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []Summary{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byName := make([]Summary, 0)
	rest := make([]Summary, 0)
	for id, summary := range s.state.EntityIndex {
		summary.ID = id
		if strings.Contains(strings.ToLower(summary.Name), q) {
			byName = append(byName, summary)
		} else {
			rest = append(rest, summary)
		}
	}
	sortSummaries(byName)
	sortSummaries(rest)

	results := byName
	for _, summary := range rest {
		e, err := ReadFile(AbsolutePath(s.paths.Root, summary.FilePath))
		if err != nil {
			s.log.Debug("skipping unreadable entity during search", zap.String("entity_id", summary.ID), zap.Error(err))
			continue
		}
		if documentMatches(e, q) {
			results = append(results, summary)
		}
	}
	return results
}

func documentMatches(e *Entity, q string) bool {
	for _, field := range searchFields {
		value, ok := e.Data[field]
		if !ok {
			continue
		}
		if strings.Contains(strings.ToLower(formatValue(value)), q) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(claimText(e.CanonClaims)), q)
}

func sortSummaries(items []Summary) {
	sort.SliceStable(items, func(i, j int) bool {
		ni, nj := strings.ToLower(items[i].Name), strings.ToLower(items[j].Name)
		if ni != nj {
			return ni < nj
		}
		return items[i].ID < items[j].ID
	})
}

func (s *Store) SetStatus(id, status string) error {
	if !ValidStatus(status) {
		return apperr.InvalidArgument("status", "must be %q or %q, got %q", StatusDraft, StatusCanon, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.loadLocked(id)
	if err != nil {
		return err
	}
	if e.Meta.Status == status {
		return nil
	}
	e.Meta.Status = status
	e.Meta.UpdatedAt = s.now().UTC()
	if err := WriteFile(e.Path, e); err != nil {
		return fmt.Errorf("setting status of %s: %w", id, err)
	}
	t, _ := s.registry.Lookup(e.Meta.TemplateID)
	s.indexLocked(e, t)
	if err := s.saveStateLocked(); err != nil {
		return fmt.Errorf("setting status of %s: %w", id, err)
	}
	return nil
}

func (s *Store) SetStepStatus(step int, status string) error {
	if step < MinStep || step > MaxStep {
		return apperr.InvalidArgument("step", "must be between %d and %d, got %d", MinStep, MaxStep, step)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch status {
	case StepCompleted:
		s.state.CompletedSteps = addStep(s.state.CompletedSteps, step)
		s.state.InProgressSteps = removeStep(s.state.InProgressSteps, step)
		if s.state.CurrentStep == step && step < MaxStep {
			s.state.CurrentStep = step + 1
		}
	case StepInProgress:
		s.state.InProgressSteps = addStep(s.state.InProgressSteps, step)
		s.state.CompletedSteps = removeStep(s.state.CompletedSteps, step)
		s.state.CurrentStep = step
	case StepNotStarted:
		s.state.CompletedSteps = removeStep(s.state.CompletedSteps, step)
		s.state.InProgressSteps = removeStep(s.state.InProgressSteps, step)
	default:
		return apperr.InvalidArgument("step status", "must be %q, %q or %q, got %q", StepCompleted, StepInProgress, StepNotStarted, status)
	}
	return s.saveStateLocked()
}

func (s *Store) Reindex(id string) (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.scanLocked(id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, apperr.NotFound(id, "no entity file with this id exists")
	}
	t, _ := s.registry.Lookup(e.Meta.TemplateID)
	s.indexLocked(e, t)
	if err := s.saveStateLocked(); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Store) ReindexFile(path string) (*Entity, error) {
	e, err := ReadFile(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, _ := s.registry.Lookup(e.Meta.TemplateID)
	s.indexLocked(e, t)
	if err := s.saveStateLocked(); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Store) ReloadState() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadStateLocked()
}

func (s *Store) State() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

func (s *Store) Path(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.loadLocked(id)
	if err != nil {
		return "", err
	}
	return e.Path, nil
}

func (s *Store) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.EntityIndex[id]
	return ok
}

func (s *Store) Registry() *template.Registry {
	return s.registry
}

func (s *Store) Paths() config.Paths {
	return s.paths
}
