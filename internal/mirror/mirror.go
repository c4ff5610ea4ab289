package mirror

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"worldforge/internal/entity"
	"worldforge/internal/logging"
	"worldforge/internal/template"
)

type Mirror struct {
	mu       sync.Mutex
	store    Store
	entities string
	registry *template.Registry
	log      *zap.Logger
}

func New(store Store, entitiesDir string, registry *template.Registry, log *zap.Logger) *Mirror {
	return &Mirror{
		store:    store,
		entities: entitiesDir,
		registry: registry,
		log:      logging.OrNop(log).Named("mirror"),
	}
}

func (m *Mirror) record(e *entity.Entity) Record {
	var t *template.Template
	if m.registry != nil {
		t, _ = m.registry.Lookup(e.Meta.TemplateID)
	}
	return Extract(e, t)
}

// FullSync discards every derived row and repopulates from entity files.
func (m *Mirror) FullSync(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entities, failures, err := entity.ReadAll(m.entities)
	if err != nil {
		return 0, fmt.Errorf("full sync: %w", err)
	}
	for _, f := range failures {
		m.log.Warn("skipping unreadable entity file during full sync", zap.String("path", f.Path), zap.Error(f.Err))
	}

	records := make([]Record, 0, len(entities))
	seen := make(map[string]bool, len(entities))
	for _, e := range entities {
		if seen[e.ID] {
			m.log.Warn("duplicate entity id on disk, keeping the first file", zap.String("entity_id", e.ID), zap.String("path", e.Path))
			continue
		}
		seen[e.ID] = true
		records = append(records, m.record(e))
	}
	if err := m.store.Replace(ctx, records); err != nil {
		return 0, fmt.Errorf("full sync: %w", err)
	}
	m.log.Info("mirror rebuilt", zap.Int("entities", len(records)))
	return len(records), nil
}

func (m *Mirror) SyncEntity(ctx context.Context, e *entity.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Upsert(ctx, m.record(e)); err != nil {
		return fmt.Errorf("syncing entity %s: %w", e.ID, err)
	}
	return nil
}

func (m *Mirror) RemoveEntity(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("removing entity %s: %w", id, err)
	}
	return nil
}

func (m *Mirror) Search(ctx context.Context, text string) ([]EntityRow, error) {
	if strings.TrimSpace(text) == "" {
		return []EntityRow{}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Search(ctx, text)
}

func (m *Mirror) QueryByType(ctx context.Context, entityType string) ([]EntityRow, error) {
	return m.QueryAll(ctx, Eq("entity_type", entityType))
}

func (m *Mirror) QueryByStep(ctx context.Context, step int) ([]EntityRow, error) {
	return m.QueryAll(ctx, Eq("step_created", step))
}

func (m *Mirror) QueryByStatus(ctx context.Context, status string) ([]EntityRow, error) {
	return m.QueryAll(ctx, Eq("status", status))
}

func (m *Mirror) Structured(ctx context.Context, q StructuredQuery) ([]EntityRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Structured(ctx, q)
}

// QueryAll pages through every row matching q, using q.Limit as the page
// size. The lock is held across pages so a concurrent sync cannot shift
// the offsets.
func (m *Mirror) QueryAll(ctx context.Context, q StructuredQuery) ([]EntityRow, error) {
	if q.Limit == 0 {
		q.Limit = MaxLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EntityRow, 0)
	for q.Offset = 0; ; q.Offset += q.Limit {
		page, err := m.store.Structured(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < q.Limit {
			return out, nil
		}
	}
}

func (m *Mirror) QueryCrossReferences(ctx context.Context, id string) ([]CrossRefRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.CrossReferences(ctx, id)
}

func (m *Mirror) QueryClaims(ctx context.Context, entityID, keyword string) ([]ClaimRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Claims(ctx, entityID, keyword)
}

func (m *Mirror) ReadOnly(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	checked, err := CheckReadOnly(query)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.ReadOnly(ctx, checked, args...)
}

func (m *Mirror) Stats(ctx context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Stats(ctx)
}

func (m *Mirror) EntityIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.EntityIDs(ctx)
}

func (m *Mirror) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Close(ctx)
}
