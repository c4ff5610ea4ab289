package world

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"worldforge/internal/backup"
	"worldforge/internal/entity"
	"worldforge/internal/recovery"
	"worldforge/internal/template"
)

const autoBackupLabel = "auto"

// Change is the outcome of one orchestrated write.
type Change struct {
	Entity        *entity.Entity       `json:"-"`
	ID            string               `json:"id"`
	Snapshot      string               `json:"snapshot,omitempty"`
	NewReferences []template.Reference `json:"new_references"`
	AutoBackup    *backup.Info         `json:"auto_backup,omitempty"`
}

func (w *World) CreateEntity(ctx context.Context, templateID string, data map[string]any) (*Change, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id, err := w.store.Create(templateID, data)
	if err != nil {
		return nil, err
	}
	e, err := w.store.Get(id)
	if err != nil {
		return nil, err
	}
	if err := w.ledger.RecordDraftCreated(id, e.Meta.EntityType, e.Meta.TemplateID, e.Meta.StepCreated); err != nil {
		w.log.Warn("could not record draft_created", zap.String("entity_id", id), zap.Error(err))
	}
	return w.afterWriteLocked(ctx, e, nil, ChangeCreated, ""), nil
}

// UpdateEntity merges partial into the entity. A nil value removes a field.
func (w *World) UpdateEntity(ctx context.Context, id string, partial map[string]any) (*Change, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	before, err := w.store.Get(id)
	if err != nil {
		return nil, err
	}
	snapshot, err := w.store.Update(id, partial)
	if err != nil {
		return nil, err
	}
	e, err := w.store.Get(id)
	if err != nil {
		return nil, err
	}
	rel := entity.RelativePath(w.paths.Root, snapshot)
	if err := w.ledger.RecordEntityRevised(id, changedFields(partial), rel); err != nil {
		w.log.Warn("could not record entity_revised", zap.String("entity_id", id), zap.Error(err))
	}
	return w.afterWriteLocked(ctx, e, w.references(before), ChangeUpdated, rel), nil
}

func (w *World) SetStatus(ctx context.Context, id, status string) (*Change, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	before, err := w.store.Get(id)
	if err != nil {
		return nil, err
	}
	if err := w.store.SetStatus(id, status); err != nil {
		return nil, err
	}
	e, err := w.store.Get(id)
	if err != nil {
		return nil, err
	}
	if before.Meta.Status != e.Meta.Status {
		if err := w.ledger.RecordStatusChanged(id, before.Meta.Status, e.Meta.Status); err != nil {
			w.log.Warn("could not record status_changed", zap.String("entity_id", id), zap.Error(err))
		}
	}
	return w.afterWriteLocked(ctx, e, w.references(before), ChangeStatus, ""), nil
}

// SetStepStatus updates the progression in state.json and logs it.
func (w *World) SetStepStatus(step int, status string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.store.SetStepStatus(step, status); err != nil {
		return err
	}
	if err := w.ledger.RecordStepStatus(step, status); err != nil {
		w.log.Warn("could not record step status", zap.Int("step", step), zap.Error(err))
	}
	return nil
}

func changedFields(partial map[string]any) []string {
	fields := make([]string, 0, len(partial))
	for k := range entity.StripInternal(partial) {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

func (w *World) references(e *entity.Entity) []template.Reference {
	t, ok := w.templates.Lookup(e.Meta.TemplateID)
	if !ok {
		return nil
	}
	refs := make([]template.Reference, 0)
	for _, ref := range t.CrossReferences(e.Data) {
		if ref.Target != e.ID {
			refs = append(refs, ref)
		}
	}
	return refs
}

func referenceKey(r template.Reference) string {
	return r.Field + "\x00" + r.Target
}

// afterWriteLocked brings the derived stores up to date with e. Failures
// here are logged; the entity file is already the source of truth.
func (w *World) afterWriteLocked(ctx context.Context, e *entity.Entity, before []template.Reference, kind, snapshot string) *Change {
	if err := w.mirror.SyncEntity(ctx, e); err != nil {
		w.log.Warn("mirror sync failed after write", zap.String("entity_id", e.ID), zap.Error(err))
	}
	if w.graph.Built() {
		w.graph.AddEntity(e)
	} else {
		w.graph.MarkDirty(e.ID)
		if err := w.graph.RebuildIfDirty(); err != nil {
			w.log.Warn("graph refresh failed after write", zap.String("entity_id", e.ID), zap.Error(err))
		}
	}

	old := make(map[string]bool, len(before))
	for _, r := range before {
		old[referenceKey(r)] = true
	}
	added := make([]template.Reference, 0)
	for _, r := range w.references(e) {
		if old[referenceKey(r)] {
			continue
		}
		added = append(added, r)
		if err := w.ledger.RecordCrossReference(e.ID, r.Target, r.Label, r.Field); err != nil {
			w.log.Warn("could not record cross_reference_created", zap.String("entity_id", e.ID), zap.String("target", r.Target), zap.Error(err))
		}
	}

	w.bus.Publish(Message{Topic: TopicEntityChanged, EntityID: e.ID, Change: kind, At: w.now().UTC()})
	return &Change{
		Entity:        e,
		ID:            e.ID,
		Snapshot:      snapshot,
		NewReferences: added,
		AutoBackup:    w.autoBackupLocked(),
	}
}

func (w *World) autoBackupLocked() *backup.Info {
	if !w.cfg.Backup.AutoEnabled() {
		return nil
	}
	w.changes++
	if !backup.ShouldAutoBackup(w.lastBackup, w.changes, w.now()) {
		return nil
	}
	info, err := w.backups.Create(autoBackupLabel)
	if err != nil {
		w.log.Warn("automatic backup failed", zap.Error(err))
		return nil
	}
	w.lastBackup = info.Manifest.CreatedAt
	w.changes = 0
	if removed, err := w.backups.Cleanup(w.cfg.Backup.Keep); err != nil {
		w.log.Warn("backup cleanup failed", zap.Error(err))
	} else if len(removed) > 0 {
		w.log.Info("old backups removed", zap.Int("count", len(removed)))
	}
	return info
}

// CreateBackup takes a labelled backup and resets the auto-backup counter.
func (w *World) CreateBackup(label string) (*backup.Info, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, err := w.backups.Create(label)
	if err != nil {
		return nil, err
	}
	w.lastBackup = info.Manifest.CreatedAt
	w.changes = 0
	return info, nil
}

// Restore replaces the user world with an archive. Without confirm it only
// previews. After an applied restore every derived store is rebuilt.
func (w *World) Restore(ctx context.Context, archive string, confirm bool) (*backup.RestoreResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	result, err := w.backups.Restore(archive, confirm)
	if err != nil {
		return nil, err
	}
	if result.Applied {
		w.reloadLocked(ctx)
		w.bus.Publish(Message{Topic: TopicWorldRestored, At: w.now().UTC()})
	}
	return result, nil
}

func (w *World) RestoreEntity(ctx context.Context, archive, id string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path, err := w.backups.RestoreEntity(archive, id)
	if err != nil {
		return "", err
	}
	w.refreshFileLocked(ctx, path)
	w.bus.Publish(Message{Topic: TopicWorldRestored, EntityID: id, At: w.now().UTC()})
	return path, nil
}

// Repair runs every repair. Applied repairs are announced on the bus.
func (w *World) Repair(ctx context.Context, dryRun bool) *recovery.RepairReport {
	w.mu.Lock()
	defer w.mu.Unlock()

	report := w.recovery.RepairAll(ctx, dryRun)
	if !dryRun && len(report.Actions) > 0 {
		w.bus.Publish(Message{Topic: TopicWorldRepaired, At: w.now().UTC()})
	}
	return report
}

func (w *World) RecoverFromCrash(ctx context.Context) (*recovery.CrashReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	report, err := w.recovery.RecoverFromCrash(ctx)
	if err != nil {
		return nil, err
	}
	if len(report.Removed) > 0 || len(report.Repair.Actions) > 0 {
		w.bus.Publish(Message{Topic: TopicWorldRepaired, At: w.now().UTC()})
	}
	return report, nil
}

func (w *World) RollbackEntity(ctx context.Context, id string, ts time.Time) (*recovery.Rollback, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rb, err := w.recovery.RollbackEntity(id, ts)
	if err != nil {
		return nil, err
	}
	w.refreshFileLocked(ctx, rb.Path)
	w.bus.Publish(Message{Topic: TopicWorldRepaired, EntityID: id, At: w.now().UTC()})
	return rb, nil
}

func (w *World) refreshFileLocked(ctx context.Context, path string) {
	e, err := w.store.ReindexFile(path)
	if err != nil {
		w.log.Warn("restored file could not be indexed", zap.String("path", path), zap.Error(err))
		return
	}
	if err := w.mirror.SyncEntity(ctx, e); err != nil {
		w.log.Warn("mirror sync failed", zap.String("entity_id", e.ID), zap.Error(err))
	}
	w.graph.MarkDirty(e.ID)
	if err := w.graph.RebuildIfDirty(); err != nil {
		w.log.Warn("graph refresh failed", zap.String("entity_id", e.ID), zap.Error(err))
	}
}

func (w *World) reloadLocked(ctx context.Context) {
	if err := w.store.ReloadState(); err != nil {
		w.log.Warn("state could not be reloaded", zap.Error(err))
	}
	if _, err := w.mirror.FullSync(ctx); err != nil {
		w.log.Warn("mirror rebuild failed", zap.Error(err))
	}
	if err := w.graph.Build(); err != nil {
		w.log.Warn("graph rebuild failed", zap.Error(err))
	}
}
