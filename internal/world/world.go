// Package world wires the entity store and its derived stores together and
// keeps them in step on every write.
package world

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"worldforge/internal/apperr"
	"worldforge/internal/backup"
	"worldforge/internal/config"
	"worldforge/internal/entity"
	"worldforge/internal/graph"
	"worldforge/internal/ledger"
	"worldforge/internal/logging"
	"worldforge/internal/mirror"
	"worldforge/internal/mirror/postgres"
	"worldforge/internal/mirror/sqlite"
	"worldforge/internal/recovery"
	"worldforge/internal/template"
)

type World struct {
	mu    sync.Mutex
	cfg   *config.ProjectConfig
	paths config.Paths
	log   *zap.Logger
	now   func() time.Time
	clock bool

	templates *template.Registry
	store     *entity.Store
	mirror    *mirror.Mirror
	graph     *graph.Graph
	ledger    *ledger.Ledger
	backups   *backup.Manager
	recovery  *recovery.Manager
	bus       *Bus

	changes    int
	lastBackup time.Time
}

type Option func(*World)

// WithClock replaces the wall clock in the world and every service it opens.
func WithClock(now func() time.Time) Option {
	return func(w *World) {
		w.now = now
		w.clock = true
	}
}

// Open constructs every service for the project at root. A nil cfg uses
// the defaults.
func Open(ctx context.Context, root string, cfg *config.ProjectConfig, log *zap.Logger, opts ...Option) (*World, error) {
	if cfg == nil {
		cfg = config.Default(filepath.Base(root))
	}
	log = logging.OrNop(log)
	w := &World{
		cfg:   cfg,
		paths: config.NewPaths(root),
		log:   log.Named("world"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, dir := range []string{w.paths.Entities, w.paths.Events, w.paths.Backups, w.paths.Runtime} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperr.IO(dir, "could not create project directory", err)
		}
	}

	var err error
	w.templates, err = template.LoadRegistry(w.paths.Templates)
	if err != nil {
		return nil, fmt.Errorf("opening world: %w", err)
	}

	var storeOpts []entity.Option
	var ledgerOpts []ledger.Option
	var backupOpts []backup.Option
	var recoveryOpts []recovery.Option
	if w.clock {
		storeOpts = append(storeOpts, entity.WithClock(w.now))
		ledgerOpts = append(ledgerOpts, ledger.WithClock(w.now))
		backupOpts = append(backupOpts, backup.WithClock(w.now))
		recoveryOpts = append(recoveryOpts, recovery.WithClock(w.now))
	}

	w.store, err = entity.NewStore(w.paths, w.templates, log, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("opening world: %w", err)
	}
	w.ledger, err = ledger.New(w.paths, log, ledgerOpts...)
	if err != nil {
		return nil, fmt.Errorf("opening world: %w", err)
	}
	backend, err := openMirrorStore(ctx, w.paths.ResolveDSN(cfg.Mirror.DSN))
	if err != nil {
		return nil, fmt.Errorf("opening world: %w", err)
	}
	w.mirror = mirror.New(backend, w.paths.Entities, w.templates, log)
	w.graph = graph.New(w.paths.Entities, w.templates, log)
	w.backups = backup.New(w.paths, log, backupOpts...)
	w.recovery = recovery.New(w.paths, recovery.Deps{
		Store:   w.store,
		Mirror:  w.mirror,
		Graph:   w.graph,
		Ledger:  w.ledger,
		Backups: w.backups,
	}, log, recoveryOpts...)
	w.bus = NewBus(log)

	if err := w.graph.Build(); err != nil {
		w.log.Warn("reference graph could not be built", zap.Error(err))
	}
	w.primeMirror(ctx)
	if backups, err := w.backups.List(); err == nil && len(backups) > 0 {
		w.lastBackup = backups[0].Manifest.CreatedAt
	}
	return w, nil
}

// openMirrorStore picks the mirror backend from the DSN scheme.
func openMirrorStore(ctx context.Context, dsn string) (mirror.Store, error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		c, err := sqlite.New(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return c, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		c, err := postgres.New(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, apperr.InvalidArgument("mirror.dsn", "must start with sqlite://, postgres:// or postgresql://")
}

// primeMirror fills an empty mirror from disk so search works on first use.
func (w *World) primeMirror(ctx context.Context) {
	ids, err := w.mirror.EntityIDs(ctx)
	if err != nil {
		w.log.Warn("could not read the search database", zap.Error(err))
		return
	}
	if len(ids) > 0 || len(w.store.State().EntityIndex) == 0 {
		return
	}
	if n, err := w.mirror.FullSync(ctx); err != nil {
		w.log.Warn("initial mirror sync failed", zap.Error(err))
	} else {
		w.log.Info("mirror primed from entity files", zap.Int("entities", n))
	}
}

func (w *World) Close(ctx context.Context) error {
	w.bus.Close()
	if err := w.mirror.Close(ctx); err != nil {
		return fmt.Errorf("closing world: %w", err)
	}
	return nil
}

func (w *World) Config() *config.ProjectConfig { return w.cfg }
func (w *World) Paths() config.Paths { return w.paths }
func (w *World) Templates() *template.Registry { return w.templates }
func (w *World) Store() *entity.Store { return w.store }
func (w *World) Mirror() *mirror.Mirror { return w.mirror }
func (w *World) Graph() *graph.Graph { return w.graph }
func (w *World) Ledger() *ledger.Ledger { return w.ledger }
func (w *World) Backups() *backup.Manager { return w.backups }
func (w *World) Recovery() *recovery.Manager { return w.recovery }
func (w *World) Bus() *Bus { return w.bus }
func (w *World) Logger() *zap.Logger { return w.log }
