package world

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"worldforge/internal/atomicio"
	"worldforge/internal/entity"
)

// Watcher follows hand edits to entity files and keeps the mirror and the
// graph in step with them.
type Watcher struct {
	world    *World
	fs       *fsnotify.Watcher
	debounce time.Duration
	log      *zap.Logger

	// ready closes once the directories are watched. flushed is signalled
	// after each debounce window.
	ready   chan struct{}
	flushed chan struct{}
}

func (w *World) NewWatcher() (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	debounce := w.cfg.Watch.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{
		world:    w,
		fs:       fw,
		debounce: debounce,
		log:      w.log.Named("watcher"),
		ready:    make(chan struct{}),
		flushed:  make(chan struct{}, 1),
	}, nil
}

func (wt *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return wt.fs.Add(path)
	})
}

func entityPath(name string) bool {
	return strings.HasSuffix(name, ".json") && !atomicio.IsTempFile(name)
}

// Run blocks until ctx is cancelled. Changes are collected per file and
// applied once no new change has arrived for the debounce window.
func (wt *Watcher) Run(ctx context.Context) error {
	defer wt.fs.Close()
	root := wt.world.paths.Entities
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	if err := wt.addRecursive(root); err != nil {
		return err
	}
	wt.log.Info("watching entity files", zap.String("path", root), zap.Duration("debounce", wt.debounce))
	close(wt.ready)

	pending := make(map[string]fsnotify.Op)
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			if len(pending) > 0 {
				wt.flush(context.WithoutCancel(ctx), pending)
			}
			return nil

		case ev, ok := <-wt.fs.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := wt.addRecursive(ev.Name); err != nil {
						wt.log.Warn("could not watch new directory", zap.String("path", ev.Name), zap.Error(err))
					}
					continue
				}
			}
			if !entityPath(ev.Name) {
				continue
			}
			pending[ev.Name] |= ev.Op
			if timer == nil {
				timer = time.NewTimer(wt.debounce)
				timerC = timer.C
			} else {
				timer.Reset(wt.debounce)
			}

		case <-timerC:
			timer, timerC = nil, nil
			wt.flush(ctx, pending)
			pending = make(map[string]fsnotify.Op)

		case err, ok := <-wt.fs.Errors:
			if !ok {
				return nil
			}
			wt.log.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (wt *Watcher) flush(ctx context.Context, pending map[string]fsnotify.Op) {
	w := wt.world
	w.mu.Lock()
	for path := range pending {
		id := strings.TrimSuffix(filepath.Base(path), ".json")
		e, err := entity.ReadFile(path)
		switch {
		case isMissing(path):
			if err := w.mirror.RemoveEntity(ctx, id); err != nil {
				wt.log.Warn("could not remove entity from mirror", zap.String("entity_id", id), zap.Error(err))
			}
			w.graph.MarkDirty(id)
			w.bus.Publish(Message{Topic: TopicEntityChanged, EntityID: id, Change: ChangeRemoved, At: w.now().UTC()})
		case err != nil:
			wt.log.Warn("skipping unreadable entity file", zap.String("path", path), zap.Error(err))
		default:
			if _, err := w.store.ReindexFile(path); err != nil {
				wt.log.Warn("could not index edited entity", zap.String("entity_id", e.ID), zap.Error(err))
			}
			if err := w.mirror.SyncEntity(ctx, e); err != nil {
				wt.log.Warn("could not sync edited entity", zap.String("entity_id", e.ID), zap.Error(err))
			}
			w.graph.MarkDirty(e.ID)
			w.bus.Publish(Message{Topic: TopicEntityChanged, EntityID: e.ID, Change: ChangeExternal, At: w.now().UTC()})
		}
	}
	if err := w.graph.RebuildIfDirty(); err != nil {
		wt.log.Warn("graph refresh failed", zap.Error(err))
	}
	w.mu.Unlock()

	select {
	case wt.flushed <- struct{}{}:
	default:
	}
}

func isMissing(path string) bool {
	_, err := os.Stat(path)
	return errors.Is(err, fs.ErrNotExist)
}
