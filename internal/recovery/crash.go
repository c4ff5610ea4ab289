package recovery

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"worldforge/internal/atomicio"
	"worldforge/internal/entity"
)

const (
	IncompleteTempFile  = "temp_file"
	IncompleteTruncated = "truncated"

	// An entity file smaller than this fraction of the average entity file
	// looks like an interrupted write.
	truncatedFraction  = 0.1
	minFilesForAverage = 3
)

type Incomplete struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
	Size int64  `json:"size"`
}

type CrashReport struct {
	Incomplete []Incomplete  `json:"incomplete"`
	Removed    []string      `json:"removed"`
	Repair     *RepairReport `json:"repair"`
}

// DetectIncompleteOperations looks for leftover temp files and entity files
// that are implausibly small next to the rest of the store.
func (m *Manager) DetectIncompleteOperations() ([]Incomplete, error) {
	found := make([]Incomplete, 0)
	for _, root := range []string{m.paths.UserWorld, m.paths.Bookkeeping, m.paths.Backups} {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && path == root {
					return filepath.SkipAll
				}
				return err
			}
			if d.IsDir() || !atomicio.IsTempFile(path) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			found = append(found, Incomplete{Path: path, Kind: IncompleteTempFile, Size: info.Size()})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	type sized struct {
		path string
		size int64
	}
	var files []sized
	var total int64
	err := filepath.WalkDir(m.paths.Entities, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == m.paths.Entities {
				return filepath.SkipAll
			}
			return err
		}
		if !entity.IsEntityFile(path, d) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, sized{path: path, size: info.Size()})
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(files) >= minFilesForAverage {
		avg := float64(total) / float64(len(files))
		for _, f := range files {
			if float64(f.size) < avg*truncatedFraction {
				found = append(found, Incomplete{Path: f.path, Kind: IncompleteTruncated, Size: f.size})
			}
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].Path < found[j].Path })
	return found, nil
}

// RecoverFromCrash removes leftover temp files and then runs a full repair.
// Truncated entity files are left to the JSON repair.
func (m *Manager) RecoverFromCrash(ctx context.Context) (*CrashReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	incomplete, err := m.DetectIncompleteOperations()
	if err != nil {
		return nil, err
	}
	report := &CrashReport{Incomplete: incomplete, Removed: []string{}}
	for _, inc := range incomplete {
		if inc.Kind != IncompleteTempFile {
			continue
		}
		if err := os.Remove(inc.Path); err != nil {
			m.log.Warn("could not remove leftover temp file", zap.String("path", inc.Path), zap.Error(err))
			continue
		}
		report.Removed = append(report.Removed, inc.Path)
	}
	report.Repair = m.repairAllLocked(ctx, false)
	return report, nil
}
