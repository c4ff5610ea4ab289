package recovery

import (
	"io"
	"os"
	"path/filepath"
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
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

func (s Status) rank() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusDegraded:
		return 1
	}
	return 0
}

const (
	CheckJSON        = "json_integrity"
	CheckSchema      = "schema_compliance"
	CheckMirror      = "sqlite_sync"
	CheckGraph       = "graph_consistency"
	CheckState       = "state_file"
	CheckBookkeeping = "bookkeeping"
)

type CheckResult struct {
	Name     string                    `json:"name"`
	Status   Status                    `json:"status"`
	Issues   []string                  `json:"issues"`
	Orphaned []graph.OrphanedReference `json:"orphaned_references,omitempty"`
}

func newResult(name string) *CheckResult {
	return &CheckResult{Name: name, Status: StatusHealthy, Issues: []string{}}
}

func (r *CheckResult) add(status Status, issue string) {
	r.Issues = append(r.Issues, issue)
	r.raise(status)
}

func (r *CheckResult) raise(status Status) {
	if status.rank() > r.Status.rank() {
		r.Status = status
	}
}

// Overall is the worst status among results.
func Overall(results []CheckResult) Status {
	worst := StatusHealthy
	for _, r := range results {
		if r.Status.rank() > worst.rank() {
			worst = r.Status
		}
	}
	return worst
}

// Deps are the services the manager inspects and repairs. Mirror and
// Ledger may be nil, in which case their checks report degraded.
type Deps struct {
	Store   *entity.Store
	Mirror  *mirror.Mirror
	Graph   *graph.Graph
	Ledger  *ledger.Ledger
	Backups *backup.Manager
}

type Manager struct {
	mu    sync.Mutex
	paths config.Paths
	deps  Deps
	log   *zap.Logger
	now   func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func New(paths config.Paths, deps Deps, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		paths: paths,
		deps:  deps,
		log:   logging.OrNop(log).Named("recovery"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) rel(path string) string {
	return entity.RelativePath(m.paths.Root, path)
}

// safetyCopy copies path into the safety directory before it is
// overwritten or removed, and returns the copy's path.
func (m *Manager) safetyCopy(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", apperr.IO(path, "could not open file for safety copy", err)
	}
	defer src.Close()

	name := filepath.Base(path) + "." + m.now().UTC().Format(entity.SnapshotTimeLayout) + ".bak"
	dst := filepath.Join(m.paths.Safety, name)
	if err := os.MkdirAll(m.paths.Safety, 0o755); err != nil {
		return "", apperr.IO(m.paths.Safety, "could not create safety directory", err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", apperr.IO(dst, "could not create safety copy", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return "", apperr.IO(dst, "could not write safety copy", err)
	}
	if err := out.Close(); err != nil {
		return "", apperr.IO(dst, "could not close safety copy", err)
	}
	return dst, nil
}
