package ledger

import (
	"errors"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"worldforge/internal/apperr"
	"worldforge/internal/atomicio"
	"worldforge/internal/ledger/summary"
)

func (l *Ledger) Decisions() ([]Decision, error) {
	out := []Decision{}
	if err := l.readIndex(IndexDecisions, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Decision{}
	}
	return out, nil
}

func (l *Ledger) EntityHistory(id string) ([]Revision, error) {
	all := map[string][]Revision{}
	if err := l.readIndex(IndexRevisions, &all); err != nil {
		return nil, err
	}
	if history := all[id]; history != nil {
		return history, nil
	}
	return []Revision{}, nil
}

func (l *Ledger) Registry() (map[string]*RegistryEntry, error) {
	out := map[string]*RegistryEntry{}
	if err := l.readIndex(IndexEntityRegistry, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]*RegistryEntry{}
	}
	return out, nil
}

func (l *Ledger) CrossReferences() ([]CrossReference, error) {
	out := []CrossReference{}
	if err := l.readIndex(IndexCrossReferences, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []CrossReference{}
	}
	return out, nil
}

func (l *Ledger) Contradictions(unresolvedOnly bool) ([]Contradiction, error) {
	var all []Contradiction
	if err := l.readIndex(IndexContradictions, &all); err != nil {
		return nil, err
	}
	out := make([]Contradiction, 0, len(all))
	for _, c := range all {
		if unresolvedOnly && c.Resolved {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (l *Ledger) Progression() (*Progression, error) {
	p := &Progression{}
	if err := l.readIndex(IndexProgression, p); err != nil {
		return nil, err
	}
	if p.Steps == nil {
		p.Steps = []StepProgress{}
	}
	if p.Completed == nil {
		p.Completed = []int{}
	}
	if p.InProgress == nil {
		p.InProgress = []int{}
	}
	return p, nil
}

func (l *Ledger) SessionSummaries() ([]*summary.Summary, error) {
	summaries, bad, err := summary.List(l.paths.Sessions)
	if err != nil {
		return nil, err
	}
	for _, path := range bad {
		l.log.Warn("skipping unreadable session summary", zap.String("path", path))
	}
	return summaries, nil
}

type ScanReport struct {
	Files          int         `json:"files"`
	Events         int         `json:"events"`
	BadLines       []LineIssue `json:"bad_lines"`
	MissingIndexes []string    `json:"missing_indexes"`
	CorruptIndexes []string    `json:"corrupt_indexes"`
}

func (r *ScanReport) Healthy() bool {
	return len(r.BadLines) == 0 && len(r.MissingIndexes) == 0 && len(r.CorruptIndexes) == 0
}

// Scan reports unreadable log lines and missing or unparsable index files
// without changing anything.
func (l *Ledger) Scan() (*ScanReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := l.eventFiles()
	if err != nil {
		return nil, err
	}
	events, issues, err := l.readEventsLocked()
	if err != nil {
		return nil, err
	}
	report := &ScanReport{
		Files:          len(files),
		Events:         len(events),
		BadLines:       issues,
		MissingIndexes: []string{},
		CorruptIndexes: []string{},
	}
	for _, name := range IndexFiles {
		path := filepath.Join(l.paths.Indexes, name)
		if _, err := os.Stat(path); err != nil {
			report.MissingIndexes = append(report.MissingIndexes, name)
			continue
		}
		var v any
		if err := atomicio.ReadJSON(path, &v); err != nil {
			if errors.Is(err, apperr.ErrCorruptData) {
				report.CorruptIndexes = append(report.CorruptIndexes, name)
				continue
			}
			return nil, err
		}
	}
	return report, nil
}
