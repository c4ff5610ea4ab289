package ledger

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"worldforge/internal/apperr"
	"worldforge/internal/atomicio"
	"worldforge/internal/entity"
)

const (
	IndexDecisions       = "decisions.json"
	IndexProgression     = "progression.json"
	IndexEntityRegistry  = "entity-registry.json"
	IndexCrossReferences = "cross-references.json"
	IndexContradictions  = "contradictions.json"
	IndexRevisions       = "revisions.json"
)

var IndexFiles = []string{
	IndexDecisions, IndexProgression, IndexEntityRegistry,
	IndexCrossReferences, IndexContradictions, IndexRevisions,
}

const rebuildHint = `run "worldforge ledger rebuild"`

type Decision struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Step      int       `json:"step"`
	Decision  string    `json:"decision"`
	Rationale string    `json:"rationale,omitempty"`
	Entities  []string  `json:"entities"`
}

type StepProgress struct {
	Step      int       `json:"step"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Progression struct {
	Steps      []StepProgress `json:"steps"`
	Completed  []int          `json:"completed"`
	InProgress []int          `json:"in_progress"`
}

type RegistryEntry struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entity_type"`
	TemplateID string    `json:"template_id"`
	Status     string    `json:"status"`
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Revisions  int       `json:"revisions"`
}

type CrossReference struct {
	Timestamp    time.Time `json:"timestamp"`
	SourceID     string    `json:"source_id"`
	TargetID     string    `json:"target_id"`
	Relationship string    `json:"relationship"`
	Field        string    `json:"field"`
}

type Contradiction struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Entities    []string   `json:"entities"`
	SessionID   string     `json:"session_id"`
	FoundAt     time.Time  `json:"found_at"`
	Resolved    bool       `json:"resolved"`
	Resolution  string     `json:"resolution,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Revision is one entry in an entity's history: its creation, a revision
// or a status change.
type Revision struct {
	Timestamp     time.Time `json:"timestamp"`
	SessionID     string    `json:"session_id"`
	EventType     string    `json:"event_type"`
	ChangedFields []string  `json:"changed_fields,omitempty"`
	Snapshot      string    `json:"snapshot,omitempty"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to,omitempty"`
}

type RebuildReport struct {
	Events  int         `json:"events"`
	Skipped int         `json:"skipped"`
	Issues  []LineIssue `json:"issues"`
}

type indexes struct {
	decisions      []Decision
	progression    *Progression
	registry       map[string]*RegistryEntry
	crossRefs      []CrossReference
	contradictions []*Contradiction
	revisions      map[string][]Revision
}

// RebuildIndexes recomputes every derived index from the full event log
// and overwrites the index files.
func (l *Ledger) RebuildIndexes() (*RebuildReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rebuildIndexesLocked()
}

func (l *Ledger) rebuildIndexesLocked() (*RebuildReport, error) {
	events, issues, err := l.readEventsLocked()
	if err != nil {
		return nil, err
	}
	for _, issue := range issues {
		l.log.Warn("skipping unreadable event", zap.String("file", issue.File), zap.Int("line", issue.Line), zap.String("problem", issue.Problem))
	}

	idx := replay(events)
	files := map[string]any{
		IndexDecisions:       idx.decisions,
		IndexProgression:     idx.progression,
		IndexEntityRegistry:  idx.registry,
		IndexCrossReferences: idx.crossRefs,
		IndexContradictions:  idx.contradictions,
		IndexRevisions:       idx.revisions,
	}
	for _, name := range IndexFiles {
		if err := atomicio.WriteJSON(filepath.Join(l.paths.Indexes, name), files[name]); err != nil {
			return nil, fmt.Errorf("writing %s index: %w", name, err)
		}
	}
	l.log.Info("indexes rebuilt", zap.Int("events", len(events)), zap.Int("skipped", len(issues)))
	return &RebuildReport{Events: len(events), Skipped: len(issues), Issues: issues}, nil
}

func replay(events []*Event) *indexes {
	idx := &indexes{
		decisions:      []Decision{},
		progression:    &Progression{Steps: []StepProgress{}, Completed: []int{}, InProgress: []int{}},
		registry:       map[string]*RegistryEntry{},
		crossRefs:      []CrossReference{},
		contradictions: []*Contradiction{},
		revisions:      map[string][]Revision{},
	}
	steps := map[int]*StepProgress{}
	contradictions := map[string]*Contradiction{}

	for _, e := range events {
		d := e.Data
		switch e.EventType {
		case EventDecisionMade:
			idx.decisions = append(idx.decisions, Decision{
				Timestamp: e.Timestamp,
				SessionID: e.SessionID,
				Step:      num(d, "step"),
				Decision:  str(d, "decision"),
				Rationale: str(d, "rationale"),
				Entities:  strs(d, "entities"),
			})
		case EventStepStatusChanged:
			step := num(d, "step")
			steps[step] = &StepProgress{Step: step, Status: str(d, "status"), UpdatedAt: e.Timestamp}
		case EventDraftCreated:
			id := str(d, "entity_id")
			if id == "" {
				continue
			}
			idx.registry[id] = &RegistryEntry{
				ID:         id,
				EntityType: str(d, "entity_type"),
				TemplateID: str(d, "template_id"),
				Status:     entity.StatusDraft,
				SessionID:  e.SessionID,
				CreatedAt:  e.Timestamp,
				UpdatedAt:  e.Timestamp,
			}
			idx.revisions[id] = append(idx.revisions[id], Revision{Timestamp: e.Timestamp, SessionID: e.SessionID, EventType: e.EventType})
		case EventEntityRevised:
			id := str(d, "entity_id")
			if id == "" {
				continue
			}
			if r, ok := idx.registry[id]; ok {
				r.Revisions++
				r.UpdatedAt = e.Timestamp
			}
			idx.revisions[id] = append(idx.revisions[id], Revision{
				Timestamp:     e.Timestamp,
				SessionID:     e.SessionID,
				EventType:     e.EventType,
				ChangedFields: strs(d, "changed_fields"),
				Snapshot:      str(d, "snapshot"),
			})
		case EventStatusChanged:
			id := str(d, "entity_id")
			if id == "" {
				continue
			}
			if r, ok := idx.registry[id]; ok {
				r.Status = str(d, "to")
				r.UpdatedAt = e.Timestamp
			}
			idx.revisions[id] = append(idx.revisions[id], Revision{
				Timestamp: e.Timestamp,
				SessionID: e.SessionID,
				EventType: e.EventType,
				From:      str(d, "from"),
				To:        str(d, "to"),
			})
		case EventCrossReferenceCreated:
			idx.crossRefs = append(idx.crossRefs, CrossReference{
				Timestamp:    e.Timestamp,
				SourceID:     str(d, "source_id"),
				TargetID:     str(d, "target_id"),
				Relationship: str(d, "relationship"),
				Field:        str(d, "field"),
			})
		case EventContradictionFound:
			c := &Contradiction{
				ID:          str(d, "contradiction_id"),
				Description: str(d, "description"),
				Entities:    strs(d, "entities"),
				SessionID:   e.SessionID,
				FoundAt:     e.Timestamp,
			}
			contradictions[c.ID] = c
			idx.contradictions = append(idx.contradictions, c)
		case EventContradictionResolved:
			if c, ok := contradictions[str(d, "contradiction_id")]; ok {
				ts := e.Timestamp
				c.Resolved = true
				c.Resolution = str(d, "resolution")
				c.ResolvedAt = &ts
			}
		}
	}

	order := make([]int, 0, len(steps))
	for step := range steps {
		order = append(order, step)
	}
	sort.Ints(order)
	for _, step := range order {
		p := steps[step]
		idx.progression.Steps = append(idx.progression.Steps, *p)
		switch p.Status {
		case entity.StepCompleted:
			idx.progression.Completed = append(idx.progression.Completed, step)
		case entity.StepInProgress:
			idx.progression.InProgress = append(idx.progression.InProgress, step)
		}
	}
	return idx
}

// readIndex loads one index file. A missing file leaves v untouched so
// callers get an empty result.
func (l *Ledger) readIndex(name string, v any) error {
	err := atomicio.ReadJSON(filepath.Join(l.paths.Indexes, name), v)
	if err == nil || errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if errors.Is(err, apperr.ErrCorruptData) {
		return apperr.Corrupt(filepath.Join(l.paths.Indexes, name), err, rebuildHint)
	}
	return err
}
