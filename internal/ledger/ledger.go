package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"worldforge/internal/apperr"
	"worldforge/internal/atomicio"
	"worldforge/internal/config"
	"worldforge/internal/entity"
	"worldforge/internal/ledger/summary"
	"worldforge/internal/logging"
)

const maxLineSize = 16 << 20

type Session struct {
	ID        string    `json:"session_id"`
	Number    int       `json:"session_number"`
	Focus     string    `json:"focus,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type Ledger struct {
	mu      sync.Mutex
	paths   config.Paths
	log     *zap.Logger
	now     func() time.Time
	session *Session
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New opens the ledger rooted at paths.Bookkeeping. A session that was
// started but never ended in an earlier process is picked up again.
func New(paths config.Paths, log *zap.Logger, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		paths: paths,
		log:   logging.OrNop(log).Named("ledger"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := os.MkdirAll(paths.Events, 0o755); err != nil {
		return nil, apperr.IO(paths.Events, "could not create event log directory", err)
	}

	events, _, err := l.readEventsLocked()
	if err != nil {
		return nil, err
	}
	l.session = openSession(events)
	if l.session != nil {
		l.log.Info("resuming open session", zap.String("session_id", l.session.ID), zap.Int("session_number", l.session.Number))
	}
	return l, nil
}

func openSession(events []*Event) *Session {
	ended := make(map[string]bool)
	for _, e := range events {
		if e.EventType == EventSessionEnded {
			ended[e.SessionID] = true
		}
	}
	var open *Session
	for _, e := range events {
		if e.EventType != EventSessionStarted || ended[e.SessionID] {
			continue
		}
		open = &Session{ID: e.SessionID, Number: num(e.Data, "session_number"), Focus: str(e.Data, "focus"), StartedAt: e.Timestamp}
	}
	return open
}

func (l *Ledger) ActiveSession() (Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return Session{}, false
	}
	return *l.session, true
}

func monthFile(dir string, ts time.Time) string {
	return filepath.Join(dir, "events-"+ts.UTC().Format("2006-01")+".jsonl")
}

func (l *Ledger) Record(eventType string, data map[string]any) (*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordLocked(eventType, data)
}

func (l *Ledger) recordLocked(eventType string, data map[string]any) (*Event, error) {
	if data == nil {
		data = map[string]any{}
	}
	e := &Event{Timestamp: l.now().UTC(), EventType: eventType, Data: data}
	if l.session != nil {
		e.SessionID = l.session.ID
	}
	if err := validateEvent(e); err != nil {
		return nil, apperr.InvalidArgument("event", "%v", err)
	}

	line, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", eventType, err)
	}
	if err := atomicio.AppendLine(monthFile(l.paths.Events, e.Timestamp), line); err != nil {
		return nil, fmt.Errorf("recording %s event: %w", eventType, err)
	}
	l.log.Debug("event recorded", zap.String("event_type", eventType), zap.String("session_id", e.SessionID))
	return e, nil
}

func (l *Ledger) RecordDecision(step int, decision, rationale string, entities []string) error {
	if strings.TrimSpace(decision) == "" {
		return apperr.InvalidArgument("decision", "must not be empty")
	}
	_, err := l.Record(EventDecisionMade, map[string]any{
		"step":      step,
		"decision":  decision,
		"rationale": rationale,
		"entities":  nonNil(entities),
	})
	return err
}

func (l *Ledger) RecordDraftCreated(entityID, entityType, templateID string, step int) error {
	_, err := l.Record(EventDraftCreated, map[string]any{
		"entity_id":   entityID,
		"entity_type": entityType,
		"template_id": templateID,
		"step":        step,
	})
	return err
}

func (l *Ledger) RecordStatusChanged(entityID, from, to string) error {
	_, err := l.Record(EventStatusChanged, map[string]any{
		"entity_id": entityID,
		"from":      from,
		"to":        to,
	})
	return err
}

func (l *Ledger) RecordEntityRevised(entityID string, changedFields []string, snapshotPath string) error {
	fields := append([]string{}, changedFields...)
	sort.Strings(fields)
	_, err := l.Record(EventEntityRevised, map[string]any{
		"entity_id":      entityID,
		"changed_fields": fields,
		"snapshot":       snapshotPath,
	})
	return err
}

func (l *Ledger) RecordCrossReference(sourceID, targetID, relationship, field string) error {
	_, err := l.Record(EventCrossReferenceCreated, map[string]any{
		"source_id":    sourceID,
		"target_id":    targetID,
		"relationship": relationship,
		"field":        field,
	})
	return err
}

// RecordContradiction logs a contradiction between entities and returns
// the ID that ResolveContradiction expects.
func (l *Ledger) RecordContradiction(description string, entities []string) (string, error) {
	if strings.TrimSpace(description) == "" {
		return "", apperr.InvalidArgument("contradiction", "description must not be empty")
	}
	id := uuid.NewString()
	_, err := l.Record(EventContradictionFound, map[string]any{
		"contradiction_id": id,
		"description":      description,
		"entities":         nonNil(entities),
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (l *Ledger) ResolveContradiction(id, resolution string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, _, err := l.readEventsLocked()
	if err != nil {
		return err
	}
	found := false
	for _, e := range events {
		if e.EventType == EventContradictionFound && str(e.Data, "contradiction_id") == id {
			found = true
			break
		}
	}
	if !found {
		return apperr.NotFound(id, "no contradiction with this ID was recorded")
	}
	_, err = l.recordLocked(EventContradictionResolved, map[string]any{
		"contradiction_id": id,
		"resolution":       resolution,
	})
	return err
}

func (l *Ledger) RecordStepStatus(step int, status string) error {
	switch status {
	case entity.StepCompleted, entity.StepInProgress, entity.StepNotStarted:
	default:
		return apperr.InvalidArgument("step status", "must be %q, %q or %q, got %q", entity.StepCompleted, entity.StepInProgress, entity.StepNotStarted, status)
	}
	_, err := l.Record(EventStepStatusChanged, map[string]any{
		"step":   step,
		"status": status,
	})
	return err
}

// StartSession opens the next numbered session. Numbers come from the
// whole event log so they survive restarts.
func (l *Ledger) StartSession(focus string) (*Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session != nil {
		return nil, apperr.InvalidArgument("session", "session %d is already active; end it first", l.session.Number)
	}
	events, _, err := l.readEventsLocked()
	if err != nil {
		return nil, err
	}
	last := 0
	for _, e := range events {
		if e.EventType == EventSessionStarted {
			if n := num(e.Data, "session_number"); n > last {
				last = n
			}
		}
	}

	s := &Session{ID: uuid.NewString(), Number: last + 1, Focus: focus}
	l.session = s
	e, err := l.recordLocked(EventSessionStarted, map[string]any{
		"session_number": s.Number,
		"focus":          focus,
	})
	if err != nil {
		l.session = nil
		return nil, err
	}
	s.StartedAt = e.Timestamp
	out := *s
	return &out, nil
}

// EndSession closes the active session, writes its summary file and
// rebuilds the indexes. With no active session it returns nil, nil.
func (l *Ledger) EndSession(notes string) (*summary.Summary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session == nil {
		return nil, nil
	}
	events, _, err := l.readEventsLocked()
	if err != nil {
		return nil, err
	}

	s := aggregate(l.session, events)
	s.EndedAt = l.now().UTC()
	s.Notes = notes
	body, err := summary.Render(s)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(l.paths.Sessions, summary.FileName(s.EndedAt, s.SessionNumber))
	if err := atomicio.WriteFile(path, body, 0o644); err != nil {
		return nil, fmt.Errorf("writing session summary: %w", err)
	}
	s.SourceFile = path

	rel, err := filepath.Rel(l.paths.Root, path)
	if err != nil {
		rel = path
	}
	if _, err := l.recordLocked(EventSessionEnded, map[string]any{
		"session_number": s.SessionNumber,
		"summary_file":   filepath.ToSlash(rel),
	}); err != nil {
		return nil, err
	}
	l.log.Info("session ended", zap.Int("session_number", s.SessionNumber), zap.String("summary", path))
	l.session = nil

	if _, err := l.rebuildIndexesLocked(); err != nil {
		return s, fmt.Errorf("session ended but index rebuild failed: %w", err)
	}
	return s, nil
}

func aggregate(session *Session, events []*Event) *summary.Summary {
	s := &summary.Summary{
		SessionID:     session.ID,
		SessionNumber: session.Number,
		Focus:         session.Focus,
		StartedAt:     session.StartedAt,
	}
	steps := map[int]bool{}
	created := newOrderedSet()
	modified := newOrderedSet()
	for _, e := range events {
		if e.SessionID != session.ID {
			continue
		}
		switch e.EventType {
		case EventDecisionMade:
			s.Decisions = append(s.Decisions, str(e.Data, "decision"))
			steps[num(e.Data, "step")] = true
		case EventStepStatusChanged:
			steps[num(e.Data, "step")] = true
		case EventDraftCreated:
			created.add(str(e.Data, "entity_id"))
			steps[num(e.Data, "step")] = true
		case EventEntityRevised, EventStatusChanged:
			modified.add(str(e.Data, "entity_id"))
		case EventContradictionFound:
			s.ContradictionsFound = append(s.ContradictionsFound, str(e.Data, "contradiction_id"))
		case EventContradictionResolved:
			s.ContradictionsResolved = append(s.ContradictionsResolved, str(e.Data, "contradiction_id"))
		}
	}
	for step := range steps {
		if step > 0 {
			s.StepsTouched = append(s.StepsTouched, step)
		}
	}
	s.EntitiesCreated = created.items
	s.EntitiesModified = modified.items
	return s
}

type orderedSet struct {
	seen  map[string]bool
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: map[string]bool{}, items: []string{}}
}

func (o *orderedSet) add(s string) {
	if s == "" || o.seen[s] {
		return
	}
	o.seen[s] = true
	o.items = append(o.items, s)
}

// LineIssue is one log line that could not be replayed.
type LineIssue struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Problem string `json:"problem"`
}

func (l *Ledger) eventFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.paths.Events, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("listing event logs: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// readEventsLocked replays every month file in timestamp order. Lines that
// do not decode are returned as issues instead of failing the read.
func (l *Ledger) readEventsLocked() ([]*Event, []LineIssue, error) {
	files, err := l.eventFiles()
	if err != nil {
		return nil, nil, err
	}
	events := make([]*Event, 0)
	issues := make([]LineIssue, 0)
	for _, path := range files {
		fileEvents, fileIssues, err := readEventFile(path)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, fileEvents...)
		issues = append(issues, fileIssues...)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, issues, nil
}

func readEventFile(path string) ([]*Event, []LineIssue, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, apperr.IO(path, "could not open event log", err)
	}
	defer f.Close()

	var events []*Event
	var issues []LineIssue
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	n := 0
	for scanner.Scan() {
		n++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		e, err := decodeLine(line)
		if err != nil {
			issues = append(issues, LineIssue{File: path, Line: n, Problem: err.Error()})
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, apperr.IO(path, "could not read event log", err)
	}
	return events, issues, nil
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
