package entity

import (
	"sort"

	"go.uber.org/zap"

	"worldforge/internal/template"
)

type Link struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	Field      string `json:"field"`
	Label      string `json:"label"`
	Exists     bool   `json:"exists"`
}

type CrossReferenceSet struct {
	References   []Link `json:"references"`
	ReferencedBy []Link `json:"referenced_by"`
}

type inboundRef struct {
	source string
	field  string
	label  string
}

// referenceIndex maps target id to the entities that point at it.
type referenceIndex struct {
	built    bool
	outbound map[string][]template.Reference
	inbound  map[string]map[string]inboundRef
}

func newReferenceIndex() *referenceIndex {
	return &referenceIndex{
		outbound: make(map[string][]template.Reference),
		inbound:  make(map[string]map[string]inboundRef),
	}
}

func (r *referenceIndex) set(source string, refs []template.Reference) {
	for _, old := range r.outbound[source] {
		if set, ok := r.inbound[old.Target]; ok {
			delete(set, source+"\x00"+old.Field)
			if len(set) == 0 {
				delete(r.inbound, old.Target)
			}
		}
	}
	r.outbound[source] = refs
	for _, ref := range refs {
		set, ok := r.inbound[ref.Target]
		if !ok {
			set = make(map[string]inboundRef)
			r.inbound[ref.Target] = set
		}
		set[source+"\x00"+ref.Field] = inboundRef{source: source, field: ref.Field, label: ref.Label}
	}
}

func outboundReferences(e *Entity, t *template.Template) []template.Reference {
	if t == nil {
		return []template.Reference{}
	}
	refs := t.CrossReferences(e.Data)
	out := refs[:0]
	for _, ref := range refs {
		if ref.Target != e.ID {
			out = append(out, ref)
		}
	}
	return out
}

func (s *Store) ensureReferencesLocked() {
	if s.refs.built {
		return
	}
	s.refs = newReferenceIndex()
	for id, summary := range s.state.EntityIndex {
		e, err := ReadFile(AbsolutePath(s.paths.Root, summary.FilePath))
		if err != nil {
			s.log.Warn("skipping unreadable entity while indexing references", zap.String("entity_id", id), zap.Error(err))
			continue
		}
		t, _ := s.registry.Lookup(e.Meta.TemplateID)
		s.refs.set(e.ID, outboundReferences(e, t))
	}
	s.refs.built = true
}

func (s *Store) CrossReferences(id string) (*CrossReferenceSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.loadLocked(id)
	if err != nil {
		return nil, err
	}
	s.ensureReferencesLocked()

	set := &CrossReferenceSet{References: []Link{}, ReferencedBy: []Link{}}
	t, _ := s.registry.Lookup(e.Meta.TemplateID)
	for _, ref := range outboundReferences(e, t) {
		link := Link{ID: ref.Target, Field: ref.Field, Label: ref.Label}
		if target, ok := s.state.EntityIndex[ref.Target]; ok {
			link.Exists = true
			link.Name = target.Name
			link.EntityType = target.EntityType
		}
		set.References = append(set.References, link)
	}

	for _, in := range s.refs.inbound[id] {
		link := Link{ID: in.source, Field: in.field, Label: in.label}
		if source, ok := s.state.EntityIndex[in.source]; ok {
			link.Exists = true
			link.Name = source.Name
			link.EntityType = source.EntityType
		}
		set.ReferencedBy = append(set.ReferencedBy, link)
	}
	sort.Slice(set.ReferencedBy, func(i, j int) bool {
		if set.ReferencedBy[i].ID != set.ReferencedBy[j].ID {
			return set.ReferencedBy[i].ID < set.ReferencedBy[j].ID
		}
		return set.ReferencedBy[i].Field < set.ReferencedBy[j].Field
	})
	return set, nil
}
