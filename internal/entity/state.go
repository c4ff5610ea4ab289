package entity

import (
	"encoding/json"
	"fmt"
	"sort"

	"worldforge/internal/atomicio"
)

const (
	MinStep = 1
	MaxStep = 52
)

const (
	StepCompleted  = "completed"
	StepInProgress = "in_progress"
	StepNotStarted = "not_started"
)

var StateKeys = []string{"current_step", "current_phase", "completed_steps", "in_progress_steps", "entity_index"}

type State struct {
	CurrentStep     int
	CurrentPhase    string
	CompletedSteps  []int
	InProgressSteps []int
	EntityIndex     map[string]Summary

	Extra map[string]json.RawMessage
}

type stateDocument struct {
	CurrentStep     int                `json:"current_step"`
	CurrentPhase    string             `json:"current_phase"`
	CompletedSteps  []int              `json:"completed_steps"`
	InProgressSteps []int              `json:"in_progress_steps"`
	EntityIndex     map[string]Summary `json:"entity_index"`
}

func NewState() *State {
	return &State{
		CurrentStep:     MinStep,
		CompletedSteps:  []int{},
		InProgressSteps: []int{},
		EntityIndex:     make(map[string]Summary),
		Extra:           make(map[string]json.RawMessage),
	}
}

func (s *State) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Extra)+5)
	for k, v := range s.Extra {
		out[k] = v
	}
	completed := s.CompletedSteps
	if completed == nil {
		completed = []int{}
	}
	inProgress := s.InProgressSteps
	if inProgress == nil {
		inProgress = []int{}
	}
	index := s.EntityIndex
	if index == nil {
		index = map[string]Summary{}
	}
	out["current_step"] = s.CurrentStep
	out["current_phase"] = s.CurrentPhase
	out["completed_steps"] = completed
	out["in_progress_steps"] = inProgress
	out["entity_index"] = index
	return json.Marshal(out)
}

func (s *State) UnmarshalJSON(data []byte) error {
	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := NewState()
	out.CurrentStep = doc.CurrentStep
	out.CurrentPhase = doc.CurrentPhase
	if doc.CompletedSteps != nil {
		out.CompletedSteps = doc.CompletedSteps
	}
	if doc.InProgressSteps != nil {
		out.InProgressSteps = doc.InProgressSteps
	}
	for id, summary := range doc.EntityIndex {
		summary.ID = id
		out.EntityIndex[id] = summary
	}
	for k, v := range raw {
		if isStateKey(k) {
			continue
		}
		out.Extra[k] = v
	}
	*s = *out
	return nil
}

func (s *State) Clone() *State {
	out := NewState()
	out.CurrentStep = s.CurrentStep
	out.CurrentPhase = s.CurrentPhase
	out.CompletedSteps = append([]int{}, s.CompletedSteps...)
	out.InProgressSteps = append([]int{}, s.InProgressSteps...)
	for k, v := range s.EntityIndex {
		out.EntityIndex[k] = v
	}
	for k, v := range s.Extra {
		out.Extra[k] = v
	}
	return out
}

func isStateKey(key string) bool {
	for _, k := range StateKeys {
		if k == key {
			return true
		}
	}
	return false
}

func LoadState(path string) (*State, error) {
	state := NewState()
	if err := atomicio.ReadJSON(path, state); err != nil {
		return nil, err
	}
	return state, nil
}

func SaveState(path string, state *State) error {
	if err := atomicio.WriteJSON(path, state); err != nil {
		return fmt.Errorf("saving world state: %w", err)
	}
	return nil
}

func addStep(steps []int, step int) []int {
	for _, s := range steps {
		if s == step {
			return steps
		}
	}
	steps = append(steps, step)
	sort.Ints(steps)
	return steps
}

func removeStep(steps []int, step int) []int {
	out := make([]int, 0, len(steps))
	for _, s := range steps {
		if s != step {
			out = append(out, s)
		}
	}
	return out
}
