package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	EventSessionStarted        = "session_started"
	EventSessionEnded          = "session_ended"
	EventDecisionMade          = "decision_made"
	EventDraftCreated          = "draft_created"
	EventStatusChanged         = "status_changed"
	EventEntityRevised         = "entity_revised"
	EventCrossReferenceCreated = "cross_reference_created"
	EventContradictionFound    = "contradiction_found"
	EventContradictionResolved = "contradiction_resolved"
	EventStepStatusChanged     = "step_status_changed"
)

var EventTypes = []string{
	EventSessionStarted, EventSessionEnded, EventDecisionMade, EventDraftCreated,
	EventStatusChanged, EventEntityRevised, EventCrossReferenceCreated,
	EventContradictionFound, EventContradictionResolved, EventStepStatusChanged,
}

type Event struct {
	Timestamp time.Time      `json:"timestamp" validate:"required"`
	SessionID string         `json:"session_id"`
	EventType string         `json:"event_type" validate:"required,oneof=session_started session_ended decision_made draft_created status_changed entity_revised cross_reference_created contradiction_found contradiction_resolved step_status_changed"`
	Data      map[string]any `json:"data"`
}

var eventValidate = validator.New()

func validateEvent(e *Event) error {
	if err := eventValidate.Struct(e); err != nil {
		return fmt.Errorf("invalid %q event: %w", e.EventType, err)
	}
	return nil
}

// decodeLine parses one log line. Only timestamp and event_type are
// required; anything else missing is tolerated.
func decodeLine(line []byte) (*Event, error) {
	var raw struct {
		Timestamp *time.Time     `json:"timestamp"`
		SessionID string         `json:"session_id"`
		EventType string         `json:"event_type"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("not valid JSON: %w", err)
	}
	if raw.Timestamp == nil {
		return nil, fmt.Errorf("missing timestamp")
	}
	if raw.EventType == "" {
		return nil, fmt.Errorf("missing event_type")
	}
	if raw.Data == nil {
		raw.Data = map[string]any{}
	}
	return &Event{Timestamp: raw.Timestamp.UTC(), SessionID: raw.SessionID, EventType: raw.EventType, Data: raw.Data}, nil
}

func str(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func num(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func strs(data map[string]any, key string) []string {
	out := make([]string, 0)
	switch v := data[key].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, v...)
	}
	return out
}
