// Package events defines the realtime event envelope Marcus appends to its
// JSONL event log and publishes to live subscribers. One event is one line;
// payload keys marshal inline beside the timestamp and type so the log
// stays flat and greppable.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of coordination event.
type Type string

const (
	AgentRegistered         Type = "agent_registered"
	AssignmentGranted       Type = "assignment_granted"
	AssignmentDenied        Type = "assignment_denied"
	ProgressReported        Type = "progress_reported"
	BlockerReported         Type = "blocker_reported"
	TaskReleased            Type = "task_released"
	ReconciliationCorrected Type = "reconciliation_corrected"
	CircuitStateChanged     Type = "circuit_state_changed"
	PatternDetected         Type = "pattern_detected"
	ProjectCreated          Type = "project_created"
	FeatureAdded            Type = "feature_added"
	ServerStarted           Type = "server_started"
	ServerStopped           Type = "server_stopped"
)

// Event is one entry in the realtime stream.
type Event struct {
	Timestamp time.Time
	Type      Type
	Payload   map[string]any
}

// New builds an event stamped with the current time. Callers that need a
// controlled clock construct the struct directly.
func New(typ Type, payload map[string]any) Event {
	return Event{
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Payload:   payload,
	}
}

// reserved envelope keys. Payload entries with these names lose to the
// envelope on marshal.
const (
	keyTimestamp = "timestamp"
	keyEvent     = "event"
)

// MarshalJSON flattens the payload into the envelope object.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out[keyTimestamp] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	out[keyEvent] = string(e.Type)
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON: envelope keys are pulled
// out and everything else becomes the payload.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw[keyEvent].(string); ok {
		e.Type = Type(v)
	} else {
		return fmt.Errorf("event line missing %q key", keyEvent)
	}
	delete(raw, keyEvent)

	if v, ok := raw[keyTimestamp].(string); ok {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("parse event timestamp: %w", err)
		}
		e.Timestamp = ts
	}
	delete(raw, keyTimestamp)

	if len(raw) > 0 {
		e.Payload = raw
	} else {
		e.Payload = nil
	}
	return nil
}
