// Package timeline builds the append-only stage timelines recorded as
// ingestion run diagnostics.
package timeline

import (
	"encoding/json"
	"time"
)

// StageEvent is one immutable entry in a run's diagnostics timeline.
type StageEvent struct {
	Stage   string         `json:"stage"`
	Status  string         `json:"status"`
	AtUTC   string         `json:"at_utc"`
	Details map[string]any `json:"details,omitempty"`
}

// Event builds one structured timeline event stamped with the current UTC time.
func Event(stage, status string, details map[string]any) StageEvent {
	return EventAt(time.Now().UTC(), stage, status, details)
}

// EventAt builds one structured timeline event with an explicit timestamp.
// Split out so adapters and tests can inject their clock.
func EventAt(at time.Time, stage, status string, details map[string]any) StageEvent {
	return StageEvent{
		Stage:   stage,
		Status:  status,
		AtUTC:   at.UTC().Format(time.RFC3339Nano),
		Details: details,
	}
}

// MarshalEvents serializes a timeline for diagnostics persistence.
func MarshalEvents(events []StageEvent) (string, error) {
	if events == nil {
		events = []StageEvent{}
	}
	payload, err := json.Marshal(events)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// UnmarshalEvents restores a persisted diagnostics timeline.
func UnmarshalEvents(payload string) ([]StageEvent, error) {
	if payload == "" {
		return []StageEvent{}, nil
	}
	var events []StageEvent
	if err := json.Unmarshal([]byte(payload), &events); err != nil {
		return nil, err
	}
	return events, nil
}
