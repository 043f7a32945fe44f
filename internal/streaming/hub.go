package streaming

import (
	"context"
	"time"
)

// StreamEvent is a progress event pushed to live consumers of a run.
type StreamEvent struct {
	RunID     string    `json:"run_id"`
	Step      string    `json:"step,omitempty"`
	EventType string    `json:"event_type"`
	Sequence  int64     `json:"sequence,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	Step       string   `json:"step,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for run progress events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// Matches reports whether e passes the filter.
func (f EventFilter) Matches(e StreamEvent) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if f.Step != "" && f.Step != e.Step {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}
