package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// StepActivity is the per-step view reconstructed from a run's progress log.
type StepActivity struct {
	Step        string     `json:"step"`
	LastEvent   string     `json:"last_event"`
	Invocations int        `json:"invocations"`
	Failures    int        `json:"failures"`
	FirstSeenAt time.Time  `json:"first_seen_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// EventLog provides progress-log operations on top of any Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide progress-log operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayEvents replays all events for a run and returns per-step activity.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (map[string]*StepActivity, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	activity := make(map[string]*StepActivity)
	for _, e := range events {
		if e.Step == "" {
			continue
		}

		a, ok := activity[e.Step]
		if !ok {
			a = &StepActivity{Step: e.Step, FirstSeenAt: e.Timestamp}
			activity[e.Step] = a
		}
		a.LastEvent = e.Type

		ts := e.Timestamp
		switch e.Type {
		case schema.EventStepStarted:
			a.Invocations++
			a.FinishedAt = nil
		case schema.EventStepPinned:
			a.Invocations++
			a.FinishedAt = &ts
		case schema.EventStepSucceeded, schema.EventStepSkipped:
			a.FinishedAt = &ts
		case schema.EventStepFailed:
			a.Failures++
			a.FinishedAt = &ts
		}
	}
	return activity, nil
}
