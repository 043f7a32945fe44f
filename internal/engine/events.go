package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
)

// eventSink appends progress events to the run event log and pushes them to
// live subscribers. Hub failures are logged; log failures are returned.
type eventSink struct {
	log    EventAppender
	hub    streaming.EventHub
	logger *slog.Logger
}

func (s *eventSink) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := s.log.AppendEvent(ctx, event); err != nil {
		return err
	}
	if s.hub == nil {
		return nil
	}

	var payload any
	if len(event.Payload) > 0 {
		payload = event.Payload
	}
	err := s.hub.Publish(ctx, streaming.StreamEvent{
		RunID:     event.RunID,
		Step:      event.Step,
		EventType: event.Type,
		Sequence:  event.Sequence,
		Payload:   payload,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		logging.LogWith(ctx, s.logger).Warn("publish progress event",
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// emit records a step-level event. Progress events never abort a run, so
// failures are only logged.
func (s *eventSink) emit(ctx context.Context, runID, step, eventType string, payload map[string]any) {
	event := &store.Event{RunID: runID, Step: step, Type: eventType}
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err == nil {
			event.Payload = raw
		}
	}
	if err := s.AppendEvent(ctx, event); err != nil {
		logging.LogWith(ctx, s.logger).Error("append progress event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}
