package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/lineage"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/runrecord"
	"github.com/rendis/stepflow/internal/steps"
	"github.com/rendis/stepflow/pkg/schema"
)

// park suspends the run at the waiting step: it stores the pending work list,
// the merge buffers and the parked entry, and issues a resume token.
func (e *engineImpl) park(ctx context.Context, s *scheduler, p *parking) (string, error) {
	token := uuid.New().String()
	run := s.run

	entry := p.entry
	state := &schema.ExecutionState{
		Stack:          s.stack,
		Parked:         &entry,
		ParkedRun:      p.runIndex,
		ResumeBy:       p.wait.ResumeBy,
		Destination:    s.destination,
		ExecutionIndex: s.execIndex,
	}
	if len(s.waiting) > 0 {
		state.Waiting = s.waiting
	}
	run.State = state
	run.ResumeToken = token
	run.AwaitingStep = entry.Step

	ctx = logging.WithToken(logging.WithStep(ctx, entry.Step), token)
	payload := map[string]any{"reason": p.wait.Reason}
	if p.wait.ResumeBy != nil {
		payload["resume_by"] = p.wait.ResumeBy.Format(time.RFC3339)
	}
	e.events.emit(ctx, run.ID, entry.Step, schema.EventStepWaiting, payload)

	if err := e.settle(ctx, run, schema.RunStatusWaiting); err != nil {
		return "", err
	}
	e.metrics.Suspended()
	logging.LogWith(ctx, e.logger).Info("run parked", slog.String("reason", p.wait.Reason))
	return token, nil
}

// Resume implements Engine. An unknown, consumed or expired token fails with
// SUSPENSION_LOST and leaves the run untouched.
func (e *engineImpl) Resume(ctx context.Context, sig schema.ResumeSignal) (*schema.ExecutionResponse, error) {
	found, err := e.store.GetRunByToken(ctx, sig.Token)
	if err != nil {
		if sig.Token == "" || schema.IsCode(err, schema.ErrCodeNotFound) {
			e.metrics.Resumed("lost")
			return nil, schema.NewSuspensionLostError(sig.Token, "unknown token")
		}
		return nil, storeError("get run by token", err)
	}
	ctx = logging.WithToken(logging.WithRunID(ctx, found.ID), sig.Token)

	runCtx, active, ok := e.track(ctx, found.ID)
	if !ok {
		e.metrics.Resumed("lost")
		return nil, schema.NewSuspensionLostError(sig.Token, "run is already being resumed")
	}
	defer e.untrack(found.ID)

	// The run may have been canceled or resumed between the token lookup and
	// tracking; only the tracked copy is authoritative.
	run, err := e.store.GetRun(runCtx, found.ID)
	if err != nil {
		return nil, storeError("get run", err)
	}
	if run.Status != schema.RunStatusWaiting || run.State == nil || run.State.Parked == nil || run.ResumeToken != sig.Token {
		e.metrics.Resumed("lost")
		return nil, schema.NewSuspensionLostError(sig.Token, "run is "+string(run.Status))
	}
	if rb := run.State.ResumeBy; rb != nil && e.now().After(*rb) {
		e.metrics.Resumed("expired")
		logging.LogWith(ctx, e.logger).Warn("resume after deadline", slog.Time("resume_by", *rb))
		return nil, schema.NewSuspensionLostError(sig.Token, "expired at "+rb.Format(time.RFC3339))
	}

	g, err := graph.New(&run.Graph)
	if err != nil {
		return nil, err
	}
	record := runrecord.FromSnapshot(run.Record)
	state := run.State
	parked := *state.Parked

	waiting, ok := record.Get(parked.Step, state.ParkedRun)
	if !ok {
		return nil, schema.NewSuspensionLostError(sig.Token, "waiting result is missing")
	}
	outputs := []schema.ItemSet{append(schema.ItemSet(nil), sig.Payload...)}
	lineage.Assign(parked.Inputs, outputs)

	final := *waiting
	final.Status = schema.TaskStatusSuccess
	final.FinishedAt = e.now()
	final.Outputs = outputs
	if err := record.Finalize(parked.Step, state.ParkedRun, final); err != nil {
		return nil, err
	}

	run.Record = record.Snapshot()
	run.ResumeToken = ""
	run.AwaitingStep = ""
	run.State = nil
	if err := e.settle(runCtx, run, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	e.metrics.Resumed("ok")

	s := newScheduler(e, run, g, record, active)
	if err := s.boundTo(state.Destination); err != nil {
		return e.finish(runCtx, s, nil, err, state.Destination)
	}
	s.stack = state.Stack
	for name, list := range state.Waiting {
		s.waiting[name] = list
	}
	s.execIndex = state.ExecutionIndex

	stepCtx := logging.WithStep(runCtx, parked.Step)
	e.events.emit(stepCtx, run.ID, parked.Step, schema.EventStepSucceeded,
		map[string]any{"items": countItems(outputs), "resumed": true})
	s.propagate(stepCtx, parked.Step, state.ParkedRun, outputs)

	p, err := s.drive(runCtx)
	return e.finish(runCtx, s, p, err, state.Destination)
}

// Cancel implements Engine. Runs driven by this process are stopped
// cooperatively; waiting runs release their outstanding steps and are settled
// directly.
func (e *engineImpl) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	if active, ok := e.running[runID]; ok {
		active.canceled.Store(true)
		active.cancel()
		e.mu.Unlock()
		logging.LogWith(logging.WithRunID(ctx, runID), e.logger).Info("cancel requested")
		return nil
	}
	e.mu.Unlock()

	held, _, ok := e.track(ctx, runID)
	if !ok {
		// Picked up by a concurrent resume in the meantime.
		return e.Cancel(ctx, runID)
	}
	defer e.untrack(runID)
	ctx = logging.WithRunID(held, runID)

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return storeError("get run", err)
	}
	if run.Status.Terminal() {
		return nil
	}
	if run.Status == schema.RunStatusWaiting {
		e.cancelOutstanding(ctx, run)
	}
	if err := e.settle(ctx, run, schema.RunStatusCanceled); err != nil {
		return err
	}
	logging.LogWith(ctx, e.logger).Info("run canceled", slog.String("status", string(run.Status)))
	return nil
}

// cancelOutstanding notifies the parked step's invocable when it holds
// external resources.
func (e *engineImpl) cancelOutstanding(ctx context.Context, run *schema.Run) {
	if run.State == nil || run.State.Parked == nil {
		return
	}
	name := run.State.Parked.Step
	for _, step := range run.Graph.Steps {
		if step.Name != name {
			continue
		}
		inv, err := e.registry.Get(step.Type)
		if err != nil {
			return
		}
		c, ok := inv.(steps.Canceler)
		if !ok {
			return
		}
		err = c.Cancel(ctx, steps.CancelInput{RunID: run.ID, Step: name, Token: run.ResumeToken})
		if err != nil {
			logging.LogWith(logging.WithStep(ctx, name), e.logger).Warn("cancel outstanding step",
				slog.String("error", err.Error()))
		}
		return
	}
}
