package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

// runStoreSuite exercises the Store contract against one implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("graphs", func(t *testing.T) { testGraphs(t, newStore(t)) })
	t.Run("runs", func(t *testing.T) { testRuns(t, newStore(t)) })
	t.Run("run_tokens", func(t *testing.T) { testRunTokens(t, newStore(t)) })
	t.Run("list_runs", func(t *testing.T) { testListRuns(t, newStore(t)) })
	t.Run("events", func(t *testing.T) { testEvents(t, newStore(t)) })
	t.Run("scheduled_jobs", func(t *testing.T) { testScheduledJobs(t, newStore(t)) })
}

func sampleGraph() schema.Graph {
	return schema.Graph{
		ID:   "g1",
		Name: "sample",
		Steps: []schema.Step{
			{Name: "Trigger", Type: "stepflow.manualTrigger"},
			{Name: "Set", Type: "stepflow.set", Parameters: json.RawMessage(`{"assign":{"x":"1"}}`)},
		},
		Connections: []schema.Connection{{Source: "Trigger", Target: "Set"}},
	}
}

func sampleRun(id string) *schema.Run {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &schema.Run{
		ID:      id,
		GraphID: "g1",
		Graph:   sampleGraph(),
		Status:  schema.RunStatusRunning,
		Record: schema.RunRecord{
			"Trigger": {{
				Status:    schema.TaskStatusSuccess,
				StartedAt: started,
				Outputs:   []schema.ItemSet{schema.NewItemSet(map[string]any{"n": float64(1)})},
			}},
		},
		Pinned:    schema.PinnedData{"Set": schema.NewItemSet(map[string]any{"pinned": true})},
		StartedAt: &started,
	}
}

func testGraphs(t *testing.T, s Store) {
	ctx := context.Background()

	g := &GraphRecord{ID: "g1", Name: "sample", Definition: sampleGraph()}
	require.NoError(t, s.SaveGraph(ctx, g))

	got, err := s.GetGraph(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "sample", got.Name)
	assert.Len(t, got.Definition.Steps, 2)
	assert.JSONEq(t, `{"assign":{"x":"1"}}`, string(got.Definition.Steps[1].Parameters))
	first := got.LastUpdated("Set")
	require.False(t, first.IsZero())

	// Re-saving an unchanged step keeps its stamp; an edited step is restamped.
	time.Sleep(5 * time.Millisecond)
	edited := sampleGraph()
	edited.Steps[1].Parameters = json.RawMessage(`{"assign":{"x":"2"}}`)
	require.NoError(t, s.SaveGraph(ctx, &GraphRecord{ID: "g1", Name: "renamed", Definition: edited}))

	got, err = s.GetGraph(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.True(t, got.LastUpdated("Trigger").Equal(first))
	assert.True(t, got.LastUpdated("Set").After(first))

	list, err := s.ListGraphs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteGraph(ctx, "g1"))
	_, err = s.GetGraph(ctx, "g1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(s.DeleteGraph(ctx, "g1"), schema.ErrCodeNotFound))
}

func testRuns(t *testing.T, s Store) {
	ctx := context.Background()
	run := sampleRun(uuid.New().String())
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	assert.Equal(t, "g1", got.GraphID)
	assert.Len(t, got.Graph.Steps, 2)
	require.Len(t, got.Record["Trigger"], 1)
	assert.Equal(t, float64(1), got.Record["Trigger"][0].Outputs[0][0].JSON["n"])
	assert.Equal(t, true, got.Pinned["Set"][0].JSON["pinned"])
	assert.Nil(t, got.Error)
	assert.Nil(t, got.State)

	finished := time.Now().UTC()
	got.Status = schema.RunStatusError
	got.FinishedAt = &finished
	got.Error = schema.NewErrorf(schema.ErrCodeStepInvocation, "boom").WithStep("Set")
	got.State = &schema.ExecutionState{
		Stack:          []schema.PendingEntry{{Step: "Set", Inputs: []schema.ItemSet{schema.NewItemSet(map[string]any{})}}},
		ExecutionIndex: 3,
	}
	require.NoError(t, s.SaveRun(ctx, got))

	again, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusError, again.Status)
	require.NotNil(t, again.Error)
	assert.Equal(t, schema.ErrCodeStepInvocation, again.Error.Code)
	assert.Equal(t, "Set", again.Error.Step)
	require.NotNil(t, again.State)
	assert.Equal(t, 3, again.State.ExecutionIndex)
	require.NotNil(t, again.FinishedAt)

	_, err = s.GetRun(ctx, "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(s.SaveRun(ctx, sampleRun("missing")), schema.ErrCodeNotFound))
}

func testRunTokens(t *testing.T, s Store) {
	ctx := context.Background()
	run := sampleRun(uuid.New().String())
	require.NoError(t, s.CreateRun(ctx, run))

	token := uuid.New().String()
	run.Status = schema.RunStatusWaiting
	run.AwaitingStep = "Set"
	run.ResumeToken = token
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRunByToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "Set", got.AwaitingStep)

	_, err = s.GetRunByToken(ctx, uuid.New().String())
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	// Clearing the token makes it unresolvable.
	run.ResumeToken = ""
	run.Status = schema.RunStatusSuccess
	require.NoError(t, s.SaveRun(ctx, run))
	_, err = s.GetRunByToken(ctx, token)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func testListRuns(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i, status := range []schema.RunStatus{schema.RunStatusSuccess, schema.RunStatusWaiting, schema.RunStatusSuccess} {
		run := sampleRun(uuid.New().String())
		run.Status = status
		run.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateRun(ctx, run))
	}
	other := sampleRun(uuid.New().String())
	other.GraphID = "g2"
	other.CreatedAt = base.Add(10 * time.Minute)
	require.NoError(t, s.CreateRun(ctx, other))

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, other.ID, all[0].ID, "newest first")

	success := schema.RunStatusSuccess
	done, err := s.ListRuns(ctx, RunFilter{Status: &success})
	require.NoError(t, err)
	assert.Len(t, done, 2)

	byGraph, err := s.ListRuns(ctx, RunFilter{GraphID: "g2"})
	require.NoError(t, err)
	require.Len(t, byGraph, 1)

	page, err := s.ListRuns(ctx, RunFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func testEvents(t *testing.T, s Store) {
	ctx := context.Background()
	runA, runB := uuid.New().String(), uuid.New().String()

	for i := 0; i < 3; i++ {
		e := &Event{RunID: runA, Step: "Set", Type: schema.EventStepStarted}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	e := &Event{RunID: runB, Type: schema.EventRunStarted, Payload: json.RawMessage(`{"x":1}`)}
	require.NoError(t, s.AppendEvent(ctx, e))
	assert.Equal(t, int64(1), e.Sequence, "sequence is per run")

	events, err := s.GetEvents(ctx, runA, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, "Set", events[0].Step)

	events, err = s.GetEvents(ctx, runB, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"x":1}`, string(events[0].Payload))

	byType, err := s.GetEventsByType(ctx, schema.EventStepStarted, EventFilter{RunID: runA, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	none, err := s.GetEventsByType(ctx, schema.EventStepStarted, EventFilter{RunID: runB})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testScheduledJobs(t *testing.T, s Store) {
	ctx := context.Background()
	next := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	job := &ScheduledJob{
		ID:             uuid.New().String(),
		GraphID:        "g1",
		TriggerStep:    "Trigger",
		Payload:        schema.NewItemSet(map[string]any{"source": "cron"}),
		CronExpression: "*/5 * * * *",
		Enabled:        true,
		NextRunAt:      &next,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, job))

	got, err := s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "Trigger", got.TriggerStep)
	assert.True(t, got.Enabled)
	require.Len(t, got.Payload, 1)
	assert.Equal(t, "cron", got.Payload[0].JSON["source"])
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(next))

	disabled := false
	ran := next.Add(time.Minute)
	require.NoError(t, s.UpdateScheduledJob(ctx, job.ID, ScheduledJobUpdate{
		Enabled: &disabled, LastRunAt: &ran, LastRunStatus: "success", LastRunID: "run-1",
	}))
	got, err = s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "success", got.LastRunStatus)
	assert.Equal(t, "run-1", got.LastRunID)

	enabled := true
	active, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{GraphID: "g1"})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteScheduledJob(ctx, job.ID))
	_, err = s.GetScheduledJob(ctx, job.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(s.UpdateScheduledJob(ctx, job.ID, ScheduledJobUpdate{LastRunStatus: "x"}), schema.ErrCodeNotFound))
}
