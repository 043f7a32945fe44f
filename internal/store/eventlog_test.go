package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestEventLog_ReplayEvents(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()

	for _, e := range []Event{
		{RunID: "r1", Type: schema.EventRunStarted},
		{RunID: "r1", Step: "Trigger", Type: schema.EventStepPinned},
		{RunID: "r1", Step: "Fetch", Type: schema.EventStepStarted},
		{RunID: "r1", Step: "Fetch", Type: schema.EventStepFailed},
		{RunID: "r1", Step: "Fetch", Type: schema.EventStepStarted},
		{RunID: "r1", Step: "Fetch", Type: schema.EventStepSucceeded},
		{RunID: "r1", Step: "Wait", Type: schema.EventStepStarted},
		{RunID: "r1", Step: "Wait", Type: schema.EventStepWaiting},
	} {
		e := e
		require.NoError(t, el.AppendEvent(ctx, &e))
	}

	activity, err := el.ReplayEvents(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, activity, 3)

	assert.Equal(t, 1, activity["Trigger"].Invocations)
	assert.NotNil(t, activity["Trigger"].FinishedAt)

	fetch := activity["Fetch"]
	assert.Equal(t, 2, fetch.Invocations)
	assert.Equal(t, 1, fetch.Failures)
	assert.Equal(t, schema.EventStepSucceeded, fetch.LastEvent)
	assert.NotNil(t, fetch.FinishedAt)

	wait := activity["Wait"]
	assert.Equal(t, schema.EventStepWaiting, wait.LastEvent)
	assert.Nil(t, wait.FinishedAt)
}

func TestEventLog_ReplayEmpty(t *testing.T) {
	el := NewEventLog(NewMemoryStore())
	activity, err := el.ReplayEvents(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, activity)
}

// gapStore returns a fixed event list regardless of the query.
type gapStore struct {
	Store
	events []*Event
}

func (g *gapStore) GetEvents(context.Context, string, int64) ([]*Event, error) {
	return g.events, nil
}

func TestEventLog_ReplayDetectsGaps(t *testing.T) {
	now := time.Now()
	el := NewEventLog(&gapStore{events: []*Event{
		{RunID: "r1", Sequence: 1, Timestamp: now},
		{RunID: "r1", Sequence: 3, Timestamp: now},
	}})

	_, err := el.ReplayEvents(context.Background(), "r1")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
	assert.Contains(t, err.Error(), "expected 2, got 3")
}

func BenchmarkEventAppend_Sequential(b *testing.B) {
	dir := b.TempDir()
	s, err := NewLibSQLStore("file:" + dir + "/bench.db")
	if err != nil {
		b.Fatal(err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })

	el := NewEventLog(s)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := el.AppendEvent(ctx, &Event{RunID: "bench", Step: "s1", Type: schema.EventStepStarted}); err != nil {
			b.Fatal(err)
		}
	}
}
