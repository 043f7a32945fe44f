package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/steps"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- Fixtures ---

type fixture struct {
	srv   *Server
	store *store.MemoryStore
	hub   *streaming.MemoryHub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := store.NewMemoryStore()
	hub := streaming.NewMemoryHubWithBuffer(64)
	reg := steps.NewRegistry()
	require.NoError(t, steps.RegisterBuiltins(reg, steps.Deps{}))
	validator, err := validation.NewGraphValidator(reg)
	require.NoError(t, err)
	eng := engine.NewEngine(engine.Config{Store: ms, Registry: reg, Hub: hub})

	srv := NewServer(ServerDeps{
		Engine:    eng,
		Store:     ms,
		Validator: validator,
		Scheduler: scheduler.NewScheduler(ms, eng, nil, time.Hour),
		Hub:       hub,
	})
	return &fixture{srv: srv, store: ms, hub: hub}
}

// approvalGraph parks on a wait step and tags the resumed items.
func approvalGraph() map[string]any {
	return map[string]any{
		"steps": []any{
			map[string]any{"name": "Start", "type": steps.TypeManualTrigger},
			map[string]any{"name": "Approval", "type": steps.TypeWait, "parameters": map[string]any{"reason": "sign-off"}},
			map[string]any{"name": "Done", "type": steps.TypeSet, "parameters": map[string]any{"values": map[string]any{"done": true}}},
		},
		"connections": []any{
			map[string]any{"source": "Start", "target": "Approval"},
			map[string]any{"source": "Approval", "target": "Done"},
		},
	}
}

func linearGraph() map[string]any {
	return map[string]any{
		"steps": []any{
			map[string]any{"name": "Start", "type": steps.TypeManualTrigger},
			map[string]any{"name": "Tag", "type": steps.TypeSet, "parameters": map[string]any{"values": map[string]any{"tag": "x"}}},
		},
		"connections": []any{
			map[string]any{"source": "Start", "target": "Tag"},
		},
	}
}

// --- Mock Notifier ---

type mockNotifier struct {
	mu    sync.Mutex
	sent  map[string][]map[string]any
	notes chan struct{}
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{sent: make(map[string][]map[string]any), notes: make(chan struct{}, 16)}
}

func (n *mockNotifier) Notify(_ context.Context, clientID string, payload map[string]any) error {
	n.mu.Lock()
	n.sent[clientID] = append(n.sent[clientID], payload)
	n.mu.Unlock()
	n.notes <- struct{}{}
	return nil
}

func (n *mockNotifier) sentTo(clientID string) []map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]map[string]any(nil), n.sent[clientID]...)
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", result.Content[0])
	return tc.Text
}

func decodeResult(t *testing.T, result *mcp.CallToolResult, v any) {
	t.Helper()
	require.False(t, result.IsError, extractText(t, result))
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), v))
}

func call(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), tool string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := h(context.Background(), buildRequest(tool, args))
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

// --- Tests ---

func TestRunToolInlineGraph(t *testing.T) {
	f := newFixture(t)

	var resp schema.ExecutionResponse
	decodeResult(t, call(t, f.srv.handleRun, "stepflow.run", map[string]any{"graph": linearGraph()}), &resp)

	assert.Equal(t, schema.RunStatusSuccess, resp.Status)
	require.Len(t, resp.Record["Tag"], 1)
	assert.Equal(t, "x", resp.Record["Tag"][0].Outputs[0][0].JSON["tag"])
}

func TestRunToolStoredGraphWithDestination(t *testing.T) {
	f := newFixture(t)
	decodeResult(t, call(t, f.srv.handleDefine, "stepflow.define", map[string]any{
		"id": "linear", "name": "Linear", "definition": linearGraph(),
	}), &map[string]any{})

	var resp schema.ExecutionResponse
	decodeResult(t, call(t, f.srv.handleRun, "stepflow.run", map[string]any{
		"graph_id":    "linear",
		"destination": "Start",
	}), &resp)

	assert.Equal(t, schema.RunStatusSuccess, resp.Status)
	assert.Contains(t, resp.Record, "Start")
	assert.NotContains(t, resp.Record, "Tag")
}

func TestRunToolErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"no graph", map[string]any{}},
		{"unknown step type", map[string]any{"graph": map[string]any{
			"steps": []any{map[string]any{"name": "A", "type": "nope"}},
		}}},
		{"unknown graph id", map[string]any{"graph_id": "missing"}},
		{"malformed request", map[string]any{"start_steps": "A"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := call(t, f.srv.handleRun, "stepflow.run", tt.args)
			assert.True(t, result.IsError)
		})
	}
}

func TestResumeAndStatusTools(t *testing.T) {
	f := newFixture(t)

	var parked schema.ExecutionResponse
	decodeResult(t, call(t, f.srv.handleRun, "stepflow.run", map[string]any{"graph": approvalGraph()}), &parked)
	require.Equal(t, schema.RunStatusWaiting, parked.Status)
	require.NotEmpty(t, parked.ResumeToken)
	assert.Equal(t, "Approval", parked.AwaitingStep)

	var st runStatus
	decodeResult(t, call(t, f.srv.handleStatus, "stepflow.status", map[string]any{"run_id": parked.RunID}), &st)
	assert.Equal(t, schema.RunStatusWaiting, st.Status)
	assert.Equal(t, parked.ResumeToken, st.ResumeToken)
	assert.Nil(t, st.Record)

	var done schema.ExecutionResponse
	decodeResult(t, call(t, f.srv.handleResume, "stepflow.resume", map[string]any{
		"token":   parked.ResumeToken,
		"payload": []any{map[string]any{"approved": true}},
	}), &done)
	assert.Equal(t, schema.RunStatusSuccess, done.Status)
	out := done.Record["Done"][0].Outputs[0][0].JSON
	assert.Equal(t, true, out["approved"])
	assert.Equal(t, true, out["done"])

	decodeResult(t, call(t, f.srv.handleStatus, "stepflow.status", map[string]any{
		"run_id": parked.RunID, "include_record": true, "include_events": true,
	}), &st)
	assert.Equal(t, schema.RunStatusSuccess, st.Status)
	assert.Equal(t, 1, st.Invocations["Done"])
	assert.Contains(t, st.Record, "Approval")
	assert.NotEmpty(t, st.Events)

	// The token was consumed.
	result := call(t, f.srv.handleResume, "stepflow.resume", map[string]any{"token": parked.ResumeToken})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeSuspensionLost)
}

func TestResumeToolBadPayload(t *testing.T) {
	f := newFixture(t)

	assert.True(t, call(t, f.srv.handleResume, "stepflow.resume", map[string]any{}).IsError)
	assert.True(t, call(t, f.srv.handleResume, "stepflow.resume", map[string]any{"token": "t", "payload": "x"}).IsError)
	assert.True(t, call(t, f.srv.handleResume, "stepflow.resume", map[string]any{"token": "t", "payload": []any{1}}).IsError)
}

func TestCancelTool(t *testing.T) {
	f := newFixture(t)

	var parked schema.ExecutionResponse
	decodeResult(t, call(t, f.srv.handleRun, "stepflow.run", map[string]any{"graph": approvalGraph()}), &parked)

	for i := 0; i < 2; i++ {
		var out map[string]any
		decodeResult(t, call(t, f.srv.handleCancel, "stepflow.cancel", map[string]any{"run_id": parked.RunID}), &out)
		assert.Equal(t, true, out["ok"])
	}

	run, err := f.store.GetRun(context.Background(), parked.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCanceled, run.Status)

	assert.True(t, call(t, f.srv.handleCancel, "stepflow.cancel", map[string]any{}).IsError)
	assert.True(t, call(t, f.srv.handleCancel, "stepflow.cancel", map[string]any{"run_id": "nope"}).IsError)
}

func TestTraceTool(t *testing.T) {
	f := newFixture(t)

	var resp schema.ExecutionResponse
	decodeResult(t, call(t, f.srv.handleRun, "stepflow.run", map[string]any{"graph": linearGraph()}), &resp)

	var out struct {
		Origins []string `json:"origins"`
	}
	decodeResult(t, call(t, f.srv.handleTrace, "stepflow.trace", map[string]any{
		"run_id": resp.RunID, "step": "Tag", "output": 0.0, "item": 0.0,
	}), &out)
	require.Len(t, out.Origins, 1)
	assert.Contains(t, out.Origins[0], "Start")

	assert.True(t, call(t, f.srv.handleTrace, "stepflow.trace", map[string]any{"run_id": resp.RunID}).IsError)
	assert.True(t, call(t, f.srv.handleTrace, "stepflow.trace", map[string]any{"step": "Tag"}).IsError)
	assert.True(t, call(t, f.srv.handleTrace, "stepflow.trace", map[string]any{
		"run_id": resp.RunID, "step": "Tag", "item": 9.0,
	}).IsError)
}

func TestDefineTool(t *testing.T) {
	f := newFixture(t)

	var out map[string]any
	decodeResult(t, call(t, f.srv.handleDefine, "stepflow.define", map[string]any{
		"id": "g1", "definition": linearGraph(),
	}), &out)
	assert.Equal(t, "g1", out["id"])
	assert.Equal(t, 2.0, out["steps"])

	rec, err := f.store.GetGraph(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, "g1", rec.Definition.ID)
	assert.Len(t, rec.Definition.Steps, 2)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing id", map[string]any{"definition": linearGraph()}},
		{"missing definition", map[string]any{"id": "g2"}},
		{"dangling connection", map[string]any{"id": "g3", "definition": map[string]any{
			"steps":       []any{map[string]any{"name": "A", "type": steps.TypeNoOp}},
			"connections": []any{map[string]any{"source": "A", "target": "B"}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, call(t, f.srv.handleDefine, "stepflow.define", tt.args).IsError)
		})
	}
}

func TestScheduleTool(t *testing.T) {
	f := newFixture(t)
	decodeResult(t, call(t, f.srv.handleDefine, "stepflow.define", map[string]any{
		"id": "nightly", "definition": linearGraph(),
	}), &map[string]any{})

	var job store.ScheduledJob
	decodeResult(t, call(t, f.srv.handleSchedule, "stepflow.schedule", map[string]any{
		"id":           "job-1",
		"graph_id":     "nightly",
		"cron":         "0 3 * * *",
		"trigger_step": "Start",
		"payload":      []any{map[string]any{"batch": 1.0}},
	}), &job)
	assert.Equal(t, "job-1", job.ID)
	assert.True(t, job.Enabled)
	require.NotNil(t, job.NextRunAt)
	assert.Equal(t, 3, job.NextRunAt.Hour())

	stored, err := f.store.GetScheduledJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "Start", stored.TriggerStep)
	require.Len(t, stored.Payload, 1)

	assert.True(t, call(t, f.srv.handleSchedule, "stepflow.schedule", map[string]any{"graph_id": "nightly", "cron": "bad"}).IsError)
	assert.True(t, call(t, f.srv.handleSchedule, "stepflow.schedule", map[string]any{"cron": "0 3 * * *"}).IsError)

	disabled := NewServer(ServerDeps{Store: f.store})
	assert.True(t, call(t, disabled.handleSchedule, "stepflow.schedule", map[string]any{
		"graph_id": "nightly", "cron": "0 3 * * *",
	}).IsError)
}

func TestWatchNotifiesRunOwner(t *testing.T) {
	f := newFixture(t)
	notifier := newMockNotifier()
	f.srv.notifier = notifier

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.srv.Watch(ctx))

	var parked schema.ExecutionResponse
	decodeResult(t, call(t, f.srv.handleRun, "stepflow.run", map[string]any{
		"graph": approvalGraph(), "client_id": "client-1",
	}), &parked)
	require.Equal(t, schema.RunStatusWaiting, parked.Status)

	// Resumed by a different caller; the owner still hears about completion.
	decodeResult(t, call(t, f.srv.handleResume, "stepflow.resume", map[string]any{"token": parked.ResumeToken}), &schema.ExecutionResponse{})

	deadline := time.After(2 * time.Second)
	for {
		sent := notifier.sentTo("client-1")
		if len(sent) > 0 && sent[len(sent)-1]["event_type"] == schema.EventRunSucceeded {
			assert.Equal(t, parked.RunID, sent[len(sent)-1]["run_id"])
			break
		}
		select {
		case <-notifier.notes:
		case <-deadline:
			t.Fatalf("no completion notification, got %v", sent)
		}
	}

	f.srv.ownersMu.Lock()
	assert.NotContains(t, f.srv.owners, parked.RunID)
	f.srv.ownersMu.Unlock()
}

func TestWatchWithoutHub(t *testing.T) {
	s := NewServer(ServerDeps{})
	assert.NoError(t, s.Watch(context.Background()))
}
