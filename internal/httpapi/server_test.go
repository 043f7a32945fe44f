package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/steps"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

type fixture struct {
	srv   *httptest.Server
	store *store.MemoryStore
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

	api := NewServer(Deps{
		Engine:    eng,
		Store:     ms,
		Validator: validator,
		Hub:       hub,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: ms}
}

func approvalGraph() map[string]any {
	return map[string]any{
		"steps": []any{
			map[string]any{"name": "Start", "type": steps.TypeManualTrigger},
			map[string]any{"name": "Approval", "type": steps.TypeWait},
			map[string]any{"name": "Done", "type": steps.TypeSet, "parameters": map[string]any{"values": map[string]any{"done": true}}},
		},
		"connections": []any{
			map[string]any{"source": "Start", "target": "Approval"},
			map[string]any{"source": "Approval", "target": "Done"},
		},
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "# metrics", string(body))
}

func TestRunResumeAndFetch(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/runs", map[string]any{"graph": approvalGraph()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var parked schema.ExecutionResponse
	decode(t, resp, &parked)
	require.Equal(t, schema.RunStatusWaiting, parked.Status)
	require.NotEmpty(t, parked.ResumeToken)

	resp = f.do(t, http.MethodGet, "/api/runs?status=waiting", nil)
	var listed []map[string]any
	decode(t, resp, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, "Approval", listed[0]["awaiting_step"])

	resp = f.do(t, http.MethodPost, "/api/resume/"+parked.ResumeToken, `[{"ok": true}, {"ok": false}]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var done schema.ExecutionResponse
	decode(t, resp, &done)
	assert.Equal(t, schema.RunStatusSuccess, done.Status)
	require.Len(t, done.Record["Done"], 1)
	assert.Len(t, done.Record["Done"][0].Outputs[0], 2)

	resp = f.do(t, http.MethodGet, "/api/runs/"+parked.RunID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run schema.Run
	decode(t, resp, &run)
	assert.Equal(t, schema.RunStatusSuccess, run.Status)

	resp = f.do(t, http.MethodGet, "/api/runs/"+parked.RunID+"/events", nil)
	var events []map[string]any
	decode(t, resp, &events)
	assert.NotEmpty(t, events)

	resp = f.do(t, http.MethodGet, "/api/runs/"+parked.RunID+"/trace/Done", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var trace struct {
		Origins []string `json:"origins"`
	}
	decode(t, resp, &trace)
	assert.NotEmpty(t, trace.Origins)
}

func TestResumeErrors(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/resume/unknown", nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	var fe schema.FlowError
	decode(t, resp, &fe)
	assert.Equal(t, schema.ErrCodeSuspensionLost, fe.Code)

	resp = f.do(t, http.MethodPost, "/api/resume/unknown", `[1, 2]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunErrors(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/runs", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/runs", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bad := approvalGraph()
	bad["connections"] = []any{map[string]any{"source": "Start", "target": "Nowhere"}}
	resp = f.do(t, http.MethodPost, "/api/runs", map[string]any{"graph": bad})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/runs", map[string]any{"graph": approvalGraph()})
	var parked schema.ExecutionResponse
	decode(t, resp, &parked)

	for range 2 {
		resp = f.do(t, http.MethodPost, "/api/runs/"+parked.RunID+"/cancel", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	run, err := f.store.GetRun(context.Background(), parked.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCanceled, run.Status)
}

func TestGraphCRUDAndStoredRun(t *testing.T) {
	f := newFixture(t)

	def := approvalGraph()
	def["name"] = "Approval"
	resp := f.do(t, http.MethodPut, "/api/graphs/approval", def)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/graphs/approval", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec store.GraphRecord
	decode(t, resp, &rec)
	assert.Equal(t, "Approval", rec.Name)
	assert.Len(t, rec.Definition.Steps, 3)

	resp = f.do(t, http.MethodGet, "/api/graphs", nil)
	var graphs []map[string]any
	decode(t, resp, &graphs)
	assert.Len(t, graphs, 1)

	resp = f.do(t, http.MethodPost, "/api/runs", map[string]any{"graph_id": "approval"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var parked schema.ExecutionResponse
	decode(t, resp, &parked)
	assert.Equal(t, schema.RunStatusWaiting, parked.Status)

	resp = f.do(t, http.MethodGet, "/api/runs/"+parked.RunID+"/diagram", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "class s_Approval waiting")

	resp = f.do(t, http.MethodGet, "/api/runs/"+parked.RunID+"/diagram?format=gif", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/graphs/approval", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/graphs/approval", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListJobs(t *testing.T) {
	f := newFixture(t)
	next := time.Now().Add(time.Hour)
	require.NoError(t, f.store.CreateScheduledJob(context.Background(), &store.ScheduledJob{
		ID: "job-1", GraphID: "g", CronExpression: "* * * * *", Enabled: true, NextRunAt: &next,
	}))

	resp := f.do(t, http.MethodGet, "/api/jobs?graph_id=g", nil)
	var jobs []store.ScheduledJob
	decode(t, resp, &jobs)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)
}

func TestSSERunStream(t *testing.T) {
	f := newFixture(t)

	def := approvalGraph()
	resp := f.do(t, http.MethodPut, "/api/graphs/approval", def)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/sse/events?types="+schema.EventRunWaiting, nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	resp = f.do(t, http.MethodPost, "/api/runs", map[string]any{"graph_id": "approval"})
	var parked schema.ExecutionResponse
	decode(t, resp, &parked)

	scanner := bufio.NewScanner(stream.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(line, "data: ")
		}
		if dataLine != "" {
			break
		}
	}
	assert.Equal(t, schema.EventRunWaiting, eventLine)
	var ev streaming.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(dataLine), &ev))
	assert.Equal(t, parked.RunID, ev.RunID)
}
