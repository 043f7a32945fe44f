package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// testApp wires an in-memory runtime shared by every command of a test.
func testApp(t *testing.T) (*app, opener) {
	t.Helper()
	a, err := newApp(context.Background(), Config{DBDriver: driverMemory, LogLevel: "error"}, io.Discard)
	require.NoError(t, err)
	return a, func(context.Context) (*app, error) { return a, nil }
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, open opener, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(open)
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func decodeResponse(t *testing.T, out string) schema.ExecutionResponse {
	t.Helper()
	var resp schema.ExecutionResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

const approvalYAML = `
steps:
  - name: Start
    type: stepflow.manualTrigger
  - name: Approval
    type: stepflow.wait
    parameters:
      reason: sign-off
  - name: Done
    type: stepflow.set
    parameters:
      values:
        done: true
connections:
  - source: Start
    target: Approval
  - source: Approval
    target: Done
`

func TestRunCmd_GraphFile(t *testing.T) {
	_, open := testApp(t)

	out, err := execute(t, open, "run", "--graph", writeFile(t, "g.yaml", linearYAML))
	require.NoError(t, err)

	resp := decodeResponse(t, out)
	assert.Equal(t, schema.RunStatusSuccess, resp.Status)
	require.Len(t, resp.Record["Tag"], 1)
	assert.Equal(t, "x", resp.Record["Tag"][0].Outputs[0][0].JSON["tag"])
}

func TestRunCmd_TriggerData(t *testing.T) {
	_, open := testApp(t)

	out, err := execute(t, open, "run",
		"--graph", writeFile(t, "g.json", linearJSON),
		"--trigger", "Start",
		"--data", `[{"n": 1}, {"n": 2}]`,
	)
	require.NoError(t, err)

	resp := decodeResponse(t, out)
	assert.Equal(t, schema.RunStatusSuccess, resp.Status)
	require.Len(t, resp.Record["Tag"], 1)
	tagged := resp.Record["Tag"][0].Outputs[0]
	require.Len(t, tagged, 2)
	assert.Equal(t, 2.0, tagged[1].JSON["n"])
	assert.Equal(t, "x", tagged[1].JSON["tag"])
}

func TestRunCmd_FlagErrors(t *testing.T) {
	_, open := testApp(t)

	_, err := execute(t, open, "run")
	assert.ErrorContains(t, err, "one of --graph, --graph-id or --from-run is required")

	_, err = execute(t, open, "run", "--graph", "a.json", "--graph-id", "b")
	assert.ErrorContains(t, err, "mutually exclusive")

	_, err = execute(t, open, "run", "--graph-id", "g", "--data", `{}`)
	assert.ErrorContains(t, err, "--data requires --trigger")
}

func TestRunCmd_PartialFromRun(t *testing.T) {
	_, open := testApp(t)

	out, err := execute(t, open, "run", "--graph", writeFile(t, "g.yaml", linearYAML))
	require.NoError(t, err)
	first := decodeResponse(t, out)

	out, err = execute(t, open, "run", "--from-run", first.RunID, "--destination", "Tag", "--dirty", "Tag")
	require.NoError(t, err)
	second := decodeResponse(t, out)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, schema.RunStatusSuccess, second.Status)
	require.NotEmpty(t, second.Record["Start"])
	require.NotEmpty(t, second.Record["Tag"])
	assert.Equal(t, "x", second.Record["Tag"][len(second.Record["Tag"])-1].Outputs[0][0].JSON["tag"])
}

func TestResumeAndStatusCmds(t *testing.T) {
	_, open := testApp(t)

	out, err := execute(t, open, "run", "--graph", writeFile(t, "approval.yaml", approvalYAML))
	require.NoError(t, err)
	parked := decodeResponse(t, out)
	require.Equal(t, schema.RunStatusWaiting, parked.Status)
	assert.Equal(t, "Approval", parked.AwaitingStep)
	require.NotEmpty(t, parked.ResumeToken)

	out, err = execute(t, open, "status", parked.RunID)
	require.NoError(t, err)
	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "waiting", status["status"])
	assert.Equal(t, parked.ResumeToken, status["resume_token"])
	assert.NotContains(t, status, "record")

	out, err = execute(t, open, "resume", parked.ResumeToken, "--data", `{"approved": true}`)
	require.NoError(t, err)
	done := decodeResponse(t, out)
	assert.Equal(t, schema.RunStatusSuccess, done.Status)
	require.Len(t, done.Record["Done"], 1)
	assert.Equal(t, true, done.Record["Done"][0].Outputs[0][0].JSON["done"])

	out, err = execute(t, open, "status", parked.RunID, "--record", "--events")
	require.NoError(t, err)
	status = nil
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "success", status["status"])
	assert.Contains(t, status, "record")
	assert.NotEmpty(t, status["events"])
}

func TestResumeCmd_UnknownToken(t *testing.T) {
	_, open := testApp(t)

	_, err := execute(t, open, "resume", "no-such-token")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeSuspensionLost), err.Error())
}

func TestCancelCmd(t *testing.T) {
	a, open := testApp(t)

	out, err := execute(t, open, "run", "--graph", writeFile(t, "approval.yaml", approvalYAML))
	require.NoError(t, err)
	parked := decodeResponse(t, out)

	out, err = execute(t, open, "cancel", parked.RunID)
	require.NoError(t, err)
	assert.Contains(t, out, "canceled")

	run, err := a.engine.Status(context.Background(), parked.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCanceled, run.Status)

	_, err = execute(t, open, "cancel", parked.RunID)
	assert.NoError(t, err, "cancel is idempotent")
}

func TestTraceCmd(t *testing.T) {
	_, open := testApp(t)

	out, err := execute(t, open, "run", "--graph", writeFile(t, "g.yaml", linearYAML))
	require.NoError(t, err)
	resp := decodeResponse(t, out)

	out, err = execute(t, open, "trace", resp.RunID, "Tag")
	require.NoError(t, err)
	assert.Contains(t, out, "Start")
}

func TestDefineAndRunStoredGraph(t *testing.T) {
	a, open := testApp(t)

	out, err := execute(t, open, "define", writeFile(t, "g.yaml", linearYAML), "--id", "tagger")
	require.NoError(t, err)
	assert.Contains(t, out, "Graph tagger stored (2 steps)")

	rec, err := a.store.GetGraph(context.Background(), "tagger")
	require.NoError(t, err)
	assert.Equal(t, "Linear", rec.Name)

	out, err = execute(t, open, "run", "--graph-id", "tagger")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuccess, decodeResponse(t, out).Status)
}

func TestDefineCmd_RejectsUnknownStepType(t *testing.T) {
	_, open := testApp(t)

	bad := strings.Replace(linearYAML, "stepflow.set", "acme.unknown", 1)
	_, err := execute(t, open, "define", writeFile(t, "bad.yaml", bad))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), err.Error())
}

func TestScheduleCmd(t *testing.T) {
	a, open := testApp(t)

	_, err := execute(t, open, "define", writeFile(t, "g.yaml", linearYAML), "--id", "tagger")
	require.NoError(t, err)

	out, err := execute(t, open, "schedule", "tagger",
		"--cron", "*/5 * * * *", "--trigger", "Start", "--data", `{"batch": 1}`, "--id", "job-1")
	require.NoError(t, err)

	var job store.ScheduledJob
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, "job-1", job.ID)
	require.NotNil(t, job.NextRunAt)

	stored, err := a.store.GetScheduledJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "Start", stored.TriggerStep)
	require.Len(t, stored.Payload, 1)

	_, err = execute(t, open, "schedule", "tagger", "--cron", "not a cron")
	assert.Error(t, err)

	_, err = execute(t, open, "schedule", "tagger")
	assert.ErrorContains(t, err, "cron")
}

const n8nExport = `{
  "id": "wf-9",
  "name": "Imported",
  "settings": {"executionOrder": "v1"},
  "nodes": [
    {"id": "1", "name": "Start", "type": "n8n-nodes-base.manualTrigger", "typeVersion": 1, "position": [0, 0]},
    {"id": "2", "name": "Pass", "type": "n8n-nodes-base.noOp", "typeVersion": 1, "position": [200, 0]}
  ],
  "connections": {
    "Start": {"main": [[{"node": "Pass", "type": "main", "index": 0}]]}
  }
}`

func TestImportN8NCmd(t *testing.T) {
	a, open := testApp(t)
	src := writeFile(t, "wf.json", n8nExport)

	out, err := execute(t, open, "import-n8n", src)
	require.NoError(t, err)
	var res struct {
		Graph schema.Graph `json:"graph"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "wf-9", res.Graph.ID)
	require.Len(t, res.Graph.Steps, 2)

	_, err = execute(t, open, "import-n8n", src, "--save", "--id", "imported", "--out", writeFile(t, "out.json", ""))
	require.NoError(t, err)
	rec, err := a.store.GetGraph(context.Background(), "imported")
	require.NoError(t, err)
	assert.Len(t, rec.Definition.Steps, 2)

	out, err = execute(t, open, "run", "--graph-id", "imported")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuccess, decodeResponse(t, out).Status)
}

func TestDiagramCmd(t *testing.T) {
	_, open := testApp(t)
	graphFile := writeFile(t, "approval.yaml", approvalYAML)

	out, err := execute(t, open, "diagram", "--graph", graphFile, "--format", "mermaid")
	require.NoError(t, err)
	assert.Contains(t, out, "s_Start --> s_Approval")

	out, err = execute(t, open, "run", "--graph", graphFile)
	require.NoError(t, err)
	parked := decodeResponse(t, out)

	out, err = execute(t, open, "diagram", "--run", parked.RunID)
	require.NoError(t, err)
	assert.Contains(t, out, "[WAIT]")

	_, err = execute(t, open, "diagram", "--graph", graphFile, "--format", "png")
	assert.ErrorContains(t, err, "requires --out")

	_, err = execute(t, open, "diagram")
	assert.ErrorContains(t, err, "exactly one of")
}

func TestRunCmd_ExampleGraph(t *testing.T) {
	_, open := testApp(t)

	out, err := execute(t, open, "run",
		"--graph", filepath.Join("..", "..", "examples", "order-approval.yaml"),
		"--trigger", "Start",
		"--data", `[{"order": "A-1", "total": 40}, {"order": "A-2", "total": 900}]`,
	)
	require.NoError(t, err)

	resp := decodeResponse(t, out)
	assert.Equal(t, schema.RunStatusWaiting, resp.Status)
	assert.NotEmpty(t, resp.ResumeToken)
	require.Len(t, resp.Record["Is Large"], 1)
	split := resp.Record["Is Large"][0].Outputs
	require.Len(t, split, 2)
	assert.Equal(t, "A-2", split[0][0].JSON["order"])
	assert.Equal(t, "A-1", split[1][0].JSON["order"])
}
