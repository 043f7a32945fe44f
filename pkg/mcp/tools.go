package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// runArgs is the stepflow.run argument object.
type runArgs struct {
	schema.ExecutionRequest
	ClientID string `json:"client_id,omitempty"`
}

// handleRun starts a run from an inline or stored graph.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args runArgs
	if err := decodeArgs(req, &args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Graph == nil && args.GraphID == "" {
		return mcp.NewToolResultError("graph or graph_id is required"), nil
	}
	if args.Graph != nil && s.validator != nil {
		if err := s.validator.ValidateGraph(args.Graph); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err)), nil
		}
	}

	resp, err := s.engine.Run(ctx, &args.ExecutionRequest)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
	}
	s.claim(ctx, args.ClientID, resp)
	return marshalResult(resp)
}

// handleResume delivers a payload to a parked run.
func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := req.RequireString("token")
	if err != nil {
		return mcp.NewToolResultError("token is required"), nil
	}
	payload, err := itemsArg(req, "payload")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp, err := s.engine.Resume(ctx, schema.ResumeSignal{Token: token, Payload: payload})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", err)), nil
	}
	s.claim(ctx, req.GetString("client_id", ""), resp)
	return marshalResult(resp)
}

// handleCancel stops a run.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if err := s.engine.Cancel(ctx, runID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// runStatus is the stepflow.status result.
type runStatus struct {
	ID           string            `json:"id"`
	GraphID      string            `json:"graph_id,omitempty"`
	Status       schema.RunStatus  `json:"status"`
	AwaitingStep string            `json:"awaiting_step,omitempty"`
	ResumeToken  string            `json:"resume_token,omitempty"`
	Error        *schema.FlowError `json:"error,omitempty"`
	Invocations  map[string]int    `json:"invocations,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
	Record       schema.RunRecord  `json:"record,omitempty"`
	Events       []*store.Event    `json:"events,omitempty"`
}

// handleStatus returns the stored state of a run.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, err := s.engine.Status(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}

	out := runStatus{
		ID:           run.ID,
		GraphID:      run.GraphID,
		Status:       run.Status,
		AwaitingStep: run.AwaitingStep,
		ResumeToken:  run.ResumeToken,
		Error:        run.Error,
		Invocations:  make(map[string]int, len(run.Record)),
		CreatedAt:    run.CreatedAt,
		FinishedAt:   run.FinishedAt,
	}
	for step, results := range run.Record {
		out.Invocations[step] = len(results)
	}
	if req.GetBool("include_record", false) {
		out.Record = run.Record
	}
	if req.GetBool("include_events", false) {
		events, err := s.store.GetEvents(ctx, runID, 0)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", err)), nil
		}
		out.Events = events
	}
	return marshalResult(out)
}

// handleTrace resolves the lineage of one output item.
func (s *Server) handleTrace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	step, err := req.RequireString("step")
	if err != nil {
		return mcp.NewToolResultError("step is required"), nil
	}

	paths, err := s.engine.Trace(ctx, runID, step, req.GetInt("output", 0), req.GetInt("item", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("trace failed: %v", err)), nil
	}

	origins := make([]string, len(paths))
	for i, p := range paths {
		origins[i] = p.Origin().String()
	}
	return marshalResult(map[string]any{"paths": paths, "origins": origins})
}

// handleDefine validates and stores a graph under the given ID.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var def schema.Graph
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	def.ID = id
	if name := req.GetString("name", ""); name != "" {
		def.Name = name
	}

	if s.validator != nil {
		err = s.validator.ValidateGraph(&def)
	} else {
		_, err = graph.New(&def)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err)), nil
	}

	rec := &store.GraphRecord{ID: id, Name: def.Name, Definition: def}
	if err := s.store.SaveGraph(ctx, rec); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store graph: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"id":         id,
		"steps":      len(def.Steps),
		"updated_at": rec.UpdatedAt,
	})
}

// handleSchedule registers a cron job for a stored graph.
func (s *Server) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduling is not enabled on this server"), nil
	}
	graphID, err := req.RequireString("graph_id")
	if err != nil {
		return mcp.NewToolResultError("graph_id is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	payload, err := itemsArg(req, "payload")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	job := &store.ScheduledJob{
		ID:             req.GetString("id", uuid.New().String()),
		GraphID:        graphID,
		TriggerStep:    req.GetString("trigger_step", ""),
		Payload:        payload,
		CronExpression: cronExpr,
		Enabled:        true,
	}
	if err := s.scheduler.Schedule(ctx, job); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("schedule failed: %v", err)), nil
	}
	return marshalResult(job)
}

// --- Internal helpers ---

// decodeArgs re-decodes the tool arguments into a typed struct.
func decodeArgs(req mcp.CallToolRequest, v any) error {
	data, err := json.Marshal(req.GetArguments())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// itemsArg reads an optional array of JSON objects as an ItemSet.
func itemsArg(req mcp.CallToolRequest, key string) (schema.ItemSet, error) {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array of objects", key)
	}
	records := make([]map[string]any, len(list))
	for i, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be an object", key, i)
		}
		records[i] = m
	}
	return schema.NewItemSet(records...), nil
}

// claim maps the client to its current MCP session and records it as the
// owner of a run that is still waiting.
func (s *Server) claim(ctx context.Context, clientID string, resp *schema.ExecutionResponse) {
	if clientID == "" || resp == nil {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(clientID, session.SessionID())
	}
	if resp.Status != schema.RunStatusWaiting {
		return
	}
	s.ownersMu.Lock()
	s.owners[resp.RunID] = clientID
	s.ownersMu.Unlock()
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
