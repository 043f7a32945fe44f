package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

const maxBodyBytes = 8 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

// validate checks an inline graph with the configured validator.
func (s *Server) validate(def *schema.Graph) error {
	if s.deps.Validator != nil {
		return s.deps.Validator.ValidateGraph(def)
	}
	_, err := graph.New(def)
	return err
}

// handleRun starts a run from an ExecutionRequest body.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req schema.ExecutionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Graph == nil && req.GraphID == "" {
		writeBadRequest(w, "graph or graph_id is required")
		return
	}
	if req.Graph != nil {
		if err := s.validate(req.Graph); err != nil {
			writeError(w, err)
			return
		}
	}

	resp, err := s.deps.Engine.Run(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListRuns lists runs, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		GraphID: r.URL.Query().Get("graph_id"),
		Limit:   queryInt(r, "limit", 50),
		Offset:  queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.RunStatus(v)
		filter.Status = &status
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	type runSummary struct {
		ID           string           `json:"id"`
		GraphID      string           `json:"graph_id,omitempty"`
		Status       schema.RunStatus `json:"status"`
		AwaitingStep string           `json:"awaiting_step,omitempty"`
		CreatedAt    time.Time        `json:"created_at"`
		FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	}
	out := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, runSummary{
			ID:           run.ID,
			GraphID:      run.GraphID,
			Status:       run.Status,
			AwaitingStep: run.AwaitingStep,
			CreatedAt:    run.CreatedAt,
			FinishedAt:   run.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetRun returns the stored run, record included.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleCancel cancels a running or waiting run.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.deps.Engine.Cancel(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run_id": runID})
}

// handleRunEvents returns the stored event log of a run after ?since.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Store.GetEvents(r.Context(), r.PathValue("id"), int64(queryInt(r, "since", 0)))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleTrace resolves the lineage of one output item.
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	paths, err := s.deps.Engine.Trace(r.Context(), r.PathValue("id"), r.PathValue("step"),
		queryInt(r, "output", 0), queryInt(r, "item", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	origins := make([]string, len(paths))
	for i, p := range paths {
		origins[i] = p.Origin().String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": paths, "origins": origins})
}

// handleRunDiagram renders a run with its step states. ?format is mermaid
// (default), ascii or svg.
func (s *Server) handleRunDiagram(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	model, err := diagram.Build(&run.Graph, run.Record)
	if err != nil {
		writeError(w, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderMermaid(model)))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderASCII(model)))
	case diagram.FormatSVG:
		svg, err := diagram.RenderImage(r.Context(), model, diagram.FormatSVG)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		_, _ = w.Write(svg)
	default:
		writeBadRequest(w, fmt.Sprintf("unknown format %q", format))
	}
}

// handleResume delivers the body items to the run parked on token. The
// body is a JSON object (one item), an array of objects, or empty.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("read body: %v", err))
		return
	}
	payload, err := itemsFromJSON(bytes.TrimSpace(raw))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	resp, err := s.deps.Engine.Resume(r.Context(), schema.ResumeSignal{
		Token:   r.PathValue("token"),
		Payload: payload,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func itemsFromJSON(raw []byte) (schema.ItemSet, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var one map[string]any
	if err := json.Unmarshal(raw, &one); err == nil {
		return schema.NewItemSet(one), nil
	}
	var many []map[string]any
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("payload must be an object or an array of objects")
	}
	return schema.NewItemSet(many...), nil
}

// handleListGraphs lists stored graphs.
func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	graphs, err := s.deps.Store.ListGraphs(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if graphs == nil {
		graphs = []*store.GraphRecord{}
	}
	writeJSON(w, http.StatusOK, graphs)
}

// handlePutGraph validates and stores a graph under the path ID.
func (s *Server) handlePutGraph(w http.ResponseWriter, r *http.Request) {
	var def schema.Graph
	if !decodeBody(w, r, &def) {
		return
	}
	def.ID = r.PathValue("id")
	if err := s.validate(&def); err != nil {
		writeError(w, err)
		return
	}

	rec := &store.GraphRecord{ID: def.ID, Name: def.Name, Definition: def}
	if err := s.deps.Store.SaveGraph(r.Context(), rec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleGetGraph returns a stored graph.
func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Store.GetGraph(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteGraph deletes a stored graph.
func (s *Server) handleDeleteGraph(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteGraph(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListJobs lists scheduled jobs, optionally for one graph.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Store.ListScheduledJobs(r.Context(), store.ScheduledJobFilter{
		GraphID: r.URL.Query().Get("graph_id"),
		Limit:   queryInt(r, "limit", 100),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*store.ScheduledJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}
