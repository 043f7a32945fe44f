// Package httpapi serves runs, graphs and the live event stream over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
)

// Deps holds the dependencies for the API server.
type Deps struct {
	Engine    engine.Engine
	Store     store.Store
	Validator validation.Validator // nil = structural checks only
	Hub       streaming.EventHub   // nil = no SSE routes
	Metrics   http.Handler         // nil = no /metrics
	Logger    *slog.Logger
}

// Server is the HTTP surface of a stepflow process.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	// Runs.
	mux.HandleFunc("POST /api/runs", s.handleRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/runs/{id}/trace/{step}", s.handleTrace)
	mux.HandleFunc("GET /api/runs/{id}/diagram", s.handleRunDiagram)

	// Resume by token: the URL handed to whoever completes a wait step.
	mux.HandleFunc("POST /api/resume/{token}", s.handleResume)

	// Graphs.
	mux.HandleFunc("GET /api/graphs", s.handleListGraphs)
	mux.HandleFunc("PUT /api/graphs/{id}", s.handlePutGraph)
	mux.HandleFunc("GET /api/graphs/{id}", s.handleGetGraph)
	mux.HandleFunc("DELETE /api/graphs/{id}", s.handleDeleteGraph)

	// Scheduled jobs.
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)

	// SSE streams.
	if s.deps.Hub != nil {
		mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
		mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)
	}

	return mux
}
