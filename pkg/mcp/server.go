package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine    engine.Engine
	Store     store.Store
	Validator validation.Validator // nil = structural checks only
	Scheduler *scheduler.Scheduler // nil = stepflow.schedule disabled
	Hub       streaming.EventHub   // nil = no client notifications
	Logger    *slog.Logger
}

// Server wraps an MCP server with stepflow tool handlers.
type Server struct {
	engine    engine.Engine
	store     store.Store
	validator validation.Validator
	scheduler *scheduler.Scheduler
	hub       streaming.EventHub
	logger    *slog.Logger
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	notifier  Notifier

	ownersMu sync.Mutex
	owners   map[string]string // run ID -> client ID
}

// NewServer creates a Server with all stepflow tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		engine:    deps.Engine,
		store:     deps.Store,
		validator: deps.Validator,
		scheduler: deps.Scheduler,
		hub:       deps.Hub,
		logger:    logger,
		sessions:  NewSessionRegistry(),
		owners:    make(map[string]string),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Stepflow runs step graphs. Use stepflow.define to store a graph, stepflow.run to execute it, "+
			"stepflow.resume to continue a run parked on a waiting step, stepflow.status and stepflow.trace to inspect runs, "+
			"stepflow.cancel to stop one and stepflow.schedule to run a stored graph on a cron schedule."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: traceTool(), Handler: s.handleTrace},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("stepflow.run",
		mcp.WithDescription("Execute a graph, fully or partially"),
		mcp.WithString("graph_id", mcp.Description("ID of a stored graph (alternative to graph)")),
		mcp.WithObject("graph", mcp.Description("Inline graph definition")),
		mcp.WithString("destination", mcp.Description("Run only what is needed to execute this step")),
		mcp.WithArray("start_steps", mcp.WithStringItems(), mcp.Description("Steps to start from")),
		mcp.WithObject("prior_record", mcp.Description("Results of a previous run to reuse")),
		mcp.WithObject("pinned", mcp.Description("Fixed outputs per step name")),
		mcp.WithArray("dirty_steps", mcp.WithStringItems(), mcp.Description("Steps whose prior results must not be reused")),
		mcp.WithObject("trigger", mcp.Description("Trigger override: {step, result}")),
		mcp.WithString("client_id", mcp.Description("Caller ID used for run notifications")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("stepflow.resume",
		mcp.WithDescription("Resume a run parked on a waiting step"),
		mcp.WithString("token", mcp.Required(), mcp.Description("Resume token returned when the run parked")),
		mcp.WithArray("payload", mcp.Items(map[string]any{"type": "object"}),
			mcp.Description("Items delivered as the waiting step's output")),
		mcp.WithString("client_id", mcp.Description("Caller ID used for run notifications")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("stepflow.cancel",
		mcp.WithDescription("Cancel a running or waiting run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get run status"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
		mcp.WithBoolean("include_record", mcp.Description("Include every task result (default: false)")),
		mcp.WithBoolean("include_events", mcp.Description("Include the progress event log (default: false)")),
	)
}

func traceTool() mcp.Tool {
	return mcp.NewTool("stepflow.trace",
		mcp.WithDescription("Trace an output item back to the items it was derived from"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("step", mcp.Required(), mcp.Description("Step that produced the item")),
		mcp.WithNumber("output", mcp.Description("Output port index (default: 0)")),
		mcp.WithNumber("item", mcp.Description("Item index (default: 0)")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("stepflow.define",
		mcp.WithDescription("Validate and store a graph"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Graph ID")),
		mcp.WithString("name", mcp.Description("Display name")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Graph definition object")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("stepflow.schedule",
		mcp.WithDescription("Run a stored graph on a cron schedule"),
		mcp.WithString("graph_id", mcp.Required(), mcp.Description("ID of the stored graph")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron expression")),
		mcp.WithString("id", mcp.Description("Job ID (default: generated)")),
		mcp.WithString("trigger_step", mcp.Description("Trigger step that receives the payload")),
		mcp.WithArray("payload", mcp.Items(map[string]any{"type": "object"}),
			mcp.Description("Items emitted by the trigger step")),
	)
}
