// Package engine drives runs of a graph: it plans where a run starts, schedules
// step invocations, parks runs that wait on external events and resumes them.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/lineage"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/metrics"
	"github.com/rendis/stepflow/internal/planner"
	"github.com/rendis/stepflow/internal/runrecord"
	"github.com/rendis/stepflow/internal/steps"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// Engine is the run execution coordinator.
type Engine interface {
	// Run starts a new run, full or partial, and drives it until it finishes
	// or parks on a waiting step.
	Run(ctx context.Context, req *schema.ExecutionRequest) (*schema.ExecutionResponse, error)

	// Resume delivers the payload a parked step waits for and continues the run.
	Resume(ctx context.Context, sig schema.ResumeSignal) (*schema.ExecutionResponse, error)

	// Cancel stops a running or waiting run. Canceling a finished run is a no-op.
	Cancel(ctx context.Context, runID string) error

	// Status returns the stored state of a run.
	Status(ctx context.Context, runID string) (*schema.Run, error)

	// Trace resolves the lineage of an item produced by the latest invocation of step.
	Trace(ctx context.Context, runID, step string, output, item int) ([]lineage.Path, error)
}

// Config holds the engine dependencies. Store and Registry are required.
type Config struct {
	Store    store.Store
	Registry *steps.Registry
	Hub      streaming.EventHub // nil = no live push
	Metrics  *metrics.Metrics   // nil = no metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

type engineImpl struct {
	store    store.Store
	registry *steps.Registry
	events   *eventSink
	fsm      *RunFSM
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	// mu guards running.
	mu      sync.Mutex
	running map[string]*activeRun
}

// activeRun tracks a run driven by this process.
type activeRun struct {
	cancel   context.CancelFunc
	canceled atomic.Bool
}

// NewEngine creates an Engine over the given dependencies.
func NewEngine(cfg Config) Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	sink := &eventSink{log: store.NewEventLog(cfg.Store), hub: cfg.Hub, logger: logger}
	return &engineImpl{
		store:    cfg.Store,
		registry: cfg.Registry,
		events:   sink,
		fsm:      NewRunFSM(sink),
		metrics:  cfg.Metrics,
		logger:   logger,
		now:      now,
		running:  make(map[string]*activeRun),
	}
}

// Run implements Engine.
func (e *engineImpl) Run(ctx context.Context, req *schema.ExecutionRequest) (*schema.ExecutionResponse, error) {
	if req == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution request is required")
	}

	def, rec, err := e.resolveGraph(ctx, req)
	if err != nil {
		return nil, err
	}
	g, err := graph.New(def)
	if err != nil {
		return nil, err
	}

	starts, record, executedStep, err := e.plan(g, req, rec)
	if err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	graphID := req.GraphID
	if graphID == "" {
		graphID = def.ID
	}

	now := e.now()
	run := &schema.Run{
		ID:        runID,
		GraphID:   graphID,
		Graph:     g.Definition(),
		Status:    schema.RunStatusPending,
		Record:    record.Snapshot(),
		Pinned:    req.Pinned,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, storeError("create run", err)
	}

	ctx = logging.WithRunID(ctx, runID)
	runCtx, active, ok := e.track(ctx, runID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is already active", runID)
	}
	defer e.untrack(runID)

	run.StartedAt = &now
	if err := e.settle(runCtx, run, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	e.metrics.RunStarted()
	logging.LogWith(runCtx, e.logger).Info("run started",
		slog.String("graph_id", graphID),
		slog.Any("start_steps", starts),
		slog.String("destination", req.Destination),
	)

	s := newScheduler(e, run, g, record, active)
	if err := s.boundTo(req.Destination); err != nil {
		return e.finish(runCtx, s, nil, err, executedStep)
	}
	if err := s.seed(starts); err != nil {
		return e.finish(runCtx, s, nil, err, executedStep)
	}

	p, err := s.drive(runCtx)
	return e.finish(runCtx, s, p, err, executedStep)
}

// Status implements Engine.
func (e *engineImpl) Status(ctx context.Context, runID string) (*schema.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, storeError("get run", err)
	}
	return run, nil
}

// Trace implements Engine.
func (e *engineImpl) Trace(ctx context.Context, runID, step string, output, item int) ([]lineage.Path, error) {
	run, err := e.Status(ctx, runID)
	if err != nil {
		return nil, err
	}
	return lineage.NewTracker(runrecord.FromSnapshot(run.Record)).TraceSource(step, output, item)
}

func (e *engineImpl) resolveGraph(ctx context.Context, req *schema.ExecutionRequest) (*schema.Graph, *store.GraphRecord, error) {
	switch {
	case req.Graph != nil:
		return req.Graph, nil, nil
	case req.GraphID != "":
		rec, err := e.store.GetGraph(ctx, req.GraphID)
		if err != nil {
			return nil, nil, storeError("get graph", err)
		}
		def := rec.Definition
		if def.ID == "" {
			def.ID = rec.ID
		}
		return &def, rec, nil
	default:
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "execution request needs a graph or a graph_id")
	}
}

// plan returns the start steps, the record the run is seeded with and the
// step reported as executed.
func (e *engineImpl) plan(g *graph.Graph, req *schema.ExecutionRequest, rec *store.GraphRecord) ([]string, *runrecord.Record, string, error) {
	dirty := append([]string(nil), req.DirtySteps...)
	if rec != nil {
		for _, name := range planner.DirtySteps(req.PriorRecord, rec.LastUpdated) {
			if g.Has(name) {
				dirty = append(dirty, name)
			}
		}
	}

	if req.Destination != "" || req.Trigger != nil {
		res, err := planner.Plan(g, planner.Input{
			Destination: req.Destination,
			StartSteps:  req.StartSteps,
			Prior:       req.PriorRecord,
			Pinned:      req.Pinned,
			Dirty:       dirty,
			Trigger:     req.Trigger,
		})
		if err != nil {
			return nil, nil, "", err
		}
		return res.StartSteps, runrecord.FromSnapshot(res.Reusable), res.ExecutedStep, nil
	}

	for _, name := range append(append([]string(nil), req.StartSteps...), dirty...) {
		if !g.Has(name) {
			return nil, nil, "", schema.NewUnknownStepError(name)
		}
	}
	if len(req.StartSteps) == 0 {
		return g.Roots(), runrecord.New(), "", nil
	}

	// Explicit starts read their inputs from the prior record.
	skip := make(map[string]bool, len(dirty))
	for _, name := range dirty {
		skip[name] = true
	}
	prior := make(schema.RunRecord, len(req.PriorRecord))
	for name, list := range req.PriorRecord {
		if !skip[name] && g.Has(name) {
			prior[name] = list
		}
	}
	return req.StartSteps, runrecord.FromSnapshot(prior), "", nil
}

// finish settles the run after the scheduler returned control.
func (e *engineImpl) finish(ctx context.Context, s *scheduler, p *parking, runErr error, executedStep string) (*schema.ExecutionResponse, error) {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	run := s.run
	run.Record = s.record.Snapshot()

	switch {
	case p != nil:
		if _, err := e.park(ctx, s, p); err != nil {
			return nil, err
		}
	case s.active.canceled.Load() || schema.IsCode(runErr, schema.ErrCodeCancelled):
		if err := e.settle(ctx, run, schema.RunStatusCanceled); err != nil {
			return nil, err
		}
	case runErr != nil:
		run.Error = asFlowError(runErr)
		if err := e.settle(ctx, run, schema.RunStatusError); err != nil {
			return nil, err
		}
	default:
		if err := e.settle(ctx, run, schema.RunStatusSuccess); err != nil {
			return nil, err
		}
	}

	log := logging.LogWith(ctx, e.logger)
	if run.Error != nil {
		log.Warn("run finished", slog.String("status", string(run.Status)), slog.String("error", run.Error.Error()))
	} else {
		log.Info("run finished", slog.String("status", string(run.Status)), slog.String("awaiting_step", run.AwaitingStep))
	}
	return response(run, executedStep), nil
}

// settle transitions the run, stamps it and persists it.
func (e *engineImpl) settle(ctx context.Context, run *schema.Run, to schema.RunStatus) error {
	if err := e.fsm.Transition(ctx, run.ID, run.Status, to); err != nil {
		return err
	}

	now := e.now()
	run.Status = to
	run.UpdatedAt = now
	if to.Terminal() {
		run.FinishedAt = &now
		run.ResumeToken = ""
		run.AwaitingStep = ""
		run.State = nil
	}
	if err := e.store.SaveRun(ctx, run); err != nil {
		return storeError("save run", err)
	}
	if to.Terminal() {
		e.metrics.RunFinished(string(to))
	}
	return nil
}

// track registers runID as driven by this process. It reports false when
// another operation already holds the run. The returned context keeps the
// caller's values but not its cancellation: a run stops only through Cancel.
func (e *engineImpl) track(ctx context.Context, runID string) (context.Context, *activeRun, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[runID]; ok {
		return nil, nil, false
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	active := &activeRun{cancel: cancel}
	e.running[runID] = active
	return runCtx, active, true
}

func (e *engineImpl) untrack(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if active, ok := e.running[runID]; ok {
		active.cancel()
		delete(e.running, runID)
	}
}

func response(run *schema.Run, executedStep string) *schema.ExecutionResponse {
	return &schema.ExecutionResponse{
		RunID:        run.ID,
		Status:       run.Status,
		Record:       run.Record,
		AwaitingStep: run.AwaitingStep,
		ResumeToken:  run.ResumeToken,
		ExecutedStep: executedStep,
		Error:        run.Error,
	}
}

func storeError(op string, err error) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func asFlowError(err error) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return schema.NewError(schema.ErrCodeStepInvocation, err.Error()).WithCause(err)
}
