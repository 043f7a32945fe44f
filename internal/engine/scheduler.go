package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sort"
	"time"

	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/lineage"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/runrecord"
	"github.com/rendis/stepflow/internal/steps"
	"github.com/rendis/stepflow/pkg/schema"
)

var errCanceled = schema.NewError(schema.ErrCodeCancelled, "run canceled")

// parking is returned by the scheduler when a step asks to wait.
type parking struct {
	entry    schema.PendingEntry
	runIndex int
	wait     *steps.WaitRequest
}

// scheduler is the single driver of one run. It owns the work list, the
// buffers of partially fed multi-input steps and the run record.
type scheduler struct {
	e      *engineImpl
	run    *schema.Run
	g      *graph.Graph
	record *runrecord.Record
	pins   *runrecord.Pins
	active *activeRun

	stack   []schema.PendingEntry
	waiting map[string][]schema.PendingEntry

	destination string
	bound       map[string]bool // nil = unbounded
	execIndex   int
}

func newScheduler(e *engineImpl, run *schema.Run, g *graph.Graph, record *runrecord.Record, active *activeRun) *scheduler {
	return &scheduler{
		e:         e,
		run:       run,
		g:         g,
		record:    record,
		pins:      runrecord.NewPins(run.Pinned),
		active:    active,
		waiting:   make(map[string][]schema.PendingEntry),
		execIndex: record.MaxExecutionIndex() + 1,
	}
}

// boundTo restricts scheduling to destination and its ancestors.
func (s *scheduler) boundTo(destination string) error {
	if destination == "" {
		return nil
	}
	ancestors, err := s.g.ParentsWithDisabled(destination, schema.ConnectionMain, graph.Unbounded)
	if err != nil {
		return err
	}
	s.destination = destination
	s.bound = map[string]bool{destination: true}
	for _, a := range ancestors {
		s.bound[a] = true
	}
	return nil
}

// seed pushes the start steps so that the first one runs first. Start steps
// read their inputs from the latest recorded results of their parents, or from
// a parent's pinned items when it has no result; steps without any input data
// receive a single empty item. A multi-input start step that is fed only
// partly is buffered like any other merge so later deliveries or the drain
// settle it.
func (s *scheduler) seed(starts []string) error {
	entries := make([]schema.PendingEntry, 0, len(starts))
	for _, name := range starts {
		if !s.g.Has(name) {
			return schema.NewUnknownStepError(name)
		}
		entry, filled := s.entryFromRecord(name)
		connected := s.g.ConnectedInputs(name)
		if filled > 0 && len(connected) > 1 && !complete(entry, connected) {
			s.waiting[name] = append(s.waiting[name], entry)
			continue
		}
		entries = append(entries, entry)
	}
	s.push(entries)
	return nil
}

// entryFromRecord builds the entry of a start step and reports how many of
// its ports were fed.
func (s *scheduler) entryFromRecord(name string) (schema.PendingEntry, int) {
	entry := newEntry(name, len(s.g.Inputs(name)))
	filled := 0
	for _, c := range s.g.Incoming(name, schema.ConnectionMain) {
		if c.TargetIndex >= len(entry.Inputs) || entry.Filled[c.TargetIndex] {
			continue
		}
		set, src := s.parentOutput(c)
		if len(set) == 0 {
			continue
		}
		fill(&entry, c.TargetIndex, set, src)
		filled++
	}
	if filled == 0 && len(entry.Inputs) > 0 {
		entry.Inputs[0] = schema.ItemSet{{JSON: map[string]any{}}}
		entry.Filled[0] = true
	}
	return entry, filled
}

// parentOutput returns what the source of c produced: its latest recorded
// output, else its pinned items.
func (s *scheduler) parentOutput(c schema.Connection) (schema.ItemSet, *schema.TaskSource) {
	if tr, ok := s.record.Latest(c.Source); ok {
		return tr.Output(c.SourceIndex), &schema.TaskSource{
			PreviousStep:   c.Source,
			PreviousOutput: c.SourceIndex,
			PreviousRun:    s.record.RunCount(c.Source) - 1,
		}
	}
	if pinned, ok := s.pins.Get(c.Source); ok && c.SourceIndex == 0 {
		return pinned, &schema.TaskSource{PreviousStep: c.Source, Pinned: true}
	}
	return nil, nil
}

// drive pops entries until the work list and the merge buffers are exhausted
// or a step parks the run.
func (s *scheduler) drive(ctx context.Context) (*parking, error) {
	for {
		for len(s.stack) > 0 {
			if s.active.canceled.Load() || ctx.Err() != nil {
				return nil, errCanceled
			}
			entry := s.pop()
			p, err := s.execute(ctx, entry)
			if err != nil || p != nil {
				return p, err
			}
		}
		if err := s.drain(ctx); err != nil {
			return nil, err
		}
		if len(s.stack) == 0 {
			return nil, nil
		}
	}
}

// drain releases buffered multi-input entries once nothing else can feed
// them. Entries missing only optional ports run with empty sets; a missing
// required port fails the run.
func (s *scheduler) drain(ctx context.Context) error {
	names := make([]string, 0, len(s.waiting))
	for name := range s.waiting {
		names = append(names, name)
	}
	sort.Strings(names)

	var ready []schema.PendingEntry
	for _, name := range names {
		ports := s.g.Inputs(name)
		for _, entry := range s.waiting[name] {
			var missing []int
			for _, p := range s.g.ConnectedInputs(name) {
				if p < len(entry.Filled) && !entry.Filled[p] && !ports[p].Optional {
					missing = append(missing, p)
				}
			}
			if len(missing) > 0 {
				return schema.NewMergeTimeoutError(name, missing)
			}
			ready = append(ready, entry)
		}
		delete(s.waiting, name)
	}
	if len(ready) > 0 {
		logging.LogWith(ctx, s.e.logger).Debug("released buffered merges", slog.Int("entries", len(ready)))
	}
	s.push(ready)
	return nil
}

func (s *scheduler) execute(ctx context.Context, entry schema.PendingEntry) (*parking, error) {
	step, err := s.g.Step(entry.Step)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithStep(ctx, step.Name)
	nOut := len(s.g.Outputs(step.Name))
	started := s.e.now()

	if step.Disabled {
		outputs := make([]schema.ItemSet, nOut)
		outputs[0] = passThrough(entry.Inputs)
		runIndex := s.appendResult(step.Name, entry, schema.TaskResult{
			Status:    schema.TaskStatusSuccess,
			StartedAt: started,
			Outputs:   outputs,
		})
		s.e.events.emit(ctx, s.run.ID, step.Name, schema.EventStepSkipped, nil)
		s.propagate(ctx, step.Name, runIndex, outputs)
		return nil, nil
	}

	if items, ok := s.pins.Get(step.Name); ok {
		outputs := []schema.ItemSet{items}
		lineage.Assign(entry.Inputs, outputs)
		runIndex := s.appendResult(step.Name, entry, schema.TaskResult{
			Status:    schema.TaskStatusSuccess,
			StartedAt: started,
			Outputs:   outputs,
		})
		s.e.events.emit(ctx, s.run.ID, step.Name, schema.EventStepPinned, map[string]any{"items": len(items)})
		s.propagate(ctx, step.Name, runIndex, outputs)
		return nil, nil
	}

	return s.invoke(ctx, step, entry, nOut, started)
}

func (s *scheduler) invoke(ctx context.Context, step *schema.Step, entry schema.PendingEntry, nOut int, started time.Time) (*parking, error) {
	inv, err := s.e.registry.Get(step.Type)
	if err != nil {
		return s.fail(ctx, step, entry, nOut, started, err)
	}

	s.e.events.emit(ctx, s.run.ID, step.Name, schema.EventStepStarted, map[string]any{"type": step.Type})
	s.e.metrics.StepInvoked(step.Type)

	out, err := inv.Invoke(ctx, steps.StepInput{
		RunID:    s.run.ID,
		Step:     *step,
		RunIndex: s.record.RunCount(step.Name),
		Inputs:   entry.Inputs,
		Outputs:  nOut,
	})
	if err != nil {
		if s.active.canceled.Load() && errors.Is(err, context.Canceled) {
			return nil, errCanceled
		}
		s.e.metrics.StepFailed(step.Type)
		return s.fail(ctx, step, entry, nOut, started, err)
	}
	if out == nil {
		out = &steps.Outcome{}
	}

	if out.Wait != nil {
		runIndex := s.appendResult(step.Name, entry, schema.TaskResult{
			Status:    schema.TaskStatusWaiting,
			StartedAt: started,
		})
		return &parking{entry: entry, runIndex: runIndex, wait: out.Wait}, nil
	}

	outputs := out.Outputs
	lineage.Assign(entry.Inputs, outputs)
	runIndex := s.appendResult(step.Name, entry, schema.TaskResult{
		Status:    schema.TaskStatusSuccess,
		StartedAt: started,
		Outputs:   outputs,
	})
	s.e.events.emit(ctx, s.run.ID, step.Name, schema.EventStepSucceeded, map[string]any{"items": countItems(outputs)})
	s.propagate(ctx, step.Name, runIndex, outputs)
	return nil, nil
}

// fail records a failed invocation. Under a continue-on-fail policy the
// failure becomes error-note items and scheduling goes on; otherwise the
// error is returned and the run stops.
func (s *scheduler) fail(ctx context.Context, step *schema.Step, entry schema.PendingEntry, nOut int, started time.Time, cause error) (*parking, error) {
	fe := invocationError(step.Name, cause)
	taskErr := &schema.TaskError{Code: fe.Code, Message: fe.Message, Details: fe.Details}

	policy := step.OnError
	if policy == "" {
		policy = s.g.Settings().OnError
	}
	log := logging.LogWith(ctx, s.e.logger)

	if policy == schema.OnErrorContinueRegularOutput || policy == schema.OnErrorContinueErrorOutput {
		port := 0
		if policy == schema.OnErrorContinueErrorOutput {
			port = nOut - 1
		}
		outputs := make([]schema.ItemSet, nOut)
		outputs[port] = errorItems(entry.Inputs, fe)
		runIndex := s.appendResult(step.Name, entry, schema.TaskResult{
			Status:    schema.TaskStatusError,
			StartedAt: started,
			Outputs:   outputs,
			Error:     taskErr,
		})
		s.e.events.emit(ctx, s.run.ID, step.Name, schema.EventStepFailed,
			map[string]any{"error": fe.Message, "continued": true, "output": port})
		log.Warn("step failed, continuing", slog.String("error", fe.Message), slog.Int("output", port))
		s.propagate(ctx, step.Name, runIndex, outputs)
		return nil, nil
	}

	s.appendResult(step.Name, entry, schema.TaskResult{
		Status:    schema.TaskStatusError,
		StartedAt: started,
		Error:     taskErr,
	})
	s.e.events.emit(ctx, s.run.ID, step.Name, schema.EventStepFailed, map[string]any{"error": fe.Message})
	log.Error("step failed", slog.String("error", fe.Message))
	return nil, fe
}

// appendResult stamps tr with the next execution index and the entry's
// sources, and records it.
func (s *scheduler) appendResult(name string, entry schema.PendingEntry, tr schema.TaskResult) int {
	tr.ExecutionIndex = s.execIndex
	s.execIndex++
	tr.Source = entry.Sources
	if tr.Status != schema.TaskStatusWaiting {
		tr.FinishedAt = s.e.now()
	}
	return s.record.Append(name, tr)
}

// propagate delivers every non-empty output set once per outgoing main
// connection. Children are pushed in reverse so the first connection runs first.
func (s *scheduler) propagate(ctx context.Context, name string, runIndex int, outputs []schema.ItemSet) {
	if s.destination != "" && name == s.destination {
		return
	}

	var ready []schema.PendingEntry
	for _, c := range s.g.Outgoing(name, schema.ConnectionMain) {
		if c.SourceIndex >= len(outputs) || len(outputs[c.SourceIndex]) == 0 {
			continue
		}
		if s.bound != nil && !s.bound[c.Target] {
			continue
		}
		src := &schema.TaskSource{PreviousStep: name, PreviousOutput: c.SourceIndex, PreviousRun: runIndex}
		if entry, ok := s.deliver(ctx, c.Target, c.TargetIndex, outputs[c.SourceIndex], src); ok {
			ready = append(ready, entry)
		}
	}
	s.push(ready)
}

// deliver feeds set into port of target. Single-input steps become ready at
// once; multi-input steps are buffered until every connected port has data.
func (s *scheduler) deliver(ctx context.Context, target string, port int, set schema.ItemSet, src *schema.TaskSource) (schema.PendingEntry, bool) {
	nIn := len(s.g.Inputs(target))
	connected := s.g.ConnectedInputs(target)
	if len(connected) <= 1 {
		entry := newEntry(target, nIn)
		fill(&entry, port, set, src)
		return entry, true
	}

	list := s.waiting[target]
	for i := range list {
		if list[i].Filled[port] {
			continue
		}
		fill(&list[i], port, set, src)
		if complete(list[i], connected) {
			entry := list[i]
			s.waiting[target] = append(list[:i:i], list[i+1:]...)
			if len(s.waiting[target]) == 0 {
				delete(s.waiting, target)
			}
			return entry, true
		}
		s.e.events.emit(ctx, s.run.ID, target, schema.EventMergeBuffered, map[string]any{"port": port})
		return schema.PendingEntry{}, false
	}

	entry := newEntry(target, nIn)
	fill(&entry, port, set, src)
	s.waiting[target] = append(list, entry)
	s.e.events.emit(ctx, s.run.ID, target, schema.EventMergeBuffered, map[string]any{"port": port})
	return schema.PendingEntry{}, false
}

func (s *scheduler) push(entries []schema.PendingEntry) {
	for i := len(entries) - 1; i >= 0; i-- {
		s.stack = append(s.stack, entries[i])
	}
}

func (s *scheduler) pop() schema.PendingEntry {
	last := len(s.stack) - 1
	entry := s.stack[last]
	s.stack = s.stack[:last]
	return entry
}

func newEntry(step string, inputs int) schema.PendingEntry {
	if inputs < 1 {
		inputs = 1
	}
	return schema.PendingEntry{
		Step:    step,
		Inputs:  make([]schema.ItemSet, inputs),
		Filled:  make([]bool, inputs),
		Sources: make([]*schema.TaskSource, inputs),
	}
}

func fill(entry *schema.PendingEntry, port int, set schema.ItemSet, src *schema.TaskSource) {
	entry.Inputs[port] = set
	entry.Filled[port] = true
	entry.Sources[port] = src
}

func complete(entry schema.PendingEntry, connected []int) bool {
	for _, p := range connected {
		if p >= len(entry.Filled) || !entry.Filled[p] {
			return false
		}
	}
	return true
}

// passThrough copies the items of input 0 for a disabled step.
func passThrough(inputs []schema.ItemSet) schema.ItemSet {
	if len(inputs) == 0 {
		return nil
	}
	out := make(schema.ItemSet, len(inputs[0]))
	for i, item := range inputs[0] {
		out[i] = schema.Item{
			JSON:   maps.Clone(item.JSON),
			Paired: []schema.PairedItem{{Item: i}},
			Error:  item.Error,
		}
	}
	return out
}

// errorItems builds the error-note items emitted under continue-on-fail, one
// per item of input 0.
func errorItems(inputs []schema.ItemSet, fe *schema.FlowError) schema.ItemSet {
	note := func() schema.Item {
		return schema.Item{
			JSON:  map[string]any{"error": fe.Message},
			Error: &schema.ItemError{Message: fe.Message, Code: fe.Code},
		}
	}
	if len(inputs) == 0 || len(inputs[0]) == 0 {
		return schema.ItemSet{note()}
	}
	out := make(schema.ItemSet, len(inputs[0]))
	for i := range inputs[0] {
		out[i] = note()
		out[i].Paired = []schema.PairedItem{{Item: i}}
	}
	return out
}

func invocationError(step string, cause error) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(cause, &fe) && fe.Code == schema.ErrCodeStepInvocation {
		if fe.Step == "" {
			fe.Step = step
		}
		return fe
	}
	return schema.NewStepInvocationError(step, cause)
}

func countItems(outputs []schema.ItemSet) []int {
	counts := make([]int, len(outputs))
	for i, set := range outputs {
		counts[i] = len(set)
	}
	return counts
}
