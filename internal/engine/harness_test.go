package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/metrics"
	"github.com/rendis/stepflow/internal/steps"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

const (
	typeEmit   = "test.emit"
	typeCount  = "test.count"
	typeBlock  = "test.block"
	typeHold   = "test.hold"
	typeEchoOK = "test.approved"
)

// funcStep adapts a closure to steps.Invocable.
type funcStep struct {
	typ string
	fn  func(ctx context.Context, in steps.StepInput) (*steps.Outcome, error)
}

func (f *funcStep) Type() string        { return f.typ }
func (f *funcStep) Description() string { return "test step " + f.typ }
func (f *funcStep) Invoke(ctx context.Context, in steps.StepInput) (*steps.Outcome, error) {
	return f.fn(ctx, in)
}

// holdStep parks the run and records cancel notifications.
type holdStep struct {
	mu       sync.Mutex
	canceled []steps.CancelInput
}

func (h *holdStep) Type() string        { return typeHold }
func (h *holdStep) Description() string { return "parks until resumed" }
func (h *holdStep) Invoke(context.Context, steps.StepInput) (*steps.Outcome, error) {
	return &steps.Outcome{Wait: &steps.WaitRequest{Reason: "approval"}}, nil
}
func (h *holdStep) Cancel(_ context.Context, in steps.CancelInput) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.canceled = append(h.canceled, in)
	return nil
}
func (h *holdStep) calls() []steps.CancelInput {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]steps.CancelInput(nil), h.canceled...)
}

type harness struct {
	eng     Engine
	store   *store.MemoryStore
	reg     *steps.Registry
	hub     *streaming.MemoryHub
	metrics *metrics.Metrics
	hold    *holdStep
	started chan string

	mu     sync.Mutex
	counts map[string]int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewMemoryStore(),
		hub:     streaming.NewMemoryHubWithBuffer(256),
		metrics: metrics.New(),
		hold:    &holdStep{},
		started: make(chan string, 1),
		counts:  make(map[string]int),
	}

	reg := steps.NewRegistry()
	require.NoError(t, steps.RegisterBuiltins(reg, steps.Deps{}))
	for _, inv := range []steps.Invocable{
		&funcStep{typ: typeEmit, fn: emit},
		&funcStep{typ: typeCount, fn: h.count},
		&funcStep{typ: typeBlock, fn: h.block},
		&funcStep{typ: typeEchoOK, fn: func(context.Context, steps.StepInput) (*steps.Outcome, error) {
			return steps.Emit(schema.NewItemSet(map[string]any{"approved": true})), nil
		}},
		h.hold,
	} {
		require.NoError(t, reg.Register(inv))
	}

	h.reg = reg
	h.eng = NewEngine(Config{Store: h.store, Registry: reg, Hub: h.hub, Metrics: h.metrics})
	return h
}

// emit outputs the items listed in its "items" parameter.
func emit(_ context.Context, in steps.StepInput) (*steps.Outcome, error) {
	var p struct {
		Items []map[string]any `json:"items"`
	}
	if err := in.Bind(&p); err != nil {
		return nil, err
	}
	return steps.Emit(schema.NewItemSet(p.Items...)), nil
}

// count forwards its main input and counts invocations per step name.
func (h *harness) count(_ context.Context, in steps.StepInput) (*steps.Outcome, error) {
	h.mu.Lock()
	h.counts[in.Step.Name]++
	h.mu.Unlock()
	return steps.Emit(in.Main()), nil
}

func (h *harness) invocations(step string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[step]
}

// block signals that it started and waits for the run to be canceled.
func (h *harness) block(ctx context.Context, in steps.StepInput) (*steps.Outcome, error) {
	h.started <- in.Step.Name
	<-ctx.Done()
	return nil, ctx.Err()
}

func (h *harness) eventTypes(t *testing.T, runID string) []string {
	t.Helper()
	events, err := h.store.GetEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func node(name, typ string) schema.Step {
	return schema.Step{Name: name, Type: typ}
}

func withParams(s schema.Step, params string) schema.Step {
	s.Parameters = json.RawMessage(params)
	return s
}

func ports(n int) []schema.Port {
	return make([]schema.Port, n)
}

func link(src, dst string) schema.Connection {
	return schema.Connection{Source: src, Target: dst}
}

func linkPorts(src string, out int, dst string, in int) schema.Connection {
	return schema.Connection{Source: src, SourceIndex: out, Target: dst, TargetIndex: in}
}

func items(records ...map[string]any) schema.ItemSet {
	return schema.NewItemSet(records...)
}

func mustRun(t *testing.T, h *harness, req *schema.ExecutionRequest) *schema.ExecutionResponse {
	t.Helper()
	resp, err := h.eng.Run(context.Background(), req)
	require.NoError(t, err)
	return resp
}
