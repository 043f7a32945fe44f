package lineage

import (
	"fmt"
	"testing"

	"github.com/rendis/stepflow/internal/runrecord"
	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func items(n int) schema.ItemSet {
	set := make(schema.ItemSet, n)
	for i := range set {
		set[i] = schema.Item{JSON: map[string]any{"i": i}}
	}
	return set
}

func TestAssign_SingleInputItem(t *testing.T) {
	out := []schema.ItemSet{items(3)}
	Assign([]schema.ItemSet{items(1)}, out)

	for _, it := range out[0] {
		assert.Equal(t, []schema.PairedItem{{Item: 0, Input: 0}}, it.Paired)
	}
}

func TestAssign_PositionalAcrossPorts(t *testing.T) {
	out := []schema.ItemSet{items(3)}
	Assign([]schema.ItemSet{items(2), items(1)}, out)

	assert.Equal(t, []schema.PairedItem{{Item: 0, Input: 0}}, out[0][0].Paired)
	assert.Equal(t, []schema.PairedItem{{Item: 1, Input: 0}}, out[0][1].Paired)
	assert.Equal(t, []schema.PairedItem{{Item: 0, Input: 1}}, out[0][2].Paired)
}

func TestAssign_AggregateFallsBackToAllInputs(t *testing.T) {
	out := []schema.ItemSet{items(1)}
	Assign([]schema.ItemSet{items(3)}, out)

	assert.Len(t, out[0][0].Paired, 3)
}

func TestAssign_KeepsExplicitLineage(t *testing.T) {
	out := []schema.ItemSet{{{JSON: map[string]any{}, Paired: []schema.PairedItem{{Item: 2}}}}}
	Assign([]schema.ItemSet{items(3)}, out)

	assert.Equal(t, []schema.PairedItem{{Item: 2}}, out[0][0].Paired)
}

func TestAssign_NoInputsLeavesOriginItems(t *testing.T) {
	out := []schema.ItemSet{items(2)}
	Assign(nil, out)
	assert.Empty(t, out[0][0].Paired)
}

// fanInRecord:
//
//	TriggerA -> BranchA -\
//	                      Merge
//	TriggerB -> BranchB -/
func fanInRecord() *runrecord.Record {
	r := runrecord.New()
	r.Append("TriggerA", schema.TaskResult{ExecutionIndex: 0, Outputs: []schema.ItemSet{items(1)}})
	r.Append("TriggerB", schema.TaskResult{ExecutionIndex: 1, Outputs: []schema.ItemSet{items(2)}})

	branchA := []schema.ItemSet{items(1)}
	Assign([]schema.ItemSet{items(1)}, branchA)
	r.Append("BranchA", schema.TaskResult{
		ExecutionIndex: 2,
		Outputs:        branchA,
		Source:         []*schema.TaskSource{{PreviousStep: "TriggerA"}},
	})

	branchB := []schema.ItemSet{items(2)}
	Assign([]schema.ItemSet{items(2)}, branchB)
	r.Append("BranchB", schema.TaskResult{
		ExecutionIndex: 3,
		Outputs:        branchB,
		Source:         []*schema.TaskSource{{PreviousStep: "TriggerB"}},
	})

	merged := schema.ItemSet{
		{JSON: map[string]any{}, Paired: []schema.PairedItem{{Item: 0, Input: 0}, {Item: 0, Input: 1}}},
		{JSON: map[string]any{}, Paired: []schema.PairedItem{{Item: 0, Input: 0}, {Item: 1, Input: 1}}},
	}
	r.Append("Merge", schema.TaskResult{
		ExecutionIndex: 4,
		Outputs:        []schema.ItemSet{merged},
		Source: []*schema.TaskSource{
			{PreviousStep: "BranchA"},
			{PreviousStep: "BranchB"},
		},
	})
	return r
}

func TestTraceSource_FanInReachesBothBranches(t *testing.T) {
	tr := NewTracker(fanInRecord())

	for item, wantB := range []int{0, 1} {
		paths, err := tr.TraceSource("Merge", 0, item)
		require.NoError(t, err)
		require.Len(t, paths, 2)

		assert.Equal(t, Path{
			{Step: "Merge", Output: 0, Item: item},
			{Step: "BranchA", Item: 0},
			{Step: "TriggerA", Item: 0},
		}, paths[0])

		assert.Equal(t, []Hop{
			{Step: "TriggerA", Item: 0},
			{Step: "TriggerB", Item: wantB},
		}, Origins(paths))
	}
}

func TestTraceSource_OriginHasNoLineage(t *testing.T) {
	tr := NewTracker(fanInRecord())
	paths, err := tr.TraceSource("TriggerB", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []Path{{{Step: "TriggerB", Item: 1}}}, paths)
}

func TestTraceSource_Errors(t *testing.T) {
	tr := NewTracker(fanInRecord())

	_, err := tr.TraceSource("Nope", 0, 0)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = tr.TraceSource("Merge", 0, 9)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = tr.TraceRun("Merge", 4, 0, 0)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestTraceSource_RejectsForwardReference(t *testing.T) {
	r := runrecord.New()
	r.Append("Late", schema.TaskResult{ExecutionIndex: 5, Outputs: []schema.ItemSet{items(1)}})
	r.Append("Early", schema.TaskResult{
		ExecutionIndex: 1,
		Outputs:        []schema.ItemSet{{{Paired: []schema.PairedItem{{Item: 0}}}}},
		Source:         []*schema.TaskSource{{PreviousStep: "Late"}},
	})

	_, err := NewTracker(r).TraceSource("Early", 0, 0)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestTraceSource_MissingUpstreamEndsPath(t *testing.T) {
	r := runrecord.New()
	r.Append("Reused", schema.TaskResult{
		ExecutionIndex: 3,
		Outputs:        []schema.ItemSet{{{Paired: []schema.PairedItem{{Item: 0}}}}},
		Source:         []*schema.TaskSource{{PreviousStep: "Gone", PreviousRun: 2}},
	})

	paths, err := NewTracker(r).TraceSource("Reused", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []Path{{{Step: "Reused", Item: 0}}}, paths)
}

// aggregateChain records a trigger with width items followed by depth steps
// whose every output item pairs to every input item.
func aggregateChain(width, depth int) (*runrecord.Record, string) {
	r := runrecord.New()
	r.Append("Trigger", schema.TaskResult{ExecutionIndex: 0, Outputs: []schema.ItemSet{items(width)}})

	prev := "Trigger"
	for d := 1; d <= depth; d++ {
		all := make([]schema.PairedItem, width)
		for i := range all {
			all[i] = schema.PairedItem{Item: i}
		}
		set := make(schema.ItemSet, width)
		for i := range set {
			set[i] = schema.Item{JSON: map[string]any{"i": i}, Paired: all}
		}
		name := fmt.Sprintf("Agg%d", d)
		r.Append(name, schema.TaskResult{
			ExecutionIndex: d,
			Outputs:        []schema.ItemSet{set},
			Source:         []*schema.TaskSource{{PreviousStep: prev}},
		})
		prev = name
	}
	return r, prev
}

func TestTraceSource_AggregatesMultiplyPaths(t *testing.T) {
	r, last := aggregateChain(3, 2)

	paths, err := NewTracker(r).TraceSource(last, 0, 0)
	require.NoError(t, err)
	require.Len(t, paths, 9)
	for _, p := range paths {
		require.Len(t, p, 3)
		assert.Equal(t, "Agg2", p[0].Step)
		assert.Equal(t, "Trigger", p[2].Step)
	}
}

func TestTraceSource_PathLimit(t *testing.T) {
	r, last := aggregateChain(3, 2)

	_, err := NewTracker(r).WithPathLimit(5).TraceSource(last, 0, 0)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "more than 5 paths")
}

func TestTraceSource_DeepAggregateChainStopsAtLimit(t *testing.T) {
	r, last := aggregateChain(4, 30)

	_, err := NewTracker(r).TraceSource(last, 0, 0)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestTraceSource_PinnedSourceEndsPath(t *testing.T) {
	r := runrecord.New()
	r.Append("Child", schema.TaskResult{
		ExecutionIndex: 2,
		Outputs:        []schema.ItemSet{{{Paired: []schema.PairedItem{{Item: 0}}}}},
		Source:         []*schema.TaskSource{{PreviousStep: "Pinned", Pinned: true}},
	})

	paths, err := NewTracker(r).TraceSource("Child", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []Path{{{Step: "Child", Item: 0}}}, paths)
}
