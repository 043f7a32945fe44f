// Package lineage assigns and resolves the item-level provenance that lets an
// output item be traced back through every step that contributed to it.
package lineage

import (
	"fmt"

	"github.com/rendis/stepflow/internal/runrecord"
	"github.com/rendis/stepflow/pkg/schema"
)

// Hop addresses one item of one output port of one invocation.
type Hop struct {
	Step   string `json:"step"`
	Run    int    `json:"run"`
	Output int    `json:"output"`
	Item   int    `json:"item"`
}

func (h Hop) String() string {
	return fmt.Sprintf("%s[%d].out%d#%d", h.Step, h.Run, h.Output, h.Item)
}

// Path is a chain of hops from an item back to an origin item, nearest first.
type Path []Hop

// Origin returns the last hop of the path.
func (p Path) Origin() Hop {
	return p[len(p)-1]
}

// Assign fills in lineage for output items the step did not annotate itself.
// Inputs are indexed by input port; the item order of their port-ordered
// concatenation is the reference for positional pairing.
//
//   - one input item in total: every output derives from it
//   - as many outputs on a port as input items in total: positional
//   - otherwise: every output derives from every input item
func Assign(inputs []schema.ItemSet, outputs []schema.ItemSet) {
	var flat []schema.PairedItem
	for port, set := range inputs {
		for i := range set {
			flat = append(flat, schema.PairedItem{Item: i, Input: port})
		}
	}
	if len(flat) == 0 {
		return
	}

	for _, set := range outputs {
		for k := range set {
			if len(set[k].Paired) > 0 {
				continue
			}
			switch {
			case len(flat) == 1:
				set[k].Paired = []schema.PairedItem{flat[0]}
			case len(set) == len(flat):
				set[k].Paired = []schema.PairedItem{flat[k]}
			default:
				set[k].Paired = append([]schema.PairedItem(nil), flat...)
			}
		}
	}
}

// DefaultPathLimit bounds the number of paths a single trace may return.
// Aggregating steps multiply paths at every hop.
const DefaultPathLimit = 1000

// Tracker resolves lineage over the task results of one run.
type Tracker struct {
	record *runrecord.Record
	limit  int
}

// NewTracker returns a Tracker reading from record.
func NewTracker(record *runrecord.Record) *Tracker {
	return &Tracker{record: record, limit: DefaultPathLimit}
}

// WithPathLimit returns a copy of t whose traces fail once they exceed n paths.
func (t *Tracker) WithPathLimit(n int) *Tracker {
	cp := *t
	cp.limit = n
	return &cp
}

// TraceSource traces an item produced by the latest invocation of step.
func (t *Tracker) TraceSource(step string, output, item int) ([]Path, error) {
	n := t.record.RunCount(step)
	if n == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step %q has no recorded results", step).WithStep(step)
	}
	return t.TraceRun(step, n-1, output, item)
}

// TraceRun traces an item produced by a specific invocation of step. It returns
// one path per distinct route to an origin item; fan-in items yield a path
// through each contributing parent.
func (t *Tracker) TraceRun(step string, run, output, item int) ([]Path, error) {
	w := &walk{Tracker: t, memo: make(map[Hop][]Path)}
	return w.trace(Hop{Step: step, Run: run, Output: output, Item: item})
}

// walk is one trace. Sub-paths are resolved once per hop; the resulting
// slices are shared and never modified.
type walk struct {
	*Tracker
	memo map[Hop][]Path
}

func (w *walk) trace(hop Hop) ([]Path, error) {
	if paths, ok := w.memo[hop]; ok {
		return paths, nil
	}

	tr, ok := w.record.Get(hop.Step, hop.Run)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no run %d recorded for step %q", hop.Run, hop.Step).WithStep(hop.Step)
	}
	set := tr.Output(hop.Output)
	if hop.Item < 0 || hop.Item >= len(set) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "item %s does not exist", hop).WithStep(hop.Step)
	}

	paired := set[hop.Item].Paired
	if len(paired) == 0 {
		paths := []Path{{hop}}
		w.memo[hop] = paths
		return paths, nil
	}

	var paths []Path
	for _, p := range paired {
		if p.Input < 0 || p.Input >= len(tr.Source) || tr.Source[p.Input] == nil {
			paths = append(paths, Path{hop})
			continue
		}
		src := tr.Source[p.Input]
		if src.Pinned {
			paths = append(paths, Path{hop})
			continue
		}
		parent, ok := w.record.Get(src.PreviousStep, src.PreviousRun)
		if !ok {
			// Upstream invocation was not carried into this run.
			paths = append(paths, Path{hop})
			continue
		}
		if parent.ExecutionIndex >= tr.ExecutionIndex {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"lineage of %s points forward to %s[%d]", hop, src.PreviousStep, src.PreviousRun).
				WithStep(hop.Step)
		}

		sub, err := w.trace(Hop{Step: src.PreviousStep, Run: src.PreviousRun, Output: src.PreviousOutput, Item: p.Item})
		if err != nil {
			return nil, err
		}
		if len(paths)+len(sub) > w.limit {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"lineage of %s has more than %d paths", hop, w.limit).
				WithStep(hop.Step).
				WithDetails(map[string]any{"limit": w.limit})
		}
		for _, s := range sub {
			path := make(Path, 0, len(s)+1)
			path = append(path, hop)
			paths = append(paths, append(path, s...))
		}
	}
	w.memo[hop] = paths
	return paths, nil
}

// Origins returns the distinct origin hops of paths in first-seen order.
func Origins(paths []Path) []Hop {
	seen := make(map[Hop]bool)
	var out []Hop
	for _, p := range paths {
		if len(p) == 0 {
			continue
		}
		o := p.Origin()
		if !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	return out
}
