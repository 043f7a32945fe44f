// Package runrecord is the append-only ledger of task results for one run.
package runrecord

import (
	"sort"

	"github.com/rendis/stepflow/pkg/schema"
)

// Record holds the task results of a single run, keyed by step name. It is
// owned by exactly one scheduler and is not safe for concurrent mutation.
type Record struct {
	results map[string][]schema.TaskResult
}

// New returns an empty Record.
func New() *Record {
	return &Record{results: make(map[string][]schema.TaskResult)}
}

// FromSnapshot builds a Record seeded with prior results.
func FromSnapshot(prior schema.RunRecord) *Record {
	r := New()
	r.Replace(prior)
	return r
}

// Append adds the result of a new invocation of step and returns its run index.
func (r *Record) Append(step string, tr schema.TaskResult) int {
	r.results[step] = append(r.results[step], tr)
	return len(r.results[step]) - 1
}

// Finalize replaces a waiting result with its final outcome. Any other
// replacement is rejected so error results are never overwritten.
func (r *Record) Finalize(step string, runIndex int, tr schema.TaskResult) error {
	list := r.results[step]
	if runIndex < 0 || runIndex >= len(list) {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no run %d recorded for step %q", runIndex, step).WithStep(step)
	}
	if list[runIndex].Status != schema.TaskStatusWaiting {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run %d of step %q is %s, only waiting results can be finalized", runIndex, step, list[runIndex].Status).
			WithStep(step)
	}
	list[runIndex] = tr
	return nil
}

// Primal returns the first result recorded for step.
func (r *Record) Primal(step string) (*schema.TaskResult, bool) {
	return r.Get(step, 0)
}

// Latest returns the most recent result recorded for step.
func (r *Record) Latest(step string) (*schema.TaskResult, bool) {
	return r.Get(step, len(r.results[step])-1)
}

// Get returns the result of the given invocation of step.
func (r *Record) Get(step string, runIndex int) (*schema.TaskResult, bool) {
	list := r.results[step]
	if runIndex < 0 || runIndex >= len(list) {
		return nil, false
	}
	return &list[runIndex], true
}

// Results returns every result of step in invocation order.
func (r *Record) Results(step string) []schema.TaskResult {
	return r.results[step]
}

// RunCount returns how many invocations of step have been recorded.
func (r *Record) RunCount(step string) int {
	return len(r.results[step])
}

// Steps returns the names of every step with at least one result, sorted.
func (r *Record) Steps() []string {
	names := make([]string, 0, len(r.results))
	for name, list := range r.results {
		if len(list) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Len returns the total number of recorded results.
func (r *Record) Len() int {
	n := 0
	for _, list := range r.results {
		n += len(list)
	}
	return n
}

// MaxExecutionIndex returns the highest execution index recorded, or -1.
func (r *Record) MaxExecutionIndex() int {
	max := -1
	for _, list := range r.results {
		for _, tr := range list {
			if tr.ExecutionIndex > max {
				max = tr.ExecutionIndex
			}
		}
	}
	return max
}

// Replace discards the current contents and seeds the record from prior.
// Result lists are copied; item sets are shared.
func (r *Record) Replace(prior schema.RunRecord) {
	r.results = make(map[string][]schema.TaskResult, len(prior))
	for step, list := range prior {
		if len(list) == 0 {
			continue
		}
		r.results[step] = append([]schema.TaskResult(nil), list...)
	}
}

// Snapshot returns the record as a schema.RunRecord. Result lists are copied
// so later appends do not leak into the snapshot.
func (r *Record) Snapshot() schema.RunRecord {
	out := make(schema.RunRecord, len(r.results))
	for step, list := range r.results {
		out[step] = append([]schema.TaskResult(nil), list...)
	}
	return out
}
