// Package planner decides where a partial run starts and which prior task
// results it may reuse.
package planner

import (
	"time"

	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/pkg/schema"
)

// Input is everything the planner looks at. Plan never mutates it.
type Input struct {
	Destination string
	StartSteps  []string
	Prior       schema.RunRecord
	Pinned      schema.PinnedData
	Dirty       []string
	Trigger     *schema.TriggerOverride
}

// Result is the plan for one partial run.
type Result struct {
	StartSteps   []string         `json:"start_steps"`
	Reusable     schema.RunRecord `json:"reusable,omitempty"`
	ExecutedStep string           `json:"executed_step,omitempty"`
}

// Plan computes the start steps and reusable record for a partial run.
//
// Each direct parent of the destination is examined along its ancestry, from
// the branch origin towards the parent. Steps with a usable primal result (or
// pinned output) are carried into the reusable record; the first step without
// one becomes a start step and ends that chain.
func Plan(g *graph.Graph, in Input) (*Result, error) {
	if err := checkNames(g, in); err != nil {
		return nil, err
	}

	if in.Trigger != nil {
		return planTrigger(g, in)
	}

	res := &Result{ExecutedStep: in.Destination}
	var start orderedSet

	if in.Destination != "" {
		parents, err := g.Parents(in.Destination, schema.ConnectionMain, 1)
		if err != nil {
			return nil, err
		}

		if isEmpty(in.Prior) {
			for _, p := range parents {
				start.add(p)
			}
		} else {
			dirty := toSet(in.Dirty)
			reusable := make(schema.RunRecord)
			for _, parent := range parents {
				if err := walkChain(g, parent, in, dirty, reusable, &start); err != nil {
					return nil, err
				}
			}
			if len(reusable) > 0 {
				res.Reusable = reusable
			}
		}
	}

	if start.len() == 0 && len(in.StartSteps) == 0 && in.Destination != "" {
		start.add(in.Destination)
	}
	for _, s := range in.StartSteps {
		start.add(s)
	}

	res.StartSteps = start.items
	return res, nil
}

func walkChain(g *graph.Graph, parent string, in Input, dirty map[string]bool, reusable schema.RunRecord, start *orderedSet) error {
	ancestors, err := g.ParentsWithDisabled(parent, schema.ConnectionMain, graph.Unbounded)
	if err != nil {
		return err
	}

	chain := make([]string, 0, len(ancestors)+1)
	for i := len(ancestors) - 1; i >= 0; i-- {
		chain = append(chain, ancestors[i])
	}
	chain = append(chain, parent)

	for _, name := range chain {
		step, err := g.Step(name)
		if err != nil {
			return err
		}

		primal := primalOf(in.Prior, name)
		if step.Disabled {
			if primal != nil && !primal.Failed() {
				reusable[name] = []schema.TaskResult{*primal}
			}
			continue
		}

		_, pinned := in.Pinned[name]
		usable := !dirty[name] && (pinned || (primal != nil && !primal.Failed()))
		if !usable {
			start.add(name)
			return nil
		}
		if primal != nil && !primal.Failed() {
			reusable[name] = []schema.TaskResult{*primal}
		}
	}
	return nil
}

func planTrigger(g *graph.Graph, in Input) (*Result, error) {
	children, err := g.Children(in.Trigger.Step, schema.ConnectionMain, 1)
	if err != nil {
		return nil, err
	}
	var start orderedSet
	for _, c := range children {
		start.add(c)
	}
	for _, s := range in.StartSteps {
		start.add(s)
	}
	return &Result{
		StartSteps:   start.items,
		Reusable:     schema.RunRecord{in.Trigger.Step: {in.Trigger.Result}},
		ExecutedStep: in.Destination,
	}, nil
}

func checkNames(g *graph.Graph, in Input) error {
	names := make([]string, 0, len(in.StartSteps)+len(in.Dirty)+2)
	if in.Destination != "" {
		names = append(names, in.Destination)
	}
	if in.Trigger != nil {
		names = append(names, in.Trigger.Step)
	}
	names = append(names, in.StartSteps...)
	names = append(names, in.Dirty...)
	for _, n := range names {
		if !g.Has(n) {
			return schema.NewUnknownStepError(n)
		}
	}
	return nil
}

// DirtySteps returns the steps of record whose parameters changed after their
// primal result started, sorted by name. lastUpdated reports the zero time
// for steps that were never edited.
func DirtySteps(record schema.RunRecord, lastUpdated func(step string) time.Time) []string {
	var dirty orderedSet
	for _, name := range sortedKeys(record) {
		primal := primalOf(record, name)
		if primal == nil {
			continue
		}
		updated := lastUpdated(name)
		if !updated.IsZero() && updated.After(primal.StartedAt) {
			dirty.add(name)
		}
	}
	return dirty.items
}

func primalOf(record schema.RunRecord, step string) *schema.TaskResult {
	list := record[step]
	if len(list) == 0 {
		return nil
	}
	return &list[0]
}

func isEmpty(record schema.RunRecord) bool {
	for _, list := range record {
		if len(list) > 0 {
			return false
		}
	}
	return true
}
