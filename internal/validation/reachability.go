package validation

import (
	"fmt"

	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/pkg/schema"
)

// validateReachability warns about steps no root can reach over main
// connections and about steps that sit on a cycle. Cycles are legal; the
// scheduler runs them until no new items arrive.
func validateReachability(g *graph.Graph) *schema.ValidationReport {
	report := &schema.ValidationReport{}

	reachable := make(map[string]bool)
	for _, root := range g.Roots() {
		reachable[root] = true
		children, err := g.Children(root, schema.ConnectionMain, graph.Unbounded)
		if err != nil {
			continue
		}
		for _, c := range children {
			reachable[c] = true
		}
	}

	for i, name := range g.StepNames() {
		step, _ := g.Step(name)
		if step.Disabled {
			continue
		}
		if !reachable[name] {
			report.Warn(fmt.Sprintf("/steps/%d", i), name, schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from any root step", name))
		}
		if onCycle(g, name) {
			report.Warn(fmt.Sprintf("/steps/%d", i), name, schema.ErrCodeValidation,
				fmt.Sprintf("step %q is part of a cycle", name))
		}
	}
	return report
}

// onCycle reports whether name can reach itself: either a self-loop or a
// descendant that is also an ancestor.
func onCycle(g *graph.Graph, name string) bool {
	for _, c := range g.Outgoing(name, schema.ConnectionMain) {
		if c.Target == name {
			return true
		}
	}
	ancestors, err := g.Parents(name, schema.ConnectionMain, graph.Unbounded)
	if err != nil {
		return false
	}
	isAncestor := make(map[string]bool, len(ancestors))
	for _, a := range ancestors {
		isAncestor[a] = true
	}
	descendants, _ := g.Children(name, schema.ConnectionMain, graph.Unbounded)
	for _, d := range descendants {
		if isAncestor[d] {
			return true
		}
	}
	return false
}
