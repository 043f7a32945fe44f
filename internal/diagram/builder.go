package diagram

import (
	"fmt"

	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/steps"
	"github.com/rendis/stepflow/pkg/schema"
)

// Build constructs a Model from a graph definition and an optional run
// record. Each step carries the status of its latest invocation.
func Build(def *schema.Graph, record schema.RunRecord) (*Model, error) {
	g, err := graph.New(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	nodes := make([]*Node, 0, len(def.Steps))
	for _, step := range def.Steps {
		node := &Node{
			ID:    step.Name,
			Label: step.Name,
			Type:  step.Type,
			Kind:  kindOf(g, step),
		}
		overlayStatus(node, record[step.Name])
		nodes = append(nodes, node)
	}

	return &Model{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  buildEdges(def),
		Levels: buildLevels(g),
	}, nil
}

func kindOf(g *graph.Graph, step schema.Step) NodeKind {
	switch {
	case step.Disabled:
		return NodeKindDisabled
	case step.Type == steps.TypeWait:
		return NodeKindWait
	case len(g.Incoming(step.Name, schema.ConnectionMain)) == 0:
		return NodeKindTrigger
	case mainPorts(g.Outputs(step.Name)) > 1:
		return NodeKindBranch
	case mainPorts(g.Inputs(step.Name)) > 1:
		return NodeKindMerge
	default:
		return NodeKindStep
	}
}

func mainPorts(ports []schema.Port) int {
	n := 0
	for _, p := range ports {
		if p.EffectiveKind() == schema.ConnectionMain {
			n++
		}
	}
	return n
}

// overlayStatus summarizes the invocations of one step.
func overlayStatus(node *Node, results []schema.TaskResult) {
	if len(results) == 0 {
		return
	}
	last := results[len(results)-1]
	overlay := &StatusOverlay{
		Status:      string(last.Status),
		Invocations: len(results),
	}
	for _, out := range last.Outputs {
		overlay.Items += len(out)
	}
	if last.Error != nil {
		overlay.Error = last.Error.Message
	}
	node.Status = overlay
}

func buildEdges(def *schema.Graph) []Edge {
	edges := make([]Edge, 0, len(def.Connections))
	for _, c := range def.Connections {
		e := Edge{From: c.Source, To: c.Target}
		if kind := c.EffectiveKind(); kind != schema.ConnectionMain {
			e.Aux = true
			e.Label = string(kind)
		} else if c.SourceIndex > 0 {
			e.Label = fmt.Sprintf("out%d", c.SourceIndex)
		}
		edges = append(edges, e)
	}
	return edges
}

// buildLevels layers steps by longest main path from a root. Steps caught in
// a cycle land on one trailing level.
func buildLevels(g *graph.Graph) [][]string {
	names := g.StepNames()
	indegree := make(map[string]int, len(names))
	for _, name := range names {
		for _, c := range g.Incoming(name, schema.ConnectionMain) {
			if c.Source != name {
				indegree[name]++
			}
		}
	}

	depth := make(map[string]int, len(names))
	var queue []string
	for _, name := range names {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	placed := make(map[string]bool, len(names))
	maxDepth := -1
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		placed[name] = true
		if depth[name] > maxDepth {
			maxDepth = depth[name]
		}
		for _, c := range g.Outgoing(name, schema.ConnectionMain) {
			if c.Target == name {
				continue
			}
			if d := depth[name] + 1; d > depth[c.Target] {
				depth[c.Target] = d
			}
			indegree[c.Target]--
			if indegree[c.Target] == 0 {
				queue = append(queue, c.Target)
			}
		}
	}

	levels := make([][]string, maxDepth+1)
	var cyclic []string
	for _, name := range names {
		if !placed[name] {
			cyclic = append(cyclic, name)
			continue
		}
		levels[depth[name]] = append(levels[depth[name]], name)
	}
	if len(cyclic) > 0 {
		levels = append(levels, cyclic)
	}
	return levels
}

func titleFromDef(def *schema.Graph) string {
	if def.Name != "" {
		return def.Name
	}
	return def.ID
}
