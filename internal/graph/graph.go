// Package graph holds the read-only, validated form of a step graph and the
// traversal queries the planner and scheduler run against it.
package graph

import (
	"fmt"
	"sort"

	"github.com/rendis/stepflow/pkg/schema"
)

var defaultPorts = []schema.Port{{Kind: schema.ConnectionMain}}

// Graph is the validated, immutable representation of a schema.Graph.
// It is safe for concurrent use by any number of runs.
type Graph struct {
	def      schema.Graph
	steps    map[string]*schema.Step
	order    []string
	incoming map[string][]schema.Connection // target -> connections, by target index
	outgoing map[string][]schema.Connection // source -> connections, by source index
}

// New validates def and builds a Graph. Unknown step references fail with an
// UNKNOWN_STEP error; every other structural problem fails with VALIDATION_ERROR.
func New(def *schema.Graph) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph definition is nil")
	}

	g := &Graph{
		def:      copyDefinition(def),
		steps:    make(map[string]*schema.Step, len(def.Steps)),
		order:    make([]string, 0, len(def.Steps)),
		incoming: make(map[string][]schema.Connection),
		outgoing: make(map[string][]schema.Connection),
	}

	report := &schema.ValidationReport{}

	for i := range g.def.Steps {
		step := &g.def.Steps[i]
		path := fmt.Sprintf("/steps/%d", i)
		if step.Name == "" {
			report.Error(path+"/name", "", schema.ErrCodeValidation, fmt.Sprintf("step at index %d has empty name", i))
			continue
		}
		if _, exists := g.steps[step.Name]; exists {
			report.Error(path+"/name", step.Name, schema.ErrCodeValidation, fmt.Sprintf("duplicate step name %q", step.Name))
			continue
		}
		g.steps[step.Name] = step
		g.order = append(g.order, step.Name)
	}

	for i, conn := range g.def.Connections {
		path := fmt.Sprintf("/connections/%d", i)
		src, srcOK := g.steps[conn.Source]
		dst, dstOK := g.steps[conn.Target]
		if !srcOK {
			report.Error(path+"/source", conn.Source, schema.ErrCodeUnknownStep, fmt.Sprintf("unknown step %q", conn.Source))
		}
		if !dstOK {
			report.Error(path+"/target", conn.Target, schema.ErrCodeUnknownStep, fmt.Sprintf("unknown step %q", conn.Target))
		}
		if !srcOK || !dstOK {
			continue
		}

		kind := conn.EffectiveKind()
		if msg := checkPort(portsOrDefault(src.Outputs), conn.SourceIndex, kind); msg != "" {
			report.Error(path+"/source_index", src.Name, schema.ErrCodeValidation, "output "+msg)
			continue
		}
		if msg := checkPort(portsOrDefault(dst.Inputs), conn.TargetIndex, kind); msg != "" {
			report.Error(path+"/target_index", dst.Name, schema.ErrCodeValidation, "input "+msg)
			continue
		}

		conn.Kind = kind
		g.outgoing[conn.Source] = append(g.outgoing[conn.Source], conn)
		g.incoming[conn.Target] = append(g.incoming[conn.Target], conn)
	}

	if err := report.Err(); err != nil {
		return nil, err
	}

	for name := range g.outgoing {
		conns := g.outgoing[name]
		sort.SliceStable(conns, func(i, j int) bool { return conns[i].SourceIndex < conns[j].SourceIndex })
	}
	for name := range g.incoming {
		conns := g.incoming[name]
		sort.SliceStable(conns, func(i, j int) bool { return conns[i].TargetIndex < conns[j].TargetIndex })
	}

	return g, nil
}

func checkPort(ports []schema.Port, index int, kind schema.ConnectionKind) string {
	if index < 0 || index >= len(ports) {
		return fmt.Sprintf("port %d out of range (%d declared)", index, len(ports))
	}
	if ports[index].EffectiveKind() != kind {
		return fmt.Sprintf("port %d is %s, connection is %s", index, ports[index].EffectiveKind(), kind)
	}
	return ""
}

func portsOrDefault(ports []schema.Port) []schema.Port {
	if len(ports) == 0 {
		return defaultPorts
	}
	return ports
}

func copyDefinition(def *schema.Graph) schema.Graph {
	out := *def
	out.Steps = append([]schema.Step(nil), def.Steps...)
	out.Connections = append([]schema.Connection(nil), def.Connections...)
	return out
}

// Definition returns a copy of the definition the graph was built from.
func (g *Graph) Definition() schema.Graph {
	return copyDefinition(&g.def)
}

// Step returns the named step.
func (g *Graph) Step(name string) (*schema.Step, error) {
	step, ok := g.steps[name]
	if !ok {
		return nil, schema.NewUnknownStepError(name)
	}
	return step, nil
}

// Has reports whether the graph contains the named step.
func (g *Graph) Has(name string) bool {
	_, ok := g.steps[name]
	return ok
}

// StepNames returns every step name in declaration order.
func (g *Graph) StepNames() []string {
	return append([]string(nil), g.order...)
}

// Settings returns the run-wide defaults of the graph.
func (g *Graph) Settings() schema.GraphSettings {
	return g.def.Settings
}

// Inputs returns the declared input ports of a step, or a single main port.
func (g *Graph) Inputs(name string) []schema.Port {
	if step, ok := g.steps[name]; ok {
		return portsOrDefault(step.Inputs)
	}
	return nil
}

// Outputs returns the declared output ports of a step, or a single main port.
func (g *Graph) Outputs(name string) []schema.Port {
	if step, ok := g.steps[name]; ok {
		return portsOrDefault(step.Outputs)
	}
	return nil
}

// Incoming returns the connections of the given kind ending at name, ordered
// by target port and then declaration.
func (g *Graph) Incoming(name string, kind schema.ConnectionKind) []schema.Connection {
	return filterKind(g.incoming[name], kind)
}

// Outgoing returns the connections of the given kind leaving name, ordered by
// source port and then declaration.
func (g *Graph) Outgoing(name string, kind schema.ConnectionKind) []schema.Connection {
	return filterKind(g.outgoing[name], kind)
}

// ConnectedInputs returns the distinct main input ports of name that have at
// least one incoming connection, ascending.
func (g *Graph) ConnectedInputs(name string) []int {
	var ports []int
	seen := make(map[int]bool)
	for _, c := range g.Incoming(name, schema.ConnectionMain) {
		if !seen[c.TargetIndex] {
			seen[c.TargetIndex] = true
			ports = append(ports, c.TargetIndex)
		}
	}
	sort.Ints(ports)
	return ports
}

// Roots returns the enabled steps that have no incoming main connection.
func (g *Graph) Roots() []string {
	var roots []string
	for _, name := range g.order {
		if g.steps[name].Disabled {
			continue
		}
		if len(g.Incoming(name, schema.ConnectionMain)) == 0 {
			roots = append(roots, name)
		}
	}
	return roots
}

func filterKind(conns []schema.Connection, kind schema.ConnectionKind) []schema.Connection {
	if kind == "" {
		kind = schema.ConnectionMain
	}
	var out []schema.Connection
	for _, c := range conns {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}
