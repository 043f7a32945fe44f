// Package n8n converts n8n workflow exports into stepflow graphs.
package n8n

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/steps"
	"github.com/rendis/stepflow/pkg/schema"
)

// Workflow is the n8n workflow export format.
type Workflow struct {
	ID          string                               `json:"id"`
	Name        string                               `json:"name"`
	Active      bool                                 `json:"active"`
	Nodes       []Node                               `json:"nodes"`
	Connections map[string]map[string][][]Connection `json:"connections"`
	Settings    Settings                             `json:"settings"`
	PinData     map[string][]PinnedItem              `json:"pinData,omitempty"`
}

// Settings is the subset of workflow settings stepflow understands.
type Settings struct {
	ExecutionOrder string `json:"executionOrder,omitempty"`
}

// Node is one n8n node.
type Node struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	TypeVersion    float64         `json:"typeVersion"`
	Position       []float64       `json:"position"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	Credentials    json.RawMessage `json:"credentials,omitempty"`
	Disabled       bool            `json:"disabled,omitempty"`
	OnError        string          `json:"onError,omitempty"`
	ContinueOnFail bool            `json:"continueOnFail,omitempty"`
	Notes          string          `json:"notes,omitempty"`
}

// Connection is a single link target inside the connections map.
type Connection struct {
	Node  string `json:"node"`
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// PinnedItem is one item of a node's pinned output.
type PinnedItem struct {
	JSON map[string]any `json:"json"`
}

// DefaultTypes maps n8n node types onto builtin step types whose parameters
// need no translation. Other types are kept verbatim as opaque tags.
var DefaultTypes = map[string]string{
	"n8n-nodes-base.manualTrigger": steps.TypeManualTrigger,
	"n8n-nodes-base.noOp":          steps.TypeNoOp,
}

// portShapes holds the fixed port counts of n8n node types whose shape is
// not visible from their connections alone.
var portShapes = map[string]struct{ in, out int }{
	"n8n-nodes-base.if":              {1, 2},
	"n8n-nodes-base.merge":           {2, 1},
	"n8n-nodes-base.splitInBatches":  {1, 2},
	"n8n-nodes-base.compareDatasets": {2, 4},
}

// Options controls the conversion.
type Options struct {
	// Types overrides DefaultTypes. A nil map selects DefaultTypes.
	Types map[string]string
}

// Result is the outcome of an import.
type Result struct {
	Graph    schema.Graph      `json:"graph"`
	Pinned   schema.PinnedData `json:"pinned,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Parse decodes an n8n workflow export.
func Parse(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode n8n workflow: %s", err.Error()).WithCause(err)
	}
	return &wf, nil
}

// Import parses and converts an n8n workflow export.
func Import(data []byte, opts Options) (*Result, error) {
	wf, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Convert(wf, opts)
}

// portMap lays out one side of a node's ports: main ports first, then each
// auxiliary kind in name order. n8n numbers ports per kind; stepflow numbers
// them across all kinds.
type portMap struct {
	counts map[string]int
}

func (p *portMap) need(kind string, index int) {
	if p.counts == nil {
		p.counts = make(map[string]int)
	}
	if index+1 > p.counts[kind] {
		p.counts[kind] = index + 1
	}
}

func (p *portMap) kinds() []string {
	out := make([]string, 0, len(p.counts))
	for k := range p.counts {
		if k != string(schema.ConnectionMain) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	if _, ok := p.counts[string(schema.ConnectionMain)]; ok {
		out = append([]string{string(schema.ConnectionMain)}, out...)
	}
	return out
}

func (p *portMap) offset(kind string, index int) int {
	off := 0
	for _, k := range p.kinds() {
		if k == kind {
			return off + index
		}
		off += p.counts[k]
	}
	return off + index
}

func (p *portMap) ports() []schema.Port {
	var out []schema.Port
	for _, k := range p.kinds() {
		for i := 0; i < p.counts[k]; i++ {
			port := schema.Port{Kind: schema.ConnectionKind(k)}
			if k == string(schema.ConnectionMain) {
				port.Kind = ""
			}
			out = append(out, port)
		}
	}
	return out
}

type link struct {
	source, target string
	kind           string
	out, in        int
}

// Convert maps an n8n workflow onto a validated stepflow graph.
func Convert(wf *Workflow, opts Options) (*Result, error) {
	types := opts.Types
	if types == nil {
		types = DefaultTypes
	}

	res := &Result{Graph: schema.Graph{ID: wf.ID, Name: wf.Name}}
	nodes := make(map[string]*Node, len(wf.Nodes))
	inputs := make(map[string]*portMap, len(wf.Nodes))
	outputs := make(map[string]*portMap, len(wf.Nodes))

	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if _, dup := nodes[n.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node name %q", n.Name).WithStep(n.Name)
		}
		nodes[n.Name] = n
		in, out := &portMap{}, &portMap{}
		in.need(string(schema.ConnectionMain), 0)
		out.need(string(schema.ConnectionMain), 0)
		if shape, ok := portShapes[n.Type]; ok {
			in.need(string(schema.ConnectionMain), shape.in-1)
			out.need(string(schema.ConnectionMain), shape.out-1)
		}
		inputs[n.Name], outputs[n.Name] = in, out
	}

	var links []link
	sources := make([]string, 0, len(wf.Connections))
	for name := range wf.Connections {
		sources = append(sources, name)
	}
	sort.Strings(sources)
	for _, src := range sources {
		if _, ok := nodes[src]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownStep, "connection from unknown node %q", src).WithStep(src)
		}
		byKind := wf.Connections[src]
		kinds := make([]string, 0, len(byKind))
		for k := range byKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			for outIdx, group := range byKind[kind] {
				for _, c := range group {
					if _, ok := nodes[c.Node]; !ok {
						return nil, schema.NewErrorf(schema.ErrCodeUnknownStep, "connection to unknown node %q", c.Node).WithStep(c.Node)
					}
					if c.Type != "" && c.Type != kind {
						return nil, schema.NewErrorf(schema.ErrCodeValidation,
							"connection %s -> %s mixes kinds %q and %q", src, c.Node, kind, c.Type).WithStep(src)
					}
					outputs[src].need(kind, outIdx)
					inputs[c.Node].need(kind, c.Index)
					links = append(links, link{source: src, target: c.Node, kind: kind, out: outIdx, in: c.Index})
				}
			}
		}
	}

	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		policy, err := onError(n)
		if err != nil {
			return nil, err
		}
		if policy == schema.OnErrorContinueErrorOutput {
			// The error output follows the regular main outputs.
			regular := 1
			if shape, ok := portShapes[n.Type]; ok {
				regular = shape.out
			}
			outputs[n.Name].need(string(schema.ConnectionMain), regular)
		}
		typ := n.Type
		if mapped, ok := types[n.Type]; ok {
			typ = mapped
		}
		if len(n.Credentials) > 0 && string(n.Credentials) != "null" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("credentials on node %q were not imported", n.Name))
		}
		res.Graph.Steps = append(res.Graph.Steps, schema.Step{
			Name:       n.Name,
			Type:       typ,
			Disabled:   n.Disabled,
			Inputs:     inputs[n.Name].ports(),
			Outputs:    outputs[n.Name].ports(),
			Parameters: n.Parameters,
			OnError:    policy,
			Notes:      n.Notes,
		})
	}

	for _, l := range links {
		conn := schema.Connection{
			Source:      l.source,
			SourceIndex: outputs[l.source].offset(l.kind, l.out),
			Target:      l.target,
			TargetIndex: inputs[l.target].offset(l.kind, l.in),
		}
		if l.kind != string(schema.ConnectionMain) {
			conn.Kind = schema.ConnectionKind(l.kind)
		}
		res.Graph.Connections = append(res.Graph.Connections, conn)
	}

	if len(wf.PinData) > 0 {
		res.Pinned = make(schema.PinnedData, len(wf.PinData))
		for name, pinned := range wf.PinData {
			if _, ok := nodes[name]; !ok {
				res.Warnings = append(res.Warnings, fmt.Sprintf("pinned data for unknown node %q dropped", name))
				continue
			}
			set := make(schema.ItemSet, len(pinned))
			for i, p := range pinned {
				set[i] = schema.Item{JSON: p.JSON}
			}
			res.Pinned[name] = set
		}
		sort.Strings(res.Warnings)
	}

	if wf.Settings.ExecutionOrder != "" && wf.Settings.ExecutionOrder != "v1" {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("execution order %q is not supported, running with v1 semantics", wf.Settings.ExecutionOrder))
	}

	if _, err := graph.New(&res.Graph); err != nil {
		return nil, err
	}
	return res, nil
}

func onError(n *Node) (schema.OnErrorPolicy, error) {
	switch schema.OnErrorPolicy(n.OnError) {
	case "":
		if n.ContinueOnFail {
			return schema.OnErrorContinueRegularOutput, nil
		}
		return "", nil
	case schema.OnErrorStop, schema.OnErrorContinueRegularOutput, schema.OnErrorContinueErrorOutput:
		return schema.OnErrorPolicy(n.OnError), nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "node %q has unknown onError %q", n.Name, n.OnError).WithStep(n.Name)
	}
}
