package diagram

// NodeKind classifies a diagram node by its role in the graph.
type NodeKind string

const (
	NodeKindStep     NodeKind = "step"
	NodeKindTrigger  NodeKind = "trigger"
	NodeKindBranch   NodeKind = "branch"
	NodeKindMerge    NodeKind = "merge"
	NodeKindWait     NodeKind = "wait"
	NodeKindDisabled NodeKind = "disabled"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node returns the node named id, or nil.
func (m *Model) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Node is a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Type   string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the recorded state of a step.
type StatusOverlay struct {
	Status      string // from schema.TaskStatus
	Invocations int
	Items       int
	Error       string
}

// Edge is a connection between two steps. Aux edges carry non-main kinds.
type Edge struct {
	From  string
	To    string
	Label string
	Aux   bool
}
