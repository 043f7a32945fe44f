package graph

import "github.com/rendis/stepflow/pkg/schema"

// Unbounded is the depth value that walks the whole reachable closure.
const Unbounded = -1

type direction int

const (
	upstream direction = iota
	downstream
)

// Parents returns the ancestors of name reachable over connections of kind,
// nearest first, up to depth hops (Unbounded for all). Disabled steps are
// passed through without being reported or counted as a hop. The result never
// contains duplicates or name itself, even on cyclic graphs.
func (g *Graph) Parents(name string, kind schema.ConnectionKind, depth int) ([]string, error) {
	return g.walk(name, kind, depth, upstream, false)
}

// ParentsWithDisabled is Parents but reports disabled ancestors as ordinary
// hops. The planner uses it so disabled steps with cached results are carried
// into partial runs.
func (g *Graph) ParentsWithDisabled(name string, kind schema.ConnectionKind, depth int) ([]string, error) {
	return g.walk(name, kind, depth, upstream, true)
}

// Children returns the descendants of name, with the same ordering and
// transparency rules as Parents.
func (g *Graph) Children(name string, kind schema.ConnectionKind, depth int) ([]string, error) {
	return g.walk(name, kind, depth, downstream, false)
}

// StartStep returns the nearest main-kind ancestor of name that has no enabled
// parents of its own: the trigger its branch originates from. A step without
// parents is its own start step.
func (g *Graph) StartStep(name string) (string, error) {
	ancestors, err := g.Parents(name, schema.ConnectionMain, Unbounded)
	if err != nil {
		return "", err
	}
	for _, a := range ancestors {
		visited := map[string]bool{a: true}
		if len(g.neighbours(a, schema.ConnectionMain, upstream, false, visited)) == 0 {
			return a, nil
		}
	}
	return name, nil
}

func (g *Graph) walk(name string, kind schema.ConnectionKind, depth int, dir direction, withDisabled bool) ([]string, error) {
	if _, ok := g.steps[name]; !ok {
		return nil, schema.NewUnknownStepError(name)
	}
	if kind == "" {
		kind = schema.ConnectionMain
	}

	visited := map[string]bool{name: true}
	var out []string
	frontier := []string{name}
	for level := 0; len(frontier) > 0 && (depth < 0 || level < depth); level++ {
		var next []string
		for _, n := range frontier {
			found := g.neighbours(n, kind, dir, withDisabled, visited)
			out = append(out, found...)
			next = append(next, found...)
		}
		frontier = next
	}
	return out, nil
}

// neighbours returns the unvisited direct neighbours of n in connection order,
// resolving through disabled steps unless withDisabled is set. Every returned
// or passed-through step is marked visited.
func (g *Graph) neighbours(n string, kind schema.ConnectionKind, dir direction, withDisabled bool, visited map[string]bool) []string {
	var out []string
	for _, adj := range g.adjacent(n, kind, dir) {
		if visited[adj] {
			continue
		}
		visited[adj] = true
		if g.steps[adj].Disabled && !withDisabled {
			out = append(out, g.neighbours(adj, kind, dir, withDisabled, visited)...)
			continue
		}
		out = append(out, adj)
	}
	return out
}

func (g *Graph) adjacent(n string, kind schema.ConnectionKind, dir direction) []string {
	if dir == upstream {
		conns := g.Incoming(n, kind)
		names := make([]string, len(conns))
		for i, c := range conns {
			names[i] = c.Source
		}
		return names
	}
	conns := g.Outgoing(n, kind)
	names := make([]string, len(conns))
	for i, c := range conns {
		names[i] = c.Target
	}
	return names
}
