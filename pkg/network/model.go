package network

import "github.com/dd0wney/cluso-waterplan/pkg/series"

// Model is a validated network with bounds materialized for one horizon.
// It is built once per run and is read-only afterwards except for the cost
// fields written by cost assignment.
type Model struct {
	name       string
	horizon    series.Horizon
	nodes      []Node
	byID       map[string]Node
	edges      []Edge
	out        map[string][]Edge
	in         map[string][]Edge
	pairs      []ReturnPair
	uncaptured string
	allow      map[string]bool
	order      []string
}

func (m *Model) Name() string            { return m.name }
func (m *Model) Horizon() series.Horizon { return m.horizon }
func (m *Model) Steps() int              { return m.horizon.Steps }

// Nodes returns nodes in declaration order.
func (m *Model) Nodes() []Node { return m.nodes }

// Edges returns edges in declaration order.
func (m *Model) Edges() []Edge { return m.edges }

// Node looks a node up by id.
func (m *Model) Node(id string) (Node, bool) {
	n, ok := m.byID[id]
	return n, ok
}

// OutEdges returns the declared edges leaving id.
func (m *Model) OutEdges(id string) []Edge { return m.out[id] }

// InEdges returns the declared edges entering id.
func (m *Model) InEdges(id string) []Edge { return m.in[id] }

// ReturnPairs lists every return identity.
func (m *Model) ReturnPairs() []ReturnPair { return m.pairs }

// UncapturedSink is the id of the sink that takes return water a
// ReturnInput cannot accept, or "" when the network has no return pairs.
func (m *Model) UncapturedSink() string { return m.uncaptured }

// Allowed reports whether id is exempt from the connectivity requirement.
func (m *Model) Allowed(id string) bool { return m.allow[id] }

// TopoOrder lists node ids upstream-first, counting the implicit links
// from each ReturnInput to its ReturnOutput and to the uncaptured sink.
func (m *Model) TopoOrder() []string { return m.order }

// Upstream returns the predecessors of id including implicit return links.
func (m *Model) Upstream(id string) []string {
	var ids []string
	for _, e := range m.in[id] {
		ids = append(ids, e.From)
	}
	switch n := m.byID[id].(type) {
	case *ReturnOutput:
		ids = append(ids, n.Input)
	case *Sink:
		if id == m.uncaptured {
			for _, p := range m.pairs {
				ids = append(ids, p.Input)
			}
		}
	}
	return ids
}

// Downstream returns the successors of id including implicit return links.
func (m *Model) Downstream(id string) []string {
	var ids []string
	for _, e := range m.out[id] {
		ids = append(ids, e.To)
	}
	if ri, ok := m.byID[id].(*ReturnInput); ok {
		ids = append(ids, ri.Output)
		if m.uncaptured != "" {
			ids = append(ids, m.uncaptured)
		}
	}
	return ids
}

// NodesOfKind returns the nodes of one archetype in declaration order.
func (m *Model) NodesOfKind(k Kind) []Node {
	var out []Node
	for _, n := range m.nodes {
		if n.Kind() == k {
			out = append(out, n)
		}
	}
	return out
}
