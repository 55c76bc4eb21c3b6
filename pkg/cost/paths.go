package cost

import (
	"fmt"
	"math"

	"github.com/dd0wney/cluso-waterplan/pkg/network"
)

// pathCosts memoizes, per node, the dearest and cheapest cumulative cost of
// reaching the node's inlet from any supply point.
type pathCosts struct {
	m      *network.Model
	maxOut map[string]int64
	minOut map[string]int64
}

func newPathCosts(m *network.Model) *pathCosts {
	return &pathCosts{m: m, maxOut: make(map[string]int64), minOut: make(map[string]int64)}
}

// supplies reports whether water can originate at n.
func supplies(n network.Node) bool {
	switch n.Kind() {
	case network.KindSource, network.KindAquifer, network.KindStorage, network.KindReturnOutput:
		return true
	}
	return false
}

// upstreamMax is the dearest cost of reaching id's inlet. Dead elements
// carry no water and are skipped.
func (p *pathCosts) upstreamMax(id string) int64 {
	var best int64
	for _, u := range p.m.Upstream(id) {
		if p.dead(u) {
			continue
		}
		best = max(best, p.outMax(u))
	}
	return best
}

func (p *pathCosts) dead(id string) bool {
	n, _ := p.m.Node(id)
	return n.Base().Dead
}

// outMax is the dearest cost of leaving id, memoized over predecessors.
// The model is acyclic so the recursion terminates.
func (p *pathCosts) outMax(id string) int64 {
	if v, ok := p.maxOut[id]; ok {
		return v
	}
	n, _ := p.m.Node(id)
	v := p.upstreamMax(id) + n.Base().Cost
	p.maxOut[id] = v
	return v
}

// upstreamMin is the cheapest cost of reaching id's inlet, or +Inf when no
// supply point reaches it.
func (p *pathCosts) upstreamMin(id string) float64 {
	n, _ := p.m.Node(id)
	best := math.Inf(1)
	if supplies(n) {
		best = 0
	}
	for _, u := range p.m.Upstream(id) {
		if p.dead(u) {
			continue
		}
		best = math.Min(best, p.outMin(u))
	}
	return best
}

func (p *pathCosts) outMin(id string) float64 {
	if v, ok := p.minOut[id]; ok {
		return float64(v)
	}
	n, _ := p.m.Node(id)
	up := p.upstreamMin(id)
	if math.IsInf(up, 1) {
		return up
	}
	v := int64(up) + n.Base().Cost
	p.minOut[id] = v
	return float64(v)
}

// maxTerminal is the dearest path ending at a live Demand or a reservoir
// hold.
func (p *pathCosts) maxTerminal() int64 {
	var best int64
	for _, n := range p.m.Nodes() {
		b := n.Base()
		if b.Dead {
			continue
		}
		switch v := n.(type) {
		case *network.Demand:
			best = max(best, p.upstreamMax(b.ID)+b.Cost)
		case *network.Storage:
			best = max(best, p.upstreamMax(b.ID)+v.HoldCost)
		case *network.Aquifer:
			best = max(best, p.upstreamMax(b.ID)+v.HoldCost)
		}
	}
	return best
}

// CheckOrdering verifies that every supply-to-Demand path is cheaper than
// every supply-to-Sink path. Dead elements are excluded.
func CheckOrdering(m *network.Model) error {
	p := newPathCosts(m)
	dearest := p.maxTerminal()

	for _, n := range m.NodesOfKind(network.KindSink) {
		b := n.Base()
		cheapest := p.upstreamMin(b.ID)
		if math.IsInf(cheapest, 1) {
			continue
		}
		if int64(cheapest)+b.Cost <= dearest {
			return fmt.Errorf("%w: sink %s costs %d, dearest demand path %d", ErrCostOrdering, b.ID, int64(cheapest)+b.Cost, dearest)
		}
	}
	return nil
}
