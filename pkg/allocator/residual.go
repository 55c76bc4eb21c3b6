package allocator

import (
	"math"

	"github.com/dd0wney/cluso-waterplan/pkg/network"
)

const (
	superSource = 0
	superSink   = 1
)

func inVertex(i int) int  { return 2 + 2*i }
func outVertex(i int) int { return 3 + 2*i }

type arcKind uint8

const (
	arcSupply     arcKind = iota // super source -> inlet
	arcThroughput                // inlet -> outlet
	arcShare                     // junction outlet -> demand-share target inlet
	arcCapture                   // return input inlet -> return output inlet
	arcHold                      // reservoir inlet -> super sink (carry-over)
	arcTerminal                  // demand or sink inlet -> super sink
	arcEdge                      // outlet -> inlet along a declared edge
	arcReverse                   // residual of any reversible arc
)

// arc is a residual arc. Capacity and cost are per unit entering the arc;
// gain units leave it for every unit that enters.
type arc struct {
	from, to int
	cap      float64
	cost     float64
	gain     float64
	kind     arcKind
	node     int // owning model node, -1 for edge arcs
	edge     int // model edge, -1 for node arcs
	rev      int // paired arc, -1 when not reversible
	flow     float64
}

type residual struct {
	arcs     []arc
	vertices int
	eps      float64

	captureArc map[int]int // return input -> its capture arc
	roSupply   map[int]int // return output -> its supply arc
	injected   []float64   // per return input: captured share of junction return
	uncaptured []float64   // per return input
	available  []float64   // per supply node
	reserve    []float64   // per reservoir: volume below min_volume kept back
}

func (r *residual) add(a arc, reversible bool) int {
	a.rev = -1
	idx := len(r.arcs)
	r.arcs = append(r.arcs, a)
	if reversible {
		r.arcs[idx].rev = idx + 1
		r.arcs = append(r.arcs, arc{
			from: a.to,
			to:   a.from,
			cost: -a.cost / a.gain,
			gain: 1 / a.gain,
			kind: arcReverse,
			node: a.node,
			edge: a.edge,
			rev:  idx,
		})
	}
	return idx
}

func (r *residual) supply(i, in int, amount float64) int {
	r.available[i] = amount
	return r.add(arc{from: superSource, to: in, cap: math.Max(0, amount), gain: 1, kind: arcSupply, node: i, edge: -1}, false)
}

// segments adds a node arc of capacity maxFlow. When minFlow is positive the
// first minFlow units go through a separate arc discounted by bonus so that
// minimum flows are met first.
func (r *residual) segments(i, from, to int, minFlow, maxFlow, cost, gain, bonus float64, kind arcKind, reversible bool) {
	if minFlow > r.eps {
		r.add(arc{from: from, to: to, cap: minFlow, cost: cost - bonus, gain: gain, kind: kind, node: i, edge: -1}, reversible)
		maxFlow -= minFlow
	}
	r.add(arc{from: from, to: to, cap: math.Max(0, maxFlow), cost: cost, gain: gain, kind: kind, node: i, edge: -1}, reversible)
}

// reservoirAt splits what a reservoir holds at the start of a step into the
// part kept below min_volume and the stock it may release or carry.
func reservoirAt(minVolume, volume, inflow float64) (reserve, stock float64) {
	total := math.Max(0, volume+inflow)
	reserve = math.Min(total, minVolume)
	return reserve, total - reserve
}

// buildResidual lays out the residual graph for step t. Arcs are appended
// in node then edge declaration order, which fixes tie-breaking.
func (a *Allocator) buildResidual(t int, vol Volumes) *residual {
	nodes := a.model.Nodes()
	r := &residual{
		vertices:   2 + 2*len(nodes),
		eps:        a.cfg.Epsilon,
		captureArc: make(map[int]int),
		roSupply:   make(map[int]int),
		injected:   make([]float64, len(nodes)),
		uncaptured: make([]float64, len(nodes)),
		available:  make([]float64, len(nodes)),
		reserve:    make([]float64, len(nodes)),
	}

	for i, n := range nodes {
		b := n.Base()
		in, out := inVertex(i), outVertex(i)
		cost := float64(b.Cost)

		switch v := n.(type) {
		case *network.Source:
			r.supply(i, in, b.MaxFlow[t])
			r.segments(i, in, out, 0, network.Unbounded, cost, 1, a.bonus, arcThroughput, true)

		case *network.Storage:
			reserve, stock := reservoirAt(v.MinVolume[t], vol[b.ID], 0)
			r.reserve[i] = reserve
			r.supply(i, in, stock)
			r.add(arc{from: in, to: superSink, cap: math.Max(0, v.MaxVolume[t]-reserve), cost: float64(v.HoldCost), gain: 1, kind: arcHold, node: i, edge: -1}, false)
			r.segments(i, in, out, b.MinFlow[t], b.MaxFlow[t], cost, 1, a.bonus, arcThroughput, true)

		case *network.Aquifer:
			reserve, stock := reservoirAt(v.MinVolume[t], vol[b.ID], v.Recharge[t])
			r.reserve[i] = reserve
			r.supply(i, in, stock)
			r.add(arc{from: in, to: superSink, cap: math.Max(0, v.MaxVolume[t]-reserve), cost: float64(v.HoldCost), gain: 1, kind: arcHold, node: i, edge: -1}, false)
			r.segments(i, in, out, b.MinFlow[t], b.MaxFlow[t], cost, 1, a.bonus, arcThroughput, true)

		case *network.Demand, *network.Sink:
			r.segments(i, in, superSink, b.MinFlow[t], b.MaxFlow[t], cost, 1, a.bonus, arcTerminal, false)

		case *network.Junction:
			r.segments(i, in, out, b.MinFlow[t], b.MaxFlow[t], cost, 1, a.bonus, arcThroughput, false)
			r.add(arc{from: out, to: inVertex(a.index[v.DemandTarget]), cap: network.Unbounded, gain: v.DemandShare, kind: arcShare, node: i, edge: -1}, false)

		case *network.LossyConduit:
			r.segments(i, in, out, b.MinFlow[t], b.MaxFlow[t], cost, 1-v.LossFactor, a.bonus, arcThroughput, true)

		case *network.Pump:
			r.segments(i, in, out, b.MinFlow[t], b.MaxFlow[t], cost, 1, a.bonus, arcThroughput, true)

		case *network.ReturnInput:
			r.captureArc[i] = r.add(arc{from: in, to: inVertex(a.index[v.Output]), cap: b.MaxFlow[t], gain: 1, kind: arcCapture, node: i, edge: -1}, false)

		case *network.ReturnOutput:
			r.roSupply[i] = r.supply(i, in, 0)
			r.segments(i, in, out, 0, network.Unbounded, cost, 1, a.bonus, arcThroughput, true)
		}
	}

	for k, e := range a.model.Edges() {
		if e.Tag != network.TagNone {
			continue
		}
		r.add(arc{
			from: outVertex(a.index[e.From]),
			to:   inVertex(a.index[e.To]),
			cap:  network.Unbounded,
			gain: 1,
			kind: arcEdge,
			node: -1,
			edge: k,
		}, true)
	}

	return r
}

// shortestPath runs a bounded Bellman-Ford from the super source and
// returns the arcs of the cheapest path to the super sink, or nil when the
// sink is unreachable. Labels are cost per unit injected at the super
// source; the multiplier tracks how much of that unit survives the gains
// along the way. cycle reports a parent chain that loops, in which case no
// path is returned.
func (r *residual) shortestPath(rounds int) (path []int, cycle bool) {
	if rounds <= 0 {
		rounds = r.vertices - 1
	}

	dist := make([]float64, r.vertices)
	mult := make([]float64, r.vertices)
	parent := make([]int, r.vertices)
	for v := range dist {
		dist[v] = math.Inf(1)
		parent[v] = -1
	}
	dist[superSource] = 0
	mult[superSource] = 1

	for round := 0; round < rounds; round++ {
		changed := false
		for ai := range r.arcs {
			a := &r.arcs[ai]
			if a.cap <= r.eps || math.IsInf(dist[a.from], 1) {
				continue
			}
			nd := dist[a.from] + mult[a.from]*a.cost
			if nd < dist[a.to]-r.eps {
				dist[a.to] = nd
				mult[a.to] = mult[a.from] * a.gain
				parent[a.to] = ai
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	if parent[superSink] < 0 {
		return nil, false
	}

	seen := make([]bool, r.vertices)
	for v := superSink; v != superSource; {
		if seen[v] {
			return nil, true
		}
		seen[v] = true
		ai := parent[v]
		if ai < 0 {
			return nil, false
		}
		path = append(path, ai)
		v = r.arcs[ai].from
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, false
}

// bottleneck is the largest amount that can be injected at the super source
// along path, and the arc that limits it.
func (r *residual) bottleneck(path []int) (float64, int) {
	x := math.Inf(1)
	limit := -1
	g := 1.0
	for _, ai := range path {
		a := &r.arcs[ai]
		if g > 0 {
			if c := a.cap / g; c < x {
				x = c
				limit = ai
			}
		}
		g *= a.gain
	}
	return x, limit
}

// push injects x units at the super source along path and applies junction
// return injection on the way.
func (r *residual) push(path []int, x float64, junctions map[int]junctionLink) {
	g := 1.0
	for _, ai := range path {
		units := g * x
		r.apply(ai, units)
		a := &r.arcs[ai]
		if a.kind == arcShare {
			r.injectReturn(junctions[a.node], units)
		}
		g *= a.gain
	}
}

func (r *residual) apply(ai int, units float64) {
	a := &r.arcs[ai]
	a.cap = r.floor(a.cap - units)

	if a.kind == arcReverse {
		fwd := &r.arcs[a.rev]
		back := units * a.gain
		fwd.flow = r.floor(fwd.flow - back)
		fwd.cap += back
		return
	}

	a.flow += units
	if a.rev >= 0 {
		r.arcs[a.rev].cap += units * a.gain
	}
}

// injectReturn sends the return share of water passing a junction to its
// ReturnInput. What the input can still accept becomes supply at the paired
// ReturnOutput; the rest is uncaptured.
func (r *residual) injectReturn(j junctionLink, units float64) {
	ret := units * j.returnShare
	if ret <= 0 {
		return
	}
	capture := &r.arcs[r.captureArc[j.returnInput]]
	captured := math.Min(ret, capture.cap)
	capture.cap = r.floor(capture.cap - captured)

	r.injected[j.returnInput] += captured
	r.uncaptured[j.returnInput] += ret - captured
	r.arcs[r.roSupply[j.returnOutput]].cap += captured
}

func (r *residual) floor(v float64) float64 {
	if v < r.eps {
		return 0
	}
	return v
}

// junctionLink caches the indices a junction's return injection needs.
type junctionLink struct {
	returnShare  float64
	returnInput  int
	returnOutput int
}
