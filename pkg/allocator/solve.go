package allocator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dd0wney/cluso-waterplan/pkg/cost"
	"github.com/dd0wney/cluso-waterplan/pkg/logging"
	"github.com/dd0wney/cluso-waterplan/pkg/metrics"
	"github.com/dd0wney/cluso-waterplan/pkg/network"
)

// Allocator solves the steps of one costed model. It holds no per-step
// state and may be shared by goroutines solving different steps.
type Allocator struct {
	model     *network.Model
	costs     *cost.Summary
	cfg       Config
	bonus     float64
	index     map[string]int
	junctions map[int]junctionLink
	logger    logging.Logger
	metrics   *metrics.Registry
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the logger used for step diagnostics.
func WithLogger(l logging.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

// WithMetrics records step duration, augmentations and timeouts.
func WithMetrics(r *metrics.Registry) Option {
	return func(a *Allocator) { a.metrics = r }
}

// New prepares an allocator for m, whose costs must already be assigned.
func New(m *network.Model, costs *cost.Summary, cfg Config, opts ...Option) *Allocator {
	a := &Allocator{
		model:     m,
		costs:     costs,
		cfg:       cfg.withDefaults(),
		index:     make(map[string]int, len(m.Nodes())),
		junctions: make(map[int]junctionLink),
		logger:    logging.NewNopLogger(),
	}
	if costs != nil {
		a.bonus = float64(costs.MinFlowBonus)
	}
	for _, opt := range opts {
		opt(a)
	}

	for i, n := range m.Nodes() {
		a.index[n.Base().ID] = i
	}
	for i, n := range m.Nodes() {
		if j, ok := n.(*network.Junction); ok {
			ri := a.index[j.ReturnTarget]
			var ro int
			if in, ok := m.Nodes()[ri].(*network.ReturnInput); ok {
				ro = a.index[in.Output]
			}
			a.junctions[i] = junctionLink{returnShare: j.ReturnShare, returnInput: ri, returnOutput: ro}
		}
	}
	return a
}

// Solve allocates step t given the reservoir volumes at its start.
//
// A negative-cost cycle in the residual graph ends the step with the flows
// pushed so far and PhaseNegativeCycle.
//
// When the step needs more than Config.MaxAugmentations augmenting paths
// Solve returns a fully undelivered result together with an error wrapping
// ErrStepTimeout. Context cancellation returns no result.
func (a *Allocator) Solve(ctx context.Context, t int, volumes Volumes) (*StepResult, error) {
	if t < 0 || t >= a.model.Steps() {
		return nil, fmt.Errorf("%w: step %d of %d", ErrStepOutOfRange, t, a.model.Steps())
	}

	start := time.Now()
	log := a.logger.With(logging.Component("allocator"), logging.Step(t))

	r := a.buildResidual(t, volumes)
	augmentations := 0
	phase := PhaseAugmenting

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path, cycle := r.shortestPath(a.cfg.BellmanFordRounds)
		if cycle {
			log.Warn("residual graph has a negative cycle, stopping step early",
				logging.Count(augmentations))
			phase = PhaseNegativeCycle
			break
		}
		if path == nil {
			phase = PhaseSaturated
			break
		}
		if augmentations >= a.cfg.MaxAugmentations {
			log.Warn("step exceeded augmentation limit",
				logging.Int("max_augmentations", a.cfg.MaxAugmentations))
			a.record(start, augmentations, true)
			return a.undelivered(t, volumes, augmentations),
				fmt.Errorf("%w: step %d after %d augmentations", ErrStepTimeout, t, augmentations)
		}

		x, limit := r.bottleneck(path)
		if math.IsInf(x, 1) {
			return nil, fmt.Errorf("%w: step %d", ErrUnbounded, t)
		}
		if x <= r.eps {
			r.arcs[limit].cap = 0
			continue
		}
		r.push(path, x, a.junctions)
		augmentations++
	}

	// Return water captured but never routed onward leaves as uncaptured.
	for ri, ro := range a.returnOutputs() {
		left := r.arcs[r.roSupply[ro]].cap
		if left > 0 {
			r.injected[ri] -= left
			r.uncaptured[ri] += left
			r.arcs[r.roSupply[ro]].cap = 0
		}
	}

	res := a.collect(t, r, volumes)
	res.Phase = phase
	res.Augmentations = augmentations
	a.record(start, augmentations, false)
	log.Debug("step allocated", logging.Count(augmentations), logging.Latency(time.Since(start)))
	return res, nil
}

func (a *Allocator) record(start time.Time, augmentations int, timedOut bool) {
	if a.metrics != nil {
		a.metrics.RecordAllocatorStep(time.Since(start), augmentations, timedOut)
	}
}

// returnOutputs maps each ReturnInput index to its ReturnOutput index.
func (a *Allocator) returnOutputs() map[int]int {
	pairs := make(map[int]int)
	for _, p := range a.model.ReturnPairs() {
		pairs[a.index[p.Input]] = a.index[p.Output]
	}
	return pairs
}

func (a *Allocator) collect(t int, r *residual, volumes Volumes) *StepResult {
	nodes := a.model.Nodes()
	edges := a.model.Edges()
	flows := make([]NodeFlow, len(nodes))
	edgeFlow := make([]float64, len(edges))

	var (
		through = make([]float64, len(nodes))
		held    = make([]float64, len(nodes))
	)

	for ai := range r.arcs {
		ar := &r.arcs[ai]
		if ar.kind == arcReverse || ar.flow == 0 {
			continue
		}
		f := ar.flow
		switch ar.kind {
		case arcSupply:
			flows[ar.node].Drawn += f
		case arcThroughput:
			through[ar.node] += f
			flows[ar.node].Loss += f * (1 - ar.gain)
		case arcHold:
			held[ar.node] += f
		case arcTerminal:
			through[ar.node] += f
		case arcEdge:
			from, to := a.index[edges[ar.edge].From], a.index[edges[ar.edge].To]
			flows[from].Outflow += f
			flows[to].Inflow += f
			edgeFlow[ar.edge] += f
		case arcShare:
			link := a.junctions[ar.node]
			j := nodes[ar.node].(*network.Junction)
			target := a.index[j.DemandTarget]
			flows[ar.node].Outflow += f
			flows[target].Inflow += f * j.DemandShare
			flows[link.returnInput].Inflow += f * j.ReturnShare
			for k, e := range edges {
				if e.From != j.ID {
					continue
				}
				switch e.Tag {
				case network.TagDemandShare:
					edgeFlow[k] += f * j.DemandShare
				case network.TagReturnShare:
					edgeFlow[k] += f * j.ReturnShare
				}
			}
		case arcCapture:
			ro := a.index[nodes[ar.node].(*network.ReturnInput).Output]
			flows[ar.node].Outflow += f
			flows[ro].Inflow += f
		}
	}

	// Supply arcs of return outputs carry captured junction return, which
	// the output receives over the implicit link.
	for ro := range r.roSupply {
		flows[ro].Inflow += flows[ro].Drawn
		flows[ro].Drawn = 0
	}

	var virtual []EdgeFlow
	uncapturedID := a.model.UncapturedSink()
	for _, p := range a.model.ReturnPairs() {
		ri := a.index[p.Input]
		capturedArc := r.arcs[r.captureArc[ri]].flow
		flows[ri].Outflow += r.injected[ri] + r.uncaptured[ri]
		virtual = append(virtual, EdgeFlow{From: p.Input, To: p.Output, Flow: capturedArc + r.injected[ri], Virtual: true})
		if uncapturedID != "" {
			sink := a.index[uncapturedID]
			flows[sink].Inflow += r.uncaptured[ri]
			through[sink] += r.uncaptured[ri]
			virtual = append(virtual, EdgeFlow{From: p.Input, To: uncapturedID, Flow: r.uncaptured[ri], Virtual: true})
		}
	}

	next := volumes.Clone()
	if next == nil {
		next = make(Volumes)
	}

	for i, n := range nodes {
		b := n.Base()
		nf := &flows[i]
		nf.NodeID = b.ID
		nf.Kind = n.Kind()
		nf.Cost = b.Cost
		nf.MinFlow = b.MinFlow[t]
		nf.MaxFlow = reportedBound(b.MaxFlow[t])
		nf.Held = held[i]
		nf.Available = r.available[i]
		nf.Allocated = through[i]

		switch n.(type) {
		case *network.Demand:
			nf.Requested = b.MaxFlow[t]
			nf.Deficit = math.Max(0, nf.Requested-nf.Allocated)
		case *network.ReturnInput:
			nf.Allocated = nf.Inflow
		case *network.ReturnOutput:
			nf.Available = nf.Inflow
		case *network.Storage, *network.Aquifer:
			undrawn := math.Max(0, r.available[i]-nf.Drawn)
			nf.Volume = r.reserve[i] + held[i] + undrawn
			next[b.ID] = quantize(nf.Volume)
		}
		flows[i] = quantizeNode(*nf)
	}

	out := make([]EdgeFlow, 0, len(edges)+len(virtual))
	for k, e := range edges {
		out = append(out, EdgeFlow{From: e.From, To: e.To, Tag: e.Tag, Flow: quantize(edgeFlow[k])})
	}
	for _, v := range virtual {
		v.Flow = quantize(v.Flow)
		out = append(out, v)
	}

	return &StepResult{
		Step:    t,
		Date:    a.model.Horizon().StepDate(t),
		Nodes:   flows,
		Edges:   out,
		Volumes: next,
	}
}

// undelivered is the result recorded for a step that was abandoned: no
// water moves, every demand is short by its full request and reservoirs
// keep their volumes.
func (a *Allocator) undelivered(t int, volumes Volumes, augmentations int) *StepResult {
	nodes := a.model.Nodes()
	res := &StepResult{
		Step:          t,
		Date:          a.model.Horizon().StepDate(t),
		Phase:         PhaseTimedOut,
		Augmentations: augmentations,
		Nodes:         make([]NodeFlow, len(nodes)),
		Volumes:       volumes.Clone(),
	}
	if res.Volumes == nil {
		res.Volumes = make(Volumes)
	}
	for i, n := range nodes {
		b := n.Base()
		nf := NodeFlow{
			NodeID:  b.ID,
			Kind:    n.Kind(),
			Cost:    b.Cost,
			MinFlow: b.MinFlow[t],
			MaxFlow: reportedBound(b.MaxFlow[t]),
		}
		switch n.(type) {
		case *network.Demand:
			nf.Requested = b.MaxFlow[t]
			nf.Deficit = b.MaxFlow[t]
		case *network.Storage, *network.Aquifer:
			nf.Volume = volumes[b.ID]
		}
		res.Nodes[i] = quantizeNode(nf)
	}
	for _, e := range a.model.Edges() {
		res.Edges = append(res.Edges, EdgeFlow{From: e.From, To: e.To, Tag: e.Tag})
	}
	return res
}

// reportedBound maps an unbounded capacity to zero so results stay
// JSON-encodable.
func reportedBound(v float64) float64 {
	if math.IsInf(v, 0) {
		return 0
	}
	return v
}

func quantize(v float64) float64 {
	if math.Abs(v) < Quantum {
		return 0
	}
	return math.Round(v/Quantum) * Quantum
}

func quantizeNode(n NodeFlow) NodeFlow {
	n.Inflow = quantize(n.Inflow)
	n.Drawn = quantize(n.Drawn)
	n.Available = quantize(n.Available)
	n.Outflow = quantize(n.Outflow)
	n.Held = quantize(n.Held)
	n.Loss = quantize(n.Loss)
	n.Allocated = quantize(n.Allocated)
	n.Requested = quantize(n.Requested)
	n.Deficit = quantize(n.Deficit)
	n.Volume = quantize(n.Volume)
	return n
}
