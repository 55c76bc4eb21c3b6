package network

import (
	"fmt"
	"math"
	"reflect"

	"github.com/dd0wney/cluso-waterplan/pkg/logging"
	"github.com/dd0wney/cluso-waterplan/pkg/series"
	"github.com/dd0wney/cluso-waterplan/pkg/validation"
)

// ShareTolerance is how far demand_share + return_share may stray from 1.
const ShareTolerance = 1e-9

type buildConfig struct {
	allow  []string
	logger logging.Logger
}

// BuildOption configures Build.
type BuildOption func(*buildConfig)

// WithAllowList exempts the given node ids from the connectivity
// requirement, in addition to the topology's own allow_orphans list.
func WithAllowList(ids ...string) BuildOption {
	return func(c *buildConfig) { c.allow = append(c.allow, ids...) }
}

// WithLogger sets the logger used while building.
func WithLogger(l logging.Logger) BuildOption {
	return func(c *buildConfig) { c.logger = l }
}

// Build validates topology against lib and materializes every bound over
// horizon. All failures are *BuildError or *OrphanNodeError and match
// ErrBuild with errors.Is.
func Build(topology *Topology, lib series.Library, horizon series.Horizon, opts ...BuildOption) (*Model, error) {
	cfg := buildConfig{logger: logging.NewNopLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}

	if topology == nil {
		return nil, &BuildError{Op: "topology", Cause: ErrInvalidTopology}
	}
	if err := horizon.Validate(); err != nil {
		return nil, &BuildError{Op: "horizon", Cause: err}
	}

	m := &Model{
		name:    topology.Name,
		horizon: horizon,
		byID:    make(map[string]Node, len(topology.Nodes)+1),
		out:     make(map[string][]Edge),
		in:      make(map[string][]Edge),
		allow:   make(map[string]bool),
	}
	r := resolver{lib: lib, horizon: horizon}

	for i := range topology.Nodes {
		spec := &topology.Nodes[i]
		if err := validation.Struct(spec); err != nil {
			return nil, nodeError("validate", spec.ID, fmt.Errorf("%w: %v", ErrInvalidNode, err))
		}
		if _, dup := m.byID[spec.ID]; dup {
			return nil, nodeError("validate", spec.ID, ErrDuplicateNode)
		}
		n, err := r.node(spec)
		if err != nil {
			return nil, err
		}
		m.nodes = append(m.nodes, n)
		m.byID[spec.ID] = n
	}

	for _, id := range topology.AllowOrphans {
		m.allow[id] = true
	}
	for _, id := range cfg.allow {
		m.allow[id] = true
	}

	if err := m.addEdges(topology.Edges); err != nil {
		return nil, err
	}
	if err := m.linkJunctions(); err != nil {
		return nil, err
	}
	if err := m.linkReturns(r, topology); err != nil {
		return nil, err
	}
	if err := m.checkConnectivity(); err != nil {
		return nil, err
	}
	if err := m.sortTopologically(); err != nil {
		return nil, err
	}

	cfg.logger.Info("network built",
		logging.String("network", m.name),
		logging.Int("nodes", len(m.nodes)),
		logging.Int("edges", len(m.edges)),
		logging.Int("return_pairs", len(m.pairs)),
		logging.Int("steps", horizon.Steps))
	return m, nil
}

func (m *Model) addEdges(specs []EdgeSpec) error {
	seen := make(map[[2]string]bool, len(specs))
	for i := range specs {
		spec := &specs[i]
		if err := validation.Struct(spec); err != nil {
			return edgeError("validate", spec.From, spec.To, err)
		}
		if _, ok := m.byID[spec.From]; !ok {
			return edgeError("edge", spec.From, spec.To, fmt.Errorf("%w: %s", ErrUnknownNode, spec.From))
		}
		if _, ok := m.byID[spec.To]; !ok {
			return edgeError("edge", spec.From, spec.To, fmt.Errorf("%w: %s", ErrUnknownNode, spec.To))
		}
		switch m.byID[spec.From].Kind() {
		case KindDemand, KindSink:
			return edgeError("edge", spec.From, spec.To, fmt.Errorf("%w: %s is terminal and cannot have outgoing edges", ErrInvalidNode, spec.From))
		}
		if spec.From == spec.To {
			return edgeError("edge", spec.From, spec.To, ErrSelfLoop)
		}
		key := [2]string{spec.From, spec.To}
		if seen[key] {
			return edgeError("edge", spec.From, spec.To, ErrDuplicateEdge)
		}
		seen[key] = true

		e := Edge{From: spec.From, To: spec.To, Tag: spec.Tag}
		m.edges = append(m.edges, e)
		m.out[e.From] = append(m.out[e.From], e)
		m.in[e.To] = append(m.in[e.To], e)
	}
	return nil
}

// linkJunctions requires each Junction to have exactly one demand_share and
// one return_share edge, the latter ending at a ReturnInput. Tags on any
// other edge are rejected.
func (m *Model) linkJunctions() error {
	for _, e := range m.edges {
		if e.Tag == TagNone {
			continue
		}
		if _, ok := m.byID[e.From].(*Junction); !ok {
			return edgeError("edge", e.From, e.To, fmt.Errorf("%w: %q on an edge not leaving a junction", ErrEdgeTag, e.Tag))
		}
	}

	for _, n := range m.nodes {
		j, ok := n.(*Junction)
		if !ok {
			continue
		}
		out := m.out[j.ID]
		if len(out) != 2 {
			return nodeError("junction", j.ID, fmt.Errorf("%w: need exactly 2 outgoing edges, got %d", ErrJunction, len(out)))
		}
		for _, e := range out {
			switch e.Tag {
			case TagDemandShare:
				j.DemandTarget = e.To
			case TagReturnShare:
				if _, ok := m.byID[e.To].(*ReturnInput); !ok {
					return nodeError("junction", j.ID, fmt.Errorf("%w: return_share edge must end at a return_input, not %s", ErrJunction, e.To))
				}
				j.ReturnTarget = e.To
			default:
				return nodeError("junction", j.ID, fmt.Errorf("%w: outgoing edge to %s is untagged", ErrJunction, e.To))
			}
		}
		if j.DemandTarget == "" || j.ReturnTarget == "" {
			return nodeError("junction", j.ID, fmt.Errorf("%w: needs one demand_share and one return_share edge", ErrJunction))
		}
	}
	return nil
}

// linkReturns pairs ReturnInputs with ReturnOutputs by return id, makes the
// pair share one bound array, and adds the uncaptured-return sink if needed.
func (m *Model) linkReturns(r resolver, topology *Topology) error {
	inputs := make(map[string]*ReturnInput)
	outputs := make(map[string]*ReturnOutput)
	var order []string

	for _, n := range m.nodes {
		switch v := n.(type) {
		case *ReturnInput:
			if _, dup := inputs[v.ReturnID]; dup {
				return nodeError("return", v.ID, fmt.Errorf("%w: return id %q has more than one input", ErrReturnPair, v.ReturnID))
			}
			if len(m.out[v.ID]) > 0 {
				return nodeError("return", v.ID, fmt.Errorf("%w: return_input cannot have outgoing edges", ErrReturnPair))
			}
			inputs[v.ReturnID] = v
			order = append(order, v.ReturnID)
		case *ReturnOutput:
			if _, dup := outputs[v.ReturnID]; dup {
				return nodeError("return", v.ID, fmt.Errorf("%w: return id %q has more than one output", ErrReturnPair, v.ReturnID))
			}
			if len(m.in[v.ID]) > 0 {
				return nodeError("return", v.ID, fmt.Errorf("%w: return_output cannot have incoming edges", ErrReturnPair))
			}
			outputs[v.ReturnID] = v
		}
	}

	for id, out := range outputs {
		if _, ok := inputs[id]; !ok {
			return nodeError("return", out.ID, fmt.Errorf("%w: return id %q has no input", ErrReturnPair, id))
		}
	}

	declared := make(map[string]*NodeSpec, len(topology.Nodes))
	for i := range topology.Nodes {
		declared[topology.Nodes[i].ID] = &topology.Nodes[i]
	}

	for _, id := range order {
		in := inputs[id]
		out, ok := outputs[id]
		if !ok {
			return nodeError("return", in.ID, fmt.Errorf("%w: return id %q has no output", ErrReturnPair, id))
		}
		in.Output = out.ID
		out.Input = in.ID

		// Both ends see the same bounds. If both declare one they must agree.
		inSpec, outSpec := declared[in.ID], declared[out.ID]
		switch {
		case inSpec.MaxFlow != nil && outSpec.MaxFlow != nil:
			if !reflect.DeepEqual(in.MaxFlow, out.MaxFlow) {
				return nodeError("return", out.ID, fmt.Errorf("%w: max_flow %s differs from %s on %s", ErrReturnPair, outSpec.MaxFlow, inSpec.MaxFlow, in.ID))
			}
		case outSpec.MaxFlow != nil:
			in.MaxFlow = out.MaxFlow
		}
		out.MaxFlow = in.MaxFlow
		out.MinFlow = in.MinFlow

		m.pairs = append(m.pairs, ReturnPair{ID: id, Input: in.ID, Output: out.ID})
	}

	if len(m.pairs) == 0 {
		return nil
	}
	for _, n := range m.nodes {
		if s, ok := n.(*Sink); ok && s.Role == RoleUncapturedReturn {
			m.uncaptured = s.ID
			return nil
		}
	}
	if _, taken := m.byID[UncapturedReturnSinkID]; taken {
		return nodeError("return", UncapturedReturnSinkID, fmt.Errorf("%w: id is reserved", ErrDuplicateNode))
	}
	sink := &Sink{
		NodeBase: NodeBase{
			ID:      UncapturedReturnSinkID,
			Label:   "Uncaptured return",
			MinFlow: r.fill(0),
			MaxFlow: r.fill(Unbounded),
		},
		Role: RoleUncapturedReturn,
	}
	m.nodes = append(m.nodes, sink)
	m.byID[sink.ID] = sink
	m.uncaptured = sink.ID
	return nil
}

func (m *Model) checkConnectivity() error {
	for _, n := range m.nodes {
		b := n.Base()
		if m.allow[b.ID] {
			continue
		}
		if needsPredecessor(n.Kind()) && len(m.Upstream(b.ID)) == 0 {
			return &OrphanNodeError{NodeID: b.ID, Kind: n.Kind(), Missing: "predecessor"}
		}
		if needsSuccessor(n.Kind()) && len(m.Downstream(b.ID)) == 0 {
			return &OrphanNodeError{NodeID: b.ID, Kind: n.Kind(), Missing: "successor"}
		}
	}
	return nil
}

// sortTopologically runs Kahn's algorithm over declared and implicit links.
// Ties are broken by declaration order so the result is deterministic.
func (m *Model) sortTopologically() error {
	indeg := make(map[string]int, len(m.nodes))
	for _, n := range m.nodes {
		indeg[n.Base().ID] = len(m.Upstream(n.Base().ID))
	}

	queue := make([]string, 0, len(m.nodes))
	for _, n := range m.nodes {
		if indeg[n.Base().ID] == 0 {
			queue = append(queue, n.Base().ID)
		}
	}

	order := make([]string, 0, len(m.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range m.Downstream(id) {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(m.nodes) {
		for _, n := range m.nodes {
			if indeg[n.Base().ID] > 0 {
				return nodeError("cycle", n.Base().ID, ErrCycle)
			}
		}
	}
	m.order = order
	return nil
}

type resolver struct {
	lib     series.Library
	horizon series.Horizon
}

func (r resolver) fill(v float64) []float64 {
	out := make([]float64, r.horizon.Steps)
	for i := range out {
		out[i] = v
	}
	return out
}

// bound materializes b over the horizon; an absent bound takes def, or
// fails when required.
func (r resolver) bound(id, field string, b *BoundSpec, def float64, required bool) ([]float64, error) {
	if b == nil || (b.Series == "" && b.Constant == nil) {
		if required {
			return nil, nodeError("bound", id, fmt.Errorf("%s: %w", field, ErrMissingBound))
		}
		return r.fill(def), nil
	}

	var values []float64
	if b.Constant != nil {
		values = r.fill(*b.Constant)
	} else {
		s, err := r.lib.Get(b.Series)
		if err != nil {
			return nil, nodeError("bound", id, fmt.Errorf("%s: %w", field, err))
		}
		values = series.Materialize(s, r.horizon)
	}

	for t, v := range values {
		if math.IsNaN(v) || v < 0 {
			return nil, nodeError("bound", id, fmt.Errorf("%s at step %d: %w: %g", field, t, ErrInvalidBound, v))
		}
	}
	return values, nil
}

// flow materializes a rate bound and turns it into the volume moved in each
// step: the daily rate times the days the step covers.
func (r resolver) flow(id, field string, b *BoundSpec, def float64, required bool) ([]float64, error) {
	values, err := r.bound(id, field, b, def, required)
	if err != nil {
		return nil, err
	}
	for t := range values {
		values[t] *= float64(r.horizon.StepDays(t))
	}
	return values, nil
}

func (r resolver) base(spec *NodeSpec, maxRequired bool) (NodeBase, error) {
	minFlow, err := r.flow(spec.ID, "min_flow", spec.MinFlow, 0, false)
	if err != nil {
		return NodeBase{}, err
	}
	maxFlow, err := r.flow(spec.ID, "max_flow", spec.MaxFlow, Unbounded, maxRequired)
	if err != nil {
		return NodeBase{}, err
	}
	for t := range minFlow {
		if minFlow[t] > maxFlow[t] {
			return NodeBase{}, nodeError("bound", spec.ID, fmt.Errorf("%w: min_flow %g exceeds max_flow %g at step %d", ErrInvalidBound, minFlow[t], maxFlow[t], t))
		}
	}

	label := spec.Label
	if label == "" {
		label = spec.ID
	}
	return NodeBase{
		ID:         spec.ID,
		Label:      label,
		WaterType:  spec.WaterType,
		CO2Impact:  spec.CO2Impact,
		EconImpact: spec.EconImpact,
		MinFlow:    minFlow,
		MaxFlow:    maxFlow,
	}, nil
}

// finite rejects unbounded values where a quantity of water must be known.
func finite(id, field string, values []float64) error {
	for t, v := range values {
		if math.IsInf(v, 0) {
			return nodeError("bound", id, fmt.Errorf("%s at step %d: %w: must be finite", field, t, ErrInvalidBound))
		}
	}
	return nil
}

type volumes struct {
	min, max []float64
	initial  float64
}

func (r resolver) volumes(spec *NodeSpec) (volumes, error) {
	maxVol, err := r.bound(spec.ID, "max_volume", spec.MaxVolume, 0, true)
	if err != nil {
		return volumes{}, err
	}
	if err := finite(spec.ID, "max_volume", maxVol); err != nil {
		return volumes{}, err
	}
	minVol, err := r.bound(spec.ID, "min_volume", spec.MinVolume, 0, false)
	if err != nil {
		return volumes{}, err
	}
	for t := range minVol {
		if minVol[t] > maxVol[t] {
			return volumes{}, nodeError("bound", spec.ID, fmt.Errorf("%w: min_volume %g exceeds max_volume %g at step %d", ErrInvalidBound, minVol[t], maxVol[t], t))
		}
	}
	initial, err := r.bound(spec.ID, "initial_volume", spec.InitialVolume, minVol[0], false)
	if err != nil {
		return volumes{}, err
	}
	if initial[0] > maxVol[0] {
		return volumes{}, nodeError("bound", spec.ID, fmt.Errorf("%w: initial_volume %g exceeds max_volume %g", ErrInvalidBound, initial[0], maxVol[0]))
	}
	return volumes{min: minVol, max: maxVol, initial: initial[0]}, nil
}

func (r resolver) node(spec *NodeSpec) (Node, error) {
	switch spec.Kind {
	case KindSource:
		b, err := r.base(spec, true)
		if err != nil {
			return nil, err
		}
		if err := finite(spec.ID, "max_flow", b.MaxFlow); err != nil {
			return nil, err
		}
		return &Source{NodeBase: b}, nil

	case KindDemand:
		b, err := r.base(spec, true)
		if err != nil {
			return nil, err
		}
		if err := finite(spec.ID, "max_flow", b.MaxFlow); err != nil {
			return nil, err
		}
		return &Demand{NodeBase: b, Priority: spec.Priority}, nil

	case KindStorage:
		b, err := r.base(spec, false)
		if err != nil {
			return nil, err
		}
		v, err := r.volumes(spec)
		if err != nil {
			return nil, err
		}
		return &Storage{NodeBase: b, Priority: spec.Priority, MinVolume: v.min, MaxVolume: v.max, InitialVolume: v.initial}, nil

	case KindAquifer:
		b, err := r.base(spec, false)
		if err != nil {
			return nil, err
		}
		v, err := r.volumes(spec)
		if err != nil {
			return nil, err
		}
		recharge, err := r.flow(spec.ID, "recharge", spec.Recharge, 0, false)
		if err != nil {
			return nil, err
		}
		return &Aquifer{NodeBase: b, Priority: spec.Priority, MinVolume: v.min, MaxVolume: v.max, InitialVolume: v.initial, Recharge: recharge}, nil

	case KindJunction:
		if math.Abs(spec.DemandShare+spec.ReturnShare-1) > ShareTolerance {
			return nil, nodeError("junction", spec.ID, fmt.Errorf("%w: demand_share %g + return_share %g != 1", ErrJunction, spec.DemandShare, spec.ReturnShare))
		}
		b, err := r.base(spec, false)
		if err != nil {
			return nil, err
		}
		return &Junction{NodeBase: b, DemandShare: spec.DemandShare, ReturnShare: spec.ReturnShare}, nil

	case KindLossyConduit:
		b, err := r.base(spec, false)
		if err != nil {
			return nil, err
		}
		return &LossyConduit{NodeBase: b, LossFactor: spec.LossFactor}, nil

	case KindPump:
		b, err := r.base(spec, false)
		if err != nil {
			return nil, err
		}
		return &Pump{NodeBase: b}, nil

	case KindReturnInput, KindReturnOutput:
		if spec.ReturnID == "" {
			return nil, nodeError("return", spec.ID, fmt.Errorf("%w: return_id is required", ErrReturnPair))
		}
		b, err := r.base(spec, false)
		if err != nil {
			return nil, err
		}
		if spec.Kind == KindReturnInput {
			return &ReturnInput{NodeBase: b, ReturnID: spec.ReturnID}, nil
		}
		return &ReturnOutput{NodeBase: b, ReturnID: spec.ReturnID}, nil

	case KindSink:
		b, err := r.base(spec, false)
		if err != nil {
			return nil, err
		}
		role := spec.Role
		if role == "" {
			role = RoleOverflow
		}
		return &Sink{NodeBase: b, Role: role}, nil
	}

	return nil, nodeError("validate", spec.ID, fmt.Errorf("%w: unknown kind %q", ErrInvalidNode, spec.Kind))
}
