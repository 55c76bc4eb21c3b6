// Package cost turns priorities and objective weights into the integer
// costs the allocator minimizes.
//
// Lower cost wins. A Demand's cost is its priority rank (1 is served first)
// or, in Optimization mode, the weighted sum of rank, CO2 impact and economic
// impact. Sinks are priced above every path that ends at a Demand or a
// reservoir hold, so water only reaches a sink once nothing else can take it.
package cost

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/dd0wney/cluso-waterplan/pkg/network"
)

// Mode selects how costs are derived.
type Mode string

const (
	Planning     Mode = "planning"
	Optimization Mode = "optimization"
)

// ParseMode accepts "planning" and "optimization"; empty means Planning.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", string(Planning):
		return Planning, nil
	case string(Optimization):
		return Optimization, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

const (
	// SinkPenalty is added on top of the dearest Demand or hold path when
	// pricing a sink.
	SinkPenalty int64 = 1_000_000

	// DeadPenalty is added to any element with zero capacity across the
	// whole horizon.
	DeadPenalty int64 = 1_000_000_000
)

var (
	ErrUnknownMode    = errors.New("unknown mode")
	ErrInvalidWeights = errors.New("invalid weights")
	ErrCostOrdering   = errors.New("a sink path is not dearer than every demand path")
)

// Weights are the Optimization-mode objective weights, each in [0, 1].
type Weights struct {
	Deficit  float64 `json:"deficit"`
	CO2      float64 `json:"co2"`
	Economic float64 `json:"economic"`
}

// DefaultWeights weighs every objective fully.
func DefaultWeights() Weights {
	return Weights{Deficit: 1, CO2: 1, Economic: 1}
}

// Validate checks each weight is a number in [0, 1].
func (w Weights) Validate() error {
	checks := []struct {
		name  string
		value float64
	}{
		{"deficit", w.Deficit},
		{"co2", w.CO2},
		{"economic", w.Economic},
	}
	for _, c := range checks {
		if math.IsNaN(c.value) || c.value < 0 || c.value > 1 {
			return fmt.Errorf("%w: %s weight %g outside [0, 1]", ErrInvalidWeights, c.name, c.value)
		}
	}
	return nil
}

// Summary records what AssignCosts decided.
type Summary struct {
	Mode    Mode    `json:"mode"`
	Weights Weights `json:"weights"`

	// Dearest path ending at a live Demand or reservoir hold.
	MaxTerminalCost int64            `json:"max_terminal_cost"`
	SinkCosts       map[string]int64 `json:"sink_costs"`
	DeadNodes       []string         `json:"dead_nodes,omitempty"`

	// Subtracted from the cost of the min_flow segment of an element so
	// that minimum flows are met before anything else. Exceeds every cost
	// in the model.
	MinFlowBonus int64 `json:"min_flow_bonus"`
}

// AssignCosts writes Cost (and HoldCost for reservoirs) on every node of m.
// w may be nil, meaning DefaultWeights; it is ignored in Planning mode.
func AssignCosts(m *network.Model, mode Mode, w *Weights) (*Summary, error) {
	weights := DefaultWeights()
	if w != nil {
		weights = *w
	}
	switch mode {
	case Planning:
	case Optimization:
		if err := weights.Validate(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	a := &assigner{m: m, mode: mode, w: weights}
	a.assignBase()

	s := &Summary{Mode: mode, Weights: weights, SinkCosts: make(map[string]int64)}
	if mode == Planning {
		s.Weights = DefaultWeights()
	}

	p := newPathCosts(m)
	s.MaxTerminalCost = p.maxTerminal()

	for _, n := range m.NodesOfKind(network.KindSink) {
		b := n.Base()
		b.Cost = max(p.upstreamMax(b.ID), s.MaxTerminalCost) + 1 + SinkPenalty
		s.SinkCosts[b.ID] = b.Cost
	}

	var dearest int64
	for _, n := range m.Nodes() {
		b := n.Base()
		b.Dead = isDead(n)
		if b.Dead {
			b.Cost += DeadPenalty
			s.DeadNodes = append(s.DeadNodes, b.ID)
		}
		dearest = max(dearest, b.Cost, holdCost(n))
	}
	sort.Strings(s.DeadNodes)
	s.MinFlowBonus = dearest + 1

	if err := CheckOrdering(m); err != nil {
		return nil, err
	}
	return s, nil
}

type assigner struct {
	m    *network.Model
	mode Mode
	w    Weights
}

// priority is the rank-based cost of a Demand or reservoir hold.
func (a *assigner) priority(rank int, b *network.NodeBase) int64 {
	if a.mode == Planning {
		return int64(rank)
	}
	return int64(math.Trunc(float64(rank)*a.w.Deficit + b.CO2Impact*a.w.CO2 + b.EconImpact*a.w.Economic))
}

// transit is the cost of passing through an element that is not an end use.
func (a *assigner) transit(b *network.NodeBase) int64 {
	if a.mode == Planning {
		return 0
	}
	return int64(math.Trunc(b.CO2Impact*a.w.CO2 + b.EconImpact*a.w.Economic))
}

// holdRank is the rank of keeping water in a reservoir. A reservoir without
// a priority ranks after every Demand, so it only keeps what no Demand can
// take.
func holdRank(priority, lowestDemand int) int {
	if priority > 0 {
		return priority
	}
	return lowestDemand + 1
}

func (a *assigner) assignBase() {
	var lowest int
	for _, n := range a.m.NodesOfKind(network.KindDemand) {
		lowest = max(lowest, n.(*network.Demand).Priority)
	}

	for _, n := range a.m.Nodes() {
		b := n.Base()
		b.Dead = false
		switch v := n.(type) {
		case *network.Demand:
			b.Cost = a.priority(v.Priority, b)
		case *network.Storage:
			b.Cost = a.transit(b)
			v.HoldCost = a.priority(holdRank(v.Priority, lowest), b)
		case *network.Aquifer:
			b.Cost = a.transit(b)
			v.HoldCost = a.priority(holdRank(v.Priority, lowest), b)
		case *network.Source, *network.Pump, *network.LossyConduit:
			b.Cost = a.transit(b)
		default:
			b.Cost = 0
		}
	}
}

func holdCost(n network.Node) int64 {
	switch v := n.(type) {
	case *network.Storage:
		return v.HoldCost
	case *network.Aquifer:
		return v.HoldCost
	}
	return 0
}

// isDead reports whether an element can never carry water over the horizon.
// Sinks and return inputs are never dead; a reservoir is dead only if it can
// neither release nor store.
func isDead(n network.Node) bool {
	switch v := n.(type) {
	case *network.Sink, *network.ReturnInput, *network.ReturnOutput:
		return false
	case *network.Storage:
		return allZero(v.MaxFlow) && allZero(v.MaxVolume)
	case *network.Aquifer:
		return allZero(v.MaxFlow) && allZero(v.MaxVolume)
	}
	return allZero(n.Base().MaxFlow)
}

func allZero(values []float64) bool {
	for _, v := range values {
		if v > 0 {
			return false
		}
	}
	return true
}
