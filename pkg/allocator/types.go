package allocator

import (
	"errors"
	"maps"
	"time"

	"github.com/dd0wney/cluso-waterplan/pkg/network"
)

var (
	// ErrStepTimeout is returned, wrapped, when a step needs more
	// augmentations than the configured limit. The accompanying result
	// records the step as fully undelivered.
	ErrStepTimeout = errors.New("step exceeded augmentation limit")

	ErrStepOutOfRange = errors.New("step outside horizon")
	ErrUnbounded      = errors.New("augmenting path has no finite bottleneck")
)

// Quantum is the resolution of reported flows.
const Quantum = 1e-9

// Config bounds the work done per step.
type Config struct {
	MaxAugmentations  int     `yaml:"max_augmentations" json:"max_augmentations"`
	Epsilon           float64 `yaml:"epsilon" json:"epsilon"`
	BellmanFordRounds int     `yaml:"bellman_ford_rounds" json:"bellman_ford_rounds"`
}

// DefaultConfig returns the limits used when none are configured.
// Zero BellmanFordRounds means one round per residual vertex.
func DefaultConfig() Config {
	return Config{
		MaxAugmentations:  10000,
		Epsilon:           1e-9,
		BellmanFordRounds: 0,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAugmentations <= 0 {
		c.MaxAugmentations = d.MaxAugmentations
	}
	if c.Epsilon <= 0 {
		c.Epsilon = d.Epsilon
	}
	if c.BellmanFordRounds < 0 {
		c.BellmanFordRounds = 0
	}
	return c
}

// Phase is the state of a step.
type Phase string

const (
	PhaseReady      Phase = "ready"
	PhaseAugmenting Phase = "augmenting"
	PhaseSaturated  Phase = "saturated"
	PhaseTimedOut   Phase = "timed_out"

	// PhaseNegativeCycle marks a step cut short because the path search
	// met a negative-cost cycle. Its flows are valid but may leave
	// deliverable water undelivered.
	PhaseNegativeCycle Phase = "negative_cycle"
)

// Volumes maps reservoir ids to stored volume.
type Volumes map[string]float64

// Clone returns an independent copy.
func (v Volumes) Clone() Volumes {
	return maps.Clone(v)
}

// NodeFlow is the outcome of one step for one node.
//
// For every node other than Demands and Sinks,
// Inflow + Drawn == Outflow + Held + Loss.
type NodeFlow struct {
	NodeID string       `json:"node_id"`
	Kind   network.Kind `json:"kind"`

	// Water arriving over edges, and for return nodes over the implicit
	// return link.
	Inflow float64 `json:"inflow"`
	// Water taken from the node's own supply: river inflow, reservoir stock.
	Drawn float64 `json:"drawn"`
	// Water offered by the node's own supply this step.
	Available float64 `json:"available"`
	Outflow   float64 `json:"outflow"`
	Held      float64 `json:"held"`
	Loss      float64 `json:"loss"`

	// Throughput for transit elements, delivery for Demands, absorption for
	// Sinks.
	Allocated float64 `json:"allocated"`
	Cost      int64   `json:"cost"`
	MinFlow   float64 `json:"min_flow"`
	MaxFlow   float64 `json:"max_flow"` // zero when unbounded

	Requested float64 `json:"requested,omitempty"`
	Deficit   float64 `json:"deficit,omitempty"`
	Volume    float64 `json:"volume,omitempty"`
}

// EdgeFlow is the flow carried by an edge in one step. Virtual edges are
// the implicit links from a ReturnInput to its ReturnOutput and to the
// uncaptured-return sink.
type EdgeFlow struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Tag     network.EdgeTag `json:"tag,omitempty"`
	Flow    float64         `json:"flow"`
	Virtual bool            `json:"virtual,omitempty"`
}

// StepResult is the allocation for one horizon step.
type StepResult struct {
	Step          int        `json:"step"`
	Date          time.Time  `json:"date"`
	Phase         Phase      `json:"phase"`
	Augmentations int        `json:"augmentations"`
	Nodes         []NodeFlow `json:"nodes"`
	Edges         []EdgeFlow `json:"edges"`

	// Reservoir volumes at the end of the step.
	Volumes Volumes `json:"volumes"`
}

// TimedOut reports whether the step was abandoned.
func (r *StepResult) TimedOut() bool {
	return r.Phase == PhaseTimedOut
}

// StoppedEarly reports whether augmentation ended on a negative cycle
// rather than on an exhausted network.
func (r *StepResult) StoppedEarly() bool {
	return r.Phase == PhaseNegativeCycle
}

// Node returns the flow record for id.
func (r *StepResult) Node(id string) (NodeFlow, bool) {
	for _, n := range r.Nodes {
		if n.NodeID == id {
			return n, true
		}
	}
	return NodeFlow{}, false
}

// InitialVolumes returns the starting volume of every reservoir in m.
func InitialVolumes(m *network.Model) Volumes {
	v := make(Volumes)
	for _, n := range m.Nodes() {
		switch r := n.(type) {
		case *network.Storage:
			v[r.ID] = r.InitialVolume
		case *network.Aquifer:
			v[r.ID] = r.InitialVolume
		}
	}
	return v
}
