package network

import "math"

// Kind identifies a node archetype.
type Kind string

const (
	KindStorage      Kind = "storage"
	KindSource       Kind = "source"
	KindDemand       Kind = "demand"
	KindJunction     Kind = "junction"
	KindLossyConduit Kind = "lossy_conduit"
	KindPump         Kind = "pump"
	KindReturnInput  Kind = "return_input"
	KindReturnOutput Kind = "return_output"
	KindAquifer      Kind = "aquifer"
	KindSink         Kind = "sink"
)

// SinkRole distinguishes the network overflow sink from the sink that takes
// return water a ReturnInput cannot accept.
type SinkRole string

const (
	RoleOverflow         SinkRole = "overflow"
	RoleUncapturedReturn SinkRole = "uncaptured_return"
)

// EdgeTag marks the two outgoing edges of a Junction.
type EdgeTag string

const (
	TagNone        EdgeTag = ""
	TagDemandShare EdgeTag = "demand_share"
	TagReturnShare EdgeTag = "return_share"
)

// UncapturedReturnSinkID is the id of the sink Build adds when return
// water is modeled but no uncaptured-return sink was declared.
const UncapturedReturnSinkID = "__uncaptured_return"

// Unbounded is the materialized value of an absent upper bound.
var Unbounded = math.Inf(1)

// NodeBase holds the fields every archetype shares. Bounds are
// materialized per horizon step. Flow bounds are volumes per step (the
// daily rate times the step's days); volume bounds are levels.
type NodeBase struct {
	ID         string
	Label      string
	WaterType  string
	CO2Impact  float64
	EconImpact float64
	MinFlow    []float64
	MaxFlow    []float64

	// Set by cost assignment.
	Cost int64
	Dead bool
}

// Node is implemented by every archetype.
type Node interface {
	Base() *NodeBase
	Kind() Kind
}

func (b *NodeBase) Base() *NodeBase { return b }

// Source injects inflow; MaxFlow is the available inflow per step.
type Source struct {
	NodeBase
}

// Demand consumes water; MaxFlow is the requested flow per step.
type Demand struct {
	NodeBase
	Priority int
}

// Storage is a reservoir. MaxFlow bounds the release per step and the
// volume bounds limit what may be carried to the next step.
type Storage struct {
	NodeBase
	Priority      int
	MinVolume     []float64
	MaxVolume     []float64
	InitialVolume float64

	HoldCost int64
}

// Aquifer is a groundwater reservoir with recharge. MaxFlow bounds extraction.
type Aquifer struct {
	NodeBase
	Priority      int
	MinVolume     []float64
	MaxVolume     []float64
	InitialVolume float64
	Recharge      []float64

	HoldCost int64
}

// Junction splits every unit it passes into a consumed and a returned part.
type Junction struct {
	NodeBase
	DemandShare  float64
	ReturnShare  float64
	DemandTarget string
	ReturnTarget string
}

// LossyConduit delivers (1 - LossFactor) of what enters it.
type LossyConduit struct {
	NodeBase
	LossFactor float64
}

// Pump is a transit element with an energy footprint.
type Pump struct {
	NodeBase
}

// ReturnInput collects return water for one return identity.
type ReturnInput struct {
	NodeBase
	ReturnID string
	Output   string
}

// ReturnOutput releases captured return water back into the network.
type ReturnOutput struct {
	NodeBase
	ReturnID string
	Input    string
}

// Sink absorbs water that is not allocated.
type Sink struct {
	NodeBase
	Role SinkRole
}

func (*Source) Kind() Kind       { return KindSource }
func (*Demand) Kind() Kind       { return KindDemand }
func (*Storage) Kind() Kind      { return KindStorage }
func (*Aquifer) Kind() Kind      { return KindAquifer }
func (*Junction) Kind() Kind     { return KindJunction }
func (*LossyConduit) Kind() Kind { return KindLossyConduit }
func (*Pump) Kind() Kind         { return KindPump }
func (*ReturnInput) Kind() Kind  { return KindReturnInput }
func (*ReturnOutput) Kind() Kind { return KindReturnOutput }
func (*Sink) Kind() Kind         { return KindSink }

// needsPredecessor and needsSuccessor encode the connectivity requirement
// of each archetype.
func needsPredecessor(k Kind) bool {
	switch k {
	case KindDemand, KindSink, KindReturnInput,
		KindStorage, KindJunction, KindLossyConduit, KindPump:
		return true
	}
	return false
}

func needsSuccessor(k Kind) bool {
	switch k {
	case KindSource, KindAquifer, KindReturnOutput,
		KindStorage, KindJunction, KindLossyConduit, KindPump:
		return true
	}
	return false
}

// Edge is a directed connection between two nodes.
type Edge struct {
	From string
	To   string
	Tag  EdgeTag
}

// ReturnPair links the input and output of one return identity.
type ReturnPair struct {
	ID     string
	Input  string
	Output string
}
