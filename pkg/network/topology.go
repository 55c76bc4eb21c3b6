package network

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Topology is the static description of a network as read from YAML.
type Topology struct {
	Name         string     `yaml:"name"`
	Nodes        []NodeSpec `yaml:"nodes"`
	Edges        []EdgeSpec `yaml:"edges"`
	AllowOrphans []string   `yaml:"allow_orphans"`
}

// BoundSpec is either a reference to a named series or a constant. In YAML
// a bare number is a constant and a bare string is a series name.
type BoundSpec struct {
	Series   string   `yaml:"series,omitempty"`
	Constant *float64 `yaml:"constant,omitempty"`
}

// Const returns a constant bound.
func Const(v float64) *BoundSpec { return &BoundSpec{Constant: &v} }

// FromSeries returns a bound backed by the named series.
func FromSeries(name string) *BoundSpec { return &BoundSpec{Series: name} }

// UnmarshalYAML accepts the scalar shorthand as well as the mapping form.
func (b *BoundSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		if v, err := strconv.ParseFloat(value.Value, 64); err == nil {
			b.Constant = &v
			return nil
		}
		b.Series = value.Value
		return nil
	}

	type plain BoundSpec
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	if p.Series != "" && p.Constant != nil {
		return fmt.Errorf("line %d: bound sets both series and constant", value.Line)
	}
	*b = BoundSpec(p)
	return nil
}

func (b *BoundSpec) String() string {
	switch {
	case b == nil:
		return "<none>"
	case b.Constant != nil:
		return strconv.FormatFloat(*b.Constant, 'g', -1, 64)
	default:
		return "series:" + b.Series
	}
}

// NodeSpec declares one node. Fields that do not apply to the node's kind
// are ignored.
type NodeSpec struct {
	ID        string `yaml:"id" validate:"required,element_id"`
	Kind      Kind   `yaml:"kind" validate:"required,oneof=storage source demand junction lossy_conduit pump return_input return_output aquifer sink"`
	Label     string `yaml:"label,omitempty"`
	WaterType string `yaml:"water_type,omitempty" validate:"omitempty,max=64"`

	MinFlow *BoundSpec `yaml:"min_flow,omitempty"`
	MaxFlow *BoundSpec `yaml:"max_flow,omitempty"`

	// Rank of a Demand or a reservoir hold, 1 served first. A reservoir
	// without one holds only what no Demand takes.
	Priority   int     `yaml:"priority,omitempty" validate:"gte=0"`
	CO2Impact  float64 `yaml:"co2_impact,omitempty" validate:"gte=0"`
	EconImpact float64 `yaml:"econ_impact,omitempty" validate:"gte=0"`

	DemandShare float64 `yaml:"demand_share,omitempty" validate:"gte=0,lte=1"`
	ReturnShare float64 `yaml:"return_share,omitempty" validate:"gte=0,lte=1"`
	LossFactor  float64 `yaml:"loss_factor,omitempty" validate:"gte=0,lt=1"`

	ReturnID string   `yaml:"return_id,omitempty" validate:"omitempty,element_id"`
	Role     SinkRole `yaml:"role,omitempty" validate:"omitempty,oneof=overflow uncaptured_return"`

	MinVolume     *BoundSpec `yaml:"min_volume,omitempty"`
	MaxVolume     *BoundSpec `yaml:"max_volume,omitempty"`
	InitialVolume *BoundSpec `yaml:"initial_volume,omitempty"`
	Recharge      *BoundSpec `yaml:"recharge,omitempty"`
}

// EdgeSpec declares one directed edge.
type EdgeSpec struct {
	From string  `yaml:"from" validate:"required,element_id"`
	To   string  `yaml:"to" validate:"required,element_id"`
	Tag  EdgeTag `yaml:"tag,omitempty" validate:"omitempty,oneof=demand_share return_share"`
}

// LoadTopology reads a topology YAML file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology %s: %w", path, err)
	}
	t, err := ParseTopology(data)
	if err != nil {
		return nil, fmt.Errorf("topology %s: %w", path, err)
	}
	return t, nil
}

// ParseTopology decodes topology YAML. Unknown fields are rejected so that
// misspelled attributes do not silently fall back to defaults.
func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTopology, err)
	}
	if len(t.Nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes declared", ErrInvalidTopology)
	}
	return &t, nil
}
