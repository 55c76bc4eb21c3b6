// Package resultstore persists the result set of a run: one row per node
// and step, run totals and run metadata.
package resultstore

import (
	"context"
	"errors"
	"time"

	"github.com/dd0wney/cluso-waterplan/pkg/allocator"
	"github.com/dd0wney/cluso-waterplan/pkg/cost"
	"github.com/dd0wney/cluso-waterplan/pkg/network"
	"github.com/dd0wney/cluso-waterplan/pkg/planner"
	"github.com/dd0wney/cluso-waterplan/pkg/results"
	"github.com/dd0wney/cluso-waterplan/pkg/series"
)

var (
	ErrNotFound = errors.New("result set not found")
	ErrCorrupt  = errors.New("result set corrupt")
)

// Row is the allocation of one node in one step.
type Row struct {
	NodeID    string       `json:"node_id"`
	Kind      network.Kind `json:"kind"`
	Step      int          `json:"step"`
	Date      time.Time    `json:"date"`
	Flow      float64      `json:"flow"`
	Cost      int64        `json:"cost"`
	MinFlow   float64      `json:"min_flow"`
	MaxFlow   float64      `json:"max_flow"`
	Requested float64      `json:"requested"`
	Deficit   float64      `json:"deficit"`
	Volume    float64      `json:"volume"`
}

// Metadata describes the run that produced a result set.
type Metadata struct {
	RunID           string         `json:"run_id"`
	Network         string         `json:"network"`
	Mode            cost.Mode      `json:"mode"`
	Weights         cost.Weights   `json:"weights"`
	Horizon         series.Horizon `json:"horizon"`
	CreatedAt       time.Time      `json:"created_at"`
	CompletedAt     time.Time      `json:"completed_at"`
	TimedOutSteps   []int          `json:"timed_out_steps,omitempty"`
	IncompleteSteps []int          `json:"incomplete_steps,omitempty"`
}

// ResultSet is everything persisted for one run.
type ResultSet struct {
	Metadata Metadata               `json:"metadata"`
	Totals   results.Totals         `json:"totals"`
	Demands  []results.DemandSeries `json:"demands"`
	Rows     []Row                  `json:"-"`
}

// Store persists result sets.
type Store interface {
	Save(ctx context.Context, rs *ResultSet) error
	Load(ctx context.Context, runID string) (*ResultSet, error)
}

// NewResultSet flattens a plan into rows and aggregates its totals.
func NewResultSet(runID string, plan *planner.Plan, m *network.Model) *ResultSet {
	perNode, totals := results.Aggregate(plan.Steps, m, plan.Horizon)

	rs := &ResultSet{
		Metadata: Metadata{
			RunID:           runID,
			Network:         plan.Name,
			Mode:            plan.Mode,
			Weights:         plan.Weights,
			Horizon:         plan.Horizon,
			CreatedAt:       plan.StartedAt,
			CompletedAt:     plan.CompletedAt,
			TimedOutSteps:   plan.TimedOutSteps,
			IncompleteSteps: plan.IncompleteSteps,
		},
		Totals:  totals,
		Demands: perNode.Demands,
		Rows:    make([]Row, 0, len(plan.Steps)*len(m.Nodes())),
	}
	for _, step := range plan.Steps {
		rs.Rows = append(rs.Rows, rowsOf(&step)...)
	}
	return rs
}

func rowsOf(step *allocator.StepResult) []Row {
	rows := make([]Row, len(step.Nodes))
	for i, n := range step.Nodes {
		rows[i] = Row{
			NodeID:    n.NodeID,
			Kind:      n.Kind,
			Step:      step.Step,
			Date:      step.Date,
			Flow:      n.Allocated,
			Cost:      n.Cost,
			MinFlow:   n.MinFlow,
			MaxFlow:   n.MaxFlow,
			Requested: n.Requested,
			Deficit:   n.Deficit,
			Volume:    n.Volume,
		}
	}
	return rows
}
