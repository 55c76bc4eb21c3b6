// Package results rolls per-step allocations into per-node time series and
// run totals.
package results

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/dd0wney/cluso-waterplan/pkg/allocator"
	"github.com/dd0wney/cluso-waterplan/pkg/network"
	"github.com/dd0wney/cluso-waterplan/pkg/series"
)

// Unclassified is the water type of flow whose origin declares none.
const Unclassified = "unclassified"

// Category groups nodes for totals.
type Category string

const (
	CategorySource  Category = "source"
	CategoryAquifer Category = "aquifer"
	CategoryDemand  Category = "demand"
	CategoryReturn  Category = "return"
)

// Categories lists categories in report order.
var Categories = []Category{CategorySource, CategoryAquifer, CategoryDemand, CategoryReturn}

// NodeSeries is one node's allocation across the horizon.
type NodeSeries struct {
	NodeID    string       `json:"node_id"`
	Kind      network.Kind `json:"kind"`
	Allocated []float64    `json:"allocated"`
	Cost      []int64      `json:"cost"`
	MinFlow   []float64    `json:"min_flow"`
	MaxFlow   []float64    `json:"max_flow"`
	Volume    []float64    `json:"volume,omitempty"`
}

// DemandPoint is one Demand's outcome for one step.
type DemandPoint struct {
	Step           int                `json:"step"`
	Date           time.Time          `json:"date"`
	Supplied       float64            `json:"supplied"`
	Requested      float64            `json:"requested"`
	Deficit        float64            `json:"deficit"`
	DeficitPercent float64            `json:"deficit_percent"`
	WaterTypes     map[string]float64 `json:"water_types,omitempty"`
}

// DemandSeries is one Demand's outcome across the horizon.
type DemandSeries struct {
	NodeID         string             `json:"node_id"`
	Points         []DemandPoint      `json:"points"`
	Supplied       float64            `json:"supplied"`
	Requested      float64            `json:"requested"`
	Deficit        float64            `json:"deficit"`
	DeficitPercent float64            `json:"deficit_percent"`
	WaterTypes     map[string]float64 `json:"water_types,omitempty"`
}

// PerNodeSeries holds every node in declaration order and every Demand.
type PerNodeSeries struct {
	Dates   []time.Time    `json:"dates"`
	Nodes   []NodeSeries   `json:"nodes"`
	Demands []DemandSeries `json:"demands"`
}

// CategoryTotal compares what was planned with what was achieved.
type CategoryTotal struct {
	Category     Category        `json:"category"`
	Planned      decimal.Decimal `json:"planned"`
	Achieved     decimal.Decimal `json:"achieved"`
	SuppliedRate decimal.Decimal `json:"supplied_rate"`
}

// Totals are run-wide sums.
type Totals struct {
	Categories     []CategoryTotal `json:"categories"`
	DeficitPercent decimal.Decimal `json:"deficit_percent"`
	TimedOutSteps  int             `json:"timed_out_steps"`

	// Steps whose allocation stopped on a negative cycle.
	IncompleteSteps int `json:"incomplete_steps,omitempty"`
}

// Category returns the total for c.
func (t Totals) Category(c Category) CategoryTotal {
	for _, ct := range t.Categories {
		if ct.Category == c {
			return ct
		}
	}
	return CategoryTotal{Category: c}
}

// totalsPlaces is the precision totals are rounded to.
const totalsPlaces = 6

// Aggregate rolls steps into per-node series and totals. It reads its
// inputs only, so identical inputs give identical outputs.
func Aggregate(steps []allocator.StepResult, m *network.Model, h series.Horizon) (PerNodeSeries, Totals) {
	nodes := m.Nodes()
	out := PerNodeSeries{
		Dates: make([]time.Time, len(steps)),
		Nodes: make([]NodeSeries, len(nodes)),
	}
	for i, n := range nodes {
		out.Nodes[i] = NodeSeries{
			NodeID:    n.Base().ID,
			Kind:      n.Kind(),
			Allocated: make([]float64, len(steps)),
			Cost:      make([]int64, len(steps)),
			MinFlow:   make([]float64, len(steps)),
			MaxFlow:   make([]float64, len(steps)),
		}
		if isReservoir(n) {
			out.Nodes[i].Volume = make([]float64, len(steps))
		}
	}

	sums := make(map[Category]*[2]decimal.Decimal, len(Categories))
	for _, c := range Categories {
		sums[c] = &[2]decimal.Decimal{}
	}
	add := func(c Category, planned, achieved float64) {
		s := sums[c]
		s[0] = s[0].Add(decimal.NewFromFloat(planned))
		s[1] = s[1].Add(decimal.NewFromFloat(achieved))
	}

	demandIdx := make(map[string]int)
	for _, n := range nodes {
		if n.Kind() == network.KindDemand {
			demandIdx[n.Base().ID] = len(out.Demands)
			out.Demands = append(out.Demands, DemandSeries{NodeID: n.Base().ID})
		}
	}

	var timedOut, incomplete int
	for s, step := range steps {
		out.Dates[s] = h.StepDate(step.Step)
		if step.TimedOut() {
			timedOut++
		}
		if step.StoppedEarly() {
			incomplete++
		}
		edgeFlows := indexEdges(step.Edges)

		for i, n := range nodes {
			nf, ok := step.Node(n.Base().ID)
			if !ok {
				continue
			}
			ns := &out.Nodes[i]
			ns.Allocated[s] = nf.Allocated
			ns.Cost[s] = nf.Cost
			ns.MinFlow[s] = nf.MinFlow
			ns.MaxFlow[s] = nf.MaxFlow
			if ns.Volume != nil {
				ns.Volume[s] = nf.Volume
			}

			switch n.Kind() {
			case network.KindSource:
				add(CategorySource, nf.Available, nf.Drawn)
			case network.KindAquifer:
				add(CategoryAquifer, nf.Available, nf.Allocated)
			case network.KindReturnInput:
				captured := edgeFlows[edgeKey{n.Base().ID, n.(*network.ReturnInput).Output}]
				add(CategoryReturn, nf.Inflow, captured)
			case network.KindDemand:
				add(CategoryDemand, nf.Requested, nf.Allocated)
				ds := &out.Demands[demandIdx[nf.NodeID]]
				ds.Points = append(ds.Points, DemandPoint{
					Step:           step.Step,
					Date:           out.Dates[s],
					Supplied:       nf.Allocated,
					Requested:      nf.Requested,
					Deficit:        nf.Deficit,
					DeficitPercent: DeficitPercent(nf.Deficit, nf.Requested),
					WaterTypes:     waterTypes(m, nf.NodeID, edgeFlows),
				})
			}
		}
	}

	for i := range out.Demands {
		rollUp(&out.Demands[i])
	}

	totals := Totals{TimedOutSteps: timedOut, IncompleteSteps: incomplete}
	for _, c := range Categories {
		s := sums[c]
		totals.Categories = append(totals.Categories, CategoryTotal{
			Category:     c,
			Planned:      s[0].Round(totalsPlaces),
			Achieved:     s[1].Round(totalsPlaces),
			SuppliedRate: rate(s[1], s[0]),
		})
	}
	demand := sums[CategoryDemand]
	short := demand[0].Sub(demand[1])
	if short.IsNegative() {
		short = decimal.Zero
	}
	totals.DeficitPercent = rate(short, demand[0])

	return out, totals
}

// DeficitPercent is deficit as a percentage of requested, 0 when nothing
// was requested and clamped to [0, 100].
func DeficitPercent(deficit, requested float64) float64 {
	if requested <= 0 {
		return 0
	}
	p := deficit / requested * 100
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// rate is part/whole as a clamped percentage, 0 for an empty whole.
func rate(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	hundred := decimal.NewFromInt(100)
	p := part.Mul(hundred).DivRound(whole, totalsPlaces)
	if p.IsNegative() {
		return decimal.Zero
	}
	if p.GreaterThan(hundred) {
		return hundred
	}
	return p
}

func rollUp(ds *DemandSeries) {
	var supplied, requested decimal.Decimal
	for _, p := range ds.Points {
		supplied = supplied.Add(decimal.NewFromFloat(p.Supplied))
		requested = requested.Add(decimal.NewFromFloat(p.Requested))
		for wt, v := range p.WaterTypes {
			if ds.WaterTypes == nil {
				ds.WaterTypes = make(map[string]float64)
			}
			ds.WaterTypes[wt] += v
		}
	}
	ds.Supplied = supplied.Round(totalsPlaces).InexactFloat64()
	ds.Requested = requested.Round(totalsPlaces).InexactFloat64()
	deficit := requested.Sub(supplied)
	if deficit.IsNegative() {
		deficit = decimal.Zero
	}
	ds.Deficit = deficit.Round(totalsPlaces).InexactFloat64()
	ds.DeficitPercent = DeficitPercent(ds.Deficit, ds.Requested)
}

type edgeKey struct{ from, to string }

func indexEdges(edges []allocator.EdgeFlow) map[edgeKey]float64 {
	idx := make(map[edgeKey]float64, len(edges))
	for _, e := range edges {
		idx[edgeKey{e.From, e.To}] += e.Flow
	}
	return idx
}

// waterTypes splits what a Demand received by the water type of each
// immediate predecessor. Flow on a Junction's demand-share edge carries the
// Junction's type.
func waterTypes(m *network.Model, demand string, flows map[edgeKey]float64) map[string]float64 {
	var mix map[string]float64
	for _, e := range m.InEdges(demand) {
		f := flows[edgeKey{e.From, e.To}]
		if f == 0 {
			continue
		}
		wt := Unclassified
		if pred, ok := m.Node(e.From); ok && pred.Base().WaterType != "" {
			wt = pred.Base().WaterType
		}
		if mix == nil {
			mix = make(map[string]float64)
		}
		mix[wt] += f
	}
	return mix
}

func isReservoir(n network.Node) bool {
	k := n.Kind()
	return k == network.KindStorage || k == network.KindAquifer
}
