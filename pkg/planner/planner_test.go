package planner

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-waterplan/pkg/allocator"
	"github.com/dd0wney/cluso-waterplan/pkg/cost"
	"github.com/dd0wney/cluso-waterplan/pkg/network"
	"github.com/dd0wney/cluso-waterplan/pkg/series"
)

func valley() *network.Topology {
	return &network.Topology{
		Name: "valley",
		Nodes: []network.NodeSpec{
			{ID: "river", Kind: network.KindSource, MaxFlow: network.FromSeries("inflow")},
			{ID: "dam", Kind: network.KindStorage, Priority: 3, CO2Impact: 2,
				MaxVolume: network.Const(50), InitialVolume: network.Const(10)},
			{ID: "pump", Kind: network.KindPump, CO2Impact: 4, EconImpact: 3},
			{ID: "city", Kind: network.KindDemand, Priority: 1, MaxFlow: network.Const(8)},
			{ID: "farm", Kind: network.KindDemand, Priority: 2, MaxFlow: network.Const(6), EconImpact: 5},
			{ID: "sea", Kind: network.KindSink},
		},
		Edges: []network.EdgeSpec{
			{From: "river", To: "dam"},
			{From: "dam", To: "pump"},
			{From: "pump", To: "city"},
			{From: "dam", To: "farm"},
			{From: "dam", To: "sea"},
		},
	}
}

func request(t *testing.T, mode cost.Mode, w *cost.Weights) Request {
	t.Helper()
	inflow, err := series.New("inflow", series.Daily, []float64{4, 12, 20, 0, 9})
	require.NoError(t, err)
	h, err := series.NewHorizon(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 5, series.Daily)
	require.NoError(t, err)
	return Request{
		Topology: valley(),
		Library:  series.Library{"inflow": inflow},
		Horizon:  h,
		Mode:     mode,
		Weights:  w,
	}
}

func TestRun_CarriesVolumes(t *testing.T) {
	plan, m, err := New(allocator.DefaultConfig()).Run(context.Background(), request(t, cost.Planning, nil))
	require.NoError(t, err)
	require.Len(t, plan.Steps, m.Steps())
	assert.Empty(t, plan.TimedOutSteps)

	volume := 10.0
	inflows := []float64{4, 12, 20, 0, 9}
	for i, step := range plan.Steps {
		assert.Equal(t, i, step.Step)
		assert.Equal(t, m.Horizon().StepDate(i), step.Date)

		city, _ := step.Node("city")
		farm, _ := step.Node("farm")
		volume += inflows[i] - city.Allocated - farm.Allocated
		assert.InDelta(t, volume, step.Volumes["dam"], 1e-6, "step %d", i)
	}

	// First step: 14 units for 14 requested.
	city, _ := plan.Steps[0].Node("city")
	farm, _ := plan.Steps[0].Node("farm")
	assert.InDelta(t, 8, city.Allocated, 1e-6)
	assert.InDelta(t, 6, farm.Allocated, 1e-6)
}

// Optimization with weights (1, 0, 0) must reproduce Planning exactly.
func TestRun_OptimizationDeficitOnlyMatchesPlanning(t *testing.T) {
	p := New(allocator.DefaultConfig())

	planning, _, err := p.Run(context.Background(), request(t, cost.Planning, nil))
	require.NoError(t, err)
	optimized, _, err := p.Run(context.Background(), request(t, cost.Optimization, &cost.Weights{Deficit: 1}))
	require.NoError(t, err)

	assert.True(t, reflect.DeepEqual(planning.Steps, optimized.Steps))
}

func TestRun_TimeoutContinuesHorizon(t *testing.T) {
	plan, m, err := New(allocator.Config{MaxAugmentations: 1}).Run(context.Background(), request(t, cost.Planning, nil))
	require.NoError(t, err)
	require.Len(t, plan.Steps, m.Steps())
	require.NotEmpty(t, plan.TimedOutSteps)

	for _, i := range plan.TimedOutSteps {
		step := plan.Steps[i]
		assert.True(t, step.TimedOut())
		city, _ := step.Node("city")
		assert.InDelta(t, 8, city.Deficit, 1e-9)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := New(allocator.DefaultConfig()).Run(ctx, request(t, cost.Planning, nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPrepare_BuildError(t *testing.T) {
	req := request(t, cost.Planning, nil)
	req.Library = series.Library{}

	_, _, err := New(allocator.DefaultConfig()).Prepare(req)
	assert.ErrorIs(t, err, network.ErrBuild)

	_, _, err = New(allocator.DefaultConfig()).Prepare(Request{})
	assert.ErrorIs(t, err, network.ErrInvalidTopology)
}

func TestPrepare_InvalidWeights(t *testing.T) {
	_, _, err := New(allocator.DefaultConfig()).Prepare(request(t, cost.Optimization, &cost.Weights{Deficit: 2}))
	assert.ErrorIs(t, err, cost.ErrInvalidWeights)
}

// A monthly step moves the same volume as the month's days run one by one.
func TestRun_MonthlyStepMatchesDailyRun(t *testing.T) {
	topo := &network.Topology{
		Name: "reservoir",
		Nodes: []network.NodeSpec{
			{ID: "river", Kind: network.KindSource, MaxFlow: network.Const(10)},
			{ID: "dam", Kind: network.KindStorage, Priority: 3,
				MaxVolume: network.Const(1000), InitialVolume: network.Const(0)},
			{ID: "town", Kind: network.KindDemand, Priority: 1, MaxFlow: network.Const(2)},
			{ID: "sea", Kind: network.KindSink},
		},
		Edges: []network.EdgeSpec{
			{From: "river", To: "dam"},
			{From: "dam", To: "town"},
			{From: "dam", To: "sea"},
		},
	}
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	run := func(steps int, g series.Granularity) *Plan {
		h, err := series.NewHorizon(start, steps, g)
		require.NoError(t, err)
		plan, _, err := New(allocator.DefaultConfig()).Run(context.Background(), Request{
			Topology: topo,
			Library:  series.Library{},
			Horizon:  h,
			Mode:     cost.Planning,
		})
		require.NoError(t, err)
		return plan
	}

	daily := run(31, series.Daily)
	monthly := run(1, series.Monthly)

	var delivered float64
	for _, step := range daily.Steps {
		town, _ := step.Node("town")
		delivered += town.Allocated
	}
	town, _ := monthly.Steps[0].Node("town")
	assert.InDelta(t, 62, delivered, 1e-6)
	assert.InDelta(t, delivered, town.Allocated, 1e-6)

	assert.InDelta(t, 248, daily.Steps[30].Volumes["dam"], 1e-6)
	assert.InDelta(t, daily.Steps[30].Volumes["dam"], monthly.Steps[0].Volumes["dam"], 1e-6)
}
