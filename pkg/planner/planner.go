// Package planner drives the allocator over a horizon, one step at a time
// in calendar order, carrying reservoir volumes from step to step.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-waterplan/pkg/allocator"
	"github.com/dd0wney/cluso-waterplan/pkg/cost"
	"github.com/dd0wney/cluso-waterplan/pkg/logging"
	"github.com/dd0wney/cluso-waterplan/pkg/metrics"
	"github.com/dd0wney/cluso-waterplan/pkg/network"
	"github.com/dd0wney/cluso-waterplan/pkg/series"
)

// Request describes one plan.
type Request struct {
	Topology  *network.Topology
	Library   series.Library
	Horizon   series.Horizon
	Mode      cost.Mode
	Weights   *cost.Weights
	AllowList []string
}

// Plan is the outcome of a run.
type Plan struct {
	Name            string                 `json:"name"`
	Mode            cost.Mode              `json:"mode"`
	Weights         cost.Weights           `json:"weights"`
	Horizon         series.Horizon         `json:"horizon"`
	Costs           *cost.Summary          `json:"costs"`
	Steps           []allocator.StepResult `json:"steps"`
	TimedOutSteps   []int                  `json:"timed_out_steps,omitempty"`
	IncompleteSteps []int                  `json:"incomplete_steps,omitempty"`
	StartedAt       time.Time              `json:"started_at"`
	CompletedAt     time.Time              `json:"completed_at"`
}

// Planner builds models and runs them.
type Planner struct {
	cfg     allocator.Config
	logger  logging.Logger
	metrics *metrics.Registry
}

// Option configures a Planner.
type Option func(*Planner)

func WithLogger(l logging.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

func WithMetrics(r *metrics.Registry) Option {
	return func(p *Planner) { p.metrics = r }
}

// New returns a planner whose steps are bounded by cfg.
func New(cfg allocator.Config, opts ...Option) *Planner {
	p := &Planner{cfg: cfg, logger: logging.NewNopLogger()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Prepare builds the network model for req and assigns its costs.
func (p *Planner) Prepare(req Request) (*network.Model, *cost.Summary, error) {
	if req.Topology == nil {
		return nil, nil, fmt.Errorf("%w: no topology", network.ErrInvalidTopology)
	}
	m, err := network.Build(req.Topology, req.Library, req.Horizon,
		network.WithAllowList(req.AllowList...),
		network.WithLogger(p.logger))
	if err != nil {
		return nil, nil, err
	}
	costs, err := cost.AssignCosts(m, req.Mode, req.Weights)
	if err != nil {
		return nil, nil, fmt.Errorf("assign costs: %w", err)
	}
	return m, costs, nil
}

// Run prepares and executes req.
func (p *Planner) Run(ctx context.Context, req Request) (*Plan, *network.Model, error) {
	m, costs, err := p.Prepare(req)
	if err != nil {
		return nil, nil, err
	}
	plan, err := p.Execute(ctx, m, costs)
	if err != nil {
		return nil, nil, err
	}
	return plan, m, nil
}

// Execute solves every step of m. A step that times out is recorded as
// undelivered and the horizon continues; a step stopped on a negative
// cycle keeps its flows and is listed in IncompleteSteps. Any other error
// aborts.
func (p *Planner) Execute(ctx context.Context, m *network.Model, costs *cost.Summary) (*Plan, error) {
	log := p.logger.With(logging.Component("planner"), logging.Mode(string(costs.Mode)))
	timer := logging.StartTimer(log, "plan executed", logging.Int("steps", m.Steps()))

	a := allocator.New(m, costs, p.cfg,
		allocator.WithLogger(p.logger),
		allocator.WithMetrics(p.metrics))

	plan := &Plan{
		Name:      m.Name(),
		Mode:      costs.Mode,
		Weights:   costs.Weights,
		Horizon:   m.Horizon(),
		Costs:     costs,
		Steps:     make([]allocator.StepResult, 0, m.Steps()),
		StartedAt: time.Now().UTC(),
	}

	volumes := allocator.InitialVolumes(m)
	for t := 0; t < m.Steps(); t++ {
		res, err := a.Solve(ctx, t, volumes)
		switch {
		case errors.Is(err, allocator.ErrStepTimeout):
			log.Warn("step recorded as undelivered", logging.Step(t), logging.Error(err))
			plan.TimedOutSteps = append(plan.TimedOutSteps, t)
		case err != nil:
			timer.EndError(err)
			return nil, fmt.Errorf("step %d: %w", t, err)
		}
		if res.StoppedEarly() {
			log.Warn("step stopped on a negative cycle", logging.Step(t))
			plan.IncompleteSteps = append(plan.IncompleteSteps, t)
		}
		plan.Steps = append(plan.Steps, *res)
		volumes = res.Volumes
	}

	plan.CompletedAt = time.Now().UTC()
	timer.End(logging.Int("timed_out_steps", len(plan.TimedOutSteps)),
		logging.Int("incomplete_steps", len(plan.IncompleteSteps)))
	return plan, nil
}
