package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dd0wney/cluso-waterplan/pkg/config"
	"github.com/dd0wney/cluso-waterplan/pkg/cost"
	"github.com/dd0wney/cluso-waterplan/pkg/logging"
	"github.com/dd0wney/cluso-waterplan/pkg/network"
	"github.com/dd0wney/cluso-waterplan/pkg/planner"
	"github.com/dd0wney/cluso-waterplan/pkg/series"
)

var kindOrder = []network.Kind{
	network.KindSource, network.KindAquifer, network.KindStorage,
	network.KindJunction, network.KindLossyConduit, network.KindPump,
	network.KindDemand, network.KindReturnInput, network.KindReturnOutput,
	network.KindSink,
}

// validateCommand builds the configured topology over a horizon and prints
// its structure and cost summary. Build errors are returned as is.
func validateCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Configuration file (YAML)")
	topologyPath := fs.String("topology", "", "Topology file (overrides config)")
	var seriesPaths []string
	fs.Func("series", "Series CSV file (repeatable, overrides config)", func(s string) error {
		seriesPaths = append(seriesPaths, s)
		return nil
	})
	start := fs.String("start", fmt.Sprintf("%d-01-01", time.Now().Year()), "First day of the horizon (YYYY-MM-DD)")
	steps := fs.Int("steps", 12, "Number of steps")
	granularity := fs.String("granularity", "monthly", "daily or monthly")
	mode := fs.String("mode", "planning", "planning or optimization")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *topologyPath != "" {
		cfg.Topology = *topologyPath
	}
	if len(seriesPaths) > 0 {
		cfg.Series = seriesPaths
	}

	g, err := series.ParseGranularity(*granularity)
	if err != nil {
		return err
	}
	day, err := time.Parse(time.DateOnly, *start)
	if err != nil {
		return fmt.Errorf("--start: %w", err)
	}
	horizon, err := series.NewHorizon(day, *steps, g)
	if err != nil {
		return err
	}
	m, err := cost.ParseMode(*mode)
	if err != nil {
		return err
	}

	logger := logging.NewJSONLogger(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	a := &app{cfg: cfg, logger: logger}
	topology, lib, err := a.loadInputs()
	if err != nil {
		return err
	}

	model, costs, err := planner.New(cfg.Allocator, planner.WithLogger(logger)).Prepare(planner.Request{
		Topology:  topology,
		Library:   lib,
		Horizon:   horizon,
		Mode:      m,
		AllowList: cfg.OrphanAllowList,
	})
	if err != nil {
		return err
	}

	printModel(out, model, costs)
	return nil
}

func printModel(out io.Writer, m *network.Model, costs *cost.Summary) {
	h := m.Horizon()
	fmt.Fprintf(out, "Network %q is valid\n", m.Name())
	fmt.Fprintf(out, "Horizon: %s, %d %s steps\n", h.Start.Format(time.DateOnly), h.Steps, h.Granularity)
	fmt.Fprintf(out, "Nodes: %d, edges: %d, return pairs: %d\n", len(m.Nodes()), len(m.Edges()), len(m.ReturnPairs()))

	for _, k := range kindOrder {
		nodes := m.NodesOfKind(k)
		if len(nodes) == 0 {
			continue
		}
		ids := make([]string, len(nodes))
		for i, n := range nodes {
			ids[i] = n.Base().ID
		}
		fmt.Fprintf(out, "  %-14s %s\n", k, strings.Join(ids, ", "))
	}

	fmt.Fprintf(out, "Order: %s\n", strings.Join(m.TopoOrder(), " -> "))
	fmt.Fprintf(out, "Mode: %s, dearest terminal path: %d\n", costs.Mode, costs.MaxTerminalCost)
	if len(costs.DeadNodes) > 0 {
		fmt.Fprintf(out, "Dead nodes (no capacity over the horizon): %s\n", strings.Join(costs.DeadNodes, ", "))
	}
}
