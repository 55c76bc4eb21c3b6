package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dd0wney/cluso-waterplan/pkg/config"
	"github.com/dd0wney/cluso-waterplan/pkg/logging"
	"github.com/dd0wney/cluso-waterplan/pkg/metrics"
	"github.com/dd0wney/cluso-waterplan/pkg/network"
	"github.com/dd0wney/cluso-waterplan/pkg/planner"
	"github.com/dd0wney/cluso-waterplan/pkg/results"
	"github.com/dd0wney/cluso-waterplan/pkg/resultstore"
	"github.com/dd0wney/cluso-waterplan/pkg/series"
	"github.com/dd0wney/cluso-waterplan/pkg/supervisor"
)

// app carries what every command shares.
type app struct {
	cfg     *config.Config
	logger  logging.Logger
	metrics *metrics.Registry
}

func loadApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	logging.SetDefaultLogger(logger)
	return &app{cfg: cfg, logger: logger, metrics: metrics.DefaultRegistry()}, nil
}

// loadInputs reads the topology and merges every series file into one
// library. A series name may only be defined once.
func (a *app) loadInputs() (*network.Topology, series.Library, error) {
	topology, err := network.LoadTopology(a.cfg.Topology)
	if err != nil {
		return nil, nil, err
	}

	lib := series.Library{}
	for _, path := range a.cfg.Series {
		loaded, err := series.LoadCSVFile(path)
		if err != nil {
			return nil, nil, err
		}
		for _, name := range loaded.Names() {
			if _, dup := lib[name]; dup {
				return nil, nil, fmt.Errorf("series %q defined twice (again in %s)", name, path)
			}
			lib.Add(loaded[name])
		}
	}
	return topology, lib, nil
}

// openStore returns the file store under the runs directory mirrored to
// Postgres and S3 when configured. An unreachable Postgres is logged and
// skipped; the run directory always keeps the results.
func (a *app) openStore(ctx context.Context) (*resultstore.Mirror, func(), error) {
	files, err := resultstore.NewFileStore(a.cfg.RunsDir, a.metrics)
	if err != nil {
		return nil, nil, err
	}
	mirror := resultstore.NewMirror(files, a.logger)
	closers := []func(){}

	if url := a.cfg.Store.PostgresURL; url != "" {
		pg, err := resultstore.NewPGStore(ctx, url, a.metrics)
		if err != nil {
			a.logger.Warn("postgres result store unavailable", logging.Error(err))
		} else {
			mirror.AddStore(pg)
			closers = append(closers, func() { _ = pg.Close() })
		}
	}

	if s3cfg := a.cfg.Store.S3; s3cfg.Enabled() {
		client, err := resultstore.NewS3Client(ctx, resultstore.S3Options{
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
		})
		if err != nil {
			a.logger.Warn("s3 archive unavailable", logging.Error(err))
		} else {
			mirror.AddArchiver(resultstore.NewS3Archiver(client, s3cfg.Bucket, s3cfg.Prefix, a.metrics))
		}
	}

	return mirror, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

// execute plans req over the configured inputs and persists the result
// set. It is the body of both the worker and the run command.
func (a *app) execute(ctx context.Context, req *supervisor.RunRequest) (*results.Totals, error) {
	log := a.logger.With(logging.RunID(req.RunID))

	topology, lib, err := a.loadInputs()
	if err != nil {
		return nil, err
	}

	p := planner.New(a.cfg.Allocator, planner.WithLogger(log), planner.WithMetrics(a.metrics))
	plan, m, err := p.Run(ctx, planner.Request{
		Topology:  topology,
		Library:   lib,
		Horizon:   req.Horizon,
		Mode:      req.Mode,
		Weights:   req.Weights,
		AllowList: a.cfg.OrphanAllowList,
	})
	if err != nil {
		return nil, err
	}

	rs := resultstore.NewResultSet(req.RunID, plan, m)
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	if err := store.Save(ctx, rs); err != nil {
		if !errors.Is(err, resultstore.ErrPartialSave) {
			return nil, fmt.Errorf("save results: %w", err)
		}
		log.Warn("results kept in the run directory only", logging.Error(err))
	}

	pct, _ := rs.Totals.DeficitPercent.Float64()
	log.Info("plan saved",
		logging.Count(len(rs.Rows)),
		logging.Float64("deficit_percent", pct),
		logging.Int("timed_out_steps", rs.Totals.TimedOutSteps),
		logging.Int("incomplete_steps", rs.Totals.IncompleteSteps))
	return &rs.Totals, nil
}
