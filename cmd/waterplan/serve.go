package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/dd0wney/cluso-waterplan/pkg/api"
	"github.com/dd0wney/cluso-waterplan/pkg/health"
	"github.com/dd0wney/cluso-waterplan/pkg/logging"
	"github.com/dd0wney/cluso-waterplan/pkg/resultstore"
	"github.com/dd0wney/cluso-waterplan/pkg/supervisor"
)

func serveCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Configuration file (YAML)")
	port := fs.Int("port", 0, "HTTP port (overrides config and PORT)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := loadApp(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		a.cfg.Server.Port = *port
	}

	// Workers re-read the same configuration file.
	workerConfig := ""
	if *configPath != "" {
		if workerConfig, err = filepath.Abs(*configPath); err != nil {
			return err
		}
	}
	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate worker binary: %w", err)
	}

	sup, err := supervisor.New(a.cfg.StateDir, a.cfg.RunsDir,
		supervisor.NewExecLauncher(supervisor.WorkerCommand(binary, workerConfig)),
		supervisor.WithLogger(a.logger),
		supervisor.WithMetrics(a.metrics))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hc, closeChecks := a.healthChecker(ctx, sup)
	defer closeChecks()

	a.logger.Info("waterplan starting",
		logging.String("version", version),
		logging.Int("port", a.cfg.Server.Port),
		logging.Path(a.cfg.RunsDir))

	server := api.NewServer(sup, a.metrics, a.cfg.Server,
		api.WithLogger(a.logger),
		api.WithHealthChecker(hc))
	return server.Start(ctx)
}

// healthChecker registers the service checks. The Postgres check keeps its
// own pool, closed by the returned func.
func (a *app) healthChecker(ctx context.Context, sup *supervisor.Supervisor) (*health.HealthChecker, func()) {
	hc := health.NewHealthChecker()
	closeFn := func() {}

	hc.RegisterLivenessCheck("api", func() health.Check {
		return health.Check{Status: health.StatusHealthy, Message: "Serving"}
	})

	hc.RegisterReadinessCheck("state_dir", health.WritableDirCheck("state_dir", a.cfg.StateDir))
	hc.RegisterReadinessCheck("runs_dir", health.WritableDirCheck("runs_dir", a.cfg.RunsDir))

	if url := a.cfg.Store.PostgresURL; url != "" {
		pg, err := resultstore.NewPGStore(ctx, url, a.metrics)
		if err != nil {
			a.logger.Warn("postgres result store unavailable", logging.Error(err))
			hc.RegisterCheck("postgres", health.StoreCheck("postgres", func(context.Context) error { return err }))
		} else {
			hc.RegisterCheck("postgres", health.StoreCheck("postgres", pg.Ping))
			closeFn = func() { _ = pg.Close() }
		}
	}

	hc.RegisterCheck("run_lock", health.RunLockCheck(func() (health.RunLockState, error) {
		rec, err := sup.Active()
		if err != nil || rec == nil {
			return health.RunLockState{}, err
		}
		return health.RunLockState{Held: true, RunID: rec.RunID, PID: rec.PID, StartedAt: rec.StartedAt}, nil
	}))
	hc.RegisterCheck("disk_space", health.DiskSpaceCheck(a.cfg.RunsDir))
	hc.RegisterCheck("memory", health.MemoryCheck(func() (uint64, uint64) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return m.Alloc, m.Sys
	}))

	return hc, closeFn
}
