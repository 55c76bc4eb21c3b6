package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/dd0wney/cluso-waterplan/pkg/logging"
	"github.com/dd0wney/cluso-waterplan/pkg/supervisor"
)

func workerCommand(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	configPath := fs.String("config", "", "Configuration file (YAML)")
	runDir := fs.String("run-dir", "", "Run directory holding request.json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runDir == "" {
		return errors.New("--run-dir is required")
	}

	a, err := loadApp(*configPath)
	if err != nil {
		return err
	}

	// The worker has its own process group; SIGTERM is the only way to
	// stop it short of SIGKILL.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	a.logger.Info("worker starting", logging.Path(*runDir), logging.PID(os.Getpid()))
	return supervisor.Work(ctx, a.cfg.StateDir, *runDir, a.execute, a.logger)
}
