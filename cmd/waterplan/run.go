package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-waterplan/pkg/logging"
	"github.com/dd0wney/cluso-waterplan/pkg/results"
	"github.com/dd0wney/cluso-waterplan/pkg/supervisor"
	"github.com/dd0wney/cluso-waterplan/pkg/validation"
)

// runCommand executes a run in this process, without the run lock, and
// prints its totals.
func runCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Configuration file (YAML)")
	mode := fs.String("mode", "planning", "planning or optimization")
	start := fs.String("start", "", "First day of the horizon (YYYY-MM-DD)")
	steps := fs.Int("steps", 0, "Number of steps")
	granularity := fs.String("granularity", "daily", "daily or monthly")
	deficit := fs.Float64("deficit-weight", 1, "Deficit weight (optimization)")
	co2 := fs.Float64("co2-weight", 1, "CO2 weight (optimization)")
	econ := fs.Float64("econ-weight", 1, "Economic weight (optimization)")
	asJSON := fs.Bool("json", false, "Print the status as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	body := validation.RunRequest{Mode: *mode, Start: *start, Steps: *steps, Granularity: *granularity}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "deficit-weight", "co2-weight", "econ-weight":
			if body.Weights == nil {
				body.Weights = &validation.WeightsRequest{}
			}
		}
		switch f.Name {
		case "deficit-weight":
			body.Weights.Deficit = deficit
		case "co2-weight":
			body.Weights.CO2 = co2
		case "econ-weight":
			body.Weights.Economic = econ
		}
	})
	req, err := supervisor.ParseRunRequest(&body)
	if err != nil {
		return err
	}

	a, err := loadApp(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	req.RunID = uuid.NewString()
	req.SubmittedAt = time.Now().UTC()
	st := supervisor.Status{RunID: req.RunID, StartedAt: req.SubmittedAt}

	totals, err := a.execute(ctx, &req)
	st.FinishedAt = time.Now().UTC()
	if err != nil {
		st.State = supervisor.StateFailed
		st.Error = err.Error()
	} else {
		st.State = supervisor.StateCompleted
		st.Totals = totals
	}

	runDir := filepath.Join(a.cfg.RunsDir, req.RunID)
	if mkErr := os.MkdirAll(runDir, 0o755); mkErr == nil {
		if wErr := supervisor.WriteStatus(runDir, st); wErr != nil {
			a.logger.Warn("failed to write run status", logging.Error(wErr))
		}
	}

	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(st); encErr != nil {
			return encErr
		}
	} else if err == nil {
		printTotals(out, st.RunID, totals)
	}
	return err
}

func printTotals(out io.Writer, runID string, totals *results.Totals) {
	fmt.Fprintf(out, "Run %s\n\n", runID)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "category\tplanned\tachieved\trate %\t")
	for _, ct := range totals.Categories {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", ct.Category, ct.Planned, ct.Achieved, ct.SuppliedRate)
	}
	_ = tw.Flush()
	fmt.Fprintf(out, "\nDeficit: %s%%\n", totals.DeficitPercent)
	if totals.TimedOutSteps > 0 {
		fmt.Fprintf(out, "Timed out steps: %d\n", totals.TimedOutSteps)
	}
	if totals.IncompleteSteps > 0 {
		fmt.Fprintf(out, "Steps stopped on a negative cycle: %d\n", totals.IncompleteSteps)
	}
}
