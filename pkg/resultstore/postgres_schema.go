package resultstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dd0wney/cluso-waterplan/pkg/cost"
	"github.com/dd0wney/cluso-waterplan/pkg/results"
	"github.com/dd0wney/cluso-waterplan/pkg/series"
)

// migrate creates the result tables. Decimal totals are stored as text so
// they round-trip exactly.
func (s *PGStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		network TEXT NOT NULL,
		mode TEXT NOT NULL,
		weights JSONB NOT NULL,
		horizon_start TIMESTAMPTZ NOT NULL,
		horizon_steps INTEGER NOT NULL,
		granularity TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ NOT NULL,
		timed_out_steps JSONB,
		incomplete_steps JSONB,
		deficit_percent TEXT NOT NULL,
		demands JSONB
	);

	ALTER TABLE runs ADD COLUMN IF NOT EXISTS incomplete_steps JSONB;

	CREATE TABLE IF NOT EXISTS run_totals (
		ordinal BIGSERIAL,
		run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		category TEXT NOT NULL,
		planned TEXT NOT NULL,
		achieved TEXT NOT NULL,
		supplied_rate TEXT NOT NULL,
		PRIMARY KEY (run_id, category)
	);

	CREATE TABLE IF NOT EXISTS run_rows (
		ordinal BIGSERIAL,
		run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		node_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		step INTEGER NOT NULL,
		date TIMESTAMPTZ NOT NULL,
		flow DOUBLE PRECISION NOT NULL,
		cost BIGINT NOT NULL,
		min_flow DOUBLE PRECISION NOT NULL,
		max_flow DOUBLE PRECISION NOT NULL,
		requested DOUBLE PRECISION NOT NULL,
		deficit DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (run_id, step, node_id)
	);

	CREATE INDEX IF NOT EXISTS idx_run_rows_node ON run_rows(run_id, node_id);
	CREATE INDEX IF NOT EXISTS idx_runs_completed_at ON runs(completed_at);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

func decodeRun(rs *ResultSet, mode, granularity, deficit string, weights, timedOut, incomplete, demands []byte) error {
	m := &rs.Metadata
	m.Mode = cost.Mode(mode)
	m.Horizon.Granularity = series.Granularity(granularity)
	m.Horizon.Start = m.Horizon.Start.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	m.CompletedAt = m.CompletedAt.UTC()

	if err := json.Unmarshal(weights, &m.Weights); err != nil {
		return fmt.Errorf("%w: weights: %v", ErrCorrupt, err)
	}
	if len(timedOut) > 0 {
		if err := json.Unmarshal(timedOut, &m.TimedOutSteps); err != nil {
			return fmt.Errorf("%w: timed out steps: %v", ErrCorrupt, err)
		}
	}
	if len(incomplete) > 0 {
		if err := json.Unmarshal(incomplete, &m.IncompleteSteps); err != nil {
			return fmt.Errorf("%w: incomplete steps: %v", ErrCorrupt, err)
		}
	}
	if len(demands) > 0 {
		if err := json.Unmarshal(demands, &rs.Demands); err != nil {
			return fmt.Errorf("%w: demands: %v", ErrCorrupt, err)
		}
	}
	d, err := decimal.NewFromString(deficit)
	if err != nil {
		return fmt.Errorf("%w: deficit percent: %v", ErrCorrupt, err)
	}
	rs.Totals.DeficitPercent = d
	rs.Totals.TimedOutSteps = len(m.TimedOutSteps)
	rs.Totals.IncompleteSteps = len(m.IncompleteSteps)
	return nil
}

func categoryTotal(category, planned, achieved, rate string) (results.CategoryTotal, error) {
	ct := results.CategoryTotal{Category: results.Category(category)}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&ct.Planned, planned}, {&ct.Achieved, achieved}, {&ct.SuppliedRate, rate}} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return ct, fmt.Errorf("%w: %s total: %v", ErrCorrupt, category, err)
		}
		*f.dst = d
	}
	return ct, nil
}
