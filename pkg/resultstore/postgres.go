package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dd0wney/cluso-waterplan/pkg/metrics"
	"github.com/dd0wney/cluso-waterplan/pkg/network"
)

// PGStore mirrors result sets into PostgreSQL for the query services.
type PGStore struct {
	pool    *pgxpool.Pool
	metrics *metrics.Registry
}

// NewPGStore connects to databaseURL and creates the schema if needed.
func NewPGStore(ctx context.Context, databaseURL string, reg *metrics.Registry) (*PGStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	s := &PGStore{pool: pool, metrics: reg}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

// Ping checks database connectivity.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

// Save replaces any stored copy of rs in one transaction.
func (s *PGStore) Save(ctx context.Context, rs *ResultSet) (err error) {
	defer s.observe("save", time.Now(), &err)

	weights, err := json.Marshal(rs.Metadata.Weights)
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	timedOut, err := json.Marshal(rs.Metadata.TimedOutSteps)
	if err != nil {
		return fmt.Errorf("failed to marshal timed out steps: %w", err)
	}
	incomplete, err := json.Marshal(rs.Metadata.IncompleteSteps)
	if err != nil {
		return fmt.Errorf("failed to marshal incomplete steps: %w", err)
	}
	demands, err := json.Marshal(rs.Demands)
	if err != nil {
		return fmt.Errorf("failed to marshal demands: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m := rs.Metadata
	if _, err := tx.Exec(ctx, `DELETE FROM runs WHERE run_id = $1`, m.RunID); err != nil {
		return fmt.Errorf("failed to clear run: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO runs (run_id, network, mode, weights, horizon_start, horizon_steps, granularity,
			created_at, completed_at, timed_out_steps, incomplete_steps, deficit_percent, demands)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		m.RunID,
		m.Network,
		string(m.Mode),
		weights,
		m.Horizon.Start,
		m.Horizon.Steps,
		string(m.Horizon.Granularity),
		m.CreatedAt,
		m.CompletedAt,
		timedOut,
		incomplete,
		rs.Totals.DeficitPercent.String(),
		demands,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, c := range rs.Totals.Categories {
		_, err := tx.Exec(ctx, `
			INSERT INTO run_totals (run_id, category, planned, achieved, supplied_rate)
			VALUES ($1, $2, $3, $4, $5)
		`, m.RunID, string(c.Category), c.Planned.String(), c.Achieved.String(), c.SuppliedRate.String())
		if err != nil {
			return fmt.Errorf("failed to insert totals: %w", err)
		}
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"run_rows"},
		[]string{"run_id", "node_id", "kind", "step", "date", "flow", "cost", "min_flow", "max_flow", "requested", "deficit", "volume"},
		pgx.CopyFromSlice(len(rs.Rows), func(i int) ([]any, error) {
			r := rs.Rows[i]
			return []any{m.RunID, r.NodeID, string(r.Kind), r.Step, r.Date, r.Flow, r.Cost, r.MinFlow, r.MaxFlow, r.Requested, r.Deficit, r.Volume}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to copy rows: %w", err)
	}

	return tx.Commit(ctx)
}

// Load reads metadata and rows back. Totals and demand series are restored
// from their stored form.
func (s *PGStore) Load(ctx context.Context, runID string) (rs *ResultSet, err error) {
	defer s.observe("load", time.Now(), &err)

	rs = &ResultSet{}
	m := &rs.Metadata
	var (
		mode, granularity, deficit             string
		weights, timedOut, incomplete, demands []byte
	)
	err = s.pool.QueryRow(ctx, `
		SELECT run_id, network, mode, weights, horizon_start, horizon_steps, granularity,
			created_at, completed_at, timed_out_steps, incomplete_steps, deficit_percent, demands
		FROM runs
		WHERE run_id = $1
	`, runID).Scan(
		&m.RunID,
		&m.Network,
		&mode,
		&weights,
		&m.Horizon.Start,
		&m.Horizon.Steps,
		&granularity,
		&m.CreatedAt,
		&m.CompletedAt,
		&timedOut,
		&incomplete,
		&deficit,
		&demands,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if err := decodeRun(rs, mode, granularity, deficit, weights, timedOut, incomplete, demands); err != nil {
		return nil, err
	}

	if err := s.loadTotals(ctx, rs); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT node_id, kind, step, date, flow, cost, min_flow, max_flow, requested, deficit, volume
		FROM run_rows
		WHERE run_id = $1
		ORDER BY step, ordinal
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Row
		var kind string
		if err := rows.Scan(&r.NodeID, &kind, &r.Step, &r.Date, &r.Flow, &r.Cost, &r.MinFlow, &r.MaxFlow, &r.Requested, &r.Deficit, &r.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.Kind = network.Kind(kind)
		r.Date = r.Date.UTC()
		rs.Rows = append(rs.Rows, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return rs, nil
}

func (s *PGStore) loadTotals(ctx context.Context, rs *ResultSet) error {
	rows, err := s.pool.Query(ctx, `
		SELECT category, planned, achieved, supplied_rate
		FROM run_totals
		WHERE run_id = $1
		ORDER BY ordinal
	`, rs.Metadata.RunID)
	if err != nil {
		return fmt.Errorf("failed to query totals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var category, planned, achieved, rate string
		if err := rows.Scan(&category, &planned, &achieved, &rate); err != nil {
			return fmt.Errorf("failed to scan totals: %w", err)
		}
		ct, err := categoryTotal(category, planned, achieved, rate)
		if err != nil {
			return err
		}
		rs.Totals.Categories = append(rs.Totals.Categories, ct)
	}
	return rows.Err()
}

func (s *PGStore) observe(op string, start time.Time, err *error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if *err != nil {
		status = "error"
	}
	s.metrics.RecordStoreOperation("postgres", op, status, time.Since(start))
}
