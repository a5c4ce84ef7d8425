package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/pingsantohq/sdnharness/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS harness_runs (
    run_id      TEXT PRIMARY KEY,
    scenario    TEXT NOT NULL,
    state       TEXT NOT NULL,
    baseline    TEXT NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    caveats     JSONB
);
CREATE TABLE IF NOT EXISTS harness_run_phases (
    run_id     TEXT NOT NULL REFERENCES harness_runs(run_id) ON DELETE CASCADE,
    position   INTEGER NOT NULL,
    label      TEXT NOT NULL,
    start_time TIMESTAMPTZ,
    duration_s DOUBLE PRECISION NOT NULL,
    cleanup_s  DOUBLE PRECISION NOT NULL,
    series     INTEGER NOT NULL,
    samples    INTEGER NOT NULL,
    cancelled  BOOLEAN NOT NULL DEFAULT FALSE,
    caveats    JSONB,
    PRIMARY KEY (run_id, label)
);
CREATE TABLE IF NOT EXISTS harness_run_comparisons (
    run_id          TEXT NOT NULL REFERENCES harness_runs(run_id) ON DELETE CASCADE,
    phase           TEXT NOT NULL,
    probe           TEXT NOT NULL,
    metric          TEXT NOT NULL,
    baseline_mean   DOUBLE PRECISION,
    other_mean      DOUBLE PRECISION,
    percent_change  DOUBLE PRECISION NOT NULL,
    absolute_change DOUBLE PRECISION NOT NULL,
    degenerate      BOOLEAN NOT NULL,
    unavailable     BOOLEAN NOT NULL,
    degraded        BOOLEAN NOT NULL,
    PRIMARY KEY (run_id, phase, probe, metric)
);
`

const (
	upsertRun = `INSERT INTO harness_runs (run_id, scenario, state, baseline, started_at, finished_at, caveats)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (run_id) DO UPDATE SET
    scenario = EXCLUDED.scenario,
    state = EXCLUDED.state,
    baseline = EXCLUDED.baseline,
    started_at = EXCLUDED.started_at,
    finished_at = EXCLUDED.finished_at,
    caveats = EXCLUDED.caveats`
	deletePhases      = `DELETE FROM harness_run_phases WHERE run_id = $1`
	deleteComparisons = `DELETE FROM harness_run_comparisons WHERE run_id = $1`
	insertPhase       = `INSERT INTO harness_run_phases (run_id, position, label, start_time, duration_s, cleanup_s, series, samples, cancelled, caveats)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	insertComparison = `INSERT INTO harness_run_comparisons (run_id, phase, probe, metric, baseline_mean, other_mean, percent_change, absolute_change, degenerate, unavailable, degraded)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	selectRun         = `SELECT run_id, scenario, state, baseline, started_at, finished_at, caveats FROM harness_runs WHERE run_id = $1`
	selectRuns        = `SELECT run_id, scenario, state, baseline, started_at, finished_at, caveats FROM harness_runs ORDER BY started_at DESC LIMIT $1`
	selectPhases      = `SELECT label, start_time, duration_s, cleanup_s, series, samples, cancelled, caveats FROM harness_run_phases WHERE run_id = $1 ORDER BY position`
	selectComparisons = `SELECT phase, probe, metric, baseline_mean, other_mean, percent_change, absolute_change, degenerate, unavailable, degraded FROM harness_run_comparisons WHERE run_id = $1 ORDER BY phase, probe, metric`
)

// PostgresStore implements Store backed by PostgreSQL through database/sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the pgx driver with the supplied connection string
// and verifies the connection.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the run tables if they do not exist.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// SaveRun replaces the run and its children in one transaction.
func (p *PostgresStore) SaveRun(ctx context.Context, run RunRecord) error {
	if strings.TrimSpace(run.RunID) == "" {
		return errors.New("run_id required")
	}
	caveats, err := jsonList(run.Caveats)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upsertRun, run.RunID, run.Scenario, run.State, run.Baseline,
		run.StartedAt, nullTime(run.FinishedAt), caveats); err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, deletePhases, run.RunID); err != nil {
		return fmt.Errorf("clear phases: %w", err)
	}
	if _, err := tx.ExecContext(ctx, deleteComparisons, run.RunID); err != nil {
		return fmt.Errorf("clear comparisons: %w", err)
	}
	for i, ph := range run.Phases {
		phaseCaveats, err := jsonList(ph.Caveats)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertPhase, run.RunID, i, ph.Label, nullTime(ph.StartTime),
			ph.DurationSec, ph.CleanupSec, ph.Series, ph.Samples, ph.Cancelled, phaseCaveats); err != nil {
			return fmt.Errorf("insert phase %s: %w", ph.Label, err)
		}
	}
	for _, c := range run.Comparisons {
		if _, err := tx.ExecContext(ctx, insertComparison, run.RunID, c.Phase, c.Probe, string(c.Metric),
			nullFloat(c.BaselineMean), nullFloat(c.OtherMean), c.PercentChange, c.AbsoluteChange,
			c.Degenerate, c.Unavailable, c.Degraded); err != nil {
			return fmt.Errorf("insert comparison: %w", err)
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var r RunRecord
	var finished sql.NullTime
	var caveats []byte
	if err := row.Scan(&r.RunID, &r.Scenario, &r.State, &r.Baseline, &r.StartedAt, &finished, &caveats); err != nil {
		return RunRecord{}, err
	}
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	r.Caveats = decodeList(caveats)
	return r, nil
}

func (p *PostgresStore) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	run, err := scanRun(p.db.QueryRowContext(ctx, selectRun, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, ErrRunNotFound
		}
		return RunRecord{}, err
	}

	rows, err := p.db.QueryContext(ctx, selectPhases, runID)
	if err != nil {
		return RunRecord{}, err
	}
	for rows.Next() {
		var ph PhaseRecord
		var start sql.NullTime
		var caveats []byte
		if err := rows.Scan(&ph.Label, &start, &ph.DurationSec, &ph.CleanupSec, &ph.Series, &ph.Samples, &ph.Cancelled, &caveats); err != nil {
			rows.Close()
			return RunRecord{}, err
		}
		if start.Valid {
			ph.StartTime = start.Time
		}
		ph.Caveats = decodeList(caveats)
		run.Phases = append(run.Phases, ph)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return RunRecord{}, err
	}

	rows, err = p.db.QueryContext(ctx, selectComparisons, runID)
	if err != nil {
		return RunRecord{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var c types.Comparison
		var metric string
		var base, other sql.NullFloat64
		if err := rows.Scan(&c.Phase, &c.Probe, &metric, &base, &other, &c.PercentChange, &c.AbsoluteChange,
			&c.Degenerate, &c.Unavailable, &c.Degraded); err != nil {
			return RunRecord{}, err
		}
		c.Metric = types.Metric(metric)
		if base.Valid {
			c.BaselineMean = types.Float(base.Float64)
		}
		if other.Valid {
			c.OtherMean = types.Float(other.Float64)
		}
		run.Comparisons = append(run.Comparisons, c)
	}
	return run, rows.Err()
}

func (p *PostgresStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, selectRuns, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func jsonList(items []string) (any, error) {
	if len(items) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func decodeList(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
