package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/pingsantohq/sdnharness/pkg/types"
)

func sampleRun(started time.Time) RunRecord {
	return RunRecord{
		RunID:      "run-1",
		Scenario:   "link-failure",
		State:      "done",
		Baseline:   "baseline",
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Caveats:    []string{"link-down: set_link_status failed"},
		Phases: []PhaseRecord{
			{Label: "baseline", StartTime: started, DurationSec: 30, Series: 2, Samples: 60},
			{Label: "link-down", StartTime: started.Add(31 * time.Second), DurationSec: 30, CleanupSec: 0.5, Series: 2, Samples: 58},
		},
		Comparisons: []types.Comparison{
			{Probe: "icmp/h1->h2", Metric: types.MetricLatency, Phase: "link-down", BaselineMean: types.Float(2), OtherMean: types.Float(8), PercentChange: 300, AbsoluteChange: 6, Degraded: true},
			{Probe: "icmp/h1->h3", Metric: types.MetricLatency, Phase: "link-down", BaselineMean: types.Float(2), Unavailable: true},
		},
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	older := sampleRun(now.Add(-time.Hour))
	older.RunID = "run-0"
	if err := s.SaveRun(ctx, older); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if err := s.SaveRun(ctx, sampleRun(now)); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if len(got.Phases) != 2 || len(got.Comparisons) != 2 {
		t.Fatalf("unexpected run %+v", got)
	}

	runs, err := s.ListRuns(ctx, 1)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-1" || runs[0].Phases != nil {
		t.Fatalf("expected newest header only got %+v", runs)
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound got %v", err)
	}
	if err := s.SaveRun(ctx, RunRecord{}); err == nil {
		t.Fatalf("expected error for empty run id")
	}
}

func TestPostgresStoreSaveRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	run := sampleRun(started)
	s := NewPostgresStoreFromDB(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO harness_runs")).
		WithArgs("run-1", "link-failure", "done", "baseline", started, started.Add(time.Minute), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(deletePhases)).WithArgs("run-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(deleteComparisons)).WithArgs("run-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO harness_run_phases")).
		WithArgs("run-1", 0, "baseline", started, 30.0, 0.0, 2, 60, false, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO harness_run_phases")).
		WithArgs("run-1", 1, "link-down", started.Add(31*time.Second), 30.0, 0.5, 2, 58, false, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO harness_run_comparisons")).
		WithArgs("run-1", "link-down", "icmp/h1->h2", "latency_ms", 2.0, 8.0, 300.0, 6.0, false, false, true).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO harness_run_comparisons")).
		WithArgs("run-1", "link-down", "icmp/h1->h3", "latency_ms", 2.0, nil, 0.0, 0.0, false, true, false).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := s.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreSaveRunRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO harness_runs")).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err = NewPostgresStoreFromDB(db).SaveRun(context.Background(), sampleRun(time.Now()))
	if err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreGetRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM harness_runs WHERE run_id = $1")).WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "scenario", "state", "baseline", "started_at", "finished_at", "caveats"}).
			AddRow("run-1", "mobility", "done", "baseline", started, nil, []byte(`["x: failed"]`)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM harness_run_phases")).WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"label", "start_time", "duration_s", "cleanup_s", "series", "samples", "cancelled", "caveats"}).
			AddRow("baseline", started, 30.0, 0.0, 1, 30, false, nil).
			AddRow("mobility", started.Add(time.Minute), 30.0, 1.5, 1, 29, false, []byte(`["x: failed"]`)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM harness_run_comparisons")).WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"phase", "probe", "metric", "baseline_mean", "other_mean", "percent_change", "absolute_change", "degenerate", "unavailable", "degraded"}).
			AddRow("mobility", "icmp/sta1->h1", "loss_pct", 0.0, 2.0, 0.0, 2.0, true, false, true))

	run, err := NewPostgresStoreFromDB(db).GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !run.FinishedAt.IsZero() || len(run.Caveats) != 1 {
		t.Fatalf("unexpected header %+v", run)
	}
	if len(run.Phases) != 2 || run.Phases[1].CleanupSec != 1.5 || len(run.Phases[1].Caveats) != 1 {
		t.Fatalf("unexpected phases %+v", run.Phases)
	}
	if len(run.Comparisons) != 1 {
		t.Fatalf("expected 1 comparison got %d", len(run.Comparisons))
	}
	c := run.Comparisons[0]
	if c.Metric != types.MetricLoss || !c.Degenerate || c.BaselineMean == nil || *c.BaselineMean != 0 {
		t.Fatalf("unexpected comparison %+v", c)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreGetRunNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectQuery(regexp.QuoteMeta("FROM harness_runs WHERE run_id = $1")).WithArgs("nope").WillReturnError(sql.ErrNoRows)

	if _, err := NewPostgresStoreFromDB(db).GetRun(context.Background(), "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound got %v", err)
	}
}

func TestPostgresStoreListRuns(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY started_at DESC LIMIT $1")).WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "scenario", "state", "baseline", "started_at", "finished_at", "caveats"}).
			AddRow("run-2", "congestion", "done", "baseline", now, now, nil).
			AddRow("run-1", "mobility", "failed", "baseline", now.Add(-time.Hour), nil, nil))

	runs, err := NewPostgresStoreFromDB(db).ListRuns(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "run-2" || runs[1].State != "failed" {
		t.Fatalf("unexpected runs %+v", runs)
	}
}
