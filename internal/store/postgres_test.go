package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/maxq-dev/maxq/internal/models"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Postgres{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestClaimStep_Succeeds(t *testing.T) {
	p, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE steps SET status = 'running'")).
		WithArgs("step-1", "worker-a", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := p.ClaimStep(context.Background(), "step-1", "worker-a", now)
	if err != nil {
		t.Fatalf("ClaimStep: %v", err)
	}
	if !ok {
		t.Fatal("expected claim to succeed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestClaimStep_LosesRace(t *testing.T) {
	p, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE steps SET status = 'running'")).
		WithArgs("step-1", "worker-b", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := p.ClaimStep(context.Background(), "step-1", "worker-b", now)
	if err != nil {
		t.Fatalf("ClaimStep: %v", err)
	}
	if ok {
		t.Fatal("expected claim to fail: step already claimed")
	}
}

func TestResetStep_NotFoundWhenNotFailed(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE steps SET status = 'pending'")).
		WithArgs("step-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.ResetStep(context.Background(), "step-1")
	if err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestBulkTerminate_UpdatesStepsStagesAndRun(t *testing.T) {
	p, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE steps SET status = 'failed'")).
		WithArgs("run-1", models.TerminationAborted, now).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE stages SET status = 'failed'")).
		WithArgs("run-1", models.TerminationAborted, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE runs SET status = 'failed'")).
		WithArgs("run-1", models.TerminationAborted, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := p.BulkTerminate(context.Background(), "run-1", models.TerminationAborted, now); err != nil {
		t.Fatalf("BulkTerminate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM runs WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(nil))

	_, err := p.GetRun(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestTransitiveDependents_WalksChain(t *testing.T) {
	p, mock := newMockStore(t)

	cols := []string{"id", "stage_id", "run_id", "name", "status", "depends_on", "retry_count", "max_retries"}
	rows := sqlmock.NewRows(cols).
		AddRow("a", "stage-1", "run-1", "a", "completed", "{}", 0, 0).
		AddRow("b", "stage-1", "run-1", "b", "pending", "{a}", 0, 0).
		AddRow("c", "stage-1", "run-1", "c", "pending", "{b}", 0, 0).
		AddRow("d", "stage-1", "run-1", "d", "pending", "{}", 0, 0)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM steps WHERE stage_id = $1")).
		WithArgs("stage-1").
		WillReturnRows(rows)

	deps, err := p.TransitiveDependents(context.Background(), "stage-1", []string{"a"})
	if err != nil {
		t.Fatalf("TransitiveDependents: %v", err)
	}
	if len(deps) != 2 {
		t.Fatalf("expected 2 transitive dependents, got %v", deps)
	}
}
