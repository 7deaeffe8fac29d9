package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/maxq-dev/maxq/internal/apperr"
	"github.com/maxq-dev/maxq/internal/models"
	"github.com/maxq-dev/maxq/internal/observability"
)

var tracer = observability.GetTracer("maxq.store")

// Postgres is the production Store, built the way the teacher's repo.New
// connects and tunes a pool: sqlx.Connect plus SetMaxOpenConns/
// SetMaxIdleConns/SetConnMaxLifetime.
type Postgres struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgres opens the pool and applies the configured limits.
func NewPostgres(databaseURL string, maxOpen, maxIdle int, connMaxLifetime time.Duration, logger *zap.Logger) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connMaxLifetime)

	return &Postgres{db: db, logger: logger}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// --- Runs ---

func (p *Postgres) CreateRun(ctx context.Context, run *models.Run) error {
	const query = `
		INSERT INTO runs (id, flow_name, flow_title, status, input, output, error, metadata,
		                   name, description, termination_reason, created_at, started_at, completed_at,
		                   stdout, stderr)
		VALUES (:id, :flow_name, :flow_title, :status, :input, :output, :error, :metadata,
		        :name, :description, :termination_reason, :created_at, :started_at, :completed_at,
		        :stdout, :stderr)
	`
	_, err := p.db.NamedExecContext(ctx, query, run)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (p *Postgres) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	const query = `SELECT * FROM runs WHERE id = $1`
	if err := p.db.GetContext(ctx, &run, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("run not found")
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

func (p *Postgres) UpdateRun(ctx context.Context, run *models.Run) error {
	const query = `
		UPDATE runs SET
			status = :status, output = :output, error = :error, metadata = :metadata,
			name = :name, description = :description, termination_reason = :termination_reason,
			started_at = :started_at, completed_at = :completed_at,
			stdout = :stdout, stderr = :stderr
		WHERE id = :id
	`
	res, err := p.db.NamedExecContext(ctx, query, run)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return requireRowsAffected(res, "run not found")
}

func (p *Postgres) ListRuns(ctx context.Context, filter ListFilter, page Page) (*RunList, error) {
	where := ""
	args := []interface{}{}
	if filter.FlowName != "" {
		args = append(args, filter.FlowName)
		where += fmt.Sprintf(" AND flow_name = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	countQuery := "SELECT count(*) FROM runs WHERE 1=1" + where
	if err := p.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}

	sortCol := "created_at"
	if page.SortBy == "completedAt" {
		sortCol = "completed_at"
	}
	sortDir := "DESC"
	if page.SortOrder == "asc" {
		sortDir = "ASC"
	}
	limit := page.Limit
	if limit <= 0 {
		limit = 20
	}

	args = append(args, limit, page.Offset)
	listQuery := fmt.Sprintf(
		"SELECT * FROM runs WHERE 1=1%s ORDER BY %s %s NULLS LAST LIMIT $%d OFFSET $%d",
		where, sortCol, sortDir, len(args)-1, len(args),
	)

	var runs []*models.Run
	if err := p.db.SelectContext(ctx, &runs, listQuery, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return &RunList{Runs: runs, Total: total}, nil
}

// --- Stages ---

func (p *Postgres) GetStage(ctx context.Context, id string) (*models.Stage, error) {
	var stage models.Stage
	const query = `SELECT * FROM stages WHERE id = $1`
	if err := p.db.GetContext(ctx, &stage, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("stage not found")
		}
		return nil, fmt.Errorf("get stage: %w", err)
	}
	return &stage, nil
}

func (p *Postgres) GetStageByName(ctx context.Context, runID, name string) (*models.Stage, error) {
	var stage models.Stage
	const query = `SELECT * FROM stages WHERE run_id = $1 AND name = $2`
	if err := p.db.GetContext(ctx, &stage, query, runID, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("stage not found")
		}
		return nil, fmt.Errorf("get stage by name: %w", err)
	}
	return &stage, nil
}

func (p *Postgres) ListStagesByRun(ctx context.Context, runID string) ([]*models.Stage, error) {
	var stages []*models.Stage
	const query = `SELECT * FROM stages WHERE run_id = $1 ORDER BY created_at`
	if err := p.db.SelectContext(ctx, &stages, query, runID); err != nil {
		return nil, fmt.Errorf("list stages by run: %w", err)
	}
	return stages, nil
}

func (p *Postgres) UpdateStage(ctx context.Context, stage *models.Stage) error {
	const query = `
		UPDATE stages SET
			status = :status, termination_reason = :termination_reason,
			started_at = :started_at, completed_at = :completed_at
		WHERE id = :id
	`
	res, err := p.db.NamedExecContext(ctx, query, stage)
	if err != nil {
		return fmt.Errorf("update stage: %w", err)
	}
	return requireRowsAffected(res, "stage not found")
}

// --- Steps ---

func (p *Postgres) GetStep(ctx context.Context, id string) (*models.Step, error) {
	var step models.Step
	const query = `SELECT * FROM steps WHERE id = $1`
	if err := p.db.GetContext(ctx, &step, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("step not found")
		}
		return nil, fmt.Errorf("get step: %w", err)
	}
	return &step, nil
}

func (p *Postgres) ListStepsByStage(ctx context.Context, stageID string) ([]*models.Step, error) {
	var steps []*models.Step
	const query = `SELECT * FROM steps WHERE stage_id = $1 ORDER BY created_at`
	if err := p.db.SelectContext(ctx, &steps, query, stageID); err != nil {
		return nil, fmt.Errorf("list steps by stage: %w", err)
	}
	return steps, nil
}

func (p *Postgres) ListStepsByRun(ctx context.Context, runID string) ([]*models.Step, error) {
	var steps []*models.Step
	const query = `SELECT * FROM steps WHERE run_id = $1 ORDER BY created_at`
	if err := p.db.SelectContext(ctx, &steps, query, runID); err != nil {
		return nil, fmt.Errorf("list steps by run: %w", err)
	}
	return steps, nil
}

func (p *Postgres) ListPendingSteps(ctx context.Context, limit int) ([]*models.Step, error) {
	var steps []*models.Step
	const query = `
		SELECT s.* FROM steps s
		JOIN runs r ON r.id = s.run_id
		WHERE s.status = 'pending' AND r.status = 'running'
		ORDER BY s.queued_at NULLS LAST, s.created_at
		LIMIT $1
	`
	if err := p.db.SelectContext(ctx, &steps, query, limit); err != nil {
		return nil, fmt.Errorf("list pending steps: %w", err)
	}
	return steps, nil
}

func (p *Postgres) CountRunningSteps(ctx context.Context) (int, error) {
	var n int
	const query = `SELECT count(*) FROM steps WHERE status = 'running'`
	if err := p.db.GetContext(ctx, &n, query); err != nil {
		return 0, fmt.Errorf("count running steps: %w", err)
	}
	return n, nil
}

func (p *Postgres) UpdateStep(ctx context.Context, step *models.Step) error {
	const query = `
		UPDATE steps SET
			status = :status, retry_count = :retry_count, error = :error,
			started_at = :started_at, completed_at = :completed_at, duration_ms = :duration_ms,
			stdout = :stdout, stderr = :stderr, fields = :fields,
			termination_reason = :termination_reason,
			queued_at = :queued_at, claimed_at = :claimed_at, heartbeat_at = :heartbeat_at,
			worker_id = :worker_id
		WHERE id = :id AND stage_id = :stage_id
	`
	res, err := p.db.NamedExecContext(ctx, query, step)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	return requireRowsAffected(res, "step not found")
}

// --- RunLogs ---

func (p *Postgres) CreateRunLog(ctx context.Context, log *models.RunLog) error {
	const query = `
		INSERT INTO run_logs (id, run_id, entity_type, entity_id, level, message, metadata, created_at)
		VALUES (:id, :run_id, :entity_type, :entity_id, :level, :message, :metadata, :created_at)
	`
	_, err := p.db.NamedExecContext(ctx, query, log)
	if err != nil {
		return fmt.Errorf("create run log: %w", err)
	}
	return nil
}

func (p *Postgres) ListRunLogs(ctx context.Context, runID string, filter LogFilter) ([]*models.RunLog, error) {
	where := " AND run_id = $1"
	args := []interface{}{runID}
	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		where += fmt.Sprintf(" AND entity_type = $%d", len(args))
	}
	if filter.EntityID != "" {
		args = append(args, filter.EntityID)
		where += fmt.Sprintf(" AND entity_id = $%d", len(args))
	}
	if filter.Level != "" {
		args = append(args, filter.Level)
		where += fmt.Sprintf(" AND level = $%d", len(args))
	}
	if filter.After != nil {
		args = append(args, *filter.After)
		where += fmt.Sprintf(" AND created_at > $%d", len(args))
	}
	if filter.Before != nil {
		args = append(args, *filter.Before)
		where += fmt.Sprintf(" AND created_at < $%d", len(args))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)

	query := fmt.Sprintf("SELECT * FROM run_logs WHERE 1=1%s ORDER BY created_at LIMIT $%d", where, len(args))

	var logs []*models.RunLog
	if err := p.db.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	return logs, nil
}

// --- Special operations ---

// ClaimStep is the scheduler's compare-and-set: it only takes effect when the
// step is still pending, so two dispatch goroutines racing on the same step
// can never both win (spec invariant 3).
func (p *Postgres) ClaimStep(ctx context.Context, stepID, workerID string, now time.Time) (bool, error) {
	const query = `
		UPDATE steps SET status = 'running', worker_id = $2, claimed_at = $3, heartbeat_at = $3, started_at = $3
		WHERE id = $1 AND status = 'pending'
	`
	res, err := p.db.ExecContext(ctx, query, stepID, workerID, now)
	if err != nil {
		return false, fmt.Errorf("claim step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim step rows affected: %w", err)
	}
	return n == 1, nil
}

// ScheduleStage upserts the stage and each step inside one transaction,
// clearing execution fields whenever an existing row is reused so a second
// POST of the same stage/step IDs (a flow.sh retry) replays cleanly instead
// of accreting stale state (spec P7).
func (p *Postgres) ScheduleStage(ctx context.Context, sched StageSchedule) (scheduled []*models.Step, err error) {
	ctx, span := tracer.Start(ctx, "store.ScheduleStage", trace.WithAttributes(
		attribute.String("run_id", sched.RunID),
		attribute.String("stage", sched.Stage.Name),
		attribute.Int("step_count", len(sched.Steps)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin schedule stage tx: %w", err)
	}
	defer tx.Rollback()

	const upsertStage = `
		INSERT INTO stages (id, run_id, name, final, status, termination_reason, created_at, started_at, completed_at)
		VALUES (:id, :run_id, :name, :final, :status, :termination_reason, :created_at, :started_at, :completed_at)
		ON CONFLICT (run_id, name) DO UPDATE SET
			final = EXCLUDED.final,
			status = EXCLUDED.status,
			termination_reason = NULL,
			completed_at = NULL
		RETURNING id
	`
	rows, err := tx.NamedQuery(upsertStage, sched.Stage)
	if err != nil {
		return nil, fmt.Errorf("upsert stage: %w", err)
	}
	var stageID string
	if rows.Next() {
		if err := rows.Scan(&stageID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stage id: %w", err)
		}
	}
	rows.Close()
	if stageID == "" {
		stageID = sched.Stage.ID
	}

	const upsertStep = `
		INSERT INTO steps (id, stage_id, run_id, name, status, depends_on, retry_count, max_retries,
		                    env, fields, error, created_at, started_at, completed_at, duration_ms,
		                    stdout, stderr, termination_reason, queued_at, claimed_at, heartbeat_at, worker_id)
		VALUES (:id, :stage_id, :run_id, :name, :status, :depends_on, :retry_count, :max_retries,
		        :env, :fields, :error, :created_at, :started_at, :completed_at, :duration_ms,
		        :stdout, :stderr, :termination_reason, :queued_at, :claimed_at, :heartbeat_at, :worker_id)
		ON CONFLICT (stage_id, id) DO UPDATE SET
			status = 'pending',
			depends_on = EXCLUDED.depends_on,
			max_retries = EXCLUDED.max_retries,
			env = EXCLUDED.env,
			retry_count = 0,
			error = NULL,
			started_at = NULL,
			completed_at = NULL,
			duration_ms = NULL,
			stdout = NULL,
			stderr = NULL,
			termination_reason = NULL,
			queued_at = EXCLUDED.queued_at,
			claimed_at = NULL,
			heartbeat_at = NULL,
			worker_id = NULL
	`
	scheduled = make([]*models.Step, 0, len(sched.Steps))
	for i := range sched.Steps {
		step := sched.Steps[i]
		step.StageID = stageID
		step.RunID = sched.RunID
		if _, err := tx.NamedExecContext(ctx, upsertStep, step); err != nil {
			return nil, fmt.Errorf("upsert step %s: %w", step.ID, err)
		}
		scheduled = append(scheduled, &step)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit schedule stage tx: %w", err)
	}
	return scheduled, nil
}

// BulkTerminate marks every non-terminal stage and step of a run as failed
// with reason, used by Abort and by the startup reconciler (spec invariant 6).
func (p *Postgres) BulkTerminate(ctx context.Context, runID string, reason models.TerminationReason, now time.Time) (err error) {
	ctx, span := tracer.Start(ctx, "store.BulkTerminate", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("reason", string(reason)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk terminate tx: %w", err)
	}
	defer tx.Rollback()

	const terminateSteps = `
		UPDATE steps SET status = 'failed', termination_reason = $2, completed_at = $3,
			error = 'terminated: ' || $2,
			queued_at = NULL, claimed_at = NULL, heartbeat_at = NULL, worker_id = NULL
		WHERE run_id = $1 AND status NOT IN ('completed', 'failed')
	`
	if _, err := tx.ExecContext(ctx, terminateSteps, runID, reason, now); err != nil {
		return fmt.Errorf("terminate steps: %w", err)
	}

	const terminateStages = `
		UPDATE stages SET status = 'failed', termination_reason = $2, completed_at = $3
		WHERE run_id = $1 AND status NOT IN ('completed', 'failed')
	`
	if _, err := tx.ExecContext(ctx, terminateStages, runID, reason, now); err != nil {
		return fmt.Errorf("terminate stages: %w", err)
	}

	const terminateRun = `
		UPDATE runs SET status = 'failed', termination_reason = $2, completed_at = $3
		WHERE id = $1 AND status NOT IN ('completed', 'failed')
	`
	if _, err := tx.ExecContext(ctx, terminateRun, runID, reason, now); err != nil {
		return fmt.Errorf("terminate run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bulk terminate tx: %w", err)
	}
	return nil
}

// ResetForRetry resets every non-completed stage/step of a run to pending,
// shared by Resume and Retry-run.
func (p *Postgres) ResetForRetry(ctx context.Context, runID string) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset for retry tx: %w", err)
	}
	defer tx.Rollback()

	const resetSteps = `
		UPDATE steps SET status = 'pending', error = NULL, termination_reason = NULL,
			started_at = NULL, completed_at = NULL, duration_ms = NULL,
			stdout = NULL, stderr = NULL,
			queued_at = now(), claimed_at = NULL, heartbeat_at = NULL, worker_id = NULL
		WHERE run_id = $1 AND status != 'completed'
	`
	if _, err := tx.ExecContext(ctx, resetSteps, runID); err != nil {
		return fmt.Errorf("reset steps: %w", err)
	}

	const resetStages = `
		UPDATE stages SET status = 'pending', termination_reason = NULL, completed_at = NULL
		WHERE run_id = $1 AND status != 'completed'
	`
	if _, err := tx.ExecContext(ctx, resetStages, runID); err != nil {
		return fmt.Errorf("reset stages: %w", err)
	}

	const resetRun = `
		UPDATE runs SET status = 'running', termination_reason = NULL, completed_at = NULL, error = NULL
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, resetRun, runID); err != nil {
		return fmt.Errorf("reset run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset for retry tx: %w", err)
	}
	return nil
}

// ResetStep resets a single failed step back to pending for retry-step.
func (p *Postgres) ResetStep(ctx context.Context, stepID string) error {
	const query = `
		UPDATE steps SET status = 'pending', error = NULL, termination_reason = NULL,
			started_at = NULL, completed_at = NULL, duration_ms = NULL,
			stdout = NULL, stderr = NULL,
			queued_at = now(), claimed_at = NULL, heartbeat_at = NULL, worker_id = NULL
		WHERE id = $1 AND status = 'failed'
	`
	res, err := p.db.ExecContext(ctx, query, stepID)
	if err != nil {
		return fmt.Errorf("reset step: %w", err)
	}
	return requireRowsAffected(res, "step not found or not failed")
}

// TransitiveDependents walks dependsOn edges within a stage breadth-first
// starting from seed, returning every step that (transitively) depends on
// one of them. Used by retry-step's downstream reset; the scheduler's
// cascade failure walks the graph itself.
func (p *Postgres) TransitiveDependents(ctx context.Context, stageID string, seed []string) ([]string, error) {
	var steps []*models.Step
	const query = `SELECT * FROM steps WHERE stage_id = $1`
	if err := p.db.SelectContext(ctx, &steps, query, stageID); err != nil {
		return nil, fmt.Errorf("load stage steps: %w", err)
	}

	dependents := make(map[string][]string)
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	visited := make(map[string]bool)
	queue := append([]string{}, seed...)
	for _, id := range seed {
		visited[id] = true
	}
	var result []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range dependents[cur] {
			if visited[next] {
				continue
			}
			visited[next] = true
			result = append(result, next)
			queue = append(queue, next)
		}
	}
	return result, nil
}

// ListNonTerminalRunIDs returns every run not yet completed or failed, used
// by the startup reconciler.
func (p *Postgres) ListNonTerminalRunIDs(ctx context.Context) ([]string, error) {
	var ids []string
	const query = `SELECT id FROM runs WHERE status NOT IN ('completed', 'failed')`
	if err := p.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("list non-terminal runs: %w", err)
	}
	return ids, nil
}

func requireRowsAffected(res sql.Result, notFoundMsg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return apperr.NotFound(notFoundMsg)
	}
	return nil
}
