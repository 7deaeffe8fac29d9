// Package store is C1: durable state for runs, stages, steps and run logs,
// plus the three primitives the rest of the engine's correctness rests on
// (claim-step, transactional stage-schedule, bulk-terminate). Grounded on
// the teacher's internal/repo (sqlx + lib/pq, NamedExec/Get/Select,
// connection-pool tuning), generalized from the teacher's flat
// workflow/step-execution rows into the spec's Run/Stage/Step/RunLog model
// with the CAS and transactional semantics the teacher didn't need.
package store

import (
	"context"
	"time"

	"github.com/maxq-dev/maxq/internal/models"
)

// ListFilter narrows a List call by flow name and/or status.
type ListFilter struct {
	FlowName string
	Status   string
}

// Page describes pagination and sort order for list operations, matching
// spec §4.1's "list operations support pagination (limit, offset),
// filtering ..., and sorting on createdAt or completedAt descending by
// default".
type Page struct {
	Limit     int
	Offset    int
	SortBy    string // "createdAt" | "completedAt"
	SortOrder string // "asc" | "desc"
}

// RunList is a page of runs plus the total matching count.
type RunList struct {
	Runs  []*models.Run
	Total int
}

// LogFilter narrows a RunLog list.
type LogFilter struct {
	EntityType string
	EntityID   string
	Level      string
	Before     *time.Time
	After      *time.Time
	Limit      int
}

// StageSchedule is the payload for the transactional stage-schedule
// primitive: one Stage plus the Steps it owns.
type StageSchedule struct {
	RunID string
	Stage models.Stage
	Steps []models.Step
}

// Store is the narrow persistence interface the scheduler, run controller
// and stage-scheduling endpoint consume. A Postgres implementation backs
// production; fakes back unit tests, the same split the teacher keeps
// between internal/repo and its callers.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	UpdateRun(ctx context.Context, run *models.Run) error
	ListRuns(ctx context.Context, filter ListFilter, page Page) (*RunList, error)

	// Stages
	GetStage(ctx context.Context, id string) (*models.Stage, error)
	GetStageByName(ctx context.Context, runID, name string) (*models.Stage, error)
	ListStagesByRun(ctx context.Context, runID string) ([]*models.Stage, error)
	UpdateStage(ctx context.Context, stage *models.Stage) error

	// Steps
	GetStep(ctx context.Context, id string) (*models.Step, error)
	ListStepsByStage(ctx context.Context, stageID string) ([]*models.Step, error)
	ListStepsByRun(ctx context.Context, runID string) ([]*models.Step, error)
	ListPendingSteps(ctx context.Context, limit int) ([]*models.Step, error)
	CountRunningSteps(ctx context.Context) (int, error)
	UpdateStep(ctx context.Context, step *models.Step) error

	// RunLogs
	CreateRunLog(ctx context.Context, log *models.RunLog) error
	ListRunLogs(ctx context.Context, runID string, filter LogFilter) ([]*models.RunLog, error)

	// Special operations (spec §4.1, §3 invariants 3/6/7)

	// ClaimStep atomically transitions a step from pending to running,
	// tagging it with workerID. Returns whether the claim succeeded (i.e.
	// whether the step was observed pending).
	ClaimStep(ctx context.Context, stepID, workerID string, now time.Time) (bool, error)

	// ScheduleStage upserts a Stage by (runID, name) and each Step by
	// (runID, stepID) inside one transaction, clearing execution/scheduling
	// fields on reuse. This is the retry-idempotency primitive (spec P7).
	ScheduleStage(ctx context.Context, sched StageSchedule) ([]*models.Step, error)

	// BulkTerminate sets every non-terminal stage/step of a run to failed
	// with the given reason, clearing scheduling fields.
	BulkTerminate(ctx context.Context, runID string, reason models.TerminationReason, now time.Time) error

	// ResetForRetry resets every non-completed stage/step of a run back to
	// pending, clearing scheduling fields, termination reason and
	// completedAt — shared by Resume and Retry-run (spec §4.6).
	ResetForRetry(ctx context.Context, runID string) error

	// ResetStep resets a single failed step to pending, clearing execution
	// fields, used by retry-step.
	ResetStep(ctx context.Context, stepID string) error

	// TransitiveDependents returns, within the given stage, the set of step
	// IDs that transitively depend on seed (used by retry-step's
	// cascadeDownstream).
	TransitiveDependents(ctx context.Context, stageID string, seed []string) ([]string, error)

	// ListNonTerminalRunIDs returns every run not yet in a terminal status,
	// used by the startup reconciler (C8).
	ListNonTerminalRunIDs(ctx context.Context) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
