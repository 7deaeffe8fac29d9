// Package models defines the persistent entities MaxQ schedules and tracks:
// runs, stages, steps and run logs.
package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// StageStatus is the lifecycle state of a Stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// StepStatus is the lifecycle state of a Step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// TerminationReason marks a Run (or the stages/steps bulk-terminated with
// it) as ended by an operator or the system rather than by natural script
// failure. A nil reason on a failed run means the scripts themselves
// returned non-zero.
type TerminationReason string

const (
	TerminationAborted       TerminationReason = "aborted"
	TerminationServerRestart TerminationReason = "server_restart"
)

// LogLevel is the severity of a RunLog entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// EntityType names what a RunLog entry is attached to within a Run.
type EntityType string

const (
	EntityRun   EntityType = "run"
	EntityStage EntityType = "stage"
	EntityStep  EntityType = "step"
)

// Run is a single invocation of a flow from pending through to a terminal
// state.
type Run struct {
	ID                string             `db:"id" json:"id"`
	FlowName          string             `db:"flow_name" json:"flowName"`
	FlowTitle         *string            `db:"flow_title" json:"flowTitle,omitempty"`
	Status            RunStatus          `db:"status" json:"status"`
	Input             json.RawMessage    `db:"input" json:"input,omitempty"`
	Output            json.RawMessage    `db:"output" json:"output,omitempty"`
	Error             *string            `db:"error" json:"error,omitempty"`
	Metadata          json.RawMessage    `db:"metadata" json:"metadata,omitempty"`
	Name              *string            `db:"name" json:"name,omitempty"`
	Description       *string            `db:"description" json:"description,omitempty"`
	TerminationReason *TerminationReason `db:"termination_reason" json:"terminationReason,omitempty"`
	CreatedAt         time.Time          `db:"created_at" json:"createdAt"`
	StartedAt         *time.Time         `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt       *time.Time         `db:"completed_at" json:"completedAt,omitempty"`
	Stdout            *string            `db:"stdout" json:"stdout,omitempty"`
	Stderr            *string            `db:"stderr" json:"stderr,omitempty"`
}

// IsTerminal reports whether the run has reached completed or failed.
func (r *Run) IsTerminal() bool {
	return r.Status == RunCompleted || r.Status == RunFailed
}

// Stage is a named batch of steps scheduled atomically within a Run.
type Stage struct {
	ID                string             `db:"id" json:"id"`
	RunID             string             `db:"run_id" json:"runId"`
	Name              string             `db:"name" json:"name"`
	Final             bool               `db:"final" json:"final"`
	Status            StageStatus        `db:"status" json:"status"`
	TerminationReason *TerminationReason `db:"termination_reason" json:"terminationReason,omitempty"`
	CreatedAt         time.Time          `db:"created_at" json:"createdAt"`
	StartedAt         *time.Time         `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt       *time.Time         `db:"completed_at" json:"completedAt,omitempty"`
}

// Step is a single script invocation with dependencies within its stage.
type Step struct {
	ID                string             `db:"id" json:"id"`
	StageID           string             `db:"stage_id" json:"stageId"`
	RunID             string             `db:"run_id" json:"runId"`
	Name              string             `db:"name" json:"name"`
	Status            StepStatus         `db:"status" json:"status"`
	DependsOn         StringSlice        `db:"depends_on" json:"dependsOn"`
	RetryCount        int                `db:"retry_count" json:"retryCount"`
	MaxRetries        int                `db:"max_retries" json:"maxRetries"`
	Env               json.RawMessage    `db:"env" json:"env,omitempty"`
	Fields            json.RawMessage    `db:"fields" json:"fields,omitempty"`
	Error             *string            `db:"error" json:"error,omitempty"`
	CreatedAt         time.Time          `db:"created_at" json:"createdAt"`
	StartedAt         *time.Time         `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt       *time.Time         `db:"completed_at" json:"completedAt,omitempty"`
	DurationMs        *int64             `db:"duration_ms" json:"durationMs,omitempty"`
	Stdout            *string            `db:"stdout" json:"stdout,omitempty"`
	Stderr            *string            `db:"stderr" json:"stderr,omitempty"`
	TerminationReason *TerminationReason `db:"termination_reason" json:"terminationReason,omitempty"`
	QueuedAt          *time.Time         `db:"queued_at" json:"queuedAt,omitempty"`
	ClaimedAt         *time.Time         `db:"claimed_at" json:"claimedAt,omitempty"`
	HeartbeatAt       *time.Time         `db:"heartbeat_at" json:"heartbeatAt,omitempty"`
	WorkerID          *string            `db:"worker_id" json:"workerId,omitempty"`
}

// IsTerminal reports whether the step has reached completed or failed.
func (s *Step) IsTerminal() bool {
	return s.Status == StepCompleted || s.Status == StepFailed
}

// RunLog is a single chronological log entry attached to a Run, optionally
// scoped to one entity within it.
type RunLog struct {
	ID         string          `db:"id" json:"id"`
	RunID      string          `db:"run_id" json:"runId"`
	EntityType EntityType      `db:"entity_type" json:"entityType"`
	EntityID   *string         `db:"entity_id" json:"entityId,omitempty"`
	Level      LogLevel        `db:"level" json:"level"`
	Message    string          `db:"message" json:"message"`
	Metadata   json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
}

// StepDefinition is the author-supplied shape of a step within a
// stage-scheduling request, before it becomes a persisted Step.
type StepDefinition struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	DependsOn  []string        `json:"dependsOn,omitempty"`
	MaxRetries int             `json:"maxRetries,omitempty"`
	Env        json.RawMessage `json:"env,omitempty"`
}
