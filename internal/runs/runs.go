// Package runs is C6: the run controller. It translates the user actions
// spec §4.6 names — create, abort, pause, resume, retry-run, retry-step —
// into Store mutations and process kills via the supervisor's registry,
// the way the teacher's internal/engine ties workflow-level lifecycle
// operations to its repo and executor collaborators.
package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/maxq-dev/maxq/internal/apperr"
	"github.com/maxq-dev/maxq/internal/flowexec"
	"github.com/maxq-dev/maxq/internal/flows"
	"github.com/maxq-dev/maxq/internal/models"
	"github.com/maxq-dev/maxq/internal/store"
	"github.com/maxq-dev/maxq/internal/supervisor"
)

// Config holds the grace periods and filesystem root the controller needs.
type Config struct {
	FlowsRoot           string
	APIBaseURL          string
	AbortGraceMs        int
	PauseGraceMs        int
	MaxFlowCaptureBytes int
}

// Controller implements the run lifecycle operations.
type Controller struct {
	store    store.Store
	sup      *supervisor.Supervisor
	flowExec *flowexec.Executor
	logger   *zap.Logger
	cfg      Config
}

func New(st store.Store, sup *supervisor.Supervisor, flowExec *flowexec.Executor, logger *zap.Logger, cfg Config) *Controller {
	return &Controller{
		store:    st,
		sup:      sup,
		flowExec: flowExec,
		logger:   logger.With(zap.String("component", "runs")),
		cfg:      cfg,
	}
}

// CreateInput is the user-supplied payload for a new run.
type CreateInput struct {
	FlowName string
	Input    json.RawMessage
	Metadata json.RawMessage
}

// Create inserts a pending Run, reads the flow's optional title, and spawns
// the initial flow asynchronously. It responds as soon as the row exists;
// the flow invocation happens in the background.
func (c *Controller) Create(ctx context.Context, in CreateInput) (*models.Run, error) {
	if in.FlowName == "" || !flows.ValidName(in.FlowName) {
		return nil, apperr.Validation("flowName is required and must match [A-Za-z0-9_-]+")
	}

	flow, err := flows.Locate(c.cfg.FlowsRoot, in.FlowName)
	if err != nil {
		return nil, apperr.Validation(fmt.Sprintf("flow %q not found: %v", in.FlowName, err))
	}

	run := &models.Run{
		ID:        newID(),
		FlowName:  in.FlowName,
		Status:    models.RunPending,
		Input:     in.Input,
		Metadata:  in.Metadata,
		CreatedAt: time.Now(),
	}
	if flow.Manifest != nil && flow.Manifest.Title != "" {
		title := flow.Manifest.Title
		run.FlowTitle = &title
	}

	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	go c.runInitialFlow(run.ID, in.FlowName, flow)

	return run, nil
}

// runInitialFlow spawns flow.sh's initial entry point in the background,
// marking the run running first and completed if the flow exits cleanly
// without ever scheduling a stage.
func (c *Controller) runInitialFlow(runID, flowName string, flow *flows.Flow) {
	ctx := context.Background()

	now := time.Now()
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		c.logger.Error("initial flow: run vanished", zap.String("run_id", runID), zap.Error(err))
		return
	}
	run.Status = models.RunRunning
	run.StartedAt = &now
	if err := c.store.UpdateRun(ctx, run); err != nil {
		c.logger.Error("initial flow: mark running failed", zap.String("run_id", runID), zap.Error(err))
		return
	}

	result, err := c.flowExec.Run(ctx, flow, runID, flowName, flowexec.EntryInitial, "", c.cfg.MaxFlowCaptureBytes)

	run, getErr := c.store.GetRun(ctx, runID)
	if getErr != nil {
		c.logger.Error("initial flow: run vanished after exec", zap.String("run_id", runID), zap.Error(getErr))
		return
	}
	if run.TerminationReason != nil || run.Status != models.RunRunning {
		// Already terminated (abort/pause raced with flow startup) or a stage
		// already completed the run; leave it alone.
		return
	}

	completedAt := time.Now()
	if err != nil {
		msg := err.Error()
		run.Status = models.RunFailed
		run.Error = &msg
		run.CompletedAt = &completedAt
		run.Stdout = &result.Stdout
		run.Stderr = &result.Stderr
		if updErr := c.store.UpdateRun(ctx, run); updErr != nil {
			c.logger.Error("initial flow: write failure failed", zap.String("run_id", runID), zap.Error(updErr))
		}
		return
	}
	if result.ExitCode != 0 {
		// spec §4.4: non-zero exit on the initial invocation is a hard
		// failure of the run.
		msg := fmt.Sprintf("initial flow exited with code %d", result.ExitCode)
		run.Status = models.RunFailed
		run.Error = &msg
		run.CompletedAt = &completedAt
		run.Stdout = &result.Stdout
		run.Stderr = &result.Stderr
		if updErr := c.store.UpdateRun(ctx, run); updErr != nil {
			c.logger.Error("initial flow: write failure failed", zap.String("run_id", runID), zap.Error(updErr))
		}
		return
	}

	run.Stdout = &result.Stdout
	run.Stderr = &result.Stderr

	stages, listErr := c.store.ListStagesByRun(ctx, runID)
	if listErr != nil {
		c.logger.Error("initial flow: list stages failed", zap.String("run_id", runID), zap.Error(listErr))
		return
	}
	if len(stages) == 0 {
		// The flow never scheduled a stage and exited cleanly: it's done.
		run.Status = models.RunCompleted
		run.CompletedAt = &completedAt
	}
	if err := c.store.UpdateRun(ctx, run); err != nil {
		c.logger.Error("initial flow: write back failed", zap.String("run_id", runID), zap.Error(err))
	}
}

// Abort terminates a run immediately: kills its processes and marks every
// non-terminal stage/step failed with terminationReason=aborted.
func (c *Controller) Abort(ctx context.Context, runID string) (int, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if run.IsTerminal() {
		return 0, apperr.Precondition("run is already terminal")
	}

	killed := c.sup.Registry().KillRun(runID, c.cfg.AbortGraceMs)

	now := time.Now()
	if err := c.store.BulkTerminate(ctx, runID, models.TerminationAborted, now); err != nil {
		return 0, fmt.Errorf("bulk terminate: %w", err)
	}
	return killed, nil
}

// Pause stops the scheduler from claiming further steps for this run and
// kills its in-flight processes. Already-completed work is left alone.
func (c *Controller) Pause(ctx context.Context, runID string) (int, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if run.IsTerminal() {
		return 0, apperr.Precondition("run is already terminal")
	}

	killed := c.sup.Registry().KillRun(runID, c.cfg.PauseGraceMs)

	run.Status = models.RunPaused
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return 0, fmt.Errorf("mark paused: %w", err)
	}
	return killed, nil
}

// Resume reverts a paused run back to pending, clearing scheduling state on
// its non-completed stages/steps so the scheduler picks them up again.
func (c *Controller) Resume(ctx context.Context, runID string) (*models.Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != models.RunPaused {
		return nil, apperr.Precondition("run is not paused")
	}

	if err := c.store.ResetForRetry(ctx, runID); err != nil {
		return nil, fmt.Errorf("reset for resume: %w", err)
	}
	return c.store.GetRun(ctx, runID)
}

// RetryRun resets a failed run's non-completed work back to pending and
// re-invokes the initial flow, which is expected to re-issue its scheduling
// requests (the transactional stage-schedule primitive reuses the same
// ids).
func (c *Controller) RetryRun(ctx context.Context, runID string) (*models.Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == models.RunCompleted {
		return nil, apperr.Precondition("run is completed")
	}
	if run.Status != models.RunFailed {
		return nil, apperr.Conflict("run is still in progress")
	}

	if err := c.store.ResetForRetry(ctx, runID); err != nil {
		return nil, fmt.Errorf("reset for retry: %w", err)
	}

	flow, err := flows.Locate(c.cfg.FlowsRoot, run.FlowName)
	if err != nil {
		return nil, fmt.Errorf("locate flow %q: %w", run.FlowName, err)
	}

	go c.runInitialFlow(runID, run.FlowName, flow)

	return c.store.GetRun(ctx, runID)
}

// RetryStepResult reports what retry-step changed.
type RetryStepResult struct {
	Step          *models.Step
	CascadedSteps []string
}

// RetryStep resets one failed step to pending, optionally cascading the
// reset to every failed step transitively depending on it, and flips the
// run back to running.
func (c *Controller) RetryStep(ctx context.Context, runID, stepID string, cascadeDownstream bool) (*RetryStepResult, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == models.RunCompleted {
		return nil, apperr.Precondition("run is completed")
	}

	step, err := c.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step.Status != models.StepFailed {
		return nil, apperr.Precondition("step is not failed")
	}

	var cascaded []string
	if cascadeDownstream {
		dependents, err := c.store.TransitiveDependents(ctx, step.StageID, []string{stepID})
		if err != nil {
			return nil, fmt.Errorf("transitive dependents: %w", err)
		}
		siblings, err := c.store.ListStepsByStage(ctx, step.StageID)
		if err != nil {
			return nil, fmt.Errorf("list stage steps: %w", err)
		}
		byID := make(map[string]*models.Step, len(siblings))
		for _, s := range siblings {
			byID[s.ID] = s
		}
		for _, id := range dependents {
			sibling, ok := byID[id]
			if !ok || sibling.Status != models.StepFailed {
				continue
			}
			if err := c.store.ResetStep(ctx, id); err != nil {
				return nil, fmt.Errorf("reset cascaded step %s: %w", id, err)
			}
			cascaded = append(cascaded, id)
		}
	}

	if err := c.store.ResetStep(ctx, stepID); err != nil {
		return nil, fmt.Errorf("reset step: %w", err)
	}

	run.Status = models.RunRunning
	run.TerminationReason = nil
	run.CompletedAt = nil
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("mark run running: %w", err)
	}

	refreshed, err := c.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	return &RetryStepResult{Step: refreshed, CascadedSteps: cascaded}, nil
}
