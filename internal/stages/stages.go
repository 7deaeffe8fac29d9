// Package stages is C7: the stage-scheduling endpoint's domain logic.
// flow.sh's only means of producing work is a POST here (spec §4.4); this
// package validates the batch, enforces the run-liveness guard, and hands
// the batch to the Store's transactional stage-schedule primitive, the way
// the teacher's internal/engine/workflow_engine.go validates a workflow
// definition before handing it to repo.Create.
package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maxq-dev/maxq/internal/apperr"
	"github.com/maxq-dev/maxq/internal/dag"
	"github.com/maxq-dev/maxq/internal/flows"
	"github.com/maxq-dev/maxq/internal/models"
	"github.com/maxq-dev/maxq/internal/store"
)

// ScheduleInput is the body of POST /runs/{id}/steps (spec §6).
type ScheduleInput struct {
	Stage string
	Final bool
	Steps []models.StepDefinition
}

// Scheduler exposes the one operation the stage-scheduling endpoint needs.
type Scheduler struct {
	store store.Store
}

func New(st store.Store) *Scheduler {
	return &Scheduler{store: st}
}

// Schedule validates in, enforces the run's liveness guard, and persists
// the stage/steps transactionally, returning the scheduled steps.
func (s *Scheduler) Schedule(ctx context.Context, runID string, in ScheduleInput) (*models.Stage, []*models.Step, error) {
	if !flows.ValidName(in.Stage) {
		return nil, nil, apperr.Validation("stage name must match [A-Za-z0-9_-]+")
	}
	if err := validateBatch(in.Steps); err != nil {
		return nil, nil, err
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if run.TerminationReason != nil {
		return nil, nil, apperr.Validation("run is terminated")
	}
	if run.Status == models.RunCompleted {
		return nil, nil, apperr.Validation("run is completed")
	}

	now := time.Now()
	stage := models.Stage{
		ID:        uuid.NewString(),
		RunID:     runID,
		Name:      in.Stage,
		Final:     in.Final,
		Status:    models.StagePending,
		CreatedAt: now,
	}

	steps := make([]models.Step, 0, len(in.Steps))
	for _, def := range in.Steps {
		steps = append(steps, models.Step{
			ID:         def.ID,
			RunID:      runID,
			Name:       def.Name,
			Status:     models.StepPending,
			DependsOn:  models.StringSlice(def.DependsOn),
			MaxRetries: def.MaxRetries,
			Env:        def.Env,
			CreatedAt:  now,
			QueuedAt:   &now,
		})
	}

	scheduled, err := s.store.ScheduleStage(ctx, store.StageSchedule{
		RunID: runID,
		Stage: stage,
		Steps: steps,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("schedule stage: %w", err)
	}

	persistedStage, err := s.store.GetStageByName(ctx, runID, in.Stage)
	if err != nil {
		return nil, nil, fmt.Errorf("reload scheduled stage: %w", err)
	}
	return persistedStage, scheduled, nil
}

// validateBatch enforces spec §4.7's id/name charset, uniqueness, and
// dependency-existence rules, reusing the DAG resolver for cycle/self-loop
// detection so the same rule governs both validation and scheduler ordering.
func validateBatch(steps []models.StepDefinition) error {
	if len(steps) == 0 {
		return apperr.Validation("steps must not be empty")
	}

	nodes := make([]dag.Node, 0, len(steps))
	seen := make(map[string]bool, len(steps))
	for _, st := range steps {
		if !flows.ValidName(st.ID) {
			return apperr.Validation(fmt.Sprintf("step id %q must match [A-Za-z0-9_-]+", st.ID))
		}
		if !flows.ValidName(st.Name) {
			return apperr.Validation(fmt.Sprintf("step name %q must match [A-Za-z0-9_-]+", st.Name))
		}
		if seen[st.ID] {
			return apperr.Validation(fmt.Sprintf("duplicate step id: %s", st.ID))
		}
		seen[st.ID] = true
		nodes = append(nodes, dag.Node{ID: st.ID, DependsOn: st.DependsOn})
	}

	if err := dag.Validate(nodes); err != nil {
		return apperr.Validation(err.Error())
	}
	return nil
}
