package runs

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/maxq-dev/maxq/internal/apperr"
	"github.com/maxq-dev/maxq/internal/flowexec"
	"github.com/maxq-dev/maxq/internal/models"
	"github.com/maxq-dev/maxq/internal/store"
	"github.com/maxq-dev/maxq/internal/supervisor"
)

type fakeStore struct {
	store.Store
	run                *models.Run
	step               *models.Step
	stageSteps         []*models.Step
	dependents         []string
	bulkTerminated     bool
	resetForRetryCalls int
	resetStepCalls     []string
	updatedRun         *models.Run
}

func (f *fakeStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	if f.run == nil {
		return nil, apperr.NotFound("run not found")
	}
	cp := *f.run
	return &cp, nil
}

func (f *fakeStore) UpdateRun(ctx context.Context, run *models.Run) error {
	f.updatedRun = run
	f.run = run
	return nil
}

func (f *fakeStore) BulkTerminate(ctx context.Context, runID string, reason models.TerminationReason, now time.Time) error {
	f.bulkTerminated = true
	return nil
}

func (f *fakeStore) GetStep(ctx context.Context, id string) (*models.Step, error) {
	if f.step == nil {
		return nil, apperr.NotFound("step not found")
	}
	cp := *f.step
	return &cp, nil
}

func (f *fakeStore) ListStepsByStage(ctx context.Context, stageID string) ([]*models.Step, error) {
	return f.stageSteps, nil
}

func (f *fakeStore) TransitiveDependents(ctx context.Context, stageID string, seed []string) ([]string, error) {
	return f.dependents, nil
}

func (f *fakeStore) ResetStep(ctx context.Context, stepID string) error {
	f.resetStepCalls = append(f.resetStepCalls, stepID)
	return nil
}

func (f *fakeStore) ResetForRetry(ctx context.Context, runID string) error {
	f.resetForRetryCalls++
	return nil
}

func newController(fs *fakeStore) *Controller {
	sup := supervisor.New()
	flowExec := flowexec.New(sup, "http://localhost:5003/api/v1")
	return New(fs, sup, flowExec, zap.NewNop(), Config{AbortGraceMs: 10, PauseGraceMs: 10})
}

func TestAbort_RejectsTerminalRun(t *testing.T) {
	fs := &fakeStore{run: &models.Run{ID: "run-1", Status: models.RunCompleted}}
	c := newController(fs)
	_, err := c.Abort(context.Background(), "run-1")
	if apperr.KindOf(err) != apperr.KindPrecondition {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestPause_RejectsTerminalRun(t *testing.T) {
	fs := &fakeStore{run: &models.Run{ID: "run-1", Status: models.RunFailed}}
	c := newController(fs)
	_, err := c.Pause(context.Background(), "run-1")
	if apperr.KindOf(err) != apperr.KindPrecondition {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestPause_MarksRunPaused(t *testing.T) {
	fs := &fakeStore{run: &models.Run{ID: "run-1", Status: models.RunRunning}}
	c := newController(fs)
	if _, err := c.Pause(context.Background(), "run-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.updatedRun.Status != models.RunPaused {
		t.Fatalf("expected run paused, got %s", fs.updatedRun.Status)
	}
}

func TestResume_RejectsNonPausedRun(t *testing.T) {
	fs := &fakeStore{run: &models.Run{ID: "run-1", Status: models.RunRunning}}
	c := newController(fs)
	_, err := c.Resume(context.Background(), "run-1")
	if apperr.KindOf(err) != apperr.KindPrecondition {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestResume_ResetsPausedRun(t *testing.T) {
	fs := &fakeStore{run: &models.Run{ID: "run-1", Status: models.RunPaused}}
	c := newController(fs)
	if _, err := c.Resume(context.Background(), "run-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.resetForRetryCalls != 1 {
		t.Fatalf("expected ResetForRetry called once, got %d", fs.resetForRetryCalls)
	}
}

func TestRetryStep_RejectsNonFailedStep(t *testing.T) {
	fs := &fakeStore{
		run:  &models.Run{ID: "run-1", Status: models.RunFailed},
		step: &models.Step{ID: "step-1", Status: models.StepRunning},
	}
	c := newController(fs)
	_, err := c.RetryStep(context.Background(), "run-1", "step-1", false)
	if apperr.KindOf(err) != apperr.KindPrecondition {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestRetryStep_ResetsAndReopensRun(t *testing.T) {
	fs := &fakeStore{
		run:  &models.Run{ID: "run-1", Status: models.RunFailed},
		step: &models.Step{ID: "step-1", StageID: "stage-1", Status: models.StepFailed},
	}
	c := newController(fs)
	result, err := c.RetryStep(context.Background(), "run-1", "step-1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fs.resetStepCalls) != 1 || fs.resetStepCalls[0] != "step-1" {
		t.Fatalf("expected step-1 reset, got %v", fs.resetStepCalls)
	}
	if fs.updatedRun.Status != models.RunRunning {
		t.Fatalf("expected run running again, got %s", fs.updatedRun.Status)
	}
	if result.Step.ID != "step-1" {
		t.Fatalf("expected result step step-1, got %s", result.Step.ID)
	}
}

func TestRetryStep_CascadesToFailedDependents(t *testing.T) {
	fs := &fakeStore{
		run:  &models.Run{ID: "run-1", Status: models.RunFailed},
		step: &models.Step{ID: "a", StageID: "stage-1", Status: models.StepFailed},
		stageSteps: []*models.Step{
			{ID: "a", Status: models.StepFailed},
			{ID: "b", Status: models.StepFailed},
			{ID: "c", Status: models.StepCompleted},
		},
		dependents: []string{"b", "c"},
	}
	c := newController(fs)
	result, err := c.RetryStep(context.Background(), "run-1", "a", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.CascadedSteps) != 1 || result.CascadedSteps[0] != "b" {
		t.Fatalf("expected only failed dependent b cascaded, got %v", result.CascadedSteps)
	}
}
