package stages

import (
	"context"
	"testing"
	"time"

	"github.com/maxq-dev/maxq/internal/apperr"
	"github.com/maxq-dev/maxq/internal/models"
	"github.com/maxq-dev/maxq/internal/store"
)

// fakeStore is a hand-rolled, in-memory store.Store covering only what
// Scheduler.Schedule touches.
type fakeStore struct {
	store.Store
	run            *models.Run
	scheduleErr    error
	scheduled      []*models.Step
	persistedStage *models.Stage
}

func (f *fakeStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	if f.run == nil {
		return nil, apperr.NotFound("run not found")
	}
	return f.run, nil
}

func (f *fakeStore) ScheduleStage(ctx context.Context, sched store.StageSchedule) ([]*models.Step, error) {
	if f.scheduleErr != nil {
		return nil, f.scheduleErr
	}
	steps := make([]*models.Step, len(sched.Steps))
	for i := range sched.Steps {
		s := sched.Steps[i]
		steps[i] = &s
	}
	f.scheduled = steps
	return steps, nil
}

func (f *fakeStore) GetStageByName(ctx context.Context, runID, name string) (*models.Stage, error) {
	if f.persistedStage != nil {
		return f.persistedStage, nil
	}
	return &models.Stage{ID: "stage-1", RunID: runID, Name: name}, nil
}

func runningRun() *models.Run {
	return &models.Run{ID: "run-1", FlowName: "deploy", Status: models.RunRunning, CreatedAt: time.Now()}
}

func TestSchedule_RejectsEmptyBatch(t *testing.T) {
	s := New(&fakeStore{run: runningRun()})
	_, _, err := s.Schedule(context.Background(), "run-1", ScheduleInput{Stage: "build"})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSchedule_RejectsBadStageName(t *testing.T) {
	s := New(&fakeStore{run: runningRun()})
	in := ScheduleInput{Stage: "bad stage!", Steps: []models.StepDefinition{{ID: "a", Name: "a"}}}
	_, _, err := s.Schedule(context.Background(), "run-1", in)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSchedule_RejectsDuplicateStepID(t *testing.T) {
	s := New(&fakeStore{run: runningRun()})
	in := ScheduleInput{Stage: "build", Steps: []models.StepDefinition{
		{ID: "a", Name: "a"},
		{ID: "a", Name: "b"},
	}}
	_, _, err := s.Schedule(context.Background(), "run-1", in)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for duplicate id, got %v", err)
	}
}

func TestSchedule_RejectsCycle(t *testing.T) {
	s := New(&fakeStore{run: runningRun()})
	in := ScheduleInput{Stage: "build", Steps: []models.StepDefinition{
		{ID: "a", Name: "a", DependsOn: []string{"b"}},
		{ID: "b", Name: "b", DependsOn: []string{"a"}},
	}}
	_, _, err := s.Schedule(context.Background(), "run-1", in)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for cycle, got %v", err)
	}
}

func TestSchedule_RejectsUnknownDependency(t *testing.T) {
	s := New(&fakeStore{run: runningRun()})
	in := ScheduleInput{Stage: "build", Steps: []models.StepDefinition{
		{ID: "a", Name: "a", DependsOn: []string{"ghost"}},
	}}
	_, _, err := s.Schedule(context.Background(), "run-1", in)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for unknown dependency, got %v", err)
	}
}

func TestSchedule_RejectsOnCompletedRun(t *testing.T) {
	run := runningRun()
	run.Status = models.RunCompleted
	s := New(&fakeStore{run: run})
	in := ScheduleInput{Stage: "build", Steps: []models.StepDefinition{{ID: "a", Name: "a"}}}
	_, _, err := s.Schedule(context.Background(), "run-1", in)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for completed run, got %v", err)
	}
}

func TestSchedule_RejectsOnTerminatedRun(t *testing.T) {
	run := runningRun()
	reason := models.TerminationAborted
	run.TerminationReason = &reason
	s := New(&fakeStore{run: run})
	in := ScheduleInput{Stage: "build", Steps: []models.StepDefinition{{ID: "a", Name: "a"}}}
	_, _, err := s.Schedule(context.Background(), "run-1", in)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for terminated run, got %v", err)
	}
}

func TestSchedule_Succeeds(t *testing.T) {
	fs := &fakeStore{run: runningRun()}
	s := New(fs)
	in := ScheduleInput{
		Stage: "build",
		Final: true,
		Steps: []models.StepDefinition{
			{ID: "a", Name: "a"},
			{ID: "b", Name: "b", DependsOn: []string{"a"}},
		},
	}
	stage, steps, err := s.Schedule(context.Background(), "run-1", in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stage.Name != "build" {
		t.Fatalf("expected stage name build, got %s", stage.Name)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 scheduled steps, got %d", len(steps))
	}
}
