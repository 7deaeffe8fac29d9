package scheduler

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/maxq-dev/maxq/internal/events"
	"github.com/maxq-dev/maxq/internal/flowexec"
	"github.com/maxq-dev/maxq/internal/models"
	"github.com/maxq-dev/maxq/internal/observability"
	"github.com/maxq-dev/maxq/internal/store"
	"github.com/maxq-dev/maxq/internal/supervisor"
)

func TestDependenciesSatisfied_NoDeps(t *testing.T) {
	step := &models.Step{ID: "a"}
	if !dependenciesSatisfied(step, nil) {
		t.Fatal("expected a step with no dependencies to be ready")
	}
}

func TestDependenciesSatisfied_WaitsOnIncompleteDependency(t *testing.T) {
	step := &models.Step{ID: "b", DependsOn: models.StringSlice{"a"}}
	siblings := []*models.Step{{ID: "a", Status: models.StepRunning}}
	if dependenciesSatisfied(step, siblings) {
		t.Fatal("expected b to be blocked on a still running")
	}
}

func TestDependenciesSatisfied_ReadyWhenAllComplete(t *testing.T) {
	step := &models.Step{ID: "c", DependsOn: models.StringSlice{"a", "b"}}
	siblings := []*models.Step{
		{ID: "a", Status: models.StepCompleted},
		{ID: "b", Status: models.StepCompleted},
	}
	if !dependenciesSatisfied(step, siblings) {
		t.Fatal("expected c to be ready once a and b complete")
	}
}

func TestLevelIndex_OrdersByDependencyDepth(t *testing.T) {
	siblings := []*models.Step{
		{ID: "c", DependsOn: models.StringSlice{"a", "b"}},
		{ID: "a"},
		{ID: "b", DependsOn: models.StringSlice{"a"}},
	}
	idx := levelIndex(siblings)
	if idx["a"] != 0 {
		t.Fatalf("expected a at level 0, got %d", idx["a"])
	}
	if idx["b"] != 1 {
		t.Fatalf("expected b at level 1, got %d", idx["b"])
	}
	if idx["c"] != 2 {
		t.Fatalf("expected c at level 2, got %d", idx["c"])
	}
}

func TestReloadFields_PullsCurrentFieldsFromStore(t *testing.T) {
	fs := newFakeStore()
	fs.steps["a"] = &models.Step{ID: "a", Fields: []byte(`{"posted":"mid-run"}`)}
	s := newTestScheduler(fs)

	stale := &models.Step{ID: "a", Fields: nil}
	s.reloadFields(context.Background(), stale)

	if string(stale.Fields) != `{"posted":"mid-run"}` {
		t.Fatalf("expected reloadFields to pull current fields from the store, got %q", stale.Fields)
	}
}

// fakeStore is a hand-rolled, in-memory store.Store covering the subset of
// operations cascadeFailure and checkStageCompletion touch.
type fakeStore struct {
	store.Store
	stepsByStage map[string][]*models.Step
	stages       map[string]*models.Stage
	runs         map[string]*models.Run
	updated      map[string]*models.Step
	steps        map[string]*models.Step
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		stepsByStage: make(map[string][]*models.Step),
		stages:       make(map[string]*models.Stage),
		runs:         make(map[string]*models.Run),
		updated:      make(map[string]*models.Step),
		steps:        make(map[string]*models.Step),
	}
}

func (f *fakeStore) ListStepsByStage(ctx context.Context, stageID string) ([]*models.Step, error) {
	return f.stepsByStage[stageID], nil
}

func (f *fakeStore) GetStep(ctx context.Context, id string) (*models.Step, error) {
	return f.steps[id], nil
}

func (f *fakeStore) UpdateStep(ctx context.Context, step *models.Step) error {
	f.updated[step.ID] = step
	for _, s := range f.stepsByStage[step.StageID] {
		if s.ID == step.ID {
			*s = *step
		}
	}
	return nil
}

func (f *fakeStore) GetStage(ctx context.Context, id string) (*models.Stage, error) {
	return f.stages[id], nil
}

func (f *fakeStore) UpdateStage(ctx context.Context, stage *models.Stage) error {
	f.stages[stage.ID] = stage
	return nil
}

func (f *fakeStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return f.runs[id], nil
}

func (f *fakeStore) UpdateRun(ctx context.Context, run *models.Run) error {
	f.runs[run.ID] = run
	return nil
}

func newTestScheduler(fs *fakeStore) *Scheduler {
	sup := supervisor.New()
	flowExec := flowexec.New(sup, "http://localhost:5003/api/v1")
	pub, _ := events.New("", "maxq.events", zap.NewNop())
	metrics := testSchedulerMetrics()
	return New(fs, sup, flowExec, metrics, pub, zap.NewNop(), Config{FlowsRoot: "/nonexistent"})
}

func TestCascadeFailure_MarksTransitiveDependentsFailed(t *testing.T) {
	fs := newFakeStore()
	fs.stepsByStage["stage-1"] = []*models.Step{
		{ID: "a", StageID: "stage-1", Status: models.StepFailed},
		{ID: "b", StageID: "stage-1", Status: models.StepPending, DependsOn: models.StringSlice{"a"}},
		{ID: "c", StageID: "stage-1", Status: models.StepPending, DependsOn: models.StringSlice{"b"}},
		{ID: "d", StageID: "stage-1", Status: models.StepCompleted},
	}
	s := newTestScheduler(fs)

	if err := s.cascadeFailure(context.Background(), "stage-1", "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, id := range []string{"b", "c"} {
		if fs.updated[id] == nil || fs.updated[id].Status != models.StepFailed {
			t.Fatalf("expected %s to be marked failed by cascade", id)
		}
	}
	if _, ok := fs.updated["d"]; ok {
		t.Fatal("expected completed sibling d to be untouched")
	}
}

func TestCheckStageCompletion_NotYetTerminal(t *testing.T) {
	fs := newFakeStore()
	fs.stepsByStage["stage-1"] = []*models.Step{
		{ID: "a", StageID: "stage-1", Status: models.StepCompleted},
		{ID: "b", StageID: "stage-1", Status: models.StepRunning},
	}
	fs.stages["stage-1"] = &models.Stage{ID: "stage-1", RunID: "run-1", Status: models.StageRunning}
	s := newTestScheduler(fs)

	if err := s.checkStageCompletion(context.Background(), "stage-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.stages["stage-1"].Status != models.StageRunning {
		t.Fatal("expected stage to remain running while a step is still in flight")
	}
}

func TestCheckStageCompletion_MarksRunFailedOnAnyStepFailure(t *testing.T) {
	fs := newFakeStore()
	fs.stepsByStage["stage-1"] = []*models.Step{
		{ID: "a", StageID: "stage-1", Status: models.StepFailed},
		{ID: "b", StageID: "stage-1", Status: models.StepCompleted},
	}
	fs.stages["stage-1"] = &models.Stage{ID: "stage-1", RunID: "run-1", Status: models.StageRunning, Final: true}
	fs.runs["run-1"] = &models.Run{ID: "run-1", FlowName: "deploy", Status: models.RunRunning}
	s := newTestScheduler(fs)

	if err := s.checkStageCompletion(context.Background(), "stage-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.stages["stage-1"].Status != models.StageFailed {
		t.Fatalf("expected stage failed, got %s", fs.stages["stage-1"].Status)
	}
	if fs.runs["run-1"].Status != models.RunFailed {
		t.Fatalf("expected run failed, got %s", fs.runs["run-1"].Status)
	}
}

func TestCheckStageCompletion_CompletesRunOnFinalStage(t *testing.T) {
	fs := newFakeStore()
	fs.stepsByStage["stage-1"] = []*models.Step{
		{ID: "a", StageID: "stage-1", Status: models.StepCompleted},
	}
	fs.stages["stage-1"] = &models.Stage{ID: "stage-1", RunID: "run-1", Status: models.StageRunning, Final: true}
	fs.runs["run-1"] = &models.Run{ID: "run-1", FlowName: "deploy", Status: models.RunRunning}
	s := newTestScheduler(fs)

	if err := s.checkStageCompletion(context.Background(), "stage-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.runs["run-1"].Status != models.RunCompleted {
		t.Fatalf("expected run completed, got %s", fs.runs["run-1"].Status)
	}
}

func TestCheckStageCompletion_IsIdempotentOnceProcessed(t *testing.T) {
	fs := newFakeStore()
	fs.stepsByStage["stage-1"] = []*models.Step{
		{ID: "a", StageID: "stage-1", Status: models.StepCompleted},
	}
	fs.stages["stage-1"] = &models.Stage{ID: "stage-1", RunID: "run-1", Status: models.StageCompleted, Final: true}
	s := newTestScheduler(fs)

	if err := s.checkStageCompletion(context.Background(), "stage-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := fs.runs["run-1"]; ok {
		t.Fatal("expected an already-processed stage to never touch the run")
	}
}

func testSchedulerMetrics() *observability.Metrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = observability.NewMetrics()
	})
	return schedulerMetrics
}

var (
	schedulerMetrics     *observability.Metrics
	schedulerMetricsOnce sync.Once
)
