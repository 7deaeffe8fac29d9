// Package scheduler is C5: the periodic loop that claims ready steps and
// drives them through the supervisor, applying retry, cascade failure, and
// stage/run completion. Grounded on the teacher's internal/engine/
// scheduler.go for the ticker-based start/stop lifecycle and zap logging
// texture, generalized from the teacher's priority-queue-of-workflows model
// into the spec's claim-from-store polling loop (there is no in-memory
// queue here; the Store's CAS is the only source of truth, per spec §9).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maxq-dev/maxq/internal/dag"
	"github.com/maxq-dev/maxq/internal/events"
	"github.com/maxq-dev/maxq/internal/flowexec"
	"github.com/maxq-dev/maxq/internal/flows"
	"github.com/maxq-dev/maxq/internal/models"
	"github.com/maxq-dev/maxq/internal/observability"
	"github.com/maxq-dev/maxq/internal/store"
	"github.com/maxq-dev/maxq/internal/supervisor"
)

// Config holds the tunables spec §6/§4.5 name.
type Config struct {
	IntervalMs         int
	BatchSize          int
	MaxConcurrentSteps int
	MaxLogCaptureBytes int
	AbortGraceMs       int
	FlowsRoot          string
	APIBaseURL         string
}

// Scheduler drives pending steps to completion.
type Scheduler struct {
	store      store.Store
	supervisor *supervisor.Supervisor
	flowExec   *flowexec.Executor
	metrics    *observability.Metrics
	events     *events.Publisher
	logger     *zap.Logger
	cfg        Config
	workerID   string

	stopCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Scheduler. workerID distinguishes this process's claims when
// multiple workers contend on the same store (spec §5).
func New(st store.Store, sup *supervisor.Supervisor, flowExec *flowexec.Executor, metrics *observability.Metrics, pub *events.Publisher, logger *zap.Logger, cfg Config) *Scheduler {
	return &Scheduler{
		store:      st,
		supervisor: sup,
		flowExec:   flowExec,
		metrics:    metrics,
		events:     pub,
		logger:     logger.With(zap.String("component", "scheduler")),
		cfg:        cfg,
		workerID:   uuid.NewString(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the polling loop. It returns immediately; call Stop to
// shut it down.
func (s *Scheduler) Start(ctx context.Context) {
	interval := time.Duration(s.cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	s.logger.Info("starting scheduler", zap.Duration("interval", interval), zap.String("worker_id", s.workerID))

	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				start := time.Now()
				if err := s.tick(ctx); err != nil {
					s.logger.Error("scheduler tick failed", zap.Error(err))
					s.metrics.RecordError("scheduler")
				}
				s.metrics.ObserveSchedulerTick(time.Since(start).Seconds())
			}
		}
	}()
}

// Stop signals the loop to exit and waits for in-flight dispatches to be
// registered (not necessarily completed — dispatch runs independently).
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// tick is one iteration of spec §4.5's algorithm.
func (s *Scheduler) tick(ctx context.Context) error {
	running, err := s.store.CountRunningSteps(ctx)
	if err != nil {
		return fmt.Errorf("count running steps: %w", err)
	}
	if running >= s.cfg.MaxConcurrentSteps {
		return nil
	}

	want := s.cfg.BatchSize
	if room := s.cfg.MaxConcurrentSteps - running; room < want {
		want = room
	}
	if want <= 0 {
		return nil
	}

	candidates, err := s.store.ListPendingSteps(ctx, want)
	if err != nil {
		return fmt.Errorf("list pending steps: %w", err)
	}

	runCache := make(map[string]*models.Run)
	siblingCache := make(map[string][]*models.Step)
	levelCache := make(map[string]map[string]int)

	type readyStep struct {
		step     *models.Step
		flowName string
		level    int
	}
	var ready []readyStep

	for _, step := range candidates {
		run, ok := runCache[step.RunID]
		if !ok {
			run, err = s.store.GetRun(ctx, step.RunID)
			if err != nil {
				s.logger.Warn("candidate step's run disappeared", zap.String("step_id", step.ID), zap.Error(err))
				continue
			}
			runCache[step.RunID] = run
		}
		if run.TerminationReason != nil || run.Status == models.RunPaused {
			continue
		}

		siblings, ok := siblingCache[step.RunID]
		if !ok {
			siblings, err = s.store.ListStepsByRun(ctx, step.RunID)
			if err != nil {
				return fmt.Errorf("list siblings for run %s: %w", step.RunID, err)
			}
			siblingCache[step.RunID] = siblings
		}
		if !dependenciesSatisfied(step, siblings) {
			continue
		}

		levels, ok := levelCache[step.RunID]
		if !ok {
			levels = levelIndex(siblings)
			levelCache[step.RunID] = levels
		}

		ready = append(ready, readyStep{step: step, flowName: run.FlowName, level: levels[step.ID]})
	}

	// Claim lower DAG levels first: when BatchSize trims the ready set,
	// this unblocks the most dependents per claim (spec §4.3).
	sort.SliceStable(ready, func(i, j int) bool { return ready[i].level < ready[j].level })

	for _, rs := range ready {
		now := time.Now()
		claimed, err := s.store.ClaimStep(ctx, rs.step.ID, s.workerID, now)
		if err != nil {
			s.logger.Error("claim step failed", zap.String("step_id", rs.step.ID), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}
		s.metrics.RecordStepClaimed()

		claimedStep := *rs.step
		claimedStep.Status = models.StepRunning
		claimedStep.WorkerID = &s.workerID
		claimedStep.ClaimedAt = &now
		claimedStep.HeartbeatAt = &now
		claimedStep.StartedAt = &now

		s.wg.Add(1)
		go func(st models.Step, flowName string) {
			defer s.wg.Done()
			s.dispatch(context.Background(), st, flowName)
		}(claimedStep, rs.flowName)
	}

	return nil
}

// levelIndex maps each step ID in siblings to its DAG level, for ordering a
// tick's ready candidates (internal/dag.Levels). siblings always validated
// acyclic at schedule time (internal/stages), so this never panics.
func levelIndex(siblings []*models.Step) map[string]int {
	nodes := make([]dag.Node, len(siblings))
	for i, st := range siblings {
		nodes[i] = dag.Node{ID: st.ID, DependsOn: st.DependsOn}
	}
	idx := make(map[string]int, len(nodes))
	for lvl, ids := range dag.Levels(nodes) {
		for _, id := range ids {
			idx[id] = lvl
		}
	}
	return idx
}

func dependenciesSatisfied(step *models.Step, siblings []*models.Step) bool {
	if len(step.DependsOn) == 0 {
		return true
	}
	byID := make(map[string]*models.Step, len(siblings))
	for _, s := range siblings {
		byID[s.ID] = s
	}
	for _, dep := range step.DependsOn {
		sibling, ok := byID[dep]
		if !ok || sibling.Status != models.StepCompleted {
			return false
		}
	}
	return true
}

// dispatch executes a claimed step through the supervisor with retries,
// then applies cascade failure and stage-completion logic.
func (s *Scheduler) dispatch(ctx context.Context, step models.Step, flowName string) {
	scriptPath, err := flows.StepScriptPath(s.cfg.FlowsRoot, flowName, step.Name)
	if err != nil {
		s.failStep(ctx, &step, fmt.Sprintf("process error: %v", err))
		s.afterTerminal(ctx, step)
		return
	}

	env := map[string]string{}
	if len(step.Env) > 0 {
		_ = json.Unmarshal(step.Env, &env)
	}

	base := map[string]string{
		"MAXQ_RUN_ID":    step.RunID,
		"MAXQ_FLOW_NAME": flowName,
		"MAXQ_API":       s.cfg.APIBaseURL,
		"MAXQ_STAGE":     "", // filled in below once the stage name is known
		"MAXQ_STEP_ID":   step.ID,
		"MAXQ_STEP_NAME": step.Name,
	}
	if stage, err := s.store.GetStage(ctx, step.StageID); err == nil {
		base["MAXQ_STAGE"] = stage.Name
	}

	maxAttempts := step.MaxRetries + 1
	var result supervisor.Result
	var spawnErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		spawnStart := time.Now()
		result, spawnErr = s.supervisor.Spawn(ctx, supervisor.SpawnSpec{
			Path:            scriptPath,
			Cwd:             filepath.Dir(scriptPath),
			Env:             env,
			MaxCaptureBytes: s.cfg.MaxLogCaptureBytes,
			RunID:           step.RunID,
			Role:            supervisor.RoleStep,
			StepID:          step.ID,
			BaseEnv:         base,
		})
		s.metrics.ObserveSupervisorSpawn("step", time.Since(spawnStart).Seconds())

		if spawnErr != nil {
			s.failStep(ctx, &step, fmt.Sprintf("process error: %v", spawnErr))
			s.afterTerminal(ctx, step)
			return
		}
		if result.ExitCode == 0 {
			break
		}
		if attempt < maxAttempts-1 {
			step.RetryCount++
		}
	}

	now := time.Now()
	step.Stdout = &result.Stdout
	step.Stderr = &result.Stderr
	duration := result.DurationMs
	step.DurationMs = &duration
	step.CompletedAt = &now

	if result.ExitCode == 0 {
		step.Status = models.StepCompleted
	} else {
		step.Status = models.StepFailed
		errMsg := fmt.Sprintf("exit code %d", result.ExitCode)
		step.Error = &errMsg
	}

	s.reloadFields(ctx, &step)
	if err := s.store.UpdateStep(ctx, &step); err != nil {
		s.logger.Error("write back step result failed", zap.String("step_id", step.ID), zap.Error(err))
		return
	}
	s.metrics.RecordStepCompleted(string(step.Status))

	s.afterTerminal(ctx, step)
}

func (s *Scheduler) failStep(ctx context.Context, step *models.Step, stderr string) {
	now := time.Now()
	step.Status = models.StepFailed
	step.Stderr = &stderr
	step.CompletedAt = &now
	s.reloadFields(ctx, step)
	if err := s.store.UpdateStep(ctx, step); err != nil {
		s.logger.Error("write back process error failed", zap.String("step_id", step.ID), zap.Error(err))
	}
	s.metrics.RecordStepCompleted("failed")
}

// reloadFields refreshes step.Fields from the store immediately before a
// write-back that was built from a step struct claimed before execution.
// step.sh can POST fields mid-run (spec §4.5, scenario 7); without this the
// scheduler's own write-back would clobber them back to whatever the struct
// held at claim time.
func (s *Scheduler) reloadFields(ctx context.Context, step *models.Step) {
	current, err := s.store.GetStep(ctx, step.ID)
	if err != nil {
		s.logger.Warn("reload step fields before write-back failed", zap.String("step_id", step.ID), zap.Error(err))
		return
	}
	step.Fields = current.Fields
}

// afterTerminal runs cascade failure (if the step failed) and the
// stage-completion check.
func (s *Scheduler) afterTerminal(ctx context.Context, step models.Step) {
	if step.Status == models.StepFailed {
		if err := s.cascadeFailure(ctx, step.StageID, step.ID); err != nil {
			s.logger.Error("cascade failure propagation failed", zap.String("step_id", step.ID), zap.Error(err))
		}
	}
	if err := s.checkStageCompletion(ctx, step.StageID); err != nil {
		s.logger.Error("stage completion check failed", zap.String("stage_id", step.StageID), zap.Error(err))
	}
}

// cascadeFailure marks every not-yet-terminal step that transitively
// depends on failedStepID as failed, with a stderr referencing its nearest
// failed ancestor, until no more steps change (spec §4.5, P8).
func (s *Scheduler) cascadeFailure(ctx context.Context, stageID, failedStepID string) error {
	steps, err := s.store.ListStepsByStage(ctx, stageID)
	if err != nil {
		return fmt.Errorf("list stage steps: %w", err)
	}

	dependents := make(map[string][]*models.Step)
	byID := make(map[string]*models.Step, len(steps))
	for _, st := range steps {
		byID[st.ID] = st
		for _, dep := range st.DependsOn {
			dependents[dep] = append(dependents[dep], st)
		}
	}

	queue := []string{failedStepID}
	visited := map[string]bool{failedStepID: true}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[cur] {
			if dep.IsTerminal() {
				continue
			}
			msg := fmt.Sprintf("Skipped: dependency '%s' failed", cur)
			now := time.Now()
			dep.Status = models.StepFailed
			dep.Stderr = &msg
			dep.CompletedAt = &now
			if err := s.store.UpdateStep(ctx, dep); err != nil {
				return fmt.Errorf("mark %s failed by cascade: %w", dep.ID, err)
			}
			s.metrics.RecordStepCompleted("failed")
			if !visited[dep.ID] {
				visited[dep.ID] = true
				queue = append(queue, dep.ID)
			}
		}
	}
	return nil
}

// checkStageCompletion transitions a stage to completed/failed once every
// step in it is terminal, then invokes the flow callback or terminal run
// transition spec §4.5 describes.
func (s *Scheduler) checkStageCompletion(ctx context.Context, stageID string) error {
	steps, err := s.store.ListStepsByStage(ctx, stageID)
	if err != nil {
		return fmt.Errorf("list stage steps: %w", err)
	}
	for _, st := range steps {
		if !st.IsTerminal() {
			return nil // stage not yet terminal
		}
	}

	stage, err := s.store.GetStage(ctx, stageID)
	if err != nil {
		return fmt.Errorf("get stage: %w", err)
	}
	if stage.Status == models.StageCompleted || stage.Status == models.StageFailed {
		return nil // already processed (concurrent dispatches racing to be last)
	}

	anyFailed := false
	for _, st := range steps {
		if st.Status == models.StepFailed {
			anyFailed = true
			break
		}
	}

	now := time.Now()
	stage.CompletedAt = &now
	if anyFailed {
		stage.Status = models.StageFailed
	} else {
		stage.Status = models.StageCompleted
	}
	if err := s.store.UpdateStage(ctx, stage); err != nil {
		return fmt.Errorf("update stage: %w", err)
	}
	s.metrics.RecordStageCompleted(string(stage.Status))
	s.events.Publish("stage."+string(stage.Status), events.Event{
		Type: "stage." + string(stage.Status), RunID: stage.RunID, EntityID: stage.ID, Status: string(stage.Status),
	})

	run, err := s.store.GetRun(ctx, stage.RunID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}

	flow, flowErr := flows.Locate(s.cfg.FlowsRoot, run.FlowName)

	if anyFailed {
		if flowErr == nil {
			if _, err := s.flowExec.Run(ctx, flow, run.ID, run.FlowName, flowexec.EntryStageFailed, stage.Name, s.cfg.MaxLogCaptureBytes); err != nil {
				s.logger.Warn("stage-failed flow callback error", zap.String("run_id", run.ID), zap.Error(err))
			}
		}
		run.Status = models.RunFailed
		run.CompletedAt = &now
		if err := s.store.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("mark run failed: %w", err)
		}
		s.metrics.RecordRunCompleted(string(run.Status), terminationReasonLabel(run))
		s.events.Publish("run.failed", events.Event{Type: "run.failed", RunID: run.ID, Status: string(run.Status)})
		return nil
	}

	if stage.Final {
		run.Status = models.RunCompleted
		run.CompletedAt = &now
		if err := s.store.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("mark run completed: %w", err)
		}
		s.metrics.RecordRunCompleted(string(run.Status), terminationReasonLabel(run))
		s.events.Publish("run.completed", events.Event{Type: "run.completed", RunID: run.ID, Status: string(run.Status)})
		return nil
	}

	if flowErr == nil {
		if _, err := s.flowExec.Run(ctx, flow, run.ID, run.FlowName, flowexec.EntryStageCompleted, stage.Name, s.cfg.MaxLogCaptureBytes); err != nil {
			s.logger.Warn("stage-completed flow callback error", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	return nil
}

func terminationReasonLabel(run *models.Run) string {
	if run.TerminationReason == nil {
		return ""
	}
	return string(*run.TerminationReason)
}

