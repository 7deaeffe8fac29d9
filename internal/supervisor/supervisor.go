// Package supervisor is C2: it spawns flow.sh and step.sh child processes
// with a sanitised environment, captures bounded stdout/stderr, and owns the
// live-process registry aborts and pauses kill against. Grounded on
// other_examples' idestis-pipe runner (exec.Command, bytes.Buffer capture,
// ExitError-to-exit-code extraction) and the teacher's executor.go. This
// package does not bound concurrency; the scheduler does, by counting the
// running steps in the store.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/maxq-dev/maxq/internal/observability"
)

var tracer = observability.GetTracer("maxq.supervisor")

// Result is what a completed spawn reports back to the caller.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
}

// Supervisor spawns and tracks child processes.
type Supervisor struct {
	registry *Registry
}

// New builds a Supervisor backed by a fresh process registry.
func New() *Supervisor {
	return &Supervisor{registry: NewRegistry()}
}

// Registry exposes the live-process table so the run controller can call
// KillRun directly.
func (s *Supervisor) Registry() *Registry { return s.registry }

// SpawnSpec describes one child process invocation.
type SpawnSpec struct {
	Path            string
	Cwd             string
	Env             map[string]string // user-supplied, merged after base vars
	MaxCaptureBytes int
	RunID           string
	Role            Role
	StepID          string // empty for RoleFlow

	// BaseEnv carries the always-injected vars in MAXQ_* form, e.g.
	// {"MAXQ_RUN_ID": runID, "MAXQ_FLOW_NAME": flowName, ...}. Built by the
	// caller (flowexec/scheduler) since the set of extra vars differs by role.
	BaseEnv map[string]string

	// OnSpawn is invoked synchronously the instant the child exists, before
	// Spawn does anything else that could suspend — the registry is
	// populated before this call returns.
	OnSpawn func()
}

// Spawn launches the child described by spec and blocks until it exits,
// returning its exit code and captured output.
func (s *Supervisor) Spawn(ctx context.Context, spec SpawnSpec) (result Result, err error) {
	ctx, span := tracer.Start(ctx, "supervisor.spawn", trace.WithAttributes(
		attribute.String("run_id", spec.RunID),
		attribute.String("role", string(spec.Role)),
		attribute.String("step_id", spec.StepID),
		attribute.String("path", filepath.Base(spec.Path)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
		}
		span.End()
	}()

	info, err := os.Stat(spec.Path)
	if err != nil {
		return Result{}, fmt.Errorf("stat %s: %w", spec.Path, err)
	}
	if !info.Mode().IsRegular() {
		return Result{}, fmt.Errorf("%s is not a regular file", spec.Path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return Result{}, fmt.Errorf("%s is not executable", spec.Path)
	}

	baseEnv := make([]string, 0, len(spec.BaseEnv))
	baseKeys := make(map[string]bool, len(spec.BaseEnv))
	for k, v := range spec.BaseEnv {
		baseEnv = append(baseEnv, k+"="+v)
		baseKeys[k] = true
	}
	env, err := buildEnv(baseEnv, baseKeys, spec.Env)
	if err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, spec.Path)
	cmd.Dir = spec.Cwd
	cmd.Env = env

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	limit := spec.MaxCaptureBytes
	if limit <= 0 {
		limit = 8192
	}
	stdout := newBoundedBuffer(limit)
	stderr := newBoundedBuffer(limit)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", filepath.Base(spec.Path), err)
	}

	s.registry.Register(spec.RunID, spec.Role, spec.StepID, cmd.Process)
	if spec.OnSpawn != nil {
		spec.OnSpawn()
	}
	defer s.registry.Unregister(spec.RunID, spec.Role, spec.StepID)

	// Drain stdout/stderr concurrently: reading one pipe at a time risks
	// deadlock if the child fills the other pipe's OS buffer.
	var g errgroup.Group
	g.Go(func() error { _, err := stdout.readFrom(stdoutPipe); return err })
	g.Go(func() error { _, err := stderr.readFrom(stderrPipe); return err })
	drainErr := g.Wait()

	waitErr := cmd.Wait()
	duration := time.Since(started).Milliseconds()

	if drainErr != nil {
		return Result{}, fmt.Errorf("drain output: %w", drainErr)
	}

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("wait %s: %w", filepath.Base(spec.Path), waitErr)
		}
	}

	return Result{
		ExitCode:   exitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: duration,
	}, nil
}
