package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestSpawn_ExitCodeAndCapture(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "step.sh", "#!/bin/sh\necho hi\nexit 0\n")

	s := New()
	spawned := false
	res, err := s.Spawn(context.Background(), SpawnSpec{
		Path:            script,
		Cwd:             dir,
		MaxCaptureBytes: 1024,
		RunID:           "run-1",
		Role:            RoleStep,
		StepID:          "s",
		BaseEnv:         map[string]string{"MAXQ_RUN_ID": "run-1"},
		OnSpawn:         func() { spawned = true },
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}
	if res.Stdout != "hi\n" {
		t.Fatalf("unexpected stdout: %q", res.Stdout)
	}
	if !spawned {
		t.Fatal("expected OnSpawn to be called")
	}
}

func TestSpawn_NonZeroExit(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "step.sh", "#!/bin/sh\nexit 3\n")

	s := New()
	res, err := s.Spawn(context.Background(), SpawnSpec{
		Path: script, Cwd: dir, MaxCaptureBytes: 1024,
		RunID: "run-1", Role: RoleStep, StepID: "s",
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d", res.ExitCode)
	}
}

func TestSpawn_NotExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "step.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := New()
	_, err := s.Spawn(context.Background(), SpawnSpec{Path: path, Cwd: dir, RunID: "r", Role: RoleStep})
	if err == nil {
		t.Fatal("expected error for non-executable script")
	}
}

func TestSpawn_InvalidEnvKeyRejected(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "step.sh", "#!/bin/sh\nexit 0\n")

	s := New()
	_, err := s.Spawn(context.Background(), SpawnSpec{
		Path: script, Cwd: dir, RunID: "r", Role: RoleStep,
		Env: map[string]string{"lower_case": "x"},
	})
	if err == nil {
		t.Fatal("expected error for invalid env key")
	}
}

func TestSpawn_OutputTruncation(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "step.sh", "#!/bin/sh\nfor i in $(seq 1 500); do echo line$i; done\n")

	s := New()
	res, err := s.Spawn(context.Background(), SpawnSpec{
		Path: script, Cwd: dir, MaxCaptureBytes: 64, RunID: "r", Role: RoleStep,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if len(res.Stdout) == 0 {
		t.Fatal("expected captured output")
	}
	if !strings.Contains(res.Stdout, "output truncated") {
		t.Fatalf("expected truncation marker, got %q", res.Stdout)
	}
	if len(res.Stdout) > 64+len(truncationMarker) {
		t.Fatalf("expected at most %d bytes, got %d", 64+len(truncationMarker), len(res.Stdout))
	}
}

func TestRegistry_KillRunSignalsAndCounts(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "step.sh", "#!/bin/sh\nsleep 5\n")

	s := New()
	done := make(chan struct{})
	go func() {
		_, _ = s.Spawn(context.Background(), SpawnSpec{
			Path: script, Cwd: dir, RunID: "run-kill", Role: RoleStep, StepID: "s",
			OnSpawn: func() { close(done) },
		})
	}()
	<-done

	killed := s.Registry().KillRun("run-kill", 50)
	if killed != 1 {
		t.Fatalf("expected 1 process killed, got %d", killed)
	}
}
