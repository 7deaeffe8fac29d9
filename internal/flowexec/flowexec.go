// Package flowexec is C4: a thin wrapper over the supervisor that launches
// flow.sh for a run's three entry points. It never parses the script's
// stdout — flow.sh's only means of producing work is calling back through
// the stage-scheduling HTTP endpoint (spec §4.4).
package flowexec

import (
	"context"
	"fmt"

	"github.com/maxq-dev/maxq/internal/flows"
	"github.com/maxq-dev/maxq/internal/supervisor"
)

// Entry names the three points the flow script is re-entered at.
type Entry int

const (
	EntryInitial Entry = iota
	EntryStageCompleted
	EntryStageFailed
)

// Executor launches flow.sh.
type Executor struct {
	supervisor *supervisor.Supervisor
	apiBaseURL string
}

func New(sup *supervisor.Supervisor, apiBaseURL string) *Executor {
	return &Executor{supervisor: sup, apiBaseURL: apiBaseURL}
}

// Run invokes flow.sh for one entry point and returns its exit code plus
// captured output. stageName is required for EntryStageCompleted/Failed.
func (e *Executor) Run(ctx context.Context, flow *flows.Flow, runID, flowName string, entry Entry, stageName string, maxCaptureBytes int) (supervisor.Result, error) {
	base := map[string]string{
		"MAXQ_RUN_ID":    runID,
		"MAXQ_FLOW_NAME": flowName,
		"MAXQ_API":       e.apiBaseURL,
	}

	switch entry {
	case EntryStageCompleted:
		base["MAXQ_COMPLETED_STAGE"] = stageName
	case EntryStageFailed:
		base["MAXQ_FAILED_STAGE"] = stageName
	case EntryInitial:
		// no extra vars
	default:
		return supervisor.Result{}, fmt.Errorf("unknown flow entry %d", entry)
	}

	return e.supervisor.Spawn(ctx, supervisor.SpawnSpec{
		Path:            flow.ScriptPath,
		Cwd:             flow.Root,
		MaxCaptureBytes: maxCaptureBytes,
		RunID:           runID,
		Role:            supervisor.RoleFlow,
		BaseEnv:         base,
	})
}
