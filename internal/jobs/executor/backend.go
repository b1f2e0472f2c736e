// Package executor runs the steps of jobs on an execution backend.
package executor

import (
	"context"

	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/templates"
)

// Handle identifies a dispatched step on its backend.
type Handle string

type StepStatusState string

const (
	StepRunning   StepStatusState = "RUNNING"
	StepSucceeded StepStatusState = "SUCCEEDED"
	StepFailed    StepStatusState = "FAILED"
)

type StepStatus struct {
	State StepStatusState
	// Progress of the step in [0,100].
	Progress float64
	Message  string
}

type Backend interface {
	// Dispatch starts step stepIndex of job. Dispatching a step that is already running returns
	// the handle of the running step.
	Dispatch(ctx context.Context, job *model.Job, stepIndex int, step templates.Step) (Handle, error)
	Poll(ctx context.Context, handle Handle) (StepStatus, error)
	// Cancel stops the step. Cancelling a step that no longer exists is not an error.
	Cancel(ctx context.Context, handle Handle) error
}

func clampProgress(progress float64) float64 {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}
