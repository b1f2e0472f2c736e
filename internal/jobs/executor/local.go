package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/open-edge-platform/geti-sub016/internal/common/jobserrors"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/templates"
)

type localStep struct {
	taskID   string
	progress float64
}

// LocalBackend simulates execution in process: every poll advances a step by a fixed increment
// until it completes. Steps whose task id is listed as failing fail on their first poll.
type LocalBackend struct {
	increment    float64
	failingTasks map[string]bool
	steps        map[Handle]*localStep
	mutex        sync.Mutex
}

func NewLocalBackend(increment float64, failingTasks ...string) *LocalBackend {
	if increment <= 0 {
		increment = 25
	}
	failing := make(map[string]bool, len(failingTasks))
	for _, taskID := range failingTasks {
		failing[taskID] = true
	}
	return &LocalBackend{
		increment:    increment,
		failingTasks: failing,
		steps:        map[Handle]*localStep{},
	}
}

func (b *LocalBackend) Dispatch(_ context.Context, job *model.Job, stepIndex int, step templates.Step) (Handle, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	handle := Handle(fmt.Sprintf("local-%s-%d", job.ID, stepIndex))
	if _, exists := b.steps[handle]; !exists {
		b.steps[handle] = &localStep{taskID: step.TaskID}
	}
	return handle, nil
}

func (b *LocalBackend) Poll(_ context.Context, handle Handle) (StepStatus, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	step, ok := b.steps[handle]
	if !ok {
		return StepStatus{}, errors.WithStack(&jobserrors.ErrNotFound{Type: "execution", Value: string(handle)})
	}
	if b.failingTasks[step.taskID] {
		delete(b.steps, handle)
		return StepStatus{State: StepFailed, Message: fmt.Sprintf("task %s failed", step.taskID)}, nil
	}
	step.progress = clampProgress(step.progress + b.increment)
	if step.progress >= 100 {
		delete(b.steps, handle)
		return StepStatus{State: StepSucceeded, Progress: 100}, nil
	}
	return StepStatus{State: StepRunning, Progress: step.progress}, nil
}

func (b *LocalBackend) Cancel(_ context.Context, handle Handle) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.steps, handle)
	return nil
}

// Running returns the number of steps that are dispatched and not yet completed.
func (b *LocalBackend) Running() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.steps)
}
