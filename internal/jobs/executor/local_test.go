package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-edge-platform/geti-sub016/internal/jobs/templates"
)

func TestLocalBackend(t *testing.T) {
	ctx := context.Background()
	backend := NewLocalBackend(40)

	handle, err := backend.Dispatch(ctx, testJob(), 0, templates.Step{Name: "train", TaskID: "train-model"})
	require.NoError(t, err)
	assert.Equal(t, 1, backend.Running())

	var states []StepStatus
	for i := 0; i < 3; i++ {
		status, err := backend.Poll(ctx, handle)
		require.NoError(t, err)
		states = append(states, status)
	}
	assert.Equal(t, []StepStatus{
		{State: StepRunning, Progress: 40},
		{State: StepRunning, Progress: 80},
		{State: StepSucceeded, Progress: 100},
	}, states)
	assert.Equal(t, 0, backend.Running())

	_, err = backend.Poll(ctx, handle)
	assert.Error(t, err)
}

func TestLocalBackend_FailingTask(t *testing.T) {
	ctx := context.Background()
	backend := NewLocalBackend(10, "export-dataset")

	handle, err := backend.Dispatch(ctx, testJob(), 0, templates.Step{Name: "export", TaskID: "export-dataset"})
	require.NoError(t, err)
	status, err := backend.Poll(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, StepFailed, status.State)
}

func TestLocalBackend_Cancel(t *testing.T) {
	ctx := context.Background()
	backend := NewLocalBackend(10)

	handle, err := backend.Dispatch(ctx, testJob(), 0, templates.Step{Name: "train", TaskID: "train-model"})
	require.NoError(t, err)
	require.NoError(t, backend.Cancel(ctx, handle))
	assert.Equal(t, 0, backend.Running())
	assert.NoError(t, backend.Cancel(ctx, handle))
}
