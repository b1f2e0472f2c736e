package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-edge-platform/geti-sub016/internal/common/jobserrors"
)

func TestGetJobSteps_NoTemplates(t *testing.T) {
	registry, err := New(nil)
	require.NoError(t, err)

	_, err = registry.GetJobSteps("train")
	var notFound *jobserrors.ErrTemplateNotFound
	assert.ErrorAs(t, err, &notFound)
	assert.Equal(t, "train", notFound.JobType)
}

func TestGetJobSteps_SingleStep(t *testing.T) {
	registry, err := New(map[string][]Step{
		"train": {{Name: "step", TaskID: "step"}},
	})
	require.NoError(t, err)

	steps, err := registry.GetJobSteps("train")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "step", steps[0].Name)
	assert.Equal(t, "step", steps[0].TaskID)
	assert.True(t, steps[0].IsInterruptible())

	_, err = registry.GetJobSteps("export")
	var notFound *jobserrors.ErrTemplateNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestGetJobSteps_ReturnsCopy(t *testing.T) {
	registry, err := New(map[string][]Step{
		"train": {{Name: "prepare", TaskID: "prepare"}, {Name: "train", TaskID: "train"}},
	})
	require.NoError(t, err)

	steps, err := registry.GetJobSteps("train")
	require.NoError(t, err)
	steps[0].Name = "changed"

	again, err := registry.GetJobSteps("train")
	require.NoError(t, err)
	assert.Equal(t, "prepare", again[0].Name)
}

func TestNew_Invalid(t *testing.T) {
	tests := map[string]map[string][]Step{
		"no steps":       {"train": {}},
		"missing task":   {"train": {{Name: "a"}}},
		"duplicate name": {"train": {{Name: "a", TaskID: "a"}, {Name: "a", TaskID: "b"}}},
	}
	for name, definitions := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(definitions)
			assert.Error(t, err)
		})
	}
}

func TestJobTypes(t *testing.T) {
	registry, err := New(map[string][]Step{
		"train":  {{Name: "train", TaskID: "train"}},
		"export": {{Name: "export", TaskID: "export"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"export", "train"}, registry.JobTypes())
}

func TestStepProgress(t *testing.T) {
	tests := map[string]struct {
		stepIndex    int
		stepsCount   int
		stepProgress float64
		expected     float64
	}{
		"single step":              {stepIndex: 0, stepsCount: 1, stepProgress: 40, expected: 40},
		"first of two at start":    {stepIndex: 0, stepsCount: 2, stepProgress: 0, expected: 0},
		"first of two done":        {stepIndex: 0, stepsCount: 2, stepProgress: 100, expected: 50},
		"second of two half":       {stepIndex: 1, stepsCount: 2, stepProgress: 50, expected: 75},
		"last of four done":        {stepIndex: 3, stepsCount: 4, stepProgress: 100, expected: 100},
		"index past end clamps":    {stepIndex: 4, stepsCount: 4, stepProgress: 50, expected: 100},
		"negative index clamps":    {stepIndex: -1, stepsCount: 4, stepProgress: 100, expected: 0},
		"no steps uses full range": {stepIndex: 0, stepsCount: 0, stepProgress: 30, expected: 30},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.InDelta(t, tc.expected, StepProgress(tc.stepIndex, tc.stepsCount, tc.stepProgress), 1e-9)
		})
	}
}

func TestProgress_EndBelowStart(t *testing.T) {
	assert.Equal(t, 60.0, Progress(50, 60, 20))
	assert.Equal(t, 100.0, Progress(50, 150, 200))
}
