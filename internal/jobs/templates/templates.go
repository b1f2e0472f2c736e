// Package templates holds the registry of job pipelines: for every job type, the ordered steps
// that the execution backend runs.
package templates

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/open-edge-platform/geti-sub016/internal/common/jobserrors"
)

type Step struct {
	Name string `mapstructure:"name" json:"name" validate:"required"`
	// Identifier of the task the execution backend runs for this step.
	TaskID string `mapstructure:"taskId" json:"taskId" validate:"required"`
	// Steps that must not be cancelled midway set this to false. Nil means interruptible.
	Interruptible *bool `mapstructure:"interruptible" json:"interruptible,omitempty"`
}

func (s Step) IsInterruptible() bool {
	return s.Interruptible == nil || *s.Interruptible
}

// JobsTemplates maps job types to their steps. It is immutable once built.
type JobsTemplates struct {
	templates map[string][]Step
}

// New validates the definitions and builds the registry. All problems are reported together.
func New(definitions map[string][]Step) (*JobsTemplates, error) {
	var result *multierror.Error
	templates := make(map[string][]Step, len(definitions))
	for jobType, steps := range definitions {
		if len(steps) == 0 {
			result = multierror.Append(result, fmt.Errorf("job type %q has no steps", jobType))
			continue
		}
		names := map[string]bool{}
		for i, step := range steps {
			if step.Name == "" || step.TaskID == "" {
				result = multierror.Append(result, fmt.Errorf("step %d of job type %q needs both a name and a task id", i, jobType))
			}
			if names[step.Name] {
				result = multierror.Append(result, fmt.Errorf("job type %q has more than one step named %q", jobType, step.Name))
			}
			names[step.Name] = true
		}
		templates[jobType] = append([]Step(nil), steps...)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, errors.WithStack(err)
	}
	return &JobsTemplates{templates: templates}, nil
}

// GetJobSteps returns a copy of the steps registered for jobType, or ErrTemplateNotFound.
func (t *JobsTemplates) GetJobSteps(jobType string) ([]Step, error) {
	if t == nil || len(t.templates) == 0 {
		return nil, errors.WithStack(&jobserrors.ErrTemplateNotFound{JobType: jobType})
	}
	steps, ok := t.templates[jobType]
	if !ok {
		return nil, errors.WithStack(&jobserrors.ErrTemplateNotFound{JobType: jobType})
	}
	return append([]Step(nil), steps...), nil
}

// JobTypes returns the registered job types in alphabetical order.
func (t *JobsTemplates) JobTypes() []string {
	if t == nil {
		return nil
	}
	jobTypes := make([]string, 0, len(t.templates))
	for jobType := range t.templates {
		jobTypes = append(jobTypes, jobType)
	}
	sort.Strings(jobTypes)
	return jobTypes
}
