package model

import (
	"time"

	"github.com/open-edge-platform/geti-sub016/internal/jobs/session"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/templates"
)

// Job is the unit of work handled by the scheduler.
type Job struct {
	ID string `json:"id"`
	// Tenant of the job. Set at creation and never changed.
	Session  session.Session `json:"session"`
	Type     string          `json:"type"`
	Priority int             `json:"priority"`
	Name     string          `json:"job_name"`
	// Fingerprint of the submission, see SerializeJobKey.
	Key        string     `json:"key"`
	State      JobState   `json:"state"`
	StateGroup StateGroup `json:"state_group"`
	// One entry per step of the job's template, in template order.
	StepDetails      []StepDetail      `json:"step_details"`
	Payload          Payload           `json:"payload"`
	Metadata         Payload           `json:"metadata"`
	CreationTime     time.Time         `json:"creation_time"`
	StartTime        *time.Time        `json:"start_time,omitempty"`
	EndTime          *time.Time        `json:"end_time,omitempty"`
	Author           string            `json:"author"`
	ProjectID        string            `json:"project_id,omitempty"`
	CancellationInfo *CancellationInfo `json:"cancellation_info,omitempty"`
	// Dispatch history, oldest first. The last entry is the step currently executing.
	Executions []Execution `json:"executions"`
	// W3C trace context of the submitting request, e.g. a traceparent header value.
	Telemetry         string `json:"telemetry,omitempty"`
	GPU               int    `json:"gpu"`
	Cost              int    `json:"cost"`
	MarkedForDeletion bool   `json:"marked_for_deletion"`
	// Replica currently processing the job and until when it may do so.
	LeaseOwner  string     `json:"lease_owner,omitempty"`
	LeaseExpiry *time.Time `json:"lease_expiry,omitempty"`
}

type StepDetail struct {
	Index         int       `json:"index"`
	StepName      string    `json:"step_name"`
	TaskID        string    `json:"task_id"`
	State         StepState `json:"state"`
	Progress      float64   `json:"progress"`
	Message       string    `json:"message,omitempty"`
	Interruptible bool      `json:"interruptible"`
}

type Execution struct {
	StepIndex int        `json:"step_index"`
	Handle    string     `json:"handle"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

type CancellationInfo struct {
	IsCancelled bool      `json:"is_cancelled"`
	UserID      string    `json:"user_id,omitempty"`
	CancelTime  time.Time `json:"cancel_time"`
	Reason      string    `json:"reason,omitempty"`
	DeleteJob   bool      `json:"delete_job"`
}

// SetState updates the state and its derived state group together.
func (job *Job) SetState(state JobState) {
	job.State = state
	job.StateGroup = state.Group()
}

func (job *Job) InTerminalState() bool {
	return job.State.IsTerminal()
}

// CurrentExecution returns the most recent dispatch of the job, if any.
func (job *Job) CurrentExecution() (Execution, bool) {
	if len(job.Executions) == 0 {
		return Execution{}, false
	}
	return job.Executions[len(job.Executions)-1], true
}

// CurrentStep returns the step the job is executing, or nil if it has not been dispatched.
func (job *Job) CurrentStep() *StepDetail {
	execution, ok := job.CurrentExecution()
	if !ok || execution.StepIndex < 0 || execution.StepIndex >= len(job.StepDetails) {
		return nil
	}
	return &job.StepDetails[execution.StepIndex]
}

// Progress is the overall progress of the job in [0,100]: the progress of the latest started step
// mapped onto that step's share of the job.
func (job *Job) Progress() float64 {
	if job.State == JobStateFinished {
		return 100
	}
	current := -1
	for i, step := range job.StepDetails {
		if step.State != StepStatePending {
			current = i
		}
	}
	if current < 0 {
		return 0
	}
	return templates.StepProgress(current, len(job.StepDetails), job.StepDetails[current].Progress)
}

func (job *Job) DeepCopy() *Job {
	if job == nil {
		return nil
	}
	copied := *job
	copied.StepDetails = append([]StepDetail(nil), job.StepDetails...)
	copied.Executions = make([]Execution, len(job.Executions))
	for i, execution := range job.Executions {
		copied.Executions[i] = execution
		copied.Executions[i].EndTime = copyTime(execution.EndTime)
	}
	if job.Executions == nil {
		copied.Executions = nil
	}
	copied.Payload = job.Payload.DeepCopy()
	copied.Metadata = job.Metadata.DeepCopy()
	copied.StartTime = copyTime(job.StartTime)
	copied.EndTime = copyTime(job.EndTime)
	copied.LeaseExpiry = copyTime(job.LeaseExpiry)
	if job.CancellationInfo != nil {
		info := *job.CancellationInfo
		copied.CancellationInfo = &info
	}
	return &copied
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}
