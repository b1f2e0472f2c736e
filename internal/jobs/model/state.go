package model

import (
	"fmt"
	"strings"
)

// JobState is the fine-grained lifecycle value of a job. Values are persisted, never renumber them.
type JobState int

const (
	JobStateSubmitted  JobState = 1
	JobStateRunning    JobState = 2
	JobStateCancelling JobState = 3
	JobStateFinished   JobState = 4
	JobStateFailed     JobState = 5
	JobStateCancelled  JobState = 6
)

var jobStateNames = map[JobState]string{
	JobStateSubmitted:  "SUBMITTED",
	JobStateRunning:    "RUNNING",
	JobStateCancelling: "CANCELLING",
	JobStateFinished:   "FINISHED",
	JobStateFailed:     "FAILED",
	JobStateCancelled:  "CANCELLED",
}

func (s JobState) String() string {
	if name, ok := jobStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("JobState(%d)", int(s))
}

func ParseJobState(s string) (JobState, error) {
	for state, name := range jobStateNames {
		if strings.EqualFold(name, s) {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown job state %q", s)
}

// StateGroup is the coarse classification of a JobState.
type StateGroup string

const (
	StateGroupScheduled StateGroup = "SCHEDULED"
	StateGroupRunning   StateGroup = "RUNNING"
	StateGroupFinished  StateGroup = "FINISHED"
	StateGroupFailed    StateGroup = "FAILED"
	StateGroupCancelled StateGroup = "CANCELLED"
)

var stateGroups = map[JobState]StateGroup{
	JobStateSubmitted:  StateGroupScheduled,
	JobStateRunning:    StateGroupRunning,
	JobStateCancelling: StateGroupRunning,
	JobStateFinished:   StateGroupFinished,
	JobStateFailed:     StateGroupFailed,
	JobStateCancelled:  StateGroupCancelled,
}

// StateGroupOf returns the state group of state. Unknown states belong to no group.
func StateGroupOf(state JobState) StateGroup {
	return stateGroups[state]
}

func (s JobState) Group() StateGroup {
	return StateGroupOf(s)
}

func (g StateGroup) IsTerminal() bool {
	return g == StateGroupFinished || g == StateGroupFailed || g == StateGroupCancelled
}

func (s JobState) IsTerminal() bool {
	return s.Group().IsTerminal()
}

// ActiveStates are the states that count against an organization's quota and take part in deduplication.
var ActiveStates = []JobState{JobStateSubmitted, JobStateRunning, JobStateCancelling}

// RunningStates are the states of jobs that hold cluster resources.
var RunningStates = []JobState{JobStateRunning, JobStateCancelling}

var TerminalStates = []JobState{JobStateFinished, JobStateFailed, JobStateCancelled}

// transitions lists every legal state change. New states must be added here explicitly.
var transitions = map[JobState][]JobState{
	JobStateSubmitted:  {JobStateRunning, JobStateCancelled, JobStateFailed},
	JobStateRunning:    {JobStateFinished, JobStateFailed, JobStateCancelling},
	JobStateCancelling: {JobStateCancelled},
}

func CanTransition(from, to JobState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StepState is the status of a single step of a job's pipeline.
type StepState string

const (
	StepStatePending   StepState = "PENDING"
	StepStateRunning   StepState = "RUNNING"
	StepStateFinished  StepState = "FINISHED"
	StepStateFailed    StepState = "FAILED"
	StepStateCancelled StepState = "CANCELLED"
)
