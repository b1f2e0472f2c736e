// Package jobserrors contains the error kinds returned by the jobs scheduler API.
// Callers should look for these types with errors.As rather than inspecting messages;
// CodeFromError maps them onto gRPC codes for transports that need one.
package jobserrors

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrDuplicateJobFound is returned when a submission with the REJECT duplicate policy matches a
// job of the same type and key that has not finished yet.
type ErrDuplicateJobFound struct {
	JobType       string
	Key           string
	ExistingJobId string
}

func (err *ErrDuplicateJobFound) Error() string {
	return fmt.Sprintf("a %s job with the same key already exists (job %s)", err.JobType, err.ExistingJobId)
}

// ErrJobNotCancellable is returned when a job is terminal or currently executing a step that
// cannot be interrupted.
type ErrJobNotCancellable struct {
	JobId  string
	State  string
	Reason string
}

func (err *ErrJobNotCancellable) Error() (s string) {
	s = fmt.Sprintf("job %s in state %s cannot be cancelled", err.JobId, err.State)
	if err.Reason != "" {
		s = s + fmt.Sprintf("; %s", err.Reason)
	}
	return
}

type ErrWorkspaceNotFound struct {
	WorkspaceId string
}

func (err *ErrWorkspaceNotFound) Error() string {
	if err.WorkspaceId == "" {
		return "no workspace was given"
	}
	return fmt.Sprintf("workspace %q does not exist", err.WorkspaceId)
}

// ErrQuotaExceeded is returned when an organization already has as many active jobs as its quota allows.
type ErrQuotaExceeded struct {
	OrganizationId string
	Quota          int
	Active         int
}

func (err *ErrQuotaExceeded) Error() string {
	return fmt.Sprintf("organization %s has %d active jobs which reaches its quota of %d", err.OrganizationId, err.Active, err.Quota)
}

// ErrTemplateNotFound indicates a job type with no registered template. This is a configuration
// problem, not a user error, and retrying will not help.
type ErrTemplateNotFound struct {
	JobType string
}

func (err *ErrTemplateNotFound) Error() string {
	return fmt.Sprintf("no job template is registered for job type %q", err.JobType)
}

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "job"
	Value   string // Resource name or id
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "duplicatePolicy"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message, e.g., explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrConflict is returned when a conditional update matched nothing because the document changed
// underneath the caller, e.g. another replica moved the job to a different state first.
type ErrConflict struct {
	Message string
}

func (err *ErrConflict) Error() string {
	return fmt.Sprintf("conflicting update; %s", err.Message)
}

// CodeFromError maps error types to gRPC return codes.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func CodeFromError(err error) codes.Code {
	// If the error is nil or a gRPC status, return the embedded code.
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}

	// Using {} scopes just to re-use the "e" variable name for each case.
	{
		var e *ErrDuplicateJobFound
		if errors.As(err, &e) {
			return codes.AlreadyExists
		}
	}
	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return codes.AlreadyExists
		}
	}
	{
		var e *ErrJobNotCancellable
		if errors.As(err, &e) {
			return codes.FailedPrecondition
		}
	}
	{
		var e *ErrWorkspaceNotFound
		if errors.As(err, &e) {
			return codes.NotFound
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return codes.NotFound
		}
	}
	{
		var e *ErrQuotaExceeded
		if errors.As(err, &e) {
			return codes.ResourceExhausted
		}
	}
	{
		var e *ErrTemplateNotFound
		if errors.As(err, &e) {
			return codes.Internal
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return codes.InvalidArgument
		}
	}
	{
		var e *ErrConflict
		if errors.As(err, &e) {
			return codes.Aborted
		}
	}

	return codes.Unknown
}

// Kind returns a short, stable name for the error kind, suitable for metric labels.
func Kind(err error) string {
	if err == nil {
		return "none"
	}
	{
		var e *ErrDuplicateJobFound
		if errors.As(err, &e) {
			return "DuplicateJobFound"
		}
	}
	{
		var e *ErrJobNotCancellable
		if errors.As(err, &e) {
			return "JobNotCancellable"
		}
	}
	{
		var e *ErrWorkspaceNotFound
		if errors.As(err, &e) {
			return "WorkspaceNotFound"
		}
	}
	{
		var e *ErrQuotaExceeded
		if errors.As(err, &e) {
			return "QuotaExceeded"
		}
	}
	{
		var e *ErrTemplateNotFound
		if errors.As(err, &e) {
			return "TemplateNotFound"
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return "NotFound"
		}
	}
	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return "AlreadyExists"
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return "InvalidArgument"
		}
	}
	{
		var e *ErrConflict
		if errors.As(err, &e) {
			return "Conflict"
		}
	}
	return "Internal"
}

// ToStatus converts err into a gRPC status error carrying the code from CodeFromError and
// the message of the error's cause.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(CodeFromError(err), errors.Cause(err).Error())
}
