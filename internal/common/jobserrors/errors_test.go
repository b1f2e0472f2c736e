package jobserrors

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCodeFromErrorAndKind(t *testing.T) {
	tests := map[string]struct {
		err          error
		expectedCode codes.Code
		expectedKind string
	}{
		"nil": {
			err:          nil,
			expectedCode: codes.OK,
			expectedKind: "none",
		},
		"duplicate": {
			err:          errors.WithStack(&ErrDuplicateJobFound{JobType: "train", ExistingJobId: "a"}),
			expectedCode: codes.AlreadyExists,
			expectedKind: "DuplicateJobFound",
		},
		"not cancellable wrapped twice": {
			err:          errors.WithMessage(errors.WithStack(&ErrJobNotCancellable{JobId: "a", State: "FINISHED"}), "cancel"),
			expectedCode: codes.FailedPrecondition,
			expectedKind: "JobNotCancellable",
		},
		"workspace": {
			err:          &ErrWorkspaceNotFound{WorkspaceId: "ws"},
			expectedCode: codes.NotFound,
			expectedKind: "WorkspaceNotFound",
		},
		"quota": {
			err:          errors.Wrap(&ErrQuotaExceeded{OrganizationId: "org", Quota: 1, Active: 1}, "submit"),
			expectedCode: codes.ResourceExhausted,
			expectedKind: "QuotaExceeded",
		},
		"template": {
			err:          &ErrTemplateNotFound{JobType: "train"},
			expectedCode: codes.Internal,
			expectedKind: "TemplateNotFound",
		},
		"not found": {
			err:          &ErrNotFound{Type: "job", Value: "a"},
			expectedCode: codes.NotFound,
			expectedKind: "NotFound",
		},
		"invalid argument": {
			err:          &ErrInvalidArgument{Name: "duplicatePolicy", Value: "sometimes"},
			expectedCode: codes.InvalidArgument,
			expectedKind: "InvalidArgument",
		},
		"conflict": {
			err:          &ErrConflict{Message: "state changed"},
			expectedCode: codes.Aborted,
			expectedKind: "Conflict",
		},
		"unknown": {
			err:          errors.New("boom"),
			expectedCode: codes.Unknown,
			expectedKind: "Internal",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expectedCode, CodeFromError(tc.err))
			assert.Equal(t, tc.expectedKind, Kind(tc.err))
		})
	}
}

func TestToStatus(t *testing.T) {
	assert.Nil(t, ToStatus(nil))

	err := ToStatus(errors.Wrap(&ErrQuotaExceeded{OrganizationId: "org", Quota: 2, Active: 2}, "submitting job"))
	s, ok := status.FromError(err)
	assert.True(t, ok)
	assert.Equal(t, codes.ResourceExhausted, s.Code())
	assert.Equal(t, "organization org has 2 active jobs which reaches its quota of 2", s.Message())
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "no workspace was given", (&ErrWorkspaceNotFound{}).Error())
	assert.Equal(t, `job a in state FINISHED cannot be cancelled; already terminal`,
		(&ErrJobNotCancellable{JobId: "a", State: "FINISHED", Reason: "already terminal"}).Error())
	assert.Equal(t, `resource "a" of type "job" does not exist`, (&ErrNotFound{Type: "job", Value: "a"}).Error())
}
