package model

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/open-edge-platform/geti-sub016/internal/common/jobserrors"
)

// DuplicatePolicy decides what happens to a submission when an active job with the same type
// and key already exists in the workspace.
type DuplicatePolicy string

const (
	// DuplicatePolicyReplace cancels the existing job and submits the new one.
	DuplicatePolicyReplace DuplicatePolicy = "replace"
	// DuplicatePolicyOmit drops the new submission without an error.
	DuplicatePolicyOmit DuplicatePolicy = "omit"
	// DuplicatePolicyReject fails the new submission with ErrDuplicateJobFound.
	DuplicatePolicyReject DuplicatePolicy = "reject"
)

func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch p := DuplicatePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case DuplicatePolicyReplace, DuplicatePolicyOmit, DuplicatePolicyReject:
		return p, nil
	}
	return "", errors.WithStack(&jobserrors.ErrInvalidArgument{
		Name:    "duplicatePolicy",
		Value:   s,
		Message: "must be one of replace, omit or reject",
	})
}

func (p *DuplicatePolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseDuplicatePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p DuplicatePolicy) String() string {
	return string(p)
}
