// Package session describes the tenant on whose behalf an operation runs.
package session

import (
	"context"
	"fmt"
)

type Source string

const (
	SourceBrowser  Source = "browser"
	SourceApi      Source = "api"
	SourceInternal Source = "internal"
)

// Session fixes the tenant (organization and workspace) of a request. Every repository
// operation is scoped by the session it is performed under.
type Session struct {
	OrganizationID string `json:"organization_id"`
	WorkspaceID    string `json:"workspace_id"`
	Source         Source `json:"source"`
	UserID         string `json:"user_id,omitempty"`
	// Admins may mutate any job of their workspace, not only their own.
	Admin bool `json:"-"`
}

// Internal returns the session used by the scheduler itself when acting on a job of the given tenant.
func Internal(organizationID, workspaceID string) Session {
	return Session{
		OrganizationID: organizationID,
		WorkspaceID:    workspaceID,
		Source:         SourceInternal,
	}
}

// OrganizationScope returns a copy of s spanning every workspace of its organization.
func (s Session) OrganizationScope() Session {
	s.WorkspaceID = ""
	return s
}

func (s Session) IsInternal() bool {
	return s.Source == SourceInternal
}

// CanMutateAnyJob reports whether the session may change jobs authored by other users of the tenant.
func (s Session) CanMutateAnyJob() bool {
	return s.IsInternal() || s.Admin
}

func (s Session) String() string {
	return fmt.Sprintf("%s/%s (%s)", s.OrganizationID, s.WorkspaceID, s.Source)
}

type sessionKey struct{}

func NewContext(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session stored in ctx by NewContext.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}
