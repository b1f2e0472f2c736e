// Package artifacts tells the owners of a job's stored artifacts that the job is gone, so that
// models, datasets and logs produced by it can be reclaimed.
package artifacts

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
)

// CleanupListKey is the redis list artifact cleanup requests are pushed onto.
const CleanupListKey = "jobs:artifact-cleanup"

type CleanupNotifier interface {
	// NotifyJobDeleted is called before the job's record is removed. An error keeps the record.
	NotifyJobDeleted(ctx context.Context, job *model.Job) error
}

// CleanupRequest is the record consumers of the cleanup list receive.
type CleanupRequest struct {
	JobId          string `json:"jobId"`
	OrganizationId string `json:"organizationId"`
	WorkspaceId    string `json:"workspaceId"`
	ProjectId      string `json:"projectId,omitempty"`
	Type           string `json:"type"`
}

func NewCleanupRequest(job *model.Job) CleanupRequest {
	return CleanupRequest{
		JobId:          job.ID,
		OrganizationId: job.Session.OrganizationID,
		WorkspaceId:    job.Session.WorkspaceID,
		ProjectId:      job.ProjectID,
		Type:           job.Type,
	}
}

type RedisCleanupNotifier struct {
	db redis.UniversalClient
}

func NewRedisCleanupNotifier(db redis.UniversalClient) *RedisCleanupNotifier {
	return &RedisCleanupNotifier{db: db}
}

func (n *RedisCleanupNotifier) NotifyJobDeleted(_ context.Context, job *model.Job) error {
	request, err := json.Marshal(NewCleanupRequest(job))
	if err != nil {
		return errors.WithStack(err)
	}
	if err := n.db.LPush(CleanupListKey, request).Err(); err != nil {
		return errors.Wrapf(err, "signalling artifact cleanup of job %s", job.ID)
	}
	return nil
}

// Ping is used by the health check.
func (n *RedisCleanupNotifier) Ping(_ context.Context) error {
	return n.db.Ping().Err()
}

type NoopCleanupNotifier struct{}

func (NoopCleanupNotifier) NotifyJobDeleted(_ context.Context, job *model.Job) error {
	log.WithField("jobId", job.ID).Debug("Artifact cleanup is disabled, nothing to signal")
	return nil
}
