package artifacts

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/session"
)

func withRedisNotifier(t *testing.T, action func(n *RedisCleanupNotifier, db *miniredis.Miniredis)) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	action(NewRedisCleanupNotifier(client), db)
}

func TestRedisCleanupNotifier_NotifyJobDeleted(t *testing.T) {
	withRedisNotifier(t, func(n *RedisCleanupNotifier, db *miniredis.Miniredis) {
		require.NoError(t, n.Ping(context.Background()))

		jobs := []*model.Job{
			{ID: "job-1", Type: "train", ProjectID: "project-1", Session: session.Session{OrganizationID: "org", WorkspaceID: "ws"}},
			{ID: "job-2", Type: "export", Session: session.Session{OrganizationID: "org", WorkspaceID: "ws"}},
		}
		for _, job := range jobs {
			require.NoError(t, n.NotifyJobDeleted(context.Background(), job))
		}

		values, err := db.List(CleanupListKey)
		require.NoError(t, err)
		require.Len(t, values, 2)

		// LPUSH puts the latest request first.
		var latest CleanupRequest
		require.NoError(t, json.Unmarshal([]byte(values[0]), &latest))
		assert.Equal(t, CleanupRequest{JobId: "job-2", OrganizationId: "org", WorkspaceId: "ws", Type: "export"}, latest)

		var first CleanupRequest
		require.NoError(t, json.Unmarshal([]byte(values[1]), &first))
		assert.Equal(t, "project-1", first.ProjectId)
	})
}

func TestRedisCleanupNotifier_ReportsRedisFailure(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()
	db.Close()

	err = NewRedisCleanupNotifier(client).NotifyJobDeleted(context.Background(), &model.Job{ID: "job-1"})
	assert.Error(t, err)
}

func TestNoopCleanupNotifier(t *testing.T) {
	assert.NoError(t, NoopCleanupNotifier{}.NotifyJobDeleted(context.Background(), &model.Job{ID: "job-1"}))
}
