package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	commonconfig "github.com/open-edge-platform/geti-sub016/internal/common/config"
	"github.com/open-edge-platform/geti-sub016/internal/common/health"
	"github.com/open-edge-platform/geti-sub016/internal/common/jobserrors"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/configuration"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/session"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/submit"
)

var user = session.Session{OrganizationID: "org-1", WorkspaceID: "ws-1", Source: session.SourceBrowser, UserID: "alice"}

func testConfig(t *testing.T) configuration.Configuration {
	v := viper.New()
	v.SetConfigFile("../../config/jobs-scheduler/config.yaml")
	require.NoError(t, v.ReadInConfig())
	var config configuration.Configuration
	require.NoError(t, v.Unmarshal(&config, commonconfig.CustomHooks...))
	config.ReplicaId = "replica-1"
	config.Executor.LocalIncrement = 100
	require.NoError(t, config.Validate())
	return config
}

func newTestApp(t *testing.T, config configuration.Configuration) *App {
	app, err := NewApp(context.Background(), config, prometheus.NewRegistry(), clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func TestApp_RunsJobToCompletion(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t, testConfig(t))
	assert.Equal(t, "replica-1", app.ReplicaId)
	checks := health.NewMultiChecker()
	app.RegisterHealthChecks(checks)
	assert.Empty(t, checks.Failures())

	app.Resources.Refresh(ctx)
	capacity, ok := app.Resources.GpuCapacity()
	require.True(t, ok)
	assert.Equal(t, []int{1}, capacity)

	job, err := app.Service.Submit(ctx, user, submit.SubmitRequest{
		Type:    "import",
		Payload: map[string]any{"project_id": "p1", "dataset": "cats"},
	})
	require.NoError(t, err)

	app.Scheduler.RunSubmissionLoop(ctx)
	job, err = app.Service.GetJob(ctx, user, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateRunning, job.State)

	app.Scheduler.RunProgressLoop(ctx)
	app.Scheduler.RunProgressLoop(ctx)
	job, err = app.Service.GetJob(ctx, user, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFinished, job.State)
	assert.Equal(t, 100.0, job.Progress())

	require.NoError(t, app.Service.Delete(ctx, user, job.ID))
	app.Scheduler.RunDeletionLoop(ctx)
	_, err = app.Service.GetJob(ctx, user, job.ID)
	var notFound *jobserrors.ErrNotFound
	assert.True(t, errors.As(err, &notFound))
}

func TestApp_DefaultDuplicatePolicy(t *testing.T) {
	ctx := context.Background()
	config := testConfig(t)
	config.DefaultDuplicatePolicy = model.DuplicatePolicyOmit
	app := newTestApp(t, config)

	request := submit.SubmitRequest{Type: "test", Payload: map[string]any{"model_id": "m1"}}
	first, err := app.Service.Submit(ctx, user, request)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := app.Service.Submit(ctx, user, request)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestApp_QuotaFromConfig(t *testing.T) {
	ctx := context.Background()
	config := testConfig(t)
	config.Quota.DefaultQuota = 1
	app := newTestApp(t, config)

	_, err := app.Service.Submit(ctx, user, submit.SubmitRequest{Type: "test", Payload: map[string]any{"model_id": "m1"}})
	require.NoError(t, err)
	_, err = app.Service.Submit(ctx, user, submit.SubmitRequest{Type: "test", Payload: map[string]any{"model_id": "m2"}})
	var exceeded *jobserrors.ErrQuotaExceeded
	assert.True(t, errors.As(err, &exceeded))
}

func TestApp_HealthChecksNameFailingDependencies(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	config := testConfig(t)
	config.Redis = &commonconfig.RedisConfig{Addrs: []string{db.Addr()}}
	app := newTestApp(t, config)

	startup := health.NewStartupCompleteChecker()
	checks := health.NewMultiChecker()
	checks.Register("startup", startup)
	app.RegisterHealthChecks(checks)
	startup.MarkComplete()
	assert.NoError(t, checks.Check())

	db.Close()
	failures := checks.Failures()
	require.Len(t, failures, 1)
	assert.Contains(t, failures, "redis")
}

func TestNewApp_InvalidTemplates(t *testing.T) {
	config := testConfig(t)
	config.Templates["broken"] = nil
	_, err := NewApp(context.Background(), config, prometheus.NewRegistry(), clock.NewFakeClock(time.Now()))
	assert.Error(t, err)
}
