package jobs

import (
	"context"
	"time"

	"github.com/go-redis/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"

	"github.com/open-edge-platform/geti-sub016/internal/common"
	"github.com/open-edge-platform/geti-sub016/internal/common/cluster"
	"github.com/open-edge-platform/geti-sub016/internal/common/database"
	"github.com/open-edge-platform/geti-sub016/internal/common/health"
	"github.com/open-edge-platform/geti-sub016/internal/common/task"
	"github.com/open-edge-platform/geti-sub016/internal/common/util"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/api"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/artifacts"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/configuration"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/executor"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/metrics"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/quota"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/repository"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/resources"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/scheduler"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/statemachine"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/submit"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/templates"
)

const (
	taskShutdownTimeout = 30 * time.Second
	healthCheckTimeout  = 5 * time.Second
)

// App holds the components of a jobs scheduler replica.
type App struct {
	Service   *api.Service
	Scheduler *scheduler.Scheduler
	Resources *resources.ResourceManager
	Templates *templates.JobsTemplates
	ReplicaId string

	healthChecks map[string]health.Checker
	closers      []func()
}

// NewApp builds every component described by config. Close releases the connections it opened.
func NewApp(ctx context.Context, config configuration.Configuration, registerer prometheus.Registerer, clock clock.Clock) (*App, error) {
	app := &App{ReplicaId: config.ReplicaId, healthChecks: map[string]health.Checker{}}
	if app.ReplicaId == "" {
		app.ReplicaId = util.NewReplicaId()
	}
	m := metrics.New(registerer)

	jobsTemplates, err := templates.New(config.Templates)
	if err != nil {
		return nil, errors.WithMessage(err, "error loading job templates")
	}
	app.Templates = jobsTemplates

	//////////////////////////////////////////////////////////////////////////
	// Storage
	//////////////////////////////////////////////////////////////////////////
	store, err := app.createStore(ctx, config.Storage, clock)
	if err != nil {
		app.Close()
		return nil, err
	}

	var notifier artifacts.CleanupNotifier = artifacts.NoopCleanupNotifier{}
	if config.Redis != nil {
		log.Infof("Signalling artifact cleanup through redis at %v", config.Redis.Addrs)
		redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
		app.closers = append(app.closers, func() {
			if err := redisClient.Close(); err != nil {
				log.WithError(errors.WithStack(err)).Warnf("Redis client didn't close down cleanly")
			}
		})
		redisNotifier := artifacts.NewRedisCleanupNotifier(redisClient)
		app.healthChecks["redis"] = health.NewPingChecker(redisNotifier.Ping, healthCheckTimeout)
		notifier = redisNotifier
	}

	//////////////////////////////////////////////////////////////////////////
	// Cluster
	//////////////////////////////////////////////////////////////////////////
	var clientset kubernetes.Interface
	if config.Resources.Kubernetes || config.Executor.Type == configuration.ExecutorKubernetes {
		clientset, err = cluster.NewKubernetesClient(config.Kubernetes)
		if err != nil {
			app.Close()
			return nil, errors.WithMessage(err, "error creating kubernetes client")
		}
	}

	var resourceClient resources.ClusterResourceClient = resources.StaticResourceClient{Gpus: config.Resources.StaticGpus}
	if config.Resources.Kubernetes {
		resourceClient = resources.NewKubernetesResourceClient(clientset, config.Resources.GpuResourceNames)
	}
	app.Resources = resources.NewResourceManager(resourceClient, config.Resources.RequestTimeout, m)

	var backend executor.Backend
	switch config.Executor.Type {
	case configuration.ExecutorKubernetes:
		gpuResourceName := ""
		if len(config.Resources.GpuResourceNames) > 0 {
			gpuResourceName = config.Resources.GpuResourceNames[0]
		}
		backend = executor.NewKubernetesBackend(clientset, executor.KubernetesBackendConfig{
			Namespace:       config.Executor.Namespace,
			Images:          config.Executor.Images,
			DefaultImage:    config.Executor.DefaultImage,
			ServiceAccount:  config.Executor.ServiceAccount,
			GpuResourceName: gpuResourceName,
		})
	default:
		log.Warn("Using the local executor, steps are simulated in process")
		backend = executor.NewLocalBackend(config.Executor.LocalIncrement)
	}

	//////////////////////////////////////////////////////////////////////////
	// Quota
	//////////////////////////////////////////////////////////////////////////
	var billingClient quota.BillingClient = quota.StaticBillingClient{Quota: config.Quota.DefaultQuota}
	if config.Quota.BillingUrl != "" {
		billingClient = quota.NewHttpBillingClient(quota.HttpBillingClientConfig{
			Url:            config.Quota.BillingUrl,
			RequestTimeout: config.Quota.RequestTimeout,
			Attempts:       config.Quota.Attempts,
			RetryDelay:     config.Quota.RetryDelay,
		})
	}
	log.Infof("Reading organization quotas from %v", billingClient)
	quotaPolicy := quota.NewQuotaPolicy(billingClient, config.Quota.Ttl, m)

	//////////////////////////////////////////////////////////////////////////
	// Scheduling
	//////////////////////////////////////////////////////////////////////////
	stateMachine := statemachine.New(store, notifier, app.ReplicaId, config.Storage.LeaseDuration, clock, m)
	submitter := submit.NewSubmitter(store, jobsTemplates, quotaPolicy, stateMachine, config.DefaultDuplicatePolicy, clock, m)
	app.Service = api.NewService(store, submitter, stateMachine)
	app.Scheduler = scheduler.NewScheduler(
		stateMachine,
		store,
		quotaPolicy,
		app.Resources,
		backend,
		config.Scheduler.MaxJobsPerIteration,
		m,
	)
	return app, nil
}

func (a *App) createStore(ctx context.Context, config configuration.StorageConfig, clock clock.Clock) (repository.Store, error) {
	if config.Type != configuration.StoragePostgres {
		log.Warn("Jobs are kept in memory and lost on restart")
		return repository.NewMemoryStore(clock)
	}
	log.Infof("Setting up postgres connection")
	db, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return nil, errors.WithMessage(err, "error opening connection to postgres")
	}
	a.closers = append(a.closers, db.Close)
	if config.MigrateOnStart {
		if err := migrate(ctx, db); err != nil {
			return nil, err
		}
	}
	store := repository.NewPostgresStore(db, clock)
	a.healthChecks["postgres"] = health.NewPingChecker(store.Ping, healthCheckTimeout)
	return store, nil
}

// RegisterHealthChecks adds a check of every external system the app depends on to checks.
func (a *App) RegisterHealthChecks(checks *health.MultiChecker) {
	for name, checker := range a.healthChecks {
		checks.Register(name, checker)
	}
}

// Close releases connections in the reverse order they were opened.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// RegisterTasks starts the scheduler loops and the capacity refresh on taskManager.
func (a *App) RegisterTasks(ctx context.Context, taskManager *task.BackgroundTaskManager, config configuration.SchedulerConfig, refreshInterval time.Duration) {
	taskManager.Register(ctx, a.Resources.Refresh, refreshInterval, "resources_refresh")
	taskManager.Register(ctx, a.Scheduler.RunSubmissionLoop, config.SubmissionInterval, scheduler.SubmissionLoop)
	taskManager.Register(ctx, a.Scheduler.RunProgressLoop, config.ProgressInterval, scheduler.ProgressLoop)
	taskManager.Register(ctx, a.Scheduler.RunCancellationLoop, config.CancellationInterval, scheduler.CancellationLoop)
	taskManager.Register(ctx, a.Scheduler.RunDeletionLoop, config.DeletionInterval, scheduler.DeletionLoop)
}

// Run sets up a jobs scheduler replica and runs it until ctx is cancelled.
func Run(ctx context.Context, config configuration.Configuration) error {
	g, ctx := errgroup.WithContext(ctx)

	//////////////////////////////////////////////////////////////////////////
	// Health Checks
	//////////////////////////////////////////////////////////////////////////
	// The endpoint answers while the app is being set up. Dependencies are registered once they exist.
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker()
	healthChecks.Register("startup", startupCompleteCheck)
	shutdownHttpServer := common.ServeHttp(config.HttpPort, health.Mux(healthChecks))
	defer shutdownHttpServer()

	shutdownMetricsServer := common.ServeMetrics(config.MetricsPort, prometheus.DefaultGatherer)
	defer shutdownMetricsServer()

	app, err := NewApp(ctx, config, prometheus.DefaultRegisterer, clock.RealClock{})
	if err != nil {
		return err
	}
	defer app.Close()
	app.RegisterHealthChecks(healthChecks)
	log.Infof("Starting jobs scheduler replica %s with job types %v", app.ReplicaId, app.Templates.JobTypes())

	//////////////////////////////////////////////////////////////////////////
	// Background loops
	//////////////////////////////////////////////////////////////////////////
	taskManager := task.NewBackgroundTaskManager(metrics.MetricPrefix, prometheus.DefaultRegisterer)
	app.RegisterTasks(ctx, taskManager, config.Scheduler, config.Resources.RefreshInterval)
	g.Go(func() error {
		<-ctx.Done()
		if timedOut := taskManager.StopAll(taskShutdownTimeout); timedOut {
			log.Warnf("Background loops did not stop within %s", taskShutdownTimeout)
		}
		return nil
	})

	startupCompleteCheck.MarkComplete()
	return g.Wait()
}

// Migrate applies the outstanding schema migrations of the jobs table.
func Migrate(ctx context.Context, config database.PostgresConfig) error {
	db, err := database.OpenPgxPool(ctx, config)
	if err != nil {
		return errors.WithMessage(err, "error opening connection to postgres")
	}
	defer db.Close()
	return migrate(ctx, db)
}

func migrate(ctx context.Context, db *pgxpool.Pool) error {
	migrations, err := repository.Migrations()
	if err != nil {
		return err
	}
	start := time.Now()
	if err := database.UpdateDatabase(ctx, db, migrations); err != nil {
		return errors.WithMessage(err, "error migrating jobs database")
	}
	log.Infof("Jobs database migrated in %s", time.Since(start))
	return nil
}
