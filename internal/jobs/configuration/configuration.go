package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/open-edge-platform/geti-sub016/internal/common/cluster"
	"github.com/open-edge-platform/geti-sub016/internal/common/config"
	"github.com/open-edge-platform/geti-sub016/internal/common/database"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/templates"
)

const (
	StorageMemory      = "memory"
	StoragePostgres    = "postgres"
	ExecutorLocal      = "local"
	ExecutorKubernetes = "kubernetes"
)

type Configuration struct {
	Logging LoggingConfig
	// Port of the /health endpoint
	HttpPort uint16 `validate:"required"`
	// Port of the /metrics endpoint
	MetricsPort uint16 `validate:"required"`
	// Owner written on leased jobs. A random id is generated when empty.
	ReplicaId string
	Storage   StorageConfig
	// Where artifact cleanup requests of deleted jobs go. Cleanup is not signalled when unset.
	Redis     *config.RedisConfig
	Quota     QuotaConfig
	Resources ResourcesConfig
	// Only validated when the executor or the resource manager talk to Kubernetes.
	Kubernetes cluster.KubernetesClientConfig `validate:"-"`
	Executor   ExecutorConfig
	Scheduler  SchedulerConfig
	// Policy applied to submissions that do not name one
	DefaultDuplicatePolicy model.DuplicatePolicy
	// Steps of every job type
	Templates map[string][]templates.Step `validate:"required,min=1,dive,min=1,dive"`
}

type LoggingConfig struct {
	Level string `validate:"required,oneof=trace debug info warn warning error fatal panic"`
}

type StorageConfig struct {
	Type     string                  `validate:"required,oneof=memory postgres"`
	Postgres database.PostgresConfig `validate:"-"`
	// Apply outstanding schema migrations when the scheduler starts.
	MigrateOnStart bool
	// How long a replica may hold a job it claimed before others may claim it.
	LeaseDuration time.Duration `validate:"required"`
}

type QuotaConfig struct {
	// Base url of the billing service. When empty every organization gets DefaultQuota.
	BillingUrl string `validate:"omitempty,url"`
	// How long a fetched quota is trusted.
	Ttl            time.Duration `validate:"required"`
	RequestTimeout time.Duration
	Attempts       uint
	RetryDelay     time.Duration
	DefaultQuota   int `validate:"gte=0"`
}

type ResourcesConfig struct {
	// Read node capacity from the Kubernetes API. When false StaticGpus is used instead.
	Kubernetes       bool
	GpuResourceNames []string
	// GPU slots of each node when capacity is not read from Kubernetes. No GPUs at all admits
	// GPU jobs one at a time.
	StaticGpus      []int64
	RefreshInterval time.Duration `validate:"required"`
	RequestTimeout  time.Duration
}

type ExecutorConfig struct {
	Type           string `validate:"required,oneof=local kubernetes"`
	Namespace      string
	Images         map[string]string
	DefaultImage   string
	ServiceAccount string
	// Progress added by every poll of the local executor
	LocalIncrement float64 `validate:"gte=0,lte=100"`
}

type SchedulerConfig struct {
	SubmissionInterval   time.Duration `validate:"required"`
	ProgressInterval     time.Duration `validate:"required"`
	CancellationInterval time.Duration `validate:"required"`
	DeletionInterval     time.Duration `validate:"required"`
	MaxJobsPerIteration  int           `validate:"gte=0"`
}

func (c Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(storageConfigValidation, StorageConfig{})
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.DefaultDuplicatePolicy != "" {
		if _, err := model.ParseDuplicatePolicy(string(c.DefaultDuplicatePolicy)); err != nil {
			return err
		}
	}
	if c.Executor.Type == ExecutorKubernetes || c.Resources.Kubernetes {
		if err := validate.Struct(c.Kubernetes); err != nil {
			return err
		}
	}
	if _, err := templates.New(c.Templates); err != nil {
		return errors.WithMessage(err, "invalid job templates")
	}
	return nil
}

func storageConfigValidation(sl validator.StructLevel) {
	storage := sl.Current().Interface().(StorageConfig)
	if storage.Type == StoragePostgres && len(storage.Postgres.Connection) == 0 {
		sl.ReportError(storage.Postgres.Connection, "Connection", "Connection", "required_with_postgres", "")
	}
}
