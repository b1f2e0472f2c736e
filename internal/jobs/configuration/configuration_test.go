package configuration

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonconfig "github.com/open-edge-platform/geti-sub016/internal/common/config"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/templates"
)

const defaultConfigFile = "../../../config/jobs-scheduler/config.yaml"

func loadDefaultConfig(t *testing.T) Configuration {
	v := viper.New()
	v.SetConfigFile(defaultConfigFile)
	require.NoError(t, v.ReadInConfig())
	var config Configuration
	require.NoError(t, v.Unmarshal(&config, commonconfig.CustomHooks...))
	return config
}

func TestDefaultConfig(t *testing.T) {
	config := loadDefaultConfig(t)
	require.NoError(t, config.Validate())

	assert.Equal(t, StorageMemory, config.Storage.Type)
	assert.Equal(t, 2*time.Minute, config.Storage.LeaseDuration)
	assert.Equal(t, model.DuplicatePolicyReject, config.DefaultDuplicatePolicy)
	assert.Equal(t, 5*time.Minute, config.Quota.Ttl)
	assert.Equal(t, []string{"nvidia.com/gpu", "gpu.intel.com/i915"}, config.Resources.GpuResourceNames)
	assert.Nil(t, config.Redis)

	jobsTemplates, err := templates.New(config.Templates)
	require.NoError(t, err)
	assert.Equal(t, []string{"export", "import", "optimize", "test", "train"}, jobsTemplates.JobTypes())
	steps, err := jobsTemplates.GetJobSteps("train")
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.Equal(t, "prepare-dataset", steps[0].TaskID)
	assert.True(t, steps[0].IsInterruptible())
	assert.False(t, steps[3].IsInterruptible())
}

func TestValidate(t *testing.T) {
	tests := map[string]func(c *Configuration){
		"unknown storage": func(c *Configuration) {
			c.Storage.Type = "sqlite"
		},
		"postgres without connection": func(c *Configuration) {
			c.Storage.Type = StoragePostgres
			c.Storage.Postgres.Connection = nil
		},
		"no lease duration": func(c *Configuration) {
			c.Storage.LeaseDuration = 0
		},
		"kubernetes executor without client limits": func(c *Configuration) {
			c.Executor.Type = ExecutorKubernetes
			c.Kubernetes.QPS = 0
		},
		"unknown executor": func(c *Configuration) {
			c.Executor.Type = "docker"
		},
		"no submission interval": func(c *Configuration) {
			c.Scheduler.SubmissionInterval = 0
		},
		"unknown duplicate policy": func(c *Configuration) {
			c.DefaultDuplicatePolicy = "ignore"
		},
		"invalid billing url": func(c *Configuration) {
			c.Quota.BillingUrl = "not a url"
		},
		"job type without steps": func(c *Configuration) {
			c.Templates["train"] = nil
		},
		"step without task": func(c *Configuration) {
			c.Templates["test"] = []templates.Step{{Name: "model testing"}}
		},
		"no templates": func(c *Configuration) {
			c.Templates = nil
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			config := loadDefaultConfig(t)
			mutate(&config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestValidate_PostgresStorage(t *testing.T) {
	config := loadDefaultConfig(t)
	config.Storage.Type = StoragePostgres
	require.NoError(t, config.Validate())
	assert.Equal(t, "jobs", config.Storage.Postgres.Connection["dbname"])
}

func TestValidate_Redis(t *testing.T) {
	config := loadDefaultConfig(t)
	config.Redis = &commonconfig.RedisConfig{}
	assert.Error(t, config.Validate())

	config.Redis.Addrs = []string{"localhost:6379"}
	assert.NoError(t, config.Validate())
}
