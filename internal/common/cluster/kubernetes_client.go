package cluster

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/flowcontrol"

	"github.com/open-edge-platform/geti-sub016/internal/common/jobserrors"
)

type KubernetesClientConfig struct {
	// Sustained calls per second across all users of the client.
	QPS float32 `validate:"gt=0"`
	// Calls allowed in a burst above QPS.
	Burst int `validate:"gt=0"`
}

// NewKubernetesClient connects with the in-cluster configuration when running in a pod and with
// the default kubeconfig otherwise. All calls share one rate limiter.
func NewKubernetesClient(config KubernetesClientConfig) (kubernetes.Interface, error) {
	if config.QPS <= 0 {
		return nil, errors.WithStack(&jobserrors.ErrInvalidArgument{
			Name:    "qps",
			Value:   config.QPS,
			Message: "qps must be positive",
		})
	}
	if config.Burst <= 0 {
		return nil, errors.WithStack(&jobserrors.ErrInvalidArgument{
			Name:    "burst",
			Value:   config.Burst,
			Message: "burst must be positive",
		})
	}

	restConfig, err := loadConfig()
	if err != nil {
		return nil, errors.WithMessage(err, "loading kubernetes client configuration")
	}
	restConfig.RateLimiter = flowcontrol.NewTokenBucketRateLimiter(config.QPS, config.Burst)

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return client, nil
}

func loadConfig() (*rest.Config, error) {
	config, err := rest.InClusterConfig()
	if err == rest.ErrNotInCluster {
		log.Info("Running with default client configuration")
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		overrides := &clientcmd.ConfigOverrides{}
		return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	}
	log.Info("Running with in cluster client configuration")
	return config, err
}
