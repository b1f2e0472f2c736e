// Package resources tracks the capacity of the cluster the jobs run on.
package resources

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/open-edge-platform/geti-sub016/internal/jobs/metrics"
)

// NodeCapacity lists the capacity of every node of the cluster. The three slices are aligned:
// index i of each describes the same node.
type NodeCapacity struct {
	CPU    []int64
	Memory []int64
	GPU    []int64
}

// ClusterResourceClient reports the capacity of each node of the cluster.
type ClusterResourceClient interface {
	GetResourceCapacityPerNode(ctx context.Context) (NodeCapacity, error)
}

// fallbackGpuCapacity replaces a reported capacity of zero GPUs. It lets clusters without GPUs
// run jobs that request a GPU in a single nominal slot.
var fallbackGpuCapacity = []int{1}

// ResourceManager keeps the last known GPU capacity of the cluster. Refreshes are serialised;
// readers always see a complete snapshot and never wait for a refresh.
type ResourceManager struct {
	client  ClusterResourceClient
	timeout time.Duration
	metrics *metrics.Metrics

	refreshMutex  sync.Mutex
	snapshotMutex sync.RWMutex
	gpuCapacity   []int
}

func NewResourceManager(client ClusterResourceClient, timeout time.Duration, m *metrics.Metrics) *ResourceManager {
	return &ResourceManager{
		client:  client,
		timeout: timeout,
		metrics: m,
	}
}

// RefreshAvailableResources fetches the current capacity from the cluster. On failure the
// previous snapshot is kept and the error returned.
func (r *ResourceManager) RefreshAvailableResources(ctx context.Context) error {
	r.refreshMutex.Lock()
	defer r.refreshMutex.Unlock()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	capacity, err := r.client.GetResourceCapacityPerNode(ctx)
	if err != nil {
		return errors.WithMessage(err, "fetching cluster resource capacity")
	}

	gpuCapacity := make([]int, len(capacity.GPU))
	total := 0
	for i, gpus := range capacity.GPU {
		gpuCapacity[i] = int(gpus)
		total += int(gpus)
	}
	if total == 0 {
		gpuCapacity = slices.Clone(fallbackGpuCapacity)
	}

	r.snapshotMutex.Lock()
	previous := r.gpuCapacity
	r.gpuCapacity = gpuCapacity
	r.snapshotMutex.Unlock()

	if previous == nil {
		log.Infof("Cluster GPU capacity established: %v", gpuCapacity)
	} else if !slices.Equal(previous, gpuCapacity) {
		log.Infof("Cluster GPU capacity changed from %v to %v", previous, gpuCapacity)
	}
	r.metrics.SetGpuCapacity(sum(gpuCapacity))
	return nil
}

// Refresh is RefreshAvailableResources for use as a background task.
func (r *ResourceManager) Refresh(ctx context.Context) {
	if err := r.RefreshAvailableResources(ctx); err != nil {
		log.WithError(err).Warn("Keeping last known cluster capacity")
	}
}

// GpuCapacity returns the GPU slots of each node, or false if capacity has never been established.
func (r *ResourceManager) GpuCapacity() ([]int, bool) {
	r.snapshotMutex.RLock()
	defer r.snapshotMutex.RUnlock()
	if r.gpuCapacity == nil {
		return nil, false
	}
	return slices.Clone(r.gpuCapacity), true
}

func (r *ResourceManager) TotalGpuCapacity() int {
	capacity, _ := r.GpuCapacity()
	return sum(capacity)
}

// MaxNodeGpuCapacity is the largest number of GPUs a single job can be given.
func (r *ResourceManager) MaxNodeGpuCapacity() int {
	capacity, _ := r.GpuCapacity()
	max := 0
	for _, gpus := range capacity {
		if gpus > max {
			max = gpus
		}
	}
	return max
}

func sum(values []int) int {
	total := 0
	for _, v := range values {
		total += v
	}
	return total
}
