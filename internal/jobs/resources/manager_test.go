package resources

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-edge-platform/geti-sub016/internal/jobs/metrics"
)

type fakeClusterResourceClient struct {
	mutex    sync.Mutex
	capacity NodeCapacity
	err      error
}

func (c *fakeClusterResourceClient) GetResourceCapacityPerNode(_ context.Context) (NodeCapacity, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.capacity, c.err
}

func (c *fakeClusterResourceClient) set(gpus []int64, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.capacity = NodeCapacity{GPU: gpus}
	c.err = err
}

func TestRefreshAvailableResources(t *testing.T) {
	tests := map[string]struct {
		gpus     []int64
		expected []int
	}{
		"single node without gpu":   {gpus: []int64{0}, expected: []int{1}},
		"several nodes without gpu": {gpus: []int64{0, 0, 0}, expected: []int{1}},
		"no nodes":                  {gpus: nil, expected: []int{1}},
		"single gpu node":           {gpus: []int64{5}, expected: []int{5}},
		"mixed nodes":               {gpus: []int64{0, 2, 4}, expected: []int{0, 2, 4}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			client := &fakeClusterResourceClient{}
			client.set(tc.gpus, nil)
			manager := NewResourceManager(client, 0, metrics.New(prometheus.NewRegistry()))

			_, ok := manager.GpuCapacity()
			assert.False(t, ok)

			require.NoError(t, manager.RefreshAvailableResources(context.Background()))
			capacity, ok := manager.GpuCapacity()
			assert.True(t, ok)
			assert.Equal(t, tc.expected, capacity)
		})
	}
}

func TestRefreshAvailableResources_KeepsSnapshotOnFailure(t *testing.T) {
	client := &fakeClusterResourceClient{}
	client.set([]int64{2, 4}, nil)
	manager := NewResourceManager(client, 0, nil)
	require.NoError(t, manager.RefreshAvailableResources(context.Background()))

	client.set(nil, errors.New("api server unavailable"))
	assert.Error(t, manager.RefreshAvailableResources(context.Background()))
	manager.Refresh(context.Background())

	capacity, ok := manager.GpuCapacity()
	assert.True(t, ok)
	assert.Equal(t, []int{2, 4}, capacity)
	assert.Equal(t, 6, manager.TotalGpuCapacity())
	assert.Equal(t, 4, manager.MaxNodeGpuCapacity())
}

func TestRefreshAvailableResources_TracksChanges(t *testing.T) {
	client := &fakeClusterResourceClient{}
	client.set([]int64{2}, nil)
	manager := NewResourceManager(client, 0, nil)
	require.NoError(t, manager.RefreshAvailableResources(context.Background()))

	client.set([]int64{0}, nil)
	require.NoError(t, manager.RefreshAvailableResources(context.Background()))
	capacity, _ := manager.GpuCapacity()
	assert.Equal(t, []int{1}, capacity)
}

func TestGpuCapacity_ReturnsCopy(t *testing.T) {
	client := &fakeClusterResourceClient{}
	client.set([]int64{3}, nil)
	manager := NewResourceManager(client, 0, nil)
	require.NoError(t, manager.RefreshAvailableResources(context.Background()))

	capacity, _ := manager.GpuCapacity()
	capacity[0] = 100
	again, _ := manager.GpuCapacity()
	assert.Equal(t, []int{3}, again)
}

func TestRefreshAvailableResources_ConcurrentReaders(t *testing.T) {
	client := &fakeClusterResourceClient{}
	client.set([]int64{1, 1}, nil)
	manager := NewResourceManager(client, 0, nil)

	wg := sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, manager.RefreshAvailableResources(context.Background()))
		}()
		go func() {
			defer wg.Done()
			if capacity, ok := manager.GpuCapacity(); ok {
				assert.Equal(t, []int{1, 1}, capacity)
			}
		}()
	}
	wg.Wait()
}
