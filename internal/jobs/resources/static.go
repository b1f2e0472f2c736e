package resources

import (
	"context"

	"golang.org/x/exp/slices"
)

// StaticResourceClient reports a fixed set of nodes. It stands in for the cluster when the
// scheduler runs without access to the Kubernetes API.
type StaticResourceClient struct {
	// GPU slots of each node
	Gpus []int64
}

func (c StaticResourceClient) GetResourceCapacityPerNode(_ context.Context) (NodeCapacity, error) {
	gpus := slices.Clone(c.Gpus)
	if len(gpus) == 0 {
		gpus = []int64{0}
	}
	return NodeCapacity{
		CPU:    make([]int64, len(gpus)),
		Memory: make([]int64, len(gpus)),
		GPU:    gpus,
	}, nil
}
