package resources

import (
	"context"

	"github.com/pkg/errors"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

var DefaultGpuResourceNames = []string{"nvidia.com/gpu", "gpu.intel.com/i915"}

// KubernetesResourceClient reads node capacity from the Kubernetes API. Unschedulable nodes are skipped.
type KubernetesResourceClient struct {
	clientset        kubernetes.Interface
	gpuResourceNames []v1.ResourceName
}

func NewKubernetesResourceClient(clientset kubernetes.Interface, gpuResourceNames []string) *KubernetesResourceClient {
	if len(gpuResourceNames) == 0 {
		gpuResourceNames = DefaultGpuResourceNames
	}
	names := make([]v1.ResourceName, len(gpuResourceNames))
	for i, name := range gpuResourceNames {
		names[i] = v1.ResourceName(name)
	}
	return &KubernetesResourceClient{
		clientset:        clientset,
		gpuResourceNames: names,
	}
}

func (c *KubernetesResourceClient) GetResourceCapacityPerNode(ctx context.Context) (NodeCapacity, error) {
	nodes, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return NodeCapacity{}, errors.WithStack(err)
	}

	capacity := NodeCapacity{}
	for _, node := range nodes.Items {
		if node.Spec.Unschedulable {
			continue
		}
		allocatable := node.Status.Allocatable
		capacity.CPU = append(capacity.CPU, quantityValue(allocatable, v1.ResourceCPU))
		capacity.Memory = append(capacity.Memory, quantityValue(allocatable, v1.ResourceMemory))
		gpus := int64(0)
		for _, name := range c.gpuResourceNames {
			gpus += quantityValue(allocatable, name)
		}
		capacity.GPU = append(capacity.GPU, gpus)
	}
	return capacity, nil
}

// quantityValue rounds the quantity down to whole units: cores for cpu, bytes for memory.
func quantityValue(list v1.ResourceList, name v1.ResourceName) int64 {
	quantity, ok := list[name]
	if !ok {
		return 0
	}
	if name == v1.ResourceCPU {
		return quantity.MilliValue() / 1000
	}
	return quantity.Value()
}
