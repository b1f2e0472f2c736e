package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"
	v1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/open-edge-platform/geti-sub016/internal/common/jobserrors"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/templates"
)

const (
	PayloadEnvVar   = "JOB_PAYLOAD"
	TelemetryEnvVar = "JOB_TELEMETRY"
	JobIdEnvVar     = "JOB_ID"
	StepEnvVar      = "JOB_STEP"

	// Workloads report their progress, in percent, and a status message through these annotations
	// of their batch job.
	ProgressAnnotation = "jobs-scheduler/progress"
	MessageAnnotation  = "jobs-scheduler/message"

	JobIdLabel          = "jobs-scheduler/job-id"
	OrganizationIdLabel = "jobs-scheduler/organization-id"
	WorkspaceIdLabel    = "jobs-scheduler/workspace-id"
	StepLabel           = "jobs-scheduler/step"
	managedByLabel      = "app.kubernetes.io/managed-by"
	managedByValue      = "jobs-scheduler"
)

type KubernetesBackendConfig struct {
	Namespace string
	// Container image per step task id.
	Images map[string]string
	// Used for task ids without an entry in Images. Empty means such steps cannot be dispatched.
	DefaultImage    string
	ServiceAccount  string
	GpuResourceName string
}

// KubernetesBackend runs every step as its own batch/v1 Job.
type KubernetesBackend struct {
	client kubernetes.Interface
	config KubernetesBackendConfig
}

func NewKubernetesBackend(client kubernetes.Interface, config KubernetesBackendConfig) *KubernetesBackend {
	if config.Namespace == "" {
		config.Namespace = "default"
	}
	if config.GpuResourceName == "" {
		config.GpuResourceName = "nvidia.com/gpu"
	}
	return &KubernetesBackend{client: client, config: config}
}

// StepJobName is the batch job name of a step. Job ids are ULIDs, which are valid DNS labels once lowercased.
func StepJobName(jobID string, stepIndex int) string {
	return fmt.Sprintf("job-%s-%d", strings.ToLower(jobID), stepIndex)
}

func (b *KubernetesBackend) Dispatch(ctx context.Context, job *model.Job, stepIndex int, step templates.Step) (Handle, error) {
	image, ok := b.config.Images[step.TaskID]
	if !ok {
		image = b.config.DefaultImage
	}
	if image == "" {
		return "", errors.WithStack(&jobserrors.ErrInvalidArgument{
			Name:    "taskId",
			Value:   step.TaskID,
			Message: "no image is configured for this task",
		})
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return "", errors.WithStack(err)
	}

	name := StepJobName(job.ID, stepIndex)
	labels := map[string]string{
		managedByLabel:      managedByValue,
		JobIdLabel:          strings.ToLower(job.ID),
		OrganizationIdLabel: job.Session.OrganizationID,
		WorkspaceIdLabel:    job.Session.WorkspaceID,
		StepLabel:           strconv.Itoa(stepIndex),
	}
	resources := v1.ResourceRequirements{}
	if job.GPU > 0 {
		gpus := *resource.NewQuantity(int64(job.GPU), resource.DecimalSI)
		resources.Limits = v1.ResourceList{v1.ResourceName(b.config.GpuResourceName): gpus}
		resources.Requests = v1.ResourceList{v1.ResourceName(b.config.GpuResourceName): gpus}
	}
	backoffLimit := int32(0)

	batchJob := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: b.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: v1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: v1.PodSpec{
					RestartPolicy:      v1.RestartPolicyNever,
					ServiceAccountName: b.config.ServiceAccount,
					Containers: []v1.Container{
						{
							Name:  "step",
							Image: image,
							Env: []v1.EnvVar{
								{Name: JobIdEnvVar, Value: job.ID},
								{Name: StepEnvVar, Value: step.Name},
								{Name: PayloadEnvVar, Value: string(payload)},
								{Name: TelemetryEnvVar, Value: job.Telemetry},
							},
							Resources: resources,
						},
					},
				},
			},
		},
	}

	_, err = b.client.BatchV1().Jobs(b.config.Namespace).Create(ctx, batchJob, metav1.CreateOptions{})
	if k8serrors.IsAlreadyExists(err) {
		log.WithField("jobId", job.ID).Infof("Batch job %s already exists, reusing it", name)
		return Handle(name), nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "creating batch job %s", name)
	}
	return Handle(name), nil
}

func (b *KubernetesBackend) Poll(ctx context.Context, handle Handle) (StepStatus, error) {
	batchJob, err := b.client.BatchV1().Jobs(b.config.Namespace).Get(ctx, string(handle), metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return StepStatus{State: StepFailed, Message: fmt.Sprintf("batch job %s no longer exists", handle)}, nil
	}
	if err != nil {
		return StepStatus{}, errors.Wrapf(err, "reading batch job %s", handle)
	}
	return jobStatus(batchJob), nil
}

func (b *KubernetesBackend) Cancel(ctx context.Context, handle Handle) error {
	propagation := metav1.DeletePropagationBackground
	err := b.client.BatchV1().Jobs(b.config.Namespace).Delete(ctx, string(handle), metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !k8serrors.IsNotFound(err) {
		return errors.Wrapf(err, "deleting batch job %s", handle)
	}
	return nil
}

func jobStatus(batchJob *batchv1.Job) StepStatus {
	for _, condition := range batchJob.Status.Conditions {
		if condition.Status != v1.ConditionTrue {
			continue
		}
		switch condition.Type {
		case batchv1.JobComplete:
			return StepStatus{State: StepSucceeded, Progress: 100, Message: batchJob.Annotations[MessageAnnotation]}
		case batchv1.JobFailed:
			message := condition.Message
			if message == "" {
				message = condition.Reason
			}
			return StepStatus{State: StepFailed, Message: message}
		}
	}

	status := StepStatus{State: StepRunning, Message: batchJob.Annotations[MessageAnnotation]}
	if value, ok := batchJob.Annotations[ProgressAnnotation]; ok {
		progress, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.Warnf("Ignoring progress %q of batch job %s: %s", value, batchJob.Name, err)
		} else {
			status.Progress = clampProgress(progress)
		}
	}
	return status
}
