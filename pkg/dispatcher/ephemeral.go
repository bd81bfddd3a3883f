package dispatcher

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"sigs.k8s.io/controller-runtime/pkg/client"

	pipelinev1beta1 "github.com/tektoncd/pipeline/pkg/apis/pipeline/v1beta1"
	knativeapis "knative.dev/pkg/apis"

	"github.com/nimbusforge/gpucp/internal/k8sclient"
	"github.com/nimbusforge/gpucp/pkg/jobs"
)

// EphemeralConfig holds the ephemeral compute unit's tunables.
type EphemeralConfig struct {
	Namespace       string
	ExecutorImage   string
	TaskRunTTL      time.Duration
	GPUResourceName string // e.g. nvidia.com/gpu
	MIGResourceName string // e.g. nvidia.com/mig-1g.5gb
}

func DefaultEphemeralConfig() EphemeralConfig {
	return EphemeralConfig{
		Namespace:       "gpucp-jobs",
		ExecutorImage:   "gpucp/executor:latest",
		TaskRunTTL:      15 * time.Minute,
		GPUResourceName: "nvidia.com/gpu",
		MIGResourceName: "nvidia.com/mig-1g.5gb",
	}
}

// EphemeralLauncher submits one Tekton TaskRun per dispatched job: a
// single-step ephemeral compute unit running the executor image, with
// JOB_ID/DISPATCH_TOKEN as env vars and a GPU resource request matching
// the job's assigned pool.
type EphemeralLauncher struct {
	k8s  client.Client
	repo *jobs.Repository
	cfg  EphemeralConfig
}

func NewEphemeralLauncher(k8s client.Client, repo *jobs.Repository, cfg EphemeralConfig) *EphemeralLauncher {
	return &EphemeralLauncher{k8s: k8s, repo: repo, cfg: cfg}
}

func (l *EphemeralLauncher) Launch(ctx context.Context, jobID, dispatchToken string) error {
	job, err := l.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}

	resourceName := l.cfg.GPUResourceName
	if job.GPUPoolAssigned != nil && *job.GPUPoolAssigned == "mig" {
		resourceName = l.cfg.MIGResourceName
	}

	taskRun := &pipelinev1beta1.TaskRun{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: "gpucp-job-",
			Namespace:    l.cfg.Namespace,
			Labels: map[string]string{
				"gpucp.nimbusforge.io/job-id": jobID,
			},
		},
		Spec: pipelinev1beta1.TaskRunSpec{
			Timeout: &metav1.Duration{Duration: l.cfg.TaskRunTTL},
			TaskSpec: &pipelinev1beta1.TaskSpec{
				Steps: []pipelinev1beta1.Step{
					{
						Name:  "execute",
						Image: l.cfg.ExecutorImage,
						Env: []corev1.EnvVar{
							{Name: "JOB_ID", Value: jobID},
							{Name: "DISPATCH_TOKEN", Value: dispatchToken},
						},
						Resources: corev1.ResourceRequirements{
							Limits: corev1.ResourceList{
								corev1.ResourceName(resourceName): resource.MustParse("1"),
							},
						},
					},
				},
			},
		},
	}

	if err := l.k8s.Create(ctx, taskRun); err != nil {
		return fmt.Errorf("failed to submit TaskRun for job %s: %w", jobID, err)
	}
	return nil
}

// Succeeded reports whether a submitted TaskRun has finished
// successfully, by reading the knative Succeeded condition that Tekton
// reports on TaskRun status.
func Succeeded(tr *pipelinev1beta1.TaskRun) bool {
	return k8sclient.IsTrue([]knativeapis.Condition(tr.Status.Conditions))
}
