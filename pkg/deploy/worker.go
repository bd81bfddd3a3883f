package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/nimbusforge/gpucp/internal/eventbus"
	"github.com/nimbusforge/gpucp/internal/notify"
	"github.com/nimbusforge/gpucp/internal/telemetry"
	"github.com/nimbusforge/gpucp/internal/validation"
	"github.com/nimbusforge/gpucp/pkg/events"
)

// Mode selects between a synthetic reconcile (useful off-cluster) and a
// real Deployment+Service upsert against the orchestration plane.
type Mode string

const (
	ModeSimulate  Mode = "simulate"
	ModeReconcile Mode = "reconcile"
)

// Config holds the deploy worker's tunables.
type Config struct {
	Mode           Mode
	Namespace      string
	ServicePort    int32
	DeployTimeout  time.Duration
	ConsumerGroup  string
}

func DefaultConfig() Config {
	return Config{
		Mode:          ModeSimulate,
		Namespace:     "gpucp-serving",
		ServicePort:   8080,
		DeployTimeout: 3 * time.Minute,
		ConsumerGroup: "deploy-worker",
	}
}

// Worker consumes deploy_requested/delete_requested and reconciles
// endpoint intents to a terminal CREATING outcome (READY or FAILED), or
// soft-deletes them.
type Worker struct {
	repo *Repository
	bus  eventbus.Bus
	k8s  client.Client
	cfg  Config
	log  *zap.Logger
	note notify.Notifier
}

func NewWorker(repo *Repository, bus eventbus.Bus, k8s client.Client, cfg Config, notifier notify.Notifier, log *zap.Logger) *Worker {
	return &Worker{repo: repo, bus: bus, k8s: k8s, cfg: cfg, note: notifier, log: log}
}

// Run subscribes to both subjects and processes messages until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context, consumerName string) error {
	deployCh, err := w.bus.Subscribe(ctx, eventbus.SubjectDeployRequested, w.cfg.ConsumerGroup, consumerName)
	if err != nil {
		return err
	}
	deleteCh, err := w.bus.Subscribe(ctx, eventbus.SubjectDeleteRequested, w.cfg.ConsumerGroup, consumerName)
	if err != nil {
		return err
	}

	go w.consume(ctx, eventbus.SubjectDeployRequested, deployCh, w.handleDeployRequested)
	go w.consume(ctx, eventbus.SubjectDeleteRequested, deleteCh, w.handleDeleteRequested)
	<-ctx.Done()
	return nil
}

func (w *Worker) consume(ctx context.Context, subject string, ch <-chan eventbus.Message, handle func(context.Context, string) error) {
	for msg := range ch {
		var evt events.DeployRequested
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			w.log.Error("malformed event, dropping", zap.Error(err), zap.String("subject", subject))
			_ = w.bus.Ack(ctx, subject, w.cfg.ConsumerGroup, msg.ID)
			continue
		}
		if err := handle(ctx, evt.EndpointID); err != nil {
			w.log.Error("reconcile failed", zap.Error(err), zap.String("endpoint_id", evt.EndpointID))
			_ = w.bus.Nack(ctx, subject, w.cfg.ConsumerGroup, msg.ID)
			continue
		}
		_ = w.bus.Ack(ctx, subject, w.cfg.ConsumerGroup, msg.ID)
	}
}

// handleDeployRequested implements §4.6 steps 1-3.
func (w *Worker) handleDeployRequested(ctx context.Context, endpointID string) error {
	start := time.Now()
	defer func() { telemetry.RecordReconcile(time.Since(start)) }()

	ep, err := w.repo.Get(ctx, endpointID)
	if err != nil {
		return err
	}
	if ep.Status != StatusCreating && ep.Status != StatusReady {
		return nil // Step 1: not in an actionable state
	}

	if ep.Status == StatusReady {
		if err := w.repo.MarkCreating(ctx, endpointID); err != nil {
			return err
		}
	}

	if w.cfg.Mode == ModeSimulate {
		url := fmt.Sprintf("https://%s.simulated.gpucp.local", ep.Name)
		return w.repo.MarkReady(ctx, endpointID, url)
	}
	return w.reconcile(ctx, ep)
}

func (w *Worker) handleDeleteRequested(ctx context.Context, endpointID string) error {
	ep, err := w.repo.Get(ctx, endpointID)
	if err != nil {
		return err
	}
	if err := w.repo.MarkDeleting(ctx, endpointID); err != nil {
		return err
	}
	if w.cfg.Mode == ModeReconcile {
		if err := w.deleteResources(ctx, ep); err != nil {
			return err
		}
	}
	return w.repo.SoftDelete(ctx, endpointID)
}

// reconcile renders and upserts a Deployment+Service pair, then polls
// availability bounded by DeployTimeout.
func (w *Worker) reconcile(ctx context.Context, ep *Endpoint) error {
	traffic, err := ep.Traffic()
	if err != nil {
		return w.fail(ctx, ep, "validation", "invalid traffic spec")
	}
	if err := validation.ValidateCanaryTrafficPercent(traffic.CanaryTrafficPercent); err != nil {
		return w.fail(ctx, ep, "validation", err.Error())
	}
	if traffic.CanaryTrafficPercent > 0 && traffic.DeploymentMode != "serverless" {
		return w.fail(ctx, ep, "validation", "canaryTrafficPercent > 0 requires deploymentMode=serverless")
	}

	rc, err := ep.RuntimeConfig()
	if err != nil {
		return w.fail(ctx, ep, "validation", "invalid runtime_config")
	}
	if rc.ModelFormat == "triton" && rc.ProtocolVersion != "v2" {
		return w.fail(ctx, ep, "validation", "modelFormat=triton requires protocolVersion=v2")
	}

	auto, err := ep.Autoscaling()
	if err != nil {
		return w.fail(ctx, ep, "validation", "invalid autoscaling spec")
	}

	deployment, service := w.render(ep, rc, auto)
	if err := w.upsert(ctx, deployment, service); err != nil {
		return w.fail(ctx, ep, "upsert", err.Error())
	}

	if err := w.pollReady(ctx, deployment); err != nil {
		return w.fail(ctx, ep, "timeout", err.Error())
	}

	url := fmt.Sprintf("http://%s.%s.svc:%d", service.Name, w.cfg.Namespace, w.cfg.ServicePort)
	return w.repo.MarkReady(ctx, ep.ID, url)
}

func (w *Worker) fail(ctx context.Context, ep *Endpoint, reason, detail string) error {
	telemetry.RecordReconcileError(reason)
	w.note.NotifyReconcileFailed(ctx, ep.TenantID, ep.ID, detail)
	return w.repo.MarkFailed(ctx, ep.ID, detail)
}

func (w *Worker) render(ep *Endpoint, rc RuntimeConfig, auto Autoscaling) (*appsv1.Deployment, *corev1.Service) {
	name := resourceName(ep)
	replicas := int32(auto.MinReplicas)
	if replicas < 1 {
		replicas = 1
	}
	labels := map[string]string{
		"gpucp.nimbusforge.io/endpoint-id": ep.ID,
		"app":                              name,
	}

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: w.cfg.Namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:  "model-server",
							Image: ep.Runtime,
							Env: []corev1.EnvVar{
								{Name: "MODEL_ARTIFACT_URI", Value: rc.ArtifactURI},
								{Name: "MODEL_FORMAT", Value: rc.ModelFormat},
								{Name: "PROTOCOL_VERSION", Value: rc.ProtocolVersion},
							},
							Ports: []corev1.ContainerPort{{ContainerPort: w.cfg.ServicePort}},
						},
					},
				},
			},
		},
	}

	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: w.cfg.Namespace, Labels: labels},
		Spec: corev1.ServiceSpec{
			Selector: labels,
			Ports: []corev1.ServicePort{
				{Port: w.cfg.ServicePort, TargetPort: intstr.FromInt(int(w.cfg.ServicePort))},
			},
		},
	}
	return deployment, service
}

func resourceName(ep *Endpoint) string {
	return "gpucp-ep-" + ep.ID
}

// upsert creates or updates the Deployment and Service by name — the
// same rendered spec for the same intent keeps re-reconciles
// idempotent.
func (w *Worker) upsert(ctx context.Context, deployment *appsv1.Deployment, service *corev1.Service) error {
	if err := w.upsertOne(ctx, deployment, &appsv1.Deployment{}); err != nil {
		return err
	}
	return w.upsertOne(ctx, service, &corev1.Service{})
}

func (w *Worker) upsertOne(ctx context.Context, desired, existing client.Object) error {
	key := client.ObjectKeyFromObject(desired)
	err := w.k8s.Get(ctx, key, existing)
	if apierrors.IsNotFound(err) {
		return w.k8s.Create(ctx, desired)
	}
	if err != nil {
		return err
	}
	desired.SetResourceVersion(existing.GetResourceVersion())
	return w.k8s.Update(ctx, desired)
}

// pollReady blocks until the Deployment reports availableReplicas ==
// replicas, or DeployTimeout elapses.
func (w *Worker) pollReady(ctx context.Context, deployment *appsv1.Deployment) error {
	deadline := time.Now().Add(w.cfg.DeployTimeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		var current appsv1.Deployment
		if err := w.k8s.Get(ctx, client.ObjectKeyFromObject(deployment), &current); err != nil {
			return err
		}
		if current.Status.Replicas > 0 && current.Status.AvailableReplicas == current.Status.Replicas {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("deployment %s did not become ready within %s", current.Name, w.cfg.DeployTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// deleteResources removes the Deployment and Service backing ep, if
// the worker is running in reconcile mode.
func (w *Worker) deleteResources(ctx context.Context, ep *Endpoint) error {
	name := resourceName(ep)
	deployment := &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: w.cfg.Namespace}}
	service := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: w.cfg.Namespace}}

	if err := w.k8s.Delete(ctx, deployment); err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	if err := w.k8s.Delete(ctx, service); err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return nil
}
