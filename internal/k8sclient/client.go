// Package k8sclient wires the single controller-runtime client shared by
// the ephemeral Dispatcher (Tekton TaskRuns) and the Deploy Worker
// (Deployment/Service reconciliation) against the orchestration plane.
package k8sclient

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/config"

	pipelinev1beta1 "github.com/tektoncd/pipeline/pkg/apis/pipeline/v1beta1"
)

// scheme carries every type this module's clients read or write:
// core/v1 and apps/v1 for the Deploy Worker's rendered resources, and
// Tekton's v1beta1 for the ephemeral Dispatcher's TaskRuns.
var scheme = runtime.NewScheme()

func init() {
	_ = clientgoscheme.AddToScheme(scheme)
	_ = appsv1.AddToScheme(scheme)
	_ = corev1.AddToScheme(scheme)
	_ = pipelinev1beta1.AddToScheme(scheme)
}

// New builds a controller-runtime client against the in-cluster or
// kubeconfig-resolved REST config.
func New() (client.Client, error) {
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, err
	}
	return NewForConfig(cfg)
}

// NewForConfig builds a client against an explicit REST config — used
// by tests that point at an envtest or fake API server.
func NewForConfig(cfg *rest.Config) (client.Client, error) {
	return client.New(cfg, client.Options{Scheme: scheme})
}

// Scheme exposes the registered scheme for callers that build a fake
// client in tests.
func Scheme() *runtime.Scheme {
	return scheme
}
