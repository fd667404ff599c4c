package k8s

import (
	"context"
	"io"

	corev1 "k8s.io/api/core/v1"
)

// ClientInterface is the set of cluster operations the sandbox provider needs
type ClientInterface interface {
	HealthCheck(ctx context.Context) error
	CreateNamespace(ctx context.Context, name string, labels map[string]string) error
	GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error)
	ListNamespaces(ctx context.Context, selector string) ([]corev1.Namespace, error)
	DeleteNamespace(ctx context.Context, name string) error
	CreateResourceQuota(ctx context.Context, namespace, cpu, memory, storage string) error
	CreateNetworkPolicy(ctx context.Context, namespace string, cfg *NetworkPolicyConfig) error
	CreatePod(ctx context.Context, spec *PodSpec) error
	GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error)
	DeletePod(ctx context.Context, namespace, name string, force bool) error
	WaitForPodRunning(ctx context.Context, namespace, name string) error
	ExecInPod(ctx context.Context, namespace, podName string, command []string, stdout, stderr io.Writer) error
}

var _ ClientInterface = (*Client)(nil)
