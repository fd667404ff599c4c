package k8s

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Sandbox churn creates and deletes namespaces and pods in bursts; the
// client-go defaults (5 QPS / 10 burst) throttle that too early.
const (
	clientQPS   = 50
	clientBurst = 100
)

// Client talks to the cluster that hosts the sandboxes
type Client struct {
	clientset kubernetes.Interface
	// config is needed for exec; nil disables ExecInPod
	config *rest.Config
}

// NewClient connects using kubeconfig when set, otherwise the in-cluster
// service account, otherwise the default loading rules ($KUBECONFIG,
// ~/.kube/config).
func NewClient(kubeconfig string) (*Client, error) {
	config, err := restConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	config.QPS = clientQPS
	config.Burst = clientBurst

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return &Client{clientset: clientset, config: config}, nil
}

func restConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig %s: %w", kubeconfig, err)
		}
		return config, nil
	}

	if config, err := rest.InClusterConfig(); err == nil {
		return config, nil
	}

	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{},
	).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("no in-cluster config and no usable kubeconfig: %w", err)
	}
	return config, nil
}

// NewClientFromClientset wraps an existing clientset; config may be nil
// when exec is not used.
func NewClientFromClientset(clientset kubernetes.Interface, config *rest.Config) *Client {
	return &Client{clientset: clientset, config: config}
}

// HealthCheck verifies the API server is reachable and that namespaces,
// which every sandbox needs, can be listed
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{Limit: 1}); err != nil {
		return fmt.Errorf("failed to list namespaces: %w", err)
	}
	return nil
}

// GetServerVersion returns the API server's git version
func (c *Client) GetServerVersion(_ context.Context) (string, error) {
	info, err := c.clientset.Discovery().ServerVersion()
	if err != nil {
		return "", err
	}
	return info.GitVersion, nil
}
