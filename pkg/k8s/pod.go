package k8s

import (
	"context"
	"fmt"
	"io"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"
)

// podPollInterval is how often WaitForPodRunning re-reads the pod
var podPollInterval = 500 * time.Millisecond

// PodSpec holds pod creation parameters
type PodSpec struct {
	Name         string
	Namespace    string
	Image        string
	Command      []string
	WorkingDir   string
	Env          map[string]string
	CPU          string
	Memory       string
	Storage      string
	RuntimeClass string
	Labels       map[string]string
}

// CreatePod creates a single-container pod
func (c *Client) CreatePod(ctx context.Context, spec *PodSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("pod name is required")
	}
	if spec.Namespace == "" {
		return fmt.Errorf("pod namespace is required")
	}
	if spec.Image == "" {
		return fmt.Errorf("pod image is required")
	}
	if len(spec.Command) == 0 {
		return fmt.Errorf("pod command is required")
	}

	envVars := make([]corev1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		if k == "" {
			continue
		}
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	resources, err := resourceList(spec.CPU, spec.Memory, spec.Storage)
	if err != nil {
		return err
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: spec.Namespace,
			Labels:    spec.Labels,
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{
				{
					Name:       "main",
					Image:      spec.Image,
					Command:    spec.Command,
					WorkingDir: spec.WorkingDir,
					Env:        envVars,
					Resources: corev1.ResourceRequirements{
						Requests: resources,
						Limits:   resources,
					},
				},
			},
			RestartPolicy:                corev1.RestartPolicyNever,
			AutomountServiceAccountToken: func() *bool { b := false; return &b }(),
		},
	}
	if spec.RuntimeClass != "" {
		pod.Spec.RuntimeClassName = &spec.RuntimeClass
	}

	_, err = c.clientset.CoreV1().Pods(spec.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("failed to create pod: %w", err)
	}

	return nil
}

func resourceList(cpu, memory, storage string) (corev1.ResourceList, error) {
	list := corev1.ResourceList{}
	for name, value := range map[corev1.ResourceName]string{
		corev1.ResourceCPU:              cpu,
		corev1.ResourceMemory:           memory,
		corev1.ResourceEphemeralStorage: storage,
	} {
		if value == "" {
			continue
		}
		q, err := resource.ParseQuantity(value)
		if err != nil {
			return nil, fmt.Errorf("invalid resource %s=%q: %w", name, value, err)
		}
		list[name] = q
	}
	return list, nil
}

// GetPod retrieves a pod; the error satisfies IsNotFound when absent
func (c *Client) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get pod: %w", err)
	}
	return pod, nil
}

// DeletePod deletes a pod; missing pods are ignored
func (c *Client) DeletePod(ctx context.Context, namespace, name string, force bool) error {
	deleteOptions := metav1.DeleteOptions{}
	if force {
		gracePeriod := int64(0)
		deleteOptions.GracePeriodSeconds = &gracePeriod
	}

	err := c.clientset.CoreV1().Pods(namespace).Delete(ctx, name, deleteOptions)
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod: %w", err)
	}

	return nil
}

// WaitForPodRunning polls until the pod is Running, fails, or ctx ends
func (c *Client) WaitForPodRunning(ctx context.Context, namespace, name string) error {
	err := wait.PollUntilContextCancel(ctx, podPollInterval, true, func(ctx context.Context) (bool, error) {
		pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			if errors.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		switch pod.Status.Phase {
		case corev1.PodRunning:
			return true, nil
		case corev1.PodFailed, corev1.PodSucceeded:
			return false, fmt.Errorf("pod %s/%s exited with phase %s", namespace, name, pod.Status.Phase)
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("waiting for pod %s/%s: %w", namespace, name, err)
	}
	return nil
}

// ExecInPod runs command in the pod's main container, streaming output to
// stdout and stderr as it arrives
func (c *Client) ExecInPod(ctx context.Context, namespace, podName string, command []string, stdout, stderr io.Writer) error {
	if c.config == nil {
		return fmt.Errorf("exec requires a rest config")
	}
	req := c.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: "main",
			Command:   command,
			Stdout:    stdout != nil,
			Stderr:    stderr != nil,
			TTY:       false,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(c.config, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: stdout,
		Stderr: stderr,
		Tty:    false,
	})
	if err != nil {
		return fmt.Errorf("failed to execute command: %w", err)
	}

	return nil
}
