// Package k8sbox runs sandboxes as single-pod Kubernetes namespaces.
// Pausing deletes the pod and keeps the namespace; resuming recreates it.
package k8sbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	utilexec "k8s.io/client-go/util/exec"

	"github.com/sciffer/sandboxgate/pkg/k8s"
	"github.com/sciffer/sandboxgate/pkg/sandbox"
)

const (
	podName       = "main"
	labelApp      = "app"
	labelManaged  = "managed-by"
	labelSandbox  = "sandbox-id"
	labelTemplate = "template"
	appName       = "sandboxgate"
)

// Options configures the Kubernetes provider
type Options struct {
	NamespacePrefix string
	RuntimeClass    string
	// Images maps a template name to a container image.
	Images         map[string]string
	CPU            string
	Memory         string
	Storage        string
	StartupTimeout time.Duration
	AllowInternet  bool
	// Workdir is the container working directory; the runtime creates it
	// when the image lacks it.
	Workdir string
}

// Provider implements sandbox.Provider on top of a Kubernetes cluster
type Provider struct {
	client k8s.ClientInterface
	opts   Options
	logger *zap.Logger
}

var (
	_ sandbox.Provider  = (*Provider)(nil)
	_ sandbox.Destroyer = (*Provider)(nil)
	_ sandbox.Lister    = (*Provider)(nil)
)

// New creates a Kubernetes-backed provider
func New(client k8s.ClientInterface, opts Options, logger *zap.Logger) *Provider {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{client: client, opts: opts, logger: logger}
}

func (p *Provider) namespace(sandboxID string) string {
	return p.opts.NamespacePrefix + sandboxID
}

func (p *Provider) image(template string) (string, error) {
	img, ok := p.opts.Images[template]
	if !ok || img == "" {
		return "", fmt.Errorf("no image configured for template %q", template)
	}
	return img, nil
}

// Create provisions a namespace with quota, network policy and a running
// pod. The Kubernetes provider keeps sandboxes until they are destroyed,
// so timeout is not used.
func (p *Provider) Create(ctx context.Context, template string, _ time.Duration) (*sandbox.Handle, error) {
	img, err := p.image(template)
	if err != nil {
		return nil, err
	}

	sandboxID := uuid.NewString()
	ns := p.namespace(sandboxID)
	labels := sandboxLabels(sandboxID, template)

	if err := p.provision(ctx, ns, img, labels); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if delErr := p.client.DeleteNamespace(cleanupCtx, ns); delErr != nil {
			p.logger.Warn("failed to clean up namespace after create error",
				zap.String("namespace", ns), zap.Error(delErr))
		}
		return nil, p.classify(err)
	}

	p.logger.Info("sandbox provisioned",
		zap.String("sandbox_id", sandboxID),
		zap.String("namespace", ns),
		zap.String("template", template),
	)
	return &sandbox.Handle{SandboxID: sandboxID, Template: template, Endpoint: ns}, nil
}

func (p *Provider) provision(ctx context.Context, ns, img string, labels map[string]string) error {
	if err := p.client.CreateNamespace(ctx, ns, labels); err != nil {
		return err
	}
	if err := p.client.CreateResourceQuota(ctx, ns, p.opts.CPU, p.opts.Memory, p.opts.Storage); err != nil {
		return err
	}
	if err := p.client.CreateNetworkPolicy(ctx, ns, &k8s.NetworkPolicyConfig{AllowInternet: p.opts.AllowInternet}); err != nil {
		return err
	}
	return p.startPod(ctx, ns, img, labels)
}

func (p *Provider) startPod(ctx context.Context, ns, img string, labels map[string]string) error {
	spec := &k8s.PodSpec{
		Name:       podName,
		Namespace:  ns,
		Image:      img,
		Command:    []string{"sleep", "infinity"},
		WorkingDir: p.opts.Workdir,
		Env: map[string]string{
			"SANDBOX_ID":       labels[labelSandbox],
			"SANDBOX_TEMPLATE": labels[labelTemplate],
		},
		CPU:          p.opts.CPU,
		Memory:       p.opts.Memory,
		RuntimeClass: p.opts.RuntimeClass,
		Labels:       labels,
	}
	if err := p.client.CreatePod(ctx, spec); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.opts.StartupTimeout)
	defer cancel()
	return p.client.WaitForPodRunning(waitCtx, ns, podName)
}

// Resume brings the sandbox's pod back. A missing namespace means the
// sandbox is gone.
func (p *Provider) Resume(ctx context.Context, sandboxID string, _ time.Duration) (*sandbox.Handle, error) {
	ns := p.namespace(sandboxID)
	namespace, err := p.client.GetNamespace(ctx, ns)
	if err != nil {
		return nil, p.classify(err)
	}
	template := namespace.Labels[labelTemplate]

	pod, err := p.client.GetPod(ctx, ns, podName)
	switch {
	case err == nil && pod.Status.Phase == corev1.PodRunning && pod.DeletionTimestamp == nil:
		return &sandbox.Handle{SandboxID: sandboxID, Template: template, Endpoint: ns}, nil
	case err == nil:
		// Terminating or finished; replace it
		if err := p.client.DeletePod(ctx, ns, podName, true); err != nil {
			return nil, p.classify(err)
		}
	case !k8s.IsNotFound(err):
		return nil, p.classify(err)
	}

	img, err := p.image(template)
	if err != nil {
		return nil, err
	}
	if err := p.startPod(ctx, ns, img, sandboxLabels(sandboxID, template)); err != nil {
		return nil, p.classify(err)
	}

	p.logger.Info("sandbox resumed", zap.String("sandbox_id", sandboxID), zap.String("namespace", ns))
	return &sandbox.Handle{SandboxID: sandboxID, Template: template, Endpoint: ns}, nil
}

// Pause deletes the sandbox pod; the namespace and its volumes stay.
func (p *Provider) Pause(ctx context.Context, sandboxID string) error {
	ns := p.namespace(sandboxID)
	if _, err := p.client.GetNamespace(ctx, ns); err != nil {
		return p.classify(err)
	}
	if err := p.client.DeletePod(ctx, ns, podName, false); err != nil {
		return p.classify(err)
	}
	return nil
}

// Destroy removes the sandbox namespace and everything in it
func (p *Provider) Destroy(ctx context.Context, sandboxID string) error {
	return p.client.DeleteNamespace(ctx, p.namespace(sandboxID))
}

// ListSandboxes returns every sandbox namespace this gateway created that
// is not already being deleted
func (p *Provider) ListSandboxes(ctx context.Context) ([]sandbox.RemoteSandbox, error) {
	namespaces, err := p.client.ListNamespaces(ctx, labelManaged+"="+appName)
	if err != nil {
		return nil, p.classify(err)
	}

	out := make([]sandbox.RemoteSandbox, 0, len(namespaces))
	for _, ns := range namespaces {
		if ns.DeletionTimestamp != nil {
			continue
		}
		id := ns.Labels[labelSandbox]
		if id == "" || p.namespace(id) != ns.Name {
			continue
		}
		out = append(out, sandbox.RemoteSandbox{
			SandboxID: id,
			Template:  ns.Labels[labelTemplate],
			CreatedAt: ns.CreationTimestamp.Time,
		})
	}
	return out, nil
}

// Run executes the command through the pod exec API, streaming output
func (p *Provider) Run(ctx context.Context, h *sandbox.Handle, req sandbox.CommandRequest, out sandbox.OutputFunc) (*sandbox.CommandResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	ns := h.Endpoint
	if ns == "" {
		ns = p.namespace(h.SandboxID)
	}

	var mu sync.Mutex
	var stderr bytes.Buffer
	stdoutW := &streamWriter{mu: &mu, kind: sandbox.Stdout, out: out}
	stderrW := &streamWriter{mu: &mu, kind: sandbox.Stderr, out: out, buf: &stderr}

	err := p.client.ExecInPod(ctx, ns, podName, shellCommand(req), stdoutW, stderrW)
	if err == nil {
		return &sandbox.CommandResult{ExitCode: 0, Stderr: stderr.String()}, nil
	}

	var exitErr utilexec.ExitError
	if errors.As(err, &exitErr) {
		return &sandbox.CommandResult{
			ExitCode: exitErr.ExitStatus(),
			Stderr:   stderr.String(),
			Message:  fmt.Sprintf("command exited with code %d", exitErr.ExitStatus()),
		}, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, sandbox.ErrCommandTimeout
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, p.classify(err)
}

// classify maps cluster errors onto the provider-neutral sentinels
func (p *Provider) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case k8s.IsNotFound(err):
		return fmt.Errorf("%w: %v", sandbox.ErrSandboxNotFound, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case isUnavailable(err):
		return fmt.Errorf("%w: %v", sandbox.ErrServiceUnavailable, err)
	}
	return err
}

func isUnavailable(err error) bool {
	msg := err.Error()
	for _, s := range []string{"connection refused", "i/o timeout", "ServiceUnavailable", "no such host", "EOF"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func sandboxLabels(sandboxID, template string) map[string]string {
	return map[string]string{
		labelApp:      appName,
		labelManaged:  appName,
		labelSandbox:  sandboxID,
		labelTemplate: template,
	}
}

func shellCommand(req sandbox.CommandRequest) []string {
	script := req.Command
	if req.WorkingDirectory != "" {
		script = "cd " + shellQuote(req.WorkingDirectory) + " && " + req.Command
	}
	return []string{"/bin/sh", "-c", script}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// streamWriter forwards exec output to an OutputFunc. Both streams share
// one mutex so the callback never runs concurrently.
type streamWriter struct {
	mu   *sync.Mutex
	kind sandbox.StreamKind
	out  sandbox.OutputFunc
	buf  *bytes.Buffer
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf != nil {
		w.buf.Write(chunk)
	}
	if w.out != nil {
		w.out(w.kind, chunk)
	}
	return len(p), nil
}
