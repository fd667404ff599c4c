// Package e2b drives hosted sandboxes through the E2B control plane and
// the envd command service running inside each sandbox.
package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sciffer/sandboxgate/pkg/sandbox"
)

const (
	defaultDomain = "e2b.app"
	envdPort      = 49983
	httpTimeout   = 60 * time.Second
	// timeoutExitCode is what coreutils timeout exits with
	timeoutExitCode = 124
)

// ErrCommandsUnsupported means the sandbox's envd has no /commands/run
// endpoint, which older envd builds lack.
var ErrCommandsUnsupported = errors.New("sandbox does not expose the envd command API; rebuild the template on a current envd")

// Config holds the provider's connection settings
type Config struct {
	APIKey string
	Domain string
	// APIURL defaults to https://api.<Domain>.
	APIURL string
	// EnvdURL replaces the per-sandbox command endpoint when set.
	EnvdURL string
}

// APIError is a non-2xx response from the control plane or envd
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("e2b api error (status %d): %s", e.StatusCode, e.Body)
}

// Provider implements sandbox.Provider for E2B
type Provider struct {
	cfg        Config
	httpClient *http.Client
	// commandClient has no overall timeout; commands are bounded by their context
	commandClient *http.Client
	logger        *zap.Logger
}

var (
	_ sandbox.Provider  = (*Provider)(nil)
	_ sandbox.Destroyer = (*Provider)(nil)
)

// New creates an E2B provider
func New(cfg Config, logger *zap.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("e2b api key is required")
	}
	if cfg.Domain == "" {
		cfg.Domain = defaultDomain
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api." + cfg.Domain
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.EnvdURL = strings.TrimRight(cfg.EnvdURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:           cfg,
		httpClient:    &http.Client{Timeout: httpTimeout},
		commandClient: &http.Client{},
		logger:        logger,
	}, nil
}

type createRequest struct {
	TemplateID string `json:"templateID"`
	Timeout    int    `json:"timeout"`
	Secure     bool   `json:"secure"`
}

type connectRequest struct {
	Timeout int `json:"timeout"`
}

type sandboxResponse struct {
	SandboxID       string `json:"sandboxID"`
	TemplateID      string `json:"templateID"`
	EnvdAccessToken string `json:"envdAccessToken"`
	Domain          string `json:"domain,omitempty"`
}

// Create starts a sandbox from template that lives for timeout unless paused
func (p *Provider) Create(ctx context.Context, template string, timeout time.Duration) (*sandbox.Handle, error) {
	req := createRequest{TemplateID: template, Timeout: seconds(timeout), Secure: true}

	var resp sandboxResponse
	if err := p.controlPlaneCall(ctx, http.MethodPost, "/sandboxes", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}

	p.logger.Info("e2b sandbox created",
		zap.String("sandbox_id", resp.SandboxID),
		zap.String("template", template),
	)
	return p.handle(resp, template), nil
}

// Resume connects to an existing sandbox, resuming it if it was paused
func (p *Provider) Resume(ctx context.Context, sandboxID string, timeout time.Duration) (*sandbox.Handle, error) {
	var resp sandboxResponse
	path := fmt.Sprintf("/sandboxes/%s/connect", sandboxID)
	if err := p.controlPlaneCall(ctx, http.MethodPost, path, connectRequest{Timeout: seconds(timeout)}, &resp); err != nil {
		return nil, fmt.Errorf("failed to resume sandbox %s: %w", sandboxID, err)
	}
	if resp.SandboxID == "" {
		resp.SandboxID = sandboxID
	}

	p.logger.Info("e2b sandbox resumed", zap.String("sandbox_id", sandboxID))
	return p.handle(resp, resp.TemplateID), nil
}

// Pause snapshots and stops the sandbox
func (p *Provider) Pause(ctx context.Context, sandboxID string) error {
	path := fmt.Sprintf("/sandboxes/%s/pause", sandboxID)
	if err := p.controlPlaneCall(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("failed to pause sandbox %s: %w", sandboxID, err)
	}
	p.logger.Info("e2b sandbox paused", zap.String("sandbox_id", sandboxID))
	return nil
}

// Destroy kills the sandbox; a sandbox that is already gone is not an error
func (p *Provider) Destroy(ctx context.Context, sandboxID string) error {
	err := p.controlPlaneCall(ctx, http.MethodDelete, "/sandboxes/"+sandboxID, nil, nil)
	if err != nil && !errors.Is(err, sandbox.ErrSandboxNotFound) {
		return fmt.Errorf("failed to destroy sandbox %s: %w", sandboxID, err)
	}
	return nil
}

type runRequest struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
	Cwd  string   `json:"cwd,omitempty"`
}

type runResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
}

// Run executes the command through envd. envd answers once the command
// exits, so output is delivered as one stdout and one stderr chunk.
func (p *Provider) Run(ctx context.Context, h *sandbox.Handle, req sandbox.CommandRequest, out sandbox.OutputFunc) (*sandbox.CommandResult, error) {
	script := req.Command
	if req.Timeout > 0 {
		// envd gets a grace period to report the timeout exit
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout+5*time.Second)
		defer cancel()
		script = fmt.Sprintf("timeout %d sh -c %s", seconds(req.Timeout), shellQuote(req.Command))
	}

	body, err := json.Marshal(runRequest{Cmd: "/bin/bash", Args: []string{"-l", "-c", script}, Cwd: req.WorkingDirectory})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	endpoint := h.Endpoint
	if endpoint == "" {
		endpoint = p.envdURL(h.SandboxID, "")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/commands/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Access-Token", h.Token)

	resp, err := p.commandClient.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, sandbox.ErrCommandTimeout
		}
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return nil, fmt.Errorf("%w (status %d)", ErrCommandsUnsupported, resp.StatusCode)
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(&APIError{StatusCode: resp.StatusCode, Body: string(data)})
	}

	var result runResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode command result: %w", err)
	}

	if req.Timeout > 0 && result.ExitCode == timeoutExitCode {
		return nil, sandbox.ErrCommandTimeout
	}
	if out != nil {
		if result.Stdout != "" {
			out(sandbox.Stdout, []byte(result.Stdout))
		}
		if result.Stderr != "" {
			out(sandbox.Stderr, []byte(result.Stderr))
		}
	}
	return &sandbox.CommandResult{ExitCode: result.ExitCode, Stderr: result.Stderr, Message: result.Error}, nil
}

func (p *Provider) handle(resp sandboxResponse, template string) *sandbox.Handle {
	return &sandbox.Handle{
		SandboxID: resp.SandboxID,
		Template:  template,
		Endpoint:  p.envdURL(resp.SandboxID, resp.Domain),
		Token:     resp.EnvdAccessToken,
	}
}

func (p *Provider) envdURL(sandboxID, domain string) string {
	if p.cfg.EnvdURL != "" {
		return p.cfg.EnvdURL
	}
	if domain == "" {
		domain = p.cfg.Domain
	}
	return fmt.Sprintf("https://%d-%s.%s", envdPort, sandboxID, domain)
}

func (p *Provider) controlPlaneCall(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.cfg.APIURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("X-API-Key", p.cfg.APIKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(&APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))})
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func classifyStatus(err *APIError) error {
	switch err.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", sandbox.ErrSandboxNotFound, err)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %w", sandbox.ErrServiceUnavailable, err)
	}
	return err
}

func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	var opErr *net.OpError
	if errors.As(err, &opErr) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", sandbox.ErrServiceUnavailable, err)
	}
	return fmt.Errorf("request failed: %w", err)
}

func seconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
