// Package sandbox keeps one remote execution sandbox per (user, template)
// alive across requests, pausing it between uses and resuming it on demand.
package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSandboxNotFound means the remote sandbox no longer exists.
	ErrSandboxNotFound = errors.New("sandbox not found")
	// ErrServiceUnavailable covers connection failures and gateway errors.
	ErrServiceUnavailable = errors.New("sandbox service unavailable")
	// ErrCommandTimeout is returned when a command outlives its timeout.
	ErrCommandTimeout = errors.New("command timed out")
)

// Handle addresses a live remote sandbox
type Handle struct {
	SandboxID string
	UserID    string
	Template  string
	// Endpoint and Token reach the sandbox's command service when the
	// provider needs them.
	Endpoint string
	Token    string
}

// StreamKind tells stdout and stderr chunks apart
type StreamKind int

const (
	Stdout StreamKind = iota
	Stderr
)

func (k StreamKind) String() string {
	if k == Stderr {
		return "stderr"
	}
	return "stdout"
}

// OutputFunc receives output chunks as the command produces them.
// Calls are serialized by the provider.
type OutputFunc func(kind StreamKind, data []byte)

// CommandRequest is one shell command to run in a sandbox
type CommandRequest struct {
	Command          string
	WorkingDirectory string
	Timeout          time.Duration
}

// CommandResult is the outcome of a command that ran to completion
type CommandResult struct {
	ExitCode int
	// Stderr holds the complete stderr when the provider buffers it.
	Stderr string
	// Message is the provider's description of a failed run.
	Message string
}

// Provider creates and drives remote sandboxes
type Provider interface {
	Create(ctx context.Context, template string, timeout time.Duration) (*Handle, error)
	// Resume reconnects to an existing sandbox; ErrSandboxNotFound when it is gone.
	Resume(ctx context.Context, sandboxID string, timeout time.Duration) (*Handle, error)
	Pause(ctx context.Context, sandboxID string) error
	// Run executes req and streams its output. A non-zero exit is reported
	// through CommandResult; errors are reserved for transport failures and
	// ErrCommandTimeout.
	Run(ctx context.Context, h *Handle, req CommandRequest, out OutputFunc) (*CommandResult, error)
}

// Destroyer is implemented by providers that can delete a sandbox outright
type Destroyer interface {
	Destroy(ctx context.Context, sandboxID string) error
}

// RemoteSandbox is a sandbox as its provider lists it
type RemoteSandbox struct {
	SandboxID string
	Template  string
	CreatedAt time.Time
}

// Lister is implemented by providers that can enumerate the sandboxes they
// created, whether or not a record still points at them
type Lister interface {
	ListSandboxes(ctx context.Context) ([]RemoteSandbox, error)
}
