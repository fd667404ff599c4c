// Package terminal runs shell commands in a sandbox and renders their
// output as a fenced text stream.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sciffer/sandboxgate/pkg/metrics"
	"github.com/sciffer/sandboxgate/pkg/sandbox"
)

const (
	// NoOutputMessage stands in for a successful command that printed nothing
	NoOutputMessage = "Command ran successfully with no output"
	// UnavailableMessage is shown for connection-class failures
	UnavailableMessage = "Sandbox service is temporarily unavailable. Please try again later."
)

// Run outcomes, used as metric labels
const (
	OutcomeSuccess     = "success"
	OutcomeExitError   = "exit_error"
	OutcomeTimeout     = "timeout"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
	OutcomeDetached    = "detached"
	OutcomeBackground  = "background"
)

// Options configures a Streamer
type Options struct {
	// StreamTimeout ends the client stream of a foreground command; the
	// command itself keeps running.
	StreamTimeout time.Duration
	// CommandTimeout bounds the command on the remote side.
	CommandTimeout   time.Duration
	DefaultWorkdir   string
	BackgroundLogDir string
}

// Request is one command to run
type Request struct {
	Command          string
	WorkingDirectory string
	Background       bool
	// OnFinish, when set, is called once the command has ended in the
	// sandbox, with one of the Outcome labels. For a completed command it
	// runs before the stream ends; for a detached one it runs later, after
	// the client stream is already closed. OutcomeBackground means the
	// launched process is still running.
	OnFinish func(outcome string)
}

// Streamer executes commands through a sandbox provider
type Streamer struct {
	provider sandbox.Provider
	metrics  *metrics.Metrics
	logger   *zap.Logger
	opts     Options
}

// NewStreamer creates a streamer; m may be nil
func NewStreamer(provider sandbox.Provider, m *metrics.Metrics, logger *zap.Logger, opts Options) *Streamer {
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 30 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 6 * time.Minute
	}
	if opts.BackgroundLogDir == "" {
		opts.BackgroundLogDir = "/tmp"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Streamer{provider: provider, metrics: m, logger: logger, opts: opts}
}

// Run starts req in the sandbox and returns its framed output. The reader
// yields bytes until the command completes or the stream watchdog fires,
// and is always terminated with any open block closed. Closing the reader
// early detaches the client; the command is not cancelled.
func (s *Streamer) Run(ctx context.Context, h *sandbox.Handle, req Request) io.ReadCloser {
	pr, pw := io.Pipe()
	stream := newFramedStream(pw)
	go s.produce(ctx, h, req, stream)
	return pr
}

type outcome struct {
	result *sandbox.CommandResult
	err    error
}

func (s *Streamer) produce(ctx context.Context, h *sandbox.Handle, req Request, stream *framedStream) {
	defer stream.finish()

	log := s.logger.With(zap.String("sandbox_id", h.SandboxID), zap.Bool("background", req.Background))
	start := time.Now()

	workdir := req.WorkingDirectory
	if workdir == "" {
		workdir = s.opts.DefaultWorkdir
	}
	command := req.Command
	var logFile string
	if req.Background {
		logFile = path.Join(s.opts.BackgroundLogDir, "sandboxgate-"+uuid.NewString()[:8]+".log")
		command = backgroundCommand(req.Command, logFile)
	}

	var stderrSeen bool
	var pid strings.Builder
	onOutput := func(kind sandbox.StreamKind, data []byte) {
		if req.Background {
			pid.Write(data)
			return
		}
		if kind == sandbox.Stderr && len(data) > 0 {
			stderrSeen = true
		}
		stream.output(data)
	}

	// The command outlives the request; only the command timeout stops it
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CommandTimeout)
	done := make(chan outcome, 1)
	go func() {
		defer cancel()
		runCtx, span := otel.Tracer("sandboxgate/terminal").Start(runCtx, "terminal.run")
		span.SetAttributes(attribute.String("sandbox.id", h.SandboxID), attribute.Bool("background", req.Background))
		defer span.End()

		res, err := s.provider.Run(runCtx, h, sandbox.CommandRequest{
			Command:          command,
			WorkingDirectory: workdir,
			Timeout:          s.opts.CommandTimeout,
		}, onOutput)
		if err != nil {
			span.RecordError(err)
		}
		done <- outcome{result: res, err: err}
	}()

	var watchdog <-chan time.Time
	if !req.Background {
		timer := time.NewTimer(s.opts.StreamTimeout)
		defer timer.Stop()
		watchdog = timer.C
	}

	select {
	case o := <-done:
		result := s.render(stream, o, stderrSeen, req.Background, pid.String(), logFile)
		s.metrics.TerminalRun(result, time.Since(start).Seconds())
		log.Debug("command finished", zap.String("outcome", result), zap.Duration("duration", time.Since(start)))
		finish(req, result)
	case <-watchdog:
		stream.errorMarker(fmt.Sprintf(
			"Output stream paused after %s. The command is still running in the sandbox; check its results with a follow-up command.",
			s.opts.StreamTimeout))
		s.metrics.TerminalRun(OutcomeDetached, time.Since(start).Seconds())
		log.Info("stream watchdog fired, command continues", zap.Duration("after", s.opts.StreamTimeout))
		go s.drain(done, req, log, start)
	case <-ctx.Done():
		log.Info("client went away, command continues")
		go s.drain(done, req, log, start)
	}
}

// drain waits for a detached command so its outcome is still logged and
// reported through OnFinish
func (s *Streamer) drain(done <-chan outcome, req Request, log *zap.Logger, start time.Time) {
	o := <-done
	result := detachedOutcome(o, req.Background)
	defer finish(req, result)

	fields := []zap.Field{zap.Duration("duration", time.Since(start)), zap.String("outcome", result)}
	if o.err != nil {
		log.Warn("detached command failed", append(fields, zap.Error(o.err))...)
		return
	}
	if o.result != nil {
		fields = append(fields, zap.Int("exit_code", o.result.ExitCode))
	}
	log.Info("detached command finished", fields...)
}

// detachedOutcome labels a command whose output nobody reads any more. A
// background launch that succeeded still has its process running.
func detachedOutcome(o outcome, background bool) string {
	switch {
	case o.err != nil:
		return OutcomeError
	case background && (o.result == nil || o.result.ExitCode == 0):
		return OutcomeBackground
	}
	return OutcomeDetached
}

func finish(req Request, result string) {
	if req.OnFinish != nil {
		req.OnFinish(result)
	}
}

// render writes the final part of the stream and returns the outcome label
func (s *Streamer) render(stream *framedStream, o outcome, stderrSeen, background bool, pid, logFile string) string {
	if o.err != nil {
		switch {
		case errors.Is(o.err, sandbox.ErrCommandTimeout), errors.Is(o.err, context.DeadlineExceeded):
			stream.errorMarker(fmt.Sprintf("Command timed out after %s", s.opts.CommandTimeout))
			return OutcomeTimeout
		case IsConnectionError(o.err):
			stream.errorMarker(UnavailableMessage)
			return OutcomeUnavailable
		default:
			stream.errorMarker(o.err.Error())
			return OutcomeError
		}
	}

	res := o.result
	if res == nil {
		res = &sandbox.CommandResult{}
	}
	if res.ExitCode != 0 {
		if !stderrSeen {
			stream.errorMarker(exitMessage(res))
		}
		return OutcomeExitError
	}

	if background {
		stream.output([]byte(fmt.Sprintf("Background process started with PID %s\nOutput is being written to %s\n",
			strings.TrimSpace(pid), logFile)))
		return OutcomeBackground
	}
	if !stream.hasOutput() {
		stream.output([]byte(NoOutputMessage + "\n"))
	}
	return OutcomeSuccess
}

func exitMessage(res *sandbox.CommandResult) string {
	if msg := strings.TrimSpace(res.Stderr); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(res.Message); msg != "" {
		return msg
	}
	return fmt.Sprintf("Command exited with code %d", res.ExitCode)
}

// IsConnectionError reports whether err is a failure to reach the sandbox
// service rather than a failure of the command
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sandbox.ErrServiceUnavailable) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "econnrefused", "connect timeout", "502", "503", "504", "bad gateway", "gateway timeout", "service unavailable"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func backgroundCommand(command, logFile string) string {
	return fmt.Sprintf("nohup sh -c %s > %s 2>&1 & echo $!", shellQuote(command), shellQuote(logFile))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
