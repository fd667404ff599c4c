package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sciffer/sandboxgate/internal/logger"
	"github.com/sciffer/sandboxgate/pkg/auth"
	"github.com/sciffer/sandboxgate/pkg/database"
	"github.com/sciffer/sandboxgate/pkg/models"
	"github.com/sciffer/sandboxgate/pkg/ratelimit"
	"github.com/sciffer/sandboxgate/pkg/sandbox"
	"github.com/sciffer/sandboxgate/pkg/terminal"
	"github.com/sciffer/sandboxgate/pkg/validator"
)

// Version is reported by the health endpoint
var Version = "dev"

// Handler holds dependencies for HTTP handlers
type Handler struct {
	gate            *ratelimit.Gate
	manager         *sandbox.Manager
	streamer        *terminal.Streamer
	db              *database.DB
	validator       *validator.Validator
	defaultTemplate string
	logger          *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(gate *ratelimit.Gate, manager *sandbox.Manager, streamer *terminal.Streamer, db *database.DB, val *validator.Validator, defaultTemplate string, log *logger.Logger) *Handler {
	return &Handler{
		gate:            gate,
		manager:         manager,
		streamer:        streamer,
		db:              db,
		validator:       val,
		defaultTemplate: defaultTemplate,
		logger:          log,
	}
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := models.HealthResponse{Status: "healthy", Version: Version}
	status := http.StatusOK
	if err := h.db.PingContext(r.Context()); err != nil {
		h.logger.Error("database health check failed", zap.Error(err))
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	h.respondJSON(w, status, resp)
}

// requestError is a failure that happens before streaming starts
type requestError struct {
	status     int
	message    string
	err        error
	retryAfter int64
}

// startTerminal runs the rate-limit check, acquires the caller's sandbox
// and starts the command. The sandbox is handed back when the command ends
// in the sandbox, which may be after the returned stream is closed.
func (h *Handler) startTerminal(ctx context.Context, userID string, req *models.TerminalRequest) (io.ReadCloser, *requestError) {
	req.Command = strings.TrimSpace(req.Command)
	if req.Template == "" {
		req.Template = h.defaultTemplate
	}
	if err := h.validator.ValidateTerminalRequest(req); err != nil {
		return nil, &requestError{status: http.StatusBadRequest, message: "validation failed", err: err}
	}
	template := req.Template

	if _, err := h.gate.Check(ctx, userID, req.Model); err != nil {
		var quotaErr *ratelimit.QuotaExceededError
		if errors.As(err, &quotaErr) {
			return nil, &requestError{
				status:     http.StatusTooManyRequests,
				message:    "rate_limited",
				err:        err,
				retryAfter: quotaErr.RetryAfter.Milliseconds(),
			}
		}
		return nil, &requestError{status: http.StatusInternalServerError, message: "rate limit check failed", err: err}
	}

	handle, err := h.manager.Acquire(ctx, userID, template, 0)
	if err != nil {
		return nil, &requestError{status: http.StatusServiceUnavailable, message: "sandbox unavailable", err: err}
	}

	stream := h.streamer.Run(ctx, handle, terminal.Request{
		Command:          req.Command,
		WorkingDirectory: req.WorkingDirectory,
		Background:       req.Background,
		OnFinish: func(outcome string) {
			h.handBack(context.WithoutCancel(ctx), handle, outcome)
		},
	})
	return stream, nil
}

// handBack returns the sandbox to the manager once its command is over. A
// background launch leaves its process running, so that sandbox is
// detached instead of paused.
func (h *Handler) handBack(ctx context.Context, handle *sandbox.Handle, outcome string) {
	if outcome == terminal.OutcomeBackground {
		h.manager.Detach(ctx, handle)
		return
	}
	h.manager.Release(ctx, handle)
}

// RunTerminal handles POST /terminal and streams the framed output
func (h *Handler) RunTerminal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := auth.UserIDFromContext(ctx)

	var req models.TerminalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	stream, reqErr := h.startTerminal(ctx, userID, &req)
	if reqErr != nil {
		h.respondRequestError(w, reqErr)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				h.logger.Debug("client stopped reading terminal stream", zap.Error(werr))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				h.logger.Warn("terminal stream ended with error", zap.Error(err))
			}
			return
		}
	}
}

// GetSandbox handles GET /sandboxes/{template}
func (h *Handler) GetSandbox(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := auth.UserIDFromContext(ctx)
	template := mux.Vars(r)["template"]

	rec, err := h.db.GetSandbox(ctx, userID, template)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "sandbox not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get sandbox", err)
		return
	}

	h.respondJSON(w, http.StatusOK, rec)
}

// GetSandboxEvents handles GET /sandboxes/{template}/events
func (h *Handler) GetSandboxEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := auth.UserIDFromContext(ctx)
	template := mux.Vars(r)["template"]

	rec, err := h.db.GetSandbox(ctx, userID, template)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "sandbox not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get sandbox", err)
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := h.db.ListSandboxEvents(ctx, rec.SandboxID, limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list sandbox events", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sandbox_id": rec.SandboxID,
		"events":     events,
	})
}

// GetLimits handles GET /limits?model=
func (h *Handler) GetLimits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := auth.UserIDFromContext(ctx)
	model := r.URL.Query().Get("model")

	plan := h.gate.Plan(ctx, userID)
	policy := h.gate.Policy()
	limiter := h.gate.Limiter()

	h.respondJSON(w, http.StatusOK, models.LimitResponse{
		Model:         model,
		Bucket:        policy.Bucket(model),
		Plan:          plan,
		Limit:         policy.ResolveLimit(model, plan),
		WindowMinutes: int(limiter.Window().Minutes()),
		Enabled:       limiter.Enabled(),
	})
}

// Helper functions

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	} else {
		h.logger.Debug(message, zap.Error(err))
	}

	errResp := models.ErrorResponse{
		Error:   message,
		Message: err.Error(),
		Code:    status,
	}

	h.respondJSON(w, status, errResp)
}

func (h *Handler) respondRequestError(w http.ResponseWriter, e *requestError) {
	if e.status != http.StatusTooManyRequests {
		h.respondError(w, e.status, e.message, e.err)
		return
	}
	secs := (e.retryAfter + 999) / 1000
	w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	h.respondJSON(w, e.status, models.ErrorResponse{
		Error:        e.message,
		Message:      e.err.Error(),
		Code:         e.status,
		RetryAfterMs: e.retryAfter,
	})
}
