package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sciffer/sandboxgate/internal/logger"
	"github.com/sciffer/sandboxgate/pkg/auth"
	"github.com/sciffer/sandboxgate/pkg/counter"
	"github.com/sciffer/sandboxgate/pkg/database"
	"github.com/sciffer/sandboxgate/pkg/metrics"
	"github.com/sciffer/sandboxgate/pkg/models"
	"github.com/sciffer/sandboxgate/pkg/ratelimit"
	"github.com/sciffer/sandboxgate/pkg/sandbox"
	"github.com/sciffer/sandboxgate/pkg/sandbox/sandboxtest"
	"github.com/sciffer/sandboxgate/pkg/terminal"
	"github.com/sciffer/sandboxgate/pkg/validator"
)

type testEnv struct {
	router   http.Handler
	db       *database.DB
	provider *sandboxtest.Provider
	manager  *sandbox.Manager
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return setupTestEnvWith(t, terminal.Options{DefaultWorkdir: "/home/user"})
}

func setupTestEnvWith(t *testing.T, opts terminal.Options) *testEnv {
	t.Helper()

	db, err := database.NewDB("", filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logger.NewNop()
	m := metrics.New()

	policy := ratelimit.NewPolicy([]string{"gpt-4"}, map[string]string{
		"GPT_4_FREE":    "1",
		"GPT_4_PREMIUM": "5",
		"DEFAULT_FREE":  "10",
	}, 1.8)
	limiter := ratelimit.NewLimiter(counter.NewMemoryStore(), ratelimit.Options{Enabled: true, Window: time.Hour}, zap.NewNop())
	gate := ratelimit.NewGate(policy, limiter, db, m, zap.NewNop())

	provider := sandboxtest.NewProvider()
	provider.RunFunc = func(_ context.Context, _ *sandbox.Handle, req sandbox.CommandRequest, out sandbox.OutputFunc) (*sandbox.CommandResult, error) {
		out(sandbox.Stdout, []byte("ran: "+req.Command+"\n"))
		return &sandbox.CommandResult{}, nil
	}
	manager := sandbox.NewManager(provider, db, m, log, sandbox.Options{})
	t.Cleanup(manager.Wait)
	streamer := terminal.NewStreamer(provider, m, zap.NewNop(), opts)

	handler := NewHandler(gate, manager, streamer, db, validator.New(0, []string{"base"}), "base", log)
	router := NewRouter(&RouterConfig{
		Handler:        handler,
		MetricsHandler: NewMetricsHandler(db, log),
		TerminalSocket: NewTerminalSocket(handler, nil, 2),
		AuthService:    auth.NewService("", false, nil),
		Metrics:        m.Handler(),
	})

	return &testEnv{router: router, db: db, provider: provider, manager: manager}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(auth.UserHeader, user)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var health models.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)

	rec = env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRunTerminal(t *testing.T) {
	env := setupTestEnv(t)

	t.Run("requires a user", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/terminal", "", models.TerminalRequest{Command: "ls"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects an empty command", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/terminal", "alice", models.TerminalRequest{Command: "  "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects an unknown template before consuming quota", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/terminal", "alice", models.TerminalRequest{Command: "ls", Model: "gpt-4o", Template: "ruby"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "unknown template")
	})

	t.Run("streams framed output and pauses afterwards", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/terminal", "alice", models.TerminalRequest{Command: "ls", Model: "gpt-4o"})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.Equal(t, "```stdout\nran: ls\n```\n", rec.Body.String())

		env.manager.Wait()
		stored, err := env.db.GetSandbox(context.Background(), "alice", "base")
		require.NoError(t, err)
		assert.Equal(t, models.SandboxPaused, stored.Status)
	})

	t.Run("quota exceeded", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/terminal", "alice", models.TerminalRequest{Command: "ls", Model: "gpt-4o"})
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))

		var errResp models.ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
		assert.Equal(t, "rate_limited", errResp.Error)
		assert.Greater(t, errResp.RetryAfterMs, int64(0))
		assert.NotEmpty(t, errResp.Message)
	})

	t.Run("acquire failure", func(t *testing.T) {
		env.provider.CreateErr = sandbox.ErrServiceUnavailable
		defer func() { env.provider.CreateErr = nil }()

		rec := env.do(t, http.MethodPost, "/api/v1/terminal", "bob", models.TerminalRequest{Command: "ls"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestTerminalDetachedCommandKeepsSandboxRunning(t *testing.T) {
	env := setupTestEnvWith(t, terminal.Options{StreamTimeout: 50 * time.Millisecond, DefaultWorkdir: "/home/user"})
	ctx := context.Background()

	unblock := make(chan struct{})
	env.provider.RunFunc = func(_ context.Context, _ *sandbox.Handle, _ sandbox.CommandRequest, out sandbox.OutputFunc) (*sandbox.CommandResult, error) {
		out(sandbox.Stdout, []byte("partial\n"))
		<-unblock
		return &sandbox.CommandResult{}, nil
	}

	rec := env.do(t, http.MethodPost, "/api/v1/terminal", "erin", models.TerminalRequest{Command: "make build"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "```stdout\npartial\n```\n")
	assert.Contains(t, rec.Body.String(), "The command is still running in the sandbox")

	// The stream is over but the command is not; nothing may pause it
	env.manager.Wait()
	stored, err := env.db.GetSandbox(ctx, "erin", "base")
	require.NoError(t, err)
	assert.Equal(t, models.SandboxActive, stored.Status)
	assert.False(t, env.provider.Paused(stored.SandboxID))
	_, _, pauses := env.provider.Counts()
	assert.Zero(t, pauses)
	assert.Equal(t, 1, env.manager.Holders(stored.SandboxID))

	close(unblock)
	assert.Eventually(t, func() bool {
		rec, err := env.db.GetSandbox(ctx, "erin", "base")
		return err == nil && rec.Status == models.SandboxPaused
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, env.provider.Paused(stored.SandboxID))
	assert.Zero(t, env.manager.Holders(stored.SandboxID))
}

func TestTerminalBackgroundLeavesSandboxActive(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	env.provider.RunFunc = func(_ context.Context, _ *sandbox.Handle, req sandbox.CommandRequest, out sandbox.OutputFunc) (*sandbox.CommandResult, error) {
		out(sandbox.Stdout, []byte("4242\n"))
		return &sandbox.CommandResult{}, nil
	}

	rec := env.do(t, http.MethodPost, "/api/v1/terminal", "frank", models.TerminalRequest{Command: "python -m http.server", Background: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Background process started with PID 4242")
	require.Len(t, env.provider.Commands, 1)
	assert.Contains(t, env.provider.Commands[0].Command, "nohup")

	env.manager.Wait()
	stored, err := env.db.GetSandbox(ctx, "frank", "base")
	require.NoError(t, err)
	assert.Equal(t, models.SandboxActive, stored.Status)
	assert.False(t, env.provider.Paused(stored.SandboxID))
	_, _, pauses := env.provider.Counts()
	assert.Zero(t, pauses)
	assert.Zero(t, env.manager.Holders(stored.SandboxID))

	events, err := env.db.ListSandboxEvents(ctx, stored.SandboxID, 0)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, models.EventKeptActive)
	assert.NotContains(t, types, models.EventPausing)
}

func TestSandboxAndLimits(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/sandboxes/base", "carol", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/terminal", "carol", models.TerminalRequest{Command: "pwd"})
	require.Equal(t, http.StatusOK, rec.Code)
	env.manager.Wait()

	rec = env.do(t, http.MethodGet, "/api/v1/sandboxes/base", "carol", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stored models.SandboxRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stored))
	assert.Equal(t, "carol", stored.UserID)
	assert.NotEmpty(t, stored.SandboxID)

	rec = env.do(t, http.MethodGet, "/api/v1/sandboxes/base/events", "carol", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events struct {
		SandboxID string                `json:"sandbox_id"`
		Events    []models.SandboxEvent `json:"events"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&events))
	assert.Equal(t, stored.SandboxID, events.SandboxID)
	assert.NotEmpty(t, events.Events)

	t.Run("limits follow the plan", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/limits?model=gpt-4-turbo", "carol", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var limit models.LimitResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&limit))
		assert.Equal(t, "GPT_4", limit.Bucket)
		assert.Equal(t, models.PlanFree, limit.Plan)
		assert.Equal(t, 1, limit.Limit)
		assert.Equal(t, 60, limit.WindowMinutes)

		require.NoError(t, env.db.SetPlanType(context.Background(), "carol", models.PlanTeam))
		rec = env.do(t, http.MethodGet, "/api/v1/limits?model=gpt-4-turbo", "carol", nil)
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&limit))
		assert.Equal(t, models.PlanTeam, limit.Plan)
		assert.Equal(t, 9, limit.Limit)
	})

	t.Run("metric history", func(t *testing.T) {
		require.NoError(t, env.db.SaveMetric(context.Background(), "", "sandboxes_paused", 1))
		rec := env.do(t, http.MethodGet, "/api/v1/metrics/history?type=sandboxes_paused", "carol", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "sandboxes_paused")
	})
}

func dialTerminal(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/terminal/ws"
	header := http.Header{}
	header.Set(auth.UserHeader, user)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntilClose(t *testing.T, conn *websocket.Conn) (string, error) {
	t.Helper()
	var out strings.Builder
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return out.String(), err
		}
		out.Write(data)
	}
}

func TestTerminalWebSocket(t *testing.T) {
	env := setupTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn := dialTerminal(t, srv, "dave")
	require.NoError(t, conn.WriteJSON(models.TerminalRequest{Command: "whoami", Model: "gpt-4"}))

	out, err := readUntilClose(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, "```stdout\nran: whoami\n```\n", out)

	t.Run("quota exceeded closes with try again later", func(t *testing.T) {
		conn := dialTerminal(t, srv, "dave")
		require.NoError(t, conn.WriteJSON(models.TerminalRequest{Command: "whoami", Model: "gpt-4"}))

		out, err := readUntilClose(t, conn)
		assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
		var errResp models.ErrorResponse
		require.NoError(t, json.Unmarshal([]byte(out), &errResp))
		assert.Equal(t, http.StatusTooManyRequests, errResp.Code)
	})
}
