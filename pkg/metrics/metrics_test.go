package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sciffer/sandboxgate/pkg/database"
	"github.com/sciffer/sandboxgate/pkg/models"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RateLimitDecision("allowed", "free")
	m.SandboxAcquired("created")
	m.PauseStarted()
	m.PauseFinished("paused")
	m.TerminalRun("ok", 1)
	m.SetSandboxRecords("active", 1)
}

func TestMetricsRecording(t *testing.T) {
	m := New()
	m.RateLimitDecision("allowed", "free")
	m.RateLimitDecision("allowed", "free")
	m.RateLimitDecision("denied", "pro")
	m.PauseStarted()
	m.PauseStarted()
	m.PauseFinished("failed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RateLimitDecisions.WithLabelValues("allowed", "free")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitDecisions.WithLabelValues("denied", "pro")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackgroundPauseQueue))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SandboxPauses.WithLabelValues("failed")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sandboxgate_ratelimit_decisions_total")
}

func TestCollector(t *testing.T) {
	db, err := database.NewDB("", filepath.Join(t.TempDir(), "metrics.db"), zap.NewNop())
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.UpsertSandbox(ctx, &models.SandboxRecord{UserID: "u1", Template: "base", SandboxID: "a", Status: models.SandboxActive}))
	require.NoError(t, db.UpsertSandbox(ctx, &models.SandboxRecord{UserID: "u2", Template: "base", SandboxID: "b", Status: models.SandboxPaused}))
	require.NoError(t, db.UpsertSandbox(ctx, &models.SandboxRecord{UserID: "u3", Template: "base", SandboxID: "c", Status: models.SandboxPaused}))

	m := New()
	c := NewCollector(db, m, time.Hour, 0, zap.NewNop())
	c.Start(ctx)
	c.Stop()
	c.Stop()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SandboxRecords.WithLabelValues("active")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SandboxRecords.WithLabelValues("paused")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SandboxRecords.WithLabelValues("pausing")))

	stored, err := db.ListMetrics(ctx, "sandboxes_paused", 10)
	require.NoError(t, err)
	require.NotEmpty(t, stored)
	assert.Equal(t, 2.0, stored[0].Value)
}
