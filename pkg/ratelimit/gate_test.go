package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sciffer/sandboxgate/pkg/counter"
	"github.com/sciffer/sandboxgate/pkg/metrics"
	"github.com/sciffer/sandboxgate/pkg/models"
)

type staticPlans struct {
	plans map[string]models.PlanType
	err   error
}

func (s staticPlans) PlanType(_ context.Context, userID string) (models.PlanType, error) {
	if s.err != nil {
		return "", s.err
	}
	if p, ok := s.plans[userID]; ok {
		return p, nil
	}
	return models.PlanFree, nil
}

func setupGate(t *testing.T, plans PlanLookup, store counter.Store, enabled bool) (*Gate, *metrics.Metrics) {
	t.Helper()
	policy := NewPolicy([]string{"gpt-4"}, map[string]string{"GPT_4_FREE": "1", "GPT_4_PREMIUM": "2"}, 1.8)
	limiter := NewLimiter(store, Options{Enabled: enabled, Window: time.Hour}, zap.NewNop())
	m := metrics.New()
	return NewGate(policy, limiter, plans, m, zap.NewNop()), m
}

func TestGateCheck(t *testing.T) {
	plans := staticPlans{plans: map[string]models.PlanType{"pro-user": models.PlanPro, "team-user": models.PlanTeam}}
	g, m := setupGate(t, plans, counter.NewMemoryStore(), true)
	ctx := context.Background()

	t.Run("free user gets one request then an upsell", func(t *testing.T) {
		_, err := g.Check(ctx, "free-user", "gpt-4o")
		require.NoError(t, err)

		_, err = g.Check(ctx, "free-user", "gpt-4-turbo")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrQuotaExceeded))

		var qe *QuotaExceededError
		require.True(t, errors.As(err, &qe))
		assert.Equal(t, models.PlanFree, qe.Plan)
		assert.Greater(t, qe.RetryAfter, 59*time.Minute)
		assert.Contains(t, qe.Message, "Upgrade")
	})

	t.Run("team user gets floor of premium times multiplier", func(t *testing.T) {
		// 2 * 1.8 = 3.6 -> 3
		for i := 0; i < 3; i++ {
			res, err := g.Check(ctx, "team-user", "gpt-4")
			require.NoError(t, err)
			assert.Equal(t, 2-i, res.Remaining)
		}
		_, err := g.Check(ctx, "team-user", "gpt-4")
		var qe *QuotaExceededError
		require.True(t, errors.As(err, &qe))
		assert.Contains(t, qe.Message, "different model")
	})

	t.Run("unconfigured model is denied", func(t *testing.T) {
		_, err := g.Check(ctx, "pro-user", "mystery-model")
		assert.True(t, errors.Is(err, ErrQuotaExceeded))
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitDecisions.WithLabelValues("allowed", "free")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RateLimitDecisions.WithLabelValues("allowed", "team")))
}

func TestGatePlanLookupFailureFallsBackToFree(t *testing.T) {
	g, _ := setupGate(t, staticPlans{err: errors.New("db down")}, counter.NewMemoryStore(), true)
	assert.Equal(t, models.PlanFree, g.Plan(context.Background(), "pro-user"))

	_, err := g.Check(context.Background(), "pro-user", "gpt-4")
	require.NoError(t, err)
	_, err = g.Check(context.Background(), "pro-user", "gpt-4")
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
}

func TestGateStoreFailure(t *testing.T) {
	g, m := setupGate(t, staticPlans{}, &failingStore{failWindow: true}, true)
	_, err := g.Check(context.Background(), "u", "gpt-4")

	var qe *QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.True(t, errors.Is(err, counter.ErrStoreUnavailable))
	assert.Equal(t, 5*time.Second, qe.RetryAfter)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitDecisions.WithLabelValues("error", "free")))
}

func TestGateDisabled(t *testing.T) {
	g, _ := setupGate(t, staticPlans{}, &failingStore{failWindow: true}, false)
	res, err := g.Check(context.Background(), "u", "anything")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, -1, res.Remaining)
}
