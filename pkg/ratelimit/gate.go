package ratelimit

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/sciffer/sandboxgate/pkg/metrics"
	"github.com/sciffer/sandboxgate/pkg/models"
)

// ErrQuotaExceeded matches every *QuotaExceededError
var ErrQuotaExceeded = errors.New("quota exceeded")

// QuotaExceededError is returned when a request is denied
type QuotaExceededError struct {
	Model      string
	Plan       models.PlanType
	RetryAfter time.Duration
	Message    string
	// Cause is set when the denial came from a store failure.
	Cause error
}

func (e *QuotaExceededError) Error() string { return e.Message }

// Is reports whether target is ErrQuotaExceeded
func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

func (e *QuotaExceededError) Unwrap() error { return e.Cause }

// PlanLookup resolves a user's subscription plan
type PlanLookup interface {
	PlanType(ctx context.Context, userID string) (models.PlanType, error)
}

// Gate combines plan lookup, limit resolution and the limiter
type Gate struct {
	policy  *Policy
	limiter *Limiter
	plans   PlanLookup
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewGate creates a gate; m may be nil
func NewGate(policy *Policy, limiter *Limiter, plans PlanLookup, m *metrics.Metrics, logger *zap.Logger) *Gate {
	return &Gate{policy: policy, limiter: limiter, plans: plans, metrics: m, logger: logger}
}

// Policy returns the limit resolver
func (g *Gate) Policy() *Policy { return g.policy }

// Limiter returns the underlying limiter
func (g *Gate) Limiter() *Limiter { return g.limiter }

// Plan returns the user's plan, falling back to free on lookup failure
func (g *Gate) Plan(ctx context.Context, userID string) models.PlanType {
	plan, err := g.plans.PlanType(ctx, userID)
	if err != nil {
		g.logger.Warn("plan lookup failed, using free tier", zap.String("user_id", userID), zap.Error(err))
		return models.PlanFree
	}
	return plan
}

// Check consumes one request for (userID, model) or returns a
// *QuotaExceededError carrying the user-facing message.
func (g *Gate) Check(ctx context.Context, userID, model string) (Result, error) {
	ctx, span := otel.Tracer("sandboxgate/ratelimit").Start(ctx, "ratelimit.check")
	defer span.End()

	if !g.limiter.Enabled() {
		g.metrics.RateLimitDecision("disabled", "")
		return Result{Allowed: true, Remaining: -1}, nil
	}

	plan := g.Plan(ctx, userID)
	bucket := g.policy.Bucket(model)
	limit := g.policy.ResolveLimit(model, plan)
	span.SetAttributes(
		attribute.String("ratelimit.bucket", bucket),
		attribute.String("ratelimit.plan", string(plan)),
		attribute.Int("ratelimit.limit", limit),
	)

	res, err := g.limiter.CheckAndConsume(ctx, userID, bucket, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "counter store failure")
		g.metrics.RateLimitDecision("error", string(plan))
	} else if res.Allowed {
		g.metrics.RateLimitDecision("allowed", string(plan))
	} else {
		g.metrics.RateLimitDecision("denied", string(plan))
	}
	span.SetAttributes(attribute.Bool("ratelimit.allowed", res.Allowed), attribute.Int("ratelimit.remaining", res.Remaining))

	if res.Allowed {
		return res, nil
	}

	g.logger.Info("rate limit exceeded",
		zap.String("user_id", userID),
		zap.String("bucket", bucket),
		zap.String("plan", string(plan)),
		zap.Duration("retry_after", res.RetryAfter))

	return res, &QuotaExceededError{
		Model:      model,
		Plan:       plan,
		RetryAfter: res.RetryAfter,
		Message:    FormatRateLimitMessage(res.RetryAfter, plan.Premium(), model),
		Cause:      err,
	}
}
