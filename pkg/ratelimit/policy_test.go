package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sciffer/sandboxgate/pkg/models"
)

func TestPolicyBucket(t *testing.T) {
	p := NewPolicy([]string{"gpt-4", "gpt-4o", "claude", " "}, nil, 1.8)

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4", "GPT_4"},
		{"gpt-4-turbo-2024-04-09", "GPT_4"},
		{"GPT-4O-mini", "GPT_4O"},
		{"claude-3-5-sonnet", "CLAUDE"},
		{"mistral-large", "MISTRAL_LARGE"},
		{"  llama3.1 ", "LLAMA3_1"},
		{"", "DEFAULT"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Bucket(tt.model))
		})
	}
}

func TestResolveLimit(t *testing.T) {
	limits := map[string]string{
		"GPT_4_FREE":      "10",
		"GPT_4_PREMIUM":   "100",
		"claude_premium":  "7",
		"MISTRAL_FREE":    "abc",
		"MISTRAL_PREMIUM": "-5",
	}
	p := NewPolicy([]string{"gpt-4", "claude", "mistral"}, limits, 1.8)

	t.Run("free uses the free entry", func(t *testing.T) {
		assert.Equal(t, 10, p.ResolveLimit("gpt-4o", models.PlanFree))
	})

	t.Run("pro uses the premium entry", func(t *testing.T) {
		assert.Equal(t, 100, p.ResolveLimit("gpt-4o", models.PlanPro))
	})

	t.Run("team multiplies premium and floors", func(t *testing.T) {
		assert.Equal(t, 180, p.ResolveLimit("gpt-4o", models.PlanTeam))
		// 7 * 1.8 = 12.6
		assert.Equal(t, 12, p.ResolveLimit("claude-3-opus", models.PlanTeam))
	})

	t.Run("team floor is not skewed by float rounding", func(t *testing.T) {
		p := NewPolicy([]string{"gpt-4"}, map[string]string{"GPT_4_PREMIUM": "100"}, 2.3)
		assert.Equal(t, 230, p.ResolveLimit("gpt-4", models.PlanTeam))

		for _, tc := range []struct {
			premium    int
			multiplier float64
			want       int
		}{
			{100, 2.3, 230},
			{10, 1.1, 11},
			{3, 0.7, 2},
			{7, 1.8, 12},
			{0, 2.5, 0},
		} {
			assert.Equal(t, tc.want, teamLimit(tc.premium, tc.multiplier), "%d*%v", tc.premium, tc.multiplier)
		}
	})

	t.Run("keys are case-insensitive", func(t *testing.T) {
		assert.Equal(t, 7, p.ResolveLimit("claude-3-opus", models.PlanPro))
	})

	t.Run("missing or malformed entries give zero", func(t *testing.T) {
		assert.Equal(t, 0, p.ResolveLimit("claude-3-opus", models.PlanFree))
		assert.Equal(t, 0, p.ResolveLimit("mistral-large", models.PlanFree))
		assert.Equal(t, 0, p.ResolveLimit("mistral-large", models.PlanPro))
		assert.Equal(t, 0, p.ResolveLimit("unknown-model", models.PlanTeam))
	})

	t.Run("unknown plan is treated as free", func(t *testing.T) {
		assert.Equal(t, 10, p.ResolveLimit("gpt-4", models.PlanType("enterprise")))
	})
}

func TestStorageKey(t *testing.T) {
	a := StorageKey("u1", "GPT_4")
	assert.Equal(t, a, StorageKey("u1", "GPT_4"))
	assert.NotEqual(t, a, StorageKey("u2", "GPT_4"))
	assert.NotEqual(t, a, StorageKey("u1", "CLAUDE"))
	assert.NotContains(t, a, "u1")
	assert.Len(t, a, len(keyPrefix)+32)
}
