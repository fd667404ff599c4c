package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatWait(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "less than a minute"},
		{59 * time.Second, "less than a minute"},
		{time.Minute, "1 minute"},
		{61 * time.Second, "2 minutes"},
		{59 * time.Minute, "59 minutes"},
		{time.Hour, "1 hour"},
		{90 * time.Minute, "1 hour and 30 minutes"},
		{2*time.Hour + time.Minute, "2 hours and 1 minute"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatWait(tt.in), tt.in.String())
	}
}

func TestFormatRateLimitMessage(t *testing.T) {
	free := FormatRateLimitMessage(5*time.Minute, false, "gpt-4o")
	assert.Contains(t, free, "gpt-4o")
	assert.Contains(t, free, "5 minutes")
	assert.Contains(t, free, "Upgrade")
	assert.NotContains(t, free, "different model")

	premium := FormatRateLimitMessage(30*time.Second, true, "gpt-4o")
	assert.Contains(t, premium, "less than a minute")
	assert.Contains(t, premium, "different model")
	assert.NotContains(t, premium, "Upgrade")

	anon := FormatRateLimitMessage(time.Hour, false, "")
	assert.Contains(t, anon, "You've reached your usage limit.")
}
