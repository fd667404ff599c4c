package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParsePlanType(t *testing.T) {
	assert.Equal(t, PlanPro, ParsePlanType("pro"))
	assert.Equal(t, PlanTeam, ParsePlanType("team"))
	assert.Equal(t, PlanFree, ParsePlanType("free"))
	assert.Equal(t, PlanFree, ParsePlanType(""))
	assert.Equal(t, PlanFree, ParsePlanType("enterprise"))

	assert.False(t, PlanFree.Premium())
	assert.True(t, PlanPro.Premium())
	assert.True(t, PlanTeam.Premium())
}

func TestSandboxRecordStale(t *testing.T) {
	now := time.Now()
	rec := &SandboxRecord{UpdatedAt: now.Add(-31 * 24 * time.Hour)}
	assert.True(t, rec.StaleAt(now.Add(-30*24*time.Hour)))

	rec.UpdatedAt = now.Add(-29 * 24 * time.Hour)
	assert.False(t, rec.StaleAt(now.Add(-30*24*time.Hour)))

	assert.True(t, SandboxPausing.Valid())
	assert.False(t, SandboxStatus("none").Valid())
}
