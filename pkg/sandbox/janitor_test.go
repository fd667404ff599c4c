package sandbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sciffer/sandboxgate/pkg/models"
	"github.com/sciffer/sandboxgate/pkg/sandbox"
	"github.com/sciffer/sandboxgate/pkg/sandbox/sandboxtest"
)

func TestJanitorRunOnce(t *testing.T) {
	records := sandboxtest.NewRecords()
	provider := sandboxtest.NewProvider()
	now := time.Now()

	records.Put(models.SandboxRecord{UserID: "old", Template: "base", SandboxID: "sbx-old", Status: models.SandboxPaused, UpdatedAt: now.Add(-31 * 24 * time.Hour)})
	records.Put(models.SandboxRecord{UserID: "new", Template: "base", SandboxID: "sbx-new", Status: models.SandboxPaused, UpdatedAt: now.Add(-29 * 24 * time.Hour)})

	j := sandbox.NewJanitor(records, provider, 30*24*time.Hour, zap.NewNop())
	n, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Nil(t, records.Get("old", "base"))
	assert.NotNil(t, records.Get("new", "base"))
	assert.Equal(t, 1, provider.Destroys)
	assert.Equal(t, []string{models.EventDeletedStale}, records.Events("sbx-old"))

	n, err = j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJanitorWithoutProvider(t *testing.T) {
	records := sandboxtest.NewRecords()
	records.Put(models.SandboxRecord{UserID: "old", Template: "base", SandboxID: "sbx-old", UpdatedAt: time.Now().Add(-60 * 24 * time.Hour)})

	j := sandbox.NewJanitor(records, nil, 0, zap.NewNop())
	n, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJanitorSweepOrphans(t *testing.T) {
	records := sandboxtest.NewRecords()
	provider := sandboxtest.NewProvider()
	now := time.Now()

	provider.Add("sbx-recorded", now.Add(-48*time.Hour))
	provider.Add("sbx-orphan", now.Add(-2*time.Hour))
	provider.Add("sbx-young", now.Add(-time.Minute))
	records.Put(models.SandboxRecord{UserID: "u1", Template: "base", SandboxID: "sbx-recorded", Status: models.SandboxPaused, UpdatedAt: now})

	j := sandbox.NewJanitor(records, provider, 0, zap.NewNop())
	n, err := j.SweepOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []string{"sbx-orphan"}, provider.DestroyedIDs())
	assert.True(t, provider.Exists("sbx-recorded"))
	assert.True(t, provider.Exists("sbx-young"), "sandboxes inside the grace period may still be getting their record")
	assert.Equal(t, []string{models.EventDeletedOrphan}, records.Events("sbx-orphan"))

	n, err = j.SweepOrphans(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJanitorSweepsSupersededSandbox(t *testing.T) {
	records := sandboxtest.NewRecords()
	provider := sandboxtest.NewProvider()
	ctx := context.Background()

	// A resume failure repointed the record at a new sandbox, leaving the
	// old one without a record
	provider.Add("sbx-old", time.Now().Add(-3*time.Hour))
	provider.Add("sbx-new", time.Now().Add(-2*time.Hour))
	records.Put(models.SandboxRecord{UserID: "u1", Template: "base", SandboxID: "sbx-old", Status: models.SandboxActive, UpdatedAt: time.Now()})
	require.NoError(t, records.UpsertSandbox(ctx, &models.SandboxRecord{UserID: "u1", Template: "base", SandboxID: "sbx-new", Status: models.SandboxActive}))

	j := sandbox.NewJanitor(records, provider, 0, zap.NewNop())
	n, err := j.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"sbx-old"}, provider.DestroyedIDs())
}

func TestJanitorSweepWithoutLister(t *testing.T) {
	j := sandbox.NewJanitor(sandboxtest.NewRecords(), nil, 0, zap.NewNop())
	n, err := j.SweepOrphans(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJanitorSchedule(t *testing.T) {
	_, err := sandbox.ParseSchedule("@daily")
	assert.NoError(t, err)
	_, err = sandbox.ParseSchedule("0 3 * * *")
	assert.NoError(t, err)
	_, err = sandbox.ParseSchedule("not a schedule")
	assert.Error(t, err)

	j := sandbox.NewJanitor(sandboxtest.NewRecords(), nil, time.Hour, zap.NewNop())
	assert.Error(t, j.Start("bogus"))
	require.NoError(t, j.Start("@hourly"))
	assert.Error(t, j.Start("@hourly"))
	j.Stop()
	j.Stop()
}
