package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sciffer/sandboxgate/pkg/database"
	"github.com/sciffer/sandboxgate/pkg/models"
)

const janitorBatch = 5000

// OrphanGrace is how old an unrecorded remote sandbox must be before the
// orphan sweep destroys it. Younger ones may belong to a create whose
// record is not written yet.
const OrphanGrace = time.Hour

// Janitor deletes records that have not been touched within the stale
// window, destroying their sandboxes when the provider supports it. It
// also destroys remote sandboxes that no record points at.
type Janitor struct {
	store      RecordStore
	provider   Provider
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewJanitor creates a janitor; provider may be nil
func NewJanitor(store RecordStore, provider Provider, staleAfter time.Duration, logger *zap.Logger) *Janitor {
	if staleAfter <= 0 {
		staleAfter = 30 * 24 * time.Hour
	}
	return &Janitor{
		store:      store,
		provider:   provider,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger,
	}
}

// ParseSchedule validates a five-field cron expression or descriptor such as "@daily"
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid gc schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Start runs RunOnce on schedule until Stop
func (j *Janitor) Start(schedule string) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return fmt.Errorf("janitor already started")
	}
	j.cron = cron.New()
	j.cron.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Warn("stale sandbox purge failed", zap.Error(err))
		}
		if _, err := j.SweepOrphans(ctx); err != nil {
			j.logger.Warn("orphan sandbox sweep failed", zap.Error(err))
		}
	}))
	j.cron.Start()
	j.logger.Info("sandbox janitor started", zap.String("schedule", schedule))
	return nil
}

// Stop halts the schedule and waits for a running purge
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// RunOnce purges stale records and returns how many were removed
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	records, err := j.store.ListSandboxes(ctx, janitorBatch)
	if err != nil {
		return 0, fmt.Errorf("list sandboxes: %w", err)
	}

	cutoff := j.now().Add(-j.staleAfter)
	destroyer, _ := j.provider.(Destroyer)

	purged := 0
	for _, rec := range records {
		if !rec.StaleAt(cutoff) {
			continue
		}
		if destroyer != nil {
			if err := destroyer.Destroy(ctx, rec.SandboxID); err != nil {
				j.logger.Debug("failed to destroy stale sandbox", zap.String("sandbox_id", rec.SandboxID), zap.Error(err))
			}
		}
		if err := j.store.DeleteSandbox(ctx, rec.SandboxID); err != nil {
			j.logger.Warn("failed to delete stale sandbox record", zap.String("sandbox_id", rec.SandboxID), zap.Error(err))
			continue
		}
		if _, err := j.store.SaveSandboxEvent(ctx, rec.SandboxID, rec.UserID, models.EventDeletedStale, rec.UpdatedAt.Format(time.RFC3339)); err != nil {
			j.logger.Debug("failed to save sandbox event", zap.Error(err))
		}
		purged++
	}

	if purged > 0 {
		j.logger.Info("purged stale sandbox records", zap.Int("count", purged))
	}
	return purged, nil
}

// SweepOrphans destroys remote sandboxes older than OrphanGrace that no
// record points at, and returns how many it destroyed. Providers that
// cannot list or destroy sandboxes are skipped.
func (j *Janitor) SweepOrphans(ctx context.Context) (int, error) {
	lister, ok := j.provider.(Lister)
	if !ok {
		return 0, nil
	}
	destroyer, ok := j.provider.(Destroyer)
	if !ok {
		return 0, nil
	}

	remote, err := lister.ListSandboxes(ctx)
	if err != nil {
		return 0, fmt.Errorf("list remote sandboxes: %w", err)
	}

	cutoff := j.now().Add(-OrphanGrace)
	destroyed := 0
	for _, sb := range remote {
		if sb.CreatedAt.IsZero() || sb.CreatedAt.After(cutoff) {
			continue
		}
		_, err := j.store.GetSandboxByID(ctx, sb.SandboxID)
		if err == nil {
			continue
		}
		if !errors.Is(err, database.ErrNotFound) {
			return destroyed, fmt.Errorf("look up sandbox %s: %w", sb.SandboxID, err)
		}

		if err := destroyer.Destroy(ctx, sb.SandboxID); err != nil {
			j.logger.Warn("failed to destroy orphan sandbox", zap.String("sandbox_id", sb.SandboxID), zap.Error(err))
			continue
		}
		if _, err := j.store.SaveSandboxEvent(ctx, sb.SandboxID, "", models.EventDeletedOrphan, sb.Template); err != nil {
			j.logger.Debug("failed to save sandbox event", zap.Error(err))
		}
		destroyed++
	}

	if destroyed > 0 {
		j.logger.Info("destroyed orphan sandboxes", zap.Int("count", destroyed))
	}
	return destroyed, nil
}
