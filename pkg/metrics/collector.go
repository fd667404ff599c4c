package metrics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sciffer/sandboxgate/pkg/database"
	"github.com/sciffer/sandboxgate/pkg/models"
)

// RecordCounter is the slice of the database the collector reads
type RecordCounter interface {
	CountSandboxesByStatus(ctx context.Context) (map[models.SandboxStatus]int, error)
	SaveMetric(ctx context.Context, sandboxID, metricType string, value float64) error
	PurgeMetrics(ctx context.Context, cutoff time.Time) (int64, error)
}

var _ RecordCounter = (*database.DB)(nil)

// Collector periodically snapshots sandbox record counts into the gauges and
// the metrics table
type Collector struct {
	db        RecordCounter
	metrics   *Metrics
	interval  time.Duration
	retention time.Duration
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	logger    *zap.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(db RecordCounter, m *Metrics, interval, retention time.Duration, logger *zap.Logger) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Collector{
		db:        db,
		metrics:   m,
		interval:  interval,
		retention: retention,
		stopChan:  make(chan struct{}),
		logger:    logger,
	}
}

// Start starts the collection loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.collectLoop(ctx)
	}()
}

// Stop stops the loop and waits for it to exit
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
}

func (c *Collector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)

	for {
		select {
		case <-ticker.C:
			c.Collect(ctx)
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Collect takes one snapshot
func (c *Collector) Collect(ctx context.Context) {
	counts, err := c.db.CountSandboxesByStatus(ctx)
	if err != nil {
		c.logger.Warn("failed to count sandboxes for metrics", zap.Error(err))
		return
	}

	for _, status := range []models.SandboxStatus{models.SandboxActive, models.SandboxPausing, models.SandboxPaused} {
		n := counts[status]
		c.metrics.SetSandboxRecords(string(status), n)
		if err := c.db.SaveMetric(ctx, "", "sandboxes_"+string(status), float64(n)); err != nil {
			c.logger.Warn("failed to store sandbox metric", zap.String("status", string(status)), zap.Error(err))
		}
	}

	if c.retention > 0 {
		if n, err := c.db.PurgeMetrics(ctx, time.Now().Add(-c.retention)); err != nil {
			c.logger.Warn("failed to purge old metrics", zap.Error(err))
		} else if n > 0 {
			c.logger.Debug("purged old metrics", zap.Int64("rows", n))
		}
	}
}
