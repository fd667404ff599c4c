package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sciffer/sandboxgate/internal/logger"
	"github.com/sciffer/sandboxgate/pkg/database"
	"github.com/sciffer/sandboxgate/pkg/metrics"
	"github.com/sciffer/sandboxgate/pkg/models"
)

// MaxConcurrentCreates bounds parallel remote create calls
const MaxConcurrentCreates = 10

// RecordStore persists sandbox records. Lookups that match nothing return
// an error wrapping database.ErrNotFound.
type RecordStore interface {
	GetSandbox(ctx context.Context, userID, template string) (*models.SandboxRecord, error)
	GetSandboxByID(ctx context.Context, sandboxID string) (*models.SandboxRecord, error)
	UpsertSandbox(ctx context.Context, rec *models.SandboxRecord) error
	UpdateSandboxStatus(ctx context.Context, sandboxID string, status models.SandboxStatus) error
	DeleteSandbox(ctx context.Context, sandboxID string) error
	ListSandboxes(ctx context.Context, limit int) ([]*models.SandboxRecord, error)
	SaveSandboxEvent(ctx context.Context, sandboxID, userID, eventType, details string) (*models.SandboxEvent, error)
}

var _ RecordStore = (*database.DB)(nil)

// Options configures a Manager
type Options struct {
	AcquireTimeout time.Duration
	PauseTimeout   time.Duration
	StaleAfter     time.Duration
	PollAttempts   int
	PollInterval   time.Duration
	// CreateRate limits remote creates per second; zero disables it.
	CreateRate  float64
	CreateBurst int
	// Sleep waits between PAUSING polls. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Manager implements acquire/release of per-user sandboxes
type Manager struct {
	provider Provider
	store    RecordStore
	metrics  *metrics.Metrics
	logger   *logger.Logger

	acquireTimeout time.Duration
	pauseTimeout   time.Duration
	staleAfter     time.Duration
	pollAttempts   int
	pollInterval   time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	now            func() time.Time

	createLimiter *rate.Limiter
	// createSem bounds concurrent remote creates
	createSem chan struct{}
	// pauses tracks background pause goroutines
	pauses sync.WaitGroup

	leaseMu sync.Mutex
	// leases counts the handles given out per sandbox that have not been
	// released or detached yet
	leases map[string]*lease
}

type lease struct {
	holders int
	// keep is set when a holder left a process running; the sandbox is
	// then not paused when the last holder lets go
	keep bool
}

// NewManager creates a lifecycle manager; m may be nil
func NewManager(provider Provider, store RecordStore, m *metrics.Metrics, log *logger.Logger, opts Options) *Manager {
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 10 * time.Minute
	}
	if opts.PauseTimeout <= 0 {
		opts.PauseTimeout = time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * 24 * time.Hour
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.CreateRate > 0 {
		burst := opts.CreateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.CreateRate), burst)
	}

	return &Manager{
		provider:       provider,
		store:          store,
		metrics:        m,
		logger:         log,
		acquireTimeout: opts.AcquireTimeout,
		pauseTimeout:   opts.PauseTimeout,
		staleAfter:     opts.StaleAfter,
		pollAttempts:   opts.PollAttempts,
		pollInterval:   opts.PollInterval,
		sleep:          opts.Sleep,
		now:            opts.Now,
		createLimiter:  limiter,
		createSem:      make(chan struct{}, MaxConcurrentCreates),
		leases:         make(map[string]*lease),
	}
}

// Acquire returns a live sandbox for (userID, template), resuming the
// stored one when possible and creating a fresh one otherwise. A zero
// timeout uses the configured default.
func (m *Manager) Acquire(ctx context.Context, userID, template string, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = m.acquireTimeout
	}
	ctx, span := otel.Tracer("sandboxgate/sandbox").Start(ctx, "sandbox.acquire")
	defer span.End()
	span.SetAttributes(attribute.String("sandbox.template", template))

	log := m.logger.WithUser(userID).WithOperation("acquire")

	h, err := m.acquire(ctx, log, userID, template, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire failed")
		m.metrics.SandboxAcquired("failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("sandbox.id", h.SandboxID))
	m.retain(h.SandboxID)
	return h, nil
}

func (m *Manager) acquire(ctx context.Context, log *logger.Logger, userID, template string, timeout time.Duration) (*Handle, error) {
	rec, stale := m.lookup(ctx, log, userID, template)
	if rec == nil {
		h, err := m.create(ctx, log, userID, template, timeout, models.EventCreated)
		if err == nil && stale != nil {
			// The upsert above overwrote the stale record
			m.retire(ctx, log, stale, "stale")
		}
		return h, err
	}

	if rec.Status == models.SandboxPausing {
		latest, err := m.waitForPause(ctx, log, rec)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			return m.create(ctx, log, userID, template, timeout, models.EventCreated)
		}
		if latest.Status == models.SandboxPausing {
			return m.replaceStuck(ctx, log, latest, timeout)
		}
		rec = latest
	}

	h, err := m.resume(ctx, log, rec, timeout)
	if err == nil {
		return h, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("acquire sandbox: %w", ctx.Err())
	}
	if errors.Is(err, ErrSandboxNotFound) {
		log.Info("stored sandbox is gone, creating a new one", zap.String("sandbox_id", rec.SandboxID))
		m.deleteRecord(ctx, log, rec, models.EventDeletedNotFound, "")
	} else {
		// The old sandbox may still be valid, so it is not destroyed here.
		// Once the upsert repoints the record, the janitor's orphan sweep
		// reclaims it.
		log.Warn("failed to resume sandbox, creating a new one",
			zap.String("sandbox_id", rec.SandboxID), zap.Error(err))
	}
	return m.create(ctx, log, userID, template, timeout, models.EventRecreated)
}

// replaceStuck handles a record that stayed PAUSING through every poll. The
// sandbox may still be resumable; if not, the record is dropped and the
// sandbox destroyed, since nothing will point at it again.
func (m *Manager) replaceStuck(ctx context.Context, log *logger.Logger, rec *models.SandboxRecord, timeout time.Duration) (*Handle, error) {
	h, err := m.resume(ctx, log, rec, timeout)
	if err == nil {
		return h, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("acquire sandbox: %w", ctx.Err())
	}

	gone := errors.Is(err, ErrSandboxNotFound)
	event := models.EventDeletedStuck
	if gone {
		event = models.EventDeletedNotFound
	}
	log.Warn("resume of stuck pausing sandbox failed, replacing it",
		zap.String("sandbox_id", rec.SandboxID), zap.Bool("not_found", gone), zap.Error(err))
	m.deleteRecord(ctx, log, rec, event, err.Error())

	h, err = m.create(ctx, log, rec.UserID, rec.Template, timeout, models.EventRecreated)
	if !gone {
		m.retire(ctx, log, rec, "stuck pausing")
	}
	return h, err
}

// lookup returns the current non-stale record, or nil. A stale record is
// returned as the second value so the caller can retire its sandbox. Store
// errors are logged and treated as no record.
func (m *Manager) lookup(ctx context.Context, log *logger.Logger, userID, template string) (*models.SandboxRecord, *models.SandboxRecord) {
	rec, err := m.store.GetSandbox(ctx, userID, template)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			log.Warn("failed to read sandbox record", zap.Error(err))
		}
		return nil, nil
	}
	if rec.StaleAt(m.now().Add(-m.staleAfter)) {
		log.Debug("ignoring stale sandbox record", zap.String("sandbox_id", rec.SandboxID), zap.Time("updated_at", rec.UpdatedAt))
		return nil, rec
	}
	return rec, nil
}

// waitForPause polls until the record leaves PAUSING. It returns the last
// record seen, or nil when the record disappeared.
func (m *Manager) waitForPause(ctx context.Context, log *logger.Logger, rec *models.SandboxRecord) (*models.SandboxRecord, error) {
	for i := 0; i < m.pollAttempts; i++ {
		if err := m.sleep(ctx, m.pollInterval); err != nil {
			return nil, fmt.Errorf("waiting for sandbox pause: %w", err)
		}
		latest, _ := m.lookup(ctx, log, rec.UserID, rec.Template)
		if latest == nil {
			return nil, nil
		}
		rec = latest
		if rec.Status != models.SandboxPausing {
			return rec, nil
		}
	}
	log.Warn("sandbox still pausing after polling", zap.String("sandbox_id", rec.SandboxID), zap.Int("attempts", m.pollAttempts))
	return rec, nil
}

func (m *Manager) resume(ctx context.Context, log *logger.Logger, rec *models.SandboxRecord, timeout time.Duration) (*Handle, error) {
	h, err := m.provider.Resume(ctx, rec.SandboxID, timeout)
	if err != nil {
		return nil, err
	}
	h.UserID, h.Template = rec.UserID, rec.Template

	if err := m.store.UpdateSandboxStatus(ctx, h.SandboxID, models.SandboxActive); err != nil {
		log.Warn("failed to mark sandbox active", zap.String("sandbox_id", h.SandboxID), zap.Error(err))
	}
	m.recordEvent(ctx, log, h.SandboxID, rec.UserID, models.EventResumed, string(rec.Status))
	m.metrics.SandboxAcquired("resumed")
	log.Info("sandbox resumed", zap.String("sandbox_id", h.SandboxID), zap.String("from", string(rec.Status)))
	return h, nil
}

func (m *Manager) create(ctx context.Context, log *logger.Logger, userID, template string, timeout time.Duration, event string) (*Handle, error) {
	if err := m.createLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	select {
	case m.createSem <- struct{}{}:
		defer func() { <-m.createSem }()
	case <-ctx.Done():
		return nil, fmt.Errorf("create sandbox: %w", ctx.Err())
	}

	h, err := m.provider.Create(ctx, template, timeout)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	h.UserID, h.Template = userID, template

	rec := &models.SandboxRecord{
		UserID:    userID,
		Template:  template,
		SandboxID: h.SandboxID,
		Status:    models.SandboxActive,
	}
	if err := m.store.UpsertSandbox(ctx, rec); err != nil {
		// The sandbox is usable; the next acquire simply won't find it.
		log.Error("failed to persist sandbox record", zap.String("sandbox_id", h.SandboxID), zap.Error(err))
	}
	m.recordEvent(ctx, log, h.SandboxID, userID, event, template)
	m.metrics.SandboxAcquired(event)
	log.Info("sandbox created", zap.String("sandbox_id", h.SandboxID), zap.String("template", template))
	return h, nil
}

func (m *Manager) deleteRecord(ctx context.Context, log *logger.Logger, rec *models.SandboxRecord, event, details string) {
	if err := m.store.DeleteSandbox(ctx, rec.SandboxID); err != nil {
		log.Warn("failed to delete sandbox record", zap.String("sandbox_id", rec.SandboxID), zap.Error(err))
		return
	}
	m.recordEvent(ctx, log, rec.SandboxID, rec.UserID, event, details)
}

// retire destroys a sandbox that no record points at any more. It is
// best effort: failures are logged and left to the janitor's orphan sweep.
func (m *Manager) retire(ctx context.Context, log *logger.Logger, rec *models.SandboxRecord, reason string) {
	d, ok := m.provider.(Destroyer)
	if !ok {
		return
	}
	if m.inUse(rec.SandboxID) {
		log.Debug("superseded sandbox still in use, not destroying it", zap.String("sandbox_id", rec.SandboxID))
		return
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.pauseTimeout)
	defer cancel()
	if err := d.Destroy(dctx, rec.SandboxID); err != nil {
		log.Warn("failed to destroy superseded sandbox", zap.String("sandbox_id", rec.SandboxID), zap.String("reason", reason), zap.Error(err))
		return
	}
	m.recordEvent(dctx, log, rec.SandboxID, rec.UserID, models.EventDestroyed, reason)
	log.Info("superseded sandbox destroyed", zap.String("sandbox_id", rec.SandboxID), zap.String("reason", reason))
}

func (m *Manager) recordEvent(ctx context.Context, log *logger.Logger, sandboxID, userID, event, details string) {
	if _, err := m.store.SaveSandboxEvent(ctx, sandboxID, userID, event, details); err != nil {
		log.Debug("failed to save sandbox event", zap.String("event", event), zap.Error(err))
	}
}

// PauseTask is a background pause started by Release
type PauseTask struct {
	SandboxID string
	done      chan struct{}
	err       error
}

// Done is closed when the pause has finished
func (t *PauseTask) Done() <-chan struct{} { return t.done }

// Err returns the pause error once Done is closed
func (t *PauseTask) Err() error {
	<-t.done
	return t.err
}

func (m *Manager) retain(sandboxID string) {
	m.leaseMu.Lock()
	defer m.leaseMu.Unlock()
	l, ok := m.leases[sandboxID]
	if !ok {
		l = &lease{}
		m.leases[sandboxID] = l
	}
	l.holders++
}

// letGo drops one holder and reports whether the sandbox should be paused
// now. Handles this manager never gave out are paused right away.
func (m *Manager) letGo(sandboxID string, keep bool) bool {
	m.leaseMu.Lock()
	defer m.leaseMu.Unlock()
	l, ok := m.leases[sandboxID]
	if !ok {
		return !keep
	}
	l.holders--
	l.keep = l.keep || keep
	if l.holders > 0 {
		return false
	}
	delete(m.leases, sandboxID)
	return !l.keep
}

func (m *Manager) inUse(sandboxID string) bool {
	m.leaseMu.Lock()
	defer m.leaseMu.Unlock()
	_, ok := m.leases[sandboxID]
	return ok
}

// Holders returns how many acquired handles for sandboxID are still out
func (m *Manager) Holders(sandboxID string) int {
	m.leaseMu.Lock()
	defer m.leaseMu.Unlock()
	if l, ok := m.leases[sandboxID]; ok {
		return l.holders
	}
	return 0
}

// Detach gives up a handle whose command left a process running in the
// sandbox. The sandbox is not paused, now or when the other holders
// release it, and its record stays ACTIVE until the next acquire and
// release cycle.
func (m *Manager) Detach(ctx context.Context, h *Handle) {
	if h == nil || h.SandboxID == "" {
		return
	}
	m.letGo(h.SandboxID, true)
	log := m.logger.WithUser(h.UserID).WithSandbox(h.SandboxID).WithOperation("detach")
	m.recordEvent(ctx, log, h.SandboxID, h.UserID, models.EventKeptActive, "")
	log.Debug("sandbox left active for a running process")
}

// Release gives up a handle returned by Acquire. Once no other holder
// remains, the sandbox is marked PAUSING and paused in the background; the
// record becomes PAUSED on success or ACTIVE again on failure. Returns nil
// for an empty handle, and while the sandbox is still held elsewhere or was
// detached.
func (m *Manager) Release(ctx context.Context, h *Handle) *PauseTask {
	if h == nil || h.SandboxID == "" {
		return nil
	}
	log := m.logger.WithUser(h.UserID).WithSandbox(h.SandboxID).WithOperation("release")
	if !m.letGo(h.SandboxID, false) {
		log.Debug("sandbox still in use, not pausing it")
		return nil
	}

	if err := m.store.UpdateSandboxStatus(ctx, h.SandboxID, models.SandboxPausing); err != nil {
		log.Warn("failed to mark sandbox pausing", zap.Error(err))
	}
	m.recordEvent(ctx, log, h.SandboxID, h.UserID, models.EventPausing, "")

	task := &PauseTask{SandboxID: h.SandboxID, done: make(chan struct{})}
	bg := context.WithoutCancel(ctx)

	m.pauses.Add(1)
	m.metrics.PauseStarted()
	go func() {
		defer m.pauses.Done()
		defer close(task.done)

		pctx, cancel := context.WithTimeout(bg, m.pauseTimeout)
		defer cancel()
		pctx, span := otel.Tracer("sandboxgate/sandbox").Start(pctx, "sandbox.pause")
		defer span.End()

		if err := m.provider.Pause(pctx, h.SandboxID); err != nil {
			task.err = err
			span.RecordError(err)
			span.SetStatus(codes.Error, "pause failed")
			log.Warn("failed to pause sandbox, keeping it active", zap.Error(err))
			if err := m.store.UpdateSandboxStatus(bg, h.SandboxID, models.SandboxActive); err != nil {
				log.Warn("failed to revert sandbox to active", zap.Error(err))
			}
			m.recordEvent(bg, log, h.SandboxID, h.UserID, models.EventPauseFailed, err.Error())
			m.metrics.PauseFinished("failed")
			return
		}

		if err := m.store.UpdateSandboxStatus(bg, h.SandboxID, models.SandboxPaused); err != nil {
			log.Warn("failed to mark sandbox paused", zap.Error(err))
		}
		m.recordEvent(bg, log, h.SandboxID, h.UserID, models.EventPaused, "")
		m.metrics.PauseFinished("paused")
		log.Debug("sandbox paused")
	}()

	return task
}

// Wait blocks until every background pause has finished
func (m *Manager) Wait() {
	m.pauses.Wait()
}

// Shutdown waits for background pauses until ctx is done
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.pauses.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background pauses: %w", ctx.Err())
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
