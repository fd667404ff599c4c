// Package sandboxtest provides in-memory stand-ins for sandbox providers and
// record stores.
package sandboxtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sciffer/sandboxgate/pkg/database"
	"github.com/sciffer/sandboxgate/pkg/models"
	"github.com/sciffer/sandboxgate/pkg/sandbox"
)

var (
	_ sandbox.Provider    = (*Provider)(nil)
	_ sandbox.Destroyer   = (*Provider)(nil)
	_ sandbox.Lister      = (*Provider)(nil)
	_ sandbox.RecordStore = (*Records)(nil)
)

// RunFunc scripts a command run
type RunFunc func(ctx context.Context, h *sandbox.Handle, req sandbox.CommandRequest, out sandbox.OutputFunc) (*sandbox.CommandResult, error)

// Provider is a scriptable in-memory sandbox.Provider
type Provider struct {
	mu sync.Mutex

	// Sandboxes maps id to paused state.
	Sandboxes map[string]bool
	// CreatedAt maps id to creation time for ListSandboxes.
	CreatedAt map[string]time.Time

	CreateErr error
	ResumeErr error
	PauseErr  error
	RunFunc   RunFunc
	// PauseGate, when set, blocks Pause until it is closed.
	PauseGate chan struct{}

	Creates  int
	Resumes  int
	Pauses   int
	Destroys int
	// Destroyed lists destroyed ids in call order.
	Destroyed []string
	Commands  []sandbox.CommandRequest
}

// NewProvider returns an empty provider
func NewProvider() *Provider {
	return &Provider{Sandboxes: make(map[string]bool), CreatedAt: make(map[string]time.Time)}
}

// Create implements sandbox.Provider
func (p *Provider) Create(_ context.Context, template string, _ time.Duration) (*sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Creates++
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	id := "sbx-" + uuid.New().String()[:8]
	p.Sandboxes[id] = false
	p.CreatedAt[id] = time.Now()
	return &sandbox.Handle{SandboxID: id, Template: template}, nil
}

// Resume implements sandbox.Provider
func (p *Provider) Resume(_ context.Context, sandboxID string, _ time.Duration) (*sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Resumes++
	if p.ResumeErr != nil {
		return nil, p.ResumeErr
	}
	if _, ok := p.Sandboxes[sandboxID]; !ok {
		return nil, fmt.Errorf("resume %s: %w", sandboxID, sandbox.ErrSandboxNotFound)
	}
	p.Sandboxes[sandboxID] = false
	return &sandbox.Handle{SandboxID: sandboxID}, nil
}

// Pause implements sandbox.Provider
func (p *Provider) Pause(ctx context.Context, sandboxID string) error {
	if p.PauseGate != nil {
		select {
		case <-p.PauseGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Pauses++
	if p.PauseErr != nil {
		return p.PauseErr
	}
	if _, ok := p.Sandboxes[sandboxID]; !ok {
		return fmt.Errorf("pause %s: %w", sandboxID, sandbox.ErrSandboxNotFound)
	}
	p.Sandboxes[sandboxID] = true
	return nil
}

// Run implements sandbox.Provider
func (p *Provider) Run(ctx context.Context, h *sandbox.Handle, req sandbox.CommandRequest, out sandbox.OutputFunc) (*sandbox.CommandResult, error) {
	p.mu.Lock()
	p.Commands = append(p.Commands, req)
	run := p.RunFunc
	p.mu.Unlock()
	if run == nil {
		return &sandbox.CommandResult{}, nil
	}
	return run(ctx, h, req, out)
}

// Destroy implements sandbox.Destroyer
func (p *Provider) Destroy(_ context.Context, sandboxID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Destroys++
	p.Destroyed = append(p.Destroyed, sandboxID)
	delete(p.Sandboxes, sandboxID)
	return nil
}

// ListSandboxes implements sandbox.Lister
func (p *Provider) ListSandboxes(_ context.Context) ([]sandbox.RemoteSandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]sandbox.RemoteSandbox, 0, len(p.Sandboxes))
	for id := range p.Sandboxes {
		out = append(out, sandbox.RemoteSandbox{SandboxID: id, CreatedAt: p.CreatedAt[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SandboxID < out[j].SandboxID })
	return out, nil
}

// Add registers a remote sandbox created at the given time
func (p *Provider) Add(sandboxID string, createdAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Sandboxes[sandboxID] = false
	p.CreatedAt[sandboxID] = createdAt
}

// Exists reports whether the sandbox has not been destroyed or forgotten
func (p *Provider) Exists(sandboxID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.Sandboxes[sandboxID]
	return ok
}

// DestroyedIDs returns the destroyed ids in call order
func (p *Provider) DestroyedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Destroyed...)
}

// Forget drops a sandbox as if it had expired remotely
func (p *Provider) Forget(sandboxID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.Sandboxes, sandboxID)
}

// Paused reports whether the sandbox is currently paused
func (p *Provider) Paused(sandboxID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Sandboxes[sandboxID]
}

// Counts returns creates, resumes and pauses so far
func (p *Provider) Counts() (creates, resumes, pauses int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Creates, p.Resumes, p.Pauses
}

// Records is an in-memory sandbox.RecordStore
type Records struct {
	mu      sync.Mutex
	records map[string]*models.SandboxRecord
	events  []*models.SandboxEvent

	// GetErr fails every GetSandbox call when set.
	GetErr error
	// OnGet runs after every GetSandbox call with the call count.
	OnGet func(n int)
	gets  int
	now   func() time.Time
}

// NewRecords returns an empty store
func NewRecords() *Records {
	return &Records{records: make(map[string]*models.SandboxRecord), now: time.Now}
}

func recordKey(userID, template string) string { return userID + "\x00" + template }

// Put stores a record verbatim, keeping its UpdatedAt
func (r *Records) Put(rec models.SandboxRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	r.records[recordKey(rec.UserID, rec.Template)] = &rec
}

// Get returns a copy of the record for (userID, template), or nil
func (r *Records) Get(userID, template string) *models.SandboxRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[recordKey(userID, template)]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// Events returns the event types recorded for sandboxID
func (r *Records) Events(sandboxID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.SandboxID == sandboxID {
			out = append(out, e.EventType)
		}
	}
	return out
}

// GetSandbox implements sandbox.RecordStore
func (r *Records) GetSandbox(_ context.Context, userID, template string) (*models.SandboxRecord, error) {
	r.mu.Lock()
	r.gets++
	n, hook, getErr := r.gets, r.OnGet, r.GetErr
	rec, ok := r.records[recordKey(userID, template)]
	var cp models.SandboxRecord
	if ok {
		cp = *rec
	}
	r.mu.Unlock()

	if hook != nil {
		defer hook(n)
	}
	if getErr != nil {
		return nil, getErr
	}
	if !ok {
		return nil, database.ErrNotFound
	}
	return &cp, nil
}

// GetSandboxByID implements sandbox.RecordStore
func (r *Records) GetSandboxByID(_ context.Context, sandboxID string) (*models.SandboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.SandboxID == sandboxID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

// UpsertSandbox implements sandbox.RecordStore
func (r *Records) UpsertSandbox(_ context.Context, rec *models.SandboxRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	key := recordKey(rec.UserID, rec.Template)
	if existing, ok := r.records[key]; ok {
		rec.ID, rec.CreatedAt = existing.ID, existing.CreatedAt
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	cp := *rec
	r.records[key] = &cp
	return nil
}

// UpdateSandboxStatus implements sandbox.RecordStore
func (r *Records) UpdateSandboxStatus(_ context.Context, sandboxID string, status models.SandboxStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.SandboxID == sandboxID {
			rec.Status = status
			rec.UpdatedAt = r.now()
			return nil
		}
	}
	return database.ErrNotFound
}

// DeleteSandbox implements sandbox.RecordStore
func (r *Records) DeleteSandbox(_ context.Context, sandboxID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, rec := range r.records {
		if rec.SandboxID == sandboxID {
			delete(r.records, key)
		}
	}
	return nil
}

// ListSandboxes implements sandbox.RecordStore
func (r *Records) ListSandboxes(_ context.Context, limit int) ([]*models.SandboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.SandboxRecord, 0, len(r.records))
	for _, rec := range r.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveSandboxEvent implements sandbox.RecordStore
func (r *Records) SaveSandboxEvent(_ context.Context, sandboxID, userID, eventType, details string) (*models.SandboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &models.SandboxEvent{
		ID:        uuid.New().String(),
		SandboxID: sandboxID,
		UserID:    userID,
		EventType: eventType,
		Details:   details,
		Timestamp: r.now(),
	}
	r.events = append(r.events, e)
	return e, nil
}
