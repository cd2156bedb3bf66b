package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/starry/internal/bus"
	"github.com/basket/starry/internal/catalog"
	"github.com/basket/starry/internal/config"
	otelx "github.com/basket/starry/internal/otel"
	"github.com/basket/starry/internal/persistence"
	"github.com/basket/starry/internal/policy"
	"github.com/basket/starry/internal/shared"
	"github.com/basket/starry/internal/tools"
	"github.com/basket/starry/internal/transcript"
)

// DefaultAbortTimeout bounds the wait for an aborted task to stop.
const DefaultAbortTimeout = 3 * time.Second

// Options wires a Manager. Store, Transcripts, Runner and NewProvider are
// required.
type Options struct {
	Store        *persistence.Store
	Transcripts  *transcript.Store
	Catalog      *catalog.Cache
	Runner       *tools.Runner
	Bus          *bus.Bus
	Policy       *policy.Live
	NewProvider  ProviderFactory
	AbortTimeout time.Duration
	Metrics      *otelx.Metrics
	Logger       *slog.Logger
	Now          func() time.Time
}

// Manager owns the single active task slot. Every transition of the slot goes
// through its mutex, so callers never observe two live instances.
type Manager struct {
	env          *env
	newProvider  ProviderFactory
	abortTimeout time.Duration
	newID        func() string

	mu      sync.Mutex
	current *Task
}

// NewManager validates opts and fills defaults.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Transcripts == nil || opts.Runner == nil {
		return nil, fmt.Errorf("engine: store, transcripts and runner are required")
	}
	if opts.NewProvider == nil {
		return nil, fmt.Errorf("engine: provider factory is required")
	}
	if opts.AbortTimeout <= 0 {
		opts.AbortTimeout = DefaultAbortTimeout
	}
	if opts.Policy == nil {
		opts.Policy = policy.NewLive(policy.Default())
	}
	if opts.Metrics == nil {
		opts.Metrics = otelx.Discard()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		env: &env{
			store:       opts.Store,
			transcripts: opts.Transcripts,
			catalog:     opts.Catalog,
			runner:      opts.Runner,
			bus:         opts.Bus,
			policy:      opts.Policy,
			metrics:     opts.Metrics,
			logger:      opts.Logger,
			now:         opts.Now,
		},
		newProvider:  opts.NewProvider,
		abortTimeout: opts.AbortTimeout,
		newID:        uuid.NewString,
	}, nil
}

// Policy returns the live auto-approval policy shared by task instances.
func (m *Manager) Policy() *policy.Live { return m.env.policy }

// Current returns the active task instance or nil.
func (m *Manager) Current() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CurrentID returns the active task id or "".
func (m *Manager) CurrentID() string {
	if t := m.Current(); t != nil {
		return t.id
	}
	return ""
}

// StartNew retires any current instance and starts a task from raw input. The
// first user turn is persisted before it returns.
func (m *Manager) StartNew(ctx context.Context, text string, images []string) (string, error) {
	if strings.TrimSpace(text) == "" && len(images) == 0 {
		return "", fmt.Errorf("start task: %w: no text or images", shared.ErrInvalidConfiguration)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.retireLocked()
	t, err := m.newTaskLocked(ctx, m.newID())
	if err != nil {
		return "", err
	}
	if err := t.beginNew(text, images); err != nil {
		t.Abort()
		// No history record exists yet, so nothing else points at the directory.
		if derr := m.env.transcripts.DeleteTask(t.id); derr != nil {
			m.env.logger.Warn("remove unstarted task failed", "task_id", t.id, "error", derr)
		}
		return "", fmt.Errorf("start task: %w", err)
	}
	m.current = t
	return t.id, nil
}

// ResumeFromHistory retires any current instance and reconstructs task id from
// its stored transcript. A history entry whose transcript is missing is pruned
// and reported as shared.ErrNotFound.
func (m *Manager) ResumeFromHistory(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resumeLocked(ctx, id)
}

func (m *Manager) resumeLocked(ctx context.Context, id string) (string, error) {
	rec, err := m.env.store.GetHistory(ctx, id)
	if err != nil {
		return "", fmt.Errorf("resume task: %w", err)
	}
	return m.resumeRecordLocked(ctx, rec)
}

func (m *Manager) resumeRecordLocked(ctx context.Context, rec persistence.TaskRecord) (string, error) {
	id := rec.ID
	msgs, events, err := m.env.transcripts.ReadTranscript(id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			m.env.logger.Warn("task history is stale, pruning", "task_id", id)
			if derr := m.env.store.DeleteHistory(ctx, id); derr != nil {
				m.env.logger.Warn("prune history failed", "task_id", id, "error", derr)
			}
		}
		return "", fmt.Errorf("resume task: %w", err)
	}

	m.retireLocked()
	t, err := m.newTaskLocked(ctx, id)
	if err != nil {
		return "", err
	}
	t.beginResume(rec, msgs, events)
	m.current = t
	return id, nil
}

// Clear retires the current instance. Clearing an empty slot is a no-op.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id := m.retireLocked(); id != "" {
		m.env.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: id, State: StateCleared})
	}
}

// CancelCurrent aborts the current instance, waits up to the abort timeout for
// it to stop, abandons it if it did not, and resumes the same task in a fresh
// instance. The instance's own record drives the resume, so the task survives
// even when its index entry is unreadable.
func (m *Manager) CancelCurrent(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.current
	if t == nil {
		return nil
	}
	rec := t.Record()
	m.retireLocked()
	if rec.ID == "" {
		rec.ID = t.id
	}
	if _, err := m.resumeRecordLocked(ctx, rec); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	return nil
}

// retireLocked aborts the current instance and releases the slot. If the
// instance does not stop within the abort timeout it is abandoned.
func (m *Manager) retireLocked() string {
	t := m.current
	if t == nil {
		return ""
	}
	m.current = nil
	t.Abort()
	if !t.waitTerminated(m.abortTimeout) {
		t.abandon()
	}
	return t.id
}

func (m *Manager) newTaskLocked(ctx context.Context, id string) (*Task, error) {
	settings, err := m.env.store.LoadProviderSettings(ctx)
	if err != nil {
		return nil, err
	}
	p, err := m.newProvider(ctx, settings)
	if err != nil {
		return nil, err
	}
	instructions, _, err := m.env.store.Get(ctx, persistence.Global, persistence.KeyCustomInstructions)
	if err != nil {
		return nil, err
	}
	var stored policy.AutoApproval
	ok, err := m.env.store.GetJSON(ctx, persistence.Global, persistence.KeyAutoApprovalSettings, &stored)
	if err != nil {
		return nil, err
	}
	if ok {
		m.env.policy.Update(stored)
	}
	return newTask(ctx, m.env, id, p, instructions), nil
}

// RespondToAsk forwards the user's answer to the current instance. It reports
// false when no task is waiting.
func (m *Manager) RespondToAsk(r AskReply) bool {
	t := m.Current()
	if t == nil {
		return false
	}
	return t.Respond(r)
}

// UpdateSettings stores s and, when a task is active, swaps its provider for
// subsequent requests. A request already in flight is not affected.
func (m *Manager) UpdateSettings(ctx context.Context, s config.ProviderSettings) error {
	if err := m.env.store.SaveProviderSettings(ctx, s); err != nil {
		return err
	}
	t := m.Current()
	if t == nil {
		return nil
	}
	p, err := m.newProvider(ctx, s)
	if err != nil {
		return err
	}
	t.SetProvider(p)
	return nil
}

// UpdatePolicy stores p and applies it to the next approval decision.
func (m *Manager) UpdatePolicy(ctx context.Context, p policy.AutoApproval) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrInvalidConfiguration, err)
	}
	p = p.Normalize()
	if err := m.env.store.SetJSON(ctx, persistence.Global, persistence.KeyAutoApprovalSettings, p); err != nil {
		return err
	}
	m.env.policy.Update(p)
	return nil
}

// UpdateCustomInstructions stores text; empty clears it.
func (m *Manager) UpdateCustomInstructions(ctx context.Context, text string) error {
	var err error
	if text == "" {
		err = m.env.store.Delete(ctx, persistence.Global, persistence.KeyCustomInstructions)
	} else {
		err = m.env.store.Set(ctx, persistence.Global, persistence.KeyCustomInstructions, text)
	}
	if err != nil {
		return err
	}
	if t := m.Current(); t != nil {
		t.SetCustomInstructions(text)
	}
	return nil
}

// DeleteTask removes id from the history index and deletes its transcript. The
// current instance is cleared first when it is the task being deleted.
// Residual files in the task directory are logged, not returned.
func (m *Manager) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	if m.current != nil && m.current.id == id {
		m.retireLocked()
	}
	m.mu.Unlock()

	if err := m.env.store.DeleteHistory(ctx, id); err != nil {
		return err
	}
	if err := m.env.transcripts.DeleteTask(id); err != nil {
		if transcript.IsResidual(err) {
			m.env.logger.Warn("task directory not empty after delete", "task_id", id, "error", err)
			return nil
		}
		return err
	}
	return nil
}
