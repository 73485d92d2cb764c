// Package draft keeps a locally edited draft record consistent with the
// versioned server-held copy under concurrent edits, debounced autosave,
// offline periods and server rejections.
package draft

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/weft/internal/eventbus"
	"pkt.systems/weft/internal/logx"
	"pkt.systems/weft/internal/persist"
	"pkt.systems/weft/schema"
)

// Status is the autosave state exposed to observers. These are
// presentation hints derived from the sync cycle, not state of their own.
type Status string

const (
	// StatusIdle means nothing is pending.
	StatusIdle Status = "idle"
	// StatusSaving means an autosave is in flight.
	StatusSaving Status = "saving"
	// StatusSaved means the last autosave succeeded.
	StatusSaved Status = "saved"
	// StatusOffline means the last save failed and the engine fell back
	// to the authoritative server copy.
	StatusOffline Status = "offline"
	// StatusSent means the draft was queued for execution.
	StatusSent Status = "sent"
)

// QueueStatus is the queue-transition state exposed to observers.
type QueueStatus string

const (
	// QueueNone means no queue transition is active or effective.
	QueueNone QueueStatus = ""
	// QueueQueued means the draft is queued server-side.
	QueueQueued QueueStatus = "queued"
	// QueueUnqueuing means an unqueue request is in flight.
	QueueUnqueuing QueueStatus = "unqueuing"
)

// API is the draft REST surface the engine saves through.
type API interface {
	GetDraft(ctx context.Context, attemptID schema.AttemptID, kind schema.DraftKind) (schema.Draft, error)
	UpdateDraft(ctx context.Context, attemptID schema.AttemptID, kind schema.DraftKind, req schema.UpdateDraftRequest) (schema.Draft, error)
	SetQueue(ctx context.Context, attemptID schema.AttemptID, kind schema.DraftKind, req schema.SetQueueRequest) (schema.SetQueueResponse, error)
}

// Snapshot is the engine state delivered to observers.
type Snapshot struct {
	Draft       schema.Draft
	PromptDirty bool
	ImagesDirty bool
	Status      Status
	Queue       QueueStatus
}

// ObserverFunc receives a snapshot after every state change.
type ObserverFunc func(Snapshot)

// Timer is a stoppable pending callback.
type Timer interface {
	Stop() bool
}

// TimerFactory schedules fn after d. Replaceable for tests.
type TimerFactory func(d time.Duration, fn func()) Timer

type afterFuncTimer struct{ t *time.Timer }

func (a afterFuncTimer) Stop() bool { return a.t.Stop() }

func defaultTimerFactory(d time.Duration, fn func()) Timer {
	return afterFuncTimer{t: time.AfterFunc(d, fn)}
}

// Engine synchronizes one (attempt, kind) draft. All exported methods are
// safe for concurrent use.
type Engine struct {
	attemptID schema.AttemptID
	kind      schema.DraftKind
	cfg       schema.EngineConfig
	api       API
	journal   *persist.Store
	bus       *eventbus.Bus
	observer  ObserverFunc
	log       pslog.Logger
	newTimer  TimerFactory
	baseCtx   context.Context

	mu             sync.Mutex
	buffer         schema.Draft
	promptDirty    bool
	imagesDirty    bool
	lastApplied    schema.Draft
	appliedVersion int64
	lastSent       string
	suppressNext   bool
	editedInFlight bool
	inFlight       bool
	status         Status
	queue          QueueStatus
	debounce       Timer
	closed         bool
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithJournal persists dirty buffers so unsent edits survive a restart.
func WithJournal(store *persist.Store) Option {
	return func(e *Engine) { e.journal = store }
}

// WithBus publishes draft and status updates on the event bus.
func WithBus(bus *eventbus.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithObserver sets the snapshot observer.
func WithObserver(observer ObserverFunc) Option {
	return func(e *Engine) { e.observer = observer }
}

// WithLogger sets the logger.
func WithLogger(logger pslog.Logger) Option {
	return func(e *Engine) { e.log = logger }
}

// WithTimerFactory replaces the debounce timer source, for tests.
func WithTimerFactory(factory TimerFactory) Option {
	return func(e *Engine) { e.newTimer = factory }
}

// NewEngine constructs a draft sync engine.
func NewEngine(cfg schema.EngineConfig, api API, attemptID schema.AttemptID, kind schema.DraftKind, opts ...Option) (*Engine, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", schema.ErrInvalidDraftKind, kind)
	}
	e := &Engine{
		attemptID: attemptID,
		kind:      kind,
		cfg:       schema.NormalizeEngineConfig(cfg),
		api:       api,
		log:       pslog.Ctx(context.Background()),
		newTimer:  defaultTimerFactory,
		baseCtx:   context.Background(),
		buffer:    schema.Draft{AttemptID: attemptID, Kind: kind, Version: -1},
		lastApplied: schema.Draft{
			AttemptID: attemptID,
			Kind:      kind,
			Version:   -1,
		},
		appliedVersion: -1,
		status:         StatusIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logx.WithDraft(e.log, kind)
	return e, nil
}

// Snapshot returns the current engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		Draft:       e.buffer.Clone(),
		PromptDirty: e.promptDirty,
		ImagesDirty: e.imagesDirty,
		Status:      e.status,
		Queue:       e.queue,
	}
}

// SetPrompt replaces the prompt text, marking the buffer dirty and
// restarting the autosave debounce.
func (e *Engine) SetPrompt(prompt string) error {
	return e.edit(func() {
		e.buffer.Prompt = prompt
		e.promptDirty = true
	})
}

// SetVariant replaces the variant. A nil variant clears it server-side.
func (e *Engine) SetVariant(variant *string) error {
	return e.edit(func() {
		if variant != nil {
			v := *variant
			variant = &v
		}
		e.buffer.Variant = variant
		e.promptDirty = true
	})
}

// SetImageIDs replaces the attachment list. Attachments carry their own
// dirty flag so image uploads and text edits do not block each other's
// reconciliation.
func (e *Engine) SetImageIDs(ids []schema.ImageID) error {
	return e.edit(func() {
		e.buffer.ImageIDs = slices.Clone(ids)
		e.imagesDirty = true
	})
}

func (e *Engine) edit(apply func()) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return context.Canceled
	}
	if e.buffer.Queued || e.queue == QueueQueued {
		e.mu.Unlock()
		return schema.ErrQueueLocked
	}
	apply()
	e.editedInFlight = e.inFlight
	e.restartDebounceLocked()
	e.journalLocked()
	snapshot := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snapshot)
	return nil
}

func (e *Engine) restartDebounceLocked() {
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounce = e.newTimer(e.cfg.AutosaveDebounce, e.autosaveFire)
}

// ApplyServer reconciles an inbound authoritative draft against local
// edits. Stale versions are ignored; a clean buffer adopts the server
// copy wholesale; a dirty buffer is never overwritten, but a dirty flag
// clears once the server echoes the locally held value back.
func (e *Engine) ApplyServer(d schema.Draft) {
	e.mu.Lock()
	if d.Version <= e.appliedVersion {
		e.mu.Unlock()
		return
	}
	e.lastApplied = d.Clone()
	e.appliedVersion = d.Version

	switch {
	case !e.promptDirty && !e.imagesDirty:
		e.buffer = d.Clone()
	default:
		if e.promptDirty && d.Prompt == e.buffer.Prompt {
			e.promptDirty = false
		}
		if e.imagesDirty && slices.Equal(d.ImageIDs, e.buffer.ImageIDs) {
			e.imagesDirty = false
		}
		// Queue state and version are server-owned regardless of dirt.
		e.buffer.Queued = d.Queued
		e.buffer.Sending = d.Sending
		e.buffer.Version = d.Version
	}
	if d.Queued {
		e.queue = QueueQueued
	} else if e.queue == QueueQueued {
		e.queue = QueueNone
	}
	if !e.promptDirty && !e.imagesDirty {
		e.clearJournalLocked()
	}
	snapshot := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snapshot)
}

// Close stops the debounce timer and rejects further edits.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
}

func (e *Engine) notify(snapshot Snapshot) {
	if e.observer != nil {
		e.observer(snapshot)
	}
	if e.bus != nil {
		e.bus.PublishDraft(e.attemptID, snapshot.Draft)
		e.bus.PublishStatus(e.attemptID, string(snapshot.Status))
	}
}

func (e *Engine) journalLocked() {
	if e.journal == nil {
		return
	}
	err := e.journal.Save(e.attemptID, e.kind, persist.DraftJournal{
		Draft:       e.buffer.Clone(),
		PromptDirty: e.promptDirty,
		ImagesDirty: e.imagesDirty,
		BaseVersion: e.appliedVersion,
	})
	if err != nil {
		e.log.Warn("draft journal save failed", "err", err)
	}
}

func (e *Engine) clearJournalLocked() {
	if e.journal == nil {
		return
	}
	if err := e.journal.Clear(e.attemptID, e.kind); err != nil {
		e.log.Warn("draft journal clear failed", "err", err)
	}
}

// RestoreJournal reloads unsent edits persisted by a previous run. It is
// a no-op without a journal or when nothing was persisted.
func (e *Engine) RestoreJournal() error {
	if e.journal == nil {
		return nil
	}
	journal, ok, err := e.journal.Load(e.attemptID, e.kind)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	e.mu.Lock()
	e.buffer = journal.Draft.Clone()
	e.promptDirty = journal.PromptDirty
	e.imagesDirty = journal.ImagesDirty
	e.appliedVersion = journal.BaseVersion
	e.lastApplied.Version = journal.BaseVersion
	if e.promptDirty || e.imagesDirty {
		e.restartDebounceLocked()
	}
	snapshot := e.snapshotLocked()
	e.mu.Unlock()
	e.log.Debug("draft journal restored", "base_version", journal.BaseVersion)
	e.notify(snapshot)
	return nil
}
