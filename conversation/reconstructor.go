// Package conversation rebuilds an attempt's conversation timeline from
// terminal process snapshots and the live process patch stream.
package conversation

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"pkt.systems/pslog"
	"pkt.systems/weft/internal/eventbus"
	"pkt.systems/weft/internal/logx"
	"pkt.systems/weft/schema"
	"pkt.systems/weft/stream"
)

// Phase is the reconstruction lifecycle for one attempt.
type Phase string

const (
	// PhaseIdle means no attempt is loaded.
	PhaseIdle Phase = "idle"
	// PhaseLoadingInitial means the first visible slice is being fetched.
	PhaseLoadingInitial Phase = "loading_initial"
	// PhaseStreaming means a live process is attached.
	PhaseStreaming Phase = "streaming"
	// PhaseSettled means all history is loaded and nothing is running.
	PhaseSettled Phase = "settled"
)

// Fetcher retrieves the final patch document of a terminal process.
type Fetcher interface {
	ProcessSnapshot(ctx context.Context, processID schema.ProcessID) (schema.PatchDocument, error)
}

// EndpointFunc maps a process id to its patch stream endpoint.
type EndpointFunc func(processID schema.ProcessID) string

// Update is one emitted reconstruction result.
type Update struct {
	AttemptID schema.AttemptID
	Phase     Phase
	Timeline  []schema.TimelineEntry
}

// ObserverFunc receives every emitted update.
type ObserverFunc func(Update)

// Reconstructor merges historic snapshots and at most one live stream
// into a chronological timeline per attempt. Safe for concurrent use; all
// background continuations are gated by a per-attempt generation counter
// so switching attempts invalidates them at their next checkpoint.
type Reconstructor struct {
	cfg       schema.EngineConfig
	fetch     Fetcher
	transport stream.Transport
	endpoint  EndpointFunc
	observer  ObserverFunc
	bus       *eventbus.Bus
	log       pslog.Logger

	mu         sync.Mutex
	attemptID  schema.AttemptID
	generation int64
	phase      Phase
	processes  []schema.Process
	docs       map[schema.ProcessID][]schema.PatchEntry
	loading    map[schema.ProcessID]bool
	fetching   map[schema.ProcessID]bool
	cache      *snapshotCache
	liveID     schema.ProcessID
	liveCancel context.CancelFunc
	wg         sync.WaitGroup
}

// Option adjusts reconstructor construction.
type Option func(*Reconstructor)

// WithBus publishes every update on the event bus as well.
func WithBus(bus *eventbus.Bus) Option {
	return func(r *Reconstructor) { r.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger pslog.Logger) Option {
	return func(r *Reconstructor) { r.log = logger }
}

// New constructs a reconstructor.
func New(cfg schema.EngineConfig, fetch Fetcher, transport stream.Transport, endpoint EndpointFunc, observer ObserverFunc, opts ...Option) *Reconstructor {
	cfg = schema.NormalizeEngineConfig(cfg)
	r := &Reconstructor{
		cfg:       cfg,
		fetch:     fetch,
		transport: transport,
		endpoint:  endpoint,
		observer:  observer,
		log:       pslog.Ctx(context.Background()),
		phase:     PhaseIdle,
		docs:      make(map[schema.ProcessID][]schema.PatchEntry),
		loading:   make(map[schema.ProcessID]bool),
		fetching:  make(map[schema.ProcessID]bool),
		cache:     newSnapshotCache(cfg.CacheMaxProcesses),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Phase returns the current reconstruction phase.
func (r *Reconstructor) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Timeline returns the current merged timeline.
func (r *Reconstructor) Timeline() []schema.TimelineEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return mergeTimeline(r.processes, r.docs, r.loading)
}

// SetProcesses loads an attempt's process set. The newest historic
// processes are fetched until the initial entry threshold is reached and
// a partial timeline is emitted; the remainder loads in background
// batches, and the single display-eligible running process, if any, is
// attached live. Changing the attempt id resets all reconstruction state
// and invalidates in-flight continuations.
func (r *Reconstructor) SetProcesses(ctx context.Context, attemptID schema.AttemptID, processes []schema.Process) error {
	log := logx.WithAttempt(pslog.ContextWithLogger(ctx, r.log), attemptID)
	ctx = logx.ContextWithAttemptLogger(ctx, log, attemptID)

	r.mu.Lock()
	if r.attemptID != attemptID {
		r.resetLocked(attemptID)
		log.Debug("attempt loaded")
	}
	gen := r.generation
	display := displayProcesses(processes)
	r.processes = display
	r.purgeRemovedLocked(display)

	var historic []schema.Process
	var live *schema.Process
	for i := range display {
		p := display[i]
		switch {
		case p.Status.Terminal():
			historic = append(historic, p)
		case p.Status == schema.ProcessRunning && live == nil:
			live = &display[i]
			if _, ok := r.docs[p.ID]; !ok {
				r.loading[p.ID] = true
			}
		}
	}

	// Missing snapshots, newest first. Ids already being fetched by an
	// earlier call stay with that loader; each process id gets exactly
	// one snapshot fetch per attempt load.
	var missing []schema.Process
	known := 0
	for i := len(historic) - 1; i >= 0; i-- {
		p := historic[i]
		if entries, ok := r.docs[p.ID]; ok {
			known += len(entries)
			continue
		}
		if r.fetching[p.ID] {
			continue
		}
		if entries, ok := r.cache.Get(p.ID); ok {
			r.docs[p.ID] = entries
			known += len(entries)
			continue
		}
		missing = append(missing, p)
		r.fetching[p.ID] = true
	}
	if r.phase == PhaseIdle || len(missing) > 0 {
		r.phase = PhaseLoadingInitial
	}
	r.mu.Unlock()

	// Fetch newest to oldest until the first visible slice is big enough.
	cut := len(missing)
	for i, p := range missing {
		if known >= r.cfg.MinInitialEntries {
			cut = i
			break
		}
		entries := r.fetchHistoric(ctx, log, p.ID)
		if !r.store(gen, p.ID, entries) {
			return ctx.Err()
		}
		known += len(entries)
	}
	remainder := missing[cut:]

	r.mu.Lock()
	r.updatePhaseLocked(live != nil)
	r.mu.Unlock()
	r.emit(gen)

	if len(remainder) > 0 {
		r.wg.Add(1)
		go r.loadRemainder(ctx, log, gen, remainder, live != nil)
	}

	r.syncLive(ctx, log, gen, live)
	return ctx.Err()
}

// Close detaches the live stream and waits for background loads.
func (r *Reconstructor) Close() {
	r.mu.Lock()
	if r.liveCancel != nil {
		r.liveCancel()
		r.liveCancel = nil
	}
	r.generation++
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Reconstructor) resetLocked(attemptID schema.AttemptID) {
	r.generation++
	r.attemptID = attemptID
	r.phase = PhaseIdle
	r.processes = nil
	r.docs = make(map[schema.ProcessID][]schema.PatchEntry)
	r.loading = make(map[schema.ProcessID]bool)
	r.fetching = make(map[schema.ProcessID]bool)
	r.liveID = schema.ProcessID(uuid.Nil)
	if r.liveCancel != nil {
		r.liveCancel()
		r.liveCancel = nil
	}
}

func (r *Reconstructor) purgeRemovedLocked(display []schema.Process) {
	keep := make(map[schema.ProcessID]bool, len(display))
	for _, p := range display {
		keep[p.ID] = true
	}
	for id := range r.docs {
		if !keep[id] {
			delete(r.docs, id)
			delete(r.loading, id)
			r.cache.Purge(id)
		}
	}
	for id := range r.fetching {
		if !keep[id] {
			delete(r.fetching, id)
		}
	}
}

// fetchHistoric resolves one terminal process to its entry list. A failed
// fetch yields an empty list so one broken snapshot does not abort the
// rest of the history.
func (r *Reconstructor) fetchHistoric(ctx context.Context, log pslog.Logger, id schema.ProcessID) []schema.PatchEntry {
	doc, err := r.fetch.ProcessSnapshot(ctx, id)
	if err != nil {
		log.Warn("historic snapshot failed", "process_id", uuid.UUID(id).String(), "err", err)
		return []schema.PatchEntry{}
	}
	return doc.Entries
}

// store records a resolved entry list if the generation is still current.
// It reports false when the continuation has been invalidated.
func (r *Reconstructor) store(gen int64, id schema.ProcessID, entries []schema.PatchEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation != gen {
		return false
	}
	r.docs[id] = entries
	r.cache.Put(id, entries)
	delete(r.fetching, id)
	return true
}

// releaseFetching drops in-flight marks for snapshots that were never
// resolved, so an aborted loader does not pin the loading phase.
func (r *Reconstructor) releaseFetching(gen int64, processes []schema.Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation != gen {
		return
	}
	for _, p := range processes {
		delete(r.fetching, p.ID)
	}
}

func (r *Reconstructor) loadRemainder(ctx context.Context, log pslog.Logger, gen int64, remainder []schema.Process, hasLive bool) {
	defer r.wg.Done()
	done := 0
	defer func() {
		if done < len(remainder) {
			r.releaseFetching(gen, remainder[done:])
		}
	}()
	for start := 0; start < len(remainder); start += r.cfg.HistoryBatchSize {
		end := start + r.cfg.HistoryBatchSize
		if end > len(remainder) {
			end = len(remainder)
		}
		for _, p := range remainder[start:end] {
			if ctx.Err() != nil {
				return
			}
			entries := r.fetchHistoric(ctx, log, p.ID)
			if !r.store(gen, p.ID, entries) {
				return
			}
			done++
		}
		r.mu.Lock()
		if r.generation != gen {
			r.mu.Unlock()
			return
		}
		r.updatePhaseLocked(hasLive)
		r.mu.Unlock()
		r.emit(gen)
	}
}

func (r *Reconstructor) updatePhaseLocked(hasLive bool) {
	switch {
	case hasLive:
		r.phase = PhaseStreaming
	case len(r.fetching) > 0:
		r.phase = PhaseLoadingInitial
	default:
		r.phase = PhaseSettled
	}
}

// syncLive attaches the running process, detaching any previous one.
func (r *Reconstructor) syncLive(ctx context.Context, log pslog.Logger, gen int64, live *schema.Process) {
	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return
	}
	if live == nil {
		if r.liveCancel != nil {
			r.liveCancel()
			r.liveCancel = nil
			r.liveID = schema.ProcessID(uuid.Nil)
		}
		r.mu.Unlock()
		return
	}
	if r.liveID == live.ID {
		r.mu.Unlock()
		return
	}
	if r.liveCancel != nil {
		r.liveCancel()
	}
	liveCtx, cancel := context.WithCancel(ctx)
	r.liveCancel = cancel
	r.liveID = live.ID
	r.loading[live.ID] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.runLive(liveCtx, log, gen, *live)
}

func (r *Reconstructor) runLive(ctx context.Context, log pslog.Logger, gen int64, process schema.Process) {
	defer r.wg.Done()
	log = log.With("process", process.ID)

	asm := stream.NewAssembler(nil, func(doc json.RawMessage, settled bool) {
		// Entry-by-entry decode: an unknown entry kind in the live
		// document must not stall every later update.
		parsed, dropped, err := schema.DecodeDocumentLenient(doc)
		if err != nil {
			log.Warn("live document undecodable", "err", err)
			return
		}
		if dropped > 0 {
			log.Warn("live entries dropped", "dropped", dropped, "kept", len(parsed.Entries))
		}
		r.mu.Lock()
		if r.generation != gen {
			r.mu.Unlock()
			return
		}
		r.docs[process.ID] = parsed.Entries
		delete(r.loading, process.ID)
		if settled {
			r.cache.Put(process.ID, parsed.Entries)
		}
		r.mu.Unlock()
		r.emit(gen)
	}, log)

	// The stream may not have started server-side yet; the bounded attach
	// keeps retrying at the attach interval before giving up.
	endpoint := r.endpoint(process.ID)
	s := stream.NewStream(endpoint, r.transport, asm, r.cfg.LiveAttachInterval, log,
		stream.WithAttachRetries(r.cfg.LiveAttachRetries))
	err := s.Run(ctx)
	if err == nil {
		r.finishLive(gen, process.ID, true)
		return
	}
	if ctx.Err() != nil {
		return
	}
	// Exhausted: leave the synthetic prompt and a loading marker in place.
	log.Warn("live attach exhausted", "retries", r.cfg.LiveAttachRetries, "err", err)
	r.finishLive(gen, process.ID, false)
}

func (r *Reconstructor) finishLive(gen int64, id schema.ProcessID, settled bool) {
	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return
	}
	if r.liveID == id {
		r.liveID = schema.ProcessID(uuid.Nil)
		r.liveCancel = nil
	}
	if settled {
		delete(r.loading, id)
	}
	r.updatePhaseLocked(false)
	r.mu.Unlock()
	r.emit(gen)
}

// emit delivers the merged timeline to the observer and the bus, but
// only while the generation that produced it is still current.
func (r *Reconstructor) emit(gen int64) {
	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return
	}
	update := Update{
		AttemptID: r.attemptID,
		Phase:     r.phase,
		Timeline:  mergeTimeline(r.processes, r.docs, r.loading),
	}
	observer := r.observer
	bus := r.bus
	r.mu.Unlock()

	if observer != nil {
		observer(update)
	}
	if bus != nil {
		bus.PublishTimeline(update.AttemptID, update.Timeline)
	}
}
