// Package weft reconstructs conversation timelines and synchronizes
// draft records for coding-agent task attempts against an orchestrator
// API.
package weft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"
	"pkt.systems/weft/client"
	"pkt.systems/weft/conversation"
	"pkt.systems/weft/draft"
	"pkt.systems/weft/internal/eventbus"
	"pkt.systems/weft/internal/persist"
	"pkt.systems/weft/schema"
	"pkt.systems/weft/stream"
)

// TransportKind selects the patch stream wire.
type TransportKind string

const (
	// TransportWebSocket is the primary push transport.
	TransportWebSocket TransportKind = "websocket"
	// TransportPoll is the fixed-interval REST fallback for contexts
	// without push support.
	TransportPoll TransportKind = "poll"
)

// SessionConfig configures one attempt session.
type SessionConfig struct {
	BaseURL    string
	AttemptID  schema.AttemptID
	Engine     schema.EngineConfig
	Transport  TransportKind
	JournalDir string
	// DraftKinds lists the draft engines to run. Defaults to follow_up.
	DraftKinds []schema.DraftKind
}

// Session follows one task attempt: it owns a reconstructor, a draft
// engine per configured kind and the event bus they publish on.
type Session interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
	Timeline() []schema.TimelineEntry
	Draft(kind schema.DraftKind) (*draft.Engine, bool)
	Subscribe() (<-chan eventbus.Event, func())
}

// SessionDeps captures injectable dependencies; zero values are built
// from the config.
type SessionDeps struct {
	Client    *client.Client
	Transport stream.Transport
	Logger    pslog.Logger
	Sinks     []UpdateSink
}

// NewSession constructs a session.
func NewSession(cfg SessionConfig, deps SessionDeps) (Session, error) {
	if cfg.BaseURL == "" && deps.Client == nil {
		return nil, errors.New("base url or client is required")
	}
	if cfg.AttemptID == (schema.AttemptID{}) {
		return nil, errors.New("attempt id is required")
	}
	cfg.Engine = schema.NormalizeEngineConfig(cfg.Engine)
	if len(cfg.DraftKinds) == 0 {
		cfg.DraftKinds = []schema.DraftKind{schema.DraftFollowUp}
	}

	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	api := deps.Client
	if api == nil {
		api = client.New(cfg.BaseURL, client.WithLogger(logger))
	}

	bus := eventbus.New(logger)
	var sink UpdateSink
	switch len(deps.Sinks) {
	case 0:
	case 1:
		sink = deps.Sinks[0]
	default:
		sink = sinkFanout{sinks: deps.Sinks}
	}

	s := &session{
		cfg:    cfg,
		api:    api,
		bus:    bus,
		sink:   sink,
		logger: logger,
		drafts: make(map[schema.DraftKind]*draft.Engine),
	}

	transport := deps.Transport
	if transport == nil {
		switch cfg.Transport {
		case TransportPoll:
			transport = stream.NewPollTransport(s.fetchProcessDocument, cfg.Engine.PollInterval, logger)
		default:
			transport = stream.NewWSTransport(logger)
		}
	}
	s.transport = transport

	s.reconstructor = conversation.New(cfg.Engine, api, transport, s.streamEndpoint, s.onTimeline,
		conversation.WithBus(bus), conversation.WithLogger(logger))

	var journal *persist.Store
	if cfg.JournalDir != "" {
		store, err := persist.NewStoreWithLogger(cfg.JournalDir, logger)
		if err != nil {
			return nil, err
		}
		journal = store
	}
	for _, kind := range cfg.DraftKinds {
		opts := []draft.Option{
			draft.WithBus(bus),
			draft.WithLogger(logger),
			draft.WithObserver(s.draftObserver(kind)),
		}
		if journal != nil {
			opts = append(opts, draft.WithJournal(journal))
		}
		engine, err := draft.NewEngine(cfg.Engine, api, cfg.AttemptID, kind, opts...)
		if err != nil {
			return nil, err
		}
		s.drafts[kind] = engine
	}
	return s, nil
}

type session struct {
	cfg           SessionConfig
	api           *client.Client
	transport     stream.Transport
	bus           *eventbus.Bus
	sink          UpdateSink
	logger        pslog.Logger
	reconstructor *conversation.Reconstructor
	drafts        map[schema.DraftKind]*draft.Engine

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	wg      sync.WaitGroup
	started bool
}

// Start launches the process refresh loop and the draft engines.
func (s *session) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("session start rejected", "reason", "already started")
		return errors.New("session already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 1+len(s.drafts))
	s.started = true
	s.mu.Unlock()

	log := s.logger
	log.Info("session start",
		"attempt", s.cfg.AttemptID,
		"transport", string(s.cfg.Transport),
		"draft_kinds", len(s.drafts))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.followProcesses(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("process follower failed", "err", err)
			s.errCh <- err
		}
	}()
	for kind, engine := range s.drafts {
		kind, engine := kind, engine
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			endpoint := s.draftEndpoint(kind)
			if err := engine.Run(s.ctx, s.draftTransport(kind), endpoint); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("draft engine failed", "kind", string(kind), "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

// Wait blocks until the session stops or a component fails.
func (s *session) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("session not started")
	}
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("session stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

// Stop cancels all session work and waits for it to drain.
func (s *session) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	s.logger.Info("session stop requested")
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.reconstructor.Close()
		for _, engine := range s.drafts {
			engine.Close()
		}
		close(done)
	}()
	if ctx == nil {
		<-done
		s.logger.Info("session stopped")
		return nil
	}
	select {
	case <-ctx.Done():
		s.logger.Warn("session stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
		s.logger.Info("session stopped")
		return nil
	}
}

// Timeline returns the current merged timeline.
func (s *session) Timeline() []schema.TimelineEntry {
	return s.reconstructor.Timeline()
}

// Draft returns the engine for a kind.
func (s *session) Draft(kind schema.DraftKind) (*draft.Engine, bool) {
	engine, ok := s.drafts[kind]
	return engine, ok
}

// Subscribe returns the attempt's event channel.
func (s *session) Subscribe() (<-chan eventbus.Event, func()) {
	return s.bus.Subscribe(s.cfg.AttemptID)
}

// followProcesses refreshes the attempt's process set at the poll
// interval and feeds it to the reconstructor, which only reloads what
// changed.
func (s *session) followProcesses(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Engine.PollInterval)
	defer ticker.Stop()
	for {
		processes, err := s.api.ListProcesses(ctx, s.cfg.AttemptID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("process list failed", "err", err)
		} else if err := s.reconstructor.SetProcesses(ctx, s.cfg.AttemptID, processes); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *session) streamEndpoint(processID schema.ProcessID) string {
	if s.cfg.Transport == TransportPoll {
		return "/v1/processes/" + processID.String() + "/document"
	}
	return s.api.StreamEndpoint(processID)
}

func (s *session) draftEndpoint(kind schema.DraftKind) string {
	if s.cfg.Transport == TransportPoll {
		return string(kind)
	}
	return s.api.DraftStreamEndpoint(s.cfg.AttemptID, kind)
}

func (s *session) draftTransport(kind schema.DraftKind) stream.Transport {
	if s.cfg.Transport == TransportPoll {
		return stream.NewPollTransport(
			func(ctx context.Context, endpoint string) (json.RawMessage, int64, error) {
				return s.api.FetchDraftDocument(s.cfg.AttemptID, kind)(ctx, endpoint)
			},
			s.cfg.Engine.PollInterval, s.logger)
	}
	return s.transport
}

// fetchProcessDocument adapts the snapshot endpoint to the poll
// transport. The document is append-only while a process runs, so its
// entry count serves as the version counter.
func (s *session) fetchProcessDocument(ctx context.Context, endpoint string) (json.RawMessage, int64, error) {
	id, err := processIDFromEndpoint(endpoint)
	if err != nil {
		return nil, 0, err
	}
	doc, err := s.api.ProcessSnapshot(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, 0, err
	}
	return raw, int64(len(doc.Entries)), nil
}

func processIDFromEndpoint(endpoint string) (schema.ProcessID, error) {
	trimmed := strings.TrimPrefix(endpoint, "/v1/processes/")
	trimmed = strings.TrimSuffix(trimmed, "/document")
	id, err := uuid.Parse(trimmed)
	if err != nil {
		return schema.ProcessID{}, fmt.Errorf("process endpoint %q: %w", endpoint, err)
	}
	return id, nil
}

func (s *session) onTimeline(update conversation.Update) {
	if s.sink != nil {
		s.sink.OnTimeline(update)
		s.sink.OnStatus(update.AttemptID, string(update.Phase))
	}
}

func (s *session) draftObserver(kind schema.DraftKind) draft.ObserverFunc {
	return func(snapshot draft.Snapshot) {
		if s.sink != nil {
			s.sink.OnDraft(kind, snapshot)
		}
	}
}
