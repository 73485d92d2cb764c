package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/weft/schema"
)

func newMockServerCmd() *cobra.Command {
	var addr string
	var delayMS int
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Serve a scripted orchestrator API for testing",
		Long: "mock-server exposes one attempt with two finished processes, a live " +
			"process that streams patch batches, and an editable follow_up draft.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMockServer(cmd.Context(), addr, time.Duration(delayMS)*time.Millisecond)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8911", "listen address")
	cmd.Flags().IntVar(&delayMS, "delay-ms", 400, "delay between live stream batches")
	return cmd
}

func runMockServer(ctx context.Context, addr string, delay time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := pslog.Ctx(ctx)
	state := newMockState(delay, logger)
	logger.Info("mock orchestrator ready",
		"attempt", state.attemptID,
		"live_process", state.liveID,
		"addr", addr)

	server := &http.Server{
		Addr:     addr,
		Handler:  state.handler(),
		ErrorLog: pslog.LogLoggerWithLevel(logger, pslog.ErrorLevel),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

const mockNamespace = "weft-mock"

func mockID(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(mockNamespace+"/"+name))
}

// mockState is the in-memory orchestrator: a fixed attempt with two
// settled processes, one live streaming process and editable drafts.
type mockState struct {
	mu        sync.Mutex
	log       pslog.Logger
	delay     time.Duration
	attemptID schema.AttemptID
	liveID    schema.ProcessID
	processes []schema.Process
	docs      map[schema.ProcessID]schema.PatchDocument
	drafts    map[schema.DraftKind]schema.Draft
	draftSubs map[schema.DraftKind]map[chan schema.StreamMessage]struct{}
	liveSteps []schema.PatchEntry
	upgrader  websocket.Upgrader
}

func newMockState(delay time.Duration, logger pslog.Logger) *mockState {
	attemptID := mockID("attempt-0")
	setupID := mockID("process-setup")
	turnID := mockID("process-turn-1")
	liveID := mockID("process-turn-2")
	now := time.Now().UTC()
	exitZero := int64(0)
	variant := "default"

	s := &mockState{
		log:       logger,
		delay:     delay,
		attemptID: attemptID,
		liveID:    liveID,
		docs:      make(map[schema.ProcessID]schema.PatchDocument),
		drafts:    make(map[schema.DraftKind]schema.Draft),
		draftSubs: make(map[schema.DraftKind]map[chan schema.StreamMessage]struct{}),
	}
	s.processes = []schema.Process{
		{
			ID:        setupID,
			AttemptID: attemptID,
			RunReason: schema.ReasonSetupScript,
			Action:    schema.ScriptRequest{Script: "npm install", Context: "setup"},
			Status:    schema.ProcessCompleted,
			ExitCode:  &exitZero,
			CreatedAt: now.Add(-10 * time.Minute),
			StartedAt: now.Add(-10 * time.Minute),
		},
		{
			ID:        turnID,
			AttemptID: attemptID,
			RunReason: schema.ReasonCodingAgent,
			Action:    schema.InitialRequest{PromptText: "wire the config loader"},
			Status:    schema.ProcessCompleted,
			ExitCode:  &exitZero,
			CreatedAt: now.Add(-8 * time.Minute),
			StartedAt: now.Add(-8 * time.Minute),
		},
		{
			ID:        liveID,
			AttemptID: attemptID,
			RunReason: schema.ReasonCodingAgent,
			Action:    schema.FollowUpRequest{PromptText: "add tests for the loader"},
			Status:    schema.ProcessRunning,
			CreatedAt: now.Add(-time.Minute),
			StartedAt: now.Add(-time.Minute),
		},
	}
	s.docs[setupID] = schema.PatchDocument{Entries: []schema.PatchEntry{
		schema.RawLine{Channel: schema.ChannelStdout, Line: "added 212 packages in 4s"},
	}}
	s.docs[turnID] = schema.PatchDocument{Entries: []schema.PatchEntry{
		schema.NormalizedEntry{ItemKind: schema.KindAssistantMessage, Content: "Reading the existing config package."},
		schema.NormalizedEntry{ItemKind: schema.KindToolUse, ToolName: "edit", Content: "internal/config/load.go", Status: schema.ToolSuccess},
		schema.NormalizedEntry{ItemKind: schema.KindAssistantMessage, Content: "Config loader wired with env expansion."},
	}}
	s.liveSteps = []schema.PatchEntry{
		schema.NormalizedEntry{ItemKind: schema.KindThinking, Content: "The loader needs coverage for missing files."},
		schema.NormalizedEntry{ItemKind: schema.KindToolUse, ToolName: "edit", Content: "internal/config/load_test.go", Status: schema.ToolSuccess},
		schema.NormalizedEntry{ItemKind: schema.KindToolUse, ToolName: "bash", Content: "go test ./internal/config", Status: schema.ToolSuccess},
		schema.NormalizedEntry{ItemKind: schema.KindAssistantMessage, Content: "Tests added and passing."},
	}
	s.drafts[schema.DraftFollowUp] = schema.Draft{
		AttemptID: attemptID,
		Kind:      schema.DraftFollowUp,
		Prompt:    "",
		Variant:   &variant,
		Version:   0,
	}
	s.drafts[schema.DraftRetry] = schema.Draft{
		AttemptID: attemptID,
		Kind:      schema.DraftRetry,
		Version:   0,
	}
	return s
}

func (s *mockState) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/attempts/", s.handleAttempts)
	mux.HandleFunc("/v1/processes/", s.handleProcesses)
	return mux
}

func (s *mockState) handleAttempts(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/attempts/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		http.NotFound(w, r)
		return
	}
	attemptID, err := uuid.Parse(parts[0])
	if err != nil || attemptID != s.attemptID {
		http.NotFound(w, r)
		return
	}
	switch {
	case parts[1] == "processes" && len(parts) == 2:
		s.mu.Lock()
		processes := append([]schema.Process(nil), s.processes...)
		s.mu.Unlock()
		writeJSON(w, processes)
	case parts[1] == "drafts" && len(parts) == 3:
		s.handleDraft(w, r, schema.DraftKind(parts[2]))
	case parts[1] == "drafts" && len(parts) == 4 && parts[3] == "queue":
		s.handleQueue(w, r, schema.DraftKind(parts[2]))
	case parts[1] == "drafts" && len(parts) == 4 && parts[3] == "stream":
		s.handleDraftStream(w, r, schema.DraftKind(parts[2]))
	default:
		http.NotFound(w, r)
	}
}

func (s *mockState) handleProcesses(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/processes/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	processID, err := uuid.Parse(parts[0])
	if err != nil {
		http.NotFound(w, r)
		return
	}
	switch parts[1] {
	case "document":
		s.mu.Lock()
		doc, ok := s.docs[processID]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, doc)
	case "stream":
		s.handleProcessStream(w, r, processID)
	default:
		http.NotFound(w, r)
	}
}

// handleProcessStream replays the process document as one batch per
// entry. The live process is drip-fed with the configured delay; settled
// processes replay immediately and finish.
func (s *mockState) handleProcessStream(w http.ResponseWriter, r *http.Request, processID schema.ProcessID) {
	s.mu.Lock()
	doc, ok := s.docs[processID]
	live := processID == s.liveID
	steps := s.liveSteps
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	entries := doc.Entries
	if live {
		entries = steps
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	since := sinceBatchID(r)

	for i, entry := range entries {
		batchID := int64(i)
		if batchID <= since {
			continue
		}
		if live && s.delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.delay):
			}
		}
		patches, err := appendEntryPatch(entry)
		if err != nil {
			s.log.Warn("mock entry encode failed", "err", err)
			return
		}
		msg := schema.StreamMessage{Kind: schema.MessageBatch, BatchID: batchID, Patches: patches}
		if err := writeStreamMessage(conn, msg); err != nil {
			return
		}
	}
	if live {
		s.settleLive()
	}
	_ = writeStreamMessage(conn, schema.StreamMessage{Kind: schema.MessageFinished})
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// settleLive marks the live process completed and records its final
// document so later snapshot fetches agree with the stream.
func (s *mockState) settleLive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	exitZero := int64(0)
	for i := range s.processes {
		if s.processes[i].ID == s.liveID && s.processes[i].Status == schema.ProcessRunning {
			now := time.Now().UTC()
			s.processes[i].Status = schema.ProcessCompleted
			s.processes[i].ExitCode = &exitZero
			s.processes[i].CompletedAt = &now
			s.docs[s.liveID] = schema.PatchDocument{Entries: append([]schema.PatchEntry(nil), s.liveSteps...)}
		}
	}
}

func (s *mockState) handleDraft(w http.ResponseWriter, r *http.Request, kind schema.DraftKind) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		record, ok := s.drafts[kind]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, record)
	case http.MethodPatch:
		s.applyDraftPatch(w, r, kind)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// draftPatchWire mirrors the partial-update wire shape. Variant keeps
// its raw form so an explicit null clears while absence leaves it alone.
type draftPatchWire struct {
	Prompt   *string           `json:"prompt"`
	Variant  json.RawMessage   `json:"variant"`
	ImageIDs *[]schema.ImageID `json:"image_ids"`
	Version  *int64            `json:"version"`

	variantSet bool
}

func (s *mockState) applyDraftPatch(w http.ResponseWriter, r *http.Request, kind schema.DraftKind) {
	var wire draftPatchWire
	var probe map[string]json.RawMessage
	body := json.NewDecoder(r.Body)
	if err := body.Decode(&probe); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	raw, _ := json.Marshal(probe)
	if err := json.Unmarshal(raw, &wire); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	_, wire.variantSet = probe["variant"]

	s.mu.Lock()
	record, ok := s.drafts[kind]
	if !ok {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	if wire.Version != nil && *wire.Version != record.Version {
		s.mu.Unlock()
		http.Error(w, "version conflict", http.StatusConflict)
		return
	}
	if wire.Prompt != nil {
		record.Prompt = *wire.Prompt
	}
	if wire.variantSet {
		if string(wire.Variant) == "null" || len(wire.Variant) == 0 {
			record.Variant = nil
		} else {
			var v string
			if err := json.Unmarshal(wire.Variant, &v); err != nil {
				s.mu.Unlock()
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			record.Variant = &v
		}
	}
	if wire.ImageIDs != nil {
		record.ImageIDs = append([]schema.ImageID(nil), (*wire.ImageIDs)...)
	}
	record.Version++
	s.drafts[kind] = record
	s.mu.Unlock()

	s.broadcastDraft(kind, record)
	writeJSON(w, record)
}

func (s *mockState) handleQueue(w http.ResponseWriter, r *http.Request, kind schema.DraftKind) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req schema.SetQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	record, ok := s.drafts[kind]
	if !ok {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	if req.ExpectedQueued != nil && *req.ExpectedQueued != record.Queued {
		s.mu.Unlock()
		http.Error(w, "queue conflict", http.StatusConflict)
		return
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != record.Version {
		s.mu.Unlock()
		http.Error(w, "version conflict", http.StatusConflict)
		return
	}
	record.Queued = req.Queued
	record.Version++
	s.drafts[kind] = record
	s.mu.Unlock()

	s.broadcastDraft(kind, record)
	writeJSON(w, schema.SetQueueResponse{Queued: record.Queued, Version: record.Version})
}

func (s *mockState) handleDraftStream(w http.ResponseWriter, r *http.Request, kind schema.DraftKind) {
	s.mu.Lock()
	record, ok := s.drafts[kind]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	updates := make(chan schema.StreamMessage, 8)
	s.subscribeDraft(kind, updates)
	defer s.unsubscribeDraft(kind, updates)

	if record.Version > sinceBatchID(r) {
		msg, err := draftReplaceMessage(record)
		if err != nil || writeStreamMessage(conn, msg) != nil {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-updates:
			if err := writeStreamMessage(conn, msg); err != nil {
				return
			}
		}
	}
}

func (s *mockState) subscribeDraft(kind schema.DraftKind, ch chan schema.StreamMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.draftSubs[kind]
	if subs == nil {
		subs = make(map[chan schema.StreamMessage]struct{})
		s.draftSubs[kind] = subs
	}
	subs[ch] = struct{}{}
}

func (s *mockState) unsubscribeDraft(kind schema.DraftKind, ch chan schema.StreamMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.draftSubs[kind], ch)
}

func (s *mockState) broadcastDraft(kind schema.DraftKind, record schema.Draft) {
	msg, err := draftReplaceMessage(record)
	if err != nil {
		s.log.Warn("mock draft encode failed", "err", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.draftSubs[kind] {
		select {
		case ch <- msg:
		default:
			s.log.Warn("mock draft subscriber lagging", "kind", string(kind))
		}
	}
}

func draftReplaceMessage(record schema.Draft) (schema.StreamMessage, error) {
	value, err := json.Marshal(record)
	if err != nil {
		return schema.StreamMessage{}, err
	}
	patches, err := json.Marshal([]map[string]any{
		{"op": "replace", "path": "", "value": json.RawMessage(value)},
	})
	if err != nil {
		return schema.StreamMessage{}, err
	}
	return schema.StreamMessage{Kind: schema.MessageBatch, BatchID: record.Version, Patches: patches}, nil
}

func appendEntryPatch(entry schema.PatchEntry) (json.RawMessage, error) {
	value, err := schema.MarshalEntry(entry)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]map[string]any{
		{"op": "add", "path": "/entries/-", "value": json.RawMessage(value)},
	})
}

func writeStreamMessage(conn *websocket.Conn, msg schema.StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func sinceBatchID(r *http.Request) int64 {
	raw := r.URL.Query().Get("since_batch_id")
	if raw == "" {
		return -1
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return -1
	}
	return value
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		http.Error(w, fmt.Sprintf("encode: %v", err), http.StatusInternalServerError)
	}
}
