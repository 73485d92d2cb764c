package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"
	"pkt.systems/weft/schema"
	"pkt.systems/weft/stream"
)

type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[schema.ProcessID]schema.PatchDocument
	calls map[schema.ProcessID]int
	gate  chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		docs:  make(map[schema.ProcessID]schema.PatchDocument),
		calls: make(map[schema.ProcessID]int),
	}
}

func (f *fakeFetcher) set(id schema.ProcessID, entries ...schema.PatchEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[id] = schema.PatchDocument{Entries: entries}
}

func (f *fakeFetcher) callCount(id schema.ProcessID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeFetcher) ProcessSnapshot(ctx context.Context, id schema.ProcessID) (schema.PatchDocument, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return schema.PatchDocument{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	doc, ok := f.docs[id]
	if !ok {
		return schema.PatchDocument{}, schema.ErrProcessNotFound
	}
	return doc, nil
}

type updateRecorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *updateRecorder) observe(update Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

func (r *updateRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *updateRecorder) attemptsSince(index int) []schema.AttemptID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []schema.AttemptID
	for _, update := range r.updates[index:] {
		out = append(out, update.AttemptID)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func assistantContents(timeline []schema.TimelineEntry) []string {
	var out []string
	for _, entry := range timeline {
		if normalized, ok := entry.Entry.(schema.NormalizedEntry); ok && normalized.ItemKind == schema.KindAssistantMessage {
			out = append(out, normalized.Content)
		}
	}
	return out
}

func testConfig() schema.EngineConfig {
	return schema.EngineConfig{
		MinInitialEntries:  4,
		HistoryBatchSize:   2,
		CacheMaxProcesses:  8,
		LiveAttachRetries:  3,
		LiveAttachInterval: time.Millisecond,
		AutosaveDebounce:   time.Millisecond,
		PollInterval:       time.Millisecond,
		ReconnectBackoff:   time.Millisecond,
	}
}

func assistantEntries(n int, prefix string) []schema.PatchEntry {
	entries := make([]schema.PatchEntry, n)
	for i := range entries {
		entries[i] = schema.NormalizedEntry{ItemKind: schema.KindAssistantMessage, Content: fmt.Sprintf("%s-%d", prefix, i)}
	}
	return entries
}

func TestInitialLoadStagesHistory(t *testing.T) {
	attemptID := schema.AttemptID(uuid.New())
	fetcher := newFakeFetcher()
	recorder := &updateRecorder{}

	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	var processes []schema.Process
	for i := 0; i < 5; i++ {
		p := agentProcess(base.Add(time.Duration(i)*time.Minute), fmt.Sprintf("turn %d", i), schema.ProcessCompleted)
		p.AttemptID = attemptID
		fetcher.set(p.ID, assistantEntries(2, fmt.Sprintf("p%d", i))...)
		processes = append(processes, p)
	}

	r := New(testConfig(), fetcher, nil, nil, recorder.observe)
	defer r.Close()
	if err := r.SetProcesses(context.Background(), attemptID, processes); err != nil {
		t.Fatalf("set processes: %v", err)
	}

	// Threshold 4 with 2 entries per process: the newest two load before
	// the first emit, the remaining three in background batches.
	if recorder.len() == 0 {
		t.Fatalf("expected an immediate partial emit")
	}
	waitFor(t, "full history", func() bool {
		return len(assistantContents(r.Timeline())) == 10
	})
	waitFor(t, "settled phase", func() bool { return r.Phase() == PhaseSettled })

	for _, p := range processes {
		if got := fetcher.callCount(p.ID); got != 1 {
			t.Fatalf("process fetched %d times", got)
		}
	}
	// Re-applying the same process set is a cache hit.
	if err := r.SetProcesses(context.Background(), attemptID, processes); err != nil {
		t.Fatalf("re-set processes: %v", err)
	}
	for _, p := range processes {
		if got := fetcher.callCount(p.ID); got != 1 {
			t.Fatalf("process re-fetched: %d calls", got)
		}
	}
}

func TestAttemptSwitchInvalidatesBackgroundLoad(t *testing.T) {
	oldAttempt := schema.AttemptID(uuid.New())
	newAttempt := schema.AttemptID(uuid.New())
	fetcher := newFakeFetcher()
	recorder := &updateRecorder{}

	base := time.Now().Add(-time.Hour)
	var processes []schema.Process
	for i := 0; i < 6; i++ {
		p := agentProcess(base.Add(time.Duration(i)*time.Minute), fmt.Sprintf("turn %d", i), schema.ProcessCompleted)
		p.AttemptID = oldAttempt
		fetcher.set(p.ID, assistantEntries(3, fmt.Sprintf("p%d", i))...)
		processes = append(processes, p)
	}

	r := New(testConfig(), fetcher, nil, nil, recorder.observe)
	defer r.Close()
	if err := r.SetProcesses(context.Background(), oldAttempt, processes); err != nil {
		t.Fatalf("set processes: %v", err)
	}

	// Gate further fetches, then switch attempts while the background
	// remainder is still pending.
	gate := make(chan struct{})
	fetcher.mu.Lock()
	fetcher.gate = gate
	fetcher.mu.Unlock()

	mark := recorder.len()
	if err := r.SetProcesses(context.Background(), newAttempt, nil); err != nil {
		t.Fatalf("switch attempt: %v", err)
	}
	close(gate)

	waitFor(t, "new attempt emit", func() bool { return recorder.len() > mark })
	time.Sleep(20 * time.Millisecond)
	for _, attemptID := range recorder.attemptsSince(mark) {
		if attemptID == oldAttempt {
			t.Fatalf("stale background load emitted for the switched-away attempt")
		}
	}
	if entries := r.Timeline(); len(entries) != 0 {
		t.Fatalf("expected empty timeline after switch, got %d entries", len(entries))
	}
}

func TestSnapshotCacheSurvivesAttemptSwitch(t *testing.T) {
	attemptA := schema.AttemptID(uuid.New())
	attemptB := schema.AttemptID(uuid.New())
	fetcher := newFakeFetcher()

	p := agentProcess(time.Now().Add(-time.Hour), "cached turn", schema.ProcessCompleted)
	p.AttemptID = attemptA
	fetcher.set(p.ID, assistantEntries(1, "cached")...)

	r := New(testConfig(), fetcher, nil, nil, nil)
	defer r.Close()
	ctx := context.Background()
	if err := r.SetProcesses(ctx, attemptA, []schema.Process{p}); err != nil {
		t.Fatalf("load attempt A: %v", err)
	}
	if err := r.SetProcesses(ctx, attemptB, nil); err != nil {
		t.Fatalf("switch to B: %v", err)
	}
	if err := r.SetProcesses(ctx, attemptA, []schema.Process{p}); err != nil {
		t.Fatalf("return to A: %v", err)
	}
	if got := fetcher.callCount(p.ID); got != 1 {
		t.Fatalf("expected cache hit on revisit, got %d fetches", got)
	}
	if entries := assistantContents(r.Timeline()); len(entries) != 1 {
		t.Fatalf("expected cached entry in timeline, got %d", len(entries))
	}
}

func TestProcessRemovalPurgesEntries(t *testing.T) {
	attemptID := schema.AttemptID(uuid.New())
	fetcher := newFakeFetcher()

	keep := agentProcess(time.Now().Add(-2*time.Minute), "keep", schema.ProcessCompleted)
	keep.AttemptID = attemptID
	gone := agentProcess(time.Now().Add(-time.Minute), "gone", schema.ProcessCompleted)
	gone.AttemptID = attemptID
	fetcher.set(keep.ID, assistantEntries(1, "keep")...)
	fetcher.set(gone.ID, assistantEntries(1, "gone")...)

	r := New(testConfig(), fetcher, nil, nil, nil)
	defer r.Close()
	ctx := context.Background()
	if err := r.SetProcesses(ctx, attemptID, []schema.Process{keep, gone}); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	waitFor(t, "both processes", func() bool { return len(assistantContents(r.Timeline())) == 2 })

	if err := r.SetProcesses(ctx, attemptID, []schema.Process{keep}); err != nil {
		t.Fatalf("removal load: %v", err)
	}
	entries := assistantContents(r.Timeline())
	if len(entries) != 1 || entries[0] != "keep-0" {
		t.Fatalf("expected purged timeline, got %v", entries)
	}
	// The removed process must be refetched if it ever reappears.
	if err := r.SetProcesses(ctx, attemptID, []schema.Process{keep, gone}); err != nil {
		t.Fatalf("reappear load: %v", err)
	}
	waitFor(t, "refetch", func() bool { return fetcher.callCount(gone.ID) == 2 })
}

// liveTransport scripts one process stream and fails all others.
type liveTransport struct {
	mu       sync.Mutex
	steps    []liveStep
	connects int
	failAll  bool
}

type liveStep struct {
	msg schema.StreamMessage
	err error
}

func (t *liveTransport) Connect(ctx context.Context, endpoint string, sinceBatchID int64) (stream.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.failAll {
		return nil, errors.New("stream not started")
	}
	steps := t.steps
	t.steps = nil
	return &liveConn{steps: steps}, nil
}

func (t *liveTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

type liveConn struct {
	mu    sync.Mutex
	steps []liveStep
}

func (c *liveConn) Recv(ctx context.Context) (schema.StreamMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.steps) == 0 {
		return schema.StreamMessage{}, io.EOF
	}
	step := c.steps[0]
	c.steps = c.steps[1:]
	return step.msg, step.err
}

func (c *liveConn) Close() error { return nil }

func liveBatch(t *testing.T, batchID int64, content string) liveStep {
	t.Helper()
	entry, err := schema.MarshalEntry(schema.NormalizedEntry{ItemKind: schema.KindAssistantMessage, Content: content})
	if err != nil {
		t.Fatalf("marshal entry: %v", err)
	}
	patches, err := json.Marshal([]map[string]any{{
		"op":    "add",
		"path":  "/entries/-",
		"value": json.RawMessage(entry),
	}})
	if err != nil {
		t.Fatalf("marshal patches: %v", err)
	}
	return liveStep{msg: schema.StreamMessage{Kind: schema.MessageBatch, BatchID: batchID, Patches: patches}}
}

func TestLiveStreamMergesImmediately(t *testing.T) {
	attemptID := schema.AttemptID(uuid.New())
	fetcher := newFakeFetcher()
	transport := &liveTransport{steps: []liveStep{
		liveBatch(t, 0, "working"),
		liveBatch(t, 1, "still working"),
		{msg: schema.StreamMessage{Kind: schema.MessageFinished}},
	}}

	live := agentProcess(time.Now(), "do the thing", schema.ProcessRunning)
	live.AttemptID = attemptID

	r := New(testConfig(), fetcher, transport,
		func(id schema.ProcessID) string { return "/stream/" + id.String() },
		nil)
	defer r.Close()
	if err := r.SetProcesses(context.Background(), attemptID, []schema.Process{live}); err != nil {
		t.Fatalf("set processes: %v", err)
	}

	waitFor(t, "streamed entries", func() bool {
		return len(assistantContents(r.Timeline())) == 2
	})
	waitFor(t, "settled", func() bool { return r.Phase() == PhaseSettled })

	timeline := r.Timeline()
	prompt := timeline[0].Entry.(schema.NormalizedEntry)
	if prompt.ItemKind != schema.KindUserMessage || prompt.Content != "do the thing" {
		t.Fatalf("expected synthetic prompt first, got %#v", prompt)
	}
}

func TestLiveAttachExhaustionLeavesLoadingMarker(t *testing.T) {
	attemptID := schema.AttemptID(uuid.New())
	fetcher := newFakeFetcher()
	transport := &liveTransport{failAll: true}

	live := agentProcess(time.Now(), "never starts", schema.ProcessRunning)
	live.AttemptID = attemptID

	r := New(testConfig(), fetcher, transport,
		func(id schema.ProcessID) string { return "/stream/" + id.String() },
		nil)
	defer r.Close()
	if err := r.SetProcesses(context.Background(), attemptID, []schema.Process{live}); err != nil {
		t.Fatalf("set processes: %v", err)
	}

	waitFor(t, "attach exhaustion", func() bool {
		return transport.connectCount() >= testConfig().LiveAttachRetries
	})
	waitFor(t, "final emit", func() bool { return r.Phase() != PhaseStreaming })

	timeline := r.Timeline()
	if len(timeline) != 2 {
		t.Fatalf("expected prompt plus loading marker, got %d entries", len(timeline))
	}
	marker := timeline[1].Entry.(schema.NormalizedEntry)
	if marker.ItemKind != schema.KindLoading {
		t.Fatalf("expected loading marker, got %q", marker.ItemKind)
	}
}

func TestRepeatedSetProcessesSkipsInFlightFetches(t *testing.T) {
	attemptID := schema.AttemptID(uuid.New())
	fetcher := newFakeFetcher()

	base := time.Now().Add(-time.Hour)
	var processes []schema.Process
	for i := 0; i < 5; i++ {
		p := agentProcess(base.Add(time.Duration(i)*time.Minute), fmt.Sprintf("turn %d", i), schema.ProcessCompleted)
		p.AttemptID = attemptID
		fetcher.set(p.ID, assistantEntries(2, fmt.Sprintf("p%d", i))...)
		processes = append(processes, p)
	}

	r := New(testConfig(), fetcher, nil, nil, nil)
	defer r.Close()
	ctx := context.Background()
	if err := r.SetProcesses(ctx, attemptID, processes); err != nil {
		t.Fatalf("set processes: %v", err)
	}

	// Hold the background remainder on the gate and re-apply the same
	// process set, the way a poll loop does every tick. Snapshots still
	// in flight must not be requested again.
	gate := make(chan struct{})
	fetcher.mu.Lock()
	fetcher.gate = gate
	fetcher.mu.Unlock()
	if err := r.SetProcesses(ctx, attemptID, processes); err != nil {
		t.Fatalf("re-set processes: %v", err)
	}
	close(gate)

	waitFor(t, "full history", func() bool {
		return len(assistantContents(r.Timeline())) == 10
	})
	waitFor(t, "settled phase", func() bool { return r.Phase() == PhaseSettled })
	for _, p := range processes {
		if got := fetcher.callCount(p.ID); got != 1 {
			t.Fatalf("process %s fetched %d times", uuid.UUID(p.ID), got)
		}
	}
}

func liveRawEntryBatch(t *testing.T, batchID int64, entryJSON string) liveStep {
	t.Helper()
	patches, err := json.Marshal([]map[string]any{{
		"op":    "add",
		"path":  "/entries/-",
		"value": json.RawMessage(entryJSON),
	}})
	if err != nil {
		t.Fatalf("marshal patches: %v", err)
	}
	return liveStep{msg: schema.StreamMessage{Kind: schema.MessageBatch, BatchID: batchID, Patches: patches}}
}

func TestLiveStreamToleratesUnknownEntryKind(t *testing.T) {
	attemptID := schema.AttemptID(uuid.New())
	fetcher := newFakeFetcher()
	transport := &liveTransport{steps: []liveStep{
		liveRawEntryBatch(t, 0, `{"type":"future_kind","content":{"note":"from a newer server"}}`),
		liveBatch(t, 1, "ok"),
		{msg: schema.StreamMessage{Kind: schema.MessageFinished}},
	}}

	live := agentProcess(time.Now(), "do the thing", schema.ProcessRunning)
	live.AttemptID = attemptID

	r := New(testConfig(), fetcher, transport,
		func(id schema.ProcessID) string { return "/stream/" + id.String() },
		nil)
	defer r.Close()
	if err := r.SetProcesses(context.Background(), attemptID, []schema.Process{live}); err != nil {
		t.Fatalf("set processes: %v", err)
	}

	// The unknown entry is dropped; later updates keep flowing.
	waitFor(t, "assistant entry past the unknown one", func() bool {
		entries := assistantContents(r.Timeline())
		return len(entries) == 1 && entries[0] == "ok"
	})
	waitFor(t, "settled", func() bool { return r.Phase() == PhaseSettled })
}

func TestSetProcessesAnnotatesAttemptLogs(t *testing.T) {
	capture := &logCapture{}
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.DebugLevel,
		VerboseFields: true,
	})
	attemptID := schema.AttemptID(uuid.New())
	r := New(testConfig(), newFakeFetcher(), nil, nil, nil, WithLogger(logger))
	defer r.Close()
	if err := r.SetProcesses(context.Background(), attemptID, nil); err != nil {
		t.Fatalf("set processes: %v", err)
	}

	for _, entry := range capture.entries(t) {
		if entry["message"] == "attempt loaded" {
			if entry["attempt"] != uuid.UUID(attemptID).String() {
				t.Fatalf("expected attempt field on load log, got %+v", entry)
			}
			return
		}
	}
	t.Fatalf("attempt load log not emitted")
}

type logCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *logCapture) entries(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, line := range bytes.Split(c.buf.Bytes(), []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		entry := map[string]any{}
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("parse log entry: %v", err)
		}
		out = append(out, entry)
	}
	return out
}
