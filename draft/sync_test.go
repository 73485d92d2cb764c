package draft

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"pkt.systems/weft/stream"
)

func TestRunFollowsDraftOverPollTransport(t *testing.T) {
	api := &fakeAPI{}
	clock := &fakeClock{}
	e := newTestEngine(t, api, clock)

	api.mu.Lock()
	api.server.Prompt = "initial"
	api.server.Version = 1
	api.mu.Unlock()

	fetch := func(ctx context.Context, endpoint string) (json.RawMessage, int64, error) {
		api.mu.Lock()
		defer api.mu.Unlock()
		raw, err := json.Marshal(api.server)
		return raw, api.server.Version, err
	}
	transport := stream.NewPollTransport(fetch, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx, transport, "/attempts/a/drafts/follow_up")
	}()

	waitForDraft(t, e, func(s Snapshot) bool { return s.Draft.Prompt == "initial" })

	// A concurrent actor bumps the server record; the poll path must
	// reconcile it through the same ApplyServer as the push path.
	api.mu.Lock()
	api.server.Prompt = "edited elsewhere"
	api.server.Version = 2
	api.mu.Unlock()
	waitForDraft(t, e, func(s Snapshot) bool { return s.Draft.Prompt == "edited elsewhere" })

	// A version replay is discarded by the cursor check.
	api.mu.Lock()
	api.server.Prompt = "should not regress"
	// Version left at 2 on purpose.
	api.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	if got := e.Snapshot().Draft.Prompt; got != "edited elsewhere" {
		t.Fatalf("same-version poll mutated the draft: %q", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop on cancel")
	}
}

func TestRunKeepsDirtyBufferAgainstPolledUpdates(t *testing.T) {
	api := &fakeAPI{}
	clock := &fakeClock{}
	e := newTestEngine(t, api, clock)

	api.mu.Lock()
	api.server.Prompt = "server text"
	api.server.Version = 1
	api.mu.Unlock()

	fetch := func(ctx context.Context, endpoint string) (json.RawMessage, int64, error) {
		api.mu.Lock()
		defer api.mu.Unlock()
		raw, err := json.Marshal(api.server)
		return raw, api.server.Version, err
	}
	transport := stream.NewPollTransport(fetch, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx, transport, "/attempts/a/drafts/follow_up") }()
	waitForDraft(t, e, func(s Snapshot) bool { return s.Draft.Prompt == "server text" })

	if err := e.SetPrompt("typing right now"); err != nil {
		t.Fatalf("set prompt: %v", err)
	}
	api.mu.Lock()
	api.server.Prompt = "another client"
	api.server.Version = 2
	api.mu.Unlock()

	waitForDraft(t, e, func(s Snapshot) bool { return s.Draft.Version == 2 })
	snapshot := e.Snapshot()
	if snapshot.Draft.Prompt != "typing right now" {
		t.Fatalf("poll clobbered the dirty buffer: %q", snapshot.Draft.Prompt)
	}
	if !snapshot.PromptDirty {
		t.Fatalf("dirty flag lost")
	}
}

func waitForDraft(t *testing.T, e *Engine, cond func(Snapshot) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond(e.Snapshot()) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for draft state")
}
