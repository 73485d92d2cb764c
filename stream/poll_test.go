package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/weft/schema"
)

func pollDoc(t *testing.T, lines ...string) json.RawMessage {
	t.Helper()
	doc := schema.PatchDocument{}
	for _, line := range lines {
		doc.Entries = append(doc.Entries, schema.RawLine{Channel: schema.ChannelStdout, Line: line})
	}
	raw, err := json.Marshal(&doc)
	if err != nil {
		t.Fatalf("marshal document: %v", err)
	}
	return raw
}

func TestPollTransportSynthesizesVersionedBatches(t *testing.T) {
	type snapshot struct {
		doc     json.RawMessage
		version int64
	}
	snapshots := []snapshot{
		{pollDoc(t, "one"), 3},
		{pollDoc(t, "one"), 3}, // unchanged; no batch expected
		{pollDoc(t, "one", "two"), 4},
	}
	var calls int32
	fetch := func(ctx context.Context, endpoint string) (json.RawMessage, int64, error) {
		i := int(atomic.AddInt32(&calls, 1)) - 1
		if i >= len(snapshots) {
			i = len(snapshots) - 1
		}
		return snapshots[i].doc, snapshots[i].version, nil
	}

	transport := NewPollTransport(fetch, time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.Connect(ctx, "/attempts/a1/draft", -1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	first, err := conn.Recv(ctx)
	if err != nil {
		t.Fatalf("first recv: %v", err)
	}
	if first.BatchID != 3 {
		t.Fatalf("expected batch id 3, got %d", first.BatchID)
	}
	second, err := conn.Recv(ctx)
	if err != nil {
		t.Fatalf("second recv: %v", err)
	}
	if second.BatchID != 4 {
		t.Fatalf("expected unchanged version skipped and batch id 4, got %d", second.BatchID)
	}
}

func TestPollTransportFeedsAssembler(t *testing.T) {
	var version atomic.Int64
	version.Store(1)
	fetch := func(ctx context.Context, endpoint string) (json.RawMessage, int64, error) {
		v := version.Load()
		lines := make([]string, v)
		for i := range lines {
			lines[i] = "line"
		}
		return pollDoc(t, lines...), v, nil
	}

	transport := NewPollTransport(fetch, time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.Connect(ctx, "/attempts/a1/draft", -1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	asm := NewAssembler(nil, nil, nil)
	for want := int64(1); want <= 3; want++ {
		msg, err := conn.Recv(ctx)
		if err != nil {
			t.Fatalf("recv version %d: %v", want, err)
		}
		if err := asm.Apply(msg); err != nil {
			t.Fatalf("apply version %d: %v", want, err)
		}
		if asm.Cursor() != want {
			t.Fatalf("expected cursor %d, got %d", want, asm.Cursor())
		}
		var doc schema.PatchDocument
		if err := json.Unmarshal(asm.Document(), &doc); err != nil {
			t.Fatalf("decode mirror: %v", err)
		}
		if int64(len(doc.Entries)) != want {
			t.Fatalf("expected %d entries, got %d", want, len(doc.Entries))
		}
		version.Add(1)
	}
}

func TestPollTransportRetriesFetchErrors(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context, endpoint string) (json.RawMessage, int64, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, 0, errors.New("transient")
		}
		return pollDoc(t, "eventually"), 9, nil
	}

	transport := NewPollTransport(fetch, time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.Connect(ctx, "/attempts/a1/draft", -1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	msg, err := conn.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if msg.BatchID != 9 {
		t.Fatalf("expected batch id 9 after retries, got %d", msg.BatchID)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 fetches, got %d", calls)
	}
}

func TestPollTransportResumeSkipsKnownVersions(t *testing.T) {
	fetch := func(ctx context.Context, endpoint string) (json.RawMessage, int64, error) {
		return pollDoc(t, "stale"), 5, nil
	}
	transport := NewPollTransport(fetch, time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	conn, err := transport.Connect(ctx, "/attempts/a1/draft", 5)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	// Version 5 is at the resume cursor, so nothing should arrive.
	if msg, err := conn.Recv(ctx); err == nil {
		t.Fatalf("expected no message at known version, got %+v", msg)
	} else if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}
