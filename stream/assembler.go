package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"pkt.systems/pslog"
	"pkt.systems/weft/schema"
)

// NotifyFunc receives the mirror after every successful mutation. settled
// is true for the final delivery after the finished signal.
type NotifyFunc func(doc json.RawMessage, settled bool)

// Assembler holds a local document mirror for one stream and applies
// arriving batches to it in cursor order. It is a pure reducer over the
// sequence of received batches; the only side effect is observer
// notification.
type Assembler struct {
	mu         sync.Mutex
	mirror     []byte
	cursor     int64
	applied    bool
	settled    bool
	duplicates int64
	notify     NotifyFunc
	log        pslog.Logger
}

// NewAssembler constructs an assembler over the given initial document.
// An empty initial document defaults to schema.EmptyDocumentJSON.
func NewAssembler(initial []byte, notify NotifyFunc, logger pslog.Logger) *Assembler {
	return NewAssemblerAt(initial, -1, notify, logger)
}

// NewAssemblerAt constructs an assembler whose mirror is already known to
// reflect the given cursor, so resumption skips everything at or below
// it. Used for records fetched over REST before the stream attaches.
func NewAssemblerAt(initial []byte, cursor int64, notify NotifyFunc, logger pslog.Logger) *Assembler {
	if len(initial) == 0 {
		initial = []byte(schema.EmptyDocumentJSON)
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Assembler{
		mirror: append([]byte(nil), initial...),
		cursor: cursor,
		notify: notify,
		log:    logger,
	}
}

// Cursor returns the highest successfully applied batch id, or -1 when no
// batch has been applied yet.
func (a *Assembler) Cursor() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor
}

// Document returns a copy of the current mirror.
func (a *Assembler) Document() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append(json.RawMessage(nil), a.mirror...)
}

// Loading reports whether no batch has been applied to the mirror yet.
func (a *Assembler) Loading() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.applied
}

// Settled reports whether the finished signal has been received.
func (a *Assembler) Settled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settled
}

// Duplicates returns how many stale or duplicate batches were discarded.
func (a *Assembler) Duplicates() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.duplicates
}

// Apply processes one stream message. Stale batches return
// schema.ErrStaleBatch without mutating the mirror or notifying
// observers; failed patch applications roll the cursor back so the same
// batch id can be retried and return a schema.ErrPatchFailed wrap. Both
// are recoverable.
func (a *Assembler) Apply(msg schema.StreamMessage) error {
	a.mu.Lock()

	if msg.Kind == schema.MessageFinished {
		a.settled = true
		doc := append(json.RawMessage(nil), a.mirror...)
		notify := a.notify
		a.mu.Unlock()
		if notify != nil {
			notify(doc, true)
		}
		return nil
	}

	if msg.BatchID <= a.cursor {
		a.duplicates++
		a.mu.Unlock()
		return fmt.Errorf("%w: batch %d at cursor %d", schema.ErrStaleBatch, msg.BatchID, a.cursor)
	}

	patch, err := jsonpatch.DecodePatch(msg.Patches)
	if err != nil {
		a.rollbackLocked(msg.BatchID)
		a.mu.Unlock()
		return fmt.Errorf("%w: decode batch %d: %v", schema.ErrPatchFailed, msg.BatchID, err)
	}
	// Apply to a clone; the mirror is only replaced on success.
	next, err := patch.Apply(append([]byte(nil), a.mirror...))
	if err != nil {
		a.rollbackLocked(msg.BatchID)
		a.mu.Unlock()
		return fmt.Errorf("%w: apply batch %d: %v", schema.ErrPatchFailed, msg.BatchID, err)
	}

	a.mirror = next
	a.cursor = msg.BatchID
	first := !a.applied
	a.applied = true
	doc := append(json.RawMessage(nil), a.mirror...)
	notify := a.notify
	a.mu.Unlock()

	if first {
		a.log.Debug("stream first batch applied", "batch", msg.BatchID)
	}
	if notify != nil {
		notify(doc, false)
	}
	return nil
}

// rollbackLocked permits a retransmitted or corrected batch with the same
// id to be retried.
func (a *Assembler) rollbackLocked(batchID int64) {
	if batchID > 0 {
		a.cursor = batchID - 1
	}
}

// Stream drives an assembler over a transport, reconnecting with the
// current cursor on drops so the reconnected stream is logically
// continuous.
type Stream struct {
	endpoint      string
	transport     Transport
	assembler     *Assembler
	backoff       time.Duration
	attachRetries int
	log           pslog.Logger
}

// StreamOption adjusts stream construction.
type StreamOption func(*Stream)

// WithAttachRetries bounds how many consecutive failures are tolerated
// before the first batch is applied. A stream that has not produced any
// batch yet may simply not have started server-side; once attached,
// reconnection is unbounded again.
func WithAttachRetries(n int) StreamOption {
	return func(s *Stream) { s.attachRetries = n }
}

// NewStream pairs an assembler with a transport for one endpoint.
func NewStream(endpoint string, transport Transport, assembler *Assembler, backoff time.Duration, logger pslog.Logger, opts ...StreamOption) *Stream {
	if backoff <= 0 {
		backoff = schema.DefaultReconnectBackoff
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	s := &Stream{
		endpoint:  endpoint,
		transport: transport,
		assembler: assembler,
		backoff:   backoff,
		log:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Assembler returns the underlying assembler.
func (s *Stream) Assembler() *Assembler { return s.assembler }

// Run receives until the stream settles or the context is canceled.
// Transport errors are recoverable: the channel is re-established with
// since_batch_id set to the current cursor and the mirror is retained.
// With a bounded attach configured, Run returns the last error once the
// budget is exhausted without a single applied batch.
func (s *Stream) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := s.transport.Connect(ctx, s.endpoint, s.assembler.Cursor())
		if err == nil {
			err = s.receive(ctx, conn)
			_ = conn.Close()
			switch {
			case err == nil:
				return nil
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				return err
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if s.assembler.Loading() {
			failures++
			if s.attachRetries > 0 && failures >= s.attachRetries {
				return fmt.Errorf("attach %s failed after %d attempts: %w", s.endpoint, failures, err)
			}
		} else {
			failures = 0
		}
		s.log.Warn("stream disconnected", "endpoint", s.endpoint, "cursor", s.assembler.Cursor(), "err", err)
		if err := sleep(ctx, s.backoff); err != nil {
			return err
		}
	}
}

func (s *Stream) receive(ctx context.Context, conn Conn) error {
	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if s.assembler.Settled() {
					return nil
				}
				return io.ErrUnexpectedEOF
			}
			if errors.Is(err, schema.ErrInvalidPayload) {
				// Drop the malformed message and continue with the next.
				s.log.Warn("stream message dropped", "endpoint", s.endpoint, "err", err)
				continue
			}
			return err
		}
		if err := s.assembler.Apply(msg); err != nil {
			switch {
			case errors.Is(err, schema.ErrStaleBatch):
				s.log.Trace("stream stale batch discarded", "endpoint", s.endpoint, "err", err)
			case errors.Is(err, schema.ErrPatchFailed):
				s.log.Warn("stream patch failed", "endpoint", s.endpoint, "err", err)
			default:
				return err
			}
		}
		if s.assembler.Settled() {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
