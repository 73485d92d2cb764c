package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/weft/schema"
)

// FetchFunc returns the current authoritative document for an endpoint
// together with its monotonically increasing version counter.
type FetchFunc func(ctx context.Context, endpoint string) (json.RawMessage, int64, error)

// PollTransport emulates a push channel by fetching the full document at
// a fixed interval and synthesizing one full-replace batch per observed
// version. Because the synthesized batch id is the record version, the
// assembler's cursor check performs the same version-comparison
// reconciliation as the push path.
type PollTransport struct {
	fetch    FetchFunc
	interval time.Duration
	log      pslog.Logger
}

// NewPollTransport constructs a polling transport. The interval defaults
// to schema.DefaultPollInterval.
func NewPollTransport(fetch FetchFunc, interval time.Duration, logger pslog.Logger) *PollTransport {
	if interval <= 0 {
		interval = schema.DefaultPollInterval
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &PollTransport{fetch: fetch, interval: interval, log: logger}
}

// Connect implements Transport.
func (t *PollTransport) Connect(ctx context.Context, endpoint string, sinceBatchID int64) (Conn, error) {
	return &pollConn{
		transport: t,
		endpoint:  endpoint,
		last:      sinceBatchID,
	}, nil
}

type pollConn struct {
	transport *PollTransport
	endpoint  string
	last      int64
	started   bool
}

// Recv implements Conn. The first call fetches immediately; later calls
// wait one interval between fetches. Fetch failures are swallowed and
// retried on the next tick so a flaky poll target behaves like a quiet
// stream rather than a dropped one.
func (c *pollConn) Recv(ctx context.Context) (schema.StreamMessage, error) {
	for {
		if c.started {
			if err := sleep(ctx, c.transport.interval); err != nil {
				return schema.StreamMessage{}, err
			}
		}
		c.started = true
		doc, version, err := c.transport.fetch(ctx, c.endpoint)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return schema.StreamMessage{}, ctxErr
			}
			c.transport.log.Warn("poll fetch failed", "endpoint", c.endpoint, "err", err)
			continue
		}
		if version <= c.last {
			continue
		}
		c.last = version
		patches, err := json.Marshal([]map[string]any{{
			"op":    "replace",
			"path":  "",
			"value": json.RawMessage(doc),
		}})
		if err != nil {
			return schema.StreamMessage{}, fmt.Errorf("%w: %v", schema.ErrInvalidPayload, err)
		}
		return schema.StreamMessage{
			Kind:    schema.MessageBatch,
			BatchID: version,
			Patches: patches,
		}, nil
	}
}

// Close implements Conn.
func (c *pollConn) Close() error { return nil }
