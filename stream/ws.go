package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"
	"pkt.systems/weft/schema"
)

const wsHandshakeTimeout = 10 * time.Second

// WSTransport delivers patch batches over a WebSocket connection.
type WSTransport struct {
	dialer *websocket.Dialer
	log    pslog.Logger
}

// NewWSTransport constructs a WebSocket transport.
func NewWSTransport(logger pslog.Logger) *WSTransport {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	dialer := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: wsHandshakeTimeout,
	}
	return &WSTransport{dialer: dialer, log: logger}
}

// Connect implements Transport. A non-negative sinceBatchID is passed as
// the since_batch_id query parameter so the server skips batches at or
// below that id.
func (t *WSTransport) Connect(ctx context.Context, endpoint string, sinceBatchID int64) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if sinceBatchID >= 0 {
		q := u.Query()
		q.Set("since_batch_id", strconv.FormatInt(sinceBatchID, 10))
		u.RawQuery = q.Encode()
	}
	conn, resp, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", u.Host, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	t.log.Debug("ws connected", "endpoint", u.Path, "since", sinceBatchID)

	wc := &wsConn{conn: conn, done: make(chan struct{})}
	// The gorilla read loop has no context plumbing; close the socket when
	// the caller goes away so Recv unblocks.
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-wc.done:
		}
	}()
	return wc, nil
}

type wsConn struct {
	conn *websocket.Conn
	done chan struct{}
}

// Recv implements Conn.
func (c *wsConn) Recv(ctx context.Context) (schema.StreamMessage, error) {
	if err := ctx.Err(); err != nil {
		return schema.StreamMessage{}, err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return schema.StreamMessage{}, ctxErr
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return schema.StreamMessage{}, io.EOF
		}
		return schema.StreamMessage{}, err
	}
	var msg schema.StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return schema.StreamMessage{}, fmt.Errorf("%w: %v", schema.ErrInvalidPayload, err)
	}
	return msg, nil
}

// Close implements Conn.
func (c *wsConn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.conn.Close()
}
