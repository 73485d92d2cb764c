// Package stream reconstructs per-process documents from ordered patch
// batches delivered over a resumable push or poll transport.
package stream

import (
	"context"

	"pkt.systems/weft/schema"
)

// Transport establishes a cursor-aware channel that delivers ordered
// batches of document patches and a terminal finished signal. The wire
// choice (HTTP push, WebSocket, or interval polling) is a deployment
// detail hidden behind this interface.
type Transport interface {
	// Connect opens the channel for the endpoint. A non-negative
	// sinceBatchID asks the server to skip batches at or below that id.
	Connect(ctx context.Context, endpoint string, sinceBatchID int64) (Conn, error)
}

// Conn is one established patch channel.
type Conn interface {
	// Recv blocks for the next stream message. It returns io.EOF when the
	// channel closes and schema.ErrInvalidPayload (wrapped) for messages
	// that could not be decoded; the caller drops those and continues.
	Recv(ctx context.Context) (schema.StreamMessage, error)
	Close() error
}
