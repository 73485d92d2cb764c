// Package client is the REST surface of the orchestrator: process
// listings, final patch document snapshots and draft read/update/queue.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/weft/schema"
)

const defaultTimeout = 15 * time.Second

// Client talks to one orchestrator base URL.
type Client struct {
	baseURL string
	http    *http.Client
	log     pslog.Logger
}

// Option adjusts client construction.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) { c.log = logger }
}

// New constructs a client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		log:     pslog.Ctx(context.Background()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ListProcesses returns all execution processes recorded for the attempt,
// including dropped ones; callers filter for display.
func (c *Client) ListProcesses(ctx context.Context, attemptID schema.AttemptID) ([]schema.Process, error) {
	var processes []schema.Process
	path := fmt.Sprintf("/v1/attempts/%s/processes", attemptID)
	if err := c.get(ctx, path, &processes); err != nil {
		return nil, err
	}
	return processes, nil
}

// ProcessSnapshot fetches the final patch document of a terminal process.
// Entries that fail to decode are dropped with a warning instead of
// failing the whole snapshot.
func (c *Client) ProcessSnapshot(ctx context.Context, processID schema.ProcessID) (schema.PatchDocument, error) {
	var raw json.RawMessage
	path := fmt.Sprintf("/v1/processes/%s/document", processID)
	if err := c.get(ctx, path, &raw); err != nil {
		return schema.PatchDocument{}, err
	}
	return c.decodeDocument(raw, path), nil
}

// GetDraft fetches the authoritative draft record.
func (c *Client) GetDraft(ctx context.Context, attemptID schema.AttemptID, kind schema.DraftKind) (schema.Draft, error) {
	var draft schema.Draft
	path := fmt.Sprintf("/v1/attempts/%s/drafts/%s", attemptID, kind)
	if err := c.get(ctx, path, &draft); err != nil {
		return schema.Draft{}, err
	}
	return draft, nil
}

// UpdateDraft sends a partial draft update; only fields set in req are
// serialized. The server returns the updated record.
func (c *Client) UpdateDraft(ctx context.Context, attemptID schema.AttemptID, kind schema.DraftKind, req schema.UpdateDraftRequest) (schema.Draft, error) {
	if req.Empty() {
		return schema.Draft{}, fmt.Errorf("%w: empty draft update", schema.ErrInvalidPayload)
	}
	var draft schema.Draft
	path := fmt.Sprintf("/v1/attempts/%s/drafts/%s", attemptID, kind)
	if err := c.do(ctx, http.MethodPatch, path, req, &draft); err != nil {
		return schema.Draft{}, err
	}
	return draft, nil
}

// SetQueue flips the queued flag with optimistic concurrency checks and
// returns the resulting queue state and version.
func (c *Client) SetQueue(ctx context.Context, attemptID schema.AttemptID, kind schema.DraftKind, req schema.SetQueueRequest) (schema.SetQueueResponse, error) {
	var resp schema.SetQueueResponse
	path := fmt.Sprintf("/v1/attempts/%s/drafts/%s/queue", attemptID, kind)
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return schema.SetQueueResponse{}, err
	}
	return resp, nil
}

// FetchDraftDocument adapts GetDraft to the poll transport contract: it
// returns the draft serialized as a document with its version counter.
func (c *Client) FetchDraftDocument(attemptID schema.AttemptID, kind schema.DraftKind) func(ctx context.Context, endpoint string) (json.RawMessage, int64, error) {
	return func(ctx context.Context, endpoint string) (json.RawMessage, int64, error) {
		draft, err := c.GetDraft(ctx, attemptID, kind)
		if err != nil {
			return nil, 0, err
		}
		raw, err := json.Marshal(draft)
		if err != nil {
			return nil, 0, err
		}
		return raw, draft.Version, nil
	}
}

// StreamEndpoint returns the WebSocket path for a process patch stream.
func (c *Client) StreamEndpoint(processID schema.ProcessID) string {
	return wsBase(c.baseURL) + fmt.Sprintf("/v1/processes/%s/stream", processID)
}

// DraftStreamEndpoint returns the WebSocket path for a draft stream.
func (c *Client) DraftStreamEndpoint(attemptID schema.AttemptID, kind schema.DraftKind) string {
	return wsBase(c.baseURL) + fmt.Sprintf("/v1/attempts/%s/drafts/%s/stream", attemptID, kind)
}

func wsBase(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	url := c.baseURL + path
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.log.Trace("api request", "method", method, "path", path, "status", resp.StatusCode, "duration_ms", time.Since(started).Milliseconds())

	if err := statusError(resp, method, path); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func statusError(resp *http.Response, method, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	base := fmt.Errorf("request %s %s failed: %s; body=%s", method, path, resp.Status, strings.TrimSpace(string(snippet)))
	switch resp.StatusCode {
	case http.StatusNotFound:
		if strings.Contains(path, "/drafts/") {
			return fmt.Errorf("%w: %v", schema.ErrDraftNotFound, base)
		}
		return fmt.Errorf("%w: %v", schema.ErrProcessNotFound, base)
	case http.StatusConflict:
		return fmt.Errorf("%w: %v", schema.ErrDraftConflict, base)
	default:
		return base
	}
}

// decodeDocument decodes a patch document entry by entry so one malformed
// entry does not discard the rest of the snapshot.
func (c *Client) decodeDocument(raw json.RawMessage, path string) schema.PatchDocument {
	doc, dropped, err := schema.DecodeDocumentLenient(raw)
	if err != nil {
		c.log.Warn("snapshot document undecodable", "path", path, "err", err)
		return schema.PatchDocument{}
	}
	if dropped > 0 {
		c.log.Warn("snapshot entries dropped", "path", path, "dropped", dropped, "kept", len(doc.Entries))
	}
	return doc
}
