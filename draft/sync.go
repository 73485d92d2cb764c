package draft

import (
	"context"
	"encoding/json"
	"slices"

	"pkt.systems/weft/schema"
	"pkt.systems/weft/stream"
)

// autosaveFire runs when the debounce window elapses.
func (e *Engine) autosaveFire() {
	e.mu.Lock()
	if e.closed || e.inFlight {
		e.mu.Unlock()
		return
	}
	if e.suppressNext {
		// One cycle is skipped after a failed save so the engine does not
		// immediately re-send against stale assumptions.
		e.suppressNext = false
		e.mu.Unlock()
		return
	}
	if e.buffer.Queued {
		e.mu.Unlock()
		return
	}
	ctx := e.baseCtx
	e.mu.Unlock()
	_ = e.Flush(ctx)
}

// Flush saves the buffer immediately, bypassing the debounce. An empty
// field diff or a diff identical to the previous send is a no-op.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return context.Canceled
	}
	req := e.diffLocked()
	if req.Empty() {
		e.mu.Unlock()
		return nil
	}
	fingerprint, err := json.Marshal(req)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if string(fingerprint) == e.lastSent {
		e.mu.Unlock()
		return nil
	}
	if e.appliedVersion >= 0 {
		version := e.appliedVersion
		req.Version = &version
	}
	e.inFlight = true
	e.editedInFlight = false
	e.status = StatusSaving
	snapshot := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snapshot)

	updated, err := e.api.UpdateDraft(ctx, e.attemptID, e.kind, req)
	if err != nil {
		e.recoverSave(ctx, err)
		return err
	}

	e.mu.Lock()
	e.inFlight = false
	e.lastSent = string(fingerprint)
	e.lastApplied = updated.Clone()
	if updated.Version > e.appliedVersion {
		e.appliedVersion = updated.Version
	}
	e.buffer.Version = updated.Version
	e.buffer.Queued = updated.Queued
	e.buffer.Sending = updated.Sending
	// Dirt survives only if the user kept typing during the request.
	if !e.editedInFlight {
		e.promptDirty = false
		e.imagesDirty = false
		e.clearJournalLocked()
	} else {
		e.journalLocked()
		e.restartDebounceLocked()
	}
	e.status = StatusSaved
	snapshot = e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snapshot)
	return nil
}

// diffLocked computes the field-level difference between the buffer and
// the last known server copy, compared by value.
func (e *Engine) diffLocked() schema.UpdateDraftRequest {
	var req schema.UpdateDraftRequest
	if e.buffer.Prompt != e.lastApplied.Prompt {
		prompt := e.buffer.Prompt
		req.Prompt = &prompt
	}
	if !equalVariantValue(e.buffer.Variant, e.lastApplied.Variant) {
		variant := e.buffer.Variant
		if variant != nil {
			v := *variant
			variant = &v
		}
		req.Variant = &variant
	}
	if !slices.Equal(e.buffer.ImageIDs, e.lastApplied.ImageIDs) {
		ids := slices.Clone(e.buffer.ImageIDs)
		req.ImageIDs = &ids
	}
	return req
}

func equalVariantValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// recoverSave falls back to the authoritative server copy after a failed
// save: the next autosave cycle is suppressed and the engine reports
// offline rather than failing loudly.
func (e *Engine) recoverSave(ctx context.Context, cause error) {
	e.log.Warn("draft save failed", "err", cause)
	e.mu.Lock()
	e.inFlight = false
	e.suppressNext = true
	e.status = StatusOffline
	e.journalLocked()
	snapshot := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snapshot)

	authoritative, err := e.api.GetDraft(ctx, e.attemptID, e.kind)
	if err != nil {
		e.log.Warn("draft refetch failed", "err", err)
		return
	}
	e.ApplyServer(authoritative)
}

// Queue flushes the buffer immediately and then sets the queued flag
// with optimistic checks. While queued, edits are locked and autosave is
// suppressed entirely.
func (e *Engine) Queue(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return context.Canceled
	}
	if e.buffer.Queued || e.queue == QueueQueued {
		e.mu.Unlock()
		return nil
	}
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	e.mu.Unlock()

	if err := e.Flush(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	expectedQueued := false
	expectedVersion := e.appliedVersion
	e.mu.Unlock()
	resp, err := e.api.SetQueue(ctx, e.attemptID, e.kind, schema.SetQueueRequest{
		Queued:          true,
		ExpectedQueued:  &expectedQueued,
		ExpectedVersion: &expectedVersion,
	})
	if err != nil {
		e.recoverQueue(ctx, err)
		return err
	}
	e.applyQueueResult(resp, StatusSent)
	return nil
}

// Unqueue clears the queued flag with optimistic checks.
func (e *Engine) Unqueue(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return context.Canceled
	}
	if !e.buffer.Queued && e.queue != QueueQueued {
		e.mu.Unlock()
		return nil
	}
	expectedQueued := true
	expectedVersion := e.appliedVersion
	e.queue = QueueUnqueuing
	snapshot := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snapshot)

	resp, err := e.api.SetQueue(ctx, e.attemptID, e.kind, schema.SetQueueRequest{
		Queued:          false,
		ExpectedQueued:  &expectedQueued,
		ExpectedVersion: &expectedVersion,
	})
	if err != nil {
		e.recoverQueue(ctx, err)
		return err
	}
	e.applyQueueResult(resp, StatusIdle)
	return nil
}

func (e *Engine) applyQueueResult(resp schema.SetQueueResponse, status Status) {
	e.mu.Lock()
	e.buffer.Queued = resp.Queued
	e.buffer.Version = resp.Version
	e.lastApplied.Queued = resp.Queued
	e.lastApplied.Version = resp.Version
	if resp.Version > e.appliedVersion {
		e.appliedVersion = resp.Version
	}
	if resp.Queued {
		e.queue = QueueQueued
	} else {
		e.queue = QueueNone
	}
	e.status = status
	snapshot := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snapshot)
}

// recoverQueue re-fetches the authoritative draft after a failed queue
// toggle so the local queued indicator never diverges for long.
func (e *Engine) recoverQueue(ctx context.Context, cause error) {
	e.log.Warn("queue toggle failed", "err", cause)
	e.mu.Lock()
	e.suppressNext = true
	if e.queue == QueueUnqueuing {
		e.queue = QueueQueued
	}
	e.status = StatusOffline
	snapshot := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snapshot)

	authoritative, err := e.api.GetDraft(ctx, e.attemptID, e.kind)
	if err != nil {
		e.log.Warn("draft refetch failed", "err", err)
		return
	}
	e.mu.Lock()
	// Force re-adoption of the queue flag even for an already-seen
	// version; a rejected toggle means local assumptions were wrong.
	if authoritative.Version >= e.appliedVersion {
		e.appliedVersion = authoritative.Version - 1
	}
	e.mu.Unlock()
	e.ApplyServer(authoritative)
}

// Run restores the journal, fetches the authoritative draft and then
// follows the draft stream until the context is canceled. The transport
// decides push or poll; both feed the same reconciliation.
func (e *Engine) Run(ctx context.Context, transport stream.Transport, endpoint string) error {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()

	if err := e.RestoreJournal(); err != nil {
		e.log.Warn("draft journal load failed", "err", err)
	}
	if initial, err := e.api.GetDraft(ctx, e.attemptID, e.kind); err != nil {
		e.log.Warn("initial draft fetch failed", "err", err)
	} else {
		e.ApplyServer(initial)
	}

	e.mu.Lock()
	mirror, err := json.Marshal(e.lastApplied)
	cursor := e.appliedVersion
	e.mu.Unlock()
	if err != nil {
		return err
	}

	asm := stream.NewAssemblerAt(mirror, cursor, func(doc json.RawMessage, settled bool) {
		var d schema.Draft
		if err := json.Unmarshal(doc, &d); err != nil {
			e.log.Warn("draft stream document undecodable", "err", err)
			return
		}
		e.ApplyServer(d)
	}, e.log)
	s := stream.NewStream(endpoint, transport, asm, e.cfg.ReconnectBackoff, e.log)
	return s.Run(ctx)
}
