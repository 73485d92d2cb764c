package schema

import "errors"

var (
	// ErrInvalidPayload indicates a malformed server payload.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrStaleBatch indicates a batch id at or below the current cursor.
	ErrStaleBatch = errors.New("stale batch")
	// ErrPatchFailed indicates a batch could not be applied to the mirror.
	ErrPatchFailed = errors.New("patch application failed")
	// ErrStreamFinished indicates the stream delivered its terminal signal.
	ErrStreamFinished = errors.New("stream finished")
	// ErrProcessNotFound indicates an unknown execution process.
	ErrProcessNotFound = errors.New("process not found")
	// ErrDraftNotFound indicates no draft exists for the attempt and kind.
	ErrDraftNotFound = errors.New("draft not found")
	// ErrDraftConflict indicates a rejected draft save or queue toggle.
	ErrDraftConflict = errors.New("draft conflict")
	// ErrQueueLocked indicates edits are rejected while the draft is queued.
	ErrQueueLocked = errors.New("draft is queued")
	// ErrAttemptMismatch indicates a continuation outlived its attempt.
	ErrAttemptMismatch = errors.New("attempt changed")
	// ErrInvalidDraftKind indicates an unknown draft kind.
	ErrInvalidDraftKind = errors.New("invalid draft kind")
)
