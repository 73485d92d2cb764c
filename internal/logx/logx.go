package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/weft/schema"
)

type contextKey int

const (
	attemptKey contextKey = iota
	processKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithAttempt annotates the logger with the attempt id if present.
func WithAttempt(ctx context.Context, attemptID schema.AttemptID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if attemptID != (schema.AttemptID{}) {
		if current, ok := ctx.Value(attemptKey).(schema.AttemptID); ok && current == attemptID {
			return log
		}
		log = log.With("attempt", attemptID)
	}
	return log
}

// WithAttemptProcess annotates the logger with attempt and process ids.
func WithAttemptProcess(ctx context.Context, attemptID schema.AttemptID, processID schema.ProcessID) pslog.Logger {
	log := WithAttempt(ctx, attemptID)
	if processID != (schema.ProcessID{}) {
		if current, ok := ctx.Value(processKey).(schema.ProcessID); ok && current == processID {
			return log
		}
		log = log.With("process", processID)
	}
	return log
}

// WithDraft annotates the logger with a draft kind when available.
func WithDraft(log pslog.Logger, kind schema.DraftKind) pslog.Logger {
	if kind != "" {
		log = log.With("draft", string(kind))
	}
	return log
}

// ContextWithAttempt stores the attempt marker on the context for log
// de-duplication.
func ContextWithAttempt(ctx context.Context, attemptID schema.AttemptID) context.Context {
	if ctx == nil || attemptID == (schema.AttemptID{}) {
		return ctx
	}
	return context.WithValue(ctx, attemptKey, attemptID)
}

// ContextWithProcess stores the process marker on the context for log
// de-duplication.
func ContextWithProcess(ctx context.Context, processID schema.ProcessID) context.Context {
	if ctx == nil || processID == (schema.ProcessID{}) {
		return ctx
	}
	return context.WithValue(ctx, processKey, processID)
}

// ContextWithAttemptLogger attaches the logger and attempt marker to the
// context.
func ContextWithAttemptLogger(ctx context.Context, log pslog.Logger, attemptID schema.AttemptID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithAttempt(ctx, attemptID)
}
