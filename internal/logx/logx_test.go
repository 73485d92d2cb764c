package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"pkt.systems/pslog"
	"pkt.systems/weft/schema"
)

func TestWithAttemptAddsField(t *testing.T) {
	capture := &logCapture{}
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	attemptID := uuid.New()
	ctx := pslog.ContextWithLogger(context.Background(), logger)
	WithAttempt(ctx, attemptID).Info("hello")

	entry := capture.firstEntry(t)
	if entry["attempt"] != attemptID.String() {
		t.Fatalf("expected attempt field, got %+v", entry)
	}
}

func TestWithAttemptProcessAddsFields(t *testing.T) {
	capture := &logCapture{}
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	attemptID := uuid.New()
	processID := uuid.New()
	ctx := pslog.ContextWithLogger(context.Background(), logger)
	WithAttemptProcess(ctx, attemptID, processID).Info("hello")

	entry := capture.firstEntry(t)
	if entry["attempt"] != attemptID.String() {
		t.Fatalf("expected attempt field, got %+v", entry)
	}
	if entry["process"] != processID.String() {
		t.Fatalf("expected process field, got %+v", entry)
	}
}

func TestWithAttemptSkipsDuplicateMarker(t *testing.T) {
	capture := &logCapture{}
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	attemptID := uuid.New()
	ctx := pslog.ContextWithLogger(context.Background(), logger.With("attempt", attemptID))
	ctx = ContextWithAttempt(ctx, attemptID)
	WithAttempt(ctx, attemptID).Info("hello")

	entry := capture.firstEntry(t)
	if entry["attempt"] != attemptID.String() {
		t.Fatalf("expected attempt field, got %+v", entry)
	}
}

func TestWithDraftAddsKind(t *testing.T) {
	capture := &logCapture{}
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	WithDraft(logger, schema.DraftFollowUp).Info("hello")

	entry := capture.firstEntry(t)
	if entry["draft"] != "follow_up" {
		t.Fatalf("expected draft field, got %+v", entry)
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
