package schema

import (
	"encoding/json"
	"fmt"
)

// EntryKind tags the PatchEntry variant on the wire.
type EntryKind string

const (
	// EntryNormalized is a semantic conversation item.
	EntryNormalized EntryKind = "normalized_entry"
	// EntryRawLine is a raw stdout/stderr line.
	EntryRawLine EntryKind = "raw_line"
	// EntryDiffFragment is a file diff fragment.
	EntryDiffFragment EntryKind = "diff_fragment"
)

// NormalizedKind classifies a semantic conversation item.
type NormalizedKind string

const (
	// KindUserMessage is a user prompt entry.
	KindUserMessage NormalizedKind = "user_message"
	// KindAssistantMessage is an assistant output entry.
	KindAssistantMessage NormalizedKind = "assistant_message"
	// KindToolUse is a tool call entry.
	KindToolUse NormalizedKind = "tool_use"
	// KindSystemMessage is a system notice entry.
	KindSystemMessage NormalizedKind = "system_message"
	// KindErrorMessage is an error entry.
	KindErrorMessage NormalizedKind = "error_message"
	// KindThinking is a reasoning entry.
	KindThinking NormalizedKind = "thinking"
	// KindLoading is a placeholder while a stream has produced nothing yet.
	KindLoading NormalizedKind = "loading"
)

// ToolStatus reflects the outcome of a tool call entry.
type ToolStatus string

const (
	// ToolRunning marks a tool call still in progress.
	ToolRunning ToolStatus = "running"
	// ToolSuccess marks a completed tool call.
	ToolSuccess ToolStatus = "success"
	// ToolFailed marks a failed tool call.
	ToolFailed ToolStatus = "failed"
)

// RawChannel identifies the origin of a raw line.
type RawChannel string

const (
	// ChannelStdout marks stdout lines.
	ChannelStdout RawChannel = "stdout"
	// ChannelStderr marks stderr lines.
	ChannelStderr RawChannel = "stderr"
)

// PatchEntry is the tagged variant stored in a process patch document.
type PatchEntry interface {
	Kind() EntryKind
}

// NormalizedEntry is a semantic conversation item.
type NormalizedEntry struct {
	Timestamp string          `json:"timestamp,omitempty"`
	ItemKind  NormalizedKind  `json:"entry_kind"`
	Content   string          `json:"content"`
	ToolName  string          `json:"tool_name,omitempty"`
	Status    ToolStatus      `json:"status,omitempty"`
	ExitCode  *int64          `json:"exit_code,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Kind implements PatchEntry.
func (NormalizedEntry) Kind() EntryKind { return EntryNormalized }

// RawLine is one line of raw process output.
type RawLine struct {
	Channel RawChannel `json:"channel"`
	Line    string     `json:"line"`
}

// Kind implements PatchEntry.
func (RawLine) Kind() EntryKind { return EntryRawLine }

// DiffFragment is a unified diff chunk for one file.
type DiffFragment struct {
	Path string `json:"path"`
	Diff string `json:"diff"`
}

// Kind implements PatchEntry.
func (DiffFragment) Kind() EntryKind { return EntryDiffFragment }

type entryEnvelope struct {
	Type    EntryKind       `json:"type"`
	Content json.RawMessage `json:"content"`
}

// MarshalEntry encodes a PatchEntry with its type tag.
func MarshalEntry(entry PatchEntry) ([]byte, error) {
	if entry == nil {
		return nil, fmt.Errorf("%w: nil entry", ErrInvalidPayload)
	}
	content, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entryEnvelope{Type: entry.Kind(), Content: content})
}

// UnmarshalEntry decodes a tagged PatchEntry payload.
func UnmarshalEntry(data []byte) (PatchEntry, error) {
	var env entryEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	switch env.Type {
	case EntryNormalized:
		var entry NormalizedEntry
		if err := json.Unmarshal(env.Content, &entry); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return entry, nil
	case EntryRawLine:
		var entry RawLine
		if err := json.Unmarshal(env.Content, &entry); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return entry, nil
	case EntryDiffFragment:
		var entry DiffFragment
		if err := json.Unmarshal(env.Content, &entry); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return entry, nil
	default:
		return nil, fmt.Errorf("%w: unknown entry type %q", ErrInvalidPayload, env.Type)
	}
}

// PatchDocument is the append-only per-process document patch streams
// mutate. It only grows until the process finishes.
type PatchDocument struct {
	Entries []PatchEntry `json:"entries"`
}

// EmptyDocumentJSON is the initial mirror value for a fresh stream.
const EmptyDocumentJSON = `{"entries":[]}`

// MarshalJSON implements json.Marshaler.
func (d PatchDocument) MarshalJSON() ([]byte, error) {
	entries := make([]json.RawMessage, 0, len(d.Entries))
	for _, entry := range d.Entries {
		raw, err := MarshalEntry(entry)
		if err != nil {
			return nil, err
		}
		entries = append(entries, raw)
	}
	return json.Marshal(struct {
		Entries []json.RawMessage `json:"entries"`
	}{Entries: entries})
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *PatchDocument) UnmarshalJSON(data []byte) error {
	var aux struct {
		Entries []json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	entries := make([]PatchEntry, 0, len(aux.Entries))
	for _, raw := range aux.Entries {
		entry, err := UnmarshalEntry(raw)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}
	d.Entries = entries
	return nil
}

// DecodeDocumentLenient decodes a patch document entry by entry, dropping
// entries that fail to decode so one malformed or unknown entry does not
// discard the rest. It returns the document and the number of dropped
// entries; the error is non-nil only when the envelope itself is
// undecodable.
func DecodeDocumentLenient(data []byte) (PatchDocument, int, error) {
	var aux struct {
		Entries []json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return PatchDocument{}, 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	doc := PatchDocument{Entries: make([]PatchEntry, 0, len(aux.Entries))}
	dropped := 0
	for _, raw := range aux.Entries {
		entry, err := UnmarshalEntry(raw)
		if err != nil {
			dropped++
			continue
		}
		doc.Entries = append(doc.Entries, entry)
	}
	return doc, dropped, nil
}

// Clone returns a deep copy of the document.
func (d PatchDocument) Clone() PatchDocument {
	out := PatchDocument{Entries: make([]PatchEntry, len(d.Entries))}
	copy(out.Entries, d.Entries)
	return out
}
