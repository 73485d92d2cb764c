package schema

import (
	"encoding/json"
	"fmt"
)

// MessageKind tags a stream envelope.
type MessageKind string

const (
	// MessageBatch carries an ordered group of JSON Patch operations.
	MessageBatch MessageKind = "json_patch"
	// MessageFinished signals that no more batches will arrive.
	MessageFinished MessageKind = "finished"
)

// StreamMessage is one envelope received from a patch stream: either a
// batch of document patches with a cursor id, or the terminal finished
// signal.
type StreamMessage struct {
	Kind    MessageKind
	BatchID int64
	// Patches is the raw JSON Patch array for batch messages.
	Patches json.RawMessage
}

type batchWire struct {
	BatchID int64           `json:"batch_id"`
	Patches json.RawMessage `json:"patches"`
}

type finishedWire struct {
	Finished bool `json:"finished"`
}

// MarshalJSON implements json.Marshaler.
func (m StreamMessage) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case MessageBatch:
		return json.Marshal(map[string]any{
			string(MessageBatch): batchWire{BatchID: m.BatchID, Patches: m.Patches},
		})
	case MessageFinished:
		return json.Marshal(finishedWire{Finished: true})
	default:
		return nil, fmt.Errorf("%w: unknown message kind %q", ErrInvalidPayload, m.Kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler. Both the named-variant shape
// ({"json_patch": {...}} / {"finished": {...}}) and the flat shape
// ({"batch_id": ..., "patches": [...]} / {"finished": true}) are accepted;
// the two endpoint families reuse the same envelope.
func (m *StreamMessage) UnmarshalJSON(data []byte) error {
	var variants map[string]json.RawMessage
	if err := json.Unmarshal(data, &variants); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if raw, ok := variants[string(MessageBatch)]; ok {
		var batch batchWire
		if err := json.Unmarshal(raw, &batch); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		*m = StreamMessage{Kind: MessageBatch, BatchID: batch.BatchID, Patches: batch.Patches}
		return nil
	}
	if raw, ok := variants[string(MessageFinished)]; ok {
		var finished bool
		if err := json.Unmarshal(raw, &finished); err == nil && finished {
			*m = StreamMessage{Kind: MessageFinished}
			return nil
		}
		var wire finishedWire
		if err := json.Unmarshal(raw, &wire); err != nil || !wire.Finished {
			return fmt.Errorf("%w: malformed finished message", ErrInvalidPayload)
		}
		*m = StreamMessage{Kind: MessageFinished}
		return nil
	}
	if _, ok := variants["patches"]; ok {
		var batch batchWire
		if err := json.Unmarshal(data, &batch); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		*m = StreamMessage{Kind: MessageBatch, BatchID: batch.BatchID, Patches: batch.Patches}
		return nil
	}
	return fmt.Errorf("%w: unrecognized stream envelope", ErrInvalidPayload)
}
