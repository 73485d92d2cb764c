package schema

import "encoding/json"

// TimelineEntry is one element of the merged, chronologically ordered
// conversation timeline, keyed by (process id, local index).
type TimelineEntry struct {
	ProcessID  ProcessID
	LocalIndex int
	Entry      PatchEntry
}

type timelineWire struct {
	ProcessID  ProcessID       `json:"process_id"`
	LocalIndex int             `json:"local_index"`
	Entry      json.RawMessage `json:"entry"`
}

// MarshalJSON implements json.Marshaler.
func (e TimelineEntry) MarshalJSON() ([]byte, error) {
	entry, err := MarshalEntry(e.Entry)
	if err != nil {
		return nil, err
	}
	return json.Marshal(timelineWire{
		ProcessID:  e.ProcessID,
		LocalIndex: e.LocalIndex,
		Entry:      entry,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *TimelineEntry) UnmarshalJSON(data []byte) error {
	var wire timelineWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	entry, err := UnmarshalEntry(wire.Entry)
	if err != nil {
		return err
	}
	e.ProcessID = wire.ProcessID
	e.LocalIndex = wire.LocalIndex
	e.Entry = entry
	return nil
}
