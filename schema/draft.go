package schema

import (
	"encoding/json"
	"slices"
)

// DraftKind distinguishes the two draft records an attempt can hold.
type DraftKind string

const (
	// DraftFollowUp is the follow-up instruction draft.
	DraftFollowUp DraftKind = "follow_up"
	// DraftRetry is the retry-from-process draft.
	DraftRetry DraftKind = "retry"
)

// Valid reports whether the kind is one of the known draft kinds.
func (k DraftKind) Valid() bool {
	return k == DraftFollowUp || k == DraftRetry
}

// Draft is the small shared record synchronized between the local editor
// and the server. Exactly one draft exists per (attempt, kind) pair.
type Draft struct {
	AttemptID      AttemptID  `json:"attempt_id"`
	Kind           DraftKind  `json:"draft_type"`
	RetryProcessID *ProcessID `json:"retry_process_id,omitempty"`
	Prompt         string     `json:"prompt"`
	Variant        *string    `json:"variant"`
	ImageIDs       []ImageID  `json:"image_ids,omitempty"`
	Queued         bool       `json:"queued"`
	Sending        bool       `json:"sending"`
	Version        int64      `json:"version"`
}

// Clone returns a deep copy of the draft.
func (d Draft) Clone() Draft {
	out := d
	if d.Variant != nil {
		v := *d.Variant
		out.Variant = &v
	}
	if d.RetryProcessID != nil {
		id := *d.RetryProcessID
		out.RetryProcessID = &id
	}
	out.ImageIDs = slices.Clone(d.ImageIDs)
	return out
}

// EqualContent reports whether the editable fields match, ignoring
// version and queue metadata.
func (d Draft) EqualContent(other Draft) bool {
	return d.Prompt == other.Prompt &&
		equalVariant(d.Variant, other.Variant) &&
		slices.Equal(d.ImageIDs, other.ImageIDs)
}

func equalVariant(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// UpdateDraftRequest is a partial update; only set fields are applied.
type UpdateDraftRequest struct {
	Prompt   *string    `json:"prompt,omitempty"`
	Variant  **string   `json:"-"`
	ImageIDs *[]ImageID `json:"image_ids,omitempty"`
	Version  *int64     `json:"version,omitempty"`
}

// Empty reports whether the update carries no changes.
func (r UpdateDraftRequest) Empty() bool {
	return r.Prompt == nil && r.Variant == nil && r.ImageIDs == nil
}

// MarshalJSON implements json.Marshaler. The variant field is doubly
// optional: absent means "unchanged", null means "clear".
func (r UpdateDraftRequest) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, 4)
	if r.Prompt != nil {
		fields["prompt"] = *r.Prompt
	}
	if r.Variant != nil {
		fields["variant"] = *r.Variant
	}
	if r.ImageIDs != nil {
		fields["image_ids"] = *r.ImageIDs
	}
	if r.Version != nil {
		fields["version"] = *r.Version
	}
	return json.Marshal(fields)
}

// UnmarshalJSON implements json.Unmarshaler, preserving the distinction
// between an absent variant and an explicit null.
func (r *UpdateDraftRequest) UnmarshalJSON(data []byte) error {
	var aux struct {
		Prompt   *string         `json:"prompt"`
		Variant  json.RawMessage `json:"variant"`
		ImageIDs *[]ImageID      `json:"image_ids"`
		Version  *int64          `json:"version"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	r.Prompt = aux.Prompt
	r.ImageIDs = aux.ImageIDs
	r.Version = aux.Version
	r.Variant = nil
	if _, ok := fields["variant"]; ok {
		var v *string
		if err := json.Unmarshal(aux.Variant, &v); err != nil {
			return err
		}
		r.Variant = &v
	}
	return nil
}

// SetQueueRequest toggles the queued flag with optional optimistic checks.
type SetQueueRequest struct {
	Queued          bool   `json:"queued"`
	ExpectedQueued  *bool  `json:"expected_queued,omitempty"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

// SetQueueResponse returns the new authoritative queue state and version.
type SetQueueResponse struct {
	Queued  bool  `json:"queued"`
	Version int64 `json:"version"`
}
