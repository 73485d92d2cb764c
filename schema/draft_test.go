package schema

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestDraftCloneIsDeep(t *testing.T) {
	variant := "sonnet"
	draft := Draft{
		AttemptID: uuid.New(),
		Kind:      DraftFollowUp,
		Prompt:    "please continue",
		Variant:   &variant,
		ImageIDs:  []ImageID{uuid.New()},
		Version:   3,
	}
	clone := draft.Clone()
	*clone.Variant = "opus"
	clone.ImageIDs[0] = uuid.New()
	if *draft.Variant != "sonnet" {
		t.Fatalf("clone mutated variant")
	}
	if clone.ImageIDs[0] == draft.ImageIDs[0] {
		t.Fatalf("clone shares image id slice")
	}
}

func TestDraftEqualContent(t *testing.T) {
	a := Draft{Prompt: "x", ImageIDs: []ImageID{}}
	b := Draft{Prompt: "x", Version: 9, Queued: true}
	if !a.EqualContent(b) {
		t.Fatalf("expected equal content ignoring metadata")
	}
	variant := "v"
	b.Variant = &variant
	if a.EqualContent(b) {
		t.Fatalf("expected variant difference to be detected")
	}
}

func TestUpdateDraftRequestVariantTristate(t *testing.T) {
	// Absent variant.
	data, err := json.Marshal(UpdateDraftRequest{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded UpdateDraftRequest
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Variant != nil {
		t.Fatalf("expected absent variant to stay absent")
	}

	// Explicit null clears the variant.
	var cleared *string
	data, err = json.Marshal(UpdateDraftRequest{Variant: &cleared})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Variant == nil || *decoded.Variant != nil {
		t.Fatalf("expected explicit null variant, got %+v", decoded.Variant)
	}

	// Concrete value.
	value := "fast"
	set := &value
	data, err = json.Marshal(UpdateDraftRequest{Variant: &set})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Variant == nil || *decoded.Variant == nil || **decoded.Variant != "fast" {
		t.Fatalf("expected variant fast, got %+v", decoded.Variant)
	}
}

func TestUpdateDraftRequestEmpty(t *testing.T) {
	if !(UpdateDraftRequest{}).Empty() {
		t.Fatalf("expected zero request to be empty")
	}
	prompt := "p"
	if (UpdateDraftRequest{Prompt: &prompt}).Empty() {
		t.Fatalf("expected prompt update to be non-empty")
	}
	version := int64(5)
	if !(UpdateDraftRequest{Version: &version}).Empty() {
		t.Fatalf("version alone carries no changes")
	}
}

func TestStreamMessageEnvelopes(t *testing.T) {
	cases := []string{
		`{"json_patch":{"batch_id":4,"patches":[{"op":"add","path":"/entries/0","value":{"type":"raw_line","content":{"channel":"stdout","line":"x"}}}]}}`,
		`{"batch_id":4,"patches":[]}`,
	}
	for _, raw := range cases {
		var msg StreamMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		if msg.Kind != MessageBatch || msg.BatchID != 4 {
			t.Fatalf("unexpected message: %+v", msg)
		}
	}
	for _, raw := range []string{`{"finished":true}`, `{"finished":{"finished":true}}`} {
		var msg StreamMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		if msg.Kind != MessageFinished {
			t.Fatalf("expected finished, got %+v", msg)
		}
	}
	var msg StreamMessage
	if err := json.Unmarshal([]byte(`{"nonsense":1}`), &msg); err == nil {
		t.Fatalf("expected error for unrecognized envelope")
	}
}

func TestNormalizeEngineConfigDefaults(t *testing.T) {
	cfg := NormalizeEngineConfig(EngineConfig{})
	if cfg.MinInitialEntries != DefaultMinInitialEntries {
		t.Fatalf("expected default min entries, got %d", cfg.MinInitialEntries)
	}
	if cfg.AutosaveDebounce != DefaultAutosaveDebounce {
		t.Fatalf("expected default debounce, got %v", cfg.AutosaveDebounce)
	}
	cfg = NormalizeEngineConfig(EngineConfig{MinInitialEntries: 2})
	if cfg.MinInitialEntries != 2 {
		t.Fatalf("expected explicit value preserved, got %d", cfg.MinInitialEntries)
	}
}
