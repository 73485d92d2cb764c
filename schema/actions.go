package schema

import (
	"encoding/json"
	"fmt"
)

// ActionType tags the ProcessAction variant on the wire.
type ActionType string

const (
	// ActionInitialRequest starts the first coding-agent turn of an attempt.
	ActionInitialRequest ActionType = "initial_request"
	// ActionFollowUpRequest continues an existing coding-agent session.
	ActionFollowUpRequest ActionType = "follow_up_request"
	// ActionScriptRequest runs a setup/cleanup/dev-server script.
	ActionScriptRequest ActionType = "script_request"
)

// ProcessAction is the tagged variant describing what a process executes.
type ProcessAction interface {
	Type() ActionType
	// Prompt returns the user prompt carried by the action, or "" for
	// actions without one.
	Prompt() string
}

// InitialRequest is the first coding-agent turn of an attempt.
type InitialRequest struct {
	PromptText string `json:"prompt"`
	Profile    string `json:"profile,omitempty"`
}

// Type implements ProcessAction.
func (InitialRequest) Type() ActionType { return ActionInitialRequest }

// Prompt implements ProcessAction.
func (a InitialRequest) Prompt() string { return a.PromptText }

// FollowUpRequest continues a coding-agent session with a new prompt.
type FollowUpRequest struct {
	PromptText string `json:"prompt"`
	Profile    string `json:"profile,omitempty"`
}

// Type implements ProcessAction.
func (FollowUpRequest) Type() ActionType { return ActionFollowUpRequest }

// Prompt implements ProcessAction.
func (a FollowUpRequest) Prompt() string { return a.PromptText }

// ScriptRequest runs a script; scripts may chain to a next action.
type ScriptRequest struct {
	Script     string        `json:"script"`
	Context    string        `json:"context,omitempty"`
	NextAction ProcessAction `json:"-"`
}

// Type implements ProcessAction.
func (ScriptRequest) Type() ActionType { return ActionScriptRequest }

// Prompt implements ProcessAction.
func (ScriptRequest) Prompt() string { return "" }

type actionEnvelope struct {
	Type       ActionType      `json:"type"`
	Prompt     string          `json:"prompt,omitempty"`
	Profile    string          `json:"profile,omitempty"`
	Script     string          `json:"script,omitempty"`
	Context    string          `json:"context,omitempty"`
	NextAction json.RawMessage `json:"next_action,omitempty"`
}

// MarshalAction encodes a ProcessAction with its type tag.
func MarshalAction(action ProcessAction) ([]byte, error) {
	if action == nil {
		return []byte("null"), nil
	}
	env := actionEnvelope{Type: action.Type()}
	switch a := action.(type) {
	case InitialRequest:
		env.Prompt = a.PromptText
		env.Profile = a.Profile
	case FollowUpRequest:
		env.Prompt = a.PromptText
		env.Profile = a.Profile
	case ScriptRequest:
		env.Script = a.Script
		env.Context = a.Context
		if a.NextAction != nil {
			next, err := MarshalAction(a.NextAction)
			if err != nil {
				return nil, err
			}
			env.NextAction = next
		}
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrInvalidPayload, action.Type())
	}
	return json.Marshal(env)
}

// UnmarshalAction decodes a tagged ProcessAction payload.
func UnmarshalAction(data []byte) (ProcessAction, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env actionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	switch env.Type {
	case ActionInitialRequest:
		return InitialRequest{PromptText: env.Prompt, Profile: env.Profile}, nil
	case ActionFollowUpRequest:
		return FollowUpRequest{PromptText: env.Prompt, Profile: env.Profile}, nil
	case ActionScriptRequest:
		action := ScriptRequest{Script: env.Script, Context: env.Context}
		if len(env.NextAction) > 0 {
			next, err := UnmarshalAction(env.NextAction)
			if err != nil {
				return nil, err
			}
			action.NextAction = next
		}
		return action, nil
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", ErrInvalidPayload, env.Type)
	}
}

// MarshalJSON implements json.Marshaler for Process so the action keeps its
// type tag.
func (p Process) MarshalJSON() ([]byte, error) {
	type alias Process
	action, err := MarshalAction(p.Action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		alias
		Action json.RawMessage `json:"action"`
	}{alias: alias(p), Action: action})
}

// UnmarshalJSON implements json.Unmarshaler for Process.
func (p *Process) UnmarshalJSON(data []byte) error {
	type alias Process
	var aux struct {
		alias
		Action json.RawMessage `json:"action"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	action, err := UnmarshalAction(aux.Action)
	if err != nil {
		return err
	}
	*p = Process(aux.alias)
	p.Action = action
	return nil
}
