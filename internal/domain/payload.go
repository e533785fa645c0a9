package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JobKind selects the generation the worker performs.
type JobKind string

const (
	// JobKindText generates free text from the prompt.
	JobKindText JobKind = "text"
	// JobKindAgentPrompt turns a short agent description into a full
	// system prompt for a voice agent.
	JobKindAgentPrompt JobKind = "agent_prompt"
)

// MaxPromptLength bounds the prompt accepted in a payload.
const MaxPromptLength = 16000

// Payload is the decoded form of a job's opaque payload.
type Payload struct {
	Kind        JobKind `json:"kind"`
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	ContentType string  `json:"content_type,omitempty"`
}

// ParsePayload decodes and validates raw. Unknown fields are ignored and a
// missing kind defaults to text.
func ParsePayload(raw json.RawMessage) (*Payload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: payload is empty", ErrInvalidPayload)
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if p.Kind == "" {
		p.Kind = JobKindText
	}

	switch p.Kind {
	case JobKindText, JobKindAgentPrompt:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, p.Kind)
	}

	if strings.TrimSpace(p.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidPayload)
	}
	if len(p.Prompt) > MaxPromptLength {
		return nil, fmt.Errorf("%w: prompt exceeds %d bytes", ErrInvalidPayload, MaxPromptLength)
	}

	return &p, nil
}
