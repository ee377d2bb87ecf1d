package domain

import (
	"encoding/json"
	"fmt"
)

// Typed payloads, one per event kind that carries data.

type IssueSelectedPayload struct {
	IssueRef string `json:"issue_ref"`
	Title    string `json:"title,omitempty"`
}

type PlanDraftedPayload struct {
	Summary        string `json:"summary"`
	BreakingChange bool   `json:"breaking_change,omitempty"`
	TokenUsage     int    `json:"token_usage,omitempty"`
}

type ApprovalRequestedPayload struct {
	Type    ApprovalType `json:"type"`
	Context string       `json:"context,omitempty"`
}

type ApprovalProvidedPayload struct {
	Type      ApprovalType `json:"type"`
	Decision  Decision     `json:"decision"`
	DecidedBy string       `json:"decided_by"`
	Edits     string       `json:"edits,omitempty"`
}

type BranchCreatedPayload struct {
	Branch string `json:"branch"`
}

type CodeImplementedPayload struct {
	Refactor bool `json:"refactor,omitempty"`
}

type GateAttemptPayload struct {
	Gate       GateType    `json:"gate"`
	Attempt    int         `json:"attempt"`
	Outcome    GateOutcome `json:"outcome"`
	Diagnostic string      `json:"diagnostic,omitempty"`
}

type FixSuggestedPayload struct {
	Gate       GateType `json:"gate"`
	Attempt    int      `json:"attempt"`
	Suggestion string   `json:"suggestion,omitempty"`
}

type RetryExhaustedPayload struct {
	Gate     GateType      `json:"gate"`
	Attempts []GateAttempt `json:"attempts,omitempty"`
}

type EscalationTriggeredPayload struct {
	Reason   string        `json:"reason"`
	Gate     GateType      `json:"gate,omitempty"`
	Attempts []GateAttempt `json:"attempts,omitempty"`
}

type EscalationResolvedPayload struct {
	ResolvedBy string `json:"resolved_by"`
	Note       string `json:"note,omitempty"`
}

type PROpenedPayload struct {
	Number int    `json:"number"`
	URL    string `json:"url,omitempty"`
}

type CIStatusPayload struct {
	Status string `json:"status" enum:"pending,success,failure"`
	Logs   string `json:"logs,omitempty"`
}

type StepFailedPayload struct {
	Step   string `json:"step"`
	Reason string `json:"reason"`
}

type RunAbortedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// MarshalPayload encodes a typed payload for appending.
func MarshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage(`{}`), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return b, nil
}

// UnmarshalPayload decodes an event payload into out.
func UnmarshalPayload(e Event, out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
