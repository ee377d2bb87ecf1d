package server

import (
	"encoding/json"
	"time"

	"runline/internal/domain"
)

type StartRunRequest struct {
	IssueRef string `json:"issue_ref" example:"repo#42"`
	Title    string `json:"title,omitempty"`
}

type RunResponse struct {
	RunID           string                  `json:"run_id"`
	State           string                  `json:"state"`
	IssueRef        string                  `json:"issue_ref,omitempty"`
	PlanSummary     string                  `json:"plan_summary,omitempty"`
	BreakingChange  bool                    `json:"breaking_change,omitempty"`
	Branch          string                  `json:"branch,omitempty"`
	PRNumber        int                     `json:"pr_number,omitempty"`
	RetryCounters   map[string]int          `json:"retry_counters,omitempty"`
	PendingApproval *domain.ApprovalRequest `json:"pending_approval,omitempty"`
	Escalation      *domain.Escalation      `json:"escalation,omitempty"`
	LastSeq         int64                   `json:"last_seq"`
	UpdatedAt       string                  `json:"updated_at,omitempty" format:"date-time"`
}

type RunSummaryResponse struct {
	RunID     string `json:"run_id"`
	State     string `json:"state"`
	IssueRef  string `json:"issue_ref,omitempty"`
	LastSeq   int64  `json:"last_seq"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID            int64           `json:"id"`
	EventID       string          `json:"event_id"`
	RunID         string          `json:"run_id"`
	Seq           int64           `json:"seq"`
	TS            string          `json:"ts" format:"date-time"`
	Type          string          `json:"type"`
	ActorKind     string          `json:"actor_kind"`
	ActorID       string          `json:"actor_id"`
	Payload       json.RawMessage `json:"payload"`
	SchemaVersion int             `json:"schema_version"`
}

type DecisionRequest struct {
	Decision string `json:"decision" enum:"approved,rejected,edited"`
	Edits    string `json:"edits,omitempty"`
}

type AbortRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ResolveEscalationRequest struct {
	Note string `json:"note,omitempty"`
}

type EscalationResponse struct {
	RunID     string               `json:"run_id"`
	IssueRef  string               `json:"issue_ref,omitempty"`
	Reason    string               `json:"reason"`
	Gate      string               `json:"gate,omitempty"`
	Attempts  []domain.GateAttempt `json:"attempts,omitempty"`
	FromState string               `json:"from_state,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type CreateAPIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	// Key is returned exactly once at creation.
	Key string `json:"key"`
}

func runResponse(proj domain.RunProjection) RunResponse {
	counters := make(map[string]int, len(proj.RetryCounters))
	for g, n := range proj.RetryCounters {
		counters[string(g)] = n
	}
	return RunResponse{
		RunID:           proj.RunID,
		State:           string(proj.State),
		IssueRef:        proj.IssueRef,
		PlanSummary:     proj.PlanSummary,
		BreakingChange:  proj.BreakingChange,
		Branch:          proj.Branch,
		PRNumber:        proj.PRNumber,
		RetryCounters:   counters,
		PendingApproval: proj.PendingApproval,
		Escalation:      proj.Escalation,
		LastSeq:         proj.LastSeq,
		UpdatedAt:       time.UnixMilli(proj.LastTSMillis).UTC().Format(time.RFC3339),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:            e.ID,
		EventID:       e.EventID,
		RunID:         e.RunID,
		Seq:           e.Seq,
		TS:            time.UnixMilli(e.TSMillis).UTC().Format(time.RFC3339),
		Type:          string(e.Type),
		ActorKind:     string(e.ActorKind),
		ActorID:       e.ActorID,
		Payload:       e.Payload,
		SchemaVersion: e.SchemaVersion,
	}
}

func mapEvents(events []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse(e))
	}
	return out
}
