package domain

import "encoding/json"

// State is the position of a run in the development cycle.
type State string

const (
	StateSelecting     State = "selecting"
	StateAnalyzing     State = "analyzing"
	StatePlanPending   State = "plan_pending"
	StateBranching     State = "branching"
	StateWritingTests  State = "writing_tests"
	StateImplementing  State = "implementing"
	StateRefactoring   State = "refactoring"
	StateGateBuild     State = "gate_build"
	StateGateTest      State = "gate_test"
	StateGateStatic    State = "gate_static_analysis"
	StateGateSecurity  State = "gate_security_scan"
	StatePRCreated     State = "pr_created"
	StateMonitoringCI  State = "monitoring_ci"
	StateReviewPending State = "review_pending"
	StateMergePending  State = "merge_pending"
	StateMerged        State = "merged"
	StateCompleted     State = "completed"
	StateEscalated     State = "escalated"
	StateAborted       State = "aborted"
)

// Terminal reports whether a run in this state makes no further progress.
// Escalated is terminal for autonomous progress but resumable by a human.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// GateType identifies a quality gate.
type GateType string

const (
	GateBuild    GateType = "build"
	GateTest     GateType = "test"
	GateStatic   GateType = "static-analysis"
	GateSecurity GateType = "security-scan"
)

// GateTypes lists gates in execution order.
var GateTypes = []GateType{GateBuild, GateTest, GateStatic, GateSecurity}

// GateState maps a gate type to the run state that executes it.
func GateState(g GateType) State {
	switch g {
	case GateBuild:
		return StateGateBuild
	case GateTest:
		return StateGateTest
	case GateStatic:
		return StateGateStatic
	case GateSecurity:
		return StateGateSecurity
	}
	return ""
}

// StateGate is the inverse of GateState; ok is false for non-gate states.
func StateGate(s State) (GateType, bool) {
	switch s {
	case StateGateBuild:
		return GateBuild, true
	case StateGateTest:
		return GateTest, true
	case StateGateStatic:
		return GateStatic, true
	case StateGateSecurity:
		return GateSecurity, true
	}
	return "", false
}

// ActorKind distinguishes who caused an event.
type ActorKind string

const (
	ActorSystem   ActorKind = "system"
	ActorHuman    ActorKind = "human"
	ActorExternal ActorKind = "external"
)

// EventType is the closed enumeration of recordable facts.
type EventType string

const (
	EventIssueSelected       EventType = "run.issue_selected"
	EventPlanDrafted         EventType = "plan.drafted"
	EventApprovalRequested   EventType = "approval.requested"
	EventApprovalProvided    EventType = "approval.provided"
	EventBranchCreated       EventType = "branch.created"
	EventTestsWritten        EventType = "tests.written"
	EventCodeImplemented     EventType = "code.implemented"
	EventRefactorCompleted   EventType = "refactor.completed"
	EventGateAttempt         EventType = "gate.attempt"
	EventFixSuggested        EventType = "gate.fix_suggested"
	EventRetryExhausted      EventType = "gate.retry_exhausted"
	EventEscalationTriggered EventType = "escalation.triggered"
	EventEscalationResolved  EventType = "escalation.resolved"
	EventPROpened            EventType = "pr.opened"
	EventCIStatus            EventType = "ci.status"
	EventPRMerged            EventType = "pr.merged"
	EventStepFailed          EventType = "step.failed"
	EventRunCompleted        EventType = "run.completed"
	EventRunAborted          EventType = "run.aborted"
)

// KnownEventType reports whether t belongs to the closed enumeration.
// Unknown types quarantine a run instead of being guessed at.
func KnownEventType(t EventType) bool {
	switch t {
	case EventIssueSelected, EventPlanDrafted, EventApprovalRequested,
		EventApprovalProvided, EventBranchCreated, EventTestsWritten,
		EventCodeImplemented, EventRefactorCompleted, EventGateAttempt,
		EventFixSuggested, EventRetryExhausted, EventEscalationTriggered,
		EventEscalationResolved, EventPROpened, EventCIStatus, EventPRMerged,
		EventStepFailed, EventRunCompleted, EventRunAborted:
		return true
	}
	return false
}

// SchemaVersion is stamped on every appended event.
const SchemaVersion = 1

// Event is an immutable fact in a run's history. Events are appended once and
// never updated or deleted; all run state is a fold over them.
type Event struct {
	ID            int64           `json:"id"`
	EventID       string          `json:"event_id"`
	RunID         string          `json:"run_id"`
	Seq           int64           `json:"seq"`
	TSMillis      int64           `json:"ts_ms"`
	Type          EventType       `json:"type"`
	ActorKind     ActorKind       `json:"actor_kind" enum:"system,human,external"`
	ActorID       string          `json:"actor_id"`
	Payload       json.RawMessage `json:"payload"`
	SchemaVersion int             `json:"schema_version"`
}

// GateOutcome is the result of one gate attempt.
type GateOutcome string

const (
	OutcomePass  GateOutcome = "pass"
	OutcomeFail  GateOutcome = "fail"
	OutcomeError GateOutcome = "error"
)

// GateAttempt records one retry instance of a quality gate.
type GateAttempt struct {
	Gate       GateType    `json:"gate"`
	Attempt    int         `json:"attempt"`
	Outcome    GateOutcome `json:"outcome"`
	Diagnostic string      `json:"diagnostic,omitempty"`
}

// ApprovalType identifies what kind of human decision a run is waiting for.
type ApprovalType string

const (
	ApprovalPlan           ApprovalType = "plan"
	ApprovalMerge          ApprovalType = "merge"
	ApprovalRefactor       ApprovalType = "refactor"
	ApprovalBreakingChange ApprovalType = "breaking-change"
	ApprovalDeletion       ApprovalType = "deletion"
)

// Decision values for a provided approval.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionEdited   Decision = "edited"
)

// ApprovalRequest describes the decision a parked run awaits.
type ApprovalRequest struct {
	Type    ApprovalType `json:"type"`
	Context string       `json:"context,omitempty"`
}

// Escalation is a forced handoff to a human.
type Escalation struct {
	Reason   string        `json:"reason"`
	Gate     GateType      `json:"gate,omitempty"`
	Attempts []GateAttempt `json:"attempts,omitempty"`
}

// RunProjection is the in-memory state of a run derived by folding its events.
// It is a cache; the event log is authoritative.
type RunProjection struct {
	RunID           string           `json:"run_id"`
	State           State            `json:"state"`
	PrevState       State            `json:"prev_state,omitempty"`
	IssueRef        string           `json:"issue_ref,omitempty"`
	PlanSummary     string           `json:"plan_summary,omitempty"`
	BreakingChange  bool             `json:"breaking_change,omitempty"`
	Branch          string           `json:"branch,omitempty"`
	PRNumber        int              `json:"pr_number,omitempty"`
	RetryCounters   map[GateType]int `json:"retry_counters,omitempty"`
	Attempts        []GateAttempt    `json:"attempts,omitempty"`
	FixSuggested    bool             `json:"fix_suggested,omitempty"`
	PendingApproval *ApprovalRequest `json:"pending_approval,omitempty"`
	MergeApproved   bool             `json:"merge_approved,omitempty"`
	CIFailed        bool             `json:"ci_failed,omitempty"`
	Escalation      *Escalation      `json:"escalation,omitempty"`
	LastSeq         int64            `json:"last_seq"`
	LastTSMillis    int64            `json:"last_ts_ms"`
}

// NewRunProjection is the zero-event projection for a run.
func NewRunProjection(runID string) RunProjection {
	return RunProjection{
		RunID:         runID,
		State:         StateSelecting,
		RetryCounters: map[GateType]int{},
		LastSeq:       -1,
	}
}

// RunSnapshot is the persisted cache row for a run, used for listing and
// restart discovery. Rebuildable from events at any time.
type RunSnapshot struct {
	RunID     string `json:"run_id"`
	State     State  `json:"state"`
	IssueRef  string `json:"issue_ref,omitempty"`
	LastSeq   int64  `json:"last_seq"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// APIKey authenticates an operator on the HTTP surface.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
