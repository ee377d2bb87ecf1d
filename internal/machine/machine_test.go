package machine_test

import (
	"errors"
	"reflect"
	"testing"

	"runline/internal/domain"
	"runline/internal/machine"
)

func evt(t *testing.T, seq int64, typ domain.EventType, payload any) domain.Event {
	t.Helper()
	raw, err := domain.MarshalPayload(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return domain.Event{
		RunID:         "run-1",
		Seq:           seq,
		TSMillis:      1000 + seq,
		Type:          typ,
		ActorKind:     domain.ActorSystem,
		ActorID:       "test",
		Payload:       raw,
		SchemaVersion: domain.SchemaVersion,
	}
}

func happyPath(t *testing.T) []domain.Event {
	t.Helper()
	passes := func(seq int64, g domain.GateType) domain.Event {
		return evt(t, seq, domain.EventGateAttempt, domain.GateAttemptPayload{Gate: g, Attempt: 1, Outcome: domain.OutcomePass})
	}
	return []domain.Event{
		evt(t, 0, domain.EventIssueSelected, domain.IssueSelectedPayload{IssueRef: "repo#7"}),
		evt(t, 1, domain.EventPlanDrafted, domain.PlanDraftedPayload{Summary: "add feature"}),
		evt(t, 2, domain.EventApprovalRequested, domain.ApprovalRequestedPayload{Type: domain.ApprovalPlan}),
		evt(t, 3, domain.EventApprovalProvided, domain.ApprovalProvidedPayload{Type: domain.ApprovalPlan, Decision: domain.DecisionApproved, DecidedBy: "alice"}),
		evt(t, 4, domain.EventBranchCreated, domain.BranchCreatedPayload{Branch: "runline/repo-7"}),
		evt(t, 5, domain.EventTestsWritten, nil),
		evt(t, 6, domain.EventCodeImplemented, domain.CodeImplementedPayload{}),
		passes(7, domain.GateBuild),
		passes(8, domain.GateTest),
		passes(9, domain.GateStatic),
		passes(10, domain.GateSecurity),
		evt(t, 11, domain.EventPROpened, domain.PROpenedPayload{Number: 101}),
		evt(t, 12, domain.EventCIStatus, domain.CIStatusPayload{Status: "success"}),
		evt(t, 13, domain.EventApprovalRequested, domain.ApprovalRequestedPayload{Type: domain.ApprovalMerge}),
		evt(t, 14, domain.EventApprovalProvided, domain.ApprovalProvidedPayload{Type: domain.ApprovalMerge, Decision: domain.DecisionApproved, DecidedBy: "alice"}),
		evt(t, 15, domain.EventPRMerged, nil),
		evt(t, 16, domain.EventRunCompleted, nil),
	}
}

func TestFoldHappyPath(t *testing.T) {
	events := happyPath(t)
	proj, err := machine.Fold("run-1", events)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if proj.State != domain.StateCompleted {
		t.Fatalf("final state = %s, want completed", proj.State)
	}
	if proj.IssueRef != "repo#7" || proj.Branch != "runline/repo-7" || proj.PRNumber != 101 {
		t.Fatalf("projection fields wrong: %+v", proj)
	}
	if proj.LastSeq != 16 {
		t.Fatalf("last seq = %d, want 16", proj.LastSeq)
	}
}

// Folding a prefix then applying the rest must equal folding everything at
// once: live execution and replay share the transition function.
func TestLiveReplayEquivalence(t *testing.T) {
	events := happyPath(t)
	for cut := 0; cut <= len(events); cut++ {
		proj, err := machine.Fold("run-1", events[:cut])
		if err != nil {
			t.Fatalf("fold prefix %d: %v", cut, err)
		}
		for _, e := range events[cut:] {
			proj, err = machine.Apply(proj, e)
			if err != nil {
				t.Fatalf("apply after prefix %d: %v", cut, err)
			}
		}
		full, err := machine.Fold("run-1", events)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(proj, full) {
			t.Fatalf("divergence at prefix %d:\nlive:   %+v\nreplay: %+v", cut, proj, full)
		}
	}
}

func TestUnknownEventQuarantines(t *testing.T) {
	proj := domain.NewRunProjection("run-1")
	_, err := machine.Apply(proj, evt(t, 0, domain.EventType("mystery.event"), nil))
	if !errors.Is(err, machine.ErrUnknownEvent) {
		t.Fatalf("want ErrUnknownEvent, got %v", err)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	proj := domain.NewRunProjection("run-1")
	// Merge before anything else is not a legal fact.
	if _, err := machine.Apply(proj, evt(t, 0, domain.EventPRMerged, nil)); !errors.Is(err, machine.ErrIllegalTransition) {
		t.Fatalf("want ErrIllegalTransition, got %v", err)
	}
	// Terminal states accept nothing.
	events := happyPath(t)
	final, err := machine.Fold("run-1", events)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := machine.Apply(final, evt(t, 17, domain.EventRunAborted, nil)); !errors.Is(err, machine.ErrIllegalTransition) {
		t.Fatalf("terminal state accepted an event: %v", err)
	}
}

func TestRejectionAbortsRun(t *testing.T) {
	events := happyPath(t)[:3]
	events = append(events, evt(t, 3, domain.EventApprovalProvided, domain.ApprovalProvidedPayload{
		Type: domain.ApprovalPlan, Decision: domain.DecisionRejected, DecidedBy: "alice",
	}))
	proj, err := machine.Fold("run-1", events)
	if err != nil {
		t.Fatal(err)
	}
	if proj.State != domain.StateAborted {
		t.Fatalf("rejected plan left state %s, want aborted", proj.State)
	}
}

// A gate result that was in flight when an abort committed is still a fact:
// it lands in the attempt history without reviving the run.
func TestGateAttemptAfterAbortIsAuditOnly(t *testing.T) {
	events := happyPath(t)[:7]
	events = append(events, evt(t, 7, domain.EventRunAborted, domain.RunAbortedPayload{Reason: "superseded"}))
	proj, err := machine.Fold("run-1", events)
	if err != nil {
		t.Fatal(err)
	}
	next, err := machine.Apply(proj, evt(t, 8, domain.EventGateAttempt, domain.GateAttemptPayload{
		Gate: domain.GateBuild, Attempt: 1, Outcome: domain.OutcomePass,
	}))
	if err != nil {
		t.Fatalf("late gate attempt rejected: %v", err)
	}
	if next.State != domain.StateAborted {
		t.Fatalf("state = %s, want aborted", next.State)
	}
	if len(next.Attempts) != 1 || next.Attempts[0].Gate != domain.GateBuild {
		t.Fatalf("attempt not recorded: %+v", next.Attempts)
	}
	if next.RetryCounters[domain.GateBuild] != 0 {
		t.Fatalf("audit record moved a retry counter: %+v", next.RetryCounters)
	}
}

func TestRefactorBranch(t *testing.T) {
	events := happyPath(t)[:6]
	events = append(events,
		evt(t, 6, domain.EventCodeImplemented, domain.CodeImplementedPayload{Refactor: true}),
		evt(t, 7, domain.EventRefactorCompleted, nil),
	)
	proj, err := machine.Fold("run-1", events)
	if err != nil {
		t.Fatal(err)
	}
	if proj.State != domain.StateGateBuild {
		t.Fatalf("after refactor state = %s, want gate_build", proj.State)
	}
}

func TestEscalationRoundTrip(t *testing.T) {
	events := happyPath(t)[:7]
	events = append(events,
		evt(t, 7, domain.EventGateAttempt, domain.GateAttemptPayload{Gate: domain.GateBuild, Attempt: 1, Outcome: domain.OutcomeFail, Diagnostic: "compile error"}),
		evt(t, 8, domain.EventGateAttempt, domain.GateAttemptPayload{Gate: domain.GateBuild, Attempt: 2, Outcome: domain.OutcomeFail, Diagnostic: "compile error"}),
		evt(t, 9, domain.EventGateAttempt, domain.GateAttemptPayload{Gate: domain.GateBuild, Attempt: 3, Outcome: domain.OutcomeFail, Diagnostic: "compile error"}),
		evt(t, 10, domain.EventRetryExhausted, domain.RetryExhaustedPayload{Gate: domain.GateBuild}),
		evt(t, 11, domain.EventEscalationTriggered, domain.EscalationTriggeredPayload{Reason: "retry-exhausted", Gate: domain.GateBuild}),
	)
	proj, err := machine.Fold("run-1", events)
	if err != nil {
		t.Fatal(err)
	}
	if proj.State != domain.StateEscalated || proj.PrevState != domain.StateGateBuild {
		t.Fatalf("escalation state wrong: %+v", proj)
	}
	if proj.Escalation == nil || proj.Escalation.Reason != "retry-exhausted" {
		t.Fatalf("escalation detail missing: %+v", proj.Escalation)
	}

	resolved, err := machine.Apply(proj, evt(t, 12, domain.EventEscalationResolved, domain.EscalationResolvedPayload{ResolvedBy: "alice"}))
	if err != nil {
		t.Fatal(err)
	}
	if resolved.State != domain.StateGateBuild {
		t.Fatalf("resume state = %s, want gate_build", resolved.State)
	}
	if resolved.RetryCounters[domain.GateBuild] != 0 {
		t.Fatalf("retry counter not reset: %d", resolved.RetryCounters[domain.GateBuild])
	}
}

func TestDecide(t *testing.T) {
	proj := domain.NewRunProjection("run-1")
	proj.State = domain.StateAnalyzing
	if cmd := machine.Decide(proj); cmd.Kind != machine.CommandDraftPlan {
		t.Fatalf("analyzing without plan → %s, want draft_plan", cmd.Kind)
	}

	proj.PlanSummary = "plan"
	if cmd := machine.Decide(proj); cmd.Kind != machine.CommandRequestApproval || cmd.Approval != domain.ApprovalPlan {
		t.Fatalf("analyzing with plan → %+v", machine.Decide(proj))
	}

	proj.BreakingChange = true
	if cmd := machine.Decide(proj); cmd.Approval != domain.ApprovalBreakingChange {
		t.Fatalf("breaking plan must request breaking-change approval, got %+v", machine.Decide(proj))
	}

	proj = domain.NewRunProjection("run-1")
	proj.State = domain.StateGateBuild
	if cmd := machine.Decide(proj); cmd.Kind != machine.CommandRunGate || cmd.Attempt != 1 {
		t.Fatalf("fresh gate → %+v", machine.Decide(proj))
	}

	proj.RetryCounters[domain.GateBuild] = 1
	proj.Attempts = []domain.GateAttempt{{Gate: domain.GateBuild, Attempt: 1, Outcome: domain.OutcomeFail}}
	if cmd := machine.Decide(proj); cmd.Kind != machine.CommandSuggestFix {
		t.Fatalf("failed gate without fix → %+v", machine.Decide(proj))
	}
	proj.FixSuggested = true
	if cmd := machine.Decide(proj); cmd.Kind != machine.CommandRunGate || cmd.Attempt != 2 {
		t.Fatalf("failed gate with fix → %+v", machine.Decide(proj))
	}

	proj = domain.NewRunProjection("run-1")
	proj.State = domain.StateMonitoringCI
	if cmd := machine.Decide(proj); cmd.Kind != machine.CommandPollCI {
		t.Fatalf("monitoring ci → %+v", machine.Decide(proj))
	}
	proj.CIFailed = true
	if cmd := machine.Decide(proj); cmd.Kind != machine.CommandEscalate {
		t.Fatalf("ci failure must escalate, got %+v", machine.Decide(proj))
	}

	proj = domain.NewRunProjection("run-1")
	proj.State = domain.StateMergePending
	proj.PendingApproval = &domain.ApprovalRequest{Type: domain.ApprovalMerge}
	if cmd := machine.Decide(proj); !cmd.None() {
		t.Fatalf("parked run must decide nothing, got %+v", machine.Decide(proj))
	}
	proj.PendingApproval = nil
	proj.MergeApproved = true
	if cmd := machine.Decide(proj); cmd.Kind != machine.CommandMergePR {
		t.Fatalf("approved merge → %+v", machine.Decide(proj))
	}

	for _, s := range []domain.State{domain.StateEscalated, domain.StateCompleted, domain.StateAborted, domain.StatePlanPending} {
		proj := domain.NewRunProjection("run-1")
		proj.State = s
		if cmd := machine.Decide(proj); !cmd.None() {
			t.Fatalf("state %s must park, got %+v", s, cmd)
		}
	}
}
