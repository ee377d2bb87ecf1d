// Package machine holds the workflow state machine: a pure transition
// function shared by live execution and replay, and the command decision that
// picks the next side effect. The machine never mutates state directly;
// every transition is the application of exactly one committed event.
package machine

import (
	"errors"
	"fmt"

	"runline/internal/domain"
)

var (
	// ErrUnknownEvent marks an event type outside the closed enumeration.
	// The run is quarantined rather than guessed at.
	ErrUnknownEvent = errors.New("unknown event type")
	// ErrIllegalTransition marks an event that is not legal in the run's
	// current state.
	ErrIllegalTransition = errors.New("illegal transition")
)

// QuarantineReason is recorded when a run's log cannot be interpreted.
const QuarantineReason = "unreconcilable-state"

func illegal(state domain.State, typ domain.EventType) error {
	return fmt.Errorf("%w: %s in state %s", ErrIllegalTransition, typ, state)
}

// Apply folds one event into the projection. It is pure: same inputs, same
// output, no side effects, no clock. Replay and live execution share it, so
// the two can never diverge in interpretation.
func Apply(proj domain.RunProjection, evt domain.Event) (domain.RunProjection, error) {
	if !domain.KnownEventType(evt.Type) {
		return proj, fmt.Errorf("%w: %q", ErrUnknownEvent, evt.Type)
	}
	if proj.RetryCounters == nil {
		proj.RetryCounters = map[domain.GateType]int{}
	}

	switch evt.Type {
	case domain.EventIssueSelected:
		if proj.State != domain.StateSelecting {
			return proj, illegal(proj.State, evt.Type)
		}
		var p domain.IssueSelectedPayload
		if err := domain.UnmarshalPayload(evt, &p); err != nil {
			return proj, err
		}
		proj.IssueRef = p.IssueRef
		proj.State = domain.StateAnalyzing

	case domain.EventPlanDrafted:
		if proj.State != domain.StateAnalyzing {
			return proj, illegal(proj.State, evt.Type)
		}
		var p domain.PlanDraftedPayload
		if err := domain.UnmarshalPayload(evt, &p); err != nil {
			return proj, err
		}
		proj.PlanSummary = p.Summary
		proj.BreakingChange = p.BreakingChange

	case domain.EventApprovalRequested:
		var p domain.ApprovalRequestedPayload
		if err := domain.UnmarshalPayload(evt, &p); err != nil {
			return proj, err
		}
		switch proj.State {
		case domain.StateAnalyzing:
			proj.State = domain.StatePlanPending
		case domain.StateReviewPending:
			proj.State = domain.StateMergePending
		default:
			return proj, illegal(proj.State, evt.Type)
		}
		proj.PendingApproval = &domain.ApprovalRequest{Type: p.Type, Context: p.Context}

	case domain.EventApprovalProvided:
		var p domain.ApprovalProvidedPayload
		if err := domain.UnmarshalPayload(evt, &p); err != nil {
			return proj, err
		}
		if proj.PendingApproval == nil {
			return proj, illegal(proj.State, evt.Type)
		}
		proj.PendingApproval = nil
		if p.Decision == domain.DecisionRejected {
			proj.State = domain.StateAborted
			break
		}
		switch proj.State {
		case domain.StatePlanPending:
			proj.State = domain.StateBranching
		case domain.StateMergePending:
			proj.MergeApproved = true
		default:
			return proj, illegal(proj.State, evt.Type)
		}

	case domain.EventBranchCreated:
		if proj.State != domain.StateBranching {
			return proj, illegal(proj.State, evt.Type)
		}
		var p domain.BranchCreatedPayload
		if err := domain.UnmarshalPayload(evt, &p); err != nil {
			return proj, err
		}
		proj.Branch = p.Branch
		proj.State = domain.StateWritingTests

	case domain.EventTestsWritten:
		if proj.State != domain.StateWritingTests {
			return proj, illegal(proj.State, evt.Type)
		}
		proj.State = domain.StateImplementing

	case domain.EventCodeImplemented:
		if proj.State != domain.StateImplementing {
			return proj, illegal(proj.State, evt.Type)
		}
		var p domain.CodeImplementedPayload
		if err := domain.UnmarshalPayload(evt, &p); err != nil {
			return proj, err
		}
		if p.Refactor {
			proj.State = domain.StateRefactoring
		} else {
			proj.State = domain.StateGateBuild
		}

	case domain.EventRefactorCompleted:
		if proj.State != domain.StateRefactoring {
			return proj, illegal(proj.State, evt.Type)
		}
		proj.State = domain.StateGateBuild

	case domain.EventGateAttempt:
		var p domain.GateAttemptPayload
		if err := domain.UnmarshalPayload(evt, &p); err != nil {
			return proj, err
		}
		if proj.State == domain.StateAborted {
			// Result of a call that was in flight when the abort
			// committed. Recorded for audit; the run stays aborted.
			proj.Attempts = append(proj.Attempts, domain.GateAttempt{
				Gate:       p.Gate,
				Attempt:    p.Attempt,
				Outcome:    p.Outcome,
				Diagnostic: p.Diagnostic,
			})
			break
		}
		gate, ok := domain.StateGate(proj.State)
		if !ok {
			return proj, illegal(proj.State, evt.Type)
		}
		if p.Gate != gate {
			return proj, fmt.Errorf("%w: attempt for gate %s while in %s", ErrIllegalTransition, p.Gate, proj.State)
		}
		proj.RetryCounters[gate] = p.Attempt
		proj.Attempts = append(proj.Attempts, domain.GateAttempt{
			Gate:       p.Gate,
			Attempt:    p.Attempt,
			Outcome:    p.Outcome,
			Diagnostic: p.Diagnostic,
		})
		proj.FixSuggested = false
		if p.Outcome == domain.OutcomePass {
			proj.State = nextGateState(gate)
		}

	case domain.EventFixSuggested:
		if _, ok := domain.StateGate(proj.State); !ok {
			return proj, illegal(proj.State, evt.Type)
		}
		proj.FixSuggested = true

	case domain.EventRetryExhausted:
		if _, ok := domain.StateGate(proj.State); !ok {
			return proj, illegal(proj.State, evt.Type)
		}
		// Marker only; the escalation event that follows moves the state.

	case domain.EventEscalationTriggered:
		if proj.State.Terminal() || proj.State == domain.StateEscalated {
			return proj, illegal(proj.State, evt.Type)
		}
		var p domain.EscalationTriggeredPayload
		if err := domain.UnmarshalPayload(evt, &p); err != nil {
			return proj, err
		}
		proj.PrevState = proj.State
		proj.State = domain.StateEscalated
		proj.Escalation = &domain.Escalation{Reason: p.Reason, Gate: p.Gate, Attempts: p.Attempts}

	case domain.EventEscalationResolved:
		if proj.State != domain.StateEscalated {
			return proj, illegal(proj.State, evt.Type)
		}
		if proj.Escalation != nil && proj.Escalation.Gate != "" {
			proj.RetryCounters[proj.Escalation.Gate] = 0
		}
		proj.State = proj.PrevState
		proj.PrevState = ""
		proj.Escalation = nil
		proj.FixSuggested = false
		proj.CIFailed = false

	case domain.EventPROpened:
		if proj.State != domain.StatePRCreated {
			return proj, illegal(proj.State, evt.Type)
		}
		var p domain.PROpenedPayload
		if err := domain.UnmarshalPayload(evt, &p); err != nil {
			return proj, err
		}
		proj.PRNumber = p.Number
		proj.State = domain.StateMonitoringCI

	case domain.EventCIStatus:
		if proj.State != domain.StateMonitoringCI {
			return proj, illegal(proj.State, evt.Type)
		}
		var p domain.CIStatusPayload
		if err := domain.UnmarshalPayload(evt, &p); err != nil {
			return proj, err
		}
		switch p.Status {
		case "success":
			proj.State = domain.StateReviewPending
		case "failure":
			proj.CIFailed = true
		}

	case domain.EventPRMerged:
		if proj.State != domain.StateMergePending || !proj.MergeApproved {
			return proj, illegal(proj.State, evt.Type)
		}
		proj.State = domain.StateMerged

	case domain.EventStepFailed:
		if proj.State.Terminal() {
			return proj, illegal(proj.State, evt.Type)
		}
		// Recorded fact; escalation or retry decisions follow separately.

	case domain.EventRunCompleted:
		if proj.State != domain.StateMerged {
			return proj, illegal(proj.State, evt.Type)
		}
		proj.State = domain.StateCompleted

	case domain.EventRunAborted:
		if proj.State.Terminal() {
			return proj, illegal(proj.State, evt.Type)
		}
		proj.State = domain.StateAborted
	}

	proj.LastSeq = evt.Seq
	proj.LastTSMillis = evt.TSMillis
	return proj, nil
}

func nextGateState(g domain.GateType) domain.State {
	switch g {
	case domain.GateBuild:
		return domain.StateGateTest
	case domain.GateTest:
		return domain.StateGateStatic
	case domain.GateStatic:
		return domain.StateGateSecurity
	case domain.GateSecurity:
		return domain.StatePRCreated
	}
	return ""
}

// Fold applies events in order starting from the zero projection.
func Fold(runID string, events []domain.Event) (domain.RunProjection, error) {
	proj := domain.NewRunProjection(runID)
	for _, evt := range events {
		next, err := Apply(proj, evt)
		if err != nil {
			return proj, fmt.Errorf("seq %d: %w", evt.Seq, err)
		}
		proj = next
	}
	return proj, nil
}
