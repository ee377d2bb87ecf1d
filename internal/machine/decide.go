package machine

import "runline/internal/domain"

// CommandKind enumerates the side effects the machine can request.
type CommandKind string

const (
	CommandNone            CommandKind = "none"
	CommandDraftPlan       CommandKind = "draft_plan"
	CommandRequestApproval CommandKind = "request_approval"
	CommandCreateBranch    CommandKind = "create_branch"
	CommandWriteTests      CommandKind = "write_tests"
	CommandImplement       CommandKind = "implement"
	CommandRefactor        CommandKind = "refactor"
	CommandSuggestFix      CommandKind = "suggest_fix"
	CommandRunGate         CommandKind = "run_gate"
	CommandOpenPR          CommandKind = "open_pr"
	CommandPollCI          CommandKind = "poll_ci"
	CommandMergePR         CommandKind = "merge_pr"
	CommandComplete        CommandKind = "complete"
	CommandEscalate        CommandKind = "escalate"
)

// Command is the next side-effecting call to issue for a run. It is computed
// from the projection alone, after the deciding event is durably recorded, so
// a crash between decision and action never leaves a phantom fact behind.
type Command struct {
	Kind     CommandKind
	Gate     domain.GateType
	Attempt  int
	Approval domain.ApprovalType
	Reason   string
}

// None reports whether the run is parked or terminal with nothing to do.
func (c Command) None() bool { return c.Kind == CommandNone }

// Decide picks the next command for a projection. Parked states (pending
// approval, escalated, terminal) yield CommandNone: the run consumes no
// resources until an external decision event arrives.
func Decide(proj domain.RunProjection) Command {
	switch proj.State {
	case domain.StateAnalyzing:
		if proj.PlanSummary == "" {
			return Command{Kind: CommandDraftPlan}
		}
		t := domain.ApprovalPlan
		if proj.BreakingChange {
			t = domain.ApprovalBreakingChange
		}
		return Command{Kind: CommandRequestApproval, Approval: t}

	case domain.StateBranching:
		return Command{Kind: CommandCreateBranch}

	case domain.StateWritingTests:
		return Command{Kind: CommandWriteTests}

	case domain.StateImplementing:
		return Command{Kind: CommandImplement}

	case domain.StateRefactoring:
		return Command{Kind: CommandRefactor}

	case domain.StateGateBuild, domain.StateGateTest, domain.StateGateStatic, domain.StateGateSecurity:
		gate, _ := domain.StateGate(proj.State)
		attempt := proj.RetryCounters[gate]
		if last, ok := lastAttempt(proj, gate); ok && last.Outcome != domain.OutcomePass && !proj.FixSuggested {
			return Command{Kind: CommandSuggestFix, Gate: gate, Attempt: last.Attempt}
		}
		return Command{Kind: CommandRunGate, Gate: gate, Attempt: attempt + 1}

	case domain.StatePRCreated:
		return Command{Kind: CommandOpenPR}

	case domain.StateMonitoringCI:
		if proj.CIFailed {
			return Command{Kind: CommandEscalate, Reason: "ci-failure"}
		}
		return Command{Kind: CommandPollCI}

	case domain.StateReviewPending:
		return Command{Kind: CommandRequestApproval, Approval: domain.ApprovalMerge}

	case domain.StateMergePending:
		if proj.PendingApproval != nil {
			return Command{Kind: CommandNone}
		}
		if proj.MergeApproved {
			return Command{Kind: CommandMergePR}
		}
		return Command{Kind: CommandNone}

	case domain.StateMerged:
		return Command{Kind: CommandComplete}
	}
	// selecting, plan_pending, escalated, completed, aborted
	return Command{Kind: CommandNone}
}

func lastAttempt(proj domain.RunProjection, gate domain.GateType) (domain.GateAttempt, bool) {
	for i := len(proj.Attempts) - 1; i >= 0; i-- {
		if proj.Attempts[i].Gate == gate {
			return proj.Attempts[i], true
		}
	}
	return domain.GateAttempt{}, false
}
