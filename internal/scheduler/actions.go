package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"runline/internal/collab"
	"runline/internal/domain"
	"runline/internal/gate"
	"runline/internal/machine"
)

// execute performs one command and records its outcome event. The event is the
// only durable effect of the call; projections catch up at the next fold.
func (s *Scheduler) execute(ctx context.Context, log zerolog.Logger, proj domain.RunProjection, cmd machine.Command) error {
	switch cmd.Kind {
	case machine.CommandDraftPlan:
		res, err := s.invokeProvider(ctx, proj.RunID, "draft_plan", planPrompt(proj), proj.IssueRef)
		if err != nil {
			return err
		}
		_, err = s.store.Append(ctx, proj.RunID, proj.LastSeq, domain.EventPlanDrafted, domain.ActorSystem, actorID, domain.PlanDraftedPayload{
			Summary:        res.Content,
			BreakingChange: breakingChange(res.Content),
			TokenUsage:     res.TokenUsage,
		})
		return err

	case machine.CommandRequestApproval:
		approvalCtx := proj.PlanSummary
		if cmd.Approval == domain.ApprovalMerge {
			approvalCtx = fmt.Sprintf("merge PR #%d for %s", proj.PRNumber, proj.IssueRef)
		}
		_, err := s.approvals.Request(ctx, proj, cmd.Approval, approvalCtx)
		return err

	case machine.CommandCreateBranch:
		name := branchName(proj)
		key := collab.IdempotencyKey(proj.RunID, "create_branch", 1)
		if err := s.withGit(ctx, func(c context.Context) error {
			return s.git.CreateBranch(c, name, key)
		}); err != nil {
			return err
		}
		_, err := s.store.Append(ctx, proj.RunID, proj.LastSeq, domain.EventBranchCreated, domain.ActorSystem, actorID, domain.BranchCreatedPayload{Branch: name})
		return err

	case machine.CommandWriteTests:
		if _, err := s.invokeProvider(ctx, proj.RunID, "write_tests", "write failing tests for: "+proj.PlanSummary, proj.IssueRef); err != nil {
			return err
		}
		key := collab.IdempotencyKey(proj.RunID, "write_tests", 1)
		if err := s.withGit(ctx, func(c context.Context) error {
			return s.git.Commit(c, proj.Branch, "test: cover "+proj.IssueRef, key)
		}); err != nil {
			return err
		}
		_, err := s.store.Append(ctx, proj.RunID, proj.LastSeq, domain.EventTestsWritten, domain.ActorSystem, actorID, nil)
		return err

	case machine.CommandImplement:
		if _, err := s.invokeProvider(ctx, proj.RunID, "implement", "implement the plan: "+proj.PlanSummary, proj.IssueRef); err != nil {
			return err
		}
		key := collab.IdempotencyKey(proj.RunID, "implement", 1)
		if err := s.withGit(ctx, func(c context.Context) error {
			return s.git.Commit(c, proj.Branch, "feat: "+proj.IssueRef, key)
		}); err != nil {
			return err
		}
		_, err := s.store.Append(ctx, proj.RunID, proj.LastSeq, domain.EventCodeImplemented, domain.ActorSystem, actorID, domain.CodeImplementedPayload{
			Refactor: s.cfg.Pipeline.Refactor,
		})
		return err

	case machine.CommandRefactor:
		if _, err := s.invokeProvider(ctx, proj.RunID, "refactor", "refactor the implementation for: "+proj.IssueRef, proj.IssueRef); err != nil {
			return err
		}
		key := collab.IdempotencyKey(proj.RunID, "refactor", 1)
		if err := s.withGit(ctx, func(c context.Context) error {
			return s.git.Commit(c, proj.Branch, "refactor: "+proj.IssueRef, key)
		}); err != nil {
			return err
		}
		_, err := s.store.Append(ctx, proj.RunID, proj.LastSeq, domain.EventRefactorCompleted, domain.ActorSystem, actorID, nil)
		return err

	case machine.CommandSuggestFix:
		// Fix suggestions only make sense with attempts left to spend
		// them on. After the final failure the run escalates directly;
		// the provider is never consulted again for this gate.
		if s.gates.Exhausted(proj) {
			return s.escalateExhausted(ctx, log, proj, cmd.Gate)
		}
		diagnostic := ""
		if attempts := gate.AttemptHistory(proj, cmd.Gate); len(attempts) > 0 {
			diagnostic = attempts[len(attempts)-1].Diagnostic
		}
		step := "fix_" + string(cmd.Gate)
		res, err := s.invokeProvider(ctx, proj.RunID, fmt.Sprintf("%s_%d", step, cmd.Attempt),
			fmt.Sprintf("gate %s failed: %s", cmd.Gate, diagnostic), proj.IssueRef)
		if err != nil {
			return err
		}
		_, err = s.store.Append(ctx, proj.RunID, proj.LastSeq, domain.EventFixSuggested, domain.ActorSystem, actorID, domain.FixSuggestedPayload{
			Gate:       cmd.Gate,
			Attempt:    cmd.Attempt,
			Suggestion: res.Content,
		})
		return err

	case machine.CommandRunGate:
		in := collab.GateInput{
			Branch:         proj.Branch,
			IssueRef:       proj.IssueRef,
			IdempotencyKey: collab.IdempotencyKey(proj.RunID, "gate_"+string(cmd.Gate), cmd.Attempt),
		}
		_, _, err := s.gates.Execute(ctx, proj, cmd.Attempt, in)
		if errors.Is(err, gate.ErrRetryLimitExceeded) {
			return s.escalateExhausted(ctx, log, proj, cmd.Gate)
		}
		return err

	case machine.CommandOpenPR:
		key := collab.IdempotencyKey(proj.RunID, "open_pr", 1)
		var pr collab.PRStatus
		if err := s.withGit(ctx, func(c context.Context) error {
			var err error
			pr, err = s.git.CreatePR(c, proj.Branch, "runline: "+proj.IssueRef, key)
			return err
		}); err != nil {
			return err
		}
		_, err := s.store.Append(ctx, proj.RunID, proj.LastSeq, domain.EventPROpened, domain.ActorSystem, actorID, domain.PROpenedPayload{
			Number: pr.Number,
			URL:    pr.URL,
		})
		return err

	case machine.CommandPollCI:
		if err := s.Sleep(ctx, s.cfg.CIPoll()); err != nil {
			return err
		}
		var res collab.CIResult
		err := collab.WithBackoff(ctx, s.backoff, func(c context.Context) error {
			tctx, cancel := context.WithTimeout(c, s.cfg.CITimeout())
			defer cancel()
			var err error
			res, err = s.ci.Poll(tctx, proj.Branch, proj.PRNumber)
			return err
		})
		if err != nil {
			return err
		}
		_, err = s.store.Append(ctx, proj.RunID, proj.LastSeq, domain.EventCIStatus, domain.ActorExternal, "ci", domain.CIStatusPayload{
			Status: res.Status,
			Logs:   res.Logs,
		})
		return err

	case machine.CommandEscalate:
		_, err := s.store.Append(ctx, proj.RunID, proj.LastSeq, domain.EventEscalationTriggered, domain.ActorSystem, actorID, domain.EscalationTriggeredPayload{
			Reason: cmd.Reason,
		})
		return err

	case machine.CommandMergePR:
		key := collab.IdempotencyKey(proj.RunID, "merge_pr", 1)
		if err := s.withGit(ctx, func(c context.Context) error {
			return s.git.MergePR(c, proj.PRNumber, key)
		}); err != nil {
			return err
		}
		_, err := s.store.Append(ctx, proj.RunID, proj.LastSeq, domain.EventPRMerged, domain.ActorSystem, actorID, nil)
		return err

	case machine.CommandComplete:
		_, err := s.store.Append(ctx, proj.RunID, proj.LastSeq, domain.EventRunCompleted, domain.ActorSystem, actorID, nil)
		if err == nil {
			log.Info().Str("issue", proj.IssueRef).Msg("run completed")
		}
		return err
	}
	return fmt.Errorf("unhandled command %s", cmd.Kind)
}

// escalateExhausted records the exhaustion marker and the escalation carrying
// the full attempt history, in that order.
func (s *Scheduler) escalateExhausted(ctx context.Context, log zerolog.Logger, proj domain.RunProjection, g domain.GateType) error {
	attempts := gate.AttemptHistory(proj, g)
	evt, err := s.store.Append(ctx, proj.RunID, proj.LastSeq, domain.EventRetryExhausted, domain.ActorSystem, actorID, domain.RetryExhaustedPayload{
		Gate:     g,
		Attempts: attempts,
	})
	if err != nil {
		return err
	}
	_, err = s.store.Append(ctx, proj.RunID, evt.Seq, domain.EventEscalationTriggered, domain.ActorSystem, actorID, domain.EscalationTriggeredPayload{
		Reason:   "retry-exhausted",
		Gate:     g,
		Attempts: attempts,
	})
	if err != nil {
		return err
	}
	log.Warn().Str("gate", string(g)).Int("attempts", len(attempts)).Msg("gate retries exhausted, escalated")
	return nil
}

// invokeProvider calls the AI provider with the configured timeout and backoff
// on transient faults. step and attempt shape the idempotency key.
func (s *Scheduler) invokeProvider(ctx context.Context, runID, step, prompt, promptContext string) (collab.ProviderResult, error) {
	key := collab.IdempotencyKey(runID, step, 1)
	var res collab.ProviderResult
	err := collab.WithBackoff(ctx, s.backoff, func(c context.Context) error {
		tctx, cancel := context.WithTimeout(c, s.cfg.ProviderTimeout())
		defer cancel()
		var err error
		res, err = s.provider.Invoke(tctx, prompt, promptContext, key)
		return err
	})
	return res, err
}

func (s *Scheduler) withGit(ctx context.Context, fn func(context.Context) error) error {
	return collab.WithBackoff(ctx, s.backoff, func(c context.Context) error {
		tctx, cancel := context.WithTimeout(c, s.cfg.GitTimeout())
		defer cancel()
		return fn(tctx)
	})
}

func planPrompt(proj domain.RunProjection) string {
	return "draft an implementation plan for issue " + proj.IssueRef
}

// breakingChange scans a drafted plan for the conventional breaking-change
// marker. A flagged plan forces a human approval instead of a plan approval.
func breakingChange(summary string) bool {
	return strings.Contains(strings.ToUpper(summary), "BREAKING CHANGE")
}

func branchName(proj domain.RunProjection) string {
	short := proj.RunID
	if len(short) > 8 {
		short = short[:8]
	}
	return "runline/" + slug(proj.IssueRef) + "-" + short
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "issue"
	}
	return out
}
