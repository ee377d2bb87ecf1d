// Package approval parks runs awaiting an external decision and resumes them
// when one arrives. A parked run holds no goroutine and issues no external
// calls; resumption happens through a decision event, nothing else.
package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"runline/internal/config"
	"runline/internal/domain"
	"runline/internal/eventstore"
	"runline/internal/machine"
)

var (
	// ErrNoPendingApproval is returned when a decision arrives for a run
	// that never requested one.
	ErrNoPendingApproval = errors.New("no pending approval")
	// ErrPolicyViolation is returned when a non-human actor tries to
	// resolve a breaking-change or deletion approval. This is a hard
	// invariant, not a policy default.
	ErrPolicyViolation = errors.New("approval requires an explicit human decision")
)

const decideRetries = 3

type Gateway struct {
	Store  *eventstore.Store
	Config *config.Config
	Logger zerolog.Logger
}

func New(store *eventstore.Store, cfg *config.Config, logger zerolog.Logger) *Gateway {
	return &Gateway{
		Store:  store,
		Config: cfg,
		Logger: logger.With().Str("component", "approval").Logger(),
	}
}

// Request appends the approval request, moving the run into its pending
// state, and returns without blocking. If configuration allows auto-approval
// for this type the decision is appended immediately; breaking-change and
// deletion types are never auto-approvable regardless of configuration.
func (g *Gateway) Request(ctx context.Context, proj domain.RunProjection, t domain.ApprovalType, approvalCtx string) (domain.Event, error) {
	evt, err := g.Store.Append(ctx, proj.RunID, proj.LastSeq, domain.EventApprovalRequested, domain.ActorSystem, "approval-gateway", domain.ApprovalRequestedPayload{
		Type:    t,
		Context: approvalCtx,
	})
	if err != nil {
		return domain.Event{}, err
	}
	g.Logger.Info().
		Str("run_id", proj.RunID).
		Str("type", string(t)).
		Msg("approval requested")

	if g.Config.AutoApprovable(t) {
		auto, err := g.Store.Append(ctx, proj.RunID, evt.Seq, domain.EventApprovalProvided, domain.ActorSystem, "auto-approve", domain.ApprovalProvidedPayload{
			Type:      t,
			Decision:  domain.DecisionApproved,
			DecidedBy: "auto-approve",
		})
		if err != nil {
			return domain.Event{}, err
		}
		return auto, nil
	}
	return evt, nil
}

// Decide resolves a pending approval. It is idempotent: a duplicate decision
// for an already-resolved approval is a no-op, tolerating at-least-once
// delivery from upstream webhook retries. A differing second decision is also
// a no-op (first-committed-wins) with a logged conflict.
func (g *Gateway) Decide(ctx context.Context, runID string, decision domain.Decision, decidedBy string, actor domain.ActorKind) error {
	for i := 0; i < decideRetries; i++ {
		events, err := g.Store.ReadRange(ctx, runID, 0, -1)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return fmt.Errorf("run %s: %w", runID, eventstore.ErrNotFound)
		}
		proj, err := machine.Fold(runID, events)
		if err != nil {
			return fmt.Errorf("fold run %s: %w", runID, err)
		}

		if proj.PendingApproval == nil {
			if prior, ok := lastDecision(events); ok {
				if prior.Decision != decision {
					g.Logger.Warn().
						Str("run_id", runID).
						Str("prior", string(prior.Decision)).
						Str("duplicate", string(decision)).
						Str("decided_by", decidedBy).
						Msg("conflicting duplicate decision ignored")
				}
				return nil
			}
			return fmt.Errorf("run %s: %w", runID, ErrNoPendingApproval)
		}

		t := proj.PendingApproval.Type
		if (t == domain.ApprovalBreakingChange || t == domain.ApprovalDeletion) && actor != domain.ActorHuman {
			return fmt.Errorf("%s approval: %w", t, ErrPolicyViolation)
		}

		_, err = g.Store.Append(ctx, runID, proj.LastSeq, domain.EventApprovalProvided, actor, decidedBy, domain.ApprovalProvidedPayload{
			Type:      t,
			Decision:  decision,
			DecidedBy: decidedBy,
		})
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			continue // raced with another append for this run, re-fold
		}
		if err != nil {
			return err
		}
		g.Logger.Info().
			Str("run_id", runID).
			Str("type", string(t)).
			Str("decision", string(decision)).
			Str("decided_by", decidedBy).
			Msg("approval decided")
		return nil
	}
	return fmt.Errorf("run %s: decision kept racing with concurrent appends", runID)
}

func lastDecision(events []domain.Event) (domain.ApprovalProvidedPayload, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == domain.EventApprovalProvided {
			var p domain.ApprovalProvidedPayload
			if err := domain.UnmarshalPayload(events[i], &p); err != nil {
				return p, false
			}
			return p, true
		}
	}
	return domain.ApprovalProvidedPayload{}, false
}
