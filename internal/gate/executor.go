// Package gate owns the bounded-retry protocol for quality gates. The retry
// ceiling is a data invariant checked before any side-effecting call, not a
// loop guard: an attempt beyond the ceiling is rejected synchronously and the
// caller must escalate, never call again for that gate and run.
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"runline/internal/collab"
	"runline/internal/config"
	"runline/internal/domain"
	"runline/internal/eventstore"
)

// ErrRetryLimitExceeded is returned before any external call when the attempt
// number is past the configured ceiling.
var ErrRetryLimitExceeded = errors.New("gate retry limit exceeded")

// Executor manages retry/escalation bookkeeping for gated steps. It does not
// call the AI provider itself; on failure with remaining attempts it hands
// the diagnostic back to the caller for routing.
type Executor struct {
	Store  *eventstore.Store
	Config *config.Config
	Runner collab.GateRunner
	Logger zerolog.Logger
}

func New(store *eventstore.Store, cfg *config.Config, runner collab.GateRunner, logger zerolog.Logger) *Executor {
	return &Executor{
		Store:  store,
		Config: cfg,
		Runner: runner,
		Logger: logger.With().Str("component", "gate").Logger(),
	}
}

// Execute runs attempt number attempt for the projection's current gate and
// records the outcome as an event before returning. The ceiling check happens
// first: callers receiving ErrRetryLimitExceeded must emit an escalation and
// never re-invoke Execute for this gate and run.
func (e *Executor) Execute(ctx context.Context, proj domain.RunProjection, attempt int, in collab.GateInput) (domain.Event, domain.GateAttempt, error) {
	gateType, ok := domain.StateGate(proj.State)
	if !ok {
		return domain.Event{}, domain.GateAttempt{}, fmt.Errorf("run %s not at a gate (state %s)", proj.RunID, proj.State)
	}
	max := e.Config.MaxAttemptsFor(gateType)
	if attempt > max {
		return domain.Event{}, domain.GateAttempt{}, fmt.Errorf("%w: gate %s attempt %d > max %d", ErrRetryLimitExceeded, gateType, attempt, max)
	}

	outcome, diagnostic, err := e.Runner.RunGate(ctx, proj.RunID, gateType, in)
	if err != nil {
		// Collaborator faults (including timeouts) count as a failed
		// attempt toward the ceiling; a hang is never silent.
		outcome = domain.OutcomeError
		diagnostic = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			diagnostic = "gate attempt timed out"
		}
	}

	att := domain.GateAttempt{
		Gate:       gateType,
		Attempt:    attempt,
		Outcome:    outcome,
		Diagnostic: diagnostic,
	}
	payload := domain.GateAttemptPayload{
		Gate:       att.Gate,
		Attempt:    att.Attempt,
		Outcome:    att.Outcome,
		Diagnostic: att.Diagnostic,
	}
	evt, appendErr := e.Store.Append(ctx, proj.RunID, proj.LastSeq, domain.EventGateAttempt, domain.ActorSystem, "gate-executor", payload)
	for retry := 0; retry < 3 && errors.Is(appendErr, eventstore.ErrConcurrencyConflict); retry++ {
		// An abort can land while the gate runs. The outcome is still a
		// fact; record it behind the new head instead of dropping it.
		last, err := e.Store.LastSeq(ctx, proj.RunID)
		if err != nil {
			return domain.Event{}, att, err
		}
		evt, appendErr = e.Store.Append(ctx, proj.RunID, last, domain.EventGateAttempt, domain.ActorSystem, "gate-executor", payload)
	}
	if appendErr != nil {
		return domain.Event{}, att, appendErr
	}
	e.Logger.Info().
		Str("run_id", proj.RunID).
		Str("gate", string(gateType)).
		Int("attempt", attempt).
		Str("outcome", string(outcome)).
		Msg("gate attempt recorded")
	return evt, att, nil
}

// Exhausted reports whether the next attempt for the projection's current
// gate would exceed the ceiling.
func (e *Executor) Exhausted(proj domain.RunProjection) bool {
	gateType, ok := domain.StateGate(proj.State)
	if !ok {
		return false
	}
	return proj.RetryCounters[gateType] >= e.Config.MaxAttemptsFor(gateType)
}

// AttemptHistory returns the recorded attempts for the projection's current
// gate, in order. Escalations carry this so a human never debugs from
// scratch.
func AttemptHistory(proj domain.RunProjection, gateType domain.GateType) []domain.GateAttempt {
	var out []domain.GateAttempt
	for _, a := range proj.Attempts {
		if a.Gate == gateType {
			out = append(out, a)
		}
	}
	return out
}
