// Package scheduler drives runs forward. Each run is advanced by a runner
// goroutine that folds the event log, asks the machine for the next command,
// performs the side effect, and records the outcome as an event before
// deciding again. Parked runs (pending approval, escalated, terminal) hold no
// goroutine; a decision event re-kicks them through the event bus.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runline/internal/approval"
	"runline/internal/collab"
	"runline/internal/config"
	"runline/internal/domain"
	"runline/internal/eventstore"
	"runline/internal/gate"
	"runline/internal/machine"
	"runline/internal/replay"
	"runline/internal/repo"
)

var (
	// ErrRunTerminal is returned for operations on completed or aborted runs.
	ErrRunTerminal = errors.New("run is in a terminal state")
	// ErrNotEscalated is returned when resolving an escalation the run does
	// not have.
	ErrNotEscalated = errors.New("run is not escalated")
)

const actorID = "scheduler"

// Deps wires the scheduler's collaborators and persistence.
type Deps struct {
	Store     *eventstore.Store
	Repo      repo.Repo
	Config    *config.Config
	Gates     *gate.Executor
	Approvals *approval.Gateway
	Provider  collab.Provider
	Git       collab.GitPlatform
	CI        collab.CIStatus
	Issues    collab.IssueSource
	Logger    zerolog.Logger
}

// Scheduler owns run lifecycle: admission from the issue source, runner
// goroutines bounded by the concurrency limit, and restart recovery.
type Scheduler struct {
	store     *eventstore.Store
	repo      repo.Repo
	cfg       *config.Config
	gates     *gate.Executor
	approvals *approval.Gateway
	provider  collab.Provider
	git       collab.GitPlatform
	ci        collab.CIStatus
	issues    collab.IssueSource
	replay    replay.Engine
	log       zerolog.Logger
	backoff   collab.BackoffConfig

	// Sleep is injectable for tests; defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running map[string]bool
	rekick  map[string]bool
	closed  bool

	sem  chan struct{}
	wg   sync.WaitGroup
	stop chan struct{}
}

func New(d Deps) *Scheduler {
	return &Scheduler{
		store:     d.Store,
		repo:      d.Repo,
		cfg:       d.Config,
		gates:     d.Gates,
		approvals: d.Approvals,
		provider:  d.Provider,
		git:       d.Git,
		ci:        d.CI,
		issues:    d.Issues,
		replay:    replay.New(d.Store),
		log:       d.Logger.With().Str("component", "scheduler").Logger(),
		backoff:   collab.DefaultBackoff(),
		Sleep:     sleep,
		running:   map[string]bool{},
		rekick:    map[string]bool{},
		sem:       make(chan struct{}, d.Config.MaxConcurrentRuns()),
		stop:      make(chan struct{}),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Resume re-kicks every non-terminal run. Called once on startup: the event
// log says exactly where each run stopped, and idempotency keys make the
// re-issued command safe if the previous process died mid-action.
func (s *Scheduler) Resume(ctx context.Context) error {
	active, err := s.repo.ActiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}
	for _, snap := range active {
		s.log.Info().Str("run_id", snap.RunID).Str("state", string(snap.State)).Msg("resuming run")
		s.Kick(snap.RunID)
	}
	return nil
}

// Run blocks driving the scheduler until ctx is canceled. It pulls issues
// from the source when one is configured, and rescans active runs every idle
// interval so decision events written to the workspace by another process
// are picked up.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Resume(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		default:
		}
		if s.issues != nil {
			issue, ok, err := s.issues.NextIssue(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("issue source poll failed")
			} else if ok {
				if _, err := s.StartRun(ctx, issue); err != nil {
					s.log.Error().Err(err).Str("issue", issue.Ref).Msg("start run failed")
				}
				continue
			}
		}
		if err := s.Sleep(ctx, s.cfg.IdlePoll()); err != nil {
			return nil
		}
		if err := s.rescan(ctx); err != nil {
			s.log.Error().Err(err).Msg("active run rescan failed")
		}
	}
}

// rescan kicks every active run. The in-process bus only carries this
// process's appends; approvals and resolutions committed by the CLI against
// the same workspace surface here.
func (s *Scheduler) rescan(ctx context.Context) error {
	active, err := s.repo.ActiveRuns(ctx)
	if err != nil {
		return err
	}
	for _, snap := range active {
		s.Kick(snap.RunID)
	}
	return nil
}

// Close stops accepting kicks and waits for in-flight runners to park.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stop)
	s.wg.Wait()
}

// StartRun opens a new run for issue and kicks its runner.
func (s *Scheduler) StartRun(ctx context.Context, issue collab.Issue) (string, error) {
	runID := uuid.New().String()
	evt, err := s.store.Append(ctx, runID, -1, domain.EventIssueSelected, domain.ActorSystem, actorID, domain.IssueSelectedPayload{
		IssueRef: issue.Ref,
		Title:    issue.Title,
	})
	if err != nil {
		return "", err
	}
	proj, err := machine.Fold(runID, []domain.Event{evt})
	if err != nil {
		return "", err
	}
	if err := s.repo.UpsertRunSnapshot(ctx, proj); err != nil {
		return "", err
	}
	s.log.Info().Str("run_id", runID).Str("issue", issue.Ref).Msg("run started")
	s.Kick(runID)
	return runID, nil
}

// Abort records a cooperative abort for the run. The runner finishes its
// in-flight step and parks at the next fold; an in-flight gate result is
// recorded behind the abort as an audit fact.
func (s *Scheduler) Abort(ctx context.Context, runID, reason string, actor domain.ActorKind, decidedBy string) error {
	for i := 0; i < 3; i++ {
		proj, err := s.replay.Head(ctx, runID)
		if err != nil {
			return err
		}
		if proj.State.Terminal() {
			return fmt.Errorf("run %s: %w", runID, ErrRunTerminal)
		}
		_, err = s.store.Append(ctx, runID, proj.LastSeq, domain.EventRunAborted, actor, decidedBy, domain.RunAbortedPayload{Reason: reason})
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return err
		}
		if err := s.snapshot(ctx, runID); err != nil {
			s.log.Warn().Err(err).Str("run_id", runID).Msg("snapshot after abort failed")
		}
		return nil
	}
	return fmt.Errorf("run %s: abort kept racing with concurrent appends", runID)
}

// ResolveEscalation records a human resolution and resumes the run in the
// state it escalated from.
func (s *Scheduler) ResolveEscalation(ctx context.Context, runID, resolvedBy, note string) error {
	proj, err := s.replay.Head(ctx, runID)
	if err != nil {
		return err
	}
	if proj.State != domain.StateEscalated {
		return fmt.Errorf("run %s in state %s: %w", runID, proj.State, ErrNotEscalated)
	}
	_, err = s.store.Append(ctx, runID, proj.LastSeq, domain.EventEscalationResolved, domain.ActorHuman, resolvedBy, domain.EscalationResolvedPayload{
		ResolvedBy: resolvedBy,
		Note:       note,
	})
	if err != nil {
		return err
	}
	s.Kick(runID)
	return nil
}

// HandleEvent is the scheduler's event bus subscription. Decision events wake
// the parked run they belong to.
func (s *Scheduler) HandleEvent(evt domain.Event) {
	switch evt.Type {
	case domain.EventApprovalProvided, domain.EventEscalationResolved:
		s.Kick(evt.RunID)
	}
}

// Kick ensures a runner goroutine is driving the run. Idempotent: a kick for
// an already-running run schedules one more pass after the current one parks.
func (s *Scheduler) Kick(runID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.running[runID] {
		s.rekick[runID] = true
		s.mu.Unlock()
		return
	}
	s.running[runID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sem <- struct{}{}:
		case <-s.stop:
			s.release(runID)
			return
		}
		defer func() { <-s.sem }()
		for {
			s.drive(runID)
			s.mu.Lock()
			if s.rekick[runID] && !s.closed {
				delete(s.rekick, runID)
				s.mu.Unlock()
				continue
			}
			delete(s.rekick, runID)
			s.running[runID] = false
			s.mu.Unlock()
			return
		}
	}()
}

func (s *Scheduler) release(runID string) {
	s.mu.Lock()
	s.running[runID] = false
	delete(s.rekick, runID)
	s.mu.Unlock()
}

// drive advances one run until it parks or terminates. Every iteration
// re-folds the log, so aborts and decisions appended by other writers take
// effect at the next step boundary.
func (s *Scheduler) drive(runID string) {
	ctx := context.Background()
	log := s.log.With().Str("run_id", runID).Logger()
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		proj, err := s.replay.Head(ctx, runID)
		if err != nil {
			if errors.Is(err, machine.ErrUnknownEvent) {
				log.Error().Err(err).Str("reason", machine.QuarantineReason).Msg("run quarantined")
			} else {
				log.Error().Err(err).Msg("fold failed")
			}
			return
		}
		if err := s.repo.UpsertRunSnapshot(ctx, proj); err != nil {
			log.Warn().Err(err).Msg("snapshot update failed")
		}

		cmd := machine.Decide(proj)
		if cmd.None() {
			return
		}
		if err := s.execute(ctx, log, proj, cmd); err != nil {
			if errors.Is(err, eventstore.ErrConcurrencyConflict) {
				continue // another writer advanced the run, re-fold
			}
			s.failStep(ctx, log, proj, cmd, err)
		}
	}
}

func (s *Scheduler) snapshot(ctx context.Context, runID string) error {
	proj, err := s.replay.Head(ctx, runID)
	if err != nil {
		return err
	}
	return s.repo.UpsertRunSnapshot(ctx, proj)
}

// failStep records an uncaught collaborator fault and escalates. The failure
// becomes part of the run's history before the human sees it.
func (s *Scheduler) failStep(ctx context.Context, log zerolog.Logger, proj domain.RunProjection, cmd machine.Command, cause error) {
	log.Error().Err(cause).Str("step", string(cmd.Kind)).Msg("step failed")
	evt, err := s.store.Append(ctx, proj.RunID, proj.LastSeq, domain.EventStepFailed, domain.ActorSystem, actorID, domain.StepFailedPayload{
		Step:   string(cmd.Kind),
		Reason: cause.Error(),
	})
	if err != nil {
		log.Error().Err(err).Msg("record step failure failed")
		return
	}
	reason := "step-failure"
	var ce *collab.Error
	if errors.As(cause, &ce) && ce.Kind == collab.KindConflict {
		reason = "merge-conflict"
	}
	if _, err := s.store.Append(ctx, proj.RunID, evt.Seq, domain.EventEscalationTriggered, domain.ActorSystem, actorID, domain.EscalationTriggeredPayload{
		Reason: reason,
		Gate:   cmd.Gate,
	}); err != nil {
		log.Error().Err(err).Msg("record escalation failed")
	}
}
