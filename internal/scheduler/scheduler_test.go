package scheduler_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"runline/internal/approval"
	"runline/internal/collab"
	"runline/internal/config"
	"runline/internal/db"
	"runline/internal/domain"
	"runline/internal/eventstore"
	"runline/internal/gate"
	"runline/internal/machine"
	"runline/internal/migrate"
	"runline/internal/replay"
	"runline/internal/repo"
	"runline/internal/scheduler"
)

type testEnv struct {
	store    *eventstore.Store
	repo     repo.Repo
	cfg      *config.Config
	provider *collab.FakeProvider
	git      *collab.FakeGit
	ci       *collab.FakeCI
	gates    *collab.FakeGateRunner
	sched    *scheduler.Scheduler
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Default("test")
	cfg.Approvals.AutoApprove = []string{string(domain.ApprovalPlan), string(domain.ApprovalMerge)}
	if mutate != nil {
		mutate(cfg)
	}

	env := &testEnv{
		store:    eventstore.New(conn),
		repo:     repo.Repo{DB: conn},
		cfg:      cfg,
		provider: &collab.FakeProvider{},
		git:      collab.NewFakeGit(),
		ci:       &collab.FakeCI{},
		gates:    &collab.FakeGateRunner{Script: map[domain.GateType][]domain.GateOutcome{}},
	}
	env.sched = env.newScheduler(t)
	return env
}

func (e *testEnv) newScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(scheduler.Deps{
		Store:     e.store,
		Repo:      e.repo,
		Config:    e.cfg,
		Gates:     gate.New(e.store, e.cfg, e.gates, zerolog.Nop()),
		Approvals: approval.New(e.store, e.cfg, zerolog.Nop()),
		Provider:  e.provider,
		Git:       e.git,
		CI:        e.ci,
		Logger:    zerolog.Nop(),
	})
	s.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	t.Cleanup(s.Close)
	return s
}

// waitFor polls the run's head projection until cond holds or the deadline
// expires.
func (e *testEnv) waitFor(t *testing.T, runID string, cond func(domain.RunProjection) bool) domain.RunProjection {
	t.Helper()
	engine := replay.New(e.store)
	deadline := time.Now().Add(5 * time.Second)
	for {
		proj, err := engine.Head(context.Background(), runID)
		if err == nil && cond(proj) {
			return proj
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached; last projection: %+v (err %v)", proj, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHappyPathCompletes(t *testing.T) {
	env := newTestEnv(t, nil)

	runID, err := env.sched.StartRun(context.Background(), collab.Issue{Ref: "repo#7", Title: "add feature"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	proj := env.waitFor(t, runID, func(p domain.RunProjection) bool {
		return p.State == domain.StateCompleted
	})

	if proj.IssueRef != "repo#7" || proj.PRNumber == 0 {
		t.Fatalf("projection incomplete: %+v", proj)
	}
	if env.git.MergeOps != 1 {
		t.Fatalf("merge ops = %d, want 1", env.git.MergeOps)
	}
	pr := env.git.PRs[proj.PRNumber]
	if pr == nil || !pr.Merged {
		t.Fatalf("pr %d not merged: %+v", proj.PRNumber, pr)
	}
	snap, err := env.repo.GetRun(context.Background(), runID)
	if err != nil || snap.State != domain.StateCompleted {
		t.Fatalf("snapshot not updated: %+v (%v)", snap, err)
	}
}

func TestGateExhaustionEscalatesThenResumes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gates.Script[domain.GateBuild] = []domain.GateOutcome{
		domain.OutcomeFail, domain.OutcomeFail, domain.OutcomeFail,
	}

	runID, err := env.sched.StartRun(context.Background(), collab.Issue{Ref: "repo#7"})
	if err != nil {
		t.Fatal(err)
	}
	proj := env.waitFor(t, runID, func(p domain.RunProjection) bool {
		return p.State == domain.StateEscalated
	})
	if proj.Escalation == nil || proj.Escalation.Reason != "retry-exhausted" {
		t.Fatalf("escalation detail wrong: %+v", proj.Escalation)
	}
	if len(proj.Escalation.Attempts) != 3 {
		t.Fatalf("escalation carries %d attempts, want 3", len(proj.Escalation.Attempts))
	}
	if proj.PrevState != domain.StateGateBuild {
		t.Fatalf("prev state = %s, want gate_build", proj.PrevState)
	}

	// Exhaustion follows the final failed attempt directly; a fix is only
	// suggested while attempts remain to spend it on.
	events, err := env.store.ReadRange(context.Background(), runID, 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	fixes, lastAttempt := 0, -1
	for i, e := range events {
		switch e.Type {
		case domain.EventFixSuggested:
			fixes++
		case domain.EventGateAttempt:
			lastAttempt = i
		}
	}
	if fixes != 2 {
		t.Fatalf("fix suggestions = %d, want one per non-final failure", fixes)
	}
	if events[lastAttempt+1].Type != domain.EventRetryExhausted {
		t.Fatalf("event after final failed attempt = %s, want retry_exhausted", events[lastAttempt+1].Type)
	}
	for _, key := range env.provider.Calls {
		if strings.Contains(key, "fix_build_3") {
			t.Fatalf("provider consulted for a fix after the final failure")
		}
	}

	// Resolution resumes from the gate it escalated from; the script is
	// exhausted so the gate now passes.
	if err := env.sched.ResolveEscalation(context.Background(), runID, "alice", "bumped toolchain"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	env.waitFor(t, runID, func(p domain.RunProjection) bool {
		return p.State == domain.StateCompleted
	})
}

func TestResolveNonEscalatedRun(t *testing.T) {
	env := newTestEnv(t, nil)
	runID, err := env.sched.StartRun(context.Background(), collab.Issue{Ref: "repo#7"})
	if err != nil {
		t.Fatal(err)
	}
	env.waitFor(t, runID, func(p domain.RunProjection) bool {
		return p.State == domain.StateCompleted
	})
	err = env.sched.ResolveEscalation(context.Background(), runID, "alice", "")
	if !errors.Is(err, scheduler.ErrNotEscalated) {
		t.Fatalf("want ErrNotEscalated, got %v", err)
	}
}

// A process restart must resume a parked run from its recorded position
// without repeating completed side effects.
func TestRestartResumesParkedRun(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Approvals.AutoApprove = []string{string(domain.ApprovalMerge)}
	})

	runID, err := env.sched.StartRun(context.Background(), collab.Issue{Ref: "repo#7"})
	if err != nil {
		t.Fatal(err)
	}
	env.waitFor(t, runID, func(p domain.RunProjection) bool {
		return p.State == domain.StatePlanPending
	})
	env.sched.Close()

	// New process, same workspace.
	sched2 := env.newScheduler(t)
	if err := sched2.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	// Still parked: resumption does not invent a decision.
	proj := env.waitFor(t, runID, func(p domain.RunProjection) bool {
		return p.State == domain.StatePlanPending
	})
	if proj.PendingApproval == nil {
		t.Fatalf("pending approval lost across restart")
	}

	gw := approval.New(env.store, env.cfg, zerolog.Nop())
	if err := gw.Decide(context.Background(), runID, domain.DecisionApproved, "alice", domain.ActorHuman); err != nil {
		t.Fatalf("decide: %v", err)
	}
	sched2.Kick(runID)

	env.waitFor(t, runID, func(p domain.RunProjection) bool {
		return p.State == domain.StateCompleted
	})
	if env.git.BranchOps != 1 {
		t.Fatalf("branch created %d times across restart, want 1", env.git.BranchOps)
	}
}

// A restart whose last committed event is branch.created resumes at the
// branch's successor step and never re-creates the branch.
func TestRestartAfterBranchCreated(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	runID := "run-restart"

	if err := env.git.CreateBranch(ctx, "feature-x", "seed"); err != nil {
		t.Fatal(err)
	}
	type step struct {
		typ     domain.EventType
		payload any
	}
	seq := int64(-1)
	for _, s := range []step{
		{domain.EventIssueSelected, domain.IssueSelectedPayload{IssueRef: "repo#8"}},
		{domain.EventPlanDrafted, domain.PlanDraftedPayload{Summary: "plan"}},
		{domain.EventApprovalRequested, domain.ApprovalRequestedPayload{Type: domain.ApprovalPlan}},
		{domain.EventApprovalProvided, domain.ApprovalProvidedPayload{Type: domain.ApprovalPlan, Decision: domain.DecisionApproved, DecidedBy: "alice"}},
		{domain.EventBranchCreated, domain.BranchCreatedPayload{Branch: "feature-x"}},
	} {
		evt, err := env.store.Append(ctx, runID, seq, s.typ, domain.ActorSystem, "scheduler", s.payload)
		if err != nil {
			t.Fatalf("seed %s: %v", s.typ, err)
		}
		seq = evt.Seq
	}
	events, err := env.store.ReadRange(ctx, runID, 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	proj, err := machine.Fold(runID, events)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.repo.UpsertRunSnapshot(ctx, proj); err != nil {
		t.Fatal(err)
	}

	if err := env.sched.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	env.waitFor(t, runID, func(p domain.RunProjection) bool {
		return p.State == domain.StateCompleted
	})
	if env.git.BranchOps != 1 {
		t.Fatalf("branch created %d times, want only the pre-restart one", env.git.BranchOps)
	}
}

// A decision appended by another process (the CLI against the same
// workspace) reaches no in-process bus; the run loop's periodic rescan must
// pick it up.
func TestRescanPicksUpExternalDecision(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Approvals.AutoApprove = []string{string(domain.ApprovalMerge)}
	})
	env.sched.Sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return nil
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = env.sched.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	runID, err := env.sched.StartRun(ctx, collab.Issue{Ref: "repo#7"})
	if err != nil {
		t.Fatal(err)
	}
	env.waitFor(t, runID, func(p domain.RunProjection) bool {
		return p.State == domain.StatePlanPending
	})

	// Separate gateway, no Kick: exactly what a second process writes.
	gw := approval.New(env.store, env.cfg, zerolog.Nop())
	if err := gw.Decide(context.Background(), runID, domain.DecisionApproved, "alice", domain.ActorHuman); err != nil {
		t.Fatalf("decide: %v", err)
	}
	env.waitFor(t, runID, func(p domain.RunProjection) bool {
		return p.State == domain.StateCompleted
	})
}

func TestAbort(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Approvals.AutoApprove = nil
	})
	runID, err := env.sched.StartRun(context.Background(), collab.Issue{Ref: "repo#7"})
	if err != nil {
		t.Fatal(err)
	}
	env.waitFor(t, runID, func(p domain.RunProjection) bool {
		return p.State == domain.StatePlanPending
	})

	if err := env.sched.Abort(context.Background(), runID, "superseded", domain.ActorHuman, "alice"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	proj := env.waitFor(t, runID, func(p domain.RunProjection) bool {
		return p.State == domain.StateAborted
	})
	if proj.State != domain.StateAborted {
		t.Fatalf("state = %s", proj.State)
	}

	err = env.sched.Abort(context.Background(), runID, "again", domain.ActorHuman, "alice")
	if !errors.Is(err, scheduler.ErrRunTerminal) {
		t.Fatalf("abort of terminal run: %v", err)
	}
}

func TestCIFailureEscalates(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ci.Statuses = []string{"pending", "failure"}

	runID, err := env.sched.StartRun(context.Background(), collab.Issue{Ref: "repo#7"})
	if err != nil {
		t.Fatal(err)
	}
	proj := env.waitFor(t, runID, func(p domain.RunProjection) bool {
		return p.State == domain.StateEscalated
	})
	if proj.Escalation == nil || proj.Escalation.Reason != "ci-failure" {
		t.Fatalf("escalation = %+v, want ci-failure", proj.Escalation)
	}
}

func TestProviderFaultEscalates(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.Fail = collab.NewError(collab.KindPermissionDenied, "provider", "key revoked")

	runID, err := env.sched.StartRun(context.Background(), collab.Issue{Ref: "repo#7"})
	if err != nil {
		t.Fatal(err)
	}
	proj := env.waitFor(t, runID, func(p domain.RunProjection) bool {
		return p.State == domain.StateEscalated
	})
	if proj.Escalation == nil || proj.Escalation.Reason != "step-failure" {
		t.Fatalf("escalation = %+v, want step-failure", proj.Escalation)
	}
}

func TestBreakingChangePlanParksForHuman(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.Content = "rename the public API\n\nBREAKING CHANGE: clients must update"

	runID, err := env.sched.StartRun(context.Background(), collab.Issue{Ref: "repo#7"})
	if err != nil {
		t.Fatal(err)
	}
	// plan is in auto_approve, but a breaking-change approval never
	// auto-resolves.
	proj := env.waitFor(t, runID, func(p domain.RunProjection) bool {
		return p.PendingApproval != nil
	})
	if proj.PendingApproval.Type != domain.ApprovalBreakingChange {
		t.Fatalf("pending approval type = %s, want breaking-change", proj.PendingApproval.Type)
	}
	if !proj.BreakingChange {
		t.Fatalf("projection did not flag the breaking change")
	}
}

func TestStartRunRecordsIssue(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Approvals.AutoApprove = nil
	})
	runID, err := env.sched.StartRun(context.Background(), collab.Issue{Ref: "repo#9", Title: "fix crash"})
	if err != nil {
		t.Fatal(err)
	}
	events, err := env.store.ReadRange(context.Background(), runID, 0, -1)
	if err != nil || len(events) == 0 {
		t.Fatalf("read events: %v (%d)", err, len(events))
	}
	if events[0].Type != domain.EventIssueSelected {
		t.Fatalf("first event = %s", events[0].Type)
	}
	var p domain.IssueSelectedPayload
	if err := domain.UnmarshalPayload(events[0], &p); err != nil {
		t.Fatal(err)
	}
	if p.IssueRef != "repo#9" || p.Title != "fix crash" {
		t.Fatalf("payload = %+v", p)
	}
}
