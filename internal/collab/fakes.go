package collab

import (
	"context"
	"fmt"
	"sync"

	"runline/internal/domain"
)

// In-memory collaborators for tests and local dry runs. They honor
// idempotency keys: a repeated call with a seen key returns the original
// result without a second side effect.

// FakeProvider returns canned content per prompt prefix.
type FakeProvider struct {
	mu      sync.Mutex
	Content string
	Fail    error
	Calls   []string // idempotency keys, in order
}

func (p *FakeProvider) Invoke(ctx context.Context, prompt, promptContext, idempotencyKey string) (ProviderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail != nil {
		return ProviderResult{}, p.Fail
	}
	for _, k := range p.Calls {
		if k == idempotencyKey {
			return ProviderResult{Content: p.Content}, nil
		}
	}
	p.Calls = append(p.Calls, idempotencyKey)
	content := p.Content
	if content == "" {
		content = "stub response"
	}
	return ProviderResult{Content: content, TokenUsage: len(prompt)}, nil
}

// FakeGit records branch/PR operations in memory.
type FakeGit struct {
	mu        sync.Mutex
	Branches  map[string]bool
	PRs       map[int]*PRStatus
	nextPR    int
	MergeErr  error
	seenKeys  map[string]bool
	BranchOps int
	MergeOps  int
}

func NewFakeGit() *FakeGit {
	return &FakeGit{
		Branches: map[string]bool{},
		PRs:      map[int]*PRStatus{},
		nextPR:   100,
		seenKeys: map[string]bool{},
	}
}

func (g *FakeGit) GetIssue(ctx context.Context, ref string) (Issue, error) {
	return Issue{Ref: ref, Title: "issue " + ref}, nil
}

func (g *FakeGit) CreateBranch(ctx context.Context, name, idempotencyKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seenKeys[idempotencyKey] {
		return nil
	}
	g.seenKeys[idempotencyKey] = true
	g.Branches[name] = true
	g.BranchOps++
	return nil
}

func (g *FakeGit) Commit(ctx context.Context, branch, message, idempotencyKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.Branches[branch] {
		return NewError(KindNotFound, "git", "branch "+branch+" not found")
	}
	return nil
}

func (g *FakeGit) CreatePR(ctx context.Context, branch, title, idempotencyKey string) (PRStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seenKeys[idempotencyKey] {
		for _, pr := range g.PRs {
			return *pr, nil
		}
	}
	g.seenKeys[idempotencyKey] = true
	g.nextPR++
	pr := &PRStatus{Number: g.nextPR, Mergeable: true, URL: fmt.Sprintf("https://example.test/pr/%d", g.nextPR)}
	g.PRs[pr.Number] = pr
	return *pr, nil
}

func (g *FakeGit) GetPRStatus(ctx context.Context, number int) (PRStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pr, ok := g.PRs[number]
	if !ok {
		return PRStatus{}, NewError(KindNotFound, "git", fmt.Sprintf("pr %d not found", number))
	}
	return *pr, nil
}

func (g *FakeGit) MergePR(ctx context.Context, number int, idempotencyKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.MergeErr != nil {
		return g.MergeErr
	}
	if g.seenKeys[idempotencyKey] {
		return nil
	}
	pr, ok := g.PRs[number]
	if !ok {
		return NewError(KindNotFound, "git", fmt.Sprintf("pr %d not found", number))
	}
	g.seenKeys[idempotencyKey] = true
	pr.Merged = true
	g.MergeOps++
	return nil
}

// FakeCI returns a scripted sequence of statuses, then repeats the last.
type FakeCI struct {
	mu       sync.Mutex
	Statuses []string
	idx      int
}

func (c *FakeCI) Poll(ctx context.Context, branch string, prNumber int) (CIResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Statuses) == 0 {
		return CIResult{Status: "success"}, nil
	}
	s := c.Statuses[c.idx]
	if c.idx < len(c.Statuses)-1 {
		c.idx++
	}
	return CIResult{Status: s}, nil
}

// FakeIssues hands out a fixed queue of issues.
type FakeIssues struct {
	mu    sync.Mutex
	Queue []Issue
}

func (f *FakeIssues) Push(issues ...Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Queue = append(f.Queue, issues...)
}

func (f *FakeIssues) NextIssue(ctx context.Context) (Issue, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Queue) == 0 {
		return Issue{}, false, nil
	}
	issue := f.Queue[0]
	f.Queue = f.Queue[1:]
	return issue, true, nil
}

// FakeGateRunner returns scripted outcomes per gate, then passes.
type FakeGateRunner struct {
	mu       sync.Mutex
	Script   map[domain.GateType][]domain.GateOutcome
	Diagnose string
}

func (r *FakeGateRunner) RunGate(ctx context.Context, runID string, gateType domain.GateType, in GateInput) (domain.GateOutcome, string, error) {
	_ = in
	r.mu.Lock()
	defer r.mu.Unlock()
	outcomes := r.Script[gateType]
	if len(outcomes) == 0 {
		return domain.OutcomePass, "", nil
	}
	out := outcomes[0]
	r.Script[gateType] = outcomes[1:]
	if out == domain.OutcomePass {
		return out, "", nil
	}
	diag := r.Diagnose
	if diag == "" {
		diag = fmt.Sprintf("%s failed", gateType)
	}
	return out, diag, nil
}
