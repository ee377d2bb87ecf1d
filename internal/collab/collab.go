// Package collab defines the boundary contracts the orchestration core
// consumes from its external collaborators: the AI provider, the git
// platform, and CI status. The core treats every collaborator failure as
// retryable-with-backoff or escalatable, never as a process fault.
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"runline/internal/domain"
)

// ErrorKind classifies a collaborator failure.
type ErrorKind string

const (
	KindRateLimited         ErrorKind = "rate_limited"
	KindTimeout             ErrorKind = "timeout"
	KindContextOverflow     ErrorKind = "context_overflow"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindNotFound            ErrorKind = "not_found"
	KindPermissionDenied    ErrorKind = "permission_denied"
	KindConflict            ErrorKind = "conflict"
)

// Error is a classified collaborator failure.
type Error struct {
	Kind    ErrorKind
	Service string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Service, e.Message, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Service, e.Message, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified collaborator error.
func NewError(kind ErrorKind, service, message string) *Error {
	return &Error{Kind: kind, Service: service, Message: message}
}

// Retryable reports whether err is transient and worth retrying with backoff.
// Merge conflicts and permission problems are not; they route to escalation.
func Retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ce *Error
	if errors.As(err, &ce) {
		switch ce.Kind {
		case KindRateLimited, KindTimeout, KindProviderUnavailable:
			return true
		}
	}
	return false
}

// IdempotencyKey derives the deterministic identifier for a side-effecting
// call, so a command re-issued after a crash cannot duplicate its effect.
func IdempotencyKey(runID, step string, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", runID, step, attempt)
}

// ProviderResult is the AI provider's answer to one invocation.
type ProviderResult struct {
	Content    string
	TokenUsage int
	Latency    time.Duration
}

// Provider is the AI collaborator: opaque, possibly slow, possibly failing.
// Calls must be issued with a caller-supplied timeout on ctx.
type Provider interface {
	Invoke(ctx context.Context, prompt, promptContext, idempotencyKey string) (ProviderResult, error)
}

// PRStatus is a pull request's review/merge state.
type PRStatus struct {
	Number    int
	Merged    bool
	Mergeable bool
	URL       string
}

// Issue is a work item from the git platform's tracker.
type Issue struct {
	Ref   string
	Title string
	Body  string
}

// GitPlatform is the branch/PR collaborator.
type GitPlatform interface {
	GetIssue(ctx context.Context, ref string) (Issue, error)
	CreateBranch(ctx context.Context, name, idempotencyKey string) error
	Commit(ctx context.Context, branch, message, idempotencyKey string) error
	CreatePR(ctx context.Context, branch, title, idempotencyKey string) (PRStatus, error)
	GetPRStatus(ctx context.Context, number int) (PRStatus, error)
	MergePR(ctx context.Context, number int, idempotencyKey string) error
}

// CIResult is one poll of the CI pipeline.
type CIResult struct {
	Status string // pending|success|failure
	Logs   string
}

// CIStatus is the polled CI collaborator.
type CIStatus interface {
	Poll(ctx context.Context, branch string, prNumber int) (CIResult, error)
}

// GateInput carries what a gate attempt needs from the run.
type GateInput struct {
	Branch         string
	IssueRef       string
	IdempotencyKey string
}

// GateRunner executes one gate attempt against the outside world (build
// system, test harness, scanners).
type GateRunner interface {
	RunGate(ctx context.Context, runID string, gateType domain.GateType, in GateInput) (domain.GateOutcome, string, error)
}

// IssueSource supplies the next eligible issue for the scheduler. ok is false
// when no work is available and the scheduler should idle-poll.
type IssueSource interface {
	NextIssue(ctx context.Context) (Issue, bool, error)
}

// BackoffConfig holds retry configuration for transient collaborator faults.
type BackoffConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultBackoff returns sensible retry defaults.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// WithBackoff executes fn with exponential backoff, retrying only transient
// failures.
func WithBackoff(ctx context.Context, cfg BackoffConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultBackoff()
	}
	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}
