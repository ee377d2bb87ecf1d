// Package server exposes the orchestration core over HTTP. All mutating
// routes resolve to event appends; reads serve projections and the raw log.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"runline/internal/approval"
	"runline/internal/config"
	"runline/internal/eventstore"
	"runline/internal/repo"
	"runline/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	Store     *eventstore.Store
	Repo      repo.Repo
	Runs      *scheduler.Scheduler
	Approvals *approval.Gateway
	AppConfig *config.Config
	Metrics   http.Handler
	BasePath  string
	Auth      AuthConfig
	Logger    zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"run not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every route responds with.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Runline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}

	hcfg := huma.DefaultConfig("Runline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRuns(group, cfg)
	registerApprovals(group, cfg)
	registerEscalations(group, cfg)
	registerEvents(group, cfg)
	registerReplay(group, cfg)
	registerAPIKeys(group, cfg)

	startWebhookDispatcher(cfg)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, eventstore.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, approval.ErrPolicyViolation):
		return newAPIError(http.StatusForbidden, "human_approval_required", err.Error(), nil)
	case errors.Is(err, approval.ErrNoPendingApproval):
		return newAPIError(http.StatusConflict, "no_pending_approval", err.Error(), nil)
	case errors.Is(err, scheduler.ErrRunTerminal):
		return newAPIError(http.StatusConflict, "run_terminal", err.Error(), nil)
	case errors.Is(err, scheduler.ErrNotEscalated):
		return newAPIError(http.StatusConflict, "not_escalated", err.Error(), nil)
	case errors.Is(err, eventstore.ErrConcurrencyConflict):
		return newAPIError(http.StatusConflict, "concurrency_conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}
