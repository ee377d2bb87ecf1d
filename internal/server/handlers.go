package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"runline/internal/collab"
	"runline/internal/domain"
	"runline/internal/eventstore"
	"runline/internal/replay"
)

func registerRuns(api huma.API, cfg Config) {
	rep := replay.New(cfg.Store)

	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Start a run for an issue",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body StartRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.IssueRef) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "issue_ref is required", nil)
		}
		runID, err := cfg.Runs.StartRun(ctx, collab.Issue{Ref: input.Body.IssueRef, Title: input.Body.Title})
		if err != nil {
			return nil, handleError(err)
		}
		proj, err := rep.Head(ctx, runID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(proj)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		State string `query:"state"`
	}) (*struct {
		Body []RunSummaryResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var states []domain.State
		if input.State != "" {
			states = append(states, domain.State(input.State))
		}
		snaps, err := cfg.Repo.ListRuns(ctx, states...)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RunSummaryResponse, 0, len(snaps))
		for _, s := range snaps {
			out = append(out, RunSummaryResponse{
				RunID:     s.RunID,
				State:     string(s.State),
				IssueRef:  s.IssueRef,
				LastSeq:   s.LastSeq,
				UpdatedAt: s.UpdatedAt,
			})
		}
		return &struct {
			Body []RunSummaryResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run projection",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		proj, err := rep.Head(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		if proj.LastSeq < 0 {
			return nil, newAPIError(http.StatusNotFound, "not_found", "run not found", nil)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(proj)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-events",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/events",
		Summary:     "Read a run's event log",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		RunID   string `path:"run_id"`
		FromSeq int64  `query:"from_seq"`
		ToSeq   int64  `query:"to_seq" default:"-1"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		events, err := cfg.Store.ReadRange(ctx, input.RunID, input.FromSeq, input.ToSeq)
		if err != nil {
			return nil, handleError(err)
		}
		if len(events) == 0 && input.FromSeq == 0 {
			return nil, newAPIError(http.StatusNotFound, "not_found", "run not found", nil)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/abort",
		Summary:     "Abort a run",
		Errors:      []int{http.StatusConflict, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		RunID string       `path:"run_id"`
		Body  AbortRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := cfg.Runs.Abort(ctx, input.RunID, input.Body.Reason, domain.ActorHuman, actorID); err != nil {
			return nil, handleError(err)
		}
		proj, err := rep.Head(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(proj)}, nil
	})
}

func registerApprovals(api huma.API, cfg Config) {
	rep := replay.New(cfg.Store)

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/approval",
		Summary:     "Resolve a pending approval",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusNotFound,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		RunID string          `path:"run_id"`
		Body  DecisionRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		decision := domain.Decision(input.Body.Decision)
		switch decision {
		case domain.DecisionApproved, domain.DecisionRejected, domain.DecisionEdited:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "decision must be approved, rejected, or edited", nil)
		}
		if err := cfg.Approvals.Decide(ctx, input.RunID, decision, actorID, domain.ActorHuman); err != nil {
			return nil, handleError(err)
		}
		cfg.Runs.Kick(input.RunID)
		proj, err := rep.Head(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(proj)}, nil
	})
}

func registerEscalations(api huma.API, cfg Config) {
	rep := replay.New(cfg.Store)

	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalated runs",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []EscalationResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		snaps, err := cfg.Repo.ListRuns(ctx, domain.StateEscalated)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EscalationResponse, 0, len(snaps))
		for _, s := range snaps {
			proj, err := rep.Head(ctx, s.RunID)
			if err != nil {
				return nil, handleError(err)
			}
			if proj.Escalation == nil {
				continue
			}
			out = append(out, EscalationResponse{
				RunID:     proj.RunID,
				IssueRef:  proj.IssueRef,
				Reason:    proj.Escalation.Reason,
				Gate:      string(proj.Escalation.Gate),
				Attempts:  proj.Escalation.Attempts,
				FromState: string(proj.PrevState),
			})
		}
		return &struct {
			Body []EscalationResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-escalation",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/escalation/resolve",
		Summary:     "Resolve an escalation and resume the run",
		Errors:      []int{http.StatusConflict, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		RunID string                   `path:"run_id"`
		Body  ResolveEscalationRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := cfg.Runs.ResolveEscalation(ctx, input.RunID, actorID, input.Body.Note); err != nil {
			return nil, handleError(err)
		}
		proj, err := rep.Head(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(proj)}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "query-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Query the event log across runs",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		RunID   string `query:"run_id"`
		Type    string `query:"type"`
		ActorID string `query:"actor_id"`
		Since   string `query:"since"`
		Until   string `query:"until"`
		Limit   int    `query:"limit" default:"100"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body struct {
			Items      []EventResponse `json:"items"`
			NextCursor string          `json:"next_cursor,omitempty"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		f := eventstore.Filter{RunID: input.RunID, ActorID: input.ActorID}
		if input.Type != "" {
			for _, t := range strings.Split(input.Type, ",") {
				f.Types = append(f.Types, domain.EventType(strings.TrimSpace(t)))
			}
		}
		var err error
		if f.SinceMillis, err = parseTimeMillis(input.Since); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid since timestamp", nil)
		}
		if f.UntilMillis, err = parseTimeMillis(input.Until); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid until timestamp", nil)
		}
		events, next, err := cfg.Store.Query(ctx, f, input.Limit, input.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items      []EventResponse `json:"items"`
				NextCursor string          `json:"next_cursor,omitempty"`
			} `json:"body"`
		}{}
		resp.Body.Items = mapEvents(events)
		resp.Body.NextCursor = next
		return resp, nil
	})
}

func registerReplay(api huma.API, cfg Config) {
	rep := replay.New(cfg.Store)

	huma.Register(api, huma.Operation{
		OperationID: "replay-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/replay",
		Summary:     "Reconstruct run state as of a timestamp",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		AsOf  string `query:"as_of"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		asOf := time.Now().UTC()
		if input.AsOf != "" {
			parsed, err := time.Parse(time.RFC3339, input.AsOf)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid as_of timestamp", nil)
			}
			asOf = parsed
		}
		proj, err := rep.Reconstruct(ctx, input.RunID, asOf)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(proj)}, nil
	})
}

func registerAPIKeys(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		key, raw, err := cfg.Repo.CreateAPIKey(ctx, input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Key:     raw,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		keys, err := cfg.Repo.ListAPIKeys(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := cfg.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func parseTimeMillis(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, err
	}
	return t.UTC().UnixMilli(), nil
}
