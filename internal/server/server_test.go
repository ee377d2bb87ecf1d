package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"runline/internal/approval"
	"runline/internal/collab"
	"runline/internal/config"
	"runline/internal/db"
	"runline/internal/domain"
	"runline/internal/eventstore"
	"runline/internal/gate"
	"runline/internal/migrate"
	"runline/internal/repo"
	"runline/internal/scheduler"
	"runline/internal/server"
)

const testSecret = "test-secret"

type testAPI struct {
	srv   *httptest.Server
	store *eventstore.Store
	repo  repo.Repo
	sched *scheduler.Scheduler
	token string
}

func newTestAPI(t *testing.T, mutate func(cfg *config.Config)) *testAPI {
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
	cfg.Approvals.AutoApprove = nil
	if mutate != nil {
		mutate(cfg)
	}

	store := eventstore.New(conn)
	r := repo.Repo{DB: conn}
	runner := &collab.FakeGateRunner{Script: map[domain.GateType][]domain.GateOutcome{}}
	approvals := approval.New(store, cfg, zerolog.Nop())
	sched := scheduler.New(scheduler.Deps{
		Store:     store,
		Repo:      r,
		Config:    cfg,
		Gates:     gate.New(store, cfg, runner, zerolog.Nop()),
		Approvals: approvals,
		Provider:  &collab.FakeProvider{},
		Git:       collab.NewFakeGit(),
		CI:        &collab.FakeCI{},
		Logger:    zerolog.Nop(),
	})
	sched.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	t.Cleanup(sched.Close)

	handler, err := server.New(server.Config{
		Store:     store,
		Repo:      r,
		Runs:      sched,
		Approvals: approvals,
		AppConfig: cfg,
		Auth:      server.AuthConfig{JWTSecret: testSecret},
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	return &testAPI{srv: srv, store: store, repo: r, sched: sched, token: token}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, auth func(*http.Request)) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, buf)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != nil {
		auth(req)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return res, data
}

func (a *testAPI) bearer(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.token)
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("error envelope malformed: %v: %s", err, data)
	}
	return env.Error.Code
}

func TestHealthNeedsNoCredentials(t *testing.T) {
	api := newTestAPI(t, nil)
	res, data := api.do(t, http.MethodGet, "/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health = %d: %s", res.StatusCode, data)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	api := newTestAPI(t, nil)
	res, data := api.do(t, http.MethodGet, "/v0/runs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code = %q", code)
	}

	res, data = api.do(t, http.MethodGet, "/v0/runs", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer garbage")
	})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("bad token: %d %s", res.StatusCode, data)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	api := newTestAPI(t, nil)
	_, raw, err := api.repo.CreateAPIKey(context.Background(), "bob", "ci")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	res, data := api.do(t, http.MethodGet, "/v0/runs", nil, func(r *http.Request) {
		r.Header.Set("X-Api-Key", raw)
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key rejected: %d %s", res.StatusCode, data)
	}

	res, _ = api.do(t, http.MethodGet, "/v0/runs", nil, func(r *http.Request) {
		r.Header.Set("X-Api-Key", "rl_wrong")
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key accepted: %d", res.StatusCode)
	}
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t, nil)

	res, data := api.do(t, http.MethodPost, "/v0/runs", server.StartRunRequest{IssueRef: "repo#3", Title: "fix"}, api.bearer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start run = %d: %s", res.StatusCode, data)
	}
	var run server.RunResponse
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatal(err)
	}
	if run.RunID == "" || run.IssueRef != "repo#3" {
		t.Fatalf("run response: %+v", run)
	}

	// Plan approval is not auto-approved, so the run parks.
	run = api.waitForState(t, run.RunID, domain.StatePlanPending)
	if run.PendingApproval == nil || run.PendingApproval.Type != domain.ApprovalPlan {
		t.Fatalf("pending approval: %+v", run.PendingApproval)
	}

	res, data = api.do(t, http.MethodPost, fmt.Sprintf("/v0/runs/%s/approval", run.RunID), server.DecisionRequest{Decision: "approved"}, api.bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide = %d: %s", res.StatusCode, data)
	}
	run = api.waitForState(t, run.RunID, domain.StateMergePending)

	res, data = api.do(t, http.MethodPost, fmt.Sprintf("/v0/runs/%s/approval", run.RunID), server.DecisionRequest{Decision: "approved"}, api.bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("merge decide = %d: %s", res.StatusCode, data)
	}
	run = api.waitForState(t, run.RunID, domain.StateCompleted)

	// The decision is attributed to the JWT subject in the log.
	res, data = api.do(t, http.MethodGet, fmt.Sprintf("/v0/runs/%s/events", run.RunID), nil, api.bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events = %d", res.StatusCode)
	}
	var events []server.EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range events {
		if e.Type == string(domain.EventApprovalProvided) && e.ActorID == "alice" && e.ActorKind == string(domain.ActorHuman) {
			found = true
		}
	}
	if !found {
		t.Fatalf("no human approval event attributed to alice")
	}
}

func (a *testAPI) waitForState(t *testing.T, runID string, want domain.State) server.RunResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var run server.RunResponse
	for {
		res, data := a.do(t, http.MethodGet, "/v0/runs/"+runID, nil, a.bearer)
		if res.StatusCode == http.StatusOK {
			if err := json.Unmarshal(data, &run); err == nil && run.State == string(want) {
				return run
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s never reached %s; last: %+v", runID, want, run)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestErrorEnvelopes(t *testing.T) {
	api := newTestAPI(t, nil)

	res, data := api.do(t, http.MethodGet, "/v0/runs/nope", nil, api.bearer)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("missing run: %d %s", res.StatusCode, data)
	}

	res, data = api.do(t, http.MethodPost, "/v0/runs", server.StartRunRequest{}, api.bearer)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("empty issue_ref: %d %s", res.StatusCode, data)
	}

	// Deciding with nothing pending conflicts.
	res, _ = api.do(t, http.MethodPost, "/v0/runs", server.StartRunRequest{IssueRef: "repo#1"}, api.bearer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start run failed")
	}
	run := struct {
		RunID string `json:"run_id"`
	}{}
	res, data = api.do(t, http.MethodGet, "/v0/runs", nil, api.bearer)
	var runs []server.RunSummaryResponse
	if err := json.Unmarshal(data, &runs); err != nil || len(runs) == 0 {
		t.Fatalf("list runs: %v %s", err, data)
	}
	run.RunID = runs[0].RunID
	api.waitForState(t, run.RunID, domain.StatePlanPending)

	res, data = api.do(t, http.MethodPost, fmt.Sprintf("/v0/runs/%s/approval", run.RunID), server.DecisionRequest{Decision: "maybe"}, api.bearer)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad decision accepted: %d %s", res.StatusCode, data)
	}
}

func TestAbortOverHTTP(t *testing.T) {
	api := newTestAPI(t, nil)
	res, data := api.do(t, http.MethodPost, "/v0/runs", server.StartRunRequest{IssueRef: "repo#5"}, api.bearer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start: %d", res.StatusCode)
	}
	var run server.RunResponse
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatal(err)
	}
	api.waitForState(t, run.RunID, domain.StatePlanPending)

	res, data = api.do(t, http.MethodPost, fmt.Sprintf("/v0/runs/%s/abort", run.RunID), server.AbortRequest{Reason: "dup"}, api.bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("abort = %d: %s", res.StatusCode, data)
	}
	api.waitForState(t, run.RunID, domain.StateAborted)

	res, data = api.do(t, http.MethodPost, fmt.Sprintf("/v0/runs/%s/abort", run.RunID), server.AbortRequest{}, api.bearer)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "run_terminal" {
		t.Fatalf("second abort: %d %s", res.StatusCode, data)
	}
}

func TestReplayEndpoint(t *testing.T) {
	api := newTestAPI(t, nil)
	res, data := api.do(t, http.MethodPost, "/v0/runs", server.StartRunRequest{IssueRef: "repo#6"}, api.bearer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start: %d", res.StatusCode)
	}
	var run server.RunResponse
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatal(err)
	}
	api.waitForState(t, run.RunID, domain.StatePlanPending)

	asOf := time.Now().UTC().Add(time.Minute).Format(time.RFC3339)
	res, data = api.do(t, http.MethodGet, fmt.Sprintf("/v0/runs/%s/replay?as_of=%s", run.RunID, asOf), nil, api.bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replay = %d: %s", res.StatusCode, data)
	}
	var replayed server.RunResponse
	if err := json.Unmarshal(data, &replayed); err != nil {
		t.Fatal(err)
	}
	if replayed.State != string(domain.StatePlanPending) {
		t.Fatalf("replayed state = %s", replayed.State)
	}

	res, data = api.do(t, http.MethodGet, fmt.Sprintf("/v0/runs/%s/replay?as_of=whenever", run.RunID), nil, api.bearer)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad as_of accepted: %d %s", res.StatusCode, data)
	}
}
