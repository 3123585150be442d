package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"veriflow/internal/config"
	"veriflow/internal/db"
	"veriflow/internal/domain"
	"veriflow/internal/engine"
	"veriflow/internal/identity"
	"veriflow/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("tenant-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.Repo.InsertTenant(context.Background(), domain.Tenant{
		ID: "tenant-1", Name: "Tenant One", Status: "active",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	reg := identity.NewRegistry(e.Repo)
	reg.Events = &e.Events
	handler, err := New(Config{
		Engine:     e,
		Registry:   reg,
		BasePath:   "/v0",
		Auth:       AuthConfig{JWTSecret: testSecret},
		SessionTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func login(t *testing.T, srv *testServer, contact string) (string, LoginResponse) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"tenant_id": "tenant-1",
		"contact":   contact,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var out LoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if out.Token == "" {
		t.Fatal("no token in login response")
	}
	return out.Token, out
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestLoginStartApproveFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token, loggedIn := login(t, srv, "user-1@example.com")

	// login a second time: same actor, new session
	_, again := login(t, srv, "user-1@example.com")
	if again.Actor.ID != loggedIn.Actor.ID {
		t.Fatalf("login created a duplicate actor: %s != %s", again.Actor.ID, loggedIn.Actor.ID)
	}
	if again.Session.ID == loggedIn.Session.ID {
		t.Fatal("login reused a session")
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/instances", map[string]any{
		"definition_id": "approval-chain",
		"snapshot":      map[string]any{"change": "CR-42"},
	}, bearer(token))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start instance status %d: %s", res.StatusCode, string(data))
	}
	var inst InstanceResponse
	_ = json.Unmarshal(data, &inst)
	if inst.Status != "RUNNING" || inst.CurrentStepID != "step-initial-review" {
		t.Fatalf("unexpected instance: %+v", inst)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/pending", nil, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pending status %d: %s", res.StatusCode, string(data))
	}
	var pending []TaskResponse
	_ = json.Unmarshal(data, &pending)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending task, got %d (%s)", len(pending), string(data))
	}
	taskID := pending[0].ID

	// empty justification is rejected without consuming the task
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/decision", map[string]any{
		"decision":      "APPROVE",
		"justification": "   ",
	}, bearer(token))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "justification_required" {
		t.Fatalf("expected 422 justification_required, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/decision", map[string]any{
		"decision":      "APPROVE",
		"justification": "looks good",
	}, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide status %d: %s", res.StatusCode, string(data))
	}
	var decided TaskResponse
	_ = json.Unmarshal(data, &decided)
	if decided.Status != "COMPLETED" || decided.Decision == nil || decided.Decision.Justification != "looks good" {
		t.Fatalf("unexpected decided task: %s", string(data))
	}

	// deciding again conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/decision", map[string]any{
		"decision":      "REJECT",
		"justification": "no",
	}, bearer(token))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "task_not_pending" {
		t.Fatalf("expected 409 task_not_pending, got %d %s", res.StatusCode, string(data))
	}

	// the instance advanced to the manager step
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/instances/"+inst.ID, nil, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get instance status %d: %s", res.StatusCode, string(data))
	}
	var after InstanceResponse
	_ = json.Unmarshal(data, &after)
	if after.CurrentStepID != "step-manager-approval" || after.Status != "RUNNING" {
		t.Fatalf("instance did not advance: %+v", after)
	}

	// and the journal recorded the decision
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/journal?instance_id="+inst.ID, nil, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("journal status %d: %s", res.StatusCode, string(data))
	}
	var entries []JournalEntryResponse
	_ = json.Unmarshal(data, &entries)
	if len(entries) != 1 || entries[0].TaskID != taskID {
		t.Fatalf("unexpected journal: %s", string(data))
	}
}

func TestRequestsWithoutCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/pending", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %d %s", res.StatusCode, string(data))
	}
	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestTenantMismatchRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token, _ := login(t, srv, "user-1@example.com")
	headers := bearer(token)
	headers["X-Tenant-Id"] = "tenant-2"
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, headers)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "tenant_mismatch" {
		t.Fatalf("expected 403 tenant_mismatch, got %d %s", res.StatusCode, string(data))
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token, _ := login(t, srv, "user-1@example.com")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/logout", nil, bearer(token))
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, bearer(token))
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "session_revoked" {
		t.Fatalf("expected 401 session_revoked, got %d %s", res.StatusCode, string(data))
	}

	// logout again: revocation is idempotent, but the session is already
	// unusable so the request itself is rejected
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/logout", nil, bearer(token))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after revocation, got %d %s", res.StatusCode, string(data))
	}
}

func TestLoginUnknownTenant(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"tenant_id": "tenant-nope",
		"contact":   "user@example.com",
	}, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "tenant_not_found" {
		t.Fatalf("expected 404 tenant_not_found, got %d %s", res.StatusCode, string(data))
	}
}
