package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/rs/zerolog"

	"traceline/internal/config"
	"traceline/internal/db"
	"traceline/internal/engine"
	"traceline/internal/migrate"
	"traceline/internal/states"
)

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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	if err := states.New(conn).Seed(context.Background(), cfg); err != nil {
		t.Fatalf("seed states: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", Logger: zerolog.Nop()},
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

func register(t *testing.T, srv *testServer, name, email string) (AuthResponse, map[string]string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/register", map[string]any{
		"name":     name,
		"email":    email,
		"password": "hunter2hunter2",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: %d %s", email, res.StatusCode, string(data))
	}
	var out AuthResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal auth: %v", err)
	}
	return out, map[string]string{"Authorization": "Bearer " + out.Token}
}

func stateIDByName(t *testing.T, srv *testServer, headers map[string]string, name string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/states", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list states: %d %s", res.StatusCode, string(data))
	}
	var items []StateResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal states: %v", err)
	}
	for _, s := range items {
		if s.Name == name {
			return s.ID
		}
	}
	t.Fatalf("state %s not seeded", name)
	return ""
}

func TestRegisterLoginFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	auth, headers := register(t, srv, "Alice", "alice@example.com")
	if auth.Token == "" || auth.Contributor.Email != "alice@example.com" {
		t.Fatalf("unexpected register response: %+v", auth)
	}

	// duplicate email rejected
	dupRes, dupBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/register", map[string]any{
		"name":     "Alice again",
		"email":    "alice@example.com",
		"password": "hunter2hunter2",
	}, nil)
	if dupRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected duplicate email 400, got %d %s", dupRes.StatusCode, string(dupBody))
	}

	loginRes, loginBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"email":    "alice@example.com",
		"password": "hunter2hunter2",
	}, nil)
	if loginRes.StatusCode != http.StatusOK {
		t.Fatalf("login: %d %s", loginRes.StatusCode, string(loginBody))
	}
	var logged AuthResponse
	if err := json.Unmarshal(loginBody, &logged); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if logged.Contributor.LastLogin == nil {
		t.Fatalf("expected last_login touched on login")
	}

	badRes, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"email":    "alice@example.com",
		"password": "wrong-password",
	}, nil)
	if badRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", badRes.StatusCode)
	}

	meRes, meBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/auth/me", nil, headers)
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", meRes.StatusCode, string(meBody))
	}

	noTokenRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/auth/me", nil, nil)
	if noTokenRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", noTokenRes.StatusCode)
	}
}

func TestEntityLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, headers := register(t, srv, "Alice", "alice@example.com")

	createRes, createBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/entities", map[string]any{
		"name": "Launch plan",
		"type": "document",
	}, headers)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create entity: %d %s", createRes.StatusCode, string(createBody))
	}
	var ent EntityResponse
	if err := json.Unmarshal(createBody, &ent); err != nil {
		t.Fatalf("unmarshal entity: %v", err)
	}
	if ent.CurrentStateID != stateIDByName(t, srv, headers, "draft") {
		t.Fatalf("expected entity created in draft")
	}

	updRes, updBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/entities/"+ent.ID, map[string]any{
		"description": "revised plan",
	}, headers)
	if updRes.StatusCode != http.StatusOK {
		t.Fatalf("update entity: %d %s", updRes.StatusCode, string(updBody))
	}

	submitted := stateIDByName(t, srv, headers, "submitted")
	stateRes, stateBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/entities/"+ent.ID+"/state", map[string]any{
		"state_id": submitted,
		"comment":  "ready for review",
	}, headers)
	if stateRes.StatusCode != http.StatusOK {
		t.Fatalf("change state: %d %s", stateRes.StatusCode, string(stateBody))
	}

	verRes, verBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/entities/"+ent.ID+"/versions", nil, headers)
	if verRes.StatusCode != http.StatusOK {
		t.Fatalf("versions: %d %s", verRes.StatusCode, string(verBody))
	}
	var versions []VersionResponse
	if err := json.Unmarshal(verBody, &versions); err != nil {
		t.Fatalf("unmarshal versions: %v", err)
	}
	// Seed version plus the field edit; the state change adds none.
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}

	tlRes, tlBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/entities/"+ent.ID+"/timeline", nil, headers)
	if tlRes.StatusCode != http.StatusOK {
		t.Fatalf("timeline: %d %s", tlRes.StatusCode, string(tlBody))
	}
	var events []TimelineEventResponse
	if err := json.Unmarshal(tlBody, &events); err != nil {
		t.Fatalf("unmarshal timeline: %v", err)
	}
	if len(events) != 3 || events[2].Kind != "state_changed" {
		t.Fatalf("unexpected timeline: %+v", events)
	}
	if events[2].Payload["to_state_id"] != submitted {
		t.Fatalf("expected transition payload, got %v", events[2].Payload)
	}

	delRes, delBody := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/entities/"+ent.ID, nil, headers)
	if delRes.StatusCode != http.StatusNoContent && delRes.StatusCode != http.StatusOK {
		t.Fatalf("delete entity: %d %s", delRes.StatusCode, string(delBody))
	}
	goneRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/entities/"+ent.ID, nil, headers)
	if goneRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", goneRes.StatusCode)
	}
}

func TestErrorStatuses(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, alice := register(t, srv, "Alice", "alice@example.com")
	_, bob := register(t, srv, "Bob", "bob@example.com")

	// missing entity -> 404 not_found
	missRes, missBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/entities/nope", nil, alice)
	if missRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", missRes.StatusCode, string(missBody))
	}

	createRes, createBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/entities", map[string]any{
		"name": "Private doc",
	}, alice)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", createRes.StatusCode, string(createBody))
	}
	var ent EntityResponse
	_ = json.Unmarshal(createBody, &ent)

	// stranger is refused, not told the entity is missing
	forbRes, forbBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/entities/"+ent.ID, nil, bob)
	if forbRes.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member, got %d %s", forbRes.StatusCode, string(forbBody))
	}
	var envlp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(forbBody, &envlp)
	if envlp.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden code, got %q in %s", envlp.Error.Code, string(forbBody))
	}

	// transition out of a final state -> 422 invalid_transition
	published := stateIDByName(t, srv, alice, "published")
	draft := stateIDByName(t, srv, alice, "draft")
	if res, body := doJSON(t, client, http.MethodPut, srv.URL+"/v0/entities/"+ent.ID+"/state", map[string]any{
		"state_id": published,
	}, alice); res.StatusCode != http.StatusOK {
		t.Fatalf("publish: %d %s", res.StatusCode, string(body))
	}
	itRes, itBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/entities/"+ent.ID+"/state", map[string]any{
		"state_id": draft,
	}, alice)
	if itRes.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 from final state, got %d %s", itRes.StatusCode, string(itBody))
	}

	// removing the last owner -> 409 conflict
	var me ContributorResponse
	meRes, meBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/auth/me", nil, alice)
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", meRes.StatusCode, string(meBody))
	}
	_ = json.Unmarshal(meBody, &me)
	cfRes, cfBody := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/entities/"+ent.ID+"/contributors/"+me.ID, nil, alice)
	if cfRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for last owner removal, got %d %s", cfRes.StatusCode, string(cfBody))
	}
}

func TestContributorRosterOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, alice := register(t, srv, "Alice", "alice@example.com")
	bobAuth, bob := register(t, srv, "Bob", "bob@example.com")

	createRes, createBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/entities", map[string]any{
		"name": "Shared doc",
	}, alice)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", createRes.StatusCode, string(createBody))
	}
	var ent EntityResponse
	_ = json.Unmarshal(createBody, &ent)

	addRes, addBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/entities/"+ent.ID+"/contributors", map[string]any{
		"contributor_id": bobAuth.Contributor.ID,
		"role":           "editor",
	}, alice)
	if addRes.StatusCode != http.StatusCreated {
		t.Fatalf("add contributor: %d %s", addRes.StatusCode, string(addBody))
	}

	// editor can now update
	updRes, updBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/entities/"+ent.ID, map[string]any{
		"priority": "high",
	}, bob)
	if updRes.StatusCode != http.StatusOK {
		t.Fatalf("editor update: %d %s", updRes.StatusCode, string(updBody))
	}

	// but an editor cannot manage the roster
	mgRes, mgBody := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/entities/"+ent.ID+"/contributors/"+bobAuth.Contributor.ID, nil, bob)
	if mgRes.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for editor roster change, got %d %s", mgRes.StatusCode, string(mgBody))
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/entities/"+ent.ID+"/contributors", nil, alice)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list roster: %d %s", listRes.StatusCode, string(listBody))
	}
	var roster []EntityContributorResponse
	if err := json.Unmarshal(listBody, &roster); err != nil {
		t.Fatalf("unmarshal roster: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("expected owner and editor on roster, got %d", len(roster))
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, alice := register(t, srv, "Alice", "alice@example.com")

	for _, name := range []string{"one", "two"} {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/entities", map[string]any{
			"name": name,
		}, alice)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s: %d %s", name, res.StatusCode, string(body))
		}
	}
	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/stats", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats: %d %s", res.StatusCode, string(body))
	}
	var stats StatsResponse
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.Total != 2 || stats.ByState["draft"] != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
