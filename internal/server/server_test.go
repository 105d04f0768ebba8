package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"fieldgate/internal/config"
	"fieldgate/internal/db"
	"fieldgate/internal/engine"
	"fieldgate/internal/migrate"
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
	cfg := config.Default("org-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.InitOrg(context.Background(), cfg.Org.ID, "Test Org", "admin-1"); err != nil {
		t.Fatalf("init org: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowLegacyActorHeader: true}})
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

func asActor(id, role string) map[string]string {
	return map[string]string{"X-Actor-Id": id, "X-Actor-Role": role}
}

func createProject(t *testing.T, srv *testServer) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name": "Site A",
	}, asActor("sup-1", "supervisor"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var created ProjectResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return created.ID
}

func createAssessment(t *testing.T, srv *testServer, projectID string) AssessmentResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/assessments", map[string]any{
		"project_id": projectID,
		"title":      "Scaffold work",
		"steps": []map[string]any{
			{
				"step_number": 1,
				"description": "Rig scaffolding",
				"hazards": []map[string]any{
					{"description": "Fall from height", "effect_score": 15, "exposure_score": 6, "probability_score": 3},
				},
			},
		},
	}, asActor("sup-1", "supervisor"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create assessment: %d %s", res.StatusCode, string(data))
	}
	var created AssessmentResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal assessment: %v", err)
	}
	return created
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	projectID := createProject(t, srv)
	a := createAssessment(t, srv, projectID)

	if a.OverallRiskLevel != "substantial" {
		t.Fatalf("expected substantial risk, got %s", a.OverallRiskLevel)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/assessments/"+a.ID+"/submit", map[string]any{}, asActor("sup-1", "supervisor"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/assessments/"+a.ID+"/decide", map[string]any{
		"decision": "approve",
	}, asActor("mgr-1", "safety_manager"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide: %d %s", res.StatusCode, string(data))
	}
	var approved AssessmentResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if approved.Status != "approved" {
		t.Fatalf("expected approved, got %s", approved.Status)
	}
}

func TestDecideForbiddenAndConflictCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	projectID := createProject(t, srv)
	a := createAssessment(t, srv, projectID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/assessments/"+a.ID+"/submit", map[string]any{}, asActor("sup-1", "supervisor"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}

	// field worker cannot decide a safety_manager step
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/assessments/"+a.ID+"/decide", map[string]any{
		"decision": "approve",
	}, asActor("wrk-1", "field_worker"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden code, got %s", envelope.Error.Code)
	}

	// double submit conflicts
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/assessments/"+a.ID+"/submit", map[string]any{}, asActor("sup-1", "supervisor"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
}

func TestSessionFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	projectID := createProject(t, srv)
	a := createAssessment(t, srv, projectID)

	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/assessments/"+a.ID+"/submit", map[string]any{}, asActor("sup-1", "supervisor"))
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/assessments/"+a.ID+"/decide", map[string]any{
		"decision": "approve",
	}, asActor("mgr-1", "safety_manager"))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"tra_id":   a.ID,
		"location": "north yard",
	}, asActor("wrk-1", "field_worker"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start session: %d %s", res.StatusCode, string(data))
	}
	var session SessionResponse
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if session.CanComplete {
		t.Fatalf("new session should not be completable")
	}

	// completion blocked until all checklists are filled
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/complete", map[string]any{
		"overall_assessment": "safe_to_proceed",
	}, asActor("wrk-1", "field_worker"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}

	check := []map[string]any{{"name": "ok", "passed": true}}
	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/sessions/"+session.ID, map[string]any{
		"environmental_checks": check,
		"personnel_checks":     check,
		"equipment_checks":     check,
	}, asActor("wrk-1", "field_worker"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update session: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/complete", map[string]any{
		"overall_assessment": "stop_work",
		"comments":           "gas reading above limit",
	}, asActor("wrk-1", "field_worker"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var completed SessionResponse
	if err := json.Unmarshal(data, &completed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if completed.OverallAssessment != "stop_work" || completed.SyncStatus != "synced" {
		t.Fatalf("unexpected completion state: %+v", completed)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/assessments", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}

	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected health 200, got %d", res.StatusCode)
	}
}
