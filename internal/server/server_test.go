package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"

	"github.com/rs/zerolog"

	"aipilot/internal/config"
	"aipilot/internal/db"
	"aipilot/internal/domain"
	"aipilot/internal/engine"
	"aipilot/internal/executor"
	"aipilot/internal/ingest"
	"aipilot/internal/migrate"
	"aipilot/internal/storage"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test")
	store := storage.New(t.TempDir(), "test-secret", "http://localhost:8080")
	eng := engine.New(conn, cfg, executor.NewCanned(0, 0), store, zerolog.Nop())
	pipe := ingest.New(conn, store, ingest.StubVerifier{}, cfg.Ingest.MaxPairs, zerolog.Nop())

	handler, err := New(Config{
		Engine: eng,
		Ingest: pipe,
		Auth:   AuthConfig{JWTSecret: "test-jwt-secret", DevLogin: true, Logger: zerolog.Nop()},
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
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: eng,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
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

func login(t *testing.T, ts *testServer, userID string) map[string]string {
	t.Helper()
	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/auth/dev/login", map[string]string{"user_id": userID}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login failed: %d %s", res.StatusCode, data)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.Token == "" {
		t.Fatalf("bad login response: %s", data)
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func TestHealthOpen(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health = %d %s", res.StatusCode, data)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	ts := newTestServer(t)
	res, _ := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/builds", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestSubmitBuildScenario(t *testing.T) {
	ts := newTestServer(t)
	auth := login(t, ts, "user-1")

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/builds",
		SubmitBuildRequest{Prompt: "Build a to-do app"}, auth)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit = %d %s", res.StatusCode, data)
	}
	var b domain.AppBuild
	if err := json.Unmarshal(data, &b); err != nil {
		t.Fatalf("decode: %v (%s)", err, data)
	}
	if b.Status != domain.BuildProcessing {
		t.Fatalf("status = %s, want processing", b.Status)
	}
	if b.Prompt != "Build a to-do app" {
		t.Fatalf("prompt not verbatim: %q", b.Prompt)
	}

	ts.Engine.WaitBuilds()
	res, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/builds/"+b.ID, nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get build = %d %s", res.StatusCode, data)
	}
	var done domain.AppBuild
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.BuildComplete {
		t.Fatalf("status = %s, want complete", done.Status)
	}

	// Another user cannot read it.
	other := login(t, ts, "user-2")
	res, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/builds/"+b.ID, nil, other)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner, got %d", res.StatusCode)
	}
}

func TestBuildListPagination(t *testing.T) {
	ts := newTestServer(t)
	auth := login(t, ts, "user-1")

	for _, prompt := range []string{"Build app one", "Build app two", "Build app three"} {
		res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/builds",
			SubmitBuildRequest{Prompt: prompt}, auth)
		if res.StatusCode != http.StatusAccepted {
			t.Fatalf("submit = %d %s", res.StatusCode, data)
		}
	}
	ts.Engine.WaitBuilds()

	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/builds?limit=2", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list = %d %s", res.StatusCode, data)
	}
	var page PaginatedBuilds
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode: %v (%s)", err, data)
	}
	if len(page.Items) != 2 {
		t.Fatalf("first page has %d items, want 2", len(page.Items))
	}
	if page.NextCursor == "" {
		t.Fatal("expected next_cursor on first page")
	}
	seen := map[string]bool{}
	for _, b := range page.Items {
		seen[b.ID] = true
	}

	res, data = doJSON(t, ts.Client(), http.MethodGet,
		ts.URL+"/v1/builds?limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page = %d %s", res.StatusCode, data)
	}
	var rest PaginatedBuilds
	if err := json.Unmarshal(data, &rest); err != nil {
		t.Fatal(err)
	}
	if len(rest.Items) != 1 {
		t.Fatalf("second page has %d items, want 1", len(rest.Items))
	}
	if rest.NextCursor != "" {
		t.Fatalf("unexpected next_cursor on final page: %q", rest.NextCursor)
	}
	if seen[rest.Items[0].ID] {
		t.Fatalf("build %s repeated across pages", rest.Items[0].ID)
	}

	res, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/builds?cursor=garbage", nil, auth)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed cursor, got %d", res.StatusCode)
	}
}

func TestSignedExportDownload(t *testing.T) {
	ts := newTestServer(t)
	auth := login(t, ts, "user-1")

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/builds",
		SubmitBuildRequest{Prompt: "Build a journaling app"}, auth)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit = %d %s", res.StatusCode, data)
	}
	var b domain.AppBuild
	if err := json.Unmarshal(data, &b); err != nil {
		t.Fatal(err)
	}
	ts.Engine.WaitBuilds()

	res, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/builds/"+b.ID+"/export", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export = %d %s", res.StatusCode, data)
	}
	var out URLResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	signed, err := url.Parse(out.URL)
	if err != nil {
		t.Fatalf("unparseable export url %q: %v", out.URL, err)
	}

	// The signed URL is self-authorizing: no bearer token attached.
	res, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+signed.Path+"?"+signed.RawQuery, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("download = %d %s", res.StatusCode, data)
	}
	if len(data) < 4 || data[0] != 'P' || data[1] != 'K' {
		t.Fatalf("expected a zip archive, got %d bytes starting %q", len(data), data[:min(4, len(data))])
	}

	q := signed.Query()
	q.Set("signature", "0000")
	res, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+signed.Path+"?"+q.Encode(), nil, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("tampered signature should be rejected, got %d", res.StatusCode)
	}
}

func TestSubmitBuildEmptyPrompt(t *testing.T) {
	ts := newTestServer(t)
	auth := login(t, ts, "user-1")
	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/builds",
		SubmitBuildRequest{Prompt: ""}, auth)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, data)
	}
}

func TestRunTaskAndFeedback(t *testing.T) {
	ts := newTestServer(t)
	auth := login(t, ts, "user-1")

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/tasks",
		RunTaskRequest{AgentID: "agent-tester", Command: "test the signup flow"}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("run task = %d %s", res.StatusCode, data)
	}
	var task domain.AgentTask
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskSuccess {
		t.Fatalf("status = %s, want success", task.Status)
	}

	res, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/feedback",
		FeedbackRequest{AgentID: "agent-tester", TaskID: task.ID, Rating: 1, Comment: "good run"}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("feedback = %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/feedback",
		FeedbackRequest{AgentID: "agent-tester", TaskID: task.ID, Rating: 3}, auth)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("rating 3 should be 400, got %d %s", res.StatusCode, data)
	}
}

func TestUnknownAgentIs404(t *testing.T) {
	ts := newTestServer(t)
	auth := login(t, ts, "user-1")
	res, _ := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/tasks",
		RunTaskRequest{AgentID: "agent-ghost", Command: "anything"}, auth)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestBudgetEndpoints(t *testing.T) {
	ts := newTestServer(t)
	auth := login(t, ts, "user-1")

	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/budget/estimate?command=deploy+the+app", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("estimate = %d %s", res.StatusCode, data)
	}
	var est EstimateResponse
	if err := json.Unmarshal(data, &est); err != nil {
		t.Fatal(err)
	}
	if est.Amount < 0.02 {
		t.Fatalf("estimate below base cost: %v", est.Amount)
	}

	// Non-leader cannot change settings.
	res, _ = doJSON(t, ts.Client(), http.MethodPatch, ts.URL+"/v1/budget",
		UpdateBudgetRequest{MonthlyLimit: 10, KillThreshold: 2}, auth)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.StatusCode)
	}

	leader := login(t, ts, "leader")
	res, data = doJSON(t, ts.Client(), http.MethodPatch, ts.URL+"/v1/budget",
		UpdateBudgetRequest{MonthlyLimit: 10, KillThreshold: 2}, leader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("leader update = %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/budget/usage", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("usage = %d %s", res.StatusCode, data)
	}
	var status BudgetStatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatal(err)
	}
	if status.Limit != 10 {
		t.Fatalf("limit = %v, want 10", status.Limit)
	}
}

func TestImageBatchWithBadMetadata(t *testing.T) {
	ts := newTestServer(t)
	auth := login(t, ts, "user-1")

	req := UploadImagesRequest{
		EventFiles: []FilePayload{{Name: "fire_1871.png", Data: []byte("ev")}},
		DescFiles:  []FilePayload{{Name: "fire_1871_desc.png", Data: []byte("de")}},
		Metadata:   &FilePayload{Name: "notes.txt", Data: []byte("not a spreadsheet")},
	}
	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/images/batch", req, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("batch = %d %s", res.StatusCode, data)
	}
	var recs []domain.ImageRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].EventPath != "event/fire_1871.png" {
		t.Fatalf("unexpected event path %q", recs[0].EventPath)
	}

	// Approval is leader-gated.
	res, _ = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/images/"+recs[0].ID+"/approve", nil, auth)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.StatusCode)
	}
	leader := login(t, ts, "leader")
	res, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/images/"+recs[0].ID+"/approve", nil, leader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve = %d %s", res.StatusCode, data)
	}
	var approved domain.ImageRecord
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatal(err)
	}
	if !approved.Approved || !approved.ReadyForGame {
		t.Fatalf("approval flags not set: %+v", approved)
	}
}

func TestEventsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	auth := login(t, ts, "user-1")
	if _, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/tasks",
		RunTaskRequest{AgentID: "agent-coder", Command: "test it"}, auth); len(data) == 0 {
		t.Fatal("no task response")
	}
	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/events?after=0", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events = %d %s", res.StatusCode, data)
	}
	var events []domain.Event
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatal(err)
	}
	if len(events) < 2 {
		t.Fatalf("expected task events, got %s", data)
	}
	seen := map[string]bool{}
	for _, e := range events {
		seen[e.Type] = true
	}
	for _, want := range []string{"task.started", "task.completed"} {
		if !seen[want] {
			t.Fatalf("missing %s in %v", want, seen)
		}
	}
}

func TestAPIKeyFlow(t *testing.T) {
	ts := newTestServer(t)
	leader := login(t, ts, "leader")

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/apikeys",
		CreateAPIKeyRequest{ActorID: "svc-ci", Name: "ci"}, leader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key = %d %s", res.StatusCode, data)
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}
	if created.Key == "" {
		t.Fatal("secret not returned on create")
	}

	// The key authenticates as its actor.
	res, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v1/agents", nil,
		map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth = %d %s", res.StatusCode, data)
	}
	var agents []domain.Agent
	if err := json.Unmarshal(data, &agents); err != nil {
		t.Fatal(err)
	}
	if len(agents) != 5 {
		t.Fatalf("expected 5 seeded agents, got %d", len(agents))
	}

	user := login(t, ts, "user-1")
	res, _ = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/apikeys",
		CreateAPIKeyRequest{ActorID: "svc-other"}, user)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-leader, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, ts.Client(), http.MethodDelete,
		fmt.Sprintf("%s/v1/apikeys/%s", ts.URL, created.ID), nil, leader)
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("delete key = %d", res.StatusCode)
	}
}
