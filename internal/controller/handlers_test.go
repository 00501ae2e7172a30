package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/JonnyShabli/mediagrab/internal/apperr"
	"github.com/JonnyShabli/mediagrab/internal/models"
	"github.com/JonnyShabli/mediagrab/internal/repository"
	"github.com/JonnyShabli/mediagrab/internal/service"
	"github.com/JonnyShabli/mediagrab/internal/storage"
	pkghttp "github.com/JonnyShabli/mediagrab/pkg/http"
	"github.com/JonnyShabli/mediagrab/pkg/logster"
)

type fakeEngine struct {
	mu        sync.Mutex
	tasks     []models.Task
	submitted []service.SubmitInput
	pauseErr  error
}

func (e *fakeEngine) Submit(_ context.Context, in service.SubmitInput) (models.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if in.URL == "" {
		return models.Task{}, apperr.Validation("url must not be empty")
	}
	e.submitted = append(e.submitted, in)
	t := models.Task{ID: uint64(len(e.tasks) + 1), Platform: models.Platform(in.Platform), URL: in.URL, Status: models.StatusPending, Logs: []string{"queued"}}
	e.tasks = append(e.tasks, t)
	return t, nil
}

func (e *fakeEngine) List() []models.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Task(nil), e.tasks...)
}

func (e *fakeEngine) Get(id uint64) (models.Task, error) {
	return models.Task{}, apperr.NotFound("task %d not found", id)
}

func (e *fakeEngine) Pause(_ context.Context, id uint64) error {
	if e.pauseErr != nil {
		return e.pauseErr
	}
	return nil
}

func (e *fakeEngine) Resume(_ context.Context, id uint64) error {
	return nil
}

func (e *fakeEngine) Delete(_ context.Context, id uint64) error {
	if id == 404 {
		return apperr.NotFound("task %d not found", id)
	}
	return nil
}

type memSettingsRepo struct {
	mu sync.Mutex
	s  models.Settings
}

func (r *memSettingsRepo) Load(context.Context) (models.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s, nil
}

func (r *memSettingsRepo) Save(_ context.Context, s models.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s = s
	return nil
}

type testServer struct {
	srv      *httptest.Server
	engine   *fakeEngine
	settings *service.Settings
	root     *storage.Root
}

func newTestServer(t *testing.T, password string) *testServer {
	t.Helper()
	logger := logster.NewNop()
	settings, err := service.NewSettings(context.Background(), &memSettingsRepo{}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if password != "" {
		if err := settings.SetPassword(context.Background(), &password); err != nil {
			t.Fatal(err)
		}
	}
	gate, err := service.NewGate(service.GateConfig{Secret: "s"}, settings, repository.NewMemorySessionStore(logger), logger)
	if err != nil {
		t.Fatal(err)
	}
	root, err := storage.NewRoot(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	engine := &fakeEngine{}
	h := NewHandlers(engine, settings, gate, root, CookieConfig{Name: "sess"}, logger)
	srv := httptest.NewServer(pkghttp.NewHandler("/", pkghttp.DefaultTechOptions(), WithApiHandler(h)))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, engine: engine, settings: settings, root: root}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, cookie *http.Cookie) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func (ts *testServer) login(t *testing.T, kind, password string) *http.Cookie {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/login", loginRequest{Type: kind, Password: password}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: status %d", kind, resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == "sess" {
			if !c.HttpOnly {
				t.Error("session cookie must be HttpOnly")
			}
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "pw")
	resp := ts.do(t, http.MethodGet, "/api/health", nil, nil)
	var body map[string]string
	decode(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" || body["service"] != serviceName {
		t.Errorf("unexpected health response %d %v", resp.StatusCode, body)
	}
}

func TestUnlockedEveryoneIsAdmin(t *testing.T) {
	ts := newTestServer(t, "")

	resp := ts.do(t, http.MethodGet, "/api/auth_check", nil, nil)
	var st service.AuthStatus
	decode(t, resp, &st)
	if st.Locked || !st.Authed || st.Role != models.RoleAdmin {
		t.Errorf("unexpected auth status %+v", st)
	}

	resp = ts.do(t, http.MethodPost, "/api/settings", map[string]string{"proxy_url": "http://proxy:3128"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected settings update to pass, got %d", resp.StatusCode)
	}
	if ts.settings.Current().ProxyURL != "http://proxy:3128" {
		t.Errorf("proxy not stored")
	}
}

func TestLockedRequiresSession(t *testing.T) {
	ts := newTestServer(t, "pw")

	for _, path := range []string{"/api/tasks", "/api/config", "/api/fs/list"} {
		resp := ts.do(t, http.MethodGet, path, nil, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, resp.StatusCode)
		}
		var body errorResponse
		decode(t, resp, &body)
		if body.Detail == "" {
			t.Errorf("%s: expected detail in error body", path)
		}
	}

	resp := ts.do(t, http.MethodPost, "/api/login", loginRequest{Type: "admin", Password: "wrong"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 for wrong password, got %d", resp.StatusCode)
	}
}

func TestGuestCannotTouchSettings(t *testing.T) {
	ts := newTestServer(t, "pw")
	guest := ts.login(t, "guest", "")

	if resp := ts.do(t, http.MethodGet, "/api/tasks", nil, guest); resp.StatusCode != http.StatusOK {
		t.Errorf("Expected guest to list tasks, got %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodPost, "/api/settings", map[string]string{"proxy_url": ""}, guest); resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403 on settings, got %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodPost, "/api/settings/password", map[string]string{"password": ""}, guest); resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403 on password, got %d", resp.StatusCode)
	}

	resp := ts.do(t, http.MethodGet, "/api/config", nil, guest)
	var view map[string]interface{}
	decode(t, resp, &view)
	if _, leaked := view["x_auth_token"]; leaked {
		t.Errorf("guest config view leaked secrets: %v", view)
	}
}

func TestAdminSessionAndLogout(t *testing.T) {
	ts := newTestServer(t, "pw")
	admin := ts.login(t, "admin", "pw")

	resp := ts.do(t, http.MethodPost, "/api/settings/password", map[string]interface{}{}, admin)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing password field, got %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/api/config", nil, admin)
	var view service.AdminView
	decode(t, resp, &view)
	if !view.Locked {
		t.Errorf("unexpected admin view %+v", view)
	}

	if resp := ts.do(t, http.MethodPost, "/api/logout", nil, admin); resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodGet, "/api/tasks", nil, admin); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected revoked session to get 401, got %d", resp.StatusCode)
	}
}

func TestCreateAndListTasks(t *testing.T) {
	ts := newTestServer(t, "")

	resp := ts.do(t, http.MethodPost, "/api/tasks", createTaskRequest{Platform: "x", URL: "elonmusk", SavePath: "downloads", XAuthToken: "tok"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create: %d", resp.StatusCode)
	}
	var created map[string]interface{}
	decode(t, resp, &created)
	if created["status"] != "pending" || created["live_logs"] != `["queued"]` {
		t.Errorf("unexpected created task %v", created)
	}
	in := ts.engine.submitted[0]
	if in.Credentials.XAuthToken != "tok" || !in.Remember {
		t.Errorf("unexpected submit input %+v", in)
	}

	resp = ts.do(t, http.MethodPost, "/api/tasks", createTaskRequest{Platform: "x"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty url, got %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/api/tasks", nil, nil)
	var list []map[string]interface{}
	decode(t, resp, &list)
	if len(list) != 1 {
		t.Errorf("Expected 1 task, got %d", len(list))
	}
}

func TestGuestSubmissionIsNotRemembered(t *testing.T) {
	ts := newTestServer(t, "pw")
	guest := ts.login(t, "guest", "")

	resp := ts.do(t, http.MethodPost, "/api/tasks", createTaskRequest{Platform: "weibo", URL: "https://weibo.com/u/1", Cookies: "SUB=1"}, guest)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create: %d", resp.StatusCode)
	}
	if ts.engine.submitted[0].Remember {
		t.Error("guest credentials must not replace stored defaults")
	}
}

func TestTaskActions(t *testing.T) {
	ts := newTestServer(t, "")

	tests := []struct {
		method string
		path   string
		code   int
		status string
	}{
		{http.MethodPost, "/api/tasks/1/pause", http.StatusOK, "paused"},
		{http.MethodPost, "/api/tasks/1/resume", http.StatusOK, "resuming"},
		{http.MethodDelete, "/api/tasks/1", http.StatusOK, "deleted"},
		{http.MethodDelete, "/api/tasks/404", http.StatusNotFound, ""},
		{http.MethodPost, "/api/tasks/abc/pause", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		resp := ts.do(t, tt.method, tt.path, nil, nil)
		if resp.StatusCode != tt.code {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.path, tt.code, resp.StatusCode)
			continue
		}
		if tt.status != "" {
			var body statusResponse
			decode(t, resp, &body)
			if body.Status != tt.status {
				t.Errorf("%s %s: expected status %q, got %q", tt.method, tt.path, tt.status, body.Status)
			}
		}
	}

	ts.engine.pauseErr = apperr.InvalidTransition("task 1 is completed and cannot be paused")
	resp := ts.do(t, http.MethodPost, "/api/tasks/1/pause", nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409, got %d", resp.StatusCode)
	}
}

func TestListFiles(t *testing.T) {
	ts := newTestServer(t, "")
	if err := os.MkdirAll(filepath.Join(ts.root.Dir(), "downloads", "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ts.root.Dir(), "downloads", "a.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	resp := ts.do(t, http.MethodGet, "/api/fs/list?path=downloads", nil, nil)
	var entries []storage.Entry
	decode(t, resp, &entries)
	if len(entries) != 3 || entries[0].Name != ".." || entries[1].Name != "sub" || !entries[1].IsDir || entries[2].Name != "a.mp4" {
		t.Errorf("unexpected listing %+v", entries)
	}

	resp = ts.do(t, http.MethodGet, "/api/fs/list?path=../../etc", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for traversal, got %d", resp.StatusCode)
	}
}

func TestInternalErrorsAreHidden(t *testing.T) {
	rec := httptest.NewRecorder()
	respondError(rec, logster.NewNop(), apperr.Internal("open db", os.ErrPermission))
	var body errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusInternalServerError || body.Detail != "internal error" {
		t.Errorf("unexpected response %d %q", rec.Code, body.Detail)
	}
}
