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

	"github.com/golang-jwt/jwt/v5"

	"chainline/internal/access"
	"chainline/internal/config"
	"chainline/internal/db"
	"chainline/internal/domain"
	"chainline/internal/migrate"
	"chainline/internal/registry"
	"chainline/internal/repo"
	"chainline/internal/scenario"
	"chainline/internal/sweep"
	"chainline/internal/taskqueue"
	"chainline/internal/trigger"
)

const testSecret = "test-secret"

type echoService struct{}

func (echoService) Handler(action string) (registry.HandlerFunc, bool) {
	if action != "echo" {
		return nil, false
	}
	return func(ctx context.Context, data map[string]any) (domain.Envelope, error) {
		return domain.OKWith(map[string]any{"echo": data}), nil
	}, true
}

type testServer struct {
	URL    string
	Repo   repo.Repo
	client *http.Client
	close  func()
}

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
	cfg, err := config.FromYAML([]byte(`
platform:
  id: test
access:
  groups:
    admins:
      user_id: ["1"]
  rules:
    admin_only:
      allowed_groups: [admins]
queues:
  default: action
  shutdown_timeout: 1
  definitions:
    action:
      max_concurrent: 3
      timeout: 5
    common:
      max_concurrent: 3
      timeout: 5
`))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	store, err := scenario.FromYAML([]byte(`
scenarios:
  welcome:
    actions:
      - type: send_message
        text: "hello"
`), nil)
	if err != nil {
		t.Fatalf("scenarios: %v", err)
	}
	tasks := taskqueue.New(cfg, nil)
	reg := registry.New(registry.InfoProviderFunc(func(service string) (registry.PluginInfo, bool) {
		if service != "echo" {
			return registry.PluginInfo{}, false
		}
		return registry.PluginInfo{Actions: map[string]registry.ActionSpec{
			"echo": {Description: "echo input back"},
		}}, true
	}), access.NewValidator(cfg, nil), tasks, nil)
	reg.Register("echo", echoService{})
	expander := trigger.New(conn, store, nil, nil)

	handler, err := New(Config{
		Registry:   reg,
		Tasks:      tasks,
		Expander:   expander,
		Sweeper:    sweep.New(conn, 100, nil),
		Repo:       repo.Repo{DB: conn},
		PlatformID: cfg.Platform.ID,
		BasePath:   "/v0",
		Auth:       AuthConfig{JWTSecret: testSecret},
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
		Repo:   repo.Repo{DB: conn},
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			tasks.Shutdown(shutdownCtx)
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: subject})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, srv *testServer, method, path string, body any, token string) (*http.Response, []byte) {
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
	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := srv.client.Do(req)
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

func TestRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv, http.MethodGet, "/v0/actions", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
	res, _ = doJSON(t, srv, http.MethodGet, "/v0/health", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", res.StatusCode)
	}
}

func TestExecuteActionInjectsSystemBlock(t *testing.T) {
	srv := newTestServer(t)
	token := signToken(t, "7")
	// The client tries to smuggle its own system block; the server replaces it
	// with one derived from the token.
	res, data := doJSON(t, srv, http.MethodPost, "/v0/actions/echo/execute", map[string]any{
		"data": map[string]any{
			"text":   "hi",
			"system": map[string]any{"user_id": 1},
		},
	}, token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, string(data))
	}
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !env.IsSuccess() {
		t.Fatalf("envelope = %+v", env)
	}
	echoed, ok := env.ResponseData["echo"].(map[string]any)
	if !ok {
		t.Fatalf("echo missing: %v", env.ResponseData)
	}
	system, ok := echoed["system"].(map[string]any)
	if !ok {
		t.Fatalf("system block missing: %v", echoed)
	}
	if system["user_id"] != float64(7) {
		t.Fatalf("system.user_id = %v, want 7 from the token", system["user_id"])
	}
	if system["platform_id"] != "test" {
		t.Fatalf("system.platform_id = %v", system["platform_id"])
	}
}

func TestExecuteUnknownAction(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv, http.MethodPost, "/v0/actions/no_such/execute", map[string]any{}, signToken(t, "7"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dispatch errors travel in the envelope, got %d", res.StatusCode)
	}
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error == nil || env.Error.Code != domain.CodeNotFound {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestListActions(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv, http.MethodGet, "/v0/actions", nil, signToken(t, "7"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := env.ResponseData["echo"]; !ok {
		t.Fatalf("echo not listed: %v", env.ResponseData)
	}
}

func TestEventIngestionExpandsChain(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv, http.MethodPost, "/v0/events", map[string]any{
		"source_type":   "callback",
		"callback_data": ":welcome",
		"user_id":       3,
		"chat_id":       4,
	}, signToken(t, "7"))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", res.StatusCode)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		items, err := srv.Repo.ListActions(context.Background(), "", "", 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(items) == 1 {
			if items[0].ActionType != "send_message" || items[0].UserID != 3 {
				t.Fatalf("row = %+v", items[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expansion never persisted a row")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestQueueStats(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv, http.MethodGet, "/v0/queues", nil, signToken(t, "7"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var stats taskqueue.Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := stats.Queues["action"]; !ok {
		t.Fatalf("action queue missing: %v", stats.Queues)
	}
}
