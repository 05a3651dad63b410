package worker

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/warden/internal/cleanup"
	"github.com/mattjoyce/warden/internal/config"
	"github.com/mattjoyce/warden/internal/dispatch"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/plugins"
	"github.com/mattjoyce/warden/internal/response"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

const testPlugin = `
function getInstance() {
	return {
		greet: function (name) { return "Hello, " + name; },
		boom: function () { throw new Error("kaboom"); },
	};
}
function getAllow() {
	return function (forWhom) { return forWhom !== "intruder"; };
}
function getPublicMethods() { return ["greet"]; }
`

func setupServer(t *testing.T, initialized bool) (*Server, *httptest.Server) {
	t.Helper()

	storage := t.TempDir()
	dir := filepath.Join(storage, "plugins")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeter.js"), []byte(testPlugin), 0o644))

	engine := response.NewEngine(cleanup.NewRegistry(), response.Options{
		InternalWebhookURL: "http://127.0.0.1:1",
		Expiry:             time.Second,
	})
	loader := plugins.NewLoader(storage, engine)
	if initialized {
		require.NoError(t, loader.Init())
	}

	cfg := config.WorkerConfig{ID: "w1", URLPrefix: "api", Storage: storage}
	srv := NewServer(cfg, loader, dispatch.New(loader))

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

func putCommand(t *testing.T, ts *httptest.Server, body any) (*http.Response, Envelope) {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/executeCommand", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var env Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func TestExecuteCommandSync(t *testing.T) {
	_, ts := setupServer(t, true)

	resp, env := putCommand(t, ts, dispatch.Command{
		ForWhom:    "t",
		PluginName: "greeter",
		Name:       "greet",
		Args:       []any{"world"},
	})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 200, env.StatusCode)
	assert.Equal(t, "sync", env.OperationType)
	assert.Equal(t, "Hello, world", env.Result)
}

func TestExecuteCommandInvalidBody(t *testing.T) {
	_, ts := setupServer(t, true)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/executeCommand", bytes.NewReader([]byte("{broken")))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 400, env.StatusCode)
	assert.Equal(t, "Invalid body", env.Result)
}

func TestExecuteCommandValidationIs400(t *testing.T) {
	_, ts := setupServer(t, true)

	resp, env := putCommand(t, ts, dispatch.Command{PluginName: "greeter", Name: "greet"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 400, env.StatusCode)
}

func TestExecuteCommandPluginErrorIs500(t *testing.T) {
	_, ts := setupServer(t, true)

	resp, env := putCommand(t, ts, dispatch.Command{ForWhom: "t", PluginName: "greeter", Name: "boom"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, 500, env.StatusCode)

	body, ok := env.Result.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, body["message"], "kaboom")
	assert.NotEmpty(t, body["stack"])
}

func TestExecuteCommandUnauthorizedIs500(t *testing.T) {
	_, ts := setupServer(t, true)

	resp, env := putCommand(t, ts, dispatch.Command{ForWhom: "intruder", PluginName: "greeter", Name: "greet"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	body, ok := env.Result.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, body["message"], "UNAUTHORIZED")
}

func TestReadyEndpoint(t *testing.T) {
	_, ts := setupServer(t, true)

	resp, err := ts.Client().Get(ts.URL + "/api/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ready", body["status"])
	assert.NotZero(t, body["timestamp"])
}

func TestReadyEndpointBeforeInit(t *testing.T) {
	_, ts := setupServer(t, false)

	resp, err := ts.Client().Get(ts.URL + "/api/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "not-ready", body)
}

func TestGetPublicMethods(t *testing.T) {
	_, ts := setupServer(t, true)

	resp, err := ts.Client().Get(ts.URL + "/api/getPublicMethods/greeter")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var methods []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&methods))
	assert.Equal(t, []string{"greet"}, methods)
}

func TestGetPublicMethodsUnknownPlugin(t *testing.T) {
	_, ts := setupServer(t, true)

	resp, err := ts.Client().Get(ts.URL + "/api/getPublicMethods/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSHeadersMirrorOrigin(t *testing.T) {
	_, ts := setupServer(t, true)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/ready", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, PUT, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestShuttingDownReturns503(t *testing.T) {
	srv, ts := setupServer(t, true)
	srv.SetShuttingDown()

	resp, err := ts.Client().Get(ts.URL + "/api/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestListenDynamicPortFallback(t *testing.T) {
	// Occupy a port, then ask the server to bind it with dynamic fallback.
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	port := taken.Addr().(*net.TCPAddr).Port

	srv := NewServer(config.WorkerConfig{
		URLPrefix:   "api",
		Host:        "127.0.0.1",
		Port:        port,
		DynamicPort: config.DynamicPort{Enabled: true, Attempts: 50},
		Storage:     t.TempDir(),
	}, nil, nil)

	ln, boundPort, err := srv.Listen()
	require.NoError(t, err)
	defer ln.Close()

	assert.NotEqual(t, port, boundPort)
	assert.GreaterOrEqual(t, boundPort, dynamicPortMin)
}

func TestListenFixedPortConflictFails(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	port := taken.Addr().(*net.TCPAddr).Port

	srv := NewServer(config.WorkerConfig{
		URLPrefix: "api",
		Host:      "127.0.0.1",
		Port:      port,
		Storage:   t.TempDir(),
	}, nil, nil)

	_, _, err = srv.Listen()
	require.Error(t, err)
}
