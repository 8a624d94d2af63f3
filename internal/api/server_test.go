package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zk-attendance-bridge/internal/bus"
	"zk-attendance-bridge/internal/clock"
	"zk-attendance-bridge/internal/device"
	"zk-attendance-bridge/internal/device/mock"
	"zk-attendance-bridge/internal/discovery"
	"zk-attendance-bridge/internal/durable"
	"zk-attendance-bridge/internal/pipeline"
	"zk-attendance-bridge/internal/policy"
	"zk-attendance-bridge/internal/session"
	"zk-attendance-bridge/internal/store"
	"zk-attendance-bridge/internal/syncworker"
	"zk-attendance-bridge/internal/usercache"
)

type testEnv struct {
	server  *Server
	events  *bus.Bus
	docs    *store.MemoryStore
	session *session.Manager
	driver  *mock.Device
}

func newTestServer(t *testing.T, token string) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	dir := t.TempDir()
	events := bus.New(logger)
	docs := store.NewMemoryStore()

	dur, err := durable.NewManager(durable.ManagerConfig{
		SpillPath: filepath.Join(dir, "spill.ndjson"),
		PhotosDir: filepath.Join(dir, "photos"),
		UsersPath: filepath.Join(dir, "users.json"),
	}, docs, logger)
	require.NoError(t, err)
	t.Cleanup(func() { dur.Close() })

	cache := usercache.New(usercache.Config{}, docs, dur.Photos(), dur.UsersFile(), logger)
	t.Cleanup(cache.Close)

	pl := pipeline.New(pipeline.Config{BatchYield: time.Millisecond}, cache, dur, events,
		clock.MustLoadZone("Asia/Kolkata"), logger)

	drv := mock.New(device.Config{IP: "127.0.0.1", Port: 4370}, nil)
	sess := session.New(session.Config{
		IP:   "127.0.0.1",
		Port: 4370,
		Mock: true,
		Retry: policy.RetryConfig{
			MaxAttempts: 1,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
		},
	}, drv, pl, events, logger)
	t.Cleanup(sess.Shutdown)

	scanner := discovery.NewScanner(discovery.Config{}, events, logger)
	sync := syncworker.New(syncworker.Config{}, docs, dur, events, logger)

	srv := NewServer(Config{Host: "127.0.0.1", Port: 0, Token: token}, Deps{
		Logger:   logger,
		Bus:      events,
		Session:  sess,
		Scanner:  scanner,
		Pipeline: pl,
		Cache:    cache,
		Durable:  dur,
		Sync:     sync,
		Version:  "test",
	})

	return &testEnv{server: srv, events: events, docs: docs, session: sess, driver: drv}
}

// do issues a request against the full middleware stack. Each call gets its
// own remote address so rate buckets do not bleed between requests.
var remoteSeq int

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	remoteSeq++
	req.RemoteAddr = fmt.Sprintf("10.9.%d.%d:5000", remoteSeq/250, remoteSeq%250+1)

	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	return resp.Data
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t, "")

	rec := env.do(t, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, "test", data["version"])
}

func TestStatusReportsIdleSession(t *testing.T) {
	env := newTestServer(t, "")

	rec := env.do(t, http.MethodGet, "/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, string(session.StateIdle), data["state"])
	assert.Equal(t, false, data["connected"])
}

func TestDeviceEndpointsReturn503WhenDisconnected(t *testing.T) {
	env := newTestServer(t, "")

	for _, path := range []string{"/device/info", "/users", "/attendance/logs"} {
		rec := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestUserRoundTripAgainstConnectedDevice(t *testing.T) {
	env := newTestServer(t, "")
	require.NoError(t, env.session.Connect(context.Background()))

	rec := env.do(t, http.MethodPost, "/users/add", AddUserRequest{BiometricID: "42", Name: "Asha"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	users := data["users"].([]any)
	found := false
	for _, u := range users {
		if u.(map[string]any)["userId"] == "42" {
			found = true
		}
	}
	assert.True(t, found, "added user should be listed")

	rec = env.do(t, http.MethodDelete, "/users/42", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestConnectRequestValidation(t *testing.T) {
	env := newTestServer(t, "")

	rec := env.do(t, http.MethodPost, "/device/connect", map[string]any{"port": 4370})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/device/connect", bytes.NewBufferString("{not json"))
	req.RemoteAddr = "10.200.0.1:5000"
	rec2 := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestAddUserValidation(t *testing.T) {
	env := newTestServer(t, "")

	rec := env.do(t, http.MethodPost, "/users/add", AddUserRequest{BiometricID: "42"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "name is required")

	rec = env.do(t, http.MethodPost, "/users/add", AddUserRequest{BiometricID: "abc", Name: "Asha"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "non-numeric id needs an explicit uid")
}

func TestDeleteUserValidatesID(t *testing.T) {
	env := newTestServer(t, "")

	rec := env.do(t, http.MethodDelete, "/users/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPollingToggle(t *testing.T) {
	env := newTestServer(t, "")

	rec := env.do(t, http.MethodPost, "/polling/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.session.Status().PermanentPolling)

	rec = env.do(t, http.MethodPost, "/polling/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.session.Status().PermanentPolling)
}

func TestSyncStatusAndForce(t *testing.T) {
	env := newTestServer(t, "")

	rec := env.do(t, http.MethodGet, "/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, false, data["syncing"])

	rec = env.do(t, http.MethodPost, "/sync/force", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestStatsEndpoints(t *testing.T) {
	env := newTestServer(t, "")

	for _, path := range []string{"/stats/cache", "/stats/pipeline", "/stats/batcher", "/stats/breaker"} {
		rec := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	env := newTestServer(t, "")

	rec := env.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/device/connect", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReconnectKicksOffCallback(t *testing.T) {
	env := newTestServer(t, "")
	called := make(chan struct{}, 1)
	env.server.deps.Reconnect = func(ctx context.Context) error {
		called <- struct{}{}
		return nil
	}

	rec := env.do(t, http.MethodGet, "/reconnect", nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("reconnect callback was not invoked")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestServer(t, "")

	rec := env.do(t, http.MethodOptions, "/status", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
