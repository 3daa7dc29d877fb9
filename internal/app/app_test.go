package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pratik-mahalle/fleetpulse/internal/config"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            freePort(t),
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			RateLimit:       100,
			RateBurst:       100,
			Environment:     "test",
		},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(t.TempDir(), "fleetpulse.db"),
		},
		Redis: config.RedisConfig{Prefix: "fleetpulse-test"},
		Engine: config.EngineConfig{
			RulesFile:      filepath.Join("..", "..", "configs", "rules.yaml"),
			Broker:         "memory",
			Sink:           "memory",
			EventBus:       "memory",
			Prober:         "tcp",
			TCPPort:        22,
			StatusCacheTTL: time.Second,
		},
	}
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", Format: "json"})
}

func get(t *testing.T, h http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	if rr.Body.Len() > 0 && rr.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	}
	return rr.Code, body
}

func TestNew_ServesOpsAPI(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), testLogger())
	require.NoError(t, err)
	defer a.Close()

	h := a.Handler()

	code, _ := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, code)

	// not started yet
	code, _ = get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, body := get(t, h, "/api/v1/plan?devices=875")
	require.Equal(t, http.StatusOK, code)
	plan := body["data"].(map[string]interface{})
	assert.EqualValues(t, 100, plan["batch_size"])
	assert.EqualValues(t, 9, plan["batch_count"])

	code, body = get(t, h, "/api/v1/rules")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 5)

	code, body = get(t, h, "/api/v1/devices/status")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["data"].(map[string]interface{})["total"])

	code, _ = get(t, h, "/api/v1/devices/dev-1/state")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = get(t, h, "/api/v1/alerts?active=true")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["data"])

	code, _ = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, code)
}

func TestNew_RejectsInvalidRulesFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.RulesFile = filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(cfg.Engine.RulesFile, []byte("rules:\n  - id: x\n    expression: 'down &&'\n    severity: low\n"), 0o600))

	_, err := New(context.Background(), cfg, testLogger())
	assert.Error(t, err)
}

func TestNew_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Host = host
	cfg.Redis.Port, err = strconv.Atoi(port)
	require.NoError(t, err)
	cfg.Engine.Broker = "redis"
	cfg.Engine.EventBus = "redis"
	cfg.Engine.Sink = "redis"
	require.NoError(t, cfg.Validate())

	a, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer a.Close()

	code, body := get(t, a.Handler(), "/api/v1/lanes")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 4)
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Host = "127.0.0.1"
	cfg.Redis.Port = freePort(t)

	_, err := New(context.Background(), cfg, testLogger())
	assert.Error(t, err)
}

func TestRun_StartsAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	readyURL := fmt.Sprintf("http://%s:%d/readyz", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: time.Second}
	require.Eventually(t, func() bool {
		resp, err := client.Get(readyURL)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
