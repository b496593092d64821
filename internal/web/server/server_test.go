package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omniflow/preview/internal/cli/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Port:         3000,
		DataDir:      t.TempDir(),
		PublicHost:   "preview.example.dev",
		BunBinary:    "/bin/false",
		BasePort:     42100,
		MaxInstances: 2,
		IdleTimeout:  time.Minute,
	}
	s := New(cfg, "test", zap.NewNop())
	t.Cleanup(func() { s.supervisor.Destroy() })
	return s
}

func TestWelcomePage(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Preview Orchestrator")
}

func TestProbeScriptServed(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/visual-edit-script.js", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "javascript")
	assert.Contains(t, rec.Body.String(), "data-jsx-id")
}

func TestHealthThroughChain(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"devMode":true`)
}

func TestMetricsServedAtBothPaths(t *testing.T) {
	handler := newTestServer(t).Handler()

	for _, path := range []string{"/metrics", "/health/metrics"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Body.String(), `"vite"`, path)
		assert.Contains(t, rec.Body.String(), `"instances"`, path)
		assert.Contains(t, rec.Body.String(), `"timestamp"`, path)
	}
}

func TestCORSHeadersApplied(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/projects", nil))

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestControlPlaneValidation(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/projects", strings.NewReader(`{"projectId":"x"}`))
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "projectName")
}

func TestHMRPathBypassesChain(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/hmr/123e4567-e89b-12d3-a456-426614174000", nil))

	// Non-upgrade probe of an HMR path answers quietly.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestUnknownProjectPreview(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p/ghost/", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "PROJECT_NOT_FOUND")
}
