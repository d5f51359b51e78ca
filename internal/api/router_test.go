package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fazt-sh/fazt/internal/config"
	"github.com/fazt-sh/fazt/internal/db"
	"github.com/fazt-sh/fazt/internal/egress"
	"github.com/fazt-sh/fazt/internal/hosting"
	"github.com/fazt-sh/fazt/internal/realtime"
	"github.com/fazt-sh/fazt/internal/secrets"
	"github.com/fazt-sh/fazt/internal/vfs"
)

type testRouter struct {
	handler  http.Handler
	token    string
	db       *db.DB
	keys     *KeyStore
	apps     *hosting.Manager
	resolver *hosting.Resolver
}

func newTestRouter(t *testing.T) *testRouter {
	t.Helper()
	database := newTestDB(t)

	files := vfs.New(database, 128)
	resolver := hosting.NewResolver(database)
	hubs := realtime.NewManager(realtime.Options{})
	apps := hosting.NewManager(database, files, resolver, hubs)
	deployer := hosting.NewDeployer(database, files, hosting.DefaultLimits())
	keys := NewKeyStore(database)

	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()

	token, _, err := keys.Create(context.Background(), "test", "root")
	require.NoError(t, err)

	handler := NewRouter(Deps{
		DB:        database,
		Config:    cfg,
		Keys:      keys,
		Apps:      apps,
		Deployer:  deployer,
		Resolver:  resolver,
		Files:     files,
		Secrets:   secrets.New(database),
		Allowlist: egress.NewAllowlist(database, 0),
		Hubs:      hubs,
		Version:   "test",
	})
	return &testRouter{
		handler:  handler,
		token:    token,
		db:       database,
		keys:     keys,
		apps:     apps,
		resolver: resolver,
	}
}

// do issues an authenticated request against the admin surface.
func (tr *testRouter) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+tr.token)
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)
	return rec
}

func (tr *testRouter) doJSON(t *testing.T, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return tr.do(t, method, path, bytes.NewReader(data))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v),
		"body: %s", rec.Body.String())
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestHealthIsPublic(t *testing.T) {
	tr := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/health", nil)
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestMissingKeyIsRejected(t *testing.T) {
	tr := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/status", nil)
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var apiErr APIError
	decodeBody(t, rec, &apiErr)
	assert.Equal(t, "UNAUTHORIZED", apiErr.Code)
}

func TestInvalidKeyIsRejected(t *testing.T) {
	tr := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+keyTokenPrefix+strings.Repeat("ff", 32))
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusReportsKernelHealth(t *testing.T) {
	tr := newTestRouter(t)

	rec := tr.do(t, "GET", "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	decodeBody(t, rec, &status)
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "test", status.Version)
	assert.NotZero(t, status.Queue.Capacity)
}

func TestSecurityHeaders(t *testing.T) {
	tr := newTestRouter(t)

	rec := tr.do(t, "GET", "/api/health", nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRequestIDEchoed(t *testing.T) {
	tr := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-abc123")
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-abc123", rec.Header().Get("X-Request-ID"))

	// Without an incoming ID the middleware issues one.
	rec = tr.do(t, "GET", "/api/health", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestUnknownPathIs404(t *testing.T) {
	tr := newTestRouter(t)
	rec := tr.do(t, "GET", "/api/not-a-thing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpointRequiresAuth(t *testing.T) {
	tr := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/metrics", nil)
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = tr.do(t, "GET", "/api/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fazt_")
}
