package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fazt-sh/fazt/internal/config"
	kerrors "github.com/fazt-sh/fazt/internal/errors"
	"github.com/fazt-sh/fazt/internal/hosting"
	"github.com/fazt-sh/fazt/internal/realtime"
)

const testDomain = "fazt.test"

// testRootKey is a well-formed pinned bootstrap key so tests can make
// authenticated requests without scraping the generated one from logs.
var testRootKey = "fazt_sk_" + strings.Repeat("0123456789abcdef", 4)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Server.Domain = testDomain
	cfg.Admin.BootstrapKey = testRootKey
	cfg.Runtime.PoolSize = 2

	s, err := New(cfg, "test")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := zw.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func deployApp(t *testing.T, s *Server, subdomain string, files map[string]string) *hosting.Result {
	t.Helper()
	res, err := s.deployer.DeployZip(context.Background(), buildZip(t, files), subdomain, nil)
	require.NoError(t, err)
	return res
}

// get performs one request against the dispatcher with an explicit host.
func get(t *testing.T, s *Server, host, target string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, s, http.MethodGet, host, target, nil, nil)
}

func do(t *testing.T, s *Server, method, host, target string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "http://placeholder"+target, body)
	req.Host = host
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestApexServesRootSite(t *testing.T) {
	s := newTestServer(t)

	w := get(t, s, testDomain, "/")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fazt hosting kernel")
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = get(t, s, testDomain, "/style.css")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "css")
}

func TestAdminSurfaceOnlyOnApex(t *testing.T) {
	s := newTestServer(t)

	// Health is public on the apex and on the admin subdomain.
	assert.Equal(t, http.StatusOK, get(t, s, testDomain, "/api/health").Code)
	assert.Equal(t, http.StatusOK, get(t, s, "admin."+testDomain, "/api/health").Code)

	// On an app subdomain the same path goes to the serverless surface,
	// which has no handler here.
	w := get(t, s, "blog."+testDomain, "/api/health")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestUnknownSubdomainFallsBackToRoot(t *testing.T) {
	s := newTestServer(t)

	w := get(t, s, "nothing-here."+testDomain, "/")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fazt hosting kernel")
}

func TestSubdomainServesDeployedApp(t *testing.T) {
	s := newTestServer(t)
	deployApp(t, s, "blog", map[string]string{
		"index.html":           "<html><body><h1>blog home</h1></body></html>",
		"about/index.html":     "<html><body>about</body></html>",
		"assets/app-9f2c31.js": "console.log('v1')",
	})

	w := get(t, s, "blog."+testDomain, "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "blog home")
	assert.Equal(t, "no-cache, must-revalidate", w.Header().Get("Cache-Control"))

	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)
	w = do(t, s, http.MethodGet, "blog."+testDomain, "/", nil, http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, w.Code)

	// Trailing slashes canonicalize with the query preserved.
	w = get(t, s, "blog."+testDomain, "/about/?tab=1")
	require.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "/about?tab=1", w.Header().Get("Location"))

	w = get(t, s, "blog."+testDomain, "/assets/app-9f2c31.js")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "public, max-age=31536000, immutable", w.Header().Get("Cache-Control"))

	w = get(t, s, "blog."+testDomain, "/missing-page")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRedirectAliasPreservesQuery(t *testing.T) {
	s := newTestServer(t)
	err := s.resolver.Set(context.Background(), hosting.Alias{
		Subdomain: "away",
		Type:      hosting.AliasRedirect,
		Targets:   json.RawMessage(`{"url":"https://example.com/landing"}`),
	})
	require.NoError(t, err)

	w := get(t, s, "away."+testDomain, "/anything?a=1&b=2")
	require.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "https://example.com/landing?a=1&b=2", w.Header().Get("Location"))
}

func TestReservedAliasServesNotFound(t *testing.T) {
	s := newTestServer(t)
	err := s.resolver.Set(context.Background(), hosting.Alias{
		Subdomain: "mail",
		Type:      hosting.AliasReserved,
	})
	require.NoError(t, err)

	w := get(t, s, "mail."+testDomain, "/")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "404")
}

func TestSplitAliasIsStickyPerClient(t *testing.T) {
	s := newTestServer(t)
	a := deployApp(t, s, "variant-a", map[string]string{"index.html": "alpha"})
	b := deployApp(t, s, "variant-b", map[string]string{"index.html": "beta"})

	targets, err := json.Marshal([]hosting.SplitTarget{
		{AppID: a.AppID, Weight: 50},
		{AppID: b.AppID, Weight: 50},
	})
	require.NoError(t, err)
	require.NoError(t, s.resolver.Set(context.Background(), hosting.Alias{
		Subdomain: "trial",
		Type:      hosting.AliasSplit,
		Targets:   targets,
	}))

	hdr := http.Header{"X-Forwarded-For": {"203.0.113.7"}}
	first := do(t, s, http.MethodGet, "trial."+testDomain, "/", nil, hdr)
	require.Equal(t, http.StatusOK, first.Code)
	for i := 0; i < 5; i++ {
		again := do(t, s, http.MethodGet, "trial."+testDomain, "/", nil, hdr)
		assert.Equal(t, first.Body.String(), again.Body.String())
	}
}

func TestServerlessHandlerRoundTrip(t *testing.T) {
	s := newTestServer(t)
	deployApp(t, s, "fn", map[string]string{
		"index.html": "<html></html>",
		"api/main.js": `function handler(request) {
			return {
				status: 201,
				headers: {"x-fn": "1"},
				json: {method: request.method, name: request.query.name},
			};
		}`,
	})

	w := do(t, s, http.MethodPost, "fn."+testDomain, "/api/hello?name=go", strings.NewReader("payload"), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "1", w.Header().Get("x-fn"))

	var got struct {
		Method string `json:"method"`
		Name   string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "go", got.Name)
}

func TestServerlessHandlerFallbackFile(t *testing.T) {
	s := newTestServer(t)
	deployApp(t, s, "single", map[string]string{
		"main.js": `function handler(request) { return {body: "from fallback"}; }`,
	})

	w := get(t, s, "single."+testDomain, "/api/anything")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "from fallback", w.Body.String())
}

func TestServerlessHandlerFailureMapsTo500(t *testing.T) {
	s := newTestServer(t)
	deployApp(t, s, "broken", map[string]string{
		"api/main.js": `function handler(request) { throw new Error("boom"); }`,
	})

	w := get(t, s, "broken."+testDomain, "/api/x")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL")
}

func TestHandlerReadsManifestEnv(t *testing.T) {
	s := newTestServer(t)
	deployApp(t, s, "envy", map[string]string{
		"manifest.json": `{"name": "envy", "env": {"GREETING": "hello"}}`,
		"api/main.js":   `function handler(request) { return {body: fazt.env.get("GREETING")}; }`,
	})

	w := get(t, s, "envy."+testDomain, "/api/greet")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
}

func TestBeaconRecordsHit(t *testing.T) {
	s := newTestServer(t)
	res := deployApp(t, s, "tracked", map[string]string{"index.html": "<html></html>"})

	body := strings.NewReader(`{"path":"/pricing","ref":"https://news.example"}`)
	w := do(t, s, http.MethodPost, "tracked."+testDomain, "/api/beacon", body, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	var count int
	var path string
	err := s.db.QueryRow(
		"SELECT COUNT(*), MAX(path) FROM hits WHERE site_id=?", res.AppID,
	).Scan(&count, &path)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, "/pricing", path)
}

func TestPrivatePathsRequireAdminKey(t *testing.T) {
	s := newTestServer(t)
	deployApp(t, s, "docs", map[string]string{
		"index.html":         "<html></html>",
		"private/draft.html": "<html>draft</html>",
	})

	w := get(t, s, "docs."+testDomain, "/private/draft.html")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	hdr := http.Header{"Authorization": {"Bearer " + testRootKey}}
	w = do(t, s, http.MethodGet, "docs."+testDomain, "/private/draft.html", nil, hdr)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "draft")
}

func TestWebSocketBroadcastThroughDispatch(t *testing.T) {
	s := newTestServer(t)
	res := deployApp(t, s, "chat", map[string]string{"index.html": "<html></html>"})

	ts := httptest.NewServer(s)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?channels=lobby"
	hdr := http.Header{"Host": {"chat." + testDomain}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	require.NoError(t, err)
	defer conn.Close()
	resp.Body.Close()

	var hub *realtime.Hub
	require.Eventually(t, func() bool {
		h, ok := s.hubs.Hub(res.AppID)
		if !ok || h.ChannelCount("lobby") != 1 {
			return false
		}
		hub = h
		return true
	}, 2*time.Second, 5*time.Millisecond)

	delivered := hub.BroadcastToChannel("lobby", map[string]string{"text": "hi"})
	assert.Equal(t, 1, delivered)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    string            `json:"type"`
		Channel string            `json:"channel"`
		Data    map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &msg))
	assert.Equal(t, "message", msg.Type)
	assert.Equal(t, "lobby", msg.Channel)
	assert.Equal(t, "hi", msg.Data["text"])
}

func TestWebSocketRequiresUpgradeHeaders(t *testing.T) {
	s := newTestServer(t)
	deployApp(t, s, "chat", map[string]string{
		"index.html": "<html></html>",
		"ws":         "plain file named ws",
	})

	// A plain GET to /ws is static serving, not an upgrade.
	w := get(t, s, "chat."+testDomain, "/ws")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "plain file named ws", w.Body.String())
}

func TestSubdomainLabel(t *testing.T) {
	cases := []struct {
		host string
		want string
	}{
		{"fazt.test", ""},
		{"fazt.test:8080", ""},
		{"FAZT.Test", ""},
		{"blog.fazt.test", "blog"},
		{"blog.fazt.test:8080", "blog"},
		{"blog.fazt.test.", "blog"},
		{"a.b.fazt.test", "a.b"},
		{"127.0.0.1:9090", ""},
		{"evil.example.com", ""},
		{"notfazt.test", ""},
	}
	for _, tc := range cases {
		t.Run(tc.host, func(t *testing.T) {
			assert.Equal(t, tc.want, subdomainLabel(tc.host, testDomain))
		})
	}
}

func TestClientKeyPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://x/pricing", nil)
	req.RemoteAddr = "10.0.0.9:41000"
	assert.Equal(t, "10.0.0.9|/pricing", clientKey(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 198.51.100.1")
	assert.Equal(t, "203.0.113.7|/pricing", clientKey(req))
}

func TestHandlerBodyLimit(t *testing.T) {
	s := newTestServer(t)
	deployApp(t, s, "fn", map[string]string{
		"api/main.js": `function handler(request) { return {body: "ok"}; }`,
	})

	big := bytes.Repeat([]byte("x"), maxHandlerBody+1)
	w := do(t, s, http.MethodPost, "fn."+testDomain, "/api/ingest", bytes.NewReader(big), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestWriteErrorMapping(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter bool
	}{
		{"retryable storage", kerrors.StorageRetryable("kv.set", "write queue full"), 503, "STORAGE", true},
		{"validation", kerrors.Validation("docs.insert", "bad collection"), 400, "VALIDATION", false},
		{"not found", kerrors.NotFound("files.read", "no such file"), 404, "NOT_FOUND", false},
		{"net code passthrough", kerrors.Net("net.fetch", kerrors.NetLimit, "rate limited"), 503, "NET_LIMIT", true},
		{"plain error", fmt.Errorf("boom"), 500, "INTERNAL", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			s.writeError(w, tc.err)

			assert.Equal(t, tc.status, w.Code)
			if tc.retryAfter {
				assert.Equal(t, "1", w.Header().Get("Retry-After"))
			} else {
				assert.Empty(t, w.Header().Get("Retry-After"))
			}

			var body struct {
				Error struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body.Error.Code)
		})
	}
}

func TestShutdownIsClean(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Server.Domain = testDomain
	cfg.Admin.BootstrapKey = testRootKey
	cfg.Runtime.PoolSize = 1
	cfg.Server.Port = 0

	s, err := New(cfg, "test")
	require.NoError(t, err)

	ln, err := s.Listen()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	// One real request proves the listener is live.
	resp, err := http.Get(fmt.Sprintf("http://%s/api/health", ln.Addr()))
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.ErrorIs(t, <-done, http.ErrServerClosed)
}
