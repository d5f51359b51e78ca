package server

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/fazt-sh/fazt/internal/budget"
	kerrors "github.com/fazt-sh/fazt/internal/errors"
	"github.com/fazt-sh/fazt/internal/hosting"
	"github.com/fazt-sh/fazt/internal/jsruntime"
	"github.com/fazt-sh/fazt/internal/logging"
	"github.com/fazt-sh/fazt/internal/metrics"
)

const (
	// adminLabel is the optional dedicated control-plane subdomain; the
	// apex serves the same surface.
	adminLabel = "admin"

	// handlerFile is the serverless entry point, with a root-level
	// fallback for single-file apps.
	handlerFile     = "api/main.js"
	handlerFallback = "main.js"

	// maxHandlerBody bounds request bodies handed to JS handlers.
	maxHandlerBody = 5 << 20

	// maxBeaconBody bounds analytics beacon payloads.
	maxBeaconBody = 8 << 10
)

// ServeHTTP routes by host. The apex and the admin subdomain expose the
// admin API under /api and the system root site elsewhere; every other
// subdomain resolves through the alias table into a tenant site.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	label := subdomainLabel(r.Host, s.cfg.Server.Domain)

	// The admin router runs its own auth, metrics, and logging
	// middleware, so it is dispatched before the site pipeline wraps
	// the request.
	if (label == "" || label == adminLabel) && isAPIPath(r.URL.Path) {
		s.admin.ServeHTTP(w, r)
		return
	}

	ctx, cancel := budget.With(r.Context(), s.cfg.Server.RequestBudget)
	defer cancel()
	ctx, requestID := logging.WithRequestID(ctx, strings.TrimSpace(r.Header.Get("X-Request-ID")))
	r = r.WithContext(ctx)
	w.Header().Set("X-Request-ID", requestID)

	start := time.Now()
	rec := &siteWriter{ResponseWriter: w, status: http.StatusOK}
	surface := s.dispatch(rec, r, label)
	if rec.hijacked {
		// The connection now belongs to a hub; there is no status to
		// record and the request logs on disconnect.
		return
	}

	duration := time.Since(start)
	metrics.RecordRequest(surface, rec.status, duration)

	evt := log.Debug()
	if rec.status >= 400 {
		evt = log.Warn()
	}
	evt.Str("request_id", requestID).
		Str("method", r.Method).
		Str("host", r.Host).
		Str("path", r.URL.Path).
		Str("surface", surface).
		Int("status", rec.status).
		Dur("duration", duration).
		Msg("Request served")
}

// dispatch serves one site request and reports the surface that handled
// it for metrics.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, label string) string {
	if label == "" || label == adminLabel {
		s.static.ServeSite(w, r, hosting.SystemRootSite)
		return metrics.SurfaceStatic
	}

	res, err := s.resolver.Resolve(r.Context(), label, clientKey(r))
	if err != nil {
		s.writeError(w, err)
		return metrics.SurfaceStatic
	}

	switch res.Kind {
	case hosting.ResolveRedirect:
		redirectPreservingQuery(w, r, res.RedirectURL)
		return metrics.SurfaceStatic
	case hosting.ResolveNotFound:
		s.static.ServeNotFound(w, r)
		return metrics.SurfaceStatic
	}

	siteID := res.SiteID
	switch {
	case r.URL.Path == "/ws" && websocket.IsWebSocketUpgrade(r):
		s.hubs.ServeWS(w, r, siteID)
		return metrics.SurfaceRealtime
	case r.URL.Path == "/api/beacon" && r.Method == http.MethodPost:
		s.serveBeacon(w, r, siteID)
		return metrics.SurfaceStatic
	case isAPIPath(r.URL.Path):
		s.serveHandler(w, r, siteID)
		return metrics.SurfaceFunction
	default:
		s.static.ServeSite(w, r, siteID)
		return metrics.SurfaceStatic
	}
}

// serveHandler executes the site's JS handler for paths under /api/.
// Sites without a handler file answer 404.
func (s *Server) serveHandler(w http.ResponseWriter, r *http.Request, siteID string) {
	ctx := r.Context()

	file, err := s.files.Read(ctx, siteID, handlerFile)
	if kerrors.IsNotFound(err) {
		file, err = s.files.Read(ctx, siteID, handlerFallback)
	}
	if kerrors.IsNotFound(err) {
		s.writeError(w, kerrors.NotFound("server.handler", "this site has no handler"))
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxHandlerBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	// site_id doubles as app_id for deployed apps; the env map comes
	// from the manifest and never includes secret values.
	caps := jsruntime.Caps{
		SiteID: siteID,
		AppID:  siteID,
		Data:   s.data,
		Hubs:   s.hubs,
		Net:    s.proxy,
	}
	if app, err := s.apps.GetApp(ctx, siteID); err == nil {
		caps.Env = app.Env
	}

	resp, err := s.pool.Execute(ctx, caps, string(file.Content), file.Hash, jsruntime.FromHTTP(r, body))
	if err != nil {
		s.writeError(w, err)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// serveBeacon ingests one page-view report. The beacon always answers
// 204; ingestion failures are the kernel's problem, not the page's.
func (s *Server) serveBeacon(w http.ResponseWriter, r *http.Request, siteID string) {
	var report struct {
		Path string `json:"path"`
		Ref  string `json:"ref"`
	}
	if body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBeaconBody)); err == nil {
		_ = json.Unmarshal(body, &report)
	}
	if report.Path == "" {
		report.Path = "/"
	}

	ua := r.UserAgent()
	err := s.db.Queue.Submit(r.Context(), "hits.record", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT INTO hits (site_id, path, referrer, user_agent, created_at) VALUES (?, ?, ?, ?, ?)",
			siteID, report.Path, report.Ref, ua, time.Now().Unix(),
		)
		return err
	})
	if err != nil {
		log.Debug().Err(err).Str("site", siteID).Msg("Beacon dropped")
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError renders a kernel error in the JSON shape site clients
// expect. Retryable errors carry Retry-After so clients back off.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	ke := kerrors.AsKernel(err)
	status := ke.HTTPStatus()
	msg := ke.Message()
	if status >= 500 {
		log.Error().Err(err).Msg("Site request failed")
		if ke.Kind == kerrors.KindInternal {
			// Internal detail belongs in the log, not in a tenant
			// response.
			msg = "internal error"
		}
	}
	if ke.Retryable {
		w.Header().Set("Retry-After", "1")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"code": ke.JSCode(), "message": msg},
	})
}

// subdomainLabel extracts the subdomain of host relative to the base
// domain. The apex, direct IP access, and hosts outside the base domain
// all map to "", the admin/root surface.
func subdomainLabel(hostport, domain string) string {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	domain = strings.ToLower(domain)

	if host == domain {
		return ""
	}
	if rest, ok := strings.CutSuffix(host, "."+domain); ok {
		return rest
	}
	return ""
}

// clientKey feeds the split-alias hash. The first X-Forwarded-For hop
// identifies the client behind a proxy; direct connections use the
// remote address.
func clientKey(r *http.Request) string {
	ip := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = h
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		ip = strings.TrimSpace(first)
	}
	return ip + "|" + r.URL.Path
}

// redirectPreservingQuery answers 301 to target, carrying the request
// query through.
func redirectPreservingQuery(w http.ResponseWriter, r *http.Request, target string) {
	if q := r.URL.RawQuery; q != "" {
		if strings.Contains(target, "?") {
			target += "&" + q
		} else {
			target += "?" + q
		}
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func isAPIPath(p string) bool {
	return p == "/api" || strings.HasPrefix(p, "/api/")
}

// siteWriter captures the response status for logs and metrics. Hijack
// marks the connection as handed off so upgrades skip both.
type siteWriter struct {
	http.ResponseWriter
	status   int
	wrote    bool
	hijacked bool
}

func (w *siteWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *siteWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

// Hijack implements http.Hijacker for the WebSocket upgrade.
func (w *siteWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("ResponseWriter does not implement http.Hijacker")
	}
	w.hijacked = true
	return hijacker.Hijack()
}

// Flush implements http.Flusher when the underlying writer supports it.
func (w *siteWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
