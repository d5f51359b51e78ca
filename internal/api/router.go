// Package api is the control plane served on the apex domain: deploys,
// app and alias management, secrets, egress allowlist, the SQL console,
// and the command envelope used by remote tooling. Every mutation is
// audit-logged; everything except /api/health requires an API key.
package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fazt-sh/fazt/internal/config"
	"github.com/fazt-sh/fazt/internal/db"
	"github.com/fazt-sh/fazt/internal/egress"
	"github.com/fazt-sh/fazt/internal/hosting"
	"github.com/fazt-sh/fazt/internal/realtime"
	"github.com/fazt-sh/fazt/internal/secrets"
	"github.com/fazt-sh/fazt/internal/vfs"
)

// Deps carries the kernel subsystems the admin surface drives.
type Deps struct {
	DB        *db.DB
	Config    *config.Config
	Keys      *KeyStore
	Apps      *hosting.Manager
	Deployer  *hosting.Deployer
	Resolver  *hosting.Resolver
	Files     *vfs.Store
	Secrets   *secrets.Store
	Allowlist *egress.Allowlist
	Hubs      *realtime.Manager
	Version   string
}

// Router handles admin HTTP routing.
type Router struct {
	mux       *http.ServeMux
	db        *db.DB
	cfg       *config.Config
	keys      *KeyStore
	apps      *hosting.Manager
	deployer  *hosting.Deployer
	resolver  *hosting.Resolver
	files     *vfs.Store
	secrets   *secrets.Store
	allow     *egress.Allowlist
	hubs      *realtime.Manager
	version   string
	startedAt time.Time
	commands  map[string]commandFunc
}

// NewRouter assembles the admin surface.
func NewRouter(deps Deps) http.Handler {
	rt := &Router{
		mux:       http.NewServeMux(),
		db:        deps.DB,
		cfg:       deps.Config,
		keys:      deps.Keys,
		apps:      deps.Apps,
		deployer:  deps.Deployer,
		resolver:  deps.Resolver,
		files:     deps.Files,
		secrets:   deps.Secrets,
		allow:     deps.Allowlist,
		hubs:      deps.Hubs,
		version:   deps.Version,
		startedAt: time.Now(),
	}
	rt.registerCommands()
	rt.setupRoutes()
	return ErrorHandler(rt)
}

func (rt *Router) setupRoutes() {
	rt.mux.HandleFunc("/api/health", rt.handleHealth)
	rt.mux.HandleFunc("/api/status", rt.requireAuth(rt.handleStatus))
	rt.mux.HandleFunc("/api/metrics", rt.requireAuth(promhttp.Handler().ServeHTTP))

	rt.mux.HandleFunc("/api/deploy", rt.requireAuth(rt.handleDeployZip))
	rt.mux.HandleFunc("/api/deploy/git", rt.requireAuth(rt.handleDeployGit))

	rt.mux.HandleFunc("/api/apps", rt.requireAuth(rt.handleApps))
	rt.mux.HandleFunc("/api/apps/", rt.requireAuth(rt.handleAppByID))

	rt.mux.HandleFunc("/api/aliases", rt.requireAuth(rt.handleAliases))
	rt.mux.HandleFunc("/api/aliases/", rt.requireAuth(rt.handleAliasBySubdomain))

	rt.mux.HandleFunc("/api/logs", rt.requireAuth(rt.handleActivityLog))
	rt.mux.HandleFunc("/api/logs/tail", rt.requireAuth(rt.handleLogTail))
	rt.mux.HandleFunc("/api/sql", rt.requireAuth(rt.handleSQL))

	rt.mux.HandleFunc("/api/secrets", rt.requireAuth(rt.handleSecrets))
	rt.mux.HandleFunc("/api/allowlist", rt.requireAuth(rt.handleAllowlist))

	rt.mux.HandleFunc("/api/users", rt.requireAuth(rt.handleUsers))
	rt.mux.HandleFunc("/api/users/", rt.requireAuth(rt.handleUserByName))
	rt.mux.HandleFunc("/api/keys", rt.requireAuth(rt.handleKeys))
	rt.mux.HandleFunc("/api/keys/", rt.requireAuth(rt.handleKeyByID))

	rt.mux.HandleFunc("/api/cmd", rt.requireAuth(rt.handleCommand))
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.addSecurityHeaders(w)
	rt.mux.ServeHTTP(w, r)
}

func (rt *Router) addSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
}
