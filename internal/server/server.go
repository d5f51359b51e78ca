// Package server assembles the kernel and serves its two HTTP surfaces:
// the admin API on the apex domain and tenant sites on subdomains. One
// Server owns every subsystem, so a process hosts exactly one kernel.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valyala/tcplisten"

	"github.com/fazt-sh/fazt/internal/api"
	"github.com/fazt-sh/fazt/internal/config"
	"github.com/fazt-sh/fazt/internal/db"
	"github.com/fazt-sh/fazt/internal/egress"
	"github.com/fazt-sh/fazt/internal/hosting"
	"github.com/fazt-sh/fazt/internal/jsruntime"
	"github.com/fazt-sh/fazt/internal/metrics"
	"github.com/fazt-sh/fazt/internal/realtime"
	"github.com/fazt-sh/fazt/internal/secrets"
	"github.com/fazt-sh/fazt/internal/sitedata"
	"github.com/fazt-sh/fazt/internal/vfs"
)

// bootstrapTimeout bounds first-boot work: schema, system sites, root key.
const bootstrapTimeout = 30 * time.Second

// Server routes requests by host between the admin surface and tenant
// sites, and owns the lifecycle of every kernel subsystem.
type Server struct {
	cfg *config.Config

	db       *db.DB
	files    *vfs.Store
	resolver *hosting.Resolver
	apps     *hosting.Manager
	deployer *hosting.Deployer
	keys     *api.KeyStore
	secrets  *secrets.Store
	allow    *egress.Allowlist
	proxy    *egress.Proxy
	data     *sitedata.Store
	hubs     *realtime.Manager
	pool     *jsruntime.Pool
	static   *hosting.StaticHandler
	admin    http.Handler

	httpSrv *http.Server
	version string
}

// New wires the kernel from cfg. The database is opened and migrated,
// the system sites are seeded, and the root API key is provisioned
// before New returns, so a non-nil Server is ready to serve.
func New(cfg *config.Config, version string) (*Server, error) {
	database, err := db.Open(cfg.DatabasePath(), cfg.Storage.QueueDepth)
	if err != nil {
		return nil, err
	}

	files := vfs.New(database, cfg.Storage.CacheEntries)
	resolver := hosting.NewResolver(database)
	hubs := realtime.NewManager(realtime.FromConfig(cfg.Realtime))
	apps := hosting.NewManager(database, files, resolver, hubs)
	deployer := hosting.NewDeployer(database, files, hosting.Limits{
		MaxArchiveBytes: cfg.Deploy.MaxZipBytes,
		MaxFileBytes:    cfg.Deploy.MaxFileBytes,
		MaxFileCount:    cfg.Deploy.MaxFileCount,
		GitTimeout:      cfg.Deploy.GitTimeout,
	})
	keys := api.NewKeyStore(database)
	secretStore := secrets.New(database)
	allow := egress.NewAllowlist(database, cfg.Egress.AllowlistTTL)

	proxy, err := egress.New(cfg.Egress, allow, secretStore)
	if err != nil {
		database.Close()
		return nil, err
	}

	pool, err := jsruntime.NewPool(cfg.Runtime)
	if err != nil {
		proxy.Close()
		database.Close()
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		db:       database,
		files:    files,
		resolver: resolver,
		apps:     apps,
		deployer: deployer,
		keys:     keys,
		secrets:  secretStore,
		allow:    allow,
		proxy:    proxy,
		data:     sitedata.New(database),
		hubs:     hubs,
		pool:     pool,
		version:  version,
	}
	s.static = hosting.NewStaticHandler(files, apps, keys.AuthorizeRequest)
	s.admin = api.NewRouter(api.Deps{
		DB:        database,
		Config:    cfg,
		Keys:      keys,
		Apps:      apps,
		Deployer:  deployer,
		Resolver:  resolver,
		Files:     files,
		Secrets:   secretStore,
		Allowlist: allow,
		Hubs:      hubs,
		Version:   version,
	})

	// No ReadTimeout or WriteTimeout: WebSocket connections outlive any
	// sane request timeout. Slowloris is bounded by ReadHeaderTimeout.
	s.httpSrv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
	defer cancel()
	if err := apps.EnsureSystemSites(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := keys.Bootstrap(ctx, cfg.Admin.BootstrapKey); err != nil {
		s.Close()
		return nil, err
	}

	s.registerGauges()
	return s, nil
}

// Listen binds the configured address. With reuse_port enabled the
// socket is built through tcplisten so multiple kernel processes can
// share one port; platforms without those options fall back to a plain
// TCP listener.
func (s *Server) Listen() (net.Listener, error) {
	addr := s.cfg.ListenAddr()
	if s.cfg.Server.ReusePort {
		lc := tcplisten.Config{ReusePort: true, DeferAccept: true, FastOpen: true}
		ln, err := lc.NewListener("tcp4", addr)
		if err == nil {
			log.Info().Str("addr", addr).Msg("Listening with SO_REUSEPORT")
			return ln, nil
		}
		log.Warn().Err(err).Msg("Reuseport listener unavailable; using standard listener")
	}
	return net.Listen("tcp", addr)
}

// ListenAndServe binds the configured address and serves until Shutdown
// or a listener error.
func (s *Server) ListenAndServe() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves HTTP on ln until Shutdown. Always returns a non-nil
// error; after a clean Shutdown that error is http.ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	log.Info().
		Str("addr", ln.Addr().String()).
		Str("domain", s.cfg.Server.Domain).
		Str("version", s.version).
		Msg("Server listening")
	return s.httpSrv.Serve(ln)
}

// Shutdown stops accepting connections, drains in-flight requests until
// ctx expires, then tears down hubs, the egress proxy, the write queue,
// and the database.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)

	// Upgraded connections are not tracked by the HTTP server; closing
	// the hubs is what disconnects them.
	s.hubs.Shutdown()
	s.proxy.Close()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close releases every subsystem without draining. Shutdown is the
// graceful path; Close backs constructor error paths and tests.
func (s *Server) Close() {
	s.hubs.Shutdown()
	s.proxy.Close()
	s.db.Close()
}

// registerGauges exposes queue, cache, and hub occupancy as sampled
// gauges. Registration conflicts are ignored, so rebuilding the server
// in tests stays quiet.
func (s *Server) registerGauges() {
	metrics.RegisterGaugeFunc("queue", "depth", "Write queue jobs waiting.", func() float64 {
		return float64(s.db.Queue.Snapshot().Depth)
	})
	metrics.RegisterGaugeFunc("vfs", "cache_entries", "Files held by the read cache.", func() float64 {
		_, _, _, size := s.files.CacheStats()
		return float64(size)
	})
	metrics.RegisterGaugeFunc("realtime", "hubs", "Live per-site hubs.", func() float64 {
		return float64(s.hubs.HubCount())
	})
}
