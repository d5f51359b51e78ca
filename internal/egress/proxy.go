// Package egress is the only path handler code can reach the network
// through. Every fetch runs a fixed validation pipeline: URL and scheme
// checks, host canonicalization, allowlist lookup, rate and concurrency
// limits, budget admission, header sanitization, and a dialer that
// refuses private addresses at connect time. Failures surface as typed
// NET_* errors so handlers can tell a policy rejection from a flaky
// upstream.
package egress

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/fazt-sh/fazt/internal/budget"
	"github.com/fazt-sh/fazt/internal/config"
	kerrors "github.com/fazt-sh/fazt/internal/errors"
	"github.com/fazt-sh/fazt/internal/metrics"
	"github.com/fazt-sh/fazt/internal/secrets"
)

const (
	// minFetchBudget is the least request budget a fetch may start with.
	minFetchBudget = 100 * time.Millisecond

	maxRedirects = 5

	userAgent = "fazt-egress/1"
)

// hopHeaders never cross the proxy, in either direction.
var hopHeaders = map[string]bool{
	"host":              true,
	"connection":        true,
	"proxy-connection":  true,
	"keep-alive":        true,
	"te":                true,
	"trailer":           true,
	"transfer-encoding": true,
	"upgrade":           true,
	"accept-encoding":   true,
	"content-length":    true,
}

// Request is one outbound fetch made on behalf of a handler.
type Request struct {
	AppID   string
	URL     string
	Method  string
	Headers map[string]string
	Body    string
	// Auth names one secret to inject instead of everything matching the
	// (app, domain) scope.
	Auth string
}

// Response carries the upstream reply back to the capability bridge.
// Header keys are lowercased and hold the first value only.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
	URL     string
}

// CallCounter caps how many fetches one handler execution may make. It
// lives for a single execution and is only touched by that execution's
// goroutine.
type CallCounter struct {
	calls int
}

// NewCallCounter starts a fresh per-execution fetch counter.
func NewCallCounter() *CallCounter { return &CallCounter{} }

// Calls reports how many fetches have been admitted.
func (c *CallCounter) Calls() int { return c.calls }

type cachedResponse struct {
	resp    Response
	expires time.Time
}

// redirectKey carries per-request redirect state through the shared
// http.Client's CheckRedirect.
type redirectKey struct{}

type redirectState struct {
	appID    string
	injected []string
}

// Proxy executes outbound fetches for handlers.
type Proxy struct {
	cfg       config.EgressConfig
	allow     *Allowlist
	secrets   *secrets.Store
	resolver  *dnscache.Resolver
	dialer    *safeDialer
	client    *http.Client
	respCache *lru.Cache[string, cachedResponse]

	mu       sync.Mutex
	perApp   map[string]int
	inflight int
	limiters map[string]*rate.Limiter

	stop     chan struct{}
	stopOnce sync.Once
}

// New assembles the egress proxy. The DNS cache is refreshed on
// cfg.DNSRefresh until Close is called.
func New(cfg config.EgressConfig, allow *Allowlist, sec *secrets.Store) (*Proxy, error) {
	resolver := &dnscache.Resolver{}
	dialer, err := newSafeDialer(resolver, cfg.AllowCIDRs)
	if err != nil {
		return nil, err
	}

	respCache, err := lru.New[string, cachedResponse](128)
	if err != nil {
		return nil, kerrors.Internal("egress.new", err)
	}

	p := &Proxy{
		cfg:       cfg,
		allow:     allow,
		secrets:   sec,
		resolver:  resolver,
		dialer:    dialer,
		respCache: respCache,
		perApp:    make(map[string]int),
		limiters:  make(map[string]*rate.Limiter),
		stop:      make(chan struct{}),
	}

	p.client = &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          32,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       60 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.NetBudget,
			DisableCompression:    true,
		},
		CheckRedirect: p.checkRedirect,
	}

	refresh := cfg.DNSRefresh
	if refresh <= 0 {
		refresh = time.Minute
	}
	go func() {
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
			case <-p.stop:
				return
			}
		}
	}()

	return p, nil
}

// Close stops the DNS refresh loop and drops idle connections.
func (p *Proxy) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	if t, ok := p.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// Allowlist exposes the rule store for the admin surface.
func (p *Proxy) Allowlist() *Allowlist { return p.allow }

// Fetch runs the full validation pipeline and executes the request.
func (p *Proxy) Fetch(ctx context.Context, counter *CallCounter, req Request) (*Response, error) {
	resp, err := p.fetch(ctx, counter, req)
	if err != nil {
		metrics.RecordEgress(kerrors.AsKernel(err).JSCode())
		return nil, err
	}
	metrics.RecordEgress("ok")
	return resp, nil
}

func (p *Proxy) fetch(ctx context.Context, counter *CallCounter, req Request) (*Response, error) {
	const op = "egress.fetch"

	if counter.calls >= p.cfg.PerRequest {
		return nil, kerrors.Net(op, kerrors.NetLimit, "per-request fetch limit of %d reached", p.cfg.PerRequest)
	}
	counter.calls++

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, kerrors.Net(op, kerrors.NetError, "invalid url: %v", err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !p.cfg.AllowHTTP {
			return nil, kerrors.Net(op, kerrors.NetBlocked, "only https destinations are allowed")
		}
	default:
		return nil, kerrors.Net(op, kerrors.NetBlocked, "unsupported scheme %q", u.Scheme)
	}

	host := canonicalHost(u)
	if host == "" {
		return nil, kerrors.Net(op, kerrors.NetError, "url has no host")
	}
	if net.ParseIP(host) != nil {
		return nil, kerrors.Net(op, kerrors.NetBlocked, "ip literals are not allowed")
	}

	rule, allowed, err := p.allow.Lookup(ctx, req.AppID, host)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, kerrors.Net(op, kerrors.NetBlocked, "domain %q is not allowlisted", host)
	}

	if !p.limiter(host, rule).Allow() {
		return nil, kerrors.Net(op, kerrors.NetLimit, "rate limit for %q exceeded", host)
	}

	if err := p.admit(req.AppID); err != nil {
		return nil, err
	}
	defer p.release(req.AppID)

	if budget.Remaining(ctx) < minFetchBudget {
		return nil, kerrors.Net(op, kerrors.NetBudget, "request budget exhausted")
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	cacheKey := ""
	cacheTTL := time.Duration(0)
	if rule != nil {
		cacheTTL = rule.CacheTTL
	}
	if method == http.MethodGet && cacheTTL > 0 {
		cacheKey = req.AppID + "|" + u.String()
		if hit, ok := p.respCache.Get(cacheKey); ok && time.Now().Before(hit.expires) {
			resp := hit.resp
			return &resp, nil
		}
	}

	if int64(len(req.Body)) > p.cfg.DefaultMaxBytes {
		return nil, kerrors.Net(op, kerrors.NetSize, "request body exceeds %d bytes", p.cfg.DefaultMaxBytes)
	}

	timeout := p.cfg.NetBudget
	if rule != nil && rule.Timeout > 0 {
		timeout = rule.Timeout
	}
	fetchCtx, cancel := budget.ForOp(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(fetchCtx, method, u.String(), body)
	if err != nil {
		return nil, kerrors.Net(op, kerrors.NetError, "build request: %v", err)
	}

	for k, v := range req.Headers {
		if hopHeaders[strings.ToLower(k)] {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Accept-Encoding", "identity")
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", userAgent)
	}

	injected, err := p.injectSecrets(ctx, httpReq, req, host)
	if err != nil {
		return nil, err
	}
	httpReq = httpReq.WithContext(context.WithValue(fetchCtx, redirectKey{}, &redirectState{
		appID:    req.AppID,
		injected: injected,
	}))

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, mapTransportErr(op, err)
	}
	defer httpResp.Body.Close()

	maxBytes := p.cfg.DefaultMaxBytes
	if rule != nil && rule.MaxResponse > 0 {
		maxBytes = rule.MaxResponse
	}
	if maxBytes > p.cfg.HardMaxBytes {
		maxBytes = p.cfg.HardMaxBytes
	}

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBytes+1))
	if err != nil {
		return nil, mapTransportErr(op, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, kerrors.Net(op, kerrors.NetSize, "response exceeds %d bytes", maxBytes)
	}

	resp := &Response{
		Status:  httpResp.StatusCode,
		Headers: flattenHeaders(httpResp.Header),
		Body:    data,
		URL:     httpResp.Request.URL.String(),
	}

	if cacheKey != "" && httpResp.StatusCode < 400 {
		p.respCache.Add(cacheKey, cachedResponse{resp: *resp, expires: time.Now().Add(cacheTTL)})
	}

	log.Debug().Str("app", req.AppID).Str("host", host).Int("status", resp.Status).Int("bytes", len(data)).Msg("Egress fetch")
	return resp, nil
}

// admit reserves per-app and global concurrency slots.
func (p *Proxy) admit(appID string) error {
	const op = "egress.fetch"
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.perApp[appID] >= p.cfg.PerApp {
		return kerrors.Net(op, kerrors.NetLimit, "app concurrency limit of %d reached", p.cfg.PerApp)
	}
	if p.inflight >= p.cfg.Global {
		return kerrors.Net(op, kerrors.NetLimit, "global concurrency limit of %d reached", p.cfg.Global)
	}
	p.perApp[appID]++
	p.inflight++
	return nil
}

func (p *Proxy) release(appID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.perApp[appID] > 0 {
		p.perApp[appID]--
		if p.perApp[appID] == 0 {
			delete(p.perApp, appID)
		}
	}
	if p.inflight > 0 {
		p.inflight--
	}
}

// limiter returns the per-domain rate limiter, creating it from the rule
// overrides or the kernel defaults.
func (p *Proxy) limiter(host string, rule *Rule) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lim, ok := p.limiters[host]; ok {
		return lim
	}
	perSecond := p.cfg.RatePerSecond
	burst := p.cfg.RateBurst
	if rule != nil && rule.RateLimit > 0 {
		perSecond = rule.RateLimit
		if rule.RateBurst > 0 {
			burst = rule.RateBurst
		}
	}
	var lim *rate.Limiter
	if perSecond <= 0 {
		lim = rate.NewLimiter(rate.Inf, 0)
	} else {
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	p.limiters[host] = lim
	return lim
}

// injectSecrets applies server-side credentials scoped to (app, host) and
// returns the header names it set, for stripping on cross-host redirects.
func (p *Proxy) injectSecrets(ctx context.Context, httpReq *http.Request, req Request, host string) ([]string, error) {
	matched, err := p.secrets.ForRequest(ctx, req.AppID, host)
	if err != nil {
		return nil, err
	}
	if req.Auth != "" {
		named := matched[:0]
		for _, s := range matched {
			if s.Name == req.Auth {
				named = append(named, s)
			}
		}
		if len(named) == 0 {
			return nil, kerrors.Validation("egress.fetch", "no secret %q matches %q", req.Auth, host)
		}
		matched = named
	}

	var injected []string
	q := httpReq.URL.Query()
	queryChanged := false
	for _, s := range matched {
		switch s.InjectAs {
		case secrets.InjectHeader:
			key := s.InjectKey
			if key == "" {
				key = "Authorization"
			}
			httpReq.Header.Set(key, s.Value)
			injected = append(injected, key)
		case secrets.InjectQuery:
			key := s.InjectKey
			if key == "" {
				key = "key"
			}
			q.Set(key, s.Value)
			queryChanged = true
		default: // bearer
			httpReq.Header.Set("Authorization", "Bearer "+s.Value)
			injected = append(injected, "Authorization")
		}
	}
	if queryChanged {
		httpReq.URL.RawQuery = q.Encode()
	}
	return injected, nil
}

// checkRedirect re-validates every hop and strips injected credentials
// when the redirect leaves the original host.
func (p *Proxy) checkRedirect(req *http.Request, via []*http.Request) error {
	const op = "egress.redirect"
	if len(via) >= maxRedirects {
		return kerrors.Net(op, kerrors.NetError, "stopped after %d redirects", maxRedirects)
	}

	if req.URL.Scheme != "https" && !(req.URL.Scheme == "http" && p.cfg.AllowHTTP) {
		return kerrors.Net(op, kerrors.NetBlocked, "redirect to unsupported scheme %q", req.URL.Scheme)
	}
	host := canonicalHost(req.URL)
	if net.ParseIP(host) != nil {
		return kerrors.Net(op, kerrors.NetBlocked, "redirect to ip literal")
	}

	state, _ := req.Context().Value(redirectKey{}).(*redirectState)
	appID := ""
	if state != nil {
		appID = state.appID
	}
	_, allowed, err := p.allow.Lookup(req.Context(), appID, host)
	if err != nil {
		return err
	}
	if !allowed {
		return kerrors.Net(op, kerrors.NetBlocked, "redirect target %q is not allowlisted", host)
	}

	if state != nil && len(via) > 0 && canonicalHost(via[0].URL) != host {
		for _, name := range state.injected {
			req.Header.Del(name)
		}
	}
	return nil
}

// canonicalHost lowercases the hostname and strips any trailing dot. The
// port never participates in policy decisions.
func canonicalHost(u *url.URL) string {
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[strings.ToLower(k)] = vs[0]
		}
	}
	return out
}

// mapTransportErr folds client errors onto the NET_* taxonomy, keeping
// kernel errors raised inside the dialer or redirect checks intact.
func mapTransportErr(op string, err error) error {
	var ke *kerrors.Error
	if errors.As(err, &ke) {
		return ke
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return kerrors.Net(op, kerrors.NetTimeout, "request timed out")
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return kerrors.Net(op, kerrors.NetTimeout, "request timed out")
	}
	return kerrors.Net(op, kerrors.NetError, "%v", err)
}
