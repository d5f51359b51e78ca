package egress

import (
	"context"
	"database/sql"
	"strings"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/fazt-sh/fazt/internal/db"
	kerrors "github.com/fazt-sh/fazt/internal/errors"
)

// Rule is one allowlist entry. An empty AppID makes the rule global.
// Domain may carry * wildcards ("*.github.com"). Zero-valued limits fall
// back to the kernel defaults at fetch time.
type Rule struct {
	AppID       string        `json:"app_id"`
	Domain      string        `json:"domain"`
	MaxResponse int64         `json:"max_response,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	RateLimit   float64       `json:"rate_limit,omitempty"`
	RateBurst   int           `json:"rate_burst,omitempty"`
	CacheTTL    time.Duration `json:"cache_ttl,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

type decision struct {
	rule    *Rule
	allowed bool
}

// Allowlist answers "may this app fetch from this host" from the
// net_allowlist table, memoizing decisions briefly so the hot path does
// not hit SQLite per fetch. Mutations purge the cache, so the TTL only
// bounds staleness across processes sharing the database.
type Allowlist struct {
	db    *db.DB
	cache *lru.LRU[string, decision]
}

// NewAllowlist builds the store. ttl bounds how long a cached decision
// may outlive a mutation made outside this process.
func NewAllowlist(database *db.DB, ttl time.Duration) *Allowlist {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Allowlist{
		db:    database,
		cache: lru.NewLRU[string, decision](1024, nil, ttl),
	}
}

// Lookup resolves the rule governing appID fetching from host. The bool
// reports whether the fetch is allowed at all. Precedence: app-scoped
// exact match, app-scoped wildcard, global exact, global wildcard.
func (a *Allowlist) Lookup(ctx context.Context, appID, host string) (*Rule, bool, error) {
	key := appID + "|" + host
	if d, ok := a.cache.Get(key); ok {
		return d.rule, d.allowed, nil
	}

	rules, err := a.rulesFor(ctx, appID)
	if err != nil {
		return nil, false, err
	}

	d := match(rules, appID, host)
	a.cache.Add(key, d)
	return d.rule, d.allowed, nil
}

func match(rules []Rule, appID, host string) decision {
	type pass struct {
		app   string
		exact bool
	}
	order := []pass{
		{app: appID, exact: true},
		{app: appID, exact: false},
	}
	if appID != "" {
		order = append(order, pass{app: "", exact: true}, pass{app: "", exact: false})
	}
	for _, p := range order {
		for i := range rules {
			r := &rules[i]
			if r.AppID != p.app {
				continue
			}
			if p.exact {
				if r.Domain == host {
					return decision{rule: r, allowed: true}
				}
			} else if strings.ContainsAny(r.Domain, "*?") && wildcard.Match(r.Domain, host) {
				return decision{rule: r, allowed: true}
			}
		}
	}
	return decision{}
}

func (a *Allowlist) rulesFor(ctx context.Context, appID string) ([]Rule, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT app_id, domain, max_response, timeout_ms, rate_limit, rate_burst, cache_ttl_ms, created_at
		FROM net_allowlist WHERE app_id = ? OR app_id = ''`, appID)
	if err != nil {
		return nil, kerrors.Wrap("allowlist.lookup", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// List returns every rule, or the rules of one app when appID is set.
func (a *Allowlist) List(ctx context.Context, appID string) ([]Rule, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if appID == "" {
		rows, err = a.db.QueryContext(ctx, `
			SELECT app_id, domain, max_response, timeout_ms, rate_limit, rate_burst, cache_ttl_ms, created_at
			FROM net_allowlist ORDER BY app_id, domain`)
	} else {
		rows, err = a.db.QueryContext(ctx, `
			SELECT app_id, domain, max_response, timeout_ms, rate_limit, rate_burst, cache_ttl_ms, created_at
			FROM net_allowlist WHERE app_id = ? ORDER BY domain`, appID)
	}
	if err != nil {
		return nil, kerrors.Wrap("allowlist.list", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func scanRules(rows *sql.Rows) ([]Rule, error) {
	var rules []Rule
	for rows.Next() {
		var (
			r         Rule
			timeoutMS int64
			ttlMS     int64
			createdAt int64
		)
		if err := rows.Scan(&r.AppID, &r.Domain, &r.MaxResponse, &timeoutMS, &r.RateLimit, &r.RateBurst, &ttlMS, &createdAt); err != nil {
			return nil, kerrors.Wrap("allowlist.scan", err)
		}
		r.Timeout = time.Duration(timeoutMS) * time.Millisecond
		r.CacheTTL = time.Duration(ttlMS) * time.Millisecond
		r.CreatedAt = time.Unix(createdAt, 0)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// Add upserts a rule through the write queue and drops cached decisions.
func (a *Allowlist) Add(ctx context.Context, r Rule) error {
	r.Domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(r.Domain), "."))
	if r.Domain == "" {
		return kerrors.Validation("allowlist.add", "domain must not be empty")
	}
	err := a.db.Queue.Submit(ctx, "allowlist.add", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO net_allowlist (app_id, domain, max_response, timeout_ms, rate_limit, rate_burst, cache_ttl_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(app_id, domain) DO UPDATE SET
				max_response = excluded.max_response,
				timeout_ms = excluded.timeout_ms,
				rate_limit = excluded.rate_limit,
				rate_burst = excluded.rate_burst,
				cache_ttl_ms = excluded.cache_ttl_ms`,
			r.AppID, r.Domain, r.MaxResponse, r.Timeout.Milliseconds(), r.RateLimit, r.RateBurst, r.CacheTTL.Milliseconds(), time.Now().Unix())
		return err
	})
	if err != nil {
		return err
	}
	a.cache.Purge()
	return nil
}

// Remove deletes a rule and drops cached decisions.
func (a *Allowlist) Remove(ctx context.Context, appID, domain string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	err := a.db.Queue.Submit(ctx, "allowlist.remove", func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM net_allowlist WHERE app_id = ? AND domain = ?`, appID, domain)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return kerrors.NotFound("allowlist.remove", "no rule for %q", domain)
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.cache.Purge()
	return nil
}

// Invalidate drops every cached decision.
func (a *Allowlist) Invalidate() {
	a.cache.Purge()
}
