package hosting

import (
	"context"
	"database/sql"
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fazt-sh/fazt/internal/db"
	kerrors "github.com/fazt-sh/fazt/internal/errors"
)

// AliasType classifies what a subdomain points at.
type AliasType string

const (
	AliasApp      AliasType = "app"
	AliasRedirect AliasType = "redirect"
	AliasReserved AliasType = "reserved"
	AliasSplit    AliasType = "split"
)

// Alias is one routing table row. Targets is interpreted per Type.
type Alias struct {
	Subdomain string          `json:"subdomain"`
	Type      AliasType       `json:"type"`
	Targets   json.RawMessage `json:"targets"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AppTarget is the targets payload for type=app.
type AppTarget struct {
	AppID string `json:"app_id"`
}

// RedirectTarget is the targets payload for type=redirect.
type RedirectTarget struct {
	URL string `json:"url"`
}

// SplitTarget is one entry of the targets payload for type=split.
type SplitTarget struct {
	AppID  string `json:"app_id"`
	Weight int    `json:"weight"`
}

// ResolutionKind says how the request should proceed after alias lookup.
type ResolutionKind int

const (
	// ResolveSite serves files (or handlers) for Resolution.SiteID.
	ResolveSite ResolutionKind = iota
	// ResolveRedirect replies 301 to Resolution.RedirectURL.
	ResolveRedirect
	// ResolveNotFound replies 404 from the system 404 site.
	ResolveNotFound
)

// Resolution is the outcome of resolving a subdomain.
type Resolution struct {
	Kind        ResolutionKind
	SiteID      string
	RedirectURL string
}

// Resolver maps subdomains to apps, redirects, reservations, or weighted
// splits. Lookups run on every request; mutations go through the write
// queue.
type Resolver struct {
	db *db.DB
}

// NewResolver creates a Resolver over database.
func NewResolver(database *db.DB) *Resolver {
	return &Resolver{db: database}
}

// Resolve maps subdomain to a serving decision. clientKey feeds the split
// hash so one client sticks to one variant; pass ip+"|"+path.
// A subdomain with no alias row falls back to the system root site.
func (r *Resolver) Resolve(ctx context.Context, subdomain, clientKey string) (*Resolution, error) {
	alias, err := r.Get(ctx, subdomain)
	if err != nil {
		if kerrors.IsNotFound(err) {
			return &Resolution{Kind: ResolveSite, SiteID: SystemRootSite}, nil
		}
		return nil, err
	}

	switch alias.Type {
	case AliasApp:
		var target AppTarget
		if err := json.Unmarshal(alias.Targets, &target); err != nil || target.AppID == "" {
			log.Error().Str("subdomain", subdomain).Msg("Corrupt app alias targets")
			return &Resolution{Kind: ResolveNotFound}, nil
		}
		return &Resolution{Kind: ResolveSite, SiteID: target.AppID}, nil

	case AliasRedirect:
		var target RedirectTarget
		if err := json.Unmarshal(alias.Targets, &target); err != nil || target.URL == "" {
			log.Error().Str("subdomain", subdomain).Msg("Corrupt redirect alias targets")
			return &Resolution{Kind: ResolveNotFound}, nil
		}
		return &Resolution{Kind: ResolveRedirect, RedirectURL: target.URL}, nil

	case AliasReserved:
		return &Resolution{Kind: ResolveNotFound}, nil

	case AliasSplit:
		var targets []SplitTarget
		if err := json.Unmarshal(alias.Targets, &targets); err != nil || len(targets) == 0 {
			log.Error().Str("subdomain", subdomain).Msg("Corrupt split alias targets")
			return &Resolution{Kind: ResolveNotFound}, nil
		}
		return &Resolution{Kind: ResolveSite, SiteID: pickSplitTarget(targets, clientKey)}, nil

	default:
		log.Error().Str("subdomain", subdomain).Str("type", string(alias.Type)).Msg("Unknown alias type")
		return &Resolution{Kind: ResolveNotFound}, nil
	}
}

// Get loads one alias row.
func (r *Resolver) Get(ctx context.Context, subdomain string) (*Alias, error) {
	alias := &Alias{Subdomain: subdomain}
	var targets string
	var updated int64
	err := r.db.QueryRowContext(ctx,
		"SELECT type, targets, updated_at FROM aliases WHERE subdomain=?", subdomain,
	).Scan(&alias.Type, &targets, &updated)
	if err == sql.ErrNoRows {
		return nil, kerrors.NotFound("alias.get", "no alias for %q", subdomain)
	}
	if err != nil {
		return nil, kerrors.Internal("alias.get", err)
	}
	alias.Targets = json.RawMessage(targets)
	alias.UpdatedAt = time.Unix(updated, 0)
	return alias, nil
}

// List returns every alias ordered by subdomain.
func (r *Resolver) List(ctx context.Context) ([]Alias, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT subdomain, type, targets, updated_at FROM aliases ORDER BY subdomain")
	if err != nil {
		return nil, kerrors.Internal("alias.list", err)
	}
	defer rows.Close()

	var aliases []Alias
	for rows.Next() {
		var a Alias
		var targets string
		var updated int64
		if err := rows.Scan(&a.Subdomain, &a.Type, &targets, &updated); err != nil {
			return nil, kerrors.Internal("alias.list", err)
		}
		a.Targets = json.RawMessage(targets)
		a.UpdatedAt = time.Unix(updated, 0)
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// Set validates and upserts an alias through the write queue.
func (r *Resolver) Set(ctx context.Context, alias Alias) error {
	subdomain, err := normalizeAliasSubdomain(alias.Subdomain, alias.Type)
	if err != nil {
		return err
	}
	if err := validateTargets(alias.Type, alias.Targets); err != nil {
		return err
	}

	return r.db.Queue.Submit(ctx, "alias.set", func(tx *sql.Tx) error {
		return SetAliasTx(tx, subdomain, alias.Type, alias.Targets)
	})
}

// Delete removes an alias through the write queue.
func (r *Resolver) Delete(ctx context.Context, subdomain string) error {
	return r.db.Queue.Submit(ctx, "alias.delete", func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM aliases WHERE subdomain=?", subdomain)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return kerrors.NotFound("alias.delete", "no alias for %q", subdomain)
		}
		return nil
	})
}

// SetAliasTx upserts an alias inside an existing transaction. Deploys use
// it to bind the subdomain in the same commit that writes the files.
func SetAliasTx(tx *sql.Tx, subdomain string, typ AliasType, targets json.RawMessage) error {
	if len(targets) == 0 {
		targets = json.RawMessage("{}")
	}
	_, err := tx.Exec(`
		INSERT INTO aliases (subdomain, type, targets, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(subdomain) DO UPDATE SET
			type=excluded.type,
			targets=excluded.targets,
			updated_at=excluded.updated_at`,
		subdomain, string(typ), string(targets), time.Now().Unix(),
	)
	return err
}

// pickSplitTarget buckets clientKey into 0-99 and walks the cumulative
// weights. The same key always lands on the same target, so a client sees
// one variant consistently.
func pickSplitTarget(targets []SplitTarget, clientKey string) string {
	h := fnv.New32a()
	h.Write([]byte(clientKey))
	bucket := int(h.Sum32() % 100)

	cumulative := 0
	for _, t := range targets {
		cumulative += t.Weight
		if bucket < cumulative {
			return t.AppID
		}
	}
	return targets[len(targets)-1].AppID
}

// normalizeAliasSubdomain applies the deployable-label rules, except that
// reserved-type aliases may claim reserved labels (that is their point).
func normalizeAliasSubdomain(s string, typ AliasType) (string, error) {
	if typ == AliasReserved && IsReservedSubdomain(s) {
		return s, nil
	}
	return NormalizeSubdomain(s)
}

func validateTargets(typ AliasType, targets json.RawMessage) error {
	switch typ {
	case AliasApp:
		var t AppTarget
		if err := json.Unmarshal(targets, &t); err != nil || t.AppID == "" {
			return kerrors.Validation("alias.set", "app alias requires targets.app_id")
		}
	case AliasRedirect:
		var t RedirectTarget
		if err := json.Unmarshal(targets, &t); err != nil || t.URL == "" {
			return kerrors.Validation("alias.set", "redirect alias requires targets.url")
		}
	case AliasSplit:
		var ts []SplitTarget
		if err := json.Unmarshal(targets, &ts); err != nil || len(ts) == 0 {
			return kerrors.Validation("alias.set", "split alias requires a target list")
		}
		sum := 0
		for _, t := range ts {
			if t.AppID == "" {
				return kerrors.Validation("alias.set", "split target missing app_id")
			}
			if t.Weight <= 0 {
				return kerrors.Validation("alias.set", "split weights must be positive")
			}
			sum += t.Weight
		}
		if sum != 100 {
			return kerrors.Validation("alias.set", "split weights must sum to 100, got %d", sum)
		}
	case AliasReserved:
		// No targets.
	default:
		return kerrors.Validation("alias.set", "unknown alias type %q", typ)
	}
	return nil
}
