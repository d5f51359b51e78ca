// Package hosting is the serving core: it validates subdomains, resolves
// aliases, ingests deploys, and streams site files with the cache
// semantics browsers expect.
package hosting

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/fazt-sh/fazt/internal/assets"
	"github.com/fazt-sh/fazt/internal/db"
	kerrors "github.com/fazt-sh/fazt/internal/errors"
	"github.com/fazt-sh/fazt/internal/vfs"
)

// System site IDs. They are seeded from the embedded bundle and back the
// apex landing page and the shared 404 page.
const (
	SystemRootSite = "root"
	System404Site  = "404"

	appIDPrefix = "fazt_app_"
)

// App is one deployed application.
type App struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Subdomain    string            `json:"subdomain"`
	Visibility   string            `json:"visibility"`
	SPA          bool              `json:"spa"`
	Analytics    bool              `json:"analytics"`
	Env          map[string]string `json:"env,omitempty"`
	Source       string            `json:"source"`
	SourceURL    string            `json:"source_url,omitempty"`
	SourceRef    string            `json:"source_ref,omitempty"`
	SourceCommit string            `json:"source_commit,omitempty"`
	ForkedFromID string            `json:"forked_from_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// HubRemover tears down the realtime hub of a deleted site.
type HubRemover interface {
	RemoveHub(siteID string)
}

// Manager owns app records and their lifecycle.
type Manager struct {
	db       *db.DB
	files    *vfs.Store
	resolver *Resolver
	hubs     HubRemover
}

// NewManager wires the hosting manager. hubs may be nil in tests that do
// not exercise realtime teardown.
func NewManager(database *db.DB, files *vfs.Store, resolver *Resolver, hubs HubRemover) *Manager {
	return &Manager{db: database, files: files, resolver: resolver, hubs: hubs}
}

// NewAppID mints an app ID. ULIDs keep IDs sortable by creation time.
func NewAppID() string {
	return appIDPrefix + ulid.Make().String()
}

// IsSystemSite reports whether siteID is one of the seeded system sites.
func IsSystemSite(siteID string) bool {
	return siteID == SystemRootSite || siteID == System404Site
}

// GetApp loads one app by ID.
func (m *Manager) GetApp(ctx context.Context, id string) (*App, error) {
	return m.getAppWhere(ctx, "id=?", id)
}

// GetAppBySubdomain loads the app whose canonical alias is subdomain.
func (m *Manager) GetAppBySubdomain(ctx context.Context, subdomain string) (*App, error) {
	return m.getAppWhere(ctx, "subdomain=?", subdomain)
}

// ListApps returns all apps ordered by creation time, newest first.
func (m *Manager) ListApps(ctx context.Context) ([]App, error) {
	rows, err := m.db.QueryContext(ctx, selectAppColumns+" FROM apps ORDER BY created_at DESC")
	if err != nil {
		return nil, kerrors.Internal("apps.list", err)
	}
	defer rows.Close()

	var apps []App
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, kerrors.Internal("apps.list", err)
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

// DeleteApp removes the app, its files, aliases, and per-app state in one
// transaction, then drops its cache entries and realtime hub.
func (m *Manager) DeleteApp(ctx context.Context, id string) error {
	app, err := m.GetApp(ctx, id)
	if err != nil {
		return err
	}

	aliases, err := m.resolver.List(ctx)
	if err != nil {
		return err
	}
	doomed := aliasesTargeting(aliases, id)

	err = m.db.Queue.Submit(ctx, "apps.delete", func(tx *sql.Tx) error {
		if err := vfs.DeleteSiteTx(tx, id); err != nil {
			return err
		}
		for _, subdomain := range doomed {
			if _, err := tx.Exec("DELETE FROM aliases WHERE subdomain=?", subdomain); err != nil {
				return err
			}
		}
		for _, stmt := range []string{
			"DELETE FROM kv_store WHERE app_id=?",
			"DELETE FROM docs WHERE app_id=?",
			"DELETE FROM blobs WHERE app_id=?",
			"DELETE FROM secrets WHERE app_id=?",
			"DELETE FROM net_allowlist WHERE app_id=?",
			"DELETE FROM deployments WHERE app_id=?",
			"DELETE FROM hits WHERE site_id=?",
			"DELETE FROM apps WHERE id=?",
		} {
			if _, err := tx.Exec(stmt, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.files.InvalidateSite(id)
	if m.hubs != nil {
		m.hubs.RemoveHub(id)
	}

	log.Info().Str("appID", id).Str("subdomain", app.Subdomain).Msg("App deleted")
	return nil
}

// EnsureSystemSites seeds the embedded root and 404 sites on first boot.
// Sites that already have files are left alone, so operators may customize
// them.
func (m *Manager) EnsureSystemSites(ctx context.Context) error {
	for _, site := range assets.SystemSites() {
		var count int
		if err := m.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM files WHERE site_id=?", site,
		).Scan(&count); err != nil {
			return kerrors.Internal("system.seed", err)
		}
		if count > 0 {
			continue
		}

		site := site
		err := m.db.Queue.Submit(ctx, "system.seed", func(tx *sql.Tx) error {
			return assets.WalkSite(site, func(relPath string, content []byte) error {
				return vfs.WriteTx(tx, site, relPath, content, "")
			})
		})
		if err != nil {
			return err
		}
		log.Info().Str("site", site).Msg("Seeded system site")
	}
	return nil
}

// UpsertAppTx writes the app row inside an existing transaction.
func UpsertAppTx(tx *sql.Tx, app *App) error {
	env := app.Env
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err = tx.Exec(`
		INSERT INTO apps (id, title, subdomain, visibility, spa, analytics, env,
			source, source_url, source_ref, source_commit, forked_from_id,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title,
			subdomain=excluded.subdomain,
			visibility=excluded.visibility,
			spa=excluded.spa,
			analytics=excluded.analytics,
			env=excluded.env,
			source=excluded.source,
			source_url=excluded.source_url,
			source_ref=excluded.source_ref,
			source_commit=excluded.source_commit,
			updated_at=excluded.updated_at`,
		app.ID, app.Title, app.Subdomain, visibilityOrDefault(app.Visibility),
		boolToInt(app.SPA), boolToInt(app.Analytics), string(envJSON),
		app.Source, app.SourceURL, app.SourceRef, app.SourceCommit,
		nullable(app.ForkedFromID), now, now,
	)
	return err
}

const selectAppColumns = `SELECT id, title, subdomain, visibility, spa, analytics, env,
	source, source_url, source_ref, source_commit,
	COALESCE(forked_from_id, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApp(row rowScanner) (*App, error) {
	app := &App{}
	var spa, analytics int
	var env string
	var created, updated int64
	err := row.Scan(
		&app.ID, &app.Title, &app.Subdomain, &app.Visibility, &spa, &analytics, &env,
		&app.Source, &app.SourceURL, &app.SourceRef, &app.SourceCommit,
		&app.ForkedFromID, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	app.SPA = spa != 0
	app.Analytics = analytics != 0
	app.CreatedAt = time.Unix(created, 0)
	app.UpdatedAt = time.Unix(updated, 0)
	if env != "" {
		if err := json.Unmarshal([]byte(env), &app.Env); err != nil {
			log.Warn().Str("appID", app.ID).Err(err).Msg("Corrupt app env; ignoring")
			app.Env = nil
		}
	}
	return app, nil
}

func (m *Manager) getAppWhere(ctx context.Context, where string, arg interface{}) (*App, error) {
	row := m.db.QueryRowContext(ctx, selectAppColumns+" FROM apps WHERE "+where, arg)
	app, err := scanApp(row)
	if err == sql.ErrNoRows {
		return nil, kerrors.NotFound("apps.get", "no app matching %v", arg)
	}
	if err != nil {
		return nil, kerrors.Internal("apps.get", err)
	}
	return app, nil
}

// aliasesTargeting finds subdomains whose alias routes (entirely or in
// part) to appID. Split aliases that reference the app at all are removed;
// a split with a dead leg misroutes a share of traffic.
func aliasesTargeting(aliases []Alias, appID string) []string {
	var matched []string
	for _, a := range aliases {
		switch a.Type {
		case AliasApp:
			var t AppTarget
			if json.Unmarshal(a.Targets, &t) == nil && t.AppID == appID {
				matched = append(matched, a.Subdomain)
			}
		case AliasSplit:
			var ts []SplitTarget
			if json.Unmarshal(a.Targets, &ts) == nil {
				for _, t := range ts {
					if t.AppID == appID {
						matched = append(matched, a.Subdomain)
						break
					}
				}
			}
		}
	}
	return matched
}

func visibilityOrDefault(v string) string {
	switch strings.ToLower(v) {
	case "public", "unlisted", "private":
		return strings.ToLower(v)
	default:
		return "public"
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
