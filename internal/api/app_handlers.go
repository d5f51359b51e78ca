package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	kerrors "github.com/fazt-sh/fazt/internal/errors"
	"github.com/fazt-sh/fazt/internal/hosting"
	"github.com/fazt-sh/fazt/internal/metrics"
)

// handleApps serves the app collection.
func (rt *Router) handleApps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}
	apps, err := rt.apps.ListApps(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if apps == nil {
		apps = []hosting.App{}
	}
	writeJSON(w, http.StatusOK, apps)
}

// handleAppByID routes /api/apps/{id}, /api/apps/{id}/lineage, and
// /api/apps/{id}/fork.
func (rt *Router) handleAppByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/apps/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, kerrors.Validation("apps.get", "app id is required"))
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		rt.handleGetApp(w, r, id)
	case sub == "" && r.Method == http.MethodDelete:
		rt.handleDeleteApp(w, r, id)
	case sub == "lineage" && r.Method == http.MethodGet:
		rt.handleAppLineage(w, r, id)
	case sub == "fork" && r.Method == http.MethodPost:
		rt.handleForkApp(w, r, id)
	default:
		writeErrorResponse(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
	}
}

func (rt *Router) handleGetApp(w http.ResponseWriter, r *http.Request, id string) {
	app, err := rt.apps.GetApp(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (rt *Router) handleDeleteApp(w http.ResponseWriter, r *http.Request, id string) {
	if err := rt.apps.DeleteApp(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	rt.logActivity(r.Context(), "apps.delete", id, "")
	w.WriteHeader(http.StatusNoContent)
}

// lineageResponse describes where an app came from and what was forked
// off it.
type lineageResponse struct {
	App       *hosting.App  `json:"app"`
	Ancestors []hosting.App `json:"ancestors"`
	Forks     []hosting.App `json:"forks"`
}

// handleAppLineage walks forked_from links in both directions. Lineage
// is admin-only because it reveals relationships between tenants.
func (rt *Router) handleAppLineage(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	app, err := rt.apps.GetApp(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := lineageResponse{App: app, Ancestors: []hosting.App{}, Forks: []hosting.App{}}

	// Ancestors, nearest first. Deleted ancestors end the chain; the cap
	// guards against forked_from cycles from hand-edited rows.
	seen := map[string]bool{id: true}
	cur := app.ForkedFromID
	for cur != "" && !seen[cur] && len(resp.Ancestors) < 32 {
		seen[cur] = true
		parent, err := rt.apps.GetApp(ctx, cur)
		if err != nil {
			break
		}
		resp.Ancestors = append(resp.Ancestors, *parent)
		cur = parent.ForkedFromID
	}

	rows, err := rt.db.QueryContext(ctx,
		"SELECT id FROM apps WHERE forked_from_id=? ORDER BY created_at", id)
	if err != nil {
		writeError(w, kerrors.Internal("apps.lineage", err))
		return
	}
	defer rows.Close()
	var forkIDs []string
	for rows.Next() {
		var fid string
		if err := rows.Scan(&fid); err != nil {
			writeError(w, kerrors.Internal("apps.lineage", err))
			return
		}
		forkIDs = append(forkIDs, fid)
	}
	for _, fid := range forkIDs {
		if fork, err := rt.apps.GetApp(ctx, fid); err == nil {
			resp.Forks = append(resp.Forks, *fork)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type forkRequest struct {
	Subdomain string `json:"subdomain"`
}

// handleForkApp copies an app's files and manifest settings to a new app
// under a new subdomain. Per-app storage, secrets, and allowlist entries
// stay behind; a fork shares code, not data.
func (rt *Router) handleForkApp(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	var req forkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	subdomain, err := hosting.NormalizeSubdomain(req.Subdomain)
	if err != nil {
		writeError(w, err)
		return
	}

	src, err := rt.apps.GetApp(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := rt.apps.GetAppBySubdomain(ctx, subdomain); err == nil {
		writeError(w, kerrors.Validation("apps.fork", "subdomain %q is already in use", subdomain))
		return
	}
	if alias, err := rt.resolver.Get(ctx, subdomain); err == nil {
		writeError(w, kerrors.Validation("apps.fork", "subdomain %q is held by a %s alias", subdomain, alias.Type))
		return
	}

	fork := &hosting.App{
		ID:           hosting.NewAppID(),
		Title:        src.Title,
		Subdomain:    subdomain,
		Visibility:   src.Visibility,
		SPA:          src.SPA,
		Analytics:    src.Analytics,
		Env:          src.Env,
		Source:       "fork",
		ForkedFromID: src.ID,
	}
	targets, _ := json.Marshal(hosting.AppTarget{AppID: fork.ID})

	err = rt.db.Queue.Submit(ctx, "apps.fork", func(tx *sql.Tx) error {
		now := time.Now().Unix()
		if _, err := tx.Exec(`
			INSERT INTO files (site_id, path, content, size_bytes, mime_type, hash, created_at, updated_at)
			SELECT ?, path, content, size_bytes, mime_type, hash, ?, ?
			FROM files WHERE site_id=?`,
			fork.ID, now, now, src.ID,
		); err != nil {
			return err
		}
		if err := hosting.UpsertAppTx(tx, fork); err != nil {
			return err
		}
		return hosting.SetAliasTx(tx, subdomain, hosting.AliasApp, targets)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	created, err := rt.apps.GetApp(ctx, fork.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	metrics.RecordDeploy("fork")
	rt.logActivity(ctx, "apps.fork", fork.ID, "from "+src.ID+" to "+subdomain)
	writeJSON(w, http.StatusCreated, created)
}
