package api

import (
	"encoding/json"
	"net/http"
	"strings"

	kerrors "github.com/fazt-sh/fazt/internal/errors"
	"github.com/fazt-sh/fazt/internal/hosting"
)

// handleAliases lists the routing table.
func (rt *Router) handleAliases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}
	aliases, err := rt.resolver.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if aliases == nil {
		aliases = []hosting.Alias{}
	}
	writeJSON(w, http.StatusOK, aliases)
}

type aliasRequest struct {
	Type    hosting.AliasType `json:"type"`
	Targets json.RawMessage   `json:"targets"`
}

// handleAliasBySubdomain serves /api/aliases/{subdomain}.
func (rt *Router) handleAliasBySubdomain(w http.ResponseWriter, r *http.Request) {
	subdomain := strings.TrimPrefix(r.URL.Path, "/api/aliases/")
	if subdomain == "" || strings.Contains(subdomain, "/") {
		writeError(w, kerrors.Validation("alias.get", "alias subdomain is required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		alias, err := rt.resolver.Get(r.Context(), subdomain)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, alias)

	case http.MethodPut:
		var req aliasRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		alias := hosting.Alias{Subdomain: subdomain, Type: req.Type, Targets: req.Targets}
		if err := rt.resolver.Set(r.Context(), alias); err != nil {
			writeError(w, err)
			return
		}
		rt.logActivity(r.Context(), "aliases.set", subdomain, string(req.Type))
		writeJSON(w, http.StatusOK, alias)

	case http.MethodDelete:
		if err := rt.resolver.Delete(r.Context(), subdomain); err != nil {
			writeError(w, err)
			return
		}
		rt.logActivity(r.Context(), "aliases.delete", subdomain, "")
		w.WriteHeader(http.StatusNoContent)

	default:
		writeErrorResponse(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
	}
}
