package api

import (
	"net/http"
	"time"

	"github.com/fazt-sh/fazt/internal/egress"
	kerrors "github.com/fazt-sh/fazt/internal/errors"
	"github.com/fazt-sh/fazt/internal/secrets"
)

type secretRequest struct {
	AppID     string `json:"app_id"`
	Name      string `json:"name"`
	Value     string `json:"value"`
	InjectAs  string `json:"inject_as"`
	InjectKey string `json:"inject_key"`
	Domain    string `json:"domain"`
}

func (req secretRequest) secret() secrets.Secret {
	return secrets.Secret{
		AppID:     req.AppID,
		Name:      req.Name,
		Value:     req.Value,
		InjectAs:  req.InjectAs,
		InjectKey: req.InjectKey,
		Domain:    req.Domain,
	}
}

// handleSecrets serves /api/secrets. Secret values go in but never come
// back out; GET lists metadata only.
func (rt *Router) handleSecrets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := rt.secrets.List(r.Context(), r.URL.Query().Get("app_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if list == nil {
			list = []secrets.Secret{}
		}
		writeJSON(w, http.StatusOK, list)

	case http.MethodPost:
		var req secretRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := rt.secrets.Set(r.Context(), req.secret()); err != nil {
			writeError(w, err)
			return
		}
		rt.logActivity(r.Context(), "secrets.set", req.Name, "app="+req.AppID)
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		name := r.URL.Query().Get("name")
		if name == "" {
			writeError(w, kerrors.Validation("secrets.delete", "name query parameter is required"))
			return
		}
		appID := r.URL.Query().Get("app_id")
		if err := rt.secrets.Delete(r.Context(), appID, name); err != nil {
			writeError(w, err)
			return
		}
		rt.logActivity(r.Context(), "secrets.delete", name, "app="+appID)
		w.WriteHeader(http.StatusNoContent)

	default:
		writeErrorResponse(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
	}
}

type allowlistRequest struct {
	AppID       string  `json:"app_id"`
	Domain      string  `json:"domain"`
	MaxResponse int64   `json:"max_response,omitempty"`
	TimeoutMs   int64   `json:"timeout_ms,omitempty"`
	RateLimit   float64 `json:"rate_limit,omitempty"`
	RateBurst   int     `json:"rate_burst,omitempty"`
	CacheTTLMs  int64   `json:"cache_ttl_ms,omitempty"`
}

func (req allowlistRequest) rule() egress.Rule {
	return egress.Rule{
		AppID:       req.AppID,
		Domain:      req.Domain,
		MaxResponse: req.MaxResponse,
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
		RateLimit:   req.RateLimit,
		RateBurst:   req.RateBurst,
		CacheTTL:    time.Duration(req.CacheTTLMs) * time.Millisecond,
	}
}

// handleAllowlist serves /api/allowlist. Mutations purge the egress
// decision cache so they take effect on the next fetch.
func (rt *Router) handleAllowlist(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rules, err := rt.allow.List(r.Context(), r.URL.Query().Get("app_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if rules == nil {
			rules = []egress.Rule{}
		}
		writeJSON(w, http.StatusOK, rules)

	case http.MethodPost:
		var req allowlistRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := rt.allow.Add(r.Context(), req.rule()); err != nil {
			writeError(w, err)
			return
		}
		rt.logActivity(r.Context(), "allowlist.add", req.Domain, "app="+req.AppID)
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		domain := r.URL.Query().Get("domain")
		if domain == "" {
			writeError(w, kerrors.Validation("allowlist.remove", "domain query parameter is required"))
			return
		}
		appID := r.URL.Query().Get("app_id")
		if err := rt.allow.Remove(r.Context(), appID, domain); err != nil {
			writeError(w, err)
			return
		}
		rt.logActivity(r.Context(), "allowlist.remove", domain, "app="+appID)
		w.WriteHeader(http.StatusNoContent)

	default:
		writeErrorResponse(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
	}
}
