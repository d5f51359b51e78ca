package api

import (
	"fmt"
	"io"
	"net/http"

	kerrors "github.com/fazt-sh/fazt/internal/errors"
	"github.com/fazt-sh/fazt/internal/hosting"
	"github.com/fazt-sh/fazt/internal/metrics"
)

// handleDeployZip ingests a zip archive posted as the request body and
// binds it to ?subdomain=.
func (rt *Router) handleDeployZip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}

	subdomain := r.URL.Query().Get("subdomain")
	if subdomain == "" {
		writeError(w, kerrors.Validation("deploy.zip", "subdomain query parameter is required"))
		return
	}

	limit := hosting.DefaultLimits().MaxArchiveBytes
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		writeError(w, kerrors.Validation("deploy.zip", "archive exceeds %d bytes", limit))
		return
	}

	result, err := rt.deployer.DeployZip(r.Context(), data, subdomain, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	metrics.RecordDeploy("zip")
	rt.logActivity(r.Context(), "deploy.zip", result.Subdomain,
		fmt.Sprintf("%d files, %d bytes", result.FileCount, result.SizeBytes))
	writeJSON(w, http.StatusCreated, result)
}

type gitDeployRequest struct {
	URL       string `json:"url"`
	Ref       string `json:"ref"`
	Subdomain string `json:"subdomain"`
}

// handleDeployGit clones a repository and deploys its tree.
func (rt *Router) handleDeployGit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}

	var req gitDeployRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.URL == "" || req.Subdomain == "" {
		writeError(w, kerrors.Validation("deploy.git", "url and subdomain are required"))
		return
	}

	result, err := rt.deployer.DeployGit(r.Context(), req.URL, req.Ref, req.Subdomain)
	if err != nil {
		writeError(w, err)
		return
	}

	metrics.RecordDeploy("git")
	rt.logActivity(r.Context(), "deploy.git", result.Subdomain, req.URL)
	writeJSON(w, http.StatusCreated, result)
}
