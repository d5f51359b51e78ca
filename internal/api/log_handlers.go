package api

import (
	"net/http"

	"github.com/fazt-sh/fazt/internal/logging"
)

func (rt *Router) handleActivityLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}
	entries, err := rt.recentActivity(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleLogTail returns the most recent structured log lines from the
// in-process ring buffer.
func (rt *Router) handleLogTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}
	lines := logging.Ring().Tail(queryInt(r, "n", 200))
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(lines),
		"lines": lines,
	})
}
