package api

import (
	"context"
	"database/sql"
	"net/http"
	"strings"

	kerrors "github.com/fazt-sh/fazt/internal/errors"
)

type sqlRequest struct {
	Query string `json:"query"`
}

type sqlRows struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
	Count   int             `json:"count"`
}

type sqlExec struct {
	RowsAffected int64 `json:"rows_affected"`
	LastInsertID int64 `json:"last_insert_id"`
}

// isReadQuery reports whether q can bypass the write queue. Anything not
// obviously read-only is treated as a mutation.
func isReadQuery(q string) bool {
	head := strings.ToUpper(strings.TrimSpace(q))
	for _, prefix := range []string{"SELECT", "PRAGMA", "EXPLAIN", "WITH"} {
		if strings.HasPrefix(head, prefix) {
			return true
		}
	}
	return false
}

// handleSQL is the raw SQL console. Reads hit the pool directly;
// mutations are serialized through the write queue like every other
// writer.
func (rt *Router) handleSQL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}
	var req sqlRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := rt.execSQL(r.Context(), req.Query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// execSQL dispatches one console statement; reads and mutations return
// different result shapes.
func (rt *Router) execSQL(ctx context.Context, query string) (interface{}, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, kerrors.Validation("sql.query", "query must not be empty")
	}

	if isReadQuery(query) {
		return rt.runReadQuery(ctx, query)
	}

	var exec sqlExec
	err := rt.db.Queue.Submit(ctx, "sql.exec", func(tx *sql.Tx) error {
		res, err := tx.Exec(query)
		if err != nil {
			return err
		}
		exec.RowsAffected, _ = res.RowsAffected()
		exec.LastInsertID, _ = res.LastInsertId()
		return nil
	})
	if err != nil {
		return nil, err
	}
	rt.logActivity(ctx, "sql.exec", "", truncate(query, 200))
	return exec, nil
}

func (rt *Router) runReadQuery(ctx context.Context, query string) (*sqlRows, error) {
	rows, err := rt.db.QueryContext(ctx, query)
	if err != nil {
		return nil, kerrors.Validation("sql.query", "query failed: %v", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, kerrors.Internal("sql.query", err)
	}

	result := &sqlRows{Columns: cols, Rows: [][]interface{}{}}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, kerrors.Internal("sql.query", err)
		}
		for i, v := range values {
			// SQLite TEXT columns scan as []byte; JSON would base64 them.
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, kerrors.Internal("sql.query", err)
	}
	result.Count = len(result.Rows)
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
