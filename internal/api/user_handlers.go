package api

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"

	kerrors "github.com/fazt-sh/fazt/internal/errors"
)

// User is an operator account for the admin UI. Password hashes stay in
// the database.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (rt *Router) listUsers(ctx context.Context) ([]User, error) {
	rows, err := rt.db.QueryContext(ctx,
		"SELECT id, username, role, created_at FROM users ORDER BY created_at")
	if err != nil {
		return nil, kerrors.Internal("users.list", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		var created int64
		if err := rows.Scan(&u.ID, &u.Username, &u.Role, &created); err != nil {
			return nil, kerrors.Internal("users.list", err)
		}
		u.CreatedAt = time.Unix(created, 0)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (rt *Router) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		users, err := rt.listUsers(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, users)

	case http.MethodPost:
		var req createUserRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		req.Username = strings.TrimSpace(req.Username)
		if req.Username == "" {
			writeError(w, kerrors.Validation("users.create", "username is required"))
			return
		}
		if len(req.Password) < 8 {
			writeError(w, kerrors.Validation("users.create", "password must be at least 8 characters"))
			return
		}
		if req.Role == "" {
			req.Role = "admin"
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
		if err != nil {
			writeError(w, kerrors.Internal("users.create", err))
			return
		}
		user := User{
			ID:        "fazt_usr_" + ulid.Make().String(),
			Username:  req.Username,
			Role:      req.Role,
			CreatedAt: time.Now(),
		}
		err = rt.db.Queue.Submit(r.Context(), "users.create", func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				INSERT INTO users (id, username, password_hash, role, created_at)
				VALUES (?, ?, ?, ?, ?)`,
				user.ID, user.Username, string(hash), user.Role, user.CreatedAt.Unix(),
			)
			return err
		})
		if err != nil {
			writeError(w, err)
			return
		}
		rt.logActivity(r.Context(), "users.create", user.Username, "role="+user.Role)
		writeJSON(w, http.StatusCreated, user)

	default:
		writeErrorResponse(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
	}
}

func (rt *Router) handleUserByName(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimPrefix(r.URL.Path, "/api/users/")
	if username == "" || strings.Contains(username, "/") {
		writeErrorResponse(w, http.StatusNotFound, "NOT_FOUND", "unknown user path")
		return
	}
	if r.Method != http.MethodDelete {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}

	err := rt.db.Queue.Submit(r.Context(), "users.delete", func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM users WHERE username=?", username)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return kerrors.NotFound("users.delete", "no user %q", username)
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	rt.logActivity(r.Context(), "users.delete", username, "")
	w.WriteHeader(http.StatusNoContent)
}

type createKeyRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// createKeyResponse carries the one-time token alongside the stored key
// metadata. The token is never retrievable again.
type createKeyResponse struct {
	Token string `json:"token"`
	Key   *Key   `json:"key"`
}

func (rt *Router) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		keys, err := rt.keys.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if keys == nil {
			keys = []Key{}
		}
		writeJSON(w, http.StatusOK, keys)

	case http.MethodPost:
		var req createKeyRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		token, key, err := rt.keys.Create(r.Context(), req.Name, req.Role)
		if err != nil {
			writeError(w, err)
			return
		}
		rt.logActivity(r.Context(), "keys.create", key.Name, "id="+key.ID)
		writeJSON(w, http.StatusCreated, createKeyResponse{Token: token, Key: key})

	default:
		writeErrorResponse(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
	}
}

func (rt *Router) handleKeyByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/keys/")
	if id == "" || strings.Contains(id, "/") {
		writeErrorResponse(w, http.StatusNotFound, "NOT_FOUND", "unknown key path")
		return
	}
	if r.Method != http.MethodDelete {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}
	if err := rt.keys.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	rt.logActivity(r.Context(), "keys.delete", id, "")
	w.WriteHeader(http.StatusNoContent)
}
