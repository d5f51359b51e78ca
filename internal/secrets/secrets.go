// Package secrets stores credentials that the kernel injects into
// outbound requests. Handlers can reference secrets by name but never
// read their values; injection happens server-side in the egress proxy.
package secrets

import (
	"context"
	"database/sql"
	"strings"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/fazt-sh/fazt/internal/db"
	kerrors "github.com/fazt-sh/fazt/internal/errors"
)

// Injection modes.
const (
	InjectBearer = "bearer" // Authorization: Bearer <value>
	InjectHeader = "header" // <inject_key>: <value>
	InjectQuery  = "query"  // ?<inject_key>=<value>
)

// Secret is one stored credential. An empty AppID makes it global; an
// empty Domain matches every destination; Domain supports wildcards
// ("*.example.com").
type Secret struct {
	AppID     string    `json:"app_id"`
	Name      string    `json:"name"`
	Value     string    `json:"-"`
	InjectAs  string    `json:"inject_as"`
	InjectKey string    `json:"inject_key,omitempty"`
	Domain    string    `json:"domain,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store owns the secrets table.
type Store struct {
	db *db.DB
}

// New creates a Store over database.
func New(database *db.DB) *Store {
	return &Store{db: database}
}

// Set validates and upserts a secret.
func (s *Store) Set(ctx context.Context, sec Secret) error {
	if sec.Name == "" {
		return kerrors.Validation("secrets.set", "secret name required")
	}
	if sec.Value == "" {
		return kerrors.Validation("secrets.set", "secret value required")
	}
	switch sec.InjectAs {
	case "", InjectBearer:
		sec.InjectAs = InjectBearer
	case InjectHeader, InjectQuery:
		if sec.InjectKey == "" {
			return kerrors.Validation("secrets.set", "%s injection requires inject_key", sec.InjectAs)
		}
	default:
		return kerrors.Validation("secrets.set", "unknown inject_as %q", sec.InjectAs)
	}

	return s.db.Queue.Submit(ctx, "secrets.set", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO secrets (app_id, name, value, inject_as, inject_key, domain, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(app_id, name) DO UPDATE SET
				value=excluded.value,
				inject_as=excluded.inject_as,
				inject_key=excluded.inject_key,
				domain=excluded.domain,
				updated_at=excluded.updated_at`,
			sec.AppID, sec.Name, sec.Value, sec.InjectAs, sec.InjectKey,
			strings.ToLower(sec.Domain), time.Now().Unix(),
		)
		return err
	})
}

// Delete removes one secret.
func (s *Store) Delete(ctx context.Context, appID, name string) error {
	return s.db.Queue.Submit(ctx, "secrets.delete", func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM secrets WHERE app_id=? AND name=?", appID, name)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return kerrors.NotFound("secrets.delete", "no secret %q", name)
		}
		return nil
	})
}

// List returns secret metadata. Values are never listed; the zero Value
// in the result is deliberate.
func (s *Store) List(ctx context.Context, appID string) ([]Secret, error) {
	query := "SELECT app_id, name, inject_as, inject_key, domain, updated_at FROM secrets"
	args := []interface{}{}
	if appID != "" {
		query += " WHERE app_id=? OR app_id=''"
		args = append(args, appID)
	}
	query += " ORDER BY app_id, name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kerrors.Internal("secrets.list", err)
	}
	defer rows.Close()

	var out []Secret
	for rows.Next() {
		var sec Secret
		var updated int64
		if err := rows.Scan(&sec.AppID, &sec.Name, &sec.InjectAs, &sec.InjectKey, &sec.Domain, &updated); err != nil {
			return nil, kerrors.Internal("secrets.list", err)
		}
		sec.UpdatedAt = time.Unix(updated, 0)
		out = append(out, sec)
	}
	return out, rows.Err()
}

// ForRequest returns the secrets (with values) to inject into an appID
// request bound for host. App-scoped secrets shadow global ones of the
// same name.
func (s *Store) ForRequest(ctx context.Context, appID, host string) ([]Secret, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT app_id, name, value, inject_as, inject_key, domain
		FROM secrets WHERE app_id=? OR app_id=''
		ORDER BY app_id DESC`,
		appID,
	)
	if err != nil {
		return nil, kerrors.Internal("secrets.lookup", err)
	}
	defer rows.Close()

	host = strings.ToLower(host)
	seen := map[string]bool{}
	var out []Secret
	for rows.Next() {
		var sec Secret
		if err := rows.Scan(&sec.AppID, &sec.Name, &sec.Value, &sec.InjectAs, &sec.InjectKey, &sec.Domain); err != nil {
			return nil, kerrors.Internal("secrets.lookup", err)
		}
		if seen[sec.Name] {
			continue
		}
		seen[sec.Name] = true
		if !domainMatches(sec.Domain, host) {
			continue
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

func domainMatches(pattern, host string) bool {
	if pattern == "" {
		return true
	}
	return wildcard.Match(pattern, host)
}
