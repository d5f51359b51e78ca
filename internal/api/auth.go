package api

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/fazt-sh/fazt/internal/db"
	kerrors "github.com/fazt-sh/fazt/internal/errors"
)

// API keys look like fazt_sk_<64 hex chars>. Only a bcrypt hash is
// stored; the prefix (fazt_sk_ plus the first 8 hex chars) narrows the
// candidate rows during verification.
const (
	keyTokenPrefix = "fazt_sk_"
	keyPrefixLen   = len(keyTokenPrefix) + 8
	keyRandomBytes = 32

	bcryptCost = 10
)

// Key is one control-plane API key. The token itself is returned only at
// creation time.
type Key struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Prefix     string    `json:"prefix"`
	Role       string    `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

// KeyStore manages admin API keys.
type KeyStore struct {
	db *db.DB
}

// NewKeyStore creates a KeyStore over database.
func NewKeyStore(database *db.DB) *KeyStore {
	return &KeyStore{db: database}
}

// Bootstrap makes sure a root key exists. With pinned set, that exact
// token becomes the root key (idempotent across restarts). Otherwise a
// key is minted on first start and logged once; it cannot be recovered
// later.
func (s *KeyStore) Bootstrap(ctx context.Context, pinned string) error {
	if pinned != "" {
		if !strings.HasPrefix(pinned, keyTokenPrefix) || len(pinned) <= keyPrefixLen {
			return kerrors.Validation("keys.bootstrap", "pinned admin key must start with %s and be longer than %d chars", keyTokenPrefix, keyPrefixLen)
		}
		return s.upsertRoot(ctx, pinned)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM api_keys").Scan(&count); err != nil {
		return kerrors.Internal("keys.bootstrap", err)
	}
	if count > 0 {
		return nil
	}

	token, _, err := s.Create(ctx, "root", "root")
	if err != nil {
		return err
	}
	log.Warn().Str("key", token).Msg("Generated root API key; it is shown once and never again")
	return nil
}

func (s *KeyStore) upsertRoot(ctx context.Context, token string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcryptCost)
	if err != nil {
		return kerrors.Internal("keys.bootstrap", err)
	}
	return s.db.Queue.Submit(ctx, "keys.bootstrap", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO api_keys (id, name, prefix, key_hash, role, created_at)
			VALUES ('fazt_key_root', 'root', ?, ?, 'root', ?)
			ON CONFLICT(id) DO UPDATE SET
				prefix=excluded.prefix,
				key_hash=excluded.key_hash`,
			token[:keyPrefixLen], string(hash), time.Now().Unix(),
		)
		return err
	})
}

// Create mints a new API key and returns the one-time token.
func (s *KeyStore) Create(ctx context.Context, name, role string) (string, *Key, error) {
	if name == "" {
		return "", nil, kerrors.Validation("keys.create", "key name is required")
	}
	if role == "" {
		role = "root"
	}

	raw := make([]byte, keyRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, kerrors.Internal("keys.create", err)
	}
	token := keyTokenPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcryptCost)
	if err != nil {
		return "", nil, kerrors.Internal("keys.create", err)
	}

	key := &Key{
		ID:        "fazt_key_" + ulid.Make().String(),
		Name:      name,
		Prefix:    token[:keyPrefixLen],
		Role:      role,
		CreatedAt: time.Now(),
	}
	err = s.db.Queue.Submit(ctx, "keys.create", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO api_keys (id, name, prefix, key_hash, role, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			key.ID, key.Name, key.Prefix, string(hash), key.Role, key.CreatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return "", nil, err
	}
	return token, key, nil
}

// Verify checks a presented token and returns the matching key.
func (s *KeyStore) Verify(ctx context.Context, token string) (*Key, error) {
	if !strings.HasPrefix(token, keyTokenPrefix) || len(token) <= keyPrefixLen {
		return nil, kerrors.Validation("keys.verify", "malformed API key")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, prefix, key_hash, role, created_at, COALESCE(last_used_at, 0)
		FROM api_keys WHERE prefix=?`, token[:keyPrefixLen])
	if err != nil {
		return nil, kerrors.Internal("keys.verify", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key Key
		var hash string
		var created, lastUsed int64
		if err := rows.Scan(&key.ID, &key.Name, &key.Prefix, &hash, &key.Role, &created, &lastUsed); err != nil {
			return nil, kerrors.Internal("keys.verify", err)
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
			continue
		}
		key.CreatedAt = time.Unix(created, 0)
		if lastUsed > 0 {
			key.LastUsedAt = time.Unix(lastUsed, 0)
		}
		s.touch(ctx, key.ID)
		return &key, nil
	}
	return nil, kerrors.NotFound("keys.verify", "no key matches")
}

// touch records key usage. Best effort: verification must not fail on a
// saturated write queue.
func (s *KeyStore) touch(ctx context.Context, id string) {
	err := s.db.Queue.Submit(ctx, "keys.touch", func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE api_keys SET last_used_at=? WHERE id=?", time.Now().Unix(), id)
		return err
	})
	if err != nil {
		log.Debug().Err(err).Str("keyID", id).Msg("Skipped last_used_at update")
	}
}

// List returns all keys without their hashes.
func (s *KeyStore) List(ctx context.Context) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, prefix, role, created_at, COALESCE(last_used_at, 0)
		FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, kerrors.Internal("keys.list", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		var created, lastUsed int64
		if err := rows.Scan(&key.ID, &key.Name, &key.Prefix, &key.Role, &created, &lastUsed); err != nil {
			return nil, kerrors.Internal("keys.list", err)
		}
		key.CreatedAt = time.Unix(created, 0)
		if lastUsed > 0 {
			key.LastUsedAt = time.Unix(lastUsed, 0)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Delete removes a key by ID.
func (s *KeyStore) Delete(ctx context.Context, id string) error {
	return s.db.Queue.Submit(ctx, "keys.delete", func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM api_keys WHERE id=?", id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return kerrors.NotFound("keys.delete", "no key %q", id)
		}
		return nil
	})
}

// bearerToken extracts the API key from Authorization: Bearer or the
// X-API-Key header.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// AuthorizeRequest reports whether r carries a valid admin key. Static
// serving uses it to gate private/ paths.
func (s *KeyStore) AuthorizeRequest(r *http.Request) bool {
	token := bearerToken(r)
	if token == "" {
		return false
	}
	_, err := s.Verify(r.Context(), token)
	return err == nil
}

type actorKey struct{}

// Actor names the authenticated key for audit entries.
func Actor(ctx context.Context) string {
	if name, ok := ctx.Value(actorKey{}).(string); ok {
		return name
	}
	return ""
}

// requireAuth wraps an admin handler with key verification.
func (rt *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeErrorResponse(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing API key")
			return
		}
		key, err := rt.keys.Verify(r.Context(), token)
		if err != nil {
			log.Warn().
				Str("ip", r.RemoteAddr).
				Str("path", r.URL.Path).
				Msg("Unauthorized admin access attempt")
			writeErrorResponse(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid API key")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, key.Name)))
	}
}
