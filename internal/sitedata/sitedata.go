// Package sitedata implements the per-app storage capabilities exposed to
// handlers: a key/value table, JSON document collections, and binary
// blobs. Reads hit SQLite directly; every mutation runs through the write
// queue under the caller's request budget, so admission control applies
// uniformly.
package sitedata

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/fazt-sh/fazt/internal/db"
	kerrors "github.com/fazt-sh/fazt/internal/errors"
)

// Value size caps. Handlers that need more belong in blobs.
const (
	MaxKVValueBytes  = 64 << 10
	MaxDocBytes      = 256 << 10
	MaxBlobBytes     = 10 << 20
	DefaultQueryRows = 100
)

// Store gives handlers app-scoped storage.
type Store struct {
	db *db.DB
}

// New creates a Store over database.
func New(database *db.DB) *Store {
	return &Store{db: database}
}

// --- key/value ---

// KVGet returns the JSON value stored under key.
func (s *Store) KVGet(ctx context.Context, appID, key string) (json.RawMessage, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM kv_store WHERE app_id=? AND key=?", appID, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kerrors.Internal("kv.get", err)
	}
	return json.RawMessage(value), true, nil
}

// KVSet upserts key to the given JSON value.
func (s *Store) KVSet(ctx context.Context, appID, key string, value json.RawMessage) error {
	if key == "" {
		return kerrors.Validation("kv.set", "empty key")
	}
	if len(value) > MaxKVValueBytes {
		return kerrors.Validation("kv.set", "value exceeds %d bytes", MaxKVValueBytes)
	}
	return s.db.Queue.Submit(ctx, "kv.set", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO kv_store (app_id, key, value, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(app_id, key) DO UPDATE SET
				value=excluded.value,
				updated_at=excluded.updated_at`,
			appID, key, string(value), time.Now().Unix(),
		)
		return err
	})
}

// KVDelete removes key. Deleting an absent key is not an error.
func (s *Store) KVDelete(ctx context.Context, appID, key string) error {
	return s.db.Queue.Submit(ctx, "kv.del", func(tx *sql.Tx) error {
		_, err := tx.Exec("DELETE FROM kv_store WHERE app_id=? AND key=?", appID, key)
		return err
	})
}

// KVKeys lists the app's keys ordered lexically.
func (s *Store) KVKeys(ctx context.Context, appID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM kv_store WHERE app_id=? ORDER BY key", appID)
	if err != nil {
		return nil, kerrors.Internal("kv.keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, kerrors.Internal("kv.keys", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- documents ---

// Doc is one stored document.
type Doc struct {
	ID        string          `json:"id"`
	Body      json.RawMessage `json:"body"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// DocInsert stores a new document and returns its minted ID.
func (s *Store) DocInsert(ctx context.Context, appID, collection string, body json.RawMessage) (string, error) {
	if collection == "" {
		return "", kerrors.Validation("docs.insert", "empty collection")
	}
	if len(body) > MaxDocBytes {
		return "", kerrors.Validation("docs.insert", "document exceeds %d bytes", MaxDocBytes)
	}
	id := uuid.NewString()
	now := time.Now().Unix()
	err := s.db.Queue.Submit(ctx, "docs.insert", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO docs (app_id, collection, id, body, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			appID, collection, id, string(body), now, now,
		)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// DocGet loads one document by ID.
func (s *Store) DocGet(ctx context.Context, appID, collection, id string) (*Doc, error) {
	doc := &Doc{ID: id}
	var body string
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		"SELECT body, created_at, updated_at FROM docs WHERE app_id=? AND collection=? AND id=?",
		appID, collection, id,
	).Scan(&body, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, kerrors.NotFound("docs.get", "no document %q in %q", id, collection)
	}
	if err != nil {
		return nil, kerrors.Internal("docs.get", err)
	}
	doc.Body = json.RawMessage(body)
	doc.CreatedAt = time.Unix(created, 0)
	doc.UpdatedAt = time.Unix(updated, 0)
	return doc, nil
}

// DocQuery returns documents in insertion order, newest first, keeping
// those whose top-level fields equal every filter entry. A nil filter
// matches everything. limit <= 0 applies DefaultQueryRows.
func (s *Store) DocQuery(ctx context.Context, appID, collection string, filter map[string]interface{}, limit int) ([]Doc, error) {
	if limit <= 0 {
		limit = DefaultQueryRows
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, body, created_at, updated_at FROM docs WHERE app_id=? AND collection=? ORDER BY created_at DESC, id",
		appID, collection,
	)
	if err != nil {
		return nil, kerrors.Internal("docs.query", err)
	}
	defer rows.Close()

	var docs []Doc
	for rows.Next() {
		var doc Doc
		var body string
		var created, updated int64
		if err := rows.Scan(&doc.ID, &body, &created, &updated); err != nil {
			return nil, kerrors.Internal("docs.query", err)
		}
		doc.Body = json.RawMessage(body)
		doc.CreatedAt = time.Unix(created, 0)
		doc.UpdatedAt = time.Unix(updated, 0)
		if !matchesFilter(doc.Body, filter) {
			continue
		}
		docs = append(docs, doc)
		if len(docs) >= limit {
			break
		}
	}
	return docs, rows.Err()
}

// DocUpdate replaces a document's body.
func (s *Store) DocUpdate(ctx context.Context, appID, collection, id string, body json.RawMessage) error {
	if len(body) > MaxDocBytes {
		return kerrors.Validation("docs.update", "document exceeds %d bytes", MaxDocBytes)
	}
	return s.db.Queue.Submit(ctx, "docs.update", func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"UPDATE docs SET body=?, updated_at=? WHERE app_id=? AND collection=? AND id=?",
			string(body), time.Now().Unix(), appID, collection, id,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return kerrors.NotFound("docs.update", "no document %q in %q", id, collection)
		}
		return nil
	})
}

// DocDelete removes one document.
func (s *Store) DocDelete(ctx context.Context, appID, collection, id string) error {
	return s.db.Queue.Submit(ctx, "docs.delete", func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"DELETE FROM docs WHERE app_id=? AND collection=? AND id=?",
			appID, collection, id,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return kerrors.NotFound("docs.delete", "no document %q in %q", id, collection)
		}
		return nil
	})
}

// matchesFilter checks top-level field equality. Both sides round-trip
// through encoding/json, so 1 and 1.0 compare equal the way JS expects.
func matchesFilter(body json.RawMessage, filter map[string]interface{}) bool {
	if len(filter) == 0 {
		return true
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return false
	}
	for k, want := range filter {
		got, ok := fields[k]
		if !ok || !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// --- blobs ---

// Blob is one stored binary object.
type Blob struct {
	Name      string    `json:"name"`
	Content   []byte    `json:"-"`
	MimeType  string    `json:"mime_type"`
	SizeBytes int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BlobPut stores content under name.
func (s *Store) BlobPut(ctx context.Context, appID, name string, content []byte, mimeType string) error {
	if name == "" {
		return kerrors.Validation("blobs.put", "empty name")
	}
	if len(content) > MaxBlobBytes {
		return kerrors.Validation("blobs.put", "blob exceeds %d bytes", MaxBlobBytes)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return s.db.Queue.Submit(ctx, "blobs.put", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO blobs (app_id, name, content, mime_type, size_bytes, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(app_id, name) DO UPDATE SET
				content=excluded.content,
				mime_type=excluded.mime_type,
				size_bytes=excluded.size_bytes,
				updated_at=excluded.updated_at`,
			appID, name, content, mimeType, int64(len(content)), time.Now().Unix(),
		)
		return err
	})
}

// BlobGet loads one blob with its content.
func (s *Store) BlobGet(ctx context.Context, appID, name string) (*Blob, error) {
	b := &Blob{Name: name}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		"SELECT content, mime_type, size_bytes, updated_at FROM blobs WHERE app_id=? AND name=?",
		appID, name,
	).Scan(&b.Content, &b.MimeType, &b.SizeBytes, &updated)
	if err == sql.ErrNoRows {
		return nil, kerrors.NotFound("blobs.get", "no blob %q", name)
	}
	if err != nil {
		return nil, kerrors.Internal("blobs.get", err)
	}
	b.UpdatedAt = time.Unix(updated, 0)
	return b, nil
}

// BlobDelete removes one blob.
func (s *Store) BlobDelete(ctx context.Context, appID, name string) error {
	return s.db.Queue.Submit(ctx, "blobs.del", func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM blobs WHERE app_id=? AND name=?", appID, name)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return kerrors.NotFound("blobs.del", "no blob %q", name)
		}
		return nil
	})
}

// BlobList returns blob metadata without content.
func (s *Store) BlobList(ctx context.Context, appID string) ([]Blob, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, mime_type, size_bytes, updated_at FROM blobs WHERE app_id=? ORDER BY name",
		appID,
	)
	if err != nil {
		return nil, kerrors.Internal("blobs.list", err)
	}
	defer rows.Close()

	var blobs []Blob
	for rows.Next() {
		var b Blob
		var updated int64
		if err := rows.Scan(&b.Name, &b.MimeType, &b.SizeBytes, &updated); err != nil {
			return nil, kerrors.Internal("blobs.list", err)
		}
		b.UpdatedAt = time.Unix(updated, 0)
		blobs = append(blobs, b)
	}
	return blobs, rows.Err()
}
