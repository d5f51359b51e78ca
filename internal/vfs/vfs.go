// Package vfs stores site files in SQLite and serves reads through a
// bounded in-memory cache. All paths are site-relative with no leading
// slash; the (site, path) pair is the unit of storage.
package vfs

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/fazt-sh/fazt/internal/db"
	kerrors "github.com/fazt-sh/fazt/internal/errors"
)

// File is one stored site file.
type File struct {
	SiteID    string
	Path      string
	Content   []byte
	SizeBytes int64
	MimeType  string
	Hash      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Info describes a file without its content.
type Info struct {
	Path      string
	SizeBytes int64
	MimeType  string
	Hash      string
	UpdatedAt time.Time
}

// Store is the virtual filesystem over the files table.
type Store struct {
	db    *db.DB
	cache *readCache
	group singleflight.Group
}

// New creates a Store backed by database with a cache bounded to
// cacheEntries files.
func New(database *db.DB, cacheEntries int) *Store {
	return &Store{
		db:    database,
		cache: newReadCache(cacheEntries),
	}
}

// Read returns the file at (siteID, path). Concurrent misses for the same
// key share one database read.
func (s *Store) Read(ctx context.Context, siteID, path string) (*File, error) {
	key := cacheKey(siteID, path)
	if f, ok := s.cache.get(key); ok {
		return f, nil
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		gen := s.cache.generation()
		f, err := s.readRow(ctx, siteID, path)
		if err != nil {
			return nil, err
		}
		s.cache.putIfCurrent(key, f, gen)
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*File), nil
}

// ReadByApp is the app-keyed read: app IDs are site IDs for deployed apps.
func (s *Store) ReadByApp(ctx context.Context, appID, path string) (*File, error) {
	return s.Read(ctx, appID, path)
}

// Exists reports whether (siteID, path) is stored, without loading content.
func (s *Store) Exists(ctx context.Context, siteID, path string) (bool, error) {
	if _, ok := s.cache.get(cacheKey(siteID, path)); ok {
		return true, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM files WHERE site_id=? AND path=?", siteID, path,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, kerrors.Internal("vfs.exists", err)
	}
	return true, nil
}

// List returns metadata for every file under siteID, ordered by path.
func (s *Store) List(ctx context.Context, siteID string) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT path, size_bytes, mime_type, hash, updated_at FROM files WHERE site_id=? ORDER BY path",
		siteID,
	)
	if err != nil {
		return nil, kerrors.Internal("vfs.list", err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		var info Info
		var updated int64
		if err := rows.Scan(&info.Path, &info.SizeBytes, &info.MimeType, &info.Hash, &updated); err != nil {
			return nil, kerrors.Internal("vfs.list", err)
		}
		info.UpdatedAt = time.Unix(updated, 0)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Write stores one file through the write queue. The cache entry is
// invalidated once the write has committed, so the next read anywhere
// observes the new content.
func (s *Store) Write(ctx context.Context, siteID, path string, content []byte, mimeType string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	err := s.db.Queue.Submit(ctx, "vfs.write", func(tx *sql.Tx) error {
		return WriteTx(tx, siteID, path, content, mimeType)
	})
	if err != nil {
		return err
	}
	s.cache.invalidate(cacheKey(siteID, path))
	return nil
}

// DeleteSite removes every file under siteID through the write queue and
// purges the site's cache entries.
func (s *Store) DeleteSite(ctx context.Context, siteID string) error {
	err := s.db.Queue.Submit(ctx, "vfs.deleteSite", func(tx *sql.Tx) error {
		return DeleteSiteTx(tx, siteID)
	})
	if err != nil {
		return err
	}
	s.cache.purgeSite(siteID)
	return nil
}

// Invalidate drops all cached entries. Deploys call this after swapping a
// site's files so stale content is never served.
func (s *Store) Invalidate() {
	s.cache.clear()
}

// InvalidateSite drops the cached entries of one site.
func (s *Store) InvalidateSite(siteID string) {
	s.cache.purgeSite(siteID)
}

// CacheStats reports cache effectiveness counters.
func (s *Store) CacheStats() (hits, misses, clears uint64, size int) {
	return s.cache.stats()
}

// ValidatePath rejects absolute paths and any path containing a ".."
// segment. Paths are stored site-relative and forward-slashed.
func ValidatePath(path string) error {
	if path == "" {
		return kerrors.Validation("vfs.path", "empty path")
	}
	if strings.HasPrefix(path, "/") {
		return kerrors.Validation("vfs.path", "absolute path %q", path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return kerrors.Validation("vfs.path", "path %q contains a parent segment", path)
		}
	}
	return nil
}

// WriteTx upserts one file inside an existing transaction. Deploys batch
// many of these into a single queue job. Callers are responsible for cache
// invalidation after the transaction commits.
func WriteTx(tx *sql.Tx, siteID, path string, content []byte, mimeType string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if mimeType == "" {
		mimeType = DetectMime(path, content)
	}
	sum := sha256.Sum256(content)
	now := time.Now().Unix()
	_, err := tx.Exec(`
		INSERT INTO files (site_id, path, content, size_bytes, mime_type, hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(site_id, path) DO UPDATE SET
			content=excluded.content,
			size_bytes=excluded.size_bytes,
			mime_type=excluded.mime_type,
			hash=excluded.hash,
			updated_at=excluded.updated_at`,
		siteID, path, content, int64(len(content)), mimeType,
		hex.EncodeToString(sum[:]), now, now,
	)
	return err
}

// DeleteSiteTx removes a site's files inside an existing transaction.
func DeleteSiteTx(tx *sql.Tx, siteID string) error {
	res, err := tx.Exec("DELETE FROM files WHERE site_id=?", siteID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil {
		log.Debug().Str("siteID", siteID).Int64("files", n).Msg("Deleted site files")
	}
	return nil
}

// DetectMime resolves a content type from the file extension, falling back
// to content sniffing.
func DetectMime(path string, content []byte) string {
	if ext := filepath.Ext(path); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	t := http.DetectContentType(content)
	// Sniffing appends a charset that extension-based lookups omit; keep
	// text/plain stable for both.
	if strings.HasPrefix(t, "text/plain") {
		return "text/plain; charset=utf-8"
	}
	return t
}

func (s *Store) readRow(ctx context.Context, siteID, path string) (*File, error) {
	f := &File{SiteID: siteID, Path: path}
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT content, size_bytes, mime_type, hash, created_at, updated_at
		FROM files WHERE site_id=? AND path=?`,
		siteID, path,
	).Scan(&f.Content, &f.SizeBytes, &f.MimeType, &f.Hash, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, kerrors.NotFound("vfs.read", "%s has no file %q", siteID, path)
	}
	if err != nil {
		return nil, kerrors.Internal("vfs.read", err)
	}
	f.CreatedAt = time.Unix(created, 0)
	f.UpdatedAt = time.Unix(updated, 0)
	return f, nil
}

func cacheKey(siteID, path string) string {
	return siteID + ":" + path
}
