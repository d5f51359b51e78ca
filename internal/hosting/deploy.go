package hosting

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/fazt-sh/fazt/internal/db"
	kerrors "github.com/fazt-sh/fazt/internal/errors"
	"github.com/fazt-sh/fazt/internal/vfs"
)

// Source records where a deploy came from.
type Source struct {
	Type   string // "zip", "git", "cli"
	URL    string
	Ref    string
	Commit string
}

// Result summarizes a completed deploy.
type Result struct {
	AppID     string `json:"app_id"`
	Subdomain string `json:"subdomain"`
	FileCount int    `json:"file_count"`
	SizeBytes int64  `json:"size_bytes"`
}

// Limits bounds what a single deploy may ingest.
type Limits struct {
	MaxArchiveBytes int64
	MaxFileBytes    int64
	MaxFileCount    int
	GitTimeout      time.Duration
}

// DefaultLimits returns the standard ingestion bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxArchiveBytes: 100 << 20,
		MaxFileBytes:    25 << 20,
		MaxFileCount:    10000,
		GitTimeout:      2 * time.Minute,
	}
}

// Deployer ingests archives and git repositories into the file store.
// Each deploy replaces the site's files atomically: the delete of the old
// tree and the insert of the new one commit together.
type Deployer struct {
	db     *db.DB
	files  *vfs.Store
	limits Limits
}

// NewDeployer creates a Deployer with the given limits.
func NewDeployer(database *db.DB, files *vfs.Store, limits Limits) *Deployer {
	if limits.MaxArchiveBytes <= 0 {
		limits = DefaultLimits()
	}
	return &Deployer{db: database, files: files, limits: limits}
}

type stagedFile struct {
	path    string
	content []byte
}

// DeployZip ingests a zip archive and binds it to subdomain.
func (d *Deployer) DeployZip(ctx context.Context, data []byte, subdomain string, src *Source) (*Result, error) {
	subdomain, err := NormalizeSubdomain(subdomain)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > d.limits.MaxArchiveBytes {
		return nil, kerrors.Validation("deploy.zip", "archive exceeds %d bytes", d.limits.MaxArchiveBytes)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, kerrors.Validation("deploy.zip", "not a zip archive: %v", err)
	}

	staged, err := d.stageZip(zr)
	if err != nil {
		return nil, err
	}

	if src == nil {
		src = &Source{Type: "zip"}
	}
	return d.commit(ctx, subdomain, staged, src)
}

// DeployGit clones url (shallow, single branch) and deploys its tree. ref
// selects a branch; empty means the remote default.
func (d *Deployer) DeployGit(ctx context.Context, url, ref, subdomain string) (*Result, error) {
	subdomain, err := NormalizeSubdomain(subdomain)
	if err != nil {
		return nil, err
	}

	cloneCtx, cancel := context.WithTimeout(ctx, d.limits.GitTimeout)
	defer cancel()

	opts := &git.CloneOptions{
		URL:          url,
		Depth:        1,
		SingleBranch: true,
	}
	if ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
	}

	worktree := memfs.New()
	repo, err := git.CloneContext(cloneCtx, memory.NewStorage(), worktree, opts)
	if err != nil {
		return nil, kerrors.Validation("deploy.git", "clone %s: %v", url, err)
	}

	commit := ""
	if head, err := repo.Head(); err == nil {
		commit = head.Hash().String()
	}

	staged, err := d.stageGitTree(worktree)
	if err != nil {
		return nil, err
	}

	return d.commit(ctx, subdomain, staged, &Source{Type: "git", URL: url, Ref: ref, Commit: commit})
}

// stageZip validates and extracts deployable files from the archive.
// Any traversal attempt fails the whole deploy.
func (d *Deployer) stageZip(zr *zip.Reader) ([]stagedFile, error) {
	var staged []stagedFile
	var total int64

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := strings.ReplaceAll(f.Name, "\\", "/")
		if skipArchiveEntry(name) {
			continue
		}
		if strings.HasPrefix(name, "/") || hasDotDot(name) {
			return nil, kerrors.Validation("deploy.zip", "unsafe path %q in archive", f.Name)
		}
		name = path.Clean(name)
		if name == "." || hasDotDot(name) {
			return nil, kerrors.Validation("deploy.zip", "unsafe path %q in archive", f.Name)
		}

		if len(staged) >= d.limits.MaxFileCount {
			return nil, kerrors.Validation("deploy.zip", "archive exceeds %d files", d.limits.MaxFileCount)
		}

		rc, err := f.Open()
		if err != nil {
			return nil, kerrors.Validation("deploy.zip", "read %q: %v", name, err)
		}
		content, err := io.ReadAll(io.LimitReader(rc, d.limits.MaxFileBytes+1))
		rc.Close()
		if err != nil {
			return nil, kerrors.Validation("deploy.zip", "read %q: %v", name, err)
		}
		if int64(len(content)) > d.limits.MaxFileBytes {
			return nil, kerrors.Validation("deploy.zip", "file %q exceeds %d bytes", name, d.limits.MaxFileBytes)
		}

		total += int64(len(content))
		if total > d.limits.MaxArchiveBytes {
			return nil, kerrors.Validation("deploy.zip", "archive content exceeds %d bytes", d.limits.MaxArchiveBytes)
		}
		staged = append(staged, stagedFile{path: name, content: content})
	}

	staged = flattenSingleRoot(staged)
	if len(staged) == 0 {
		return nil, kerrors.Validation("deploy.zip", "archive contains no files")
	}
	return staged, nil
}

// stageGitTree walks the checked-out worktree, honoring .gitignore.
func (d *Deployer) stageGitTree(worktree billy.Filesystem) ([]stagedFile, error) {
	var ignorer *gitignore.GitIgnore
	if f, err := worktree.Open(".gitignore"); err == nil {
		data, readErr := io.ReadAll(f)
		f.Close()
		if readErr == nil {
			ignorer = gitignore.CompileIgnoreLines(strings.Split(string(data), "\n")...)
		}
	}

	var staged []stagedFile
	var total int64
	err := util.Walk(worktree, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel := strings.TrimPrefix(p, "/")
		if rel == "" || skipArchiveEntry(rel) {
			return nil
		}
		if ignorer != nil && ignorer.MatchesPath(rel) {
			return nil
		}
		if len(staged) >= d.limits.MaxFileCount {
			return kerrors.Validation("deploy.git", "repository exceeds %d files", d.limits.MaxFileCount)
		}

		file, err := worktree.Open(p)
		if err != nil {
			return err
		}
		content, err := io.ReadAll(io.LimitReader(file, d.limits.MaxFileBytes+1))
		file.Close()
		if err != nil {
			return err
		}
		if int64(len(content)) > d.limits.MaxFileBytes {
			return kerrors.Validation("deploy.git", "file %q exceeds %d bytes", rel, d.limits.MaxFileBytes)
		}

		total += int64(len(content))
		if total > d.limits.MaxArchiveBytes {
			return kerrors.Validation("deploy.git", "repository content exceeds %d bytes", d.limits.MaxArchiveBytes)
		}
		staged = append(staged, stagedFile{path: rel, content: content})
		return nil
	})
	if err != nil {
		if kerrors.AsKernel(err) != nil {
			return nil, err
		}
		return nil, kerrors.Validation("deploy.git", "read repository tree: %v", err)
	}
	if len(staged) == 0 {
		return nil, kerrors.Validation("deploy.git", "repository contains no files")
	}
	return staged, nil
}

func skipArchiveEntry(name string) bool {
	base := path.Base(name)
	return strings.HasPrefix(name, "__MACOSX/") ||
		strings.HasPrefix(name, ".git/") ||
		strings.Contains(name, "/.git/") ||
		base == ".DS_Store" ||
		base == "Thumbs.db"
}

func hasDotDot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// flattenSingleRoot strips a shared top-level directory, so zipping a
// folder (or a GitHub source archive) deploys its contents at the root.
func flattenSingleRoot(staged []stagedFile) []stagedFile {
	if len(staged) == 0 {
		return staged
	}
	first := staged[0].path
	idx := strings.Index(first, "/")
	if idx < 0 {
		return staged
	}
	root := first[:idx+1]
	for _, f := range staged {
		if !strings.HasPrefix(f.path, root) {
			return staged
		}
	}
	out := make([]stagedFile, 0, len(staged))
	for _, f := range staged {
		trimmed := strings.TrimPrefix(f.path, root)
		if trimmed == "" {
			continue
		}
		out = append(out, stagedFile{path: trimmed, content: f.content})
	}
	return out
}

// commit swaps the site's files, upserts the app row and alias, and
// records the deployment, all in one write-queue job.
func (d *Deployer) commit(ctx context.Context, subdomain string, staged []stagedFile, src *Source) (*Result, error) {
	manifest := findManifest(staged)

	appID, existing, err := d.resolveAppID(ctx, subdomain)
	if err != nil {
		return nil, err
	}

	app := &App{
		ID:           appID,
		Title:        manifest.DisplayTitle(),
		Subdomain:    subdomain,
		SPA:          manifest.SPAEnabled(),
		Analytics:    manifest.AnalyticsEnabled(),
		Env:          manifest.EnvMap(),
		Source:       src.Type,
		SourceURL:    src.URL,
		SourceRef:    src.Ref,
		SourceCommit: src.Commit,
	}
	if existing != nil {
		app.Visibility = existing.Visibility
		app.ForkedFromID = existing.ForkedFromID
		if app.Title == "" {
			app.Title = existing.Title
		}
	}
	if app.Title == "" {
		app.Title = subdomain
	}

	var total int64
	for _, f := range staged {
		total += int64(len(f.content))
	}

	targets, _ := json.Marshal(AppTarget{AppID: appID})
	deploymentID := "fazt_dep_" + ulid.Make().String()

	err = d.db.Queue.Submit(ctx, "deploy.commit", func(tx *sql.Tx) error {
		if err := vfs.DeleteSiteTx(tx, appID); err != nil {
			return err
		}
		for _, f := range staged {
			if err := vfs.WriteTx(tx, appID, f.path, f.content, ""); err != nil {
				return err
			}
		}
		if err := UpsertAppTx(tx, app); err != nil {
			return err
		}
		if err := SetAliasTx(tx, subdomain, AliasApp, targets); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO deployments (id, app_id, source, source_ref, file_count, size_bytes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			deploymentID, appID, src.Type, src.Ref, len(staged), total, time.Now().Unix(),
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	d.files.InvalidateSite(appID)

	log.Info().
		Str("appID", appID).
		Str("subdomain", subdomain).
		Str("source", src.Type).
		Int("files", len(staged)).
		Int64("bytes", total).
		Msg("Deploy committed")

	return &Result{AppID: appID, Subdomain: subdomain, FileCount: len(staged), SizeBytes: total}, nil
}

// resolveAppID reuses the app already bound to subdomain, or mints a new
// ID. Subdomains held by a non-app alias cannot be deployed to.
func (d *Deployer) resolveAppID(ctx context.Context, subdomain string) (string, *App, error) {
	var id string
	err := d.db.QueryRowContext(ctx, "SELECT id FROM apps WHERE subdomain=?", subdomain).Scan(&id)
	if err == nil {
		app, err := (&Manager{db: d.db}).GetApp(ctx, id)
		if err != nil {
			return "", nil, err
		}
		return id, app, nil
	}
	if err != sql.ErrNoRows {
		return "", nil, kerrors.Internal("deploy.resolve", err)
	}

	var aliasType string
	err = d.db.QueryRowContext(ctx, "SELECT type FROM aliases WHERE subdomain=?", subdomain).Scan(&aliasType)
	switch {
	case err == sql.ErrNoRows:
		return NewAppID(), nil, nil
	case err != nil:
		return "", nil, kerrors.Internal("deploy.resolve", err)
	case aliasType == string(AliasApp):
		// Alias exists but the app row is gone; reclaim the subdomain.
		return NewAppID(), nil, nil
	default:
		return "", nil, kerrors.Validation("deploy.resolve",
			"subdomain %q is held by a %s alias", subdomain, aliasType)
	}
}

func findManifest(staged []stagedFile) *Manifest {
	for _, f := range staged {
		if f.path != "manifest.json" {
			continue
		}
		m, err := ParseManifest(f.content)
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring malformed manifest.json")
			return nil
		}
		return m
	}
	return nil
}
