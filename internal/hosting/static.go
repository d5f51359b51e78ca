package hosting

import (
	"bytes"
	"net/http"
	"path"
	"strconv"
	"strings"

	kerrors "github.com/fazt-sh/fazt/internal/errors"
	"github.com/fazt-sh/fazt/internal/vfs"
)

// Cache-Control classes. HTML revalidates on every view so deploys are
// visible immediately; fingerprinted assets never change under a given
// name; everything else gets a short shared cache.
const (
	cacheHTML      = "no-cache, must-revalidate"
	cacheImmutable = "public, max-age=31536000, immutable"
	cacheShort     = "public, max-age=300"
	privatePrefix  = "private/"
	assetPrefix    = "assets/"
	indexFile      = "index.html"
)

// beaconSnippet reports page views to the site's own beacon endpoint. It
// is injected into app HTML when the manifest enables analytics; the
// stored bytes (and their hash) are never modified.
const beaconSnippet = `<script>(function(){try{if(navigator.sendBeacon){navigator.sendBeacon("/api/beacon",JSON.stringify({path:location.pathname,ref:document.referrer}))}}catch(e){}})();</script>`

// Authorizer reports whether the request carries admin credentials.
// Static serving uses it to gate paths under private/.
type Authorizer func(*http.Request) bool

// StaticHandler serves site files out of the VFS with the redirect,
// index, and SPA fallback rules browsers expect from a static host.
type StaticHandler struct {
	files     *vfs.Store
	manager   *Manager
	authorize Authorizer
}

// NewStaticHandler wires static serving. authorize may be nil, in which
// case private/ paths are always denied.
func NewStaticHandler(files *vfs.Store, manager *Manager, authorize Authorizer) *StaticHandler {
	return &StaticHandler{files: files, manager: manager, authorize: authorize}
}

// ServeSite serves r.URL.Path from siteID. The caller has already
// resolved the subdomain to a site.
func (h *StaticHandler) ServeSite(w http.ResponseWriter, r *http.Request, siteID string) {
	upath := r.URL.Path

	// Canonical URLs have no trailing slash: /about/ permanently
	// redirects to /about, keeping the query string.
	if upath != "/" && strings.HasSuffix(upath, "/") {
		target := strings.TrimRight(upath, "/")
		if target == "" {
			target = "/"
		}
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
		return
	}

	rel := normalizeRequestPath(upath)
	routeLike := path.Ext(rel) == ""
	if rel == "" {
		rel = indexFile
	}

	if strings.HasPrefix(rel, privatePrefix) && !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	f, err := h.files.Read(ctx, siteID, rel)
	if kerrors.IsNotFound(err) && routeLike {
		// /about serves about/index.html when the directory exists.
		f, err = h.files.Read(ctx, siteID, rel+"/"+indexFile)
	}
	if kerrors.IsNotFound(err) && routeLike && h.spaEnabled(r, siteID) {
		f, err = h.files.Read(ctx, siteID, indexFile)
	}
	if kerrors.IsNotFound(err) {
		h.ServeNotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "internal error", kerrors.HTTPStatus(err))
		return
	}

	h.writeFile(w, r, siteID, f)
}

// ServeNotFound renders the shared 404 page with status 404. Sites do not
// carry their own error pages; the system 404 site backs them all.
func (h *StaticHandler) ServeNotFound(w http.ResponseWriter, r *http.Request) {
	f, err := h.files.Read(r.Context(), System404Site, indexFile)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", f.MimeType)
	w.Header().Set("Cache-Control", cacheHTML)
	w.WriteHeader(http.StatusNotFound)
	w.Write(f.Content)
}

func (h *StaticHandler) writeFile(w http.ResponseWriter, r *http.Request, siteID string, f *vfs.File) {
	etag := `"` + f.Hash + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", cacheControlFor(f.Path))

	if inm := r.Header.Get("If-None-Match"); inm != "" {
		if inm == "*" || strings.Contains(inm, etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	mimeType := f.MimeType
	if mimeType == "" {
		mimeType = vfs.DetectMime(f.Path, f.Content)
	}
	w.Header().Set("Content-Type", mimeType)

	body := f.Content
	if isHTML(mimeType) && h.analyticsEnabled(r, siteID) {
		body = injectBeacon(body)
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Write(body)
}

func (h *StaticHandler) authorized(r *http.Request) bool {
	return h.authorize != nil && h.authorize(r)
}

func (h *StaticHandler) spaEnabled(r *http.Request, siteID string) bool {
	app, err := h.manager.GetApp(r.Context(), siteID)
	return err == nil && app.SPA
}

func (h *StaticHandler) analyticsEnabled(r *http.Request, siteID string) bool {
	app, err := h.manager.GetApp(r.Context(), siteID)
	return err == nil && app.Analytics
}

// normalizeRequestPath turns a request path into a site-relative VFS
// path. Cleaning an absolute path resolves every ".." inside the root,
// so the result can never escape the site.
func normalizeRequestPath(upath string) string {
	if !strings.HasPrefix(upath, "/") {
		upath = "/" + upath
	}
	cleaned := path.Clean(upath)
	if cleaned == "/" {
		return ""
	}
	return strings.TrimPrefix(cleaned, "/")
}

func cacheControlFor(rel string) string {
	if strings.HasSuffix(rel, ".html") || strings.HasSuffix(rel, ".htm") {
		return cacheHTML
	}
	if strings.HasPrefix(rel, assetPrefix) && strings.Contains(path.Base(rel), "-") {
		return cacheImmutable
	}
	return cacheShort
}

func isHTML(mimeType string) bool {
	return strings.HasPrefix(mimeType, "text/html")
}

func injectBeacon(body []byte) []byte {
	idx := bytes.LastIndex(bytes.ToLower(body), []byte("</body>"))
	if idx < 0 {
		return body
	}
	out := make([]byte, 0, len(body)+len(beaconSnippet))
	out = append(out, body[:idx]...)
	out = append(out, beaconSnippet...)
	out = append(out, body[idx:]...)
	return out
}
