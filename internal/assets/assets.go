// Package assets carries the built-in system sites that every fresh
// install serves before any app is deployed: the apex landing page and
// the shared not-found page.
package assets

import (
	"embed"
	"io/fs"
	"path"
)

//go:embed all:system
var systemFS embed.FS

// SystemSites returns the names of the embedded system sites.
func SystemSites() []string {
	entries, err := systemFS.ReadDir("system")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

// WalkSite calls fn for every file of the named system site with its
// site-relative path and content.
func WalkSite(name string, fn func(relPath string, content []byte) error) error {
	root := path.Join("system", name)
	return fs.WalkDir(systemFS, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		content, err := systemFS.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := relPath(root, p)
		if err != nil {
			return err
		}
		return fn(rel, content)
	})
}

// ReadFile returns one file from a system site.
func ReadFile(site, relPath string) ([]byte, error) {
	return systemFS.ReadFile(path.Join("system", site, relPath))
}

func relPath(root, p string) (string, error) {
	rel := p[len(root):]
	for len(rel) > 0 && rel[0] == '/' {
		rel = rel[1:]
	}
	return rel, nil
}
