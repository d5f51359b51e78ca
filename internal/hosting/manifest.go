package hosting

import (
	"encoding/json"

	kerrors "github.com/fazt-sh/fazt/internal/errors"
)

// Manifest is the optional manifest.json at an archive's root. All fields
// are optional; a missing manifest means a plain static site.
type Manifest struct {
	Name      string             `json:"name"`
	Title     string             `json:"title"`
	SPA       bool               `json:"spa"`
	Analytics *ManifestAnalytics `json:"analytics"`
	Env       map[string]string  `json:"env"`
}

// ManifestAnalytics holds the analytics toggle. A nil Enabled means "on".
type ManifestAnalytics struct {
	Enabled *bool `json:"enabled"`
}

// ParseManifest decodes manifest.json bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, kerrors.Validation("deploy.manifest", "invalid manifest.json: %v", err)
	}
	return &m, nil
}

// DisplayTitle prefers the explicit title, falling back to name.
func (m *Manifest) DisplayTitle() string {
	if m == nil {
		return ""
	}
	if m.Title != "" {
		return m.Title
	}
	return m.Name
}

// AnalyticsEnabled reports whether beacon injection applies. Injection is
// opt-out: only an explicit analytics.enabled=false disables it.
func (m *Manifest) AnalyticsEnabled() bool {
	if m == nil || m.Analytics == nil || m.Analytics.Enabled == nil {
		return true
	}
	return *m.Analytics.Enabled
}

// SPAEnabled reports whether unknown extension-less routes fall back to
// index.html.
func (m *Manifest) SPAEnabled() bool {
	return m != nil && m.SPA
}

// EnvMap returns the handler-visible environment, never nil.
func (m *Manifest) EnvMap() map[string]string {
	if m == nil || m.Env == nil {
		return map[string]string{}
	}
	return m.Env
}
