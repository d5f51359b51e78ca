package assets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemSites(t *testing.T) {
	sites := SystemSites()
	assert.Contains(t, sites, "root")
	assert.Contains(t, sites, "404")
}

func TestWalkSite(t *testing.T) {
	seen := map[string]int{}
	err := WalkSite("root", func(relPath string, content []byte) error {
		seen[relPath] = len(content)
		return nil
	})
	require.NoError(t, err)

	assert.Contains(t, seen, "index.html")
	assert.Contains(t, seen, "style.css")
	for path, size := range seen {
		assert.Greater(t, size, 0, "%s must not be empty", path)
	}
}

func TestReadFile(t *testing.T) {
	content, err := ReadFile("404", "index.html")
	require.NoError(t, err)
	assert.Contains(t, string(content), "404")
}
