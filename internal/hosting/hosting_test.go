package hosting

import (
	"archive/zip"
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fazt-sh/fazt/internal/db"
	"github.com/fazt-sh/fazt/internal/vfs"
)

type testEnv struct {
	db       *db.DB
	files    *vfs.Store
	resolver *Resolver
	manager  *Manager
	deployer *Deployer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "fazt.db"), 64)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	files := vfs.New(database, 100)
	resolver := NewResolver(database)
	return &testEnv{
		db:       database,
		files:    files,
		resolver: resolver,
		manager:  NewManager(database, files, resolver, nil),
		deployer: NewDeployer(database, files, DefaultLimits()),
	}
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
