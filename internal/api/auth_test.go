package api

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fazt-sh/fazt/internal/db"
	kerrors "github.com/fazt-sh/fazt/internal/errors"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "fazt.db"), 64)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestBootstrapGeneratesRootKeyOnce(t *testing.T) {
	store := NewKeyStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Bootstrap(ctx, ""))
	keys, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "root", keys[0].Name)
	assert.Equal(t, "root", keys[0].Role)

	// A second boot must not mint another key.
	require.NoError(t, store.Bootstrap(ctx, ""))
	keys, err = store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestBootstrapPinnedKey(t *testing.T) {
	store := NewKeyStore(newTestDB(t))
	ctx := context.Background()
	pinned := keyTokenPrefix + strings.Repeat("ab", 32)

	require.NoError(t, store.Bootstrap(ctx, pinned))
	key, err := store.Verify(ctx, pinned)
	require.NoError(t, err)
	assert.Equal(t, "fazt_key_root", key.ID)

	// Pinning is idempotent across restarts.
	require.NoError(t, store.Bootstrap(ctx, pinned))
	keys, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestBootstrapRejectsMalformedPin(t *testing.T) {
	store := NewKeyStore(newTestDB(t))
	err := store.Bootstrap(context.Background(), "not-a-key")
	require.Error(t, err)
	assert.Equal(t, 400, kerrors.HTTPStatus(err))
}

func TestCreateAndVerifyKey(t *testing.T) {
	store := NewKeyStore(newTestDB(t))
	ctx := context.Background()

	token, key, err := store.Create(ctx, "ci", "root")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, keyTokenPrefix))
	assert.Equal(t, token[:keyPrefixLen], key.Prefix)
	assert.True(t, strings.HasPrefix(key.ID, "fazt_key_"))

	got, err := store.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, "ci", got.Name)
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	store := NewKeyStore(newTestDB(t))
	ctx := context.Background()

	for _, token := range []string{"", "fazt_sk_", "bearer-of-bad-news", "fazt_sk_short"} {
		_, err := store.Verify(ctx, token)
		require.Error(t, err, "token %q", token)
	}
}

func TestVerifyRejectsUnknownToken(t *testing.T) {
	store := NewKeyStore(newTestDB(t))
	ctx := context.Background()

	_, _, err := store.Create(ctx, "ci", "root")
	require.NoError(t, err)

	// Well-formed but never issued.
	_, err = store.Verify(ctx, keyTokenPrefix+strings.Repeat("00", 32))
	require.Error(t, err)
	assert.True(t, kerrors.IsNotFound(err))
}

func TestDeleteKey(t *testing.T) {
	store := NewKeyStore(newTestDB(t))
	ctx := context.Background()

	token, key, err := store.Create(ctx, "ci", "root")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, key.ID))
	_, err = store.Verify(ctx, token)
	require.Error(t, err)

	err = store.Delete(ctx, key.ID)
	require.Error(t, err)
	assert.True(t, kerrors.IsNotFound(err))
}

func TestBearerTokenSources(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/status", nil)
	assert.Empty(t, bearerToken(r))

	r.Header.Set("Authorization", "Bearer fazt_sk_abc")
	assert.Equal(t, "fazt_sk_abc", bearerToken(r))

	r = httptest.NewRequest("GET", "/api/status", nil)
	r.Header.Set("X-API-Key", "fazt_sk_xyz")
	assert.Equal(t, "fazt_sk_xyz", bearerToken(r))

	// Basic auth is not an API key.
	r = httptest.NewRequest("GET", "/api/status", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Empty(t, bearerToken(r))
}
