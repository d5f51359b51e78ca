package hosting

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/fazt-sh/fazt/internal/errors"
)

type fakeHubRemover struct {
	removed []string
}

func (f *fakeHubRemover) RemoveHub(siteID string) { f.removed = append(f.removed, siteID) }

func TestEnsureSystemSitesSeedsEmbeddedBundle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.manager.EnsureSystemSites(ctx))

	root, err := env.files.Read(ctx, SystemRootSite, "index.html")
	require.NoError(t, err)
	assert.NotEmpty(t, root.Content)

	notFound, err := env.files.Read(ctx, System404Site, "index.html")
	require.NoError(t, err)
	assert.NotEmpty(t, notFound.Content)
}

func TestEnsureSystemSitesPreservesCustomizations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.manager.EnsureSystemSites(ctx))
	require.NoError(t, env.files.Write(ctx, SystemRootSite, "index.html",
		[]byte("<html>customized landing</html>"), ""))

	require.NoError(t, env.manager.EnsureSystemSites(ctx))

	f, err := env.files.Read(ctx, SystemRootSite, "index.html")
	require.NoError(t, err)
	assert.Equal(t, "<html>customized landing</html>", string(f.Content))
}

func TestNewAppID(t *testing.T) {
	a, b := NewAppID(), NewAppID()
	assert.True(t, len(a) > len("fazt_app_"))
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "fazt_app_")
}

func TestIsSystemSite(t *testing.T) {
	assert.True(t, IsSystemSite(SystemRootSite))
	assert.True(t, IsSystemSite(System404Site))
	assert.False(t, IsSystemSite("fazt_app_x"))
}

func TestDeleteAppCascades(t *testing.T) {
	env := newTestEnv(t)
	hubs := &fakeHubRemover{}
	env.manager = NewManager(env.db, env.files, env.resolver, hubs)
	ctx := context.Background()

	archive := buildZip(t, map[string]string{"index.html": "<html></html>"})
	res, err := env.deployer.DeployZip(ctx, archive, "doomed", nil)
	require.NoError(t, err)

	// Per-app state that must disappear with the app.
	require.NoError(t, env.db.Queue.Submit(ctx, "test.seed", func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"INSERT INTO kv_store (app_id, key, value, updated_at) VALUES (?, ?, ?, 0)",
			res.AppID, "greeting", `"hi"`,
		); err != nil {
			return err
		}
		_, err := tx.Exec(
			"INSERT INTO secrets (app_id, name, value, inject_as, inject_key, domain, updated_at) VALUES (?, ?, ?, ?, ?, ?, 0)",
			res.AppID, "API_TOKEN", "tok", "bearer", "", "api.example.com",
		)
		return err
	}))

	require.NoError(t, env.manager.DeleteApp(ctx, res.AppID))

	_, err = env.manager.GetApp(ctx, res.AppID)
	assert.True(t, kerrors.IsNotFound(err))

	_, err = env.resolver.Get(ctx, "doomed")
	assert.True(t, kerrors.IsNotFound(err))

	_, err = env.files.Read(ctx, res.AppID, "index.html")
	assert.True(t, kerrors.IsNotFound(err))

	var kvCount, secretCount int
	require.NoError(t, env.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM kv_store WHERE app_id=?", res.AppID).Scan(&kvCount))
	require.NoError(t, env.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM secrets WHERE app_id=?", res.AppID).Scan(&secretCount))
	assert.Zero(t, kvCount)
	assert.Zero(t, secretCount)

	assert.Equal(t, []string{res.AppID}, hubs.removed)
}

func TestDeleteAppRemovesSplitAliasesReferencingIt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	archive := buildZip(t, map[string]string{"index.html": "<html></html>"})
	keep, err := env.deployer.DeployZip(ctx, archive, "keep", nil)
	require.NoError(t, err)
	gone, err := env.deployer.DeployZip(ctx, archive, "gone", nil)
	require.NoError(t, err)

	require.NoError(t, env.resolver.Set(ctx, Alias{
		Subdomain: "exp",
		Type:      AliasSplit,
		Targets: mustTargets(t, []SplitTarget{
			{AppID: keep.AppID, Weight: 50},
			{AppID: gone.AppID, Weight: 50},
		}),
	}))

	require.NoError(t, env.manager.DeleteApp(ctx, gone.AppID))

	// The split had a dead leg, so the whole alias goes.
	_, err = env.resolver.Get(ctx, "exp")
	assert.True(t, kerrors.IsNotFound(err))

	// The surviving app keeps its own alias.
	_, err = env.resolver.Get(ctx, "keep")
	assert.NoError(t, err)
}

func TestListApps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	archive := buildZip(t, map[string]string{"index.html": "<html></html>"})
	_, err := env.deployer.DeployZip(ctx, archive, "one", nil)
	require.NoError(t, err)
	_, err = env.deployer.DeployZip(ctx, archive, "two", nil)
	require.NoError(t, err)

	apps, err := env.manager.ListApps(ctx)
	require.NoError(t, err)
	assert.Len(t, apps, 2)
}
