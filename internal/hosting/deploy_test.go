package hosting

import (
	"context"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/fazt-sh/fazt/internal/errors"
)

func TestDeployZipCreatesAppAndAlias(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	archive := buildZip(t, map[string]string{
		"index.html":        "<html><body>home</body></html>",
		"about/index.html":  "<html><body>about</body></html>",
		"assets/app-9f2.js": "console.log('v1')",
	})

	res, err := env.deployer.DeployZip(ctx, archive, "Demo", nil)
	require.NoError(t, err)
	assert.Equal(t, "demo", res.Subdomain)
	assert.Equal(t, 3, res.FileCount)
	assert.True(t, len(res.AppID) > len("fazt_app_"))

	app, err := env.manager.GetAppBySubdomain(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, res.AppID, app.ID)
	assert.Equal(t, "zip", app.Source)
	assert.Equal(t, "demo", app.Title, "title falls back to subdomain without a manifest")
	assert.True(t, app.Analytics, "analytics defaults on")
	assert.False(t, app.SPA)

	resolution, err := env.resolver.Resolve(ctx, "demo", "client")
	require.NoError(t, err)
	assert.Equal(t, ResolveSite, resolution.Kind)
	assert.Equal(t, res.AppID, resolution.SiteID)

	f, err := env.files.Read(ctx, res.AppID, "about/index.html")
	require.NoError(t, err)
	assert.Contains(t, string(f.Content), "about")
}

func TestDeployZipAppliesManifest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	archive := buildZip(t, map[string]string{
		"index.html": "<html></html>",
		"manifest.json": `{
			"name": "notes",
			"title": "My Notes",
			"spa": true,
			"analytics": {"enabled": false},
			"env": {"API_URL": "https://api.example.com"}
		}`,
	})

	res, err := env.deployer.DeployZip(ctx, archive, "notes", nil)
	require.NoError(t, err)

	app, err := env.manager.GetApp(ctx, res.AppID)
	require.NoError(t, err)
	assert.Equal(t, "My Notes", app.Title)
	assert.True(t, app.SPA)
	assert.False(t, app.Analytics)
	assert.Equal(t, "https://api.example.com", app.Env["API_URL"])
}

func TestRedeployReusesAppAndReplacesFiles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v1 := buildZip(t, map[string]string{
		"index.html": "<html>v1</html>",
		"extra.html": "<html>only in v1</html>",
	})
	first, err := env.deployer.DeployZip(ctx, v1, "demo", nil)
	require.NoError(t, err)

	v2 := buildZip(t, map[string]string{
		"index.html": "<html>v2</html>",
	})
	second, err := env.deployer.DeployZip(ctx, v2, "demo", nil)
	require.NoError(t, err)

	assert.Equal(t, first.AppID, second.AppID, "redeploy keeps the app identity")
	assert.Equal(t, 1, second.FileCount)

	f, err := env.files.Read(ctx, second.AppID, "index.html")
	require.NoError(t, err)
	assert.Equal(t, "<html>v2</html>", string(f.Content))

	_, err = env.files.Read(ctx, second.AppID, "extra.html")
	assert.True(t, kerrors.IsNotFound(err), "files absent from the new archive are gone")
}

func TestRedeployIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	archive := buildZip(t, map[string]string{
		"index.html":   "<html>stable</html>",
		"css/site.css": "body{}",
	})

	first, err := env.deployer.DeployZip(ctx, archive, "demo", nil)
	require.NoError(t, err)
	firstFiles, err := env.files.List(ctx, first.AppID)
	require.NoError(t, err)

	second, err := env.deployer.DeployZip(ctx, archive, "demo", nil)
	require.NoError(t, err)
	secondFiles, err := env.files.List(ctx, second.AppID)
	require.NoError(t, err)

	require.Equal(t, len(firstFiles), len(secondFiles))
	for i := range firstFiles {
		assert.Equal(t, firstFiles[i].Path, secondFiles[i].Path)
		assert.Equal(t, firstFiles[i].Hash, secondFiles[i].Hash)
	}
}

func TestDeployZipRejectsTraversal(t *testing.T) {
	env := newTestEnv(t)

	archive := buildZip(t, map[string]string{
		"../evil.html": "<html>escape</html>",
	})

	_, err := env.deployer.DeployZip(context.Background(), archive, "demo", nil)
	require.Error(t, err)
	ke := kerrors.AsKernel(err)
	require.NotNil(t, ke)
	assert.Equal(t, kerrors.KindValidation, ke.Kind)
}

func TestDeployZipSkipsJunkEntries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	archive := buildZip(t, map[string]string{
		"index.html":            "<html></html>",
		"__MACOSX/._index.html": "junk",
		".DS_Store":             "junk",
		"img/Thumbs.db":         "junk",
	})

	res, err := env.deployer.DeployZip(ctx, archive, "demo", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FileCount)
}

func TestDeployZipFlattensSingleRootDir(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	archive := buildZip(t, map[string]string{
		"dist/index.html":  "<html></html>",
		"dist/css/app.css": "body{}",
	})

	res, err := env.deployer.DeployZip(ctx, archive, "demo", nil)
	require.NoError(t, err)

	_, err = env.files.Read(ctx, res.AppID, "index.html")
	require.NoError(t, err, "single shared root is stripped")
	_, err = env.files.Read(ctx, res.AppID, "css/app.css")
	require.NoError(t, err)
}

func TestDeployZipRejectsReservedSubdomain(t *testing.T) {
	env := newTestEnv(t)

	archive := buildZip(t, map[string]string{"index.html": "<html></html>"})
	_, err := env.deployer.DeployZip(context.Background(), archive, "www", nil)
	require.Error(t, err)
}

func TestDeployZipRejectsEmptyArchive(t *testing.T) {
	env := newTestEnv(t)

	archive := buildZip(t, map[string]string{".DS_Store": "junk"})
	_, err := env.deployer.DeployZip(context.Background(), archive, "demo", nil)
	require.Error(t, err)
}

func TestDeployToSubdomainHeldByRedirect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.resolver.Set(ctx, Alias{
		Subdomain: "taken",
		Type:      AliasRedirect,
		Targets:   mustTargets(t, RedirectTarget{URL: "https://elsewhere.test"}),
	}))

	archive := buildZip(t, map[string]string{"index.html": "<html></html>"})
	_, err := env.deployer.DeployZip(ctx, archive, "taken", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirect")
}

func TestStageGitTreeHonorsGitignore(t *testing.T) {
	env := newTestEnv(t)

	worktree := memfs.New()
	write := func(path, content string) {
		require.NoError(t, util.WriteFile(worktree, path, []byte(content), 0o644))
	}
	write(".gitignore", "node_modules/\n*.log\n")
	write("index.html", "<html></html>")
	write("node_modules/lib/index.js", "module.exports = {}")
	write("debug.log", "noise")

	staged, err := env.deployer.stageGitTree(worktree)
	require.NoError(t, err)

	paths := map[string]bool{}
	for _, f := range staged {
		paths[f.path] = true
	}
	assert.True(t, paths["index.html"])
	assert.False(t, paths["node_modules/lib/index.js"])
	assert.False(t, paths["debug.log"])
}
