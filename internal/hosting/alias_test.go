package hosting

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/fazt-sh/fazt/internal/errors"
)

func mustTargets(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestResolveUnknownSubdomainServesRoot(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.resolver.Resolve(context.Background(), "nosuchapp", "client")
	require.NoError(t, err)
	assert.Equal(t, ResolveSite, res.Kind)
	assert.Equal(t, SystemRootSite, res.SiteID)
}

func TestResolveAppAlias(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.resolver.Set(ctx, Alias{
		Subdomain: "blog",
		Type:      AliasApp,
		Targets:   mustTargets(t, AppTarget{AppID: "fazt_app_1"}),
	}))

	res, err := env.resolver.Resolve(ctx, "blog", "client")
	require.NoError(t, err)
	assert.Equal(t, ResolveSite, res.Kind)
	assert.Equal(t, "fazt_app_1", res.SiteID)
}

func TestResolveRedirectAlias(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.resolver.Set(ctx, Alias{
		Subdomain: "old",
		Type:      AliasRedirect,
		Targets:   mustTargets(t, RedirectTarget{URL: "https://new.example.com"}),
	}))

	res, err := env.resolver.Resolve(ctx, "old", "client")
	require.NoError(t, err)
	assert.Equal(t, ResolveRedirect, res.Kind)
	assert.Equal(t, "https://new.example.com", res.RedirectURL)
}

func TestResolveReservedAlias(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.resolver.Set(ctx, Alias{Subdomain: "www", Type: AliasReserved}))

	res, err := env.resolver.Resolve(ctx, "www", "client")
	require.NoError(t, err)
	assert.Equal(t, ResolveNotFound, res.Kind)
}

func TestResolveSplitIsDeterministicPerClient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.resolver.Set(ctx, Alias{
		Subdomain: "exp",
		Type:      AliasSplit,
		Targets: mustTargets(t, []SplitTarget{
			{AppID: "fazt_app_a", Weight: 50},
			{AppID: "fazt_app_b", Weight: 50},
		}),
	}))

	first, err := env.resolver.Resolve(ctx, "exp", "10.0.0.1|/")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		res, err := env.resolver.Resolve(ctx, "exp", "10.0.0.1|/")
		require.NoError(t, err)
		assert.Equal(t, first.SiteID, res.SiteID, "same client key must stick to one variant")
	}
}

func TestResolveSplitSpreadsAcrossClients(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.resolver.Set(ctx, Alias{
		Subdomain: "exp",
		Type:      AliasSplit,
		Targets: mustTargets(t, []SplitTarget{
			{AppID: "fazt_app_a", Weight: 50},
			{AppID: "fazt_app_b", Weight: 50},
		}),
	}))

	seen := map[string]int{}
	for i := 0; i < 200; i++ {
		res, err := env.resolver.Resolve(ctx, "exp", fmt.Sprintf("10.0.0.%d|/", i))
		require.NoError(t, err)
		require.Equal(t, ResolveSite, res.Kind)
		seen[res.SiteID]++
	}
	assert.Greater(t, seen["fazt_app_a"], 0)
	assert.Greater(t, seen["fazt_app_b"], 0)
}

func TestPickSplitTargetHonorsWeightOrder(t *testing.T) {
	targets := []SplitTarget{
		{AppID: "a", Weight: 100},
	}
	assert.Equal(t, "a", pickSplitTarget(targets, "anything"))

	// Bucket 0-99 always lands inside the cumulative range.
	targets = []SplitTarget{
		{AppID: "a", Weight: 1},
		{AppID: "b", Weight: 99},
	}
	for i := 0; i < 50; i++ {
		got := pickSplitTarget(targets, fmt.Sprintf("key-%d", i))
		assert.Contains(t, []string{"a", "b"}, got)
	}
}

func TestSetSplitAliasValidatesWeights(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		targets []SplitTarget
	}{
		{"sum below 100", []SplitTarget{{AppID: "a", Weight: 40}, {AppID: "b", Weight: 40}}},
		{"sum above 100", []SplitTarget{{AppID: "a", Weight: 60}, {AppID: "b", Weight: 50}}},
		{"zero weight", []SplitTarget{{AppID: "a", Weight: 0}, {AppID: "b", Weight: 100}}},
		{"missing app id", []SplitTarget{{AppID: "", Weight: 100}}},
		{"empty list", nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := env.resolver.Set(ctx, Alias{
				Subdomain: "exp",
				Type:      AliasSplit,
				Targets:   mustTargets(t, tc.targets),
			})
			require.Error(t, err)
			ke := kerrors.AsKernel(err)
			require.NotNil(t, ke)
			assert.Equal(t, kerrors.KindValidation, ke.Kind)
		})
	}
}

func TestSetAliasRejectsBadTargets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.resolver.Set(ctx, Alias{Subdomain: "x", Type: AliasApp, Targets: mustTargets(t, AppTarget{})})
	require.Error(t, err)

	err = env.resolver.Set(ctx, Alias{Subdomain: "x", Type: AliasRedirect, Targets: mustTargets(t, RedirectTarget{})})
	require.Error(t, err)
}

func TestReservedAliasMayClaimReservedLabel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.resolver.Set(ctx, Alias{Subdomain: "api", Type: AliasReserved}))

	// But an app alias may not.
	err := env.resolver.Set(ctx, Alias{
		Subdomain: "api",
		Type:      AliasApp,
		Targets:   mustTargets(t, AppTarget{AppID: "fazt_app_1"}),
	})
	require.Error(t, err)
}

func TestDeleteAlias(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.resolver.Set(ctx, Alias{
		Subdomain: "blog",
		Type:      AliasApp,
		Targets:   mustTargets(t, AppTarget{AppID: "fazt_app_1"}),
	}))
	require.NoError(t, env.resolver.Delete(ctx, "blog"))

	_, err := env.resolver.Get(ctx, "blog")
	assert.True(t, kerrors.IsNotFound(err))

	err = env.resolver.Delete(ctx, "blog")
	assert.True(t, kerrors.IsNotFound(err))
}

func TestListAliases(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.resolver.Set(ctx, Alias{
		Subdomain: "b", Type: AliasApp, Targets: mustTargets(t, AppTarget{AppID: "fazt_app_1"}),
	}))
	require.NoError(t, env.resolver.Set(ctx, Alias{
		Subdomain: "a", Type: AliasRedirect, Targets: mustTargets(t, RedirectTarget{URL: "https://x.test"}),
	}))

	aliases, err := env.resolver.List(ctx)
	require.NoError(t, err)
	require.Len(t, aliases, 2)
	assert.Equal(t, "a", aliases[0].Subdomain)
	assert.Equal(t, "b", aliases[1].Subdomain)
}
