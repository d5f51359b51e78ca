package api

import (
	"context"
	"encoding/json"
	"net/http"

	kerrors "github.com/fazt-sh/fazt/internal/errors"
	"github.com/fazt-sh/fazt/internal/hosting"
	"github.com/fazt-sh/fazt/internal/logging"
	"github.com/fazt-sh/fazt/internal/metrics"
)

// commandFunc executes one envelope command. The registry is the wire
// contract for remote tooling: a CLI or peer node speaks POST /api/cmd
// instead of learning every REST route.
type commandFunc func(ctx context.Context, args json.RawMessage) (interface{}, error)

type commandRequest struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args"`
}

type commandResponse struct {
	Command string      `json:"command"`
	Result  interface{} `json:"result"`
}

func (rt *Router) registerCommands() {
	rt.commands = map[string]commandFunc{
		"status":         rt.cmdStatus,
		"apps.list":      rt.cmdAppsList,
		"apps.delete":    rt.cmdAppsDelete,
		"aliases.set":    rt.cmdAliasSet,
		"aliases.delete": rt.cmdAliasDelete,
		"deploy.git":     rt.cmdDeployGit,
		"secrets.set":    rt.cmdSecretsSet,
		"allowlist.add":  rt.cmdAllowlistAdd,
		"logs.tail":      rt.cmdLogsTail,
		"users.list":     rt.cmdUsersList,
		"sql.query":      rt.cmdSQLQuery,
	}
}

func decodeArgs(args json.RawMessage, v interface{}) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return kerrors.Validation("cmd", "invalid args: %v", err)
	}
	return nil
}

func (rt *Router) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "VALIDATION", "method not allowed")
		return
	}
	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cmd, ok := rt.commands[req.Command]
	if !ok {
		writeError(w, kerrors.Validation("cmd", "unknown command %q", req.Command))
		return
	}
	result, err := cmd(r.Context(), req.Args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Command: req.Command, Result: result})
}

func (rt *Router) cmdStatus(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return rt.buildStatus(ctx), nil
}

func (rt *Router) cmdAppsList(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	apps, err := rt.apps.ListApps(ctx)
	if err != nil {
		return nil, err
	}
	if apps == nil {
		apps = []hosting.App{}
	}
	return apps, nil
}

func (rt *Router) cmdAppsDelete(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.ID == "" {
		return nil, kerrors.Validation("cmd", "apps.delete requires args.id")
	}
	if err := rt.apps.DeleteApp(ctx, a.ID); err != nil {
		return nil, err
	}
	rt.logActivity(ctx, "apps.delete", a.ID, "via cmd")
	return map[string]string{"deleted": a.ID}, nil
}

func (rt *Router) cmdAliasSet(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a struct {
		Subdomain string            `json:"subdomain"`
		Type      hosting.AliasType `json:"type"`
		Targets   json.RawMessage   `json:"targets"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	alias := hosting.Alias{Subdomain: a.Subdomain, Type: a.Type, Targets: a.Targets}
	if err := rt.resolver.Set(ctx, alias); err != nil {
		return nil, err
	}
	rt.logActivity(ctx, "aliases.set", a.Subdomain, string(a.Type))
	return map[string]string{"subdomain": a.Subdomain}, nil
}

func (rt *Router) cmdAliasDelete(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a struct {
		Subdomain string `json:"subdomain"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Subdomain == "" {
		return nil, kerrors.Validation("cmd", "aliases.delete requires args.subdomain")
	}
	if err := rt.resolver.Delete(ctx, a.Subdomain); err != nil {
		return nil, err
	}
	rt.logActivity(ctx, "aliases.delete", a.Subdomain, "via cmd")
	return map[string]string{"deleted": a.Subdomain}, nil
}

func (rt *Router) cmdDeployGit(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var req gitDeployRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	result, err := rt.deployer.DeployGit(ctx, req.URL, req.Ref, req.Subdomain)
	if err != nil {
		return nil, err
	}
	metrics.RecordDeploy("git")
	rt.logActivity(ctx, "deploy.git", req.Subdomain, req.URL)
	return result, nil
}

func (rt *Router) cmdSecretsSet(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var req secretRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if err := rt.secrets.Set(ctx, req.secret()); err != nil {
		return nil, err
	}
	rt.logActivity(ctx, "secrets.set", req.Name, "app="+req.AppID)
	return map[string]string{"name": req.Name}, nil
}

func (rt *Router) cmdAllowlistAdd(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var req allowlistRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if err := rt.allow.Add(ctx, req.rule()); err != nil {
		return nil, err
	}
	rt.logActivity(ctx, "allowlist.add", req.Domain, "app="+req.AppID)
	return map[string]string{"domain": req.Domain}, nil
}

func (rt *Router) cmdLogsTail(_ context.Context, args json.RawMessage) (interface{}, error) {
	var a struct {
		N int `json:"n"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.N <= 0 {
		a.N = 200
	}
	lines := logging.Ring().Tail(a.N)
	if lines == nil {
		lines = []string{}
	}
	return lines, nil
}

func (rt *Router) cmdUsersList(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return rt.listUsers(ctx)
}

func (rt *Router) cmdSQLQuery(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a sqlRequest
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return rt.execSQL(ctx, a.Query)
}
