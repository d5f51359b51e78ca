package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, tr *testRouter, command string, args interface{}) *commandResponse {
	t.Helper()
	payload := map[string]interface{}{"command": command}
	if args != nil {
		payload["args"] = args
	}
	rec := tr.doJSON(t, "POST", "/api/cmd", payload)
	require.Equal(t, http.StatusOK, rec.Code, "command %s: %s", command, rec.Body.String())

	var resp commandResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, command, resp.Command)
	return &resp
}

func TestCommandStatus(t *testing.T) {
	tr := newTestRouter(t)

	resp := runCommand(t, tr, "status", nil)
	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ok", result["status"])
	assert.Equal(t, "test", result["version"])
}

func TestCommandAppsFlow(t *testing.T) {
	tr := newTestRouter(t)
	deployed := deployTestApp(t, tr, "blog")

	resp := runCommand(t, tr, "apps.list", nil)
	apps, ok := resp.Result.([]interface{})
	require.True(t, ok)
	require.Len(t, apps, 1)

	runCommand(t, tr, "apps.delete", map[string]string{"id": deployed.AppID})

	resp = runCommand(t, tr, "apps.list", nil)
	apps, ok = resp.Result.([]interface{})
	require.True(t, ok)
	assert.Empty(t, apps)
}

func TestCommandAliases(t *testing.T) {
	tr := newTestRouter(t)

	runCommand(t, tr, "aliases.set", map[string]interface{}{
		"subdomain": "docs",
		"type":      "redirect",
		"targets":   map[string]string{"url": "https://example.com"},
	})

	rec := tr.do(t, "GET", "/api/aliases/docs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	runCommand(t, tr, "aliases.delete", map[string]string{"subdomain": "docs"})

	rec = tr.do(t, "GET", "/api/aliases/docs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCommandSQLQuery(t *testing.T) {
	tr := newTestRouter(t)
	deployTestApp(t, tr, "blog")

	resp := runCommand(t, tr, "sql.query", map[string]string{
		"query": "SELECT COUNT(*) AS n FROM apps",
	})
	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 1, result["count"])
}

func TestCommandSecretsAndAllowlist(t *testing.T) {
	tr := newTestRouter(t)

	runCommand(t, tr, "secrets.set", map[string]string{
		"name":  "token",
		"value": "s3cret",
	})
	rec := tr.do(t, "GET", "/api/secrets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "token")

	runCommand(t, tr, "allowlist.add", map[string]string{
		"domain": "api.example.com",
	})
	rec = tr.do(t, "GET", "/api/allowlist", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "api.example.com")
}

func TestCommandUsersAndLogs(t *testing.T) {
	tr := newTestRouter(t)

	rec := tr.doJSON(t, "POST", "/api/users", createUserRequest{
		Username: "ops",
		Password: "long-enough",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := runCommand(t, tr, "users.list", nil)
	users, ok := resp.Result.([]interface{})
	require.True(t, ok)
	assert.Len(t, users, 1)

	resp = runCommand(t, tr, "logs.tail", map[string]int{"n": 5})
	_, ok = resp.Result.([]interface{})
	assert.True(t, ok)
}

func TestUnknownCommandRejected(t *testing.T) {
	tr := newTestRouter(t)

	rec := tr.doJSON(t, "POST", "/api/cmd", commandRequest{Command: "fs.format"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommandValidatesArgs(t *testing.T) {
	tr := newTestRouter(t)

	rec := tr.doJSON(t, "POST", "/api/cmd", map[string]interface{}{
		"command": "apps.delete",
		"args":    map[string]string{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tr.doJSON(t, "POST", "/api/cmd", map[string]interface{}{
		"command": "apps.delete",
		"args":    json.RawMessage(`"not-an-object"`),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
