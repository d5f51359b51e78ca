package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserLifecycle(t *testing.T) {
	tr := newTestRouter(t)

	rec := tr.doJSON(t, "POST", "/api/users", createUserRequest{
		Username: "ops",
		Password: "correct-horse",
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	var user User
	decodeBody(t, rec, &user)
	assert.Equal(t, "ops", user.Username)
	assert.Equal(t, "admin", user.Role)
	assert.NotContains(t, rec.Body.String(), "correct-horse")

	rec = tr.do(t, "GET", "/api/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var users []User
	decodeBody(t, rec, &users)
	require.Len(t, users, 1)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = tr.do(t, "DELETE", "/api/users/ops", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = tr.do(t, "DELETE", "/api/users/ops", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUserValidation(t *testing.T) {
	tr := newTestRouter(t)

	rec := tr.doJSON(t, "POST", "/api/users", createUserRequest{Password: "long-enough"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tr.doJSON(t, "POST", "/api/users", createUserRequest{Username: "ops", Password: "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tr.doJSON(t, "POST", "/api/users", createUserRequest{Username: "ops", Password: "long-enough"})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Usernames are unique.
	rec = tr.doJSON(t, "POST", "/api/users", createUserRequest{Username: "ops", Password: "long-enough"})
	assert.GreaterOrEqual(t, rec.Code, 400)
}

func TestKeyManagementEndpoints(t *testing.T) {
	tr := newTestRouter(t)

	rec := tr.doJSON(t, "POST", "/api/keys", createKeyRequest{Name: "ci"})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	var created createKeyResponse
	decodeBody(t, rec, &created)
	require.NotEmpty(t, created.Token)
	require.NotNil(t, created.Key)

	// The minted key is immediately usable.
	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+created.Token)
	probe := httptest.NewRecorder()
	tr.handler.ServeHTTP(probe, req)
	assert.Equal(t, http.StatusOK, probe.Code)

	rec = tr.do(t, "GET", "/api/keys", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var keys []Key
	decodeBody(t, rec, &keys)
	assert.Len(t, keys, 2) // harness key + ci key
	assert.NotContains(t, rec.Body.String(), created.Token)

	rec = tr.do(t, "DELETE", "/api/keys/"+created.Key.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Revoked keys stop working.
	req = httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+created.Token)
	probe = httptest.NewRecorder()
	tr.handler.ServeHTTP(probe, req)
	assert.Equal(t, http.StatusUnauthorized, probe.Code)
}

func TestKeyCreationRequiresName(t *testing.T) {
	tr := newTestRouter(t)
	rec := tr.doJSON(t, "POST", "/api/keys", createKeyRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
