package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLConsoleSelect(t *testing.T) {
	tr := newTestRouter(t)
	deployTestApp(t, tr, "blog")

	rec := tr.doJSON(t, "POST", "/api/sql", sqlRequest{
		Query: "SELECT subdomain FROM apps ORDER BY subdomain",
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	var result sqlRows
	decodeBody(t, rec, &result)
	assert.Equal(t, []string{"subdomain"}, result.Columns)
	require.Equal(t, 1, result.Count)
	assert.Equal(t, "blog", result.Rows[0][0])
}

func TestSQLConsoleMutation(t *testing.T) {
	tr := newTestRouter(t)

	rec := tr.doJSON(t, "POST", "/api/sql", sqlRequest{
		Query: "INSERT INTO kv_store (app_id, key, value, updated_at) VALUES ('fazt_app_x', 'k', '\"v\"', 0)",
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	var exec sqlExec
	decodeBody(t, rec, &exec)
	assert.Equal(t, int64(1), exec.RowsAffected)

	rec = tr.doJSON(t, "POST", "/api/sql", sqlRequest{
		Query: "SELECT value FROM kv_store WHERE app_id='fazt_app_x'",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var result sqlRows
	decodeBody(t, rec, &result)
	assert.Equal(t, 1, result.Count)
}

func TestSQLConsoleValidation(t *testing.T) {
	tr := newTestRouter(t)

	rec := tr.doJSON(t, "POST", "/api/sql", sqlRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tr.doJSON(t, "POST", "/api/sql", sqlRequest{Query: "SELECT * FROM no_such_table"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSQLConsolePragma(t *testing.T) {
	tr := newTestRouter(t)

	rec := tr.doJSON(t, "POST", "/api/sql", sqlRequest{Query: "PRAGMA user_version"})
	require.Equal(t, http.StatusOK, rec.Code)
	var result sqlRows
	decodeBody(t, rec, &result)
	assert.Equal(t, 1, result.Count)
}
