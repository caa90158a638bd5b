package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppphp/portago-resolver/config"
)

const chain = `
ebuilds:
  cat/pkgA-1: {RDEPEND: cat/pkgB}
  cat/pkgB-1: {}
  cat/pkgC-1: {}
  cat/pkgC-2: {}
installed:
  cat/pkgB-1: {}
`

func newApp() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return New(config.Default(), nil)
}

func post(t *testing.T, app *gin.Engine, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/resolve", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	app.ServeHTTP(w, req)
	return w
}

func TestPing(t *testing.T) {
	w := httptest.NewRecorder()
	newApp().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
}

func TestResolve(t *testing.T) {
	w := post(t, newApp(), ResolveRequest{Playground: chain, Args: []string{"cat/pkgA"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ResolveResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "success", resp.State)
	assert.Equal(t, []string{"cat/pkgA-1"}, resp.MergeList)
	assert.NotEmpty(t, resp.Session)
	assert.Empty(t, resp.Problems)
}

func TestResolveReportsProblems(t *testing.T) {
	w := post(t, newApp(), ResolveRequest{Playground: chain, Args: []string{"=cat/pkgC-1", "=cat/pkgC-2"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ResolveResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "exhausted", resp.State)
	assert.Empty(t, resp.MergeList)
	assert.Contains(t, resp.Problems, "cat/pkgC:0")
	assert.False(t, resp.ConfigChangesWouldHelp)
}

func TestResolveRejectsBadInput(t *testing.T) {
	app := newApp()
	for _, tc := range []struct {
		body interface{}
		code int
		err  string
	}{
		{map[string]string{"playground": chain}, http.StatusBadRequest, "INVALID_REQUEST"},
		{ResolveRequest{Playground: "ebuild: {}", Args: []string{"cat/pkgA"}}, http.StatusBadRequest, "INVALID_PLAYGROUND"},
		{ResolveRequest{Playground: chain, Args: []string{"@nothere"}}, http.StatusUnprocessableEntity, "INVALID_ARGUMENTS"},
	} {
		w := post(t, app, tc.body)
		assert.Equal(t, tc.code, w.Code, w.Body.String())
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, tc.err, resp.Code)
	}
}

func TestMetrics(t *testing.T) {
	app := newApp()
	post(t, app, ResolveRequest{Playground: chain, Args: []string{"cat/pkgA"}})

	w := httptest.NewRecorder()
	app.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "portago_resolver_resolutions_total"))
}
