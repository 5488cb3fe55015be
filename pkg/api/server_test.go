package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapowarr/kapowarr/pkg/app"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, string) {
	t.Helper()

	application, err := app.New(context.Background(), app.Config{
		DataFolder: t.TempDir(),
	})
	require.NoError(t, err)
	application.Events.Start()
	t.Cleanup(application.Events.Stop)
	t.Cleanup(func() {
		application.Cache.Close()
		application.Store.Close()
	})

	server := NewServer(application)
	ts := httptest.NewServer(server.http.Handler)
	t.Cleanup(ts.Close)

	return server, ts, application.Settings.Get().APIKey
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func TestRequestsWithoutKeyAreRejected(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/volumes")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	env := decodeEnvelope(t, resp)
	require.NotNil(t, env.Error)
	assert.Equal(t, "ApiKeyInvalid", *env.Error)
}

func TestKeyInHeaderAndQuery(t *testing.T) {
	_, ts, key := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/volumes", nil)
	req.Header.Set("X-Api-Key", key)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/volumes?api_key=" + key)
	require.NoError(t, err)
	env := decodeEnvelope(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, env.Error)
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/definitely/not/here")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWrongMethodReturnsMethodNotAllowed(t *testing.T) {
	_, ts, key := newTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/volumes", nil)
	req.Header.Set("X-Api-Key", key)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAboutEndpoint(t *testing.T) {
	_, ts, key := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/system/about?api_key=" + key)
	require.NoError(t, err)
	env := decodeEnvelope(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	result := env.Result.(map[string]any)
	assert.NotEmpty(t, result["go_version"])
}

func TestAuthExchangesPasswordForKey(t *testing.T) {
	_, ts, key := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/auth", "application/json", jsonBody(`{"password": ""}`))
	require.NoError(t, err)
	env := decodeEnvelope(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := env.Result.(map[string]any)
	assert.Equal(t, key, result["api_key"])
}

func jsonBody(s string) io.Reader {
	return strings.NewReader(s)
}
