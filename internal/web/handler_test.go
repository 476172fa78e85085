package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/cmdvec/internal/app"
	"github.com/abdul-hamid-achik/cmdvec/internal/config"
	"github.com/abdul-hamid-achik/cmdvec/internal/errs"
	"github.com/abdul-hamid-achik/cmdvec/internal/index"
	"github.com/abdul-hamid-achik/cmdvec/internal/logging"
	"github.com/abdul-hamid-achik/cmdvec/internal/search"
	"github.com/abdul-hamid-achik/cmdvec/internal/source"
)

func newTestServer(t *testing.T) (*httptest.Server, *app.App) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), config.DefaultDataDir)
	cfg.Embedding.Dimensions = 32
	cfg.Embedding.Disabled = true

	records := []source.CommandRecord{
		{ID: "c1", CommandName: "Get-ADTInstallDir", Version: "4.1.0", Description: "Returns the install directory"},
		{ID: "c2", CommandName: "Remove-ADTFile", Version: "4.0.0", Description: "Removes files", IsDeprecated: true},
	}
	a, err := app.New(context.Background(), cfg, logging.Discard(), app.WithSource(source.NewStatic("test", records)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	srv := NewServer(ServerConfig{Service: a, Logger: logging.Discard()})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, a
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func post(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	return resp
}

func TestAPI_SyncThenSearch(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := post(t, ts.URL+"/api/sync")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, true, body["success"])

	resp, err := http.Get(ts.URL + "/api/search?q=Get-ADTInstallDir&limit=5")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body = decode(t, resp)

	results, ok := body["results"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, results)
	first := results[0].(map[string]any)
	assert.Equal(t, "c1", first["id"])
	assert.Equal(t, "Get-ADTInstallDir", first["commandName"])
}

func TestAPI_SearchExcludesDeprecated(t *testing.T) {
	ts, a := newTestServer(t)
	_, err := a.Sync(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/search?q=Remove-ADTFile&include_deprecated=false")
	require.NoError(t, err)
	body := decode(t, resp)
	for _, r := range body["results"].([]any) {
		assert.NotEqual(t, "c2", r.(map[string]any)["id"])
	}
}

func TestAPI_SearchValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name  string
		query string
	}{
		{"missing q", ""},
		{"bad limit", "?q=file&limit=abc"},
		{"negative limit", "?q=file&limit=-1"},
		{"bad include_deprecated", "?q=file&include_deprecated=maybe"},
		{"unknown type", "?q=file&type=module"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/api/search" + tt.query)
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode(t, resp)
			assert.Equal(t, string(errs.CodeSearchQueryInvalid), body["code"])
		})
	}
}

func TestAPI_StatsAndReset(t *testing.T) {
	ts, a := newTestServer(t)
	_, err := a.Sync(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	collection := body["collection"].(map[string]any)
	assert.EqualValues(t, 2, collection["vectorCount"])

	resp = post(t, ts.URL+"/api/reset")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	body = decode(t, resp)
	collection = body["collection"].(map[string]any)
	assert.EqualValues(t, 0, collection["vectorCount"])
}

func TestAPI_Health(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["version"])
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/sync")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// failingService returns err from every call.
type failingService struct {
	err error
}

func (f failingService) Search(context.Context, string, search.Options) ([]search.Result, error) {
	return nil, f.err
}
func (f failingService) Sync(context.Context) (*index.Result, error) { return nil, f.err }
func (f failingService) Reset(context.Context) error                 { return f.err }
func (f failingService) Status(context.Context) (app.Status, error)  { return app.Status{}, f.err }
func (f failingService) Health(context.Context) error                { return f.err }

func TestAPI_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"lock conflict", errs.New(errs.CodeIndexLockConflict, "index locked"), http.StatusConflict},
		{"store failure", errs.New(errs.CodeStoreWriteFailure, "write failed"), http.StatusBadGateway},
		{"worker exited", errs.New(errs.CodeEmbedWorkerExited, "worker exited"), http.StatusServiceUnavailable},
		{"internal", errs.New(errs.CodeInternalFailure, "boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(ServerConfig{Service: failingService{err: tt.err}, Logger: logging.Discard()})
			req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, string(errs.CodeOf(tt.err)), body["code"])
		})
	}
}

func TestAPI_RemediationInBody(t *testing.T) {
	err := errs.New(errs.CodeEmbedSetupRuntimeMissing, "python3 not found", errs.Remediation("install python3"))
	srv := NewServer(ServerConfig{Service: failingService{err: err}, Logger: logging.Discard()})

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "install python3", body["remediation"])
}

func TestServer_Addr(t *testing.T) {
	srv := NewServer(ServerConfig{Host: "127.0.0.1", Port: 8080, Service: failingService{}})
	assert.Equal(t, "127.0.0.1:8080", srv.Addr())
}
