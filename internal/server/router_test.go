package server

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mng "github.com/Hasganter/markdown-web/internal/manager"
	"github.com/Hasganter/markdown-web/internal/metrics"
	"github.com/Hasganter/markdown-web/internal/settings"
)

type fixedStatus []mng.ProcessStatus

func (f fixedStatus) Status() []mng.ProcessStatus { return f }

type failingStore struct{}

func (failingStore) Snapshot() map[string]any { return map[string]any{} }

func (failingStore) Update(string, any) (string, error) { return "", errors.New("disk full") }

func setupRouter(t *testing.T) (http.Handler, *settings.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := settings.NewStore(map[string]any{
		settings.OverridesJSONPath: filepath.Join(t.TempDir(), "overrides.json"),
	}, nil)
	status := fixedStatus{{Name: "nginx", PID: 42, Alive: true, Critical: true}}
	return NewRouter(store, status, nil).Handler(), store
}

func doReq(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetConfig(t *testing.T) {
	h, _ := setupRouter(t)
	rec := doReq(t, h, http.MethodGet, "/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var cfg map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, float64(50), cfg["LOG_HISTORY_COUNT"])
	assert.Equal(t, "2s", cfg[settings.SupervisorSleepInterval])
	assert.Len(t, cfg[settings.ModifiableSettingsKey], 10)
}

func TestSetConfig_Success(t *testing.T) {
	h, store := setupRouter(t)
	rec := doReq(t, h, http.MethodPost, "/config", `{"key":"LOG_HISTORY_COUNT","value":75}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"success","message":"Setting 'LOG_HISTORY_COUNT' updated to '75'. Restart required for all services to apply."}`, rec.Body.String())
	assert.Equal(t, 75, store.Int("LOG_HISTORY_COUNT"))
}

func TestSetConfig_NotModifiable(t *testing.T) {
	h, store := setupRouter(t)
	rec := doReq(t, h, http.MethodPost, "/config", `{"key":"WEB_SERVER_PORT","value":9000}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Update Failed","detail":"Setting 'WEB_SERVER_PORT' is not modifiable."}`, rec.Body.String())
	assert.Equal(t, 8000, store.Int(settings.WebServerPort))
}

func TestSetConfig_ConversionFailure(t *testing.T) {
	h, store := setupRouter(t)
	rec := doReq(t, h, http.MethodPost, "/config", `{"key":"LOG_BUFFER_SIZE","value":"lots"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp errorResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Update Failed", resp.Error)
	assert.True(t, strings.HasPrefix(resp.Detail, "Could not convert value 'lots' for key 'LOG_BUFFER_SIZE'. Error: "), resp.Detail)
	assert.Equal(t, 100, store.Int("LOG_BUFFER_SIZE"))
}

func TestSetConfig_BadRequests(t *testing.T) {
	h, _ := setupRouter(t)
	required := `{"error":"Bad Request","detail":"'key' and 'value' are required."}`
	invalid := `{"error":"Bad Request","detail":"Invalid JSON"}`
	cases := map[string]struct {
		body string
		want string
	}{
		"missing value": {`{"key":"LOG_HISTORY_COUNT"}`, required},
		"null value":    {`{"key":"LOG_HISTORY_COUNT","value":null}`, required},
		"empty key":     {`{"key":"","value":1}`, required},
		"missing key":   {`{"value":1}`, required},
		"not json":      {`key=LOG_HISTORY_COUNT`, invalid},
		"truncated":     {`{"key":`, invalid},
		"array":         {`[1,2]`, invalid},
		"empty body":    {``, invalid},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := doReq(t, h, http.MethodPost, "/config", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.JSONEq(t, tc.want, rec.Body.String())
		})
	}
}

func TestSetConfig_EmptyStringValueReachesStore(t *testing.T) {
	h, _ := setupRouter(t)
	rec := doReq(t, h, http.MethodPost, "/config", `{"key":"LOG_HISTORY_COUNT","value":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"Update Failed"`)
}

func TestSetConfig_InternalError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewRouter(failingStore{}, nil, nil).Handler()
	rec := doReq(t, h, http.MethodPost, "/config", `{"key":"LOG_HISTORY_COUNT","value":1}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal Server Error","detail":"disk full"}`, rec.Body.String())
}

func TestStatusAndNotFound(t *testing.T) {
	h, _ := setupRouter(t)
	rec := doReq(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Processes []mng.ProcessStatus `json:"processes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Processes, 1)
	assert.Equal(t, 42, resp.Processes[0].PID)

	for _, p := range []string{"/", "/nope", "/config/extra"} {
		rec = doReq(t, h, http.MethodGet, p, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, p)
		assert.Equal(t, "Not Found", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))
	store := settings.NewStore(map[string]any{settings.OverridesJSONPath: filepath.Join(t.TempDir(), "o.json")}, nil)
	h := NewRouter(store, nil, metrics.HandlerFor(reg)).Handler()

	_ = doReq(t, h, http.MethodPost, "/config", `{"key":"NOPE","value":1}`)
	rec := doReq(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bytes.Contains(rec.Body.Bytes(), []byte(`mdweb_config_updates_total{result="rejected"}`)))
}
