package odatadb

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgeflare/odatadb/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	logger, err := newLogger("debug")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = newLogger("none")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = newLogger("loud")
	assert.Error(t, err)
}

func TestNewRouterMiddleware(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{
		CORS: config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://app.example.com"}},
		BasicAuth: config.BasicAuthConfig{
			Enabled:     true,
			Credentials: map[string]string{"admin": "secret"},
		},
	}}
	router, err := newRouter(cfg, zap.NewNop())
	require.NoError(t, err)
	router.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.HandleFunc("GET /odata/{resource}", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	// health checks pass without credentials
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/odata/Customers", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/odata/Customers", nil)
	req.SetBasicAuth("admin", "secret")
	req.Header.Set("Origin", "https://app.example.com")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}
