package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgeflare/odatadb/pkg/httputil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	return zap.New(core), logs
}

func statusHandler(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	})
}

func TestLoggerWithOptions(t *testing.T) {
	logger, logs := newTestLogger()
	mw := LoggerWithOptions(&LoggerOptions{
		Logger: logger,
		Format: func(reqID string, rec *ResponseRecorder, r *http.Request, latency time.Duration) []zap.Field {
			return []zap.Field{zap.String("test", "log")}
		},
	})

	w := httptest.NewRecorder()
	mw(statusHandler(http.StatusOK)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example.com/foo", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "response", logs.All()[0].Message)
	assert.Equal(t, "log", logs.All()[0].ContextMap()["test"])
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		code  int
		level zapcore.Level
	}{
		{http.StatusOK, zapcore.InfoLevel},
		{http.StatusNoContent, zapcore.InfoLevel},
		{http.StatusNotFound, zapcore.WarnLevel},
		{http.StatusInternalServerError, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		logger, logs := newTestLogger()
		h := LoggerWithOptions(&LoggerOptions{Logger: logger})(statusHandler(tt.code))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/odata/Customers", nil))

		require.Equal(t, 1, logs.Len())
		entry := logs.All()[0]
		assert.Equal(t, tt.level, entry.Level, "status %d", tt.code)
		assert.EqualValues(t, tt.code, entry.ContextMap()["status"])
		assert.Equal(t, "GET", entry.ContextMap()["method"])
	}
}

func TestLoggerRequestID(t *testing.T) {
	logger, logs := newTestLogger()
	h := LoggerWithOptions(&LoggerOptions{Logger: logger})(statusHandler(http.StatusOK))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, uuid.Nil.String(), logs.All()[0].ContextMap()["req_id"])

	reqID := uuid.New().String()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), httputil.RequestIDCtxKey, reqID))
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, reqID, logs.All()[1].ContextMap()["req_id"])
}

func TestLoggerStoresEntryOnce(t *testing.T) {
	logger, logs := newTestLogger()
	mw := LoggerWithOptions(&LoggerOptions{Logger: logger})

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry, ok := LogEntry(r.Context())
		require.True(t, ok)
		entry.Info("handled")
		w.WriteHeader(http.StatusAccepted)
	})

	// nested use, as for $batch parts replayed through the router
	h := mw(mw(inner))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "handled", logs.All()[0].Message)
	assert.Equal(t, "response", logs.All()[1].Message)
}

func TestLoggerDefaultsToNop(t *testing.T) {
	w := httptest.NewRecorder()
	LoggerWithOptions(nil)(statusHandler(http.StatusTeapot)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestResponseRecorderKeepsFirstStatus(t *testing.T) {
	rec := NewResponseRecorder(httptest.NewRecorder())
	rec.Write([]byte("body"))
	rec.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusOK, rec.StatusCode)
}
