package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/edgeflare/odatadb/pkg/httputil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoRequestID() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := httputil.RequestID(r)
		w.Write([]byte(id))
	})
}

func TestRequestID(t *testing.T) {
	t.Run("generates a new ID", func(t *testing.T) {
		w := httptest.NewRecorder()
		RequestID(echoRequestID()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/odata/Customers", nil))

		_, err := uuid.Parse(w.Body.String())
		require.NoError(t, err)
		assert.Equal(t, w.Body.String(), w.Header().Get(RequestIDHeader))
	})

	t.Run("keeps the context ID", func(t *testing.T) {
		existing := uuid.New().String()
		ctx := context.WithValue(context.Background(), httputil.RequestIDCtxKey, existing)
		req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
		req.Header.Set(RequestIDHeader, "from-header")

		w := httptest.NewRecorder()
		RequestID(echoRequestID()).ServeHTTP(w, req)
		assert.Equal(t, existing, w.Body.String())
		assert.Equal(t, existing, w.Header().Get(RequestIDHeader))
	})

	t.Run("accepts the client header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "abc-123")

		w := httptest.NewRecorder()
		RequestID(echoRequestID()).ServeHTTP(w, req)
		assert.Equal(t, "abc-123", w.Body.String())
	})

	t.Run("replaces an oversized client header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, strings.Repeat("x", 200))

		w := httptest.NewRecorder()
		RequestID(echoRequestID()).ServeHTTP(w, req)
		_, err := uuid.Parse(w.Body.String())
		assert.NoError(t, err)
	})

	t.Run("different requests get different IDs", func(t *testing.T) {
		h := RequestID(echoRequestID())
		w1, w2 := httptest.NewRecorder(), httptest.NewRecorder()
		h.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/a", nil))
		h.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/b", nil))
		assert.NotEqual(t, w1.Body.String(), w2.Body.String())
	})
}
