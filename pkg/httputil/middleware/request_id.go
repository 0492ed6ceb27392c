// Package middleware holds the HTTP middleware mounted on the root router.
package middleware

import (
	"context"
	"net/http"

	"github.com/edgeflare/odatadb/pkg/httputil"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

// RequestID stores a request ID in the context and echoes it in the response.
// An ID already in the context (eg a $batch part) or sent by the client is kept.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, ok := httputil.RequestID(r)
		if !ok {
			reqID = r.Header.Get(RequestIDHeader)
		}
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, reqID)
		ctx := context.WithValue(r.Context(), httputil.RequestIDCtxKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
