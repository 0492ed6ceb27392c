package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/edgeflare/odatadb/pkg/httputil"
)

// BasicAuthConfig holds the username-password pairs for basic authentication.
type BasicAuthConfig struct {
	Credentials map[string]string
	Realm       string
}

func BasicAuthCreds(credentials map[string]string) *BasicAuthConfig {
	return &BasicAuthConfig{Credentials: credentials, Realm: "odatadb"}
}

// VerifyBasicAuth rejects requests without valid credentials and stores the
// authenticated user in the context. Paths in skip are served without checks.
func VerifyBasicAuth(config *BasicAuthConfig, skip ...string) func(http.Handler) http.Handler {
	realm := config.Realm
	if realm == "" {
		realm = "odatadb"
	}
	challenge := `Basic realm="` + realm + `", charset="UTF-8"`

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range skip {
				if r.URL.Path == p {
					next.ServeHTTP(w, r)
					return
				}
			}

			username, password, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", challenge)
				httputil.Error(w, http.StatusUnauthorized, "Authorization header missing or malformed")
				return
			}

			want, known := config.Credentials[username]
			if !known || subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 {
				w.Header().Set("WWW-Authenticate", challenge)
				httputil.Error(w, http.StatusUnauthorized, "Invalid credentials")
				return
			}

			ctx := context.WithValue(r.Context(), httputil.BasicAuthCtxKey, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
