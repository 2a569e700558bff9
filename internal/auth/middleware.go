package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const credentialsKey contextKey = "credentials"

// Credentials are whatever the client presented. They are checked later by an
// access policy, never by the middleware.
type Credentials struct {
	Username string
	Password string
	Token    string
}

func WithCredentials(ctx context.Context, c Credentials) context.Context {
	return context.WithValue(ctx, credentialsKey, c)
}

// FromContext returns the credentials stored by Middleware, if any.
func FromContext(ctx context.Context) (Credentials, bool) {
	c, ok := ctx.Value(credentialsKey).(Credentials)
	return c, ok
}

// Middleware copies Basic or Bearer credentials from the Authorization header
// into the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); ok {
			r = r.WithContext(WithCredentials(r.Context(), Credentials{Username: user, Password: pass}))
		} else if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
			r = r.WithContext(WithCredentials(r.Context(), Credentials{Token: token}))
		}
		next.ServeHTTP(w, r)
	})
}
