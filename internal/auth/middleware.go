package auth

import (
	"context"
	"net/http"
	"os"
)

type contextKey string

// UserEmailKey is the context key used to store the authenticated user's email.
const UserEmailKey contextKey = "user_email"

// identityHeader is set by the authenticating reverse proxy in front of this
// service. The CRUD/session layer owns authentication; this core only trusts
// the proxy-injected identity.
const identityHeader = "Remote-Email"

// RequireIdentity extracts the authenticated user's email from the proxy
// header and stores it in the request context. Returns 401 when the header
// is missing. MAILSYNC_DEV_USER overrides the header for local development.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email := r.Header.Get(identityHeader)

		if email == "" {
			email = os.Getenv("MAILSYNC_DEV_USER")
		}

		if email == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserEmailKey, email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserEmailFromContext returns the user email from the context.
func GetUserEmailFromContext(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(UserEmailKey).(string)
	return email, ok
}
