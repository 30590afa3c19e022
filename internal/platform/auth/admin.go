package auth

import (
	"context"
	"net/http"
	"strings"
)

// RequireAdmin allows request only if RequireUser already injected role=admin into context.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := RoleFromContext(r.Context())
		if strings.ToLower(strings.TrimSpace(role)) != "admin" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Privileged reports whether the caller's role grants moderation rights
// (deleting and purging other users' comments).
func Privileged(ctx context.Context) bool {
	role, _ := RoleFromContext(ctx)
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "admin", "moderator":
		return true
	}
	return false
}
