// Package auth resolves caller identity and throttles per caller. Weft
// sits behind a host gateway that has already authenticated the user, so
// identity arrives as a trusted X-User-ID header; this package only
// validates its shape and makes it available to handlers via context.
package auth

import (
	"context"
	"net/http"
	"strings"

	"weft/pkg/logger"
	"weft/pkg/utils"
)

type ctxUserKey struct{}

func validUserID(id string) bool {
	return id != "" && len(id) <= 128
}

// RequireUser extracts the caller id from X-User-ID and injects it into
// the request context. Requests without a usable id are rejected.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if !validUserID(id) {
			logger.Warn("missing_user_id", "path", r.URL.Path, "remote", r.RemoteAddr)
			utils.JSONError(w, http.StatusUnauthorized, "missing or invalid X-User-ID")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID returns the caller id placed in the context by RequireUser, or
// empty string.
func UserID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxUserKey{}).(string); ok {
		return v
	}
	return ""
}
