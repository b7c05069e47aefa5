package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/chatsync/internal/logger"
)

// Identity is the user a bearer token resolves to.
type Identity struct {
	ID   string
	Name string
}

// BearerAuth resolves "Authorization: Bearer <token>" with lookup and puts
// the user into the request context. Unknown tokens get 401.
func BearerAuth(lookup func(token string) (Identity, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			id, ok := lookup(token)
			if !ok {
				logger.Debugf("auth: rejected token %s", MaskToken(token))
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, id.ID)
			ctx = context.WithValue(ctx, UserNameKey, id.Name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
