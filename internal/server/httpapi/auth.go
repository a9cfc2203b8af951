package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/motivearchive/internal/common"
	"github.com/dmitrijs2005/motivearchive/internal/server/auth"
	"github.com/gorilla/mux"
)

type ctxKey string

const claimsKey ctxKey = "claims"

// authMiddleware requires a valid Bearer token; with adminOnly the token
// must also carry the admin role.
func authMiddleware(secret []byte, adminOnly bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(common.AuthorizationHeaderName)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, common.ErrorUnauthorized)
				return
			}

			claims, err := auth.ParseToken(token, secret)
			if err != nil {
				writeError(w, err)
				return
			}
			if adminOnly && !claims.IsAdmin() {
				writeError(w, common.ErrForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// claimsFrom returns the caller's claims set by authMiddleware.
func claimsFrom(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*auth.Claims)
	return c, ok
}
