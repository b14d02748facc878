package auth

import (
	"net/http"

	relayerr "github.com/filerelay/filerelay/internal/errors"
	"github.com/filerelay/filerelay/internal/respond"
)

// Middleware returns HTTP middleware that rejects requests without the
// configured Basic credentials. Rejection happens before the wrapped handler
// runs, so no lifecycle work is done for unauthorized callers. On success the
// username is set on the request context.
func Middleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := verifier.Verify(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="`+Realm+`", charset="UTF-8"`)
				respond.Error(w, r, relayerr.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(contextWithUser(r.Context(), user)))
		})
	}
}
