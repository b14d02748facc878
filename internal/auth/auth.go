// Package auth checks the single shared credential pair using HTTP Basic
// authentication.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
)

// Realm is advertised in the WWW-Authenticate challenge.
const Realm = "filerelay"

type contextKey struct{}

// UserFromContext returns the authenticated username, or "" for anonymous
// requests.
func UserFromContext(ctx context.Context) string {
	u, _ := ctx.Value(contextKey{}).(string)
	return u
}

func contextWithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// Verifier checks Basic credentials against one configured pair.
type Verifier struct {
	username []byte
	password []byte
}

// NewVerifier creates a Verifier for the given pair.
func NewVerifier(username, password string) *Verifier {
	return &Verifier{username: []byte(username), password: []byte(password)}
}

// Verify reports whether r carries the configured credentials. Both fields
// are compared in constant time.
func (v *Verifier) Verify(r *http.Request) (string, bool) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return "", false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), v.username)
	passOK := subtle.ConstantTimeCompare([]byte(pass), v.password)
	if userOK&passOK != 1 {
		return "", false
	}
	return user, true
}
