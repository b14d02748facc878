// Package respond writes the plain-text responses the relay sends to clients.
package respond

import (
	"io"
	"net/http"

	relayerr "github.com/filerelay/filerelay/internal/errors"
)

// RequestIDHeader carries the per-request ID set by the server middleware.
const RequestIDHeader = "X-Request-Id"

// Text writes body as text/plain with the given status.
func Text(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

// Error writes the client-facing message and status of e.
func Error(w http.ResponseWriter, r *http.Request, e *relayerr.RelayError) {
	w.Header().Set("X-Error-Code", e.Code)
	Text(w, e.HTTPStatus, e.Message)
}
