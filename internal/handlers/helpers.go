package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	relayerr "github.com/filerelay/filerelay/internal/errors"
	"github.com/filerelay/filerelay/internal/lifecycle"
	"github.com/filerelay/filerelay/internal/relay"
	"github.com/filerelay/filerelay/internal/respond"
	"github.com/filerelay/filerelay/internal/storage"
)

// Upload option headers.
const (
	headerFilename = "filename"
	headerTTL      = "time"
	headerPassword = "password"
	headerDelete   = "delete"
	headerPath     = "path"
)

// multipartSlack is allowed on top of the upload cap for multipart framing
// and the other form fields.
const multipartSlack = 1 << 20

// oversizeMessage renders the 413 body for the configured cap.
func oversizeMessage(limit int64) string {
	if limit <= 0 {
		return "File too large"
	}
	return fmt.Sprintf("File too large - Only files up to %s are allowed", humanize.IBytes(uint64(limit)))
}

// optionalInt parses an integer header. An absent or blank header yields nil.
func optionalInt(r *http.Request, name string) (*int, error) {
	raw := strings.TrimSpace(r.Header.Get(name))
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: header %q must be an integer, got %q", relay.ErrInvalidUpload, name, raw)
	}
	return &n, nil
}

// writeError maps err onto a client-facing RelayError. Anything unmapped is
// logged and reported as an internal error.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, maxUpload int64, err error) {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		respond.Error(w, r, relayerr.ErrNotFound)
	case errors.Is(err, lifecycle.ErrExpired):
		respond.Error(w, r, relayerr.ErrExpired)
	case errors.Is(err, relay.ErrOversize), errors.As(err, &maxBytesErr):
		respond.Error(w, r, relayerr.ErrOversizeUpload.WithMessage(oversizeMessage(maxUpload)))
	case errors.Is(err, relay.ErrInvalidUpload):
		respond.Error(w, r, relayerr.ErrInvalidRequest.WithMessage("Invalid request: "+strings.TrimPrefix(err.Error(), relay.ErrInvalidUpload.Error()+": ")))
	case errors.Is(err, storage.ErrDirNotFound):
		respond.Error(w, r, relayerr.ErrDirectoryNotFound)
	default:
		if re, ok := relayerr.As(err); ok {
			respond.Error(w, r, re)
			return
		}
		logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", w.Header().Get(respond.RequestIDHeader),
			"error", err,
		)
		respond.Error(w, r, relayerr.ErrInternalError)
	}
}
