// Package handlers implements the HTTP handlers for upload, download and
// listing.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	relayerr "github.com/filerelay/filerelay/internal/errors"
	"github.com/filerelay/filerelay/internal/lifecycle"
	"github.com/filerelay/filerelay/internal/listing"
	"github.com/filerelay/filerelay/internal/metrics"
	"github.com/filerelay/filerelay/internal/relay"
	"github.com/filerelay/filerelay/internal/respond"
)

// WelcomeText is served on GET /.
const WelcomeText = "Welcome to filerelay\nUpload with POST /upload, list with GET /list, download with GET /{name}\n"

// Relay is the subset of the relay service the handlers use.
type Relay interface {
	Upload(ctx context.Context, req relay.UploadRequest) (*relay.UploadResult, error)
	Download(ctx context.Context, name string) (lifecycle.Verdict, error)
	List(ctx context.Context, dir string) ([]listing.Entry, error)
	MaxUploadSize() int64
}

// FileHandler serves the relay's HTTP operations.
type FileHandler struct {
	relay  Relay
	logger *slog.Logger
}

// NewFileHandler creates a FileHandler. A nil logger uses slog.Default().
func NewFileHandler(r Relay, logger *slog.Logger) *FileHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileHandler{relay: r, logger: logger}
}

func (h *FileHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, h.logger, h.relay.MaxUploadSize(), err)
}

// Welcome handles GET /.
func (h *FileHandler) Welcome(w http.ResponseWriter, r *http.Request) {
	respond.Text(w, http.StatusOK, WelcomeText)
}

// Upload handles POST /upload. The file is taken from the multipart field
// "file" and streamed straight into storage; options come from the
// filename, time, password and delete headers.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ttl, err := optionalInt(r, headerTTL)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	downloads, err := optionalInt(r, headerDelete)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if limit := h.relay.MaxUploadSize(); limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartSlack)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: expected a multipart/form-data body", relay.ErrInvalidUpload))
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: reading multipart body: %v", relay.ErrInvalidUpload, err))
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		res, err := h.relay.Upload(r.Context(), relay.UploadRequest{
			RequestedName: r.Header.Get(headerFilename),
			OriginalName:  part.FileName(),
			TTLHours:      ttl,
			MaxDownloads:  downloads,
			Password:      r.Header.Get(headerPassword),
			Body:          part,
		})
		part.Close()
		if err != nil {
			h.fail(w, r, err)
			return
		}
		w.Header().Set("X-File-Name", res.Name)
		respond.Text(w, http.StatusOK, fmt.Sprintf("File %s uploaded successfully", res.Name))
		return
	}

	h.fail(w, r, fmt.Errorf("%w: missing file field", relay.ErrInvalidUpload))
}

// Download handles GET /{name}. Each call counts against the file's download
// budget, so the verdict body is always closed to let the final download
// reclaim the blob.
func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	v, err := h.relay.Download(r.Context(), name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer func() {
		if err := v.Body.Close(); err != nil {
			h.logger.Warn("closing download", "name", name, "error", err)
		}
	}()

	hdr := w.Header()
	hdr.Set("Content-Type", mimetype.Detect(v.Head).String())
	hdr.Set("Content-Length", strconv.FormatInt(v.Size, 10))
	hdr.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": name}))
	hdr.Set("X-Content-Type-Options", "nosniff")
	if v.Record != nil && v.Record.Limited() {
		hdr.Set("X-Downloads-Remaining", strconv.Itoa(v.Record.RemainingDownloads))
	}
	if v.Last {
		hdr.Set("X-Downloads-Remaining", "0")
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, v.Body)
	metrics.BytesSentTotal.Add(float64(n))
	if err != nil {
		// Headers are gone; all that is left is to log.
		h.logger.Warn("download interrupted", "name", name, "sent", n, "error", err)
	}
}

// List handles GET /list. The directory comes from the "path" query
// parameter, falling back to a "path" header.
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get(headerPath)
	if dir == "" {
		dir = r.Header.Get(headerPath)
	}

	entries, err := h.relay.List(r.Context(), dir)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respond.Text(w, http.StatusOK, listing.Render(entries))
}

// NotFound is the router's fallback.
func (h *FileHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	respond.Error(w, r, relayerr.ErrNotFound)
}
