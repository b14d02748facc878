// Package server implements the filerelay HTTP server and route table.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/filerelay/filerelay/internal/auth"
	"github.com/filerelay/filerelay/internal/config"
	"github.com/filerelay/filerelay/internal/handlers"
	"github.com/filerelay/filerelay/internal/logging"
	"github.com/filerelay/filerelay/internal/relay"
)

// ReservedNames are top-level paths answered by fixed routes. A file stored
// under one of them could never be downloaded, so uploads must avoid them.
var ReservedNames = []string{
	"upload", "list",
	"health", "healthz", "readyz", "metrics",
	"docs", "openapi", "openapi.json", "openapi.yaml", "openapi-3.0.json", "openapi-3.0.yaml", "schemas",
}

// Service is what the server needs from the relay.
type Service interface {
	handlers.Relay
	Checks(ctx context.Context) map[string]error
}

// Server is the filerelay HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	svc        Service
	files      *handlers.FileHandler
	verifier   *auth.Verifier
	httpServer *http.Server
}

// HealthCheck is the result of one dependency probe.
type HealthCheck struct {
	Status string `json:"status" example:"ok" doc:"ok or error"`
	Error  string `json:"error,omitempty" doc:"Failure detail"`
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string                 `json:"status" example:"ok" doc:"Health status"`
	Checks map[string]HealthCheck `json:"checks,omitempty" doc:"Per-dependency probes"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Status int
	Body   HealthBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithVerifier overrides the credential verifier built from cfg.Auth.
func WithVerifier(v *auth.Verifier) ServerOption {
	return func(s *Server) {
		s.verifier = v
	}
}

// New creates a Server for svc and registers every route on a chi router
// with a Huma API for the documented system endpoints.
func New(cfg *config.Config, svc Service, opts ...ServerOption) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("filerelay", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		svc:    svc,
		files:  handlers.NewFileHandler(svc, logging.Component("http")),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.verifier == nil {
		s.verifier = auth.NewVerifier(cfg.Auth.Username, cfg.Auth.Password)
	}

	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	if s.cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s.httpServer.Serve(l)
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the chi router. Chi matches the
// static paths before the /{name} download route.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the relay and, when enabled, of its metadata store and blob storage.",
		Tags:        []string{"System"},
	}, s.health)

	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	if s.cfg.Observability.HealthCheck {
		s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		s.router.Get("/readyz", s.ready)
	}

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.Get("/", s.files.Welcome)

	s.router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.verifier))
		r.Post("/upload", s.files.Upload)
		r.Get("/list", s.files.List)
	})

	if s.cfg.Auth.ProtectDownloads {
		s.router.With(auth.Middleware(s.verifier)).Get("/{name}", s.files.Download)
	} else {
		s.router.Get("/{name}", s.files.Download)
	}

	s.router.NotFound(s.files.NotFound)
}

func (s *Server) health(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{Status: http.StatusOK, Body: HealthBody{Status: "ok"}}
	if !s.cfg.Observability.HealthCheck {
		return out, nil
	}

	out.Body.Checks = make(map[string]HealthCheck)
	for name, err := range s.svc.Checks(ctx) {
		if err != nil {
			out.Body.Checks[name] = HealthCheck{Status: "error", Error: err.Error()}
			out.Body.Status = "degraded"
			out.Status = http.StatusServiceUnavailable
			continue
		}
		out.Body.Checks[name] = HealthCheck{Status: "ok"}
	}
	return out, nil
}

// ready answers 200 with an empty body when every dependency responds, 503
// otherwise.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	for name, err := range s.svc.Checks(r.Context()) {
		if err != nil {
			logging.Component("http").Warn("readiness probe failed", "check", name, "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

var _ Service = (*relay.Service)(nil)
