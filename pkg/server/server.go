// Package server exposes the SPARQL 1.1 protocol over HTTP and runs the
// queries it admits against the MetaAPI backend.
package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/smartrics/iotics-sparql-http/pkg/logger"
	"github.com/smartrics/iotics-sparql-http/pkg/metaapi"
	"github.com/smartrics/iotics-sparql-http/pkg/server/health"
)

const (
	healthPath = "/health"
	readyPath  = "/ready"

	DefaultTokenDuration = time.Hour
)

// Server serves the SPARQL endpoints, the health checks and the static
// query console.
type Server struct {
	logger           logger.Logger
	backend          Backend
	issuer           TokenIssuer
	ready            health.TargetService
	anonymousEnabled bool
	tokenDuration    time.Duration
	idleTimeout      time.Duration
	webroot          fs.FS
}

type ServerOption func(s *Server)

func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithBackend sets where queries run. Required.
func WithBackend(b Backend) ServerOption {
	return func(s *Server) {
		s.backend = b
	}
}

// WithTokenIssuer sets how bearer credentials become backend tokens. Required.
func WithTokenIssuer(i TokenIssuer) ServerOption {
	return func(s *Server) {
		s.issuer = i
	}
}

// WithReadinessCheck reports backend readiness on /ready.
func WithReadinessCheck(t health.TargetService) ServerOption {
	return func(s *Server) {
		s.ready = t
	}
}

// WithAnonymousAccess lets requests without an Authorization header run as
// the issuer's default user.
func WithAnonymousAccess(enabled bool) ServerOption {
	return func(s *Server) {
		s.anonymousEnabled = enabled
	}
}

// WithTokenDuration sets the validity of tokens minted for requests.
func WithTokenDuration(d time.Duration) ServerOption {
	return func(s *Server) {
		s.tokenDuration = d
	}
}

// WithIdleTimeout aborts queries whose backend stream stalls for d. Zero
// disables the watchdog.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

// WithWebroot serves static files from fsys for paths outside the API.
func WithWebroot(fsys fs.FS) ServerOption {
	return func(s *Server) {
		s.webroot = fsys
	}
}

func NewServerWithOpts(opts ...ServerOption) (*Server, error) {
	s := &Server{
		logger:        logger.NewNoopLogger(),
		tokenDuration: DefaultTokenDuration,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.backend == nil {
		return nil, errors.New("a backend must be configured")
	}
	if s.issuer == nil {
		return nil, errors.New("a token issuer must be configured")
	}
	if s.tokenDuration <= 0 {
		return nil, fmt.Errorf("token duration must be positive, got %s", s.tokenDuration)
	}
	return s, nil
}

func (s *Server) gateway(scope metaapi.Scope, validator *RequestValidator) runtime.HandlerFunc {
	g := &QueryGateway{
		scope:       scope,
		backend:     s.backend,
		validator:   validator,
		idleTimeout: s.idleTimeout,
		logger:      s.logger,
	}
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		g.ServeHTTP(w, r)
	}
}

// Handler returns the routes of the server, without middleware.
func (s *Server) Handler() (http.Handler, error) {
	validator := NewRequestValidator(s.issuer, s.anonymousEnabled, s.tokenDuration, s.logger)

	api := runtime.NewServeMux(
		runtime.WithDisablePathLengthFallback(),
		runtime.WithRoutingErrorHandler(func(_ context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, _ *http.Request, status int) {
			writeError(w, status, http.StatusText(status))
		}),
	)

	liveness := &health.Checker{}
	readiness := &health.Checker{TargetService: s.ready}

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodGet, healthPath, func(w http.ResponseWriter, r *http.Request, _ map[string]string) { liveness.ServeHTTP(w, r) }},
		{http.MethodGet, readyPath, func(w http.ResponseWriter, r *http.Request, _ map[string]string) { readiness.ServeHTTP(w, r) }},
		{http.MethodGet, sparqlPath, s.gateway(metaapi.ScopeGlobal, validator)},
		{http.MethodPost, sparqlPath, s.gateway(metaapi.ScopeGlobal, validator)},
		{http.MethodGet, sparqlLocalPath, s.gateway(metaapi.ScopeLocal, validator)},
		{http.MethodPost, sparqlLocalPath, s.gateway(metaapi.ScopeLocal, validator)},
	}
	for _, route := range routes {
		if err := api.HandlePath(route.method, route.pattern, route.handler); err != nil {
			return nil, fmt.Errorf("failed to register %s %s: %w", route.method, route.pattern, err)
		}
	}

	mux := http.NewServeMux()
	for _, p := range []string{healthPath, readyPath, sparqlPath, sparqlLocalPath} {
		mux.Handle(p, api)
	}
	if s.webroot != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webroot)))
	} else {
		mux.Handle("/", api)
	}
	return mux, nil
}
