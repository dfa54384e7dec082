// Package api exposes the permission views over HTTP. Request
// authentication and TLS terminate upstream; the handlers here only
// project stored permissions and drive single-user sync operations.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/repository"
	"github.com/platinummonkey/warden/pkg/resolver"
)

// Config tunes the API surface.
type Config struct {
	// ExposeAuthorizeList opts in to GET /authorize, which enumerates
	// every stored view.
	ExposeAuthorizeList bool
}

// Server routes permission reads and role sync operations.
type Server struct {
	router   *mux.Router
	repo     repository.PermissionsRepository
	resolver *resolver.Resolver
	config   Config
	health   *observability.HealthChecker
}

// NewServer wires the routes. health may be nil in tests.
func NewServer(repo repository.PermissionsRepository, permissionsResolver *resolver.Resolver, health *observability.HealthChecker, config Config) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		repo:     repo,
		resolver: permissionsResolver,
		config:   config,
		health:   health,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(requestIDMiddleware, loggingMiddleware)

	authorize := s.router.PathPrefix("/authorize").Subrouter()
	if s.config.ExposeAuthorizeList {
		authorize.Handle("", observability.HTTPMetrics("/authorize",
			http.HandlerFunc(s.handleGetAllViews))).Methods(http.MethodGet)
	}
	authorize.Handle("/{id}", observability.HTTPMetrics("/authorize/{id}",
		http.HandlerFunc(s.handleGetView))).Methods(http.MethodGet)
	for _, route := range []struct {
		path    string
		handler http.HandlerFunc
	}{
		{"/{id}/accounts", s.handleGetAccounts},
		{"/{id}/accounts/{name}", s.handleGetAccount},
		{"/{id}/applications", s.handleGetApplications},
		{"/{id}/applications/{name}", s.handleGetApplication},
		{"/{id}/serviceAccounts", s.handleGetServiceAccounts},
		{"/{id}/serviceAccounts/{name}", s.handleGetServiceAccount},
	} {
		authorize.Handle(route.path, observability.HTTPMetrics("/authorize"+route.path, route.handler)).
			Methods(http.MethodGet)
	}

	rolesRouter := s.router.PathPrefix("/roles").Subrouter()
	rolesRouter.Handle("/{id}", observability.HTTPMetrics("/roles/{id}",
		http.HandlerFunc(s.handleSyncUser))).Methods(http.MethodPost)
	rolesRouter.Handle("/{id}", observability.HTTPMetrics("/roles/{id}",
		http.HandlerFunc(s.handlePutExternalRoles))).Methods(http.MethodPut)
	rolesRouter.Handle("/{id}", observability.HTTPMetrics("/roles/{id}",
		http.HandlerFunc(s.handleDeleteUser))).Methods(http.MethodDelete)

	if s.health != nil {
		s.router.HandleFunc("/healthz", s.health.Liveness).Methods(http.MethodGet)
		s.router.HandleFunc("/readyz", s.health.Readiness).Methods(http.MethodGet)
	}
	s.router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
}

// Handler returns the server's root handler, traced end to end.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "warden")
}

// ListenAndServe starts the server with conservative timeouts.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}
