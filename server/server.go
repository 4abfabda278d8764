// Package server mounts the introspection API and the catch-all proxy
// route on one HTTP router.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agent-interceptor/config"
	"agent-interceptor/storage"
)

// Server holds the router and the dependencies the introspection
// handlers need. The proxy handler is mounted last as a catch-all, so
// every path that is not /_interceptor/* is forwarded upstream.
type Server struct {
	cfg     *config.Config
	store   *storage.Store
	proxy   http.Handler
	version string
	router  chi.Router
}

// New wires up routes and returns the server ready to use as an
// http.Handler.
func New(cfg *config.Config, store *storage.Store, proxyHandler http.Handler, version string) *Server {
	s := &Server{cfg: cfg, store: store, proxy: proxyHandler, version: version}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Introspection endpoints live under a reserved prefix so they can
	// never shadow a proxied provider path.
	r.Route("/_interceptor", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/sessions", s.handleSessions)
		r.Get("/interactions", s.handleListInteractions)
		r.Delete("/interactions", s.handleClearInteractions)
		r.Get("/interactions/{id}", s.handleGetInteraction)
		r.Get("/conversations", s.handleListConversations)
		r.Get("/conversations/{id}", s.handleGetConversation)
		r.Handle("/metrics", promhttp.Handler())
	})

	// Catch-all proxy route, must be last
	r.Handle("/*", s.proxy)

	s.router = r
}

// ServeHTTP makes Server satisfy http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
