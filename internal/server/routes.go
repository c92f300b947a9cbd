// Package server wires HTTP handlers into a router for the chat relay.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/metrics"
)

// SetupRoutes configures the router with the health, WebSocket and metrics
// endpoints and wraps it with CORS for the configured origins.
func SetupRoutes(hub *Hub, cfg Config, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	origins := newOriginPolicy(cfg.AllowedOrigins, logger)
	handlers := newHandlers(hub, origins, logger)

	r := mux.NewRouter()
	r.HandleFunc("/", handlers.Health).Methods(http.MethodGet)
	r.HandleFunc("/healthz", handlers.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/ws", handlers.WebSocket).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler(gatherer)).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: origins.list(),
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	})
	return c.Handler(r)
}
