// Package server wires the WebSocket endpoint and the management REST
// surface into one HTTP server.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/pikobot/piko/internal/config"
	"github.com/pikobot/piko/internal/identity"
	"github.com/pikobot/piko/internal/ledger"
	"github.com/pikobot/piko/internal/storage"
)

// Server hosts the interaction endpoint and the management API.
type Server struct {
	cfg      config.Config
	store    storage.Store
	ledger   *ledger.Ledger
	resolver *identity.Resolver
	// breakerState reports the model circuit breaker for health output.
	breakerState func() string

	http *http.Server
}

// New assembles the server. wsHandler serves /ws/interact.
func New(cfg config.Config, store storage.Store, led *ledger.Ledger,
	resolver *identity.Resolver, breakerState func() string, wsHandler http.Handler) *Server {

	s := &Server{
		cfg:          cfg,
		store:        store,
		ledger:       led,
		resolver:     resolver,
		breakerState: breakerState,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/interact", wsHandler)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/health", s.handleHealth)
	api.HandleFunc("GET /api/entities", s.handleListEntities)
	api.HandleFunc("GET /api/entities/{id}", s.handleGetEntity)
	api.HandleFunc("PATCH /api/entities/{id}", s.handleUpdateEntity)
	api.HandleFunc("DELETE /api/entities/{id}", s.handleDeleteEntity)
	api.HandleFunc("POST /api/entities/{id}/embeddings", s.handleAddEmbedding)
	api.HandleFunc("DELETE /api/entities/{id}/memories", s.handleDeleteEntityMemories)
	api.HandleFunc("POST /api/memories", s.handleCreateMemory)
	api.HandleFunc("GET /api/export", s.handleExport)

	limiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	mux.Handle("/api/", RateLimitMiddleware(RequireAuth(api, cfg.APIKey), limiter))

	s.http = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket sessions are long-lived
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	log.Printf("piko-server listening on %s (storage: %s)", s.cfg.Addr(), s.cfg.StorageEngine)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
