// Package server provides the HTTP surface and lifecycle management for the
// Engram API.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/scrypster/engram/internal/config"
	"github.com/scrypster/engram/internal/engine"
)

// Start wires the API routes, starts the HTTP server, and registers the
// event hub as the engine's event publisher. Returns the actual listen
// address (useful for tests binding port 0) and the hub. Cancelling ctx
// shuts the server down gracefully.
func Start(ctx context.Context, cfg *config.Config, eng *engine.Engine) (string, *EventHub, error) {
	hub := NewEventHub()
	go hub.Run()
	eng.SetEventPublisher(hub)

	mux := NewRouter(eng, hub)

	rateLimiter := NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	handler := securityHeaders(rateLimiter.Middleware(mux))

	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		hub.Stop()
		return "", nil, err
	}
	actualAddr := listener.Addr().String()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown error: %v", err)
		}
		hub.Stop()
	}()

	return actualAddr, hub, nil
}

// NewRouter builds the API route table. Split out from Start so handler
// tests can exercise routing without a listener.
func NewRouter(eng *engine.Engine, hub *EventHub) *http.ServeMux {
	h := NewHandlers(eng)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/episodes", h.CreateEpisode)
	mux.HandleFunc("GET /api/episodes/{id}", h.GetEpisode)
	mux.HandleFunc("POST /api/episodes/{id}/mark", h.MarkEpisode)
	mux.HandleFunc("POST /api/retrieve", h.Retrieve)
	mux.HandleFunc("GET /api/context", h.GetContext)
	mux.HandleFunc("POST /api/consolidate", h.Consolidate)
	mux.HandleFunc("GET /api/consolidation/status", h.ConsolidationStatus)
	mux.HandleFunc("GET /api/timeline", h.Timeline)
	mux.HandleFunc("GET /api/lessons", h.Lessons)
	mux.HandleFunc("GET /api/stats", h.Stats)
	mux.HandleFunc("GET /api/health", h.Health)

	if hub != nil {
		mux.Handle("GET /ws/events", hub)
	}

	return mux
}
