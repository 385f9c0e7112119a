// Package web serves the chat API over HTTP with streamed replies.
package web

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ai-chatpal/internal/conversation"
	"ai-chatpal/internal/identity"
	"ai-chatpal/internal/quota"
	"ai-chatpal/internal/stream"
)

// Deps are the collaborators of the web adapter.
type Deps struct {
	Quota         *quota.Manager
	Conversations *conversation.Manager
	Coordinator   *stream.Coordinator
	Identity      *identity.Resolver
	Limiter       *RateLimiter
	Metrics       http.Handler
	Durable       bool
}

type Server struct {
	deps Deps
}

func NewServer(deps Deps) *Server {
	return &Server{deps: deps}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverPanics)
	r.Use(securityHeaders)

	r.Get("/healthz", s.health)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.deps.Identity.Middleware)
		r.Use(logRequests)

		r.Get("/history", s.history)
		r.Get("/status", s.status)
		r.Get("/export", s.export)
		r.Post("/newchat", s.newChat)
		r.Post("/key", s.redeemKey)
		r.Delete("/key", s.revokeKey)

		r.Group(func(r chi.Router) {
			if s.deps.Limiter != nil {
				r.Use(s.deps.Limiter.Middleware)
			}
			r.Post("/chat_stream", s.chatStream)
		})
	})
	return r
}

// ListenAndServe runs the server until ctx is cancelled, then drains it.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("🌐 web server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log.Printf("🛑 shutting down web server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
