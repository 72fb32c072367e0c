// Package httpapi exposes the engine over HTTP: a chat endpoint with
// session affinity, session history and deletion, the tool catalog, the
// server connection states and an HTML status page.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xchat/engine"
	"github.com/effective-security/xlog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xchat", "httpapi")

// Server routes HTTP requests to an engine.
type Server struct {
	eng       *engine.Engine
	router    *chi.Mux
	startedAt time.Time
}

// New constructs a Server with middleware and routes configured.
func New(eng *engine.Engine) *Server {
	s := &Server{
		eng:       eng,
		router:    chi.NewRouter(),
		startedAt: time.Now(),
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/", s.handleStatus)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/tools", s.handleTools)

	s.router.Route("/chat", func(r chi.Router) {
		r.Post("/", s.handleChat)
		r.Get("/{sessionID}/history", s.handleHistory)
		r.Delete("/{sessionID}", s.handleDelete)
	})

	return s
}

// Router exposes the root HTTP handler for the server.
func (s *Server) Router() http.Handler { return s.router }

// Serve runs the front end on addr until ctx is canceled or the listener
// fails. Cancellation drains in-flight requests before returning.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.KV(xlog.INFO, "status", "listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "httpapi: listener failed")
	}
}
