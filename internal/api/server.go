package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/abtest-engine/internal/service/experiment"
)

// Server exposes the experimentation engine over HTTP/JSON.
type Server struct {
	svc     *experiment.Service
	router  *chi.Mux
	server  *http.Server
	origins []string
}

// NewServer wires the router, middleware, and all experiment routes.
// allowedOrigins feeds CORS for the admin console; empty means same-origin only.
func NewServer(svc *experiment.Service, allowedOrigins []string) *Server {
	s := &Server{svc: svc, origins: allowedOrigins}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api/experiments", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)

		r.Route("/{experimentID}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleDelete)
			r.Get("/results", s.handleResults)
			r.Get("/summary", s.handleSummary)
			r.Post("/start", s.handleStart)
			r.Post("/select-winner", s.handleSelectWinner)
			r.Post("/events", s.handleRecordEvent)

			r.Post("/variants", s.handleAddVariant)
			r.Put("/variants/{variantID}", s.handleUpdateVariant)
			r.Put("/variants/{variantID}/split", s.handleSetSplit)
			r.Delete("/variants/{variantID}", s.handleRemoveVariant)
		})
	})

	s.router = r
	return s
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
