package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/markdave123-py/Extracta/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/Extracta/internal/api/middlewares"
	"github.com/markdave123-py/Extracta/internal/config"
	"github.com/markdave123-py/Extracta/internal/services"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
}

// NewRouter builds and wires all routes.
func NewRouter(cfg *config.Config, docs *services.DocumentService, triggers *services.TriggerService, log zerolog.Logger) http.Handler {
	docHandler := handlers.NewDocumentHandler(docs, log)
	triggerHandler := handlers.NewTriggerHandler(triggers)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// API routes
	r.Route("/api", func(api chi.Router) {
		if cfg.JWTSecret != "" {
			api.Use(appMiddleware.JWTMiddleware([]byte(cfg.JWTSecret)))
		}

		api.Post("/documents", docHandler.UploadDocument)
		api.Get("/documents/{id}", docHandler.GetDocument)
		api.Post("/documents/{id}/extract", docHandler.ExtractDocument)

		api.Post("/triggers/storage", triggerHandler.StorageEvent)
		api.Post("/triggers/changes", triggerHandler.ChangeEvent)
	})

	return r
}

func NewServer(cfg *config.Config, handler http.Handler, log zerolog.Logger) *Server {
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{httpServer: httpSrv, log: log}
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
