package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/terra-clan/assessment-engine/internal/config"
	"github.com/terra-clan/assessment-engine/internal/events"
	"github.com/terra-clan/assessment-engine/internal/models"
	"github.com/terra-clan/assessment-engine/internal/session"
	"github.com/terra-clan/assessment-engine/internal/storage"
)

// ContentInvalidator drops cached content after an authoring write
type ContentInvalidator interface {
	InvalidateExercise(ctx context.Context, id string) error
	InvalidateChallenge(ctx context.Context, id string) error
}

// Server represents the HTTP API server
type Server struct {
	config         config.ServerConfig
	router         *chi.Mux
	repo           storage.Repository
	sessions       *session.Manager
	events         events.Bus
	invalidator    ContentInvalidator
	authMiddleware *AuthMiddleware
}

// NewServer creates a new API server. invalidator may be nil when content
// is not cached.
func NewServer(
	cfg config.ServerConfig,
	repo storage.Repository,
	manager *session.Manager,
	bus events.Bus,
	invalidator ContentInvalidator,
) *Server {
	if invalidator == nil {
		invalidator = nopInvalidator{}
	}
	s := &Server{
		config:         cfg,
		repo:           repo,
		sessions:       manager,
		events:         bus,
		invalidator:    invalidator,
		authMiddleware: NewAuthMiddleware(repo),
	}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRouter configures all routes and middleware
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (outside versioned API - public)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	perm := s.authMiddleware.RequirePermission

	// Authoring and administration (API key)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware.Authenticate)
		r.Use(middleware.Timeout(60 * time.Second))

		r.With(perm(models.PermExercisesRead)).Get("/environments", s.handleListEnvironments)

		r.Route("/exercises", func(r chi.Router) {
			r.With(perm(models.PermExercisesRead)).Get("/", s.handleListExercises)
			r.With(perm(models.PermExercisesWrite)).Post("/", s.handleCreateExercise)

			r.Route("/{id}", func(r chi.Router) {
				r.With(perm(models.PermExercisesRead)).Get("/", s.handleGetExercise)
				r.With(perm(models.PermExercisesWrite)).Put("/", s.handleUpdateExercise)
				r.With(perm(models.PermExercisesWrite)).Delete("/", s.handleDeleteExercise)
			})
		})

		r.Route("/challenges", func(r chi.Router) {
			r.With(perm(models.PermExercisesWrite)).Post("/validate", s.handleValidateChallenge)
			r.With(perm(models.PermExercisesWrite)).Post("/", s.handleCreateChallenge)

			r.Route("/{id}", func(r chi.Router) {
				r.With(perm(models.PermExercisesRead)).Get("/", s.handleGetChallenge)
				r.With(perm(models.PermExercisesWrite)).Put("/", s.handleUpdateChallenge)
				r.With(perm(models.PermExercisesWrite)).Delete("/", s.handleDeleteChallenge)
				r.With(perm(models.PermExercisesWrite)).Put("/environment", s.handleSetEnvironment)
				r.With(perm(models.PermExercisesWrite)).Post("/steps", s.handleCreateStep)
			})
		})

		r.Route("/steps/{id}", func(r chi.Router) {
			r.With(perm(models.PermExercisesRead)).Get("/", s.handleGetStep)
			r.With(perm(models.PermExercisesWrite)).Put("/", s.handleUpdateStep)
			r.With(perm(models.PermExercisesWrite)).Delete("/", s.handleDeleteStep)
			r.With(perm(models.PermExercisesWrite)).Post("/testcases", s.handleCreateTestCase)
		})

		r.With(perm(models.PermExercisesWrite)).Delete("/testcases/{id}", s.handleDeleteTestCase)

		r.Route("/sessions", func(r chi.Router) {
			r.With(perm(models.PermSessionsRead)).Get("/", s.handleListSessions)
			r.With(perm(models.PermSessionsWrite)).Post("/", s.handleCreateSession)

			r.Route("/{id}", func(r chi.Router) {
				r.With(perm(models.PermSessionsRead)).Get("/", s.handleGetSession)
				r.With(perm(models.PermSessionsWrite)).Delete("/", s.handleDeleteSession)
				r.With(perm(models.PermSessionsWrite)).Post("/finalize", s.handleFinalizeSession)
			})
		})

		r.With(perm(models.PermProgressWrite)).Put("/progress", s.handleRecordProgress)
	})

	// Candidate routes (session token = auth)
	r.Route("/candidate/{token}", func(r chi.Router) {
		r.Get("/", s.handleCandidateExercises)
		r.Post("/start", s.handleStartSession)
		r.Post("/complete", s.handleCompleteSession)
		r.Get("/progress", s.handleCandidateProgress)
		r.Get("/challenges/{challengeId}/steps/{stepId}/progress", s.handleLoadProgress)
		r.Get("/ws", s.handleCandidateEvents)
	})

	s.router = r
}

// loggingMiddleware logs HTTP requests using slog
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.Info("http request",
				"method", r.Method,
				"path", redactToken(r),
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// redactToken keeps candidate tokens out of the request log.
func redactToken(r *http.Request) string {
	rest, ok := strings.CutPrefix(r.URL.Path, "/candidate/")
	if !ok || rest == "" {
		return r.URL.Path
	}
	token, tail, found := strings.Cut(rest, "/")
	if found {
		tail = "/" + tail
	}
	return "/candidate/" + maskKey(token) + tail
}

type nopInvalidator struct{}

func (nopInvalidator) InvalidateExercise(context.Context, string) error  { return nil }
func (nopInvalidator) InvalidateChallenge(context.Context, string) error { return nil }
