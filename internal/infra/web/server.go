// Package web exposes the job orchestration HTTP API: enqueue endpoints, a
// build status endpoint, the cancel orchestrator, health and metrics.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"appforge/internal/usecase"
)

type Server struct {
	jobs      *usecase.JobsUseCase
	cancels   *usecase.CancelUseCase
	schedules *usecase.ScheduleUseCase
	authToken string
	log       *zerolog.Logger

	httpSrv *http.Server
}

func NewServer(
	addr string,
	jobs *usecase.JobsUseCase,
	cancels *usecase.CancelUseCase,
	schedules *usecase.ScheduleUseCase,
	authToken string,
	logger *zerolog.Logger,
) *Server {
	l := logger.With().Str("component", "web").Logger()
	s := &Server{
		jobs:      jobs,
		cancels:   cancels,
		schedules: schedules,
		authToken: authToken,
		log:       &l,
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/jobs", func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Post("/build", s.handleEnqueueBuild)
		r.Get("/build/{id}", s.handleGetBuild)
		r.Post("/submit", s.handleEnqueueSubmit)
		r.Post("/environment", s.handleEnqueueEnvironment)
		r.Post("/deploy", s.handleEnqueueDeploy)
		r.Post("/maintenance/{id}/trigger", s.handleTriggerMaintenance)
		r.Post("/cancel", s.handleCancel)
	})

	return r
}

// Start begins serving and blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpSrv.Addr).Msg("web server listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http_request")
	})
}

func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.authToken {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
