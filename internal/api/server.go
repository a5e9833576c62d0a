// Package api exposes the control surface over HTTP: scraper and job CRUD,
// manual runs, execution history and live progress streams.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"harvestd/internal/progress"
	"harvestd/internal/runner"
	"harvestd/internal/sched"
	"harvestd/internal/store"
	"harvestd/pkg/logx"
)

// Config controls the HTTP server.
type Config struct {
	Addr string
	// Debug mounts the pprof handlers under /debug/pprof.
	Debug bool
}

// Server wires the REST handlers to the core services.
type Server struct {
	r         *chi.Mux
	store     *store.Store
	runner    *runner.Runner
	scheduler *sched.Scheduler
	tracker   *progress.Tracker
	log       logx.Logger

	srv *http.Server
}

func NewServer(cfg Config, st *store.Store, run *runner.Runner, sc *sched.Scheduler, tr *progress.Tracker, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	s := &Server{
		r:         r,
		store:     st,
		runner:    run,
		scheduler: sc,
		tracker:   tr,
		log:       log,
	}

	r.Get("/health", s.health)

	r.Post("/api/scrapers", s.createScraper)
	r.Get("/api/scrapers", s.listScrapers)
	r.Get("/api/scrapers/{id}", s.getScraper)
	r.Put("/api/scrapers/{id}", s.updateScraper)
	r.Delete("/api/scrapers/{id}", s.deleteScraper)
	r.Post("/api/scrapers/{id}/run", s.runScraper)

	r.Post("/api/jobs", s.createJob)
	r.Get("/api/jobs", s.listJobs)
	r.Get("/api/jobs/{id}", s.getJob)
	r.Put("/api/jobs/{id}", s.updateJob)
	r.Delete("/api/jobs/{id}", s.deleteJob)
	r.Post("/api/jobs/{id}/activate", s.activateJob)
	r.Post("/api/jobs/{id}/deactivate", s.deactivateJob)

	r.Get("/api/executions", s.listExecutions)
	r.Get("/api/executions/{id}", s.getExecution)
	r.Get("/api/executions/{id}/stream", s.streamExecution)

	if cfg.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.r }

// Start begins serving in the background. Listen failures after startup are
// logged, not returned.
func (s *Server) Start() {
	go func() {
		s.log.Info("http server listening", logx.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logx.Err(err))
		}
	}()
}

// Stop drains connections, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// idParam parses the {id} URL parameter.
func idParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
