// Package server exposes imports, jobs, channels and EPG mappings over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/voyagen/pvrguide/internal/jobs"
	"github.com/voyagen/pvrguide/internal/service"
	"github.com/voyagen/pvrguide/internal/store"
)

// Options hold the dependencies of a Server.
type Options struct {
	Store    store.Store
	Tracker  *jobs.Tracker
	Importer *service.Importer
	Mapper   *service.Mapper
	Port     string
}

// Server holds dependencies for the HTTP API.
type Server struct {
	store    store.Store
	tracker  *jobs.Tracker
	importer *service.Importer
	mapper   *service.Mapper
	port     string
	router   *mux.Router
}

// New creates a Server and registers routes.
func New(opts Options) *Server {
	srv := &Server{
		store:    opts.Store,
		tracker:  opts.Tracker,
		importer: opts.Importer,
		mapper:   opts.Mapper,
		port:     opts.Port,
		router:   mux.NewRouter(),
	}
	if srv.port == "" {
		srv.port = "8080"
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Sources
	r.HandleFunc("/api/sources", s.handleListSources).Methods(http.MethodGet)
	r.HandleFunc("/api/sources", s.handleAddSource).Methods(http.MethodPost)
	r.HandleFunc("/api/sources/{id:[0-9]+}", s.handleGetSource).Methods(http.MethodGet)
	r.HandleFunc("/api/sources/{id:[0-9]+}/import", s.handleImportSource).Methods(http.MethodPost)

	// Jobs
	r.HandleFunc("/api/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/active", s.handleListActiveJobs).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{id}/cancel", s.handleCancelJob).Methods(http.MethodPost)

	// Channels and groups
	r.HandleFunc("/api/channels", s.handleListChannels).Methods(http.MethodGet)
	r.HandleFunc("/api/channels/{id:[0-9]+}", s.handleGetChannel).Methods(http.MethodGet)
	r.HandleFunc("/api/channels/{id:[0-9]+}/epg/unlock", s.handleUnlockChannel).Methods(http.MethodPost)
	r.HandleFunc("/api/channels/{id:[0-9]+}/epg/{sourceID:[0-9]+}", s.handleManualMap).Methods(http.MethodPut)
	r.HandleFunc("/api/channels/{id:[0-9]+}/epg/{sourceID:[0-9]+}", s.handleRemoveMapping).Methods(http.MethodDelete)
	r.HandleFunc("/api/groups", s.handleListGroups).Methods(http.MethodGet)

	// EPG
	epg := r.PathPrefix("/api/epg").Subrouter()
	epg.HandleFunc("/sources", s.handleListEPGSources).Methods(http.MethodGet)
	epg.HandleFunc("/sources", s.handleAddEPGSource).Methods(http.MethodPost)
	epg.HandleFunc("/sources/{id:[0-9]+}/import", s.handleImportEPG).Methods(http.MethodPost)
	epg.HandleFunc("/sources/{id:[0-9]+}/automap", s.handleAutoMap).Methods(http.MethodPost)
	epg.HandleFunc("/suggestions", s.handleSuggestions).Methods(http.MethodGet)
	epg.HandleFunc("/suggestions/apply", s.handleApplySuggestions).Methods(http.MethodPost)
	epg.HandleFunc("/validate", s.handleValidate).Methods(http.MethodGet)
	epg.HandleFunc("/status", s.handleEPGStatus).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on the configured port.
// It blocks until the server is shut down or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := ":" + s.port
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      withCORS(withLogging(s)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("server shutdown: %v", err)
		}
	}()

	log.Infof("listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ListenAndServe: %w", err)
	}
	return nil
}
