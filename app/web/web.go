// Package web implements the JSON API server for job submission and
// polling. The content UI itself is built elsewhere, this surface is for
// CLI and programmatic access only.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/contentsync/syncd/app/jobs"
	"github.com/contentsync/syncd/app/retry"
	"github.com/contentsync/syncd/app/service"
	"github.com/contentsync/syncd/app/sources"
)

// Server is the API server.
type Server struct {
	ListenAddr string
	Version    string
	AuthHash   string // bcrypt password hash for basic auth, empty disables auth

	Tracker  Tracker
	Errors   ErrorReporter
	Sources  SourcesProvider
	Requests chan<- service.Request
}

// Tracker defines job registry operations used by the API.
type Tracker interface {
	Create(jobType string) string
	Get(id string) (jobs.Job, bool)
	List() []jobs.Job
	ListByType(jobType string) []jobs.Job
	ListByStatus(status jobs.Status) []jobs.Job
	Delete(id string) bool
}

// ErrorReporter exposes the error manager diagnostics.
type ErrorReporter interface {
	GetReport() retry.Report
	MarkResolved(operation string)
	UnresolvedCount() int
}

// SourcesProvider loads the configured sync sources.
type SourcesProvider interface {
	List() ([]sources.Spec, error)
}

// Run starts the server and blocks until the context is done.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] http shutdown error, %v", err)
		}
	}()

	log.Printf("[INFO] api server started on %s", s.ListenAddr)
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("syncd", "contentsync", s.Version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(64*1024), // 64KB max request size
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.AuthHash != "" {
		log.Printf("[INFO] authentication enabled for api")
		router.Use(s.authMiddleware)
	}

	submitLimiter := tollbooth.NewLimiter(1, nil) // one job submission per second per client

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)

		api.HandleFunc("GET /status", s.handleStatus)
		api.HandleFunc("GET /jobs", s.handleListJobs)
		api.With(tollbooth.HTTPMiddleware(submitLimiter)).HandleFunc("POST /jobs", s.handleSubmitJob)
		api.HandleFunc("GET /jobs/{id}", s.handleGetJob)
		api.HandleFunc("DELETE /jobs/{id}", s.handleDeleteJob)

		api.HandleFunc("GET /errors", s.handleErrorsReport)
		api.HandleFunc("GET /errors/unresolved", s.handleErrorsUnresolved)
		api.HandleFunc("POST /errors/resolve", s.handleErrorsResolve)
	})

	return router
}
