// Package http serves the read API over ingested derivative snapshots.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sawpanic/derivflow/internal/config"
	"github.com/sawpanic/derivflow/internal/ingest"
	"github.com/sawpanic/derivflow/internal/metrics"
	"github.com/sawpanic/derivflow/internal/persistence"
	"github.com/sawpanic/derivflow/internal/snapshot"
)

// ServerConfig holds listener settings.
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// ServerConfigFrom maps the http config section.
func ServerConfigFrom(c config.HTTPConfig) ServerConfig {
	return ServerConfig{
		Host:           c.Host,
		Port:           c.Port,
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// RunReporter exposes the last ingestion run.
type RunReporter interface {
	LastReport() (ingest.RunReport, bool)
}

// Deps are the collaborators the handlers read from.
type Deps struct {
	Snapshots *snapshot.Service
	Store     persistence.RepositoryHealth
	Runs      RunReporter
	Metrics   *metrics.Registry
	// StaleAfter marks data older than this as stale.
	StaleAfter time.Duration
	Logger     zerolog.Logger
}

// Server is the read-only HTTP server.
type Server struct {
	router  *mux.Router
	server  *http.Server
	config  ServerConfig
	deps    Deps
	started time.Time
	logger  zerolog.Logger
	now     func() time.Time
}

// NewServer wires routes. It does not start listening.
func NewServer(cfg ServerConfig, deps Deps) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if deps.StaleAfter <= 0 {
		deps.StaleAfter = 15 * time.Minute
	}
	s := &Server{
		router:  mux.NewRouter(),
		config:  cfg,
		deps:    deps,
		started: time.Now(),
		logger:  deps.Logger,
		now:     time.Now,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentTypeMiddleware)
	api.HandleFunc("/health", s.health).Methods(http.MethodGet)
	api.HandleFunc("/derivatives", s.derivatives).Methods(http.MethodGet)
	api.HandleFunc("/derivatives/tiers", s.tiers).Methods(http.MethodGet)
	api.HandleFunc("/derivatives/{sector}", s.sector).Methods(http.MethodGet)
	api.HandleFunc("/stats/sigma-bucket", s.sigmaBucket).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(s.notFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", fmt.Sprintf("%s is not supported here", r.Method))
	})
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns host:port.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Start listens until Shutdown. http.ErrServerClosed is not an error.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.Addr()).Msg("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID returns the id assigned to the request, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		ev := s.logger.Info()
		if wrapper.statusCode >= 500 {
			ev = s.logger.Error()
		}
		ev.Str("request_id", RequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("Request handled")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// responseWrapper captures the status code for logging.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func sectorContractType(sector string) (string, bool) {
	switch strings.ToLower(sector) {
	case "cex-perps":
		return "perpetual", true
	case "cex-futures":
		return "futures", true
	}
	return "", false
}
