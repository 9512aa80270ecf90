package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/zgpcy/llm-cost-exporter/internal/collector"
	"github.com/zgpcy/llm-cost-exporter/internal/config"
	"github.com/zgpcy/llm-cost-exporter/internal/logger"
	"github.com/zgpcy/llm-cost-exporter/internal/version"
)

//go:embed templates/index.html
var indexTemplate string

var indexPage = template.Must(template.New("index").Parse(indexTemplate))

// HTTP server timeout constants
const (
	DefaultReadHeaderTimeout = 5 * time.Second  // Maximum duration for reading request headers
	DefaultReadTimeout       = 15 * time.Second // Maximum duration for reading the entire request
	DefaultWriteTimeout      = 15 * time.Second // Maximum duration before timing out writes of the response
	DefaultIdleTimeout       = 60 * time.Second // Maximum amount of time to wait for the next request
)

// timeLayout is the display format of poll times on the index page
const timeLayout = "2006-01-02 15:04:05 MST"

// indexPageData holds template data for the index page
type indexPageData struct {
	StatusClass string
	StatusText  string
	Version     string
	SampleCount int
	Targets     []targetRow
}

// targetRow is one provider account on the index page
type targetRow struct {
	Key          string
	PollInterval time.Duration
	StatusClass  string
	StatusText   string
	LastPoll     string
	LastError    string
}

type healthResponse struct {
	Status              string `json:"status"`
	RegistryInitialized bool   `json:"registry_initialized"`
}

// Server represents the HTTP server
type Server struct {
	server   *http.Server
	registry *collector.Registry
	cfg      *config.Config
	logger   *logger.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, registry *collector.Registry, log *logger.Logger) *Server {
	s := &Server{
		registry: registry,
		cfg:      cfg,
		logger:   log,
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.logRequests)

	// Register handlers
	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", registry.Handler())

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
	}
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// logRequests logs every request at debug level; scrapes are too frequent for info
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// handleIndex serves a status page listing every enabled provider account
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := indexPageData{
		StatusClass: "not-ready",
		StatusText:  "Not Ready",
		Version:     version.Get().Version,
		SampleCount: s.registry.SampleCount(),
	}
	if s.registry.IsInitialized() {
		data.StatusClass = "ready"
		data.StatusText = "Ready"
	}

	polled := make(map[string]collector.TargetStatus)
	for _, st := range s.registry.Status() {
		polled[string(st.Provider)+"/"+st.Account] = st
	}

	for _, p := range s.cfg.EnabledProviders() {
		row := targetRow{
			Key:          p.Key(),
			PollInterval: p.PollInterval,
			StatusClass:  "pending",
			StatusText:   "Pending",
			LastPoll:     "Never",
		}
		if st, ok := polled[p.Key()]; ok {
			row.StatusClass, row.StatusText = "down", "Down"
			if st.Up {
				row.StatusClass, row.StatusText = "up", "Up"
			}
			if !st.LastPoll.IsZero() {
				row.LastPoll = st.LastPoll.Format(timeLayout)
			}
			row.LastError = st.LastError
		}
		data.Targets = append(data.Targets, row)
	}

	w.Header().Set("Content-Type", "text/html")
	if err := indexPage.Execute(w, data); err != nil {
		s.logger.Error("Failed to execute index template", "error", err)
	}
}

// handleHealth handles liveness requests. It always returns 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(healthResponse{
		Status:              "healthy",
		RegistryInitialized: s.registry.IsInitialized(),
	})
	if err != nil {
		s.logger.Error("Failed to encode health response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.Error("Failed to write health response", "error", err)
	}
}

// handleReady returns 200 once the first poll has reached the registry
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !s.registry.IsInitialized() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte(`{"status":"not ready","message":"waiting for initial poll"}`)); err != nil {
			s.logger.Error("Failed to write ready response", "error", err)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"ready"}`)); err != nil {
		s.logger.Error("Failed to write ready response", "error", err)
	}
}
