package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/savegress/oeetrack/internal/analytics"
	"github.com/savegress/oeetrack/internal/logger"
	"github.com/savegress/oeetrack/internal/metrics"
	"github.com/savegress/oeetrack/internal/production"
	"github.com/savegress/oeetrack/internal/store"
)

// Server represents the API server
type Server struct {
	router  chi.Router
	runs    *production.Service
	reports *analytics.Service
	catalog store.Catalog
	metrics *metrics.Metrics
	log     logger.Logger
	origins []string
}

// NewServer creates a new API server. m may be nil to disable /metrics.
func NewServer(runs *production.Service, reports *analytics.Service, catalog store.Catalog, m *metrics.Metrics, log logger.Logger, allowedOrigins []string) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	s := &Server{
		router:  chi.NewRouter(),
		runs:    runs,
		reports: reports,
		catalog: catalog,
		metrics: m,
		log:     log,
		origins: allowedOrigins,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.log))
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check
	s.router.Get("/health", s.healthCheck)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	// API v1
	s.router.Route("/api/v1", func(r chi.Router) {
		// Production runs
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Post("/", s.startRun)
			r.Get("/{id}", s.getRun)
			r.Post("/{id}/end", s.endRun)
			r.Put("/{id}/counts", s.updateCounts)
			r.Get("/{id}/snapshot", s.getSnapshot)
			r.Get("/{id}/downtimes", s.listDowntimes)
			r.Post("/{id}/downtimes", s.startDowntime)
		})
		r.Get("/machines/{id}/active-run", s.getActiveRun)

		// Downtimes
		r.Post("/downtimes/{id}/end", s.endDowntime)

		// Reports
		r.Route("/reports", func(r chi.Router) {
			r.Get("/pareto", s.getPareto)
			r.Get("/trend", s.getTrend)
			r.Get("/machines", s.getMachineComparison)
		})

		// Catalog
		r.Post("/machines", s.putMachine)
		r.Post("/products", s.putProduct)
		r.Post("/shifts", s.putShift)
		r.Post("/downtime-categories", s.putCategory)
	})
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}
