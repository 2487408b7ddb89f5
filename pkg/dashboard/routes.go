package dashboard

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.cfg.Auth.Enabled {
				r.Use(s.requireBasicAuth)
			}

			r.Get("/runs", s.handleRecentRuns)
			r.Get("/suites/success-rates", s.handleSuiteSuccessRates)
			r.Get("/tests/flaky", s.handleFlakyTests)
			r.Get("/tests/regressions", s.handleRegressions)
			r.Get("/tests/deleted", s.handleDeletedTests)
			r.Get("/tests/{slug}/timeline", s.handleTestTimeline)
		})
	})

	// Static dashboard assets, when configured.
	if s.cfg.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.cfg.StaticDir))
		r.Handle("/*", fs)
	}

	return r
}

// corsMiddleware builds the CORS handler from configured origins.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
