package dashboard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apiprobe/apiprobe/pkg/config"
	"github.com/apiprobe/apiprobe/pkg/database"
	"github.com/apiprobe/apiprobe/pkg/repository"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the dashboard HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.DashboardConfig
	client     database.Client
	repo       repository.Repository
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new dashboard server over an already-connected
// database client and repository.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.DashboardConfig,
	client database.Client,
	repo repository.Repository,
) Server {
	return &server{
		log:    log.WithField("component", "dashboard"),
		cfg:    cfg,
		client: client,
		repo:   repo,
	}
}

// Start binds the listener and serves the dashboard until Stop is called.
func (s *server) Start(ctx context.Context) error {
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).
			Info("Dashboard server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("Dashboard server stopped")

	return nil
}
