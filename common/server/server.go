package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/metrics"
)

// HealthCheck reports one dependency's health. Returning an error marks
// the service unhealthy.
type HealthCheck func(ctx context.Context) error

// Server is the operational HTTP surface: health, readiness and metrics
type Server struct {
	echo   *echo.Echo
	log    *logger.Logger
	name   string
	port   int
	checks map[string]HealthCheck
}

// New creates an operational server for a service
func New(name string, port int, m *metrics.Metrics, log *logger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		log:    log,
		name:   name,
		port:   port,
		checks: make(map[string]HealthCheck),
	}

	e.GET("/healthz", s.handleHealth)
	e.GET("/readyz", s.handleReady)
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})))
	}

	return s
}

// AddHealthCheck registers a named dependency check for /readyz
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

// GET registers a service-specific route alongside the operational ones
func (s *Server) GET(path string, h echo.HandlerFunc) {
	s.echo.GET(path, h)
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		s.log.Info(fmt.Sprintf("%s http server starting", s.name), "port", s.port)
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.log.Info("http server stopped")
		return nil
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy", "service": s.name})
}

func (s *Server) handleReady(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	// Checks run concurrently so one slow dependency does not push the
	// probe past its deadline.
	var (
		mu       sync.Mutex
		failures = make(map[string]string)
	)
	g, ctx := errgroup.WithContext(ctx)
	for name, check := range s.checks {
		g.Go(func() error {
			if err := check(ctx); err != nil {
				mu.Lock()
				failures[name] = err.Error()
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":   "not_ready",
			"failures": failures,
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
