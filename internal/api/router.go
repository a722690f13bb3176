package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/sandpool/sandpool/internal/history"
	"github.com/sandpool/sandpool/internal/metrics"
	"github.com/sandpool/sandpool/internal/pool"
	"github.com/sandpool/sandpool/pkg/types"
)

// Supervisor is the pool surface the API depends on.
type Supervisor interface {
	Compute(ctx context.Context, task pool.Task) (json.RawMessage, error)
	Stats() types.PoolStats
}

// Server holds the API server dependencies.
type Server struct {
	echo    *echo.Echo
	pool    Supervisor
	journal *history.Journal
}

// NewServer creates a new API server with all routes configured. journal may
// be nil when the task history is disabled.
func NewServer(p Supervisor, journal *history.Journal, apiKey string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		pool:    p,
		journal: journal,
	}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	// Health check (no auth)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes (with auth)
	api := e.Group("/v1")
	api.Use(apiKeyMiddleware(apiKey))

	api.POST("/compute", s.computeTask)
	api.GET("/pool", s.poolStats)
	api.GET("/tasks", s.listTasks)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Close stops the server immediately, closing its listeners and open
// connections without waiting for in-flight requests.
func (s *Server) Close() error {
	return s.echo.Close()
}
