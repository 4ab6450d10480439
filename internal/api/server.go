package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/livereview/lrmaint/internal/diff"
	"github.com/livereview/lrmaint/internal/partitioning"
	"github.com/livereview/lrmaint/internal/tracer"
)

// Pinger checks that a database is reachable
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SyncQueue schedules partition syncs
type SyncQueue interface {
	QueuePartitionSync(ctx context.Context, onlyOn string, analyze bool) error
}

// Dependencies are the services behind the ops endpoints. Any of them may be
// nil, which disables the endpoints that need it.
type Dependencies struct {
	Databases  map[string]Pinger
	Tables     []partitioning.StrategyConfig
	Queue      SyncQueue
	Repository tracer.Repository
}

// Server represents the ops API server
type Server struct {
	echo *echo.Echo
	port int
	deps Dependencies
}

// NewServer creates a new API server
func NewServer(port int, deps Dependencies) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Msg("request")
			return nil
		},
	}))

	server := &Server{
		echo: e,
		port: port,
		deps: deps,
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.health)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/partitions", s.listPartitionedTables)
	v1.POST("/partitions/sync", s.queuePartitionSync)
	v1.POST("/positions/trace", s.tracePosition)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Info().Int("port", s.port).Msg("Ops server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	failing := map[string]string{}
	for name, db := range s.deps.Databases {
		if err := db.PingContext(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":    "unhealthy",
			"databases": failing,
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

type partitionedTable struct {
	Table    string `json:"table"`
	Database string `json:"database"`
	Strategy string `json:"strategy"`
	Key      string `json:"key"`
}

func (s *Server) listPartitionedTables(c echo.Context) error {
	tables := make([]partitionedTable, 0, len(s.deps.Tables))
	for _, t := range s.deps.Tables {
		tables = append(tables, partitionedTable{
			Table:    t.Model.Table,
			Database: t.Model.Database,
			Strategy: string(t.Kind),
			Key:      t.PartitioningKey,
		})
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Table < tables[j].Table })
	return c.JSON(http.StatusOK, tables)
}

func (s *Server) queuePartitionSync(c echo.Context) error {
	if s.deps.Queue == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "job queue is not running")
	}
	onlyOn := c.QueryParam("only_on")
	analyze := c.QueryParam("analyze") != "false"

	if err := s.deps.Queue.QueuePartitionSync(c.Request().Context(), onlyOn, analyze); err != nil {
		log.Error().Err(err).Str("connection_name", onlyOn).Msg("Failed to queue partition sync")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to queue partition sync")
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "queued"})
}

type traceRequest struct {
	OldRefs  diff.Refs        `json:"old_diff_refs"`
	NewRefs  diff.Refs        `json:"new_diff_refs"`
	Position *tracer.Position `json:"position"`
	Paths    []string         `json:"paths,omitempty"`
}

type traceResponse struct {
	Position *tracer.Position `json:"position"`
	Outdated bool             `json:"outdated"`
}

func (s *Server) tracePosition(c echo.Context) error {
	if s.deps.Repository == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no repository configured")
	}

	var req traceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Position == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "position is required")
	}

	t := tracer.New(s.deps.Repository, req.OldRefs, req.NewRefs,
		tracer.WithPaths(req.Paths...),
		tracer.WithIgnoreWhitespaceChange(req.Position.IgnoreWhitespaceChange))
	res, err := t.Trace(c.Request().Context(), req.Position)
	if errors.Is(err, tracer.ErrIncompleteRefs) || errors.Is(err, tracer.ErrRefsMismatch) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to trace position")
		return echo.NewHTTPError(http.StatusBadGateway, "failed to compute diffs")
	}

	return c.JSON(http.StatusOK, traceResponse{Position: res.Position, Outdated: res.Outdated})
}
