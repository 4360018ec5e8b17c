package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"datacore/internal/domain"
	"datacore/internal/service"
)

// ─────────────────────────────────────────────────────────────
// HTTP API — catalog queries and export jobs over echo
// ─────────────────────────────────────────────────────────────

// Catalog is the read side of the project catalog.
type Catalog interface {
	ProjectDetails(ctx context.Context, names []string) ([]service.ProjectDetail, error)
	InstrumentDetails(ctx context.Context, projects []string) ([]service.InstrumentDetail, error)
	ModelFields(model string) (*domain.ModelSchema, error)
	PreviewModel(ctx context.Context, model string, fields []string, limit int) (*service.ModelPreview, error)
}

// Exports submits export jobs and serves their files.
type Exports interface {
	Submit(ctx context.Context, req service.ExportRequest) (*domain.ExportJob, error)
	Get(ctx context.Context, id string) (*domain.ExportJob, error)
	List(ctx context.Context, limit int) ([]domain.ExportJob, error)
	Open(ctx context.Context, id string) (*domain.ExportJob, io.ReadCloser, error)
	Dictionary(model string, w io.Writer) error
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

type Server struct {
	echo    *echo.Echo
	catalog Catalog
	exports Exports
	checks  map[string]HealthCheck
	log     *zap.Logger
	started time.Time
}

type Option func(*Server)

// WithHealthCheck adds a dependency to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

func New(catalog Catalog, exports Exports, log *zap.Logger, opts ...Option) *Server {
	s := &Server{
		echo:    echo.New(),
		catalog: catalog,
		exports: exports,
		checks:  map[string]HealthCheck{},
		log:     log.Named("api"),
		started: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(requestLogger(s.log))

	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	g := e.Group("/api")
	g.GET("/projects/details", s.projectDetails)
	g.GET("/instruments/details/:projects", s.instrumentDetails)
	g.GET("/models/:model/fields", s.modelFields)
	g.GET("/models/:model/dictionary", s.dictionary)
	g.GET("/models/:model/preview", s.previewModel)
	g.POST("/exports", s.submitExport)
	g.GET("/exports", s.listExports)
	g.GET("/exports/:id", s.getExport)
	g.GET("/exports/:id/download", s.downloadExport)
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("http api listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ── Health ─────────────────────────────────────────────────

type checkResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

type healthStatus struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime"`
	Checks map[string]checkResult `json:"checks"`
}

func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	out := healthStatus{
		Status: "healthy",
		Uptime: time.Since(s.started).Round(time.Second).String(),
		Checks: make(map[string]checkResult, len(s.checks)),
	}
	for name, check := range s.checks {
		start := time.Now()
		if err := check(ctx); err != nil {
			out.Status = "unhealthy"
			out.Checks[name] = checkResult{Status: "unhealthy", Message: err.Error()}
			continue
		}
		out.Checks[name] = checkResult{Status: "healthy", Latency: time.Since(start).String()}
	}

	code := http.StatusOK
	if out.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, out)
}

// ── Request logging ────────────────────────────────────────

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}
			res := c.Response()
			log.Info("request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.String("route", c.Path()),
				zap.Int("status", res.Status),
				zap.Int64("size", res.Size),
				zap.String("remote_ip", c.RealIP()),
				zap.Duration("duration", time.Since(start)))
			return nil
		}
	}
}
