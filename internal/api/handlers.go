package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"datacore/internal/apperr"
	"datacore/internal/domain"
	"datacore/internal/export"
	"datacore/internal/service"
)

// ── Catalog ────────────────────────────────────────────────

func (s *Server) projectDetails(c echo.Context) error {
	details, err := s.catalog.ProjectDetails(c.Request().Context(), splitList(c.QueryParam("names")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, details)
}

func (s *Server) instrumentDetails(c echo.Context) error {
	projects := splitList(c.Param("projects"))
	if len(projects) == 0 {
		return apperr.Invalid("at least one project is required")
	}
	details, err := s.catalog.InstrumentDetails(c.Request().Context(), projects)
	if err != nil {
		return err
	}
	if details == nil {
		details = []service.InstrumentDetail{}
	}
	return c.JSON(http.StatusOK, details)
}

func (s *Server) modelFields(c echo.Context) error {
	schema, err := s.catalog.ModelFields(c.Param("model"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, schema)
}

func (s *Server) previewModel(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return apperr.Invalid("limit must be a positive integer")
		}
		limit = n
	}
	preview, err := s.catalog.PreviewModel(c.Request().Context(), c.Param("model"), splitList(c.QueryParam("fields")), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, preview)
}

func (s *Server) dictionary(c echo.Context) error {
	model := c.Param("model")
	var buf bytes.Buffer
	if err := s.exports.Dictionary(model, &buf); err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, attachment(export.DictionaryFileName(model)))
	return c.Blob(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

// ── Exports ────────────────────────────────────────────────

// jobView adds the derived status to a job.
type jobView struct {
	*domain.ExportJob
	Status string `json:"status"`
}

func viewOf(job *domain.ExportJob) jobView {
	return jobView{ExportJob: job, Status: job.Status()}
}

func (s *Server) submitExport(c echo.Context) error {
	var req service.ExportRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Invalid("invalid request body")
	}
	job, err := s.exports.Submit(c.Request().Context(), req)
	if err != nil {
		return err
	}
	s.log.Info("export submitted", zap.String("job_id", job.ID), zap.String("name", job.Name))
	return c.JSON(http.StatusAccepted, viewOf(job))
}

func (s *Server) listExports(c echo.Context) error {
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return apperr.Invalid("limit must be a positive integer")
		}
		limit = n
	}
	jobs, err := s.exports.List(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	out := make([]jobView, 0, len(jobs))
	for i := range jobs {
		out = append(out, viewOf(&jobs[i]))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getExport(c echo.Context) error {
	job, err := s.exports.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewOf(job))
}

func (s *Server) downloadExport(c echo.Context) error {
	job, rc, err := s.exports.Open(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	defer rc.Close()
	c.Response().Header().Set(echo.HeaderContentDisposition, attachment(job.FileName))
	return c.Stream(http.StatusOK, job.Format.ContentType(), rc)
}

// ── Helpers ────────────────────────────────────────────────

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func attachment(name string) string {
	return fmt.Sprintf("attachment; filename=%q", name)
}
