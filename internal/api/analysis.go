package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"maas-portal/backend/internal/services"
	"maas-portal/backend/internal/usage"
	"maas-portal/backend/pkg/models"
)

type analyzeResponse struct {
	models.AnalysisResult
	ReportID string `json:"report_id"`
}

// Analyze runs hazard analysis on one uploaded image.
// (POST /agent/api/analyze)
func (s *Server) Analyze(c echo.Context) error {
	files, err := formFiles(c, "file")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return httpError(services.ErrNoFile)
	}
	a, err := s.Analysis.Analyze(c.Request().Context(), files[0])
	if err != nil {
		return httpError(err)
	}
	markFallback(c, a.Report.Fallback)
	usage.SetTokens(c, a.Tokens)
	return c.JSON(http.StatusOK, analyzeResponse{AnalysisResult: a.Report.Result, ReportID: a.Report.ID})
}

// AnalyzeBatch runs hazard analysis on several images.
// (POST /agent/api/analyze_batch)
func (s *Server) AnalyzeBatch(c echo.Context) error {
	files, err := formFiles(c, "files[]", "files")
	if err != nil {
		return err
	}
	b, err := s.Analysis.AnalyzeBatch(c.Request().Context(), files)
	if err != nil {
		return httpError(err)
	}
	markFallback(c, b.Fallback)
	usage.SetTokens(c, b.Tokens)
	return c.JSON(http.StatusOK, b.Result)
}

// Citations returns knowledge-base citations for a report.
// (GET /agent/api/hazards_kb_citations?report_id=)
func (s *Server) Citations(c echo.Context) error {
	var reportID string
	if err := queryParam(c, "report_id", true, &reportID); err != nil {
		return err
	}
	citations, fallback, err := s.Analysis.Citations(c.Request().Context(), reportID)
	if err != nil {
		return httpError(err)
	}
	markFallback(c, fallback)
	return c.JSON(http.StatusOK, citations)
}

// ListReports lists stored analysis reports.
// (GET /agent/api/reports)
func (s *Server) ListReports(c echo.Context) error {
	reports, err := s.Analysis.Reports(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, reports)
}
