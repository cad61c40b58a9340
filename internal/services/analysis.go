package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"maas-portal/backend/internal/repository"
	"maas-portal/backend/pkg/models"
)

// Analysis is the outcome of analyzing one file.
type Analysis struct {
	Report *models.Report
	Tokens int64
}

// Batch is the outcome of analyzing several files.
type Batch struct {
	Result   models.BatchResult
	Fallback bool
	Tokens   int64
}

// AnalysisService analyzes site photos and keeps the resulting reports.
type AnalysisService struct {
	client  InferenceClient
	reports repository.ReportStore
	log     Logger
	limit   int
}

// NewAnalysisService creates an AnalysisService. limit bounds concurrent
// upstream calls within a batch.
func NewAnalysisService(client InferenceClient, reports repository.ReportStore, log Logger, limit int) *AnalysisService {
	if limit <= 0 {
		limit = 1
	}
	return &AnalysisService{client: client, reports: reports, log: log, limit: limit}
}

// analyze calls upstream and substitutes the mock result on failure.
func (s *AnalysisService) analyze(ctx context.Context, file Upload) (models.AnalysisResult, bool, int64) {
	res, tokens, err := s.client.Analyze(ctx, file)
	if err != nil {
		s.log.Warn("analyze upstream failed, using mock result", "file", file.Filename, "error", err)
		mock := mockAnalysis(file.Filename)
		return mock, true, estimateResult(mock)
	}
	if tokens < 0 {
		tokens = estimateResult(*res)
	}
	return *res, false, tokens
}

func estimateResult(r models.AnalysisResult) int64 {
	return EstimateTokens(r.Scene + " " + r.MainHazard.Description + " " + strings.Join(r.MainHazard.Suggestions, " "))
}

// Analyze analyzes one file and stores the result as a report.
func (s *AnalysisService) Analyze(ctx context.Context, file Upload) (*Analysis, error) {
	if len(file.Data) == 0 {
		return nil, ErrNoFile
	}
	res, fallback, tokens := s.analyze(ctx, file)
	report := &models.Report{Filename: file.Filename, Result: res, Fallback: fallback}
	if err := s.reports.SaveReport(ctx, report); err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}
	return &Analysis{Report: report, Tokens: tokens}, nil
}

// AnalyzeBatch analyzes files concurrently. Items keep the order of files.
func (s *AnalysisService) AnalyzeBatch(ctx context.Context, files []Upload) (*Batch, error) {
	if len(files) == 0 {
		return nil, ErrNoFile
	}
	for _, f := range files {
		if len(f.Data) == 0 {
			return nil, fmt.Errorf("%w: %s is empty", ErrNoFile, f.Filename)
		}
	}

	type outcome struct {
		result   models.AnalysisResult
		fallback bool
		tokens   int64
	}
	outcomes := make([]outcome, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)
	for i, f := range files {
		g.Go(func() error {
			res, fallback, tokens := s.analyze(gctx, f)
			outcomes[i] = outcome{res, fallback, tokens}
			report := &models.Report{Filename: f.Filename, Result: res, Fallback: fallback}
			if err := s.reports.SaveReport(gctx, report); err != nil {
				return fmt.Errorf("save report for %s: %w", f.Filename, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batch := &Batch{Result: models.BatchResult{Items: make([]models.BatchItem, len(files))}}
	for i, o := range outcomes {
		batch.Result.Items[i] = models.BatchItem{Filename: files[i].Filename, Result: o.result}
		batch.Fallback = batch.Fallback || o.fallback
		batch.Tokens += o.tokens
	}
	return batch, nil
}

// Citations returns knowledge-base citations for a stored report. The
// boolean reports whether the mock payload was substituted.
func (s *AnalysisService) Citations(ctx context.Context, reportID string) (*models.Citations, bool, error) {
	if strings.TrimSpace(reportID) == "" {
		return nil, false, fmt.Errorf("%w: report_id is required", ErrInvalidInput)
	}
	if _, err := s.reports.GetReport(ctx, reportID); err != nil {
		return nil, false, err
	}
	c, err := s.client.Citations(ctx, reportID)
	if err != nil {
		s.log.Warn("citations upstream failed, using mock citations", "report", reportID, "error", err)
		return mockCitations(reportID), true, nil
	}
	if c.Hazards == nil {
		c.Hazards = []json.RawMessage{}
	}
	return c, false, nil
}

// Reports lists the tenant's stored reports.
func (s *AnalysisService) Reports(ctx context.Context) ([]*models.Report, error) {
	return s.reports.ListReports(ctx)
}
