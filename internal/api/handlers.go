// Package api contains the HTTP handlers of the portal's /agent surface.
package api

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v4"

	"maas-portal/backend/internal/repository"
	"maas-portal/backend/internal/services"
	"maas-portal/backend/pkg/models"
)

// Logger is the logging surface the handlers need.
type Logger interface {
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// Store is the persistence the handlers use directly.
type Store interface {
	repository.UsageStore
	Ping(ctx context.Context) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
}

// KeyIssuer mints developer API keys.
type KeyIssuer interface {
	Issue(ctx context.Context, name string) (*models.APIKey, string, error)
}

// Server holds the dependencies for the API server.
type Server struct {
	Store     Store
	Keys      KeyIssuer
	Analysis  *services.AnalysisService
	Chat      *services.ChatService
	Knowledge *services.KnowledgeService
	Flows     *services.FlowService
	Log       Logger
	Version   string
}

const (
	headerFallback  = "X-Fallback"
	headerSessionID = "X-Session-Id"
	maxUploadBytes  = 32 << 20
)

// Health reports service status and store reachability. It always returns 200.
// (GET /agent/healthz)
func (s *Server) Health(c echo.Context) error {
	status := models.HealthStatus{
		Status:    "ok",
		Service:   "maas-portal",
		Version:   s.Version,
		Timestamp: time.Now().UTC(),
		Checks:    map[string]string{"store": "ok"},
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		status.Status = "degraded"
		status.Checks["store"] = err.Error()
	}
	return c.JSON(http.StatusOK, status)
}

func markFallback(c echo.Context, fallback bool) {
	if fallback {
		c.Response().Header().Set(headerFallback, "true")
	}
}

// formFiles reads every file under the given multipart field names.
func formFiles(c echo.Context, fields ...string) ([]services.Upload, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "expected multipart/form-data: "+err.Error())
	}
	var out []services.Upload
	for _, field := range fields {
		for _, fh := range form.File[field] {
			u, err := readUpload(fh)
			if err != nil {
				return nil, err
			}
			out = append(out, u)
		}
	}
	return out, nil
}

func readUpload(fh *multipart.FileHeader) (services.Upload, error) {
	if fh.Size > maxUploadBytes {
		return services.Upload{}, echo.NewHTTPError(http.StatusRequestEntityTooLarge, fh.Filename+" exceeds the upload limit")
	}
	f, err := fh.Open()
	if err != nil {
		return services.Upload{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		return services.Upload{}, err
	}
	return services.Upload{
		Filename:    filepath.Base(fh.Filename),
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Data:        data,
	}, nil
}
