package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"maas-portal/backend/internal/auth"
	"maas-portal/backend/internal/canvas"
	"maas-portal/backend/internal/ingest"
	"maas-portal/backend/internal/repository"
	"maas-portal/backend/internal/services"
	"maas-portal/backend/pkg/models"
)

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, services.ErrUnknownSession),
		errors.Is(err, services.ErrUnknownFlow),
		errors.Is(err, canvas.ErrUnknownNode),
		errors.Is(err, ingest.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, services.ErrEmptyMessage),
		errors.Is(err, services.ErrInvalidInput),
		errors.Is(err, services.ErrNoFile),
		errors.Is(err, canvas.ErrConfigKind),
		errors.Is(err, canvas.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, repository.ErrNoTenant):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrAPIKeysDisabled):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// httpError converts a domain error into an echo.HTTPError.
func httpError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return echo.NewHTTPError(statusOf(err), err.Error()).SetInternal(err)
}

// ErrorHandler renders every error as RFC 7807 Problem Details.
func ErrorHandler(log Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		he := httpError(err)
		detail := fmt.Sprint(he.Message)
		if he.Code >= http.StatusInternalServerError {
			log.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
			detail = http.StatusText(he.Code)
		}
		if c.Request().Method == http.MethodHead {
			c.NoContent(he.Code)
			return
		}
		problem := models.ProblemDetails{
			Type:     "about:blank",
			Title:    http.StatusText(he.Code),
			Status:   he.Code,
			Detail:   detail,
			Instance: c.Request().URL.Path,
		}
		res := c.Response()
		res.Header().Set(echo.HeaderContentType, "application/problem+json")
		res.WriteHeader(he.Code)
		json.NewEncoder(res).Encode(problem)
	}
}
