package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"maas-portal/backend/pkg/models"
)

// CallsByRoute returns metered call counts keyed by route template.
// (GET /agent/_meta/calls)
func (s *Server) CallsByRoute(c echo.Context) error {
	counts, err := s.Store.CallsByRoute(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, counts)
}

// CallsByDay returns metered call counts keyed by UTC date.
// (GET /agent/_meta/calls/daily)
func (s *Server) CallsByDay(c echo.Context) error {
	counts, err := s.Store.CallsByDay(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, counts)
}

// AllTokens returns token usage totals.
// (GET /agent/api/all_tokens)
func (s *Server) AllTokens(c echo.Context) error {
	tokens, err := s.Store.Tokens(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tokens)
}

type createKeyRequest struct {
	Name string `json:"name"`
}

type createKeyResponse struct {
	Key   *models.APIKey `json:"key"`
	Token string         `json:"token"`
}

// (GET /agent/api/keys)
func (s *Server) ListKeys(c echo.Context) error {
	keys, err := s.Store.ListAPIKeys(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, keys)
}

// CreateKey issues a developer key. The token is only ever returned here.
// (POST /agent/api/keys)
func (s *Server) CreateKey(c echo.Context) error {
	var req createKeyRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	key, token, err := s.Keys.Issue(c.Request().Context(), strings.TrimSpace(req.Name))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, createKeyResponse{Key: key, Token: token})
}

// (DELETE /agent/api/keys/:id)
func (s *Server) RevokeKey(c echo.Context) error {
	id, err := pathParam(c, "id")
	if err != nil {
		return err
	}
	if err := s.Store.RevokeAPIKey(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
