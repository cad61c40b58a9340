package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"maas-portal/backend/internal/canvas"
)

const maxEventBytes = 1 << 20

// CreateFlow opens an editor session on the current flow template.
// (POST /agent/api/flows)
func (s *Server) CreateFlow(c echo.Context) error {
	return c.JSON(http.StatusCreated, s.Flows.Create(c.Request().Context()))
}

// GetFlow returns the rendered scene and the selected node's panel.
// (GET /agent/api/flows/:id)
func (s *Server) GetFlow(c echo.Context) error {
	id, err := pathParam(c, "id")
	if err != nil {
		return err
	}
	v, err := s.Flows.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

// GetFlowGraph exports the session's current graph.
// (GET /agent/api/flows/:id/graph)
func (s *Server) GetFlowGraph(c echo.Context) error {
	id, err := pathParam(c, "id")
	if err != nil {
		return err
	}
	g, err := s.Flows.Graph(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, g)
}

// DispatchFlowEvents applies one event or a list of events in order.
// (POST /agent/api/flows/:id/events)
func (s *Server) DispatchFlowEvents(c echo.Context) error {
	id, err := pathParam(c, "id")
	if err != nil {
		return err
	}
	events, err := decodeEvents(c.Request().Body)
	if err != nil {
		return err
	}
	v, err := s.Flows.Dispatch(c.Request().Context(), id, events)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

// (DELETE /agent/api/flows/:id)
func (s *Server) DeleteFlow(c echo.Context) error {
	id, err := pathParam(c, "id")
	if err != nil {
		return err
	}
	if err := s.Flows.Close(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func decodeEvents(body io.Reader) ([]canvas.Event, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxEventBytes))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read body: "+err.Error())
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
	}
	var events []canvas.Event
	if data[0] == '[' {
		err = json.Unmarshal(data, &events)
	} else {
		var ev canvas.Event
		err = json.Unmarshal(data, &ev)
		events = []canvas.Event{ev}
	}
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	return events, nil
}
