package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"maas-portal/backend/internal/services"
	"maas-portal/backend/internal/usage"
	"maas-portal/backend/pkg/models"
)

type sendMessageRequest struct {
	SessionID string        `json:"sessionId"`
	Parts     []models.Part `json:"parts"`
}

// StartChat opens a conversation about a hazard and streams the first reply.
// (POST /agent/api/chat/start)
func (s *Server) StartChat(c echo.Context) error {
	var req services.StartChatRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	reply, err := s.Chat.Start(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return s.stream(c, reply)
}

// SendMessage posts a user turn and streams the reply.
// (POST /agent/api/chat/message)
func (s *Server) SendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sessionId is required")
	}
	reply, err := s.Chat.Send(c.Request().Context(), req.SessionID, req.Parts)
	if err != nil {
		return httpError(err)
	}
	return s.stream(c, reply)
}

// GetChat returns a chat transcript.
// (GET /agent/api/chat/:id)
func (s *Server) GetChat(c echo.Context) error {
	id, err := pathParam(c, "id")
	if err != nil {
		return err
	}
	sess, err := s.Chat.Session(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// stream copies a reply to the client as plain text, flushing every read.
func (s *Server) stream(c echo.Context, reply *services.Reply) error {
	defer func() {
		reply.Close()
		usage.SetTokens(c, reply.Tokens())
	}()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
	res.Header().Set(headerSessionID, reply.SessionID)
	res.Header().Set("Cache-Control", "no-cache")
	markFallback(c, reply.Fallback)
	res.WriteHeader(http.StatusOK)

	buf := make([]byte, 4096)
	for {
		n, err := reply.Read(buf)
		if n > 0 {
			if _, werr := res.Write(buf[:n]); werr != nil {
				return nil
			}
			res.Flush()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			s.Log.Warn("chat stream interrupted", "session", reply.SessionID, "error", err)
			return nil
		}
	}
}
