package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"maas-portal/backend/pkg/models"
)

type createKnowledgeBaseRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// (GET /agent/api/knowledge-bases)
func (s *Server) ListKnowledgeBases(c echo.Context) error {
	kbs, err := s.Knowledge.List(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, kbs)
}

// (POST /agent/api/knowledge-bases)
func (s *Server) CreateKnowledgeBase(c echo.Context) error {
	var req createKnowledgeBaseRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	kb, err := s.Knowledge.Create(c.Request().Context(), req.Name, req.Description)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, kb)
}

// DeleteKnowledgeBase removes a knowledge base and cancels its pending uploads.
// (DELETE /agent/api/knowledge-bases/:id)
func (s *Server) DeleteKnowledgeBase(c echo.Context) error {
	id, err := pathParam(c, "id")
	if err != nil {
		return err
	}
	if err := s.Knowledge.Delete(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// (GET /agent/api/knowledge-bases/:id/documents)
func (s *Server) ListDocuments(c echo.Context) error {
	id, err := pathParam(c, "id")
	if err != nil {
		return err
	}
	docs, err := s.Knowledge.Documents(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, docs)
}

// UploadDocuments queues files for ingestion and returns their jobs.
// (POST /agent/api/knowledge-bases/:id/documents)
func (s *Server) UploadDocuments(c echo.Context) error {
	id, err := pathParam(c, "id")
	if err != nil {
		return err
	}
	files, err := formFiles(c, "files[]", "files", "file")
	if err != nil {
		return err
	}
	jobs, err := s.Knowledge.Upload(c.Request().Context(), id, files)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, jobs)
}

// (GET /agent/api/knowledge-bases/:id/uploads)
func (s *Server) ListUploads(c echo.Context) error {
	id, err := pathParam(c, "id")
	if err != nil {
		return err
	}
	jobs, err := s.Knowledge.Uploads(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, jobs)
}

// (DELETE /agent/api/knowledge-bases/:id/uploads/:job)
func (s *Server) CancelUpload(c echo.Context) error {
	id, err := pathParam(c, "id")
	if err != nil {
		return err
	}
	job, err := pathParam(c, "job")
	if err != nil {
		return err
	}
	if err := s.Knowledge.CancelUpload(c.Request().Context(), id, job); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// (POST /agent/api/knowledge-bases/:id/search)
func (s *Server) SearchKnowledgeBase(c echo.Context) error {
	id, err := pathParam(c, "id")
	if err != nil {
		return err
	}
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	chunks, err := s.Knowledge.Search(c.Request().Context(), id, req.Query, req.TopK)
	if err != nil {
		return httpError(err)
	}
	if chunks == nil {
		chunks = []*models.Chunk{}
	}
	return c.JSON(http.StatusOK, chunks)
}
