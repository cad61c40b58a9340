package services

import (
	"context"
	"fmt"
	"strings"

	"maas-portal/backend/internal/ingest"
	"maas-portal/backend/internal/repository"
	"maas-portal/backend/pkg/models"
)

const (
	defaultTopK = 5
	maxTopK     = 50
)

// KnowledgeService manages knowledge bases and their uploads.
type KnowledgeService struct {
	repo   repository.KnowledgeStore
	ingest *ingest.Manager
	embed  Embedder
}

func NewKnowledgeService(repo repository.KnowledgeStore, mgr *ingest.Manager, embed Embedder) *KnowledgeService {
	return &KnowledgeService{repo: repo, ingest: mgr, embed: embed}
}

func (s *KnowledgeService) Create(ctx context.Context, name, description string) (*models.KnowledgeBase, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	kb := &models.KnowledgeBase{Name: name, Description: strings.TrimSpace(description)}
	if err := s.repo.CreateKnowledgeBase(ctx, kb); err != nil {
		return nil, err
	}
	return kb, nil
}

func (s *KnowledgeService) List(ctx context.Context) ([]*models.KnowledgeBase, error) {
	return s.repo.ListKnowledgeBases(ctx)
}

// Delete removes a knowledge base after cancelling its pending uploads.
func (s *KnowledgeService) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.GetKnowledgeBase(ctx, id); err != nil {
		return err
	}
	s.ingest.CancelKnowledgeBase(id)
	return s.repo.DeleteKnowledgeBase(ctx, id)
}

func (s *KnowledgeService) Documents(ctx context.Context, id string) ([]*models.Document, error) {
	return s.repo.ListDocuments(ctx, id)
}

// Upload queues files for ingestion and returns their jobs.
func (s *KnowledgeService) Upload(ctx context.Context, id string, files []Upload) ([]ingest.Job, error) {
	if len(files) == 0 {
		return nil, ErrNoFile
	}
	if _, err := s.repo.GetKnowledgeBase(ctx, id); err != nil {
		return nil, err
	}
	jobs := make([]ingest.Job, 0, len(files))
	for _, f := range files {
		job, err := s.ingest.Submit(ctx, id, f.Filename, f.Data)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Uploads lists the ingestion jobs of a knowledge base.
func (s *KnowledgeService) Uploads(ctx context.Context, id string) ([]ingest.Job, error) {
	if _, err := s.repo.GetKnowledgeBase(ctx, id); err != nil {
		return nil, err
	}
	return s.ingest.Jobs(id), nil
}

// CancelUpload cancels one ingestion job of a knowledge base.
func (s *KnowledgeService) CancelUpload(ctx context.Context, id, jobID string) error {
	if _, err := s.repo.GetKnowledgeBase(ctx, id); err != nil {
		return err
	}
	job, ok := s.ingest.Job(jobID)
	if !ok || job.KnowledgeBaseID != id {
		return repository.ErrNotFound
	}
	s.ingest.Cancel(jobID)
	return nil
}

// Search returns the chunks of a knowledge base closest to query.
func (s *KnowledgeService) Search(ctx context.Context, id, query string, topK int) ([]*models.Chunk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	topK = min(topK, maxTopK)
	if _, err := s.repo.GetKnowledgeBase(ctx, id); err != nil {
		return nil, err
	}
	emb, err := s.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.repo.SearchChunks(ctx, id, emb, topK)
}
