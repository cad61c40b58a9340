package repository

import (
	"context"
	"errors"

	"maas-portal/backend/pkg/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist for the tenant.
	ErrNotFound = errors.New("not found")
	// ErrNoTenant is returned by tenant-scoped operations called without a tenant in the context.
	ErrNoTenant = errors.New("tenant id not found in context")
)

// TenantStore resolves and provisions tenants.
type TenantStore interface {
	GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
}

// KnowledgeStore persists knowledge bases, their documents and vectorized chunks.
type KnowledgeStore interface {
	CreateKnowledgeBase(ctx context.Context, kb *models.KnowledgeBase) error
	GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error)
	ListKnowledgeBases(ctx context.Context) ([]*models.KnowledgeBase, error)
	DeleteKnowledgeBase(ctx context.Context, id string) error
	// AddDocument appends doc and its chunks to the document's knowledge base atomically.
	AddDocument(ctx context.Context, doc *models.Document, chunks []*models.Chunk) error
	ListDocuments(ctx context.Context, kbID string) ([]*models.Document, error)
	// SearchChunks returns the chunks nearest to embedding by cosine distance, best first.
	SearchChunks(ctx context.Context, kbID string, embedding []float32, limit int) ([]*models.Chunk, error)
}

// ReportStore persists analysis reports.
type ReportStore interface {
	SaveReport(ctx context.Context, report *models.Report) error
	GetReport(ctx context.Context, id string) (*models.Report, error)
	ListReports(ctx context.Context) ([]*models.Report, error)
}

// APIKeyStore persists developer console key metadata.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	// GetAPIKey looks a key up by id regardless of tenant; it authenticates requests.
	GetAPIKey(ctx context.Context, id string) (*models.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
}

// UsageStore aggregates metered calls and tokens per tenant.
type UsageStore interface {
	RecordUsage(ctx context.Context, rec models.UsageRecord) error
	CallsByRoute(ctx context.Context) (map[string]int64, error)
	CallsByDay(ctx context.Context) (map[string]int64, error)
	Tokens(ctx context.Context) (models.TokenUsage, error)
}

// Repository is the full persistence surface of the portal.
type Repository interface {
	TenantStore
	KnowledgeStore
	ReportStore
	APIKeyStore
	UsageStore
	Ping(ctx context.Context) error
}

func tenantOf(ctx context.Context) (string, error) {
	id, ok := models.TenantFromContext(ctx)
	if !ok {
		return "", ErrNoTenant
	}
	return id, nil
}

// DayKey formats a usage day as used in daily counters.
const DayKey = "2006-01-02"
