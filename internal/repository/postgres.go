package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"maas-portal/backend/pkg/models"
)

// PostgresStore is a PostgreSQL implementation of the Repository interface.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.QueryRow(ctx,
		"SELECT id, name, domain, created_at, updated_at FROM tenants WHERE domain = $1", domain,
	).Scan(&t.ID, &t.Name, &t.Domain, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	return s.db.QueryRow(ctx,
		"INSERT INTO tenants (id, name, domain) VALUES ($1, $2, $3) RETURNING created_at, updated_at",
		tenant.ID, tenant.Name, tenant.Domain,
	).Scan(&tenant.CreatedAt, &tenant.UpdatedAt)
}

const kbColumns = `kb.id, kb.tenant_id, kb.name, kb.description, kb.created_at, kb.updated_at,
	(SELECT count(*) FROM documents d WHERE d.knowledge_base_id = kb.id)`

func scanKB(row pgx.Row) (*models.KnowledgeBase, error) {
	var kb models.KnowledgeBase
	if err := row.Scan(&kb.ID, &kb.TenantID, &kb.Name, &kb.Description, &kb.CreatedAt, &kb.UpdatedAt, &kb.DocumentCount); err != nil {
		return nil, err
	}
	return &kb, nil
}

func (s *PostgresStore) CreateKnowledgeBase(ctx context.Context, kb *models.KnowledgeBase) error {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	if kb.ID == "" {
		kb.ID = uuid.New().String()
	}
	kb.TenantID = tenantID
	kb.DocumentCount = 0
	return s.db.QueryRow(ctx,
		"INSERT INTO knowledge_bases (id, tenant_id, name, description) VALUES ($1, $2, $3, $4) RETURNING created_at, updated_at",
		kb.ID, kb.TenantID, kb.Name, kb.Description,
	).Scan(&kb.CreatedAt, &kb.UpdatedAt)
}

func (s *PostgresStore) GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error) {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	kb, err := scanKB(s.db.QueryRow(ctx,
		"SELECT "+kbColumns+" FROM knowledge_bases kb WHERE kb.id = $1 AND kb.tenant_id = $2", id, tenantID))
	if err != nil {
		return nil, notFound(err)
	}
	return kb, nil
}

func (s *PostgresStore) ListKnowledgeBases(ctx context.Context) ([]*models.KnowledgeBase, error) {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx,
		"SELECT "+kbColumns+" FROM knowledge_bases kb WHERE kb.tenant_id = $1 ORDER BY kb.created_at", tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	kbs := []*models.KnowledgeBase{}
	for rows.Next() {
		kb, err := scanKB(rows)
		if err != nil {
			return nil, err
		}
		kbs = append(kbs, kb)
	}
	return kbs, rows.Err()
}

func (s *PostgresStore) DeleteKnowledgeBase(ctx context.Context, id string) error {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := s.db.Exec(ctx, "DELETE FROM knowledge_bases WHERE id = $1 AND tenant_id = $2", id, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddDocument(ctx context.Context, doc *models.Document, chunks []*models.Chunk) error {
	if _, err := s.GetKnowledgeBase(ctx, doc.KnowledgeBaseID); err != nil {
		return err
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	doc.ChunkCount = len(chunks)

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			"INSERT INTO documents (id, knowledge_base_id, filename, size_bytes, chunk_count) VALUES ($1, $2, $3, $4, $5) RETURNING created_at",
			doc.ID, doc.KnowledgeBaseID, doc.Filename, doc.SizeBytes, doc.ChunkCount,
		).Scan(&doc.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}

		batch := &pgx.Batch{}
		for i, c := range chunks {
			if c.ID == "" {
				c.ID = uuid.New().String()
			}
			c.DocumentID = doc.ID
			c.KnowledgeBaseID = doc.KnowledgeBaseID
			c.Ordinal = i
			batch.Queue(
				"INSERT INTO chunks (id, document_id, knowledge_base_id, ordinal, content, embedding) VALUES ($1, $2, $3, $4, $5, $6)",
				c.ID, c.DocumentID, c.KnowledgeBaseID, c.Ordinal, c.Content, pgvector.NewVector(c.Embedding),
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}

		_, err = tx.Exec(ctx, "UPDATE knowledge_bases SET updated_at = now() WHERE id = $1", doc.KnowledgeBaseID)
		return err
	})
}

func (s *PostgresStore) ListDocuments(ctx context.Context, kbID string) ([]*models.Document, error) {
	if _, err := s.GetKnowledgeBase(ctx, kbID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx,
		"SELECT id, knowledge_base_id, filename, size_bytes, chunk_count, created_at FROM documents WHERE knowledge_base_id = $1 ORDER BY created_at, id", kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []*models.Document{}
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.KnowledgeBaseID, &d.Filename, &d.SizeBytes, &d.ChunkCount, &d.CreatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, &d)
	}
	return docs, rows.Err()
}

// SearchChunks searches for chunks based on a query embedding.
func (s *PostgresStore) SearchChunks(ctx context.Context, kbID string, embedding []float32, limit int) ([]*models.Chunk, error) {
	if _, err := s.GetKnowledgeBase(ctx, kbID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, document_id, knowledge_base_id, ordinal, content, 1 - (embedding <=> $2) AS score
		FROM chunks WHERE knowledge_base_id = $1 AND vector_dims(embedding) = $4
		ORDER BY embedding <=> $2 LIMIT $3`,
		kbID, pgvector.NewVector(embedding), limit, len(embedding))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chunks := []*models.Chunk{}
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.KnowledgeBaseID, &c.Ordinal, &c.Content, &c.Score); err != nil {
			return nil, err
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

func (s *PostgresStore) SaveReport(ctx context.Context, report *models.Report) error {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	if report.ID == "" {
		report.ID = uuid.New().String()
	}
	report.TenantID = tenantID
	return s.db.QueryRow(ctx,
		"INSERT INTO reports (id, tenant_id, filename, result, fallback) VALUES ($1, $2, $3, $4, $5) RETURNING created_at",
		report.ID, report.TenantID, report.Filename, report.Result, report.Fallback,
	).Scan(&report.CreatedAt)
}

func (s *PostgresStore) GetReport(ctx context.Context, id string) (*models.Report, error) {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	var r models.Report
	err = s.db.QueryRow(ctx,
		"SELECT id, tenant_id, filename, result, fallback, created_at FROM reports WHERE id = $1 AND tenant_id = $2", id, tenantID,
	).Scan(&r.ID, &r.TenantID, &r.Filename, &r.Result, &r.Fallback, &r.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (s *PostgresStore) ListReports(ctx context.Context) ([]*models.Report, error) {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx,
		"SELECT id, tenant_id, filename, result, fallback, created_at FROM reports WHERE tenant_id = $1 ORDER BY created_at DESC", tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := []*models.Report{}
	for rows.Next() {
		var r models.Report
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Filename, &r.Result, &r.Fallback, &r.CreatedAt); err != nil {
			return nil, err
		}
		reports = append(reports, &r)
	}
	return reports, rows.Err()
}

const keyColumns = "id, tenant_id, name, prefix, created_at, expires_at, revoked_at"

func scanKey(row pgx.Row) (*models.APIKey, error) {
	var k models.APIKey
	if err := row.Scan(&k.ID, &k.TenantID, &k.Name, &k.Prefix, &k.CreatedAt, &k.ExpiresAt, &k.RevokedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	key.TenantID = tenantID
	return s.db.QueryRow(ctx,
		"INSERT INTO api_keys (id, tenant_id, name, prefix, expires_at) VALUES ($1, $2, $3, $4, $5) RETURNING created_at",
		key.ID, key.TenantID, key.Name, key.Prefix, key.ExpiresAt,
	).Scan(&key.CreatedAt)
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, id string) (*models.APIKey, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	k, err := scanKey(s.db.QueryRow(ctx, "SELECT "+keyColumns+" FROM api_keys WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err)
	}
	return k, nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, "SELECT "+keyColumns+" FROM api_keys WHERE tenant_id = $1 ORDER BY created_at", tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []*models.APIKey{}
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id string) error {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := s.db.Exec(ctx,
		"UPDATE api_keys SET revoked_at = COALESCE(revoked_at, now()) WHERE id = $1 AND tenant_id = $2", id, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordUsage(ctx context.Context, rec models.UsageRecord) error {
	if rec.TenantID == "" {
		id, err := tenantOf(ctx)
		if err != nil {
			return err
		}
		rec.TenantID = id
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO usage_counters (tenant_id, route, day, calls, tokens) VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (tenant_id, route, day) DO UPDATE
		SET calls = usage_counters.calls + 1, tokens = usage_counters.tokens + EXCLUDED.tokens`,
		rec.TenantID, rec.Route, rec.Day.UTC().Format(DayKey), rec.Tokens)
	return err
}

func (s *PostgresStore) sumBy(ctx context.Context, query string) (map[string]int64, error) {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var (
			key string
			n   int64
		)
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) CallsByRoute(ctx context.Context) (map[string]int64, error) {
	return s.sumBy(ctx, "SELECT route, sum(calls)::bigint FROM usage_counters WHERE tenant_id = $1 GROUP BY route")
}

func (s *PostgresStore) CallsByDay(ctx context.Context) (map[string]int64, error) {
	return s.sumBy(ctx, "SELECT to_char(day, 'YYYY-MM-DD'), sum(calls)::bigint FROM usage_counters WHERE tenant_id = $1 GROUP BY day")
}

func (s *PostgresStore) Tokens(ctx context.Context) (models.TokenUsage, error) {
	byRoute, err := s.sumBy(ctx,
		"SELECT route, sum(tokens)::bigint FROM usage_counters WHERE tenant_id = $1 GROUP BY route HAVING sum(tokens) > 0")
	if err != nil {
		return models.TokenUsage{}, err
	}
	out := models.TokenUsage{ByRoute: byRoute}
	for _, n := range byRoute {
		out.TotalTokens += n
	}
	return out, nil
}
