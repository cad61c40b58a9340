package repository

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"maas-portal/backend/pkg/models"
)

type usageKey struct {
	tenant string
	route  string
	day    string
}

type usageValue struct {
	calls  int64
	tokens int64
}

// MemoryStore is an in-process Repository used in development and tests.
// Every collection is replaced wholesale on write, so readers holding a
// previously returned slice never observe partial updates.
type MemoryStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	tenants   map[string]*models.Tenant
	kbs       map[string]*models.KnowledgeBase
	documents map[string][]*models.Document
	chunks    map[string][]*models.Chunk
	reports   map[string]*models.Report
	keys      map[string]*models.APIKey
	usage     map[usageKey]usageValue
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		tenants:   make(map[string]*models.Tenant),
		kbs:       make(map[string]*models.KnowledgeBase),
		documents: make(map[string][]*models.Document),
		chunks:    make(map[string][]*models.Chunk),
		reports:   make(map[string]*models.Report),
		keys:      make(map[string]*models.APIKey),
		usage:     make(map[usageKey]usageValue),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.Domain == domain {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	now := s.now()
	tenant.CreatedAt, tenant.UpdatedAt = now, now
	cp := *tenant
	s.tenants[tenant.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateKnowledgeBase(ctx context.Context, kb *models.KnowledgeBase) error {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if kb.ID == "" {
		kb.ID = uuid.New().String()
	}
	now := s.now()
	kb.TenantID = tenantID
	kb.CreatedAt, kb.UpdatedAt = now, now
	kb.DocumentCount = 0
	cp := *kb
	s.kbs[kb.ID] = &cp
	return nil
}

// kbLocked returns the tenant's knowledge base; callers hold s.mu.
func (s *MemoryStore) kbLocked(tenantID, id string) (*models.KnowledgeBase, error) {
	kb, ok := s.kbs[id]
	if !ok || kb.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return kb, nil
}

func (s *MemoryStore) GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error) {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	kb, err := s.kbLocked(tenantID, id)
	if err != nil {
		return nil, err
	}
	cp := *kb
	return &cp, nil
}

func (s *MemoryStore) ListKnowledgeBases(ctx context.Context) ([]*models.KnowledgeBase, error) {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.KnowledgeBase{}
	for _, kb := range s.kbs {
		if kb.TenantID == tenantID {
			cp := *kb
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteKnowledgeBase(ctx context.Context, id string) error {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.kbLocked(tenantID, id); err != nil {
		return err
	}
	delete(s.kbs, id)
	delete(s.documents, id)
	delete(s.chunks, id)
	return nil
}

func (s *MemoryStore) AddDocument(ctx context.Context, doc *models.Document, chunks []*models.Chunk) error {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kb, err := s.kbLocked(tenantID, doc.KnowledgeBaseID)
	if err != nil {
		return err
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	doc.CreatedAt = s.now()
	doc.ChunkCount = len(chunks)

	docCopy := *doc
	docs := append(append([]*models.Document(nil), s.documents[kb.ID]...), &docCopy)

	stored := append([]*models.Chunk(nil), s.chunks[kb.ID]...)
	for i, c := range chunks {
		cp := *c
		if cp.ID == "" {
			cp.ID = uuid.New().String()
		}
		cp.DocumentID = doc.ID
		cp.KnowledgeBaseID = kb.ID
		cp.Ordinal = i
		cp.Embedding = append([]float32(nil), c.Embedding...)
		stored = append(stored, &cp)
	}

	updated := *kb
	updated.DocumentCount = len(docs)
	updated.UpdatedAt = doc.CreatedAt

	s.documents[kb.ID] = docs
	s.chunks[kb.ID] = stored
	s.kbs[kb.ID] = &updated
	return nil
}

func (s *MemoryStore) ListDocuments(ctx context.Context, kbID string) ([]*models.Document, error) {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.kbLocked(tenantID, kbID); err != nil {
		return nil, err
	}
	out := make([]*models.Document, 0, len(s.documents[kbID]))
	for _, d := range s.documents[kbID] {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) SearchChunks(ctx context.Context, kbID string, embedding []float32, limit int) ([]*models.Chunk, error) {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.kbLocked(tenantID, kbID); err != nil {
		return nil, err
	}
	scored := make([]*models.Chunk, 0, len(s.chunks[kbID]))
	for _, c := range s.chunks[kbID] {
		if len(c.Embedding) != len(embedding) {
			continue
		}
		cp := *c
		cp.Embedding = nil
		cp.Score = cosine(embedding, c.Embedding)
		scored = append(scored, &cp)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (s *MemoryStore) SaveReport(ctx context.Context, report *models.Report) error {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if report.ID == "" {
		report.ID = uuid.New().String()
	}
	report.TenantID = tenantID
	report.CreatedAt = s.now()
	cp := *report
	s.reports[report.ID] = &cp
	return nil
}

func (s *MemoryStore) GetReport(ctx context.Context, id string) (*models.Report, error) {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListReports(ctx context.Context) ([]*models.Report, error) {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.Report{}
	for _, r := range s.reports {
		if r.TenantID == tenantID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	key.TenantID = tenantID
	key.CreatedAt = s.now()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAPIKey(ctx context.Context, id string) (*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.APIKey{}
	for _, k := range s.keys {
		if k.TenantID == tenantID {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RevokeAPIKey(ctx context.Context, id string) error {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.TenantID != tenantID {
		return ErrNotFound
	}
	if k.RevokedAt != nil {
		return nil
	}
	now := s.now()
	updated := *k
	updated.RevokedAt = &now
	s.keys[id] = &updated
	return nil
}

func (s *MemoryStore) RecordUsage(ctx context.Context, rec models.UsageRecord) error {
	if rec.TenantID == "" {
		id, err := tenantOf(ctx)
		if err != nil {
			return err
		}
		rec.TenantID = id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := usageKey{tenant: rec.TenantID, route: rec.Route, day: rec.Day.UTC().Format(DayKey)}
	v := s.usage[k]
	v.calls++
	v.tokens += rec.Tokens
	s.usage[k] = v
	return nil
}

func (s *MemoryStore) CallsByRoute(ctx context.Context) (map[string]int64, error) {
	return s.aggregate(ctx, func(k usageKey) string { return k.route }, func(v usageValue) int64 { return v.calls })
}

func (s *MemoryStore) CallsByDay(ctx context.Context) (map[string]int64, error) {
	return s.aggregate(ctx, func(k usageKey) string { return k.day }, func(v usageValue) int64 { return v.calls })
}

func (s *MemoryStore) Tokens(ctx context.Context) (models.TokenUsage, error) {
	byRoute, err := s.aggregate(ctx, func(k usageKey) string { return k.route }, func(v usageValue) int64 { return v.tokens })
	if err != nil {
		return models.TokenUsage{}, err
	}
	out := models.TokenUsage{ByRoute: map[string]int64{}}
	for route, n := range byRoute {
		if n == 0 {
			continue
		}
		out.ByRoute[route] = n
		out.TotalTokens += n
	}
	return out, nil
}

func (s *MemoryStore) aggregate(ctx context.Context, group func(usageKey) string, value func(usageValue) int64) (map[string]int64, error) {
	tenantID, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]int64{}
	for k, v := range s.usage {
		if k.tenant == tenantID {
			out[group(k)] += value(v)
		}
	}
	return out, nil
}
