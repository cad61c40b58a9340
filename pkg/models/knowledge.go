package models

import "time"

// KnowledgeBase groups documents that agents can retrieve from.
type KnowledgeBase struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	DocumentCount int       `json:"document_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Document is an ingested file belonging to a knowledge base.
type Document struct {
	ID              string    `json:"id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	Filename        string    `json:"filename"`
	SizeBytes       int64     `json:"size_bytes"`
	ChunkCount      int       `json:"chunk_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// Chunk is a vectorized slice of a document.
type Chunk struct {
	ID              string    `json:"id"`
	DocumentID      string    `json:"document_id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	Ordinal         int       `json:"ordinal"`
	Content         string    `json:"content"`
	Embedding       []float32 `json:"-"`
	Score           float64   `json:"score,omitempty"`
}
