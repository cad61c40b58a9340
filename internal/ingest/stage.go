// Package ingest runs knowledge-base uploads through a staged pipeline:
// parsing, slicing into overlapping chunks, vectorizing, and appending the
// result to the knowledge base.
package ingest

import "time"

// Stage is the position of an upload in the pipeline.
type Stage string

const (
	StageQueued      Stage = "queued"
	StageParsing     Stage = "parsing"
	StageSlicing     Stage = "slicing"
	StageVectorizing Stage = "vectorizing"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
	StageCancelled   Stage = "cancelled"
)

// Progress thresholds at which each stage begins.
const (
	ParsingAt     = 1
	SlicingAt     = 30
	VectorizingAt = 60
	CompletedAt   = 100
)

// Terminal reports whether no further transitions follow s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// StageFor maps a progress value to the stage it falls in.
func StageFor(progress int) Stage {
	switch {
	case progress >= CompletedAt:
		return StageCompleted
	case progress >= VectorizingAt:
		return StageVectorizing
	case progress >= SlicingAt:
		return StageSlicing
	case progress >= ParsingAt:
		return StageParsing
	default:
		return StageQueued
	}
}

// Job is a snapshot of one upload.
type Job struct {
	ID              string    `json:"id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	TenantID        string    `json:"tenant_id"`
	Filename        string    `json:"filename"`
	Stage           Stage     `json:"stage"`
	Progress        int       `json:"progress"`
	DocumentID      string    `json:"document_id,omitempty"`
	Error           string    `json:"error,omitempty"`
	// Fallback is set when the upload was not readable text and only its
	// metadata was indexed.
	Fallback        bool      `json:"fallback,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
