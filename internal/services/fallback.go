package services

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"math"
	"strings"
	"unicode"

	"maas-portal/backend/pkg/models"
)

// Logger is the logging surface services need.
type Logger interface {
	Warn(msg string, kv ...any)
	Info(msg string, kv ...any)
}

// mockAnalysis is substituted when the analyze call fails.
func mockAnalysis(filename string) models.AnalysisResult {
	return models.AnalysisResult{
		Scene: "Construction site with scaffolding and workers at height.",
		MainHazard: models.Hazard{
			Type:        "fall_from_height",
			Level:       "high",
			Description: "Worker on scaffolding without a visible harness or guard rail.",
			Suggestions: []string{
				"Install guard rails on open scaffold edges.",
				"Require full-body harnesses above 2 m.",
			},
		},
		ImagePath: "/static/mock/" + filename,
	}
}

func mockCitations(reportID string) *models.Citations {
	return &models.Citations{
		TaskID: reportID,
		Hazards: []json.RawMessage{
			json.RawMessage(`{"type":"fall_from_height","citations":[{"source":"Safety regulations for work at height","clause":"4.2","text":"Guard rails shall be installed on every open edge above 2 m."}]}`),
		},
	}
}

const (
	mockChatGreeting = "I could not reach the analysis model, so here is general guidance. " +
		"For this hazard, isolate the area, brief the crew and apply the listed suggestions before work resumes."
	mockChatReply = "The model is unavailable right now. Please retry shortly; your message has been kept in the transcript."
)

func mockStream(text string) *Stream {
	return &Stream{Body: io.NopCloser(strings.NewReader(text)), Tokens: -1}
}

// EstimateTokens approximates token usage as one token per four runes, rounded up.
func EstimateTokens(text string) int64 {
	n := len([]rune(text))
	return int64((n + 3) / 4)
}

// HashDims is the dimension of fallback embeddings.
const HashDims = 64

// HashEmbedding is a deterministic bag-of-words embedding. Texts sharing
// words have a positive cosine similarity.
func HashEmbedding(text string) []float32 {
	v := make([]float32, HashDims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%HashDims]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// FallbackEmbedder embeds through the inference backend and falls back to
// HashEmbedding when the call fails. Searches only compare vectors of the
// same dimension, so a degraded chunk is still found by a degraded query.
type FallbackEmbedder struct {
	client InferenceClient
	log    Logger
}

func NewFallbackEmbedder(client InferenceClient, log Logger) *FallbackEmbedder {
	return &FallbackEmbedder{client: client, log: log}
}

// Embed never fails unless ctx is done.
func (e *FallbackEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.client != nil {
		v, err := e.client.Embed(ctx, text)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.log.Warn("embedding upstream failed, using hash embedding", "error", err)
	}
	return HashEmbedding(text), nil
}
