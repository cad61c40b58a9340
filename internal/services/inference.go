package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"maas-portal/backend/pkg/models"
)

// Upload is a file received from the browser.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Stream is a streamed text response from the inference backend.
type Stream struct {
	Body io.ReadCloser
	// SessionID is the upstream chat session id, when the backend returns one.
	SessionID string
	// Tokens is the usage reported by the backend, or -1 when it reported none.
	Tokens int64
}

// StartChatRequest opens a conversation about an analyzed hazard.
type StartChatRequest struct {
	Hazard models.Hazard `json:"hazard"`
	Image  string        `json:"image,omitempty"`
}

// InferenceClient is an interface for communicating with the remote inference backend.
type InferenceClient interface {
	Analyze(ctx context.Context, file Upload) (*models.AnalysisResult, int64, error)
	Citations(ctx context.Context, reportID string) (*models.Citations, error)
	StartChat(ctx context.Context, req StartChatRequest) (*Stream, error)
	SendMessage(ctx context.Context, sessionID string, parts []models.Part) (*Stream, error)
	// Embed returns the embedding for a given text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

const (
	headerSessionID  = "X-Session-Id"
	headerTokenUsage = "X-Token-Usage"
)

// HTTPInferenceClient is an HTTP implementation of the InferenceClient interface.
type HTTPInferenceClient struct {
	url    string
	client *http.Client
}

// NewHTTPInferenceClient creates a new HTTPInferenceClient. The timeout bounds
// establishing each call; streamed bodies are bounded by the caller's context.
func NewHTTPInferenceClient(baseURL string, timeout time.Duration) *HTTPInferenceClient {
	return &HTTPInferenceClient{
		url: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: timeout,
				MaxIdleConnsPerHost:   16,
			},
		},
	}
}

func (c *HTTPInferenceClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: status code %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func (c *HTTPInferenceClient) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func tokensOf(h http.Header) int64 {
	n, err := strconv.ParseInt(h.Get(headerTokenUsage), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// Analyze uploads a single image for hazard analysis.
func (c *HTTPInferenceClient) Analyze(ctx context.Context, file Upload) (*models.AnalysisResult, int64, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", file.Filename)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, 0, fmt.Errorf("failed to write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, 0, fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/analyze", &body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var result models.AnalysisResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, 0, fmt.Errorf("failed to decode response body: %w", err)
	}
	return &result, tokensOf(resp.Header), nil
}

// Citations fetches knowledge-base citations for the hazards of a report.
func (c *HTTPInferenceClient) Citations(ctx context.Context, reportID string) (*models.Citations, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.url+"/api/hazards_kb_citations?report_id="+url.QueryEscape(reportID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var citations models.Citations
	if err := json.NewDecoder(resp.Body).Decode(&citations); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return &citations, nil
}

// StartChat opens an upstream chat session and returns its streamed first reply.
func (c *HTTPInferenceClient) StartChat(ctx context.Context, req StartChatRequest) (*Stream, error) {
	resp, err := c.postJSON(ctx, "/api/chat/start", req)
	if err != nil {
		return nil, err
	}
	return &Stream{Body: resp.Body, SessionID: resp.Header.Get(headerSessionID), Tokens: tokensOf(resp.Header)}, nil
}

// SendMessage posts a user turn and returns the streamed reply.
func (c *HTTPInferenceClient) SendMessage(ctx context.Context, sessionID string, parts []models.Part) (*Stream, error) {
	resp, err := c.postJSON(ctx, "/api/chat/message", map[string]any{"sessionId": sessionID, "parts": parts})
	if err != nil {
		return nil, err
	}
	return &Stream{Body: resp.Body, SessionID: sessionID, Tokens: tokensOf(resp.Header)}, nil
}

// Embed returns the embedding for a given text.
func (c *HTTPInferenceClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.postJSON(ctx, "/embedding", map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var embedding []float32
	if err := json.NewDecoder(resp.Body).Decode(&embedding); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("empty embedding")
	}
	return embedding, nil
}
