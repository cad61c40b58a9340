package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maas-portal/backend/internal/auth"
	"maas-portal/backend/internal/canvas"
	"maas-portal/backend/internal/ingest"
	"maas-portal/backend/internal/logging"
	"maas-portal/backend/internal/repository"
	"maas-portal/backend/internal/services"
	"maas-portal/backend/internal/usage"
	"maas-portal/backend/pkg/models"
)

type testEnv struct {
	e      *echo.Echo
	store  *repository.MemoryStore
	tenant string
}

// upstream fakes the inference backend.
func upstream(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/analyze", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Token-Usage", "33")
		json.NewEncoder(w).Encode(models.AnalysisResult{
			Scene:      "warehouse aisle",
			MainHazard: models.Hazard{Type: "blocked_exit", Level: "medium"},
			ImagePath:  "/static/a.jpg",
		})
	})
	mux.HandleFunc("/api/chat/start", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Session-Id", "up-7")
		io.WriteString(w, "Clear the exit first.")
	})
	mux.HandleFunc("/api/chat/message", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "Then mark the floor.")
	})
	mux.HandleFunc("/embedding", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "embedding model offline", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newEnv(t *testing.T, inferenceURL string) *testEnv {
	t.Helper()
	log := logging.NewLoggerTo(io.Discard, "error")
	store := repository.NewMemoryStore()
	tenant := &models.Tenant{Name: "acme.com", Domain: "acme.com"}
	require.NoError(t, store.CreateTenant(context.Background(), tenant))

	client := services.NewHTTPInferenceClient(inferenceURL, 5*time.Second)
	embed := services.NewFallbackEmbedder(client, log)
	mgr := ingest.NewManager(store, embed, log, ingest.Options{ChunkSize: 64, ChunkOverlap: 8, Workers: 2})
	t.Cleanup(mgr.Close)

	srv := &Server{
		Store:     store,
		Keys:      auth.NewAPIKeys("test-secret", time.Hour, store),
		Analysis:  services.NewAnalysisService(client, store, log, 2),
		Chat:      services.NewChatService(client, log, 0),
		Knowledge: services.NewKnowledgeService(store, mgr, embed),
		Flows:     services.NewFlowService(canvas.StaticTemplate(canvas.DefaultGraph()), 0),
		Log:       log,
		Version:   "test",
	}
	meter, err := usage.New(store, log, "/agent/api")
	require.NoError(t, err)

	withTenant := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(models.WithTenant(c.Request().Context(), tenant.ID)))
			return next(c)
		}
	}

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(log)
	RegisterHandlers(e, srv, withTenant, meter.Middleware())
	return &testEnv{e: e, store: store, tenant: tenant.ID}
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func multipartRequest(t *testing.T, path, field string, files map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, content := range files {
		fw, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		io.WriteString(fw, content)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newEnv(t, upstream(t).URL)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/agent/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	status := decode[models.HealthStatus](t, rec)
	assert.Equal(t, "ok", status.Status)
}

func TestAnalyze(t *testing.T) {
	env := newEnv(t, upstream(t).URL)

	rec := env.do(multipartRequest(t, "/agent/api/analyze", "file", map[string]string{"site.jpg": "jpegbytes"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, rec.Header().Get(headerFallback))
	res := decode[analyzeResponse](t, rec)
	assert.Equal(t, "warehouse aisle", res.Scene)
	assert.Equal(t, "blocked_exit", res.MainHazard.Type)
	assert.NotEmpty(t, res.ReportID)

	rec = env.do(multipartRequest(t, "/agent/api/analyze", "other", map[string]string{"x.jpg": "x"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	problem := decode[models.ProblemDetails](t, rec)
	assert.Equal(t, http.StatusBadRequest, problem.Status)

	tokens, err := env.store.Tokens(models.WithTenant(context.Background(), env.tenant))
	require.NoError(t, err)
	assert.Equal(t, int64(33), tokens.ByRoute["/agent/api/analyze"])
}

func TestAnalyzeFallback(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	env := newEnv(t, down.URL)

	rec := env.do(multipartRequest(t, "/agent/api/analyze_batch", "files[]", map[string]string{"a.jpg": "a", "b.jpg": "b"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "true", rec.Header().Get(headerFallback))
	batch := decode[models.BatchResult](t, rec)
	assert.Len(t, batch.Items, 2)

	reports := decode[[]models.Report](t, env.do(httptest.NewRequest(http.MethodGet, "/agent/api/reports", nil)))
	require.Len(t, reports, 2)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/agent/api/hazards_kb_citations?report_id="+reports[0].ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(headerFallback))
	citations := decode[models.Citations](t, rec)
	assert.Equal(t, reports[0].ID, citations.TaskID)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/agent/api/hazards_kb_citations", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(httptest.NewRequest(http.MethodGet, "/agent/api/hazards_kb_citations?report_id=nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChat(t *testing.T) {
	env := newEnv(t, upstream(t).URL)

	rec := env.do(jsonRequest(http.MethodPost, "/agent/api/chat/start", `{"hazard":{"type":"blocked_exit","level":"medium"}}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Clear the exit first.", rec.Body.String())
	sessionID := rec.Header().Get(headerSessionID)
	require.NotEmpty(t, sessionID)

	rec = env.do(jsonRequest(http.MethodPost, "/agent/api/chat/message",
		`{"sessionId":"`+sessionID+`","parts":[{"type":"text","text":"   "}]}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(jsonRequest(http.MethodPost, "/agent/api/chat/message",
		`{"sessionId":"`+sessionID+`","parts":[{"type":"text","text":"and then?"}]}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Then mark the floor.", rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodGet, "/agent/api/chat/"+sessionID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	sess := decode[models.ChatSession](t, rec)
	require.Len(t, sess.Messages, 3)
	assert.Equal(t, "and then?", sess.Messages[1].Parts[0].Text)

	rec = env.do(jsonRequest(http.MethodPost, "/agent/api/chat/message", `{"sessionId":"nope","parts":[{"type":"text","text":"hi"}]}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKnowledgeBaseLifecycle(t *testing.T) {
	env := newEnv(t, upstream(t).URL)

	rec := env.do(jsonRequest(http.MethodPost, "/agent/api/knowledge-bases", `{"name":"  "}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(jsonRequest(http.MethodPost, "/agent/api/knowledge-bases", `{"name":"Site rules"}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	kb := decode[models.KnowledgeBase](t, rec)

	rec = env.do(multipartRequest(t, "/agent/api/knowledge-bases/"+kb.ID+"/documents", "files[]", map[string]string{
		"exits.txt":   "Fire exits must stay clear of pallets at all times.",
		"helmets.txt": "Helmets are mandatory inside the crane zone.",
	}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Len(t, decode[[]ingest.Job](t, rec), 2)

	require.Eventually(t, func() bool {
		jobs := decode[[]ingest.Job](t, env.do(httptest.NewRequest(http.MethodGet, "/agent/api/knowledge-bases/"+kb.ID+"/uploads", nil)))
		for _, j := range jobs {
			if j.Stage != ingest.StageCompleted {
				return false
			}
		}
		return len(jobs) == 2
	}, 5*time.Second, 10*time.Millisecond)

	docs := decode[[]models.Document](t, env.do(httptest.NewRequest(http.MethodGet, "/agent/api/knowledge-bases/"+kb.ID+"/documents", nil)))
	assert.Len(t, docs, 2)

	rec = env.do(jsonRequest(http.MethodPost, "/agent/api/knowledge-bases/"+kb.ID+"/search", `{"query":"crane helmets","top_k":1}`))
	require.Equal(t, http.StatusOK, rec.Code)
	hits := decode[[]models.Chunk](t, rec)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Content, "Helmets")

	rec = env.do(httptest.NewRequest(http.MethodDelete, "/agent/api/knowledge-bases/"+kb.ID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(httptest.NewRequest(http.MethodGet, "/agent/api/knowledge-bases/"+kb.ID+"/documents", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUsageEndpoints(t *testing.T) {
	env := newEnv(t, upstream(t).URL)
	env.do(httptest.NewRequest(http.MethodGet, "/agent/api/reports", nil))
	env.do(httptest.NewRequest(http.MethodGet, "/agent/api/reports", nil))
	env.do(httptest.NewRequest(http.MethodGet, "/agent/api/knowledge-bases", nil))

	calls := decode[map[string]int64](t, env.do(httptest.NewRequest(http.MethodGet, "/agent/_meta/calls", nil)))
	assert.Equal(t, map[string]int64{"/agent/api/reports": 2, "/agent/api/knowledge-bases": 1}, calls)

	daily := decode[map[string]int64](t, env.do(httptest.NewRequest(http.MethodGet, "/agent/_meta/calls/daily", nil)))
	assert.Equal(t, map[string]int64{time.Now().UTC().Format(repository.DayKey): 3}, daily)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/agent/api/all_tokens", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), decode[models.TokenUsage](t, rec).TotalTokens)
}

func TestAPIKeys(t *testing.T) {
	env := newEnv(t, upstream(t).URL)

	rec := env.do(jsonRequest(http.MethodPost, "/agent/api/keys", `{"name":"ci"}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[createKeyResponse](t, rec)
	assert.True(t, auth.IsAPIKey(created.Token))

	keys := decode[[]models.APIKey](t, env.do(httptest.NewRequest(http.MethodGet, "/agent/api/keys", nil)))
	require.Len(t, keys, 1)
	assert.Equal(t, "ci", keys[0].Name)

	rec = env.do(httptest.NewRequest(http.MethodDelete, "/agent/api/keys/"+created.Key.ID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	keys = decode[[]models.APIKey](t, env.do(httptest.NewRequest(http.MethodGet, "/agent/api/keys", nil)))
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].RevokedAt)
}

func TestFlowEditor(t *testing.T) {
	env := newEnv(t, upstream(t).URL)

	rec := env.do(httptest.NewRequest(http.MethodPost, "/agent/api/flows", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	view := decode[services.FlowView](t, rec)
	require.Len(t, view.Scene.Nodes, 4)
	base := "/agent/api/flows/" + view.ID

	rec = env.do(jsonRequest(http.MethodPost, base+"/events",
		`[{"type":"select","node_id":"3"},{"type":"update_config","node_id":"3","config":{"temperature":0.2}}]`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view = decode[services.FlowView](t, rec)
	require.NotNil(t, view.Panel)
	cfg, ok := view.Panel.Config.(canvas.ModelConfig)
	require.True(t, ok)
	assert.Equal(t, "qwen-plus", cfg.Model)
	assert.InDelta(t, 0.2, cfg.Temperature, 1e-9)

	rec = env.do(jsonRequest(http.MethodPost, base+"/events", `{"type":"wheel","deltaY":100,"ctrlKey":true}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0.9, decode[services.FlowView](t, rec).Scene.Viewport.Zoom, 1e-9)

	rec = env.do(jsonRequest(http.MethodPost, base+"/events", `{"type":"delete_node","node_id":"nope"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(jsonRequest(http.MethodPost, base+"/events", `{"type":"update_config","node_id":"3","kind":"tool"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(jsonRequest(http.MethodPost, base+"/events", `{not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodDelete, base, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(httptest.NewRequest(http.MethodGet, base, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
