package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maas-portal/backend/internal/repository"
	"maas-portal/backend/pkg/models"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any) {}
func (nopLogger) Warn(string, ...any) {}

type lengthEmbedder struct{}

func (lengthEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

// gateEmbedder blocks every call until release is closed.
type gateEmbedder struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
		return []float32{1, 0}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type transitions struct {
	mu  sync.Mutex
	log []Job
}

func (tr *transitions) record(j Job) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.log = append(tr.log, j)
}

func (tr *transitions) count(stage Stage) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n := 0
	for _, j := range tr.log {
		if j.Stage == stage {
			n++
		}
	}
	return n
}

func (tr *transitions) stages(id string) []Stage {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []Stage
	for _, j := range tr.log {
		if j.ID == id {
			out = append(out, j.Stage)
		}
	}
	return out
}

func setup(t *testing.T, embed Embedder, opts Options) (context.Context, *repository.MemoryStore, *models.KnowledgeBase, *Manager, *transitions) {
	t.Helper()
	store := repository.NewMemoryStore()
	tenant := &models.Tenant{Name: "acme.com", Domain: "acme.com"}
	require.NoError(t, store.CreateTenant(context.Background(), tenant))
	ctx := models.WithTenant(context.Background(), tenant.ID)
	kb := &models.KnowledgeBase{Name: "manuals"}
	require.NoError(t, store.CreateKnowledgeBase(ctx, kb))

	tr := &transitions{}
	opts.OnTransition = tr.record
	m := NewManager(store, embed, nopLogger{}, opts)
	t.Cleanup(m.Close)
	return ctx, store, kb, m, tr
}

func TestStageFor(t *testing.T) {
	tests := []struct {
		progress int
		want     Stage
	}{
		{0, StageQueued},
		{1, StageParsing},
		{29, StageParsing},
		{30, StageSlicing},
		{59, StageSlicing},
		{60, StageVectorizing},
		{99, StageVectorizing},
		{100, StageCompleted},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StageFor(tt.progress), "progress %d", tt.progress)
	}
}

func TestSlice(t *testing.T) {
	chunks := Slice("abcdefghij", 4, 1)
	assert.Equal(t, []string{"abcd", "defg", "ghij"}, chunks)

	assert.Equal(t, []string{"héllo"}, Slice("héllo", 10, 2))
	assert.Empty(t, Slice("   ", 4, 0))
	// overlap >= size degrades to no overlap
	assert.Equal(t, []string{"ab", "cd"}, Slice("abcd", 2, 5))
}

func TestParse(t *testing.T) {
	text, err := Parse([]byte("\xEF\xBB\xBFline one\r\nline two\n"))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", text)

	_, err = Parse([]byte{0x89, 'P', 'N', 'G', 0x00})
	assert.ErrorIs(t, err, ErrUnsupportedContent)
}

func TestConcurrentUploads(t *testing.T) {
	ctx, store, kb, m, tr := setup(t, lengthEmbedder{}, Options{ChunkSize: 16, ChunkOverlap: 4, Workers: 2})

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []string
	)
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body := fmt.Sprintf("document %d: %s", i, strings.Repeat("scaffold safety rules ", 5))
			job, err := m.Submit(ctx, kb.ID, fmt.Sprintf("doc-%d.txt", i), []byte(body))
			assert.NoError(t, err)
			mu.Lock()
			ids = append(ids, job.ID)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, ids, 3)

	for _, id := range ids {
		job, err := m.Wait(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StageCompleted, job.Stage)
		assert.Equal(t, CompletedAt, job.Progress)
		assert.NotEmpty(t, job.DocumentID)
		assert.Equal(t,
			[]Stage{StageQueued, StageParsing, StageSlicing, StageVectorizing, StageCompleted},
			tr.stages(id))
	}
	assert.Equal(t, 3, tr.count(StageCompleted))

	docs, err := store.ListDocuments(ctx, kb.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	jobs := m.Jobs(kb.ID)
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Equal(t, StageCompleted, j.Stage)
	}
}

func TestBinaryUploadsIndexMetadata(t *testing.T) {
	ctx, store, kb, m, tr := setup(t, lengthEmbedder{}, Options{ChunkSize: 16, Workers: 3})

	pdf := []byte("%PDF-1.7\n%\xE2\xE3\xCF\xD3\n1 0 obj\n<<>>\nendobj\n\x00\x01\x02")
	ids := make([]string, 3)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := m.Submit(ctx, kb.ID, fmt.Sprintf("site_rules_%d.pdf", i), pdf)
			assert.NoError(t, err)
			ids[i] = job.ID
		}()
	}
	wg.Wait()

	for _, id := range ids {
		job, err := m.Wait(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StageCompleted, job.Stage)
		assert.True(t, job.Fallback)
		assert.Empty(t, job.Error)
	}
	assert.Equal(t, 3, tr.count(StageCompleted))

	docs, err := store.ListDocuments(ctx, kb.ID)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	for _, d := range docs {
		assert.Equal(t, 1, d.ChunkCount)
	}

	hits, err := store.SearchChunks(ctx, kb.ID, []float32{0, 1}, 3)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Content, "application/pdf")
}

func TestEmptyUploadIndexesMetadata(t *testing.T) {
	ctx, store, kb, m, _ := setup(t, lengthEmbedder{}, Options{ChunkSize: 16})

	job, err := m.Submit(ctx, kb.ID, "blank.txt", []byte(" \n\t "))
	require.NoError(t, err)
	job, err = m.Wait(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, job.Stage)
	assert.True(t, job.Fallback)

	docs, err := store.ListDocuments(ctx, kb.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

// slowStore holds AddDocument until release is closed.
type slowStore struct {
	Store
	entered     chan struct{}
	release     chan struct{}
	once        sync.Once
	releaseOnce sync.Once
}

func (s *slowStore) open() { s.releaseOnce.Do(func() { close(s.release) }) }

func (s *slowStore) AddDocument(ctx context.Context, doc *models.Document, chunks []*models.Chunk) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.Store.AddDocument(ctx, doc, chunks)
}

func setupSlow(t *testing.T) (context.Context, *repository.MemoryStore, *models.KnowledgeBase, *Manager, *slowStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	tenant := &models.Tenant{Name: "acme.com", Domain: "acme.com"}
	require.NoError(t, store.CreateTenant(context.Background(), tenant))
	ctx := models.WithTenant(context.Background(), tenant.ID)
	kb := &models.KnowledgeBase{Name: "manuals"}
	require.NoError(t, store.CreateKnowledgeBase(ctx, kb))

	slow := &slowStore{Store: store, entered: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(slow, lengthEmbedder{}, nopLogger{}, Options{ChunkSize: 16, Workers: 2})
	t.Cleanup(m.Close)
	t.Cleanup(slow.open)
	return ctx, store, kb, m, slow
}

func TestSlowCommitDoesNotBlockSubmit(t *testing.T) {
	ctx, _, kb, m, slow := setupSlow(t)

	first, err := m.Submit(ctx, kb.ID, "a.txt", []byte("lock out machines before servicing"))
	require.NoError(t, err)
	select {
	case <-slow.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first job never reached its commit")
	}

	submitted := make(chan error, 1)
	go func() {
		_, err := m.Submit(ctx, kb.ID, "b.txt", []byte("wear ear protection near presses"))
		submitted <- err
	}()
	select {
	case err := <-submitted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Submit waited for another job's commit")
	}

	slow.open()
	job, err := m.Wait(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, job.Stage)
}

func TestCancelAfterCommitReportsFalse(t *testing.T) {
	ctx, store, kb, m, slow := setupSlow(t)

	job, err := m.Submit(ctx, kb.ID, "a.txt", []byte("lock out machines before servicing"))
	require.NoError(t, err)
	select {
	case <-slow.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached its commit")
	}

	cancelled := make(chan bool, 1)
	go func() { cancelled <- m.Cancel(job.ID) }()
	select {
	case <-cancelled:
		t.Fatal("Cancel returned while the document was being appended")
	case <-time.After(20 * time.Millisecond):
	}
	slow.open()

	assert.False(t, <-cancelled, "the document was appended, so the job was not cancelled")
	job, err = m.Wait(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, job.Stage)
	docs, err := store.ListDocuments(ctx, kb.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestTerminalJobsArePruned(t *testing.T) {
	ctx, _, kb, m, _ := setup(t, lengthEmbedder{}, Options{ChunkSize: 16, Retention: time.Minute})

	old, err := m.Submit(ctx, kb.ID, "a.txt", []byte("keep exits clear"))
	require.NoError(t, err)
	_, err = m.Wait(ctx, old.ID)
	require.NoError(t, err)

	later := time.Now().Add(2 * time.Minute)
	m.now = func() time.Time { return later }
	fresh, err := m.Submit(ctx, kb.ID, "b.txt", []byte("wear a helmet"))
	require.NoError(t, err)
	_, err = m.Wait(ctx, fresh.ID)
	require.NoError(t, err)

	_, ok := m.Job(old.ID)
	assert.False(t, ok)
	_, err = m.Wait(ctx, old.ID)
	assert.ErrorIs(t, err, ErrUnknownJob)
	jobs := m.Jobs(kb.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, fresh.ID, jobs[0].ID)
	assert.Zero(t, m.tracker.Len())
}

func TestCancelNeverAppends(t *testing.T) {
	gate := &gateEmbedder{entered: make(chan struct{}), release: make(chan struct{})}
	ctx, store, kb, m, _ := setup(t, gate, Options{ChunkSize: 8, Workers: 1})

	job, err := m.Submit(ctx, kb.ID, "notes.txt", []byte("wear gloves near cutting tools"))
	require.NoError(t, err)

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached vectorizing")
	}
	snap, ok := m.Job(job.ID)
	require.True(t, ok)
	assert.Equal(t, StageVectorizing, snap.Stage)

	assert.Equal(t, 1, m.CancelKnowledgeBase(kb.ID))
	close(gate.release)

	job, err = m.Wait(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StageCancelled, job.Stage)
	assert.False(t, m.Cancel(job.ID), "terminal jobs cannot be cancelled")

	docs, err := store.ListDocuments(ctx, kb.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestDeletedKnowledgeBaseFailsCommit(t *testing.T) {
	ctx, store, kb, m, _ := setup(t, lengthEmbedder{}, Options{ChunkSize: 8, Tick: time.Millisecond})

	job, err := m.Submit(ctx, kb.ID, "notes.txt", []byte("keep exits clear of debris"))
	require.NoError(t, err)
	require.NoError(t, store.DeleteKnowledgeBase(ctx, kb.ID))

	job, err = m.Wait(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, []Stage{StageFailed, StageCancelled}, job.Stage)
	assert.Empty(t, job.DocumentID)
}

func TestSubmitRequiresTenant(t *testing.T) {
	_, _, kb, m, _ := setup(t, lengthEmbedder{}, Options{})
	_, err := m.Submit(context.Background(), kb.ID, "a.txt", []byte("x"))
	assert.True(t, errors.Is(err, repository.ErrNoTenant))
}

func TestWaitUnknownJob(t *testing.T) {
	_, _, _, m, _ := setup(t, lengthEmbedder{}, Options{})
	_, err := m.Wait(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
}
