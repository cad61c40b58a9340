package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"maas-portal/backend/internal/repository"
	"maas-portal/backend/internal/tasks"
	"maas-portal/backend/pkg/models"
)

// ErrUnknownJob is returned for job ids the manager never issued or has
// already pruned.
var ErrUnknownJob = errors.New("unknown upload job")

// Store receives completed documents.
type Store interface {
	AddDocument(ctx context.Context, doc *models.Document, chunks []*models.Chunk) error
}

// Embedder vectorizes chunk text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Logger is the logging surface the manager needs.
type Logger interface {
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
}

// Options tune the pipeline.
type Options struct {
	// Tick is the pause between progress steps. Zero runs without pauses.
	Tick         time.Duration
	ChunkSize    int
	ChunkOverlap int
	// Workers bounds concurrently running jobs, and concurrent embeddings within a job.
	Workers int
	// Retention is how long terminal jobs stay listed. Zero means one hour.
	Retention time.Duration
	// OnTransition, if set, is called on every stage change with the manager
	// lock held. It must not call back into the Manager.
	OnTransition func(Job)
}

const (
	progressStep     = 5
	defaultRetention = time.Hour
)

// Manager runs uploads concurrently and tracks their stages.
type Manager struct {
	ctx   context.Context
	stop  context.CancelFunc
	store Store
	embed Embedder
	log   Logger
	opts  Options

	tracker *tasks.Tracker
	slots   chan struct{}

	mu      sync.RWMutex
	jobs    map[string]*Job
	order   []string
	futures map[string]*tasks.Future[*models.Document]
	now     func() time.Time
}

func NewManager(store Store, embed Embedder, log Logger, opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 800
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		ctx:     ctx,
		stop:    stop,
		store:   store,
		embed:   embed,
		log:     log,
		opts:    opts,
		tracker: tasks.NewTracker(),
		slots:   make(chan struct{}, opts.Workers),
		jobs:    make(map[string]*Job),
		futures: make(map[string]*tasks.Future[*models.Document]),
		now:     time.Now,
	}
}

// Submit queues an upload for the knowledge base kbID. The job outlives ctx
// but keeps its tenant. Terminal jobs older than the retention are pruned.
func (m *Manager) Submit(ctx context.Context, kbID, filename string, data []byte) (Job, error) {
	tenant, ok := models.TenantFromContext(ctx)
	if !ok {
		return Job{}, repository.ErrNoTenant
	}
	now := m.now().UTC()
	job := &Job{
		ID:              uuid.New().String(),
		KnowledgeBaseID: kbID,
		TenantID:        tenant,
		Filename:        filename,
		Stage:           StageQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	tk := m.tracker.Begin(job.ID)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(now)
	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)
	m.notify(job)
	runCtx := models.WithTenant(m.ctx, tenant)
	m.futures[job.ID] = tasks.Go(runCtx, func(ctx context.Context) (*models.Document, error) {
		return m.run(ctx, job.ID, tk, job.KnowledgeBaseID, filename, data)
	})
	return *job, nil
}

// pruneLocked drops terminal jobs last updated before now minus the retention.
func (m *Manager) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.opts.Retention)
	kept := m.order[:0]
	for _, id := range m.order {
		j := m.jobs[id]
		if j.Stage.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			delete(m.futures, id)
			continue
		}
		kept = append(kept, id)
	}
	clear(m.order[len(kept):])
	m.order = kept
}

// Job returns a snapshot of one job.
func (m *Manager) Job(id string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Jobs lists the jobs of a knowledge base in submission order.
func (m *Manager) Jobs(kbID string) []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Job{}
	for _, id := range m.order {
		if j := m.jobs[id]; j.KnowledgeBaseID == kbID {
			out = append(out, *j)
		}
	}
	return out
}

// Wait blocks until the job reaches a terminal stage and returns its final snapshot.
func (m *Manager) Wait(ctx context.Context, id string) (Job, error) {
	m.mu.RLock()
	f, ok := m.futures[id]
	m.mu.RUnlock()
	if !ok {
		return Job{}, ErrUnknownJob
	}
	if _, err := f.Await(ctx); err != nil && ctx.Err() != nil {
		return Job{}, ctx.Err()
	}
	j, _ := m.Job(id)
	return j, nil
}

// Cancel stops a job. A cancelled job never appends its document. Cancel
// reports whether it stopped the job; it returns false once the document
// has been appended.
func (m *Manager) Cancel(id string) bool {
	m.mu.RLock()
	j, ok := m.jobs[id]
	running := ok && !j.Stage.Terminal()
	f := m.futures[id]
	m.mu.RUnlock()
	if !running {
		return false
	}
	// waits out a commit in progress; after it no commit can start
	m.tracker.Invalidate(id)
	if j, ok := m.Job(id); !ok || j.Stage.Terminal() {
		return false
	}
	f.Cancel()
	return true
}

// CancelKnowledgeBase cancels every running job of a knowledge base and
// returns how many it cancelled.
func (m *Manager) CancelKnowledgeBase(kbID string) int {
	m.mu.RLock()
	var ids []string
	for _, id := range m.order {
		if j := m.jobs[id]; j.KnowledgeBaseID == kbID && !j.Stage.Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	n := 0
	for _, id := range ids {
		if m.Cancel(id) {
			n++
		}
	}
	return n
}

// Close cancels all running jobs and waits for them to return.
func (m *Manager) Close() {
	m.stop()
	m.mu.RLock()
	futures := make([]*tasks.Future[*models.Document], 0, len(m.futures))
	for _, f := range m.futures {
		futures = append(futures, f)
	}
	m.mu.RUnlock()
	for _, f := range futures {
		<-f.Done()
	}
}

func (m *Manager) run(ctx context.Context, id string, tk tasks.Ticket, kbID, filename string, data []byte) (*models.Document, error) {
	defer m.tracker.Forget(id)
	doc, err := m.pipeline(ctx, id, tk, kbID, filename, data)
	switch {
	case err == nil:
		m.log.Info("upload ingested", "job", id, "knowledge_base", kbID, "chunks", doc.ChunkCount)
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		m.finish(id, StageCancelled, "")
		m.log.Info("upload cancelled", "job", id, "knowledge_base", kbID)
	default:
		m.finish(id, StageFailed, err.Error())
		m.log.Warn("upload failed", "job", id, "knowledge_base", kbID, "error", err)
	}
	return doc, err
}

func (m *Manager) pipeline(ctx context.Context, id string, tk tasks.Ticket, kbID, filename string, data []byte) (*models.Document, error) {
	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-m.slots }()

	m.advance(id, ParsingAt)
	text, err := Parse(data)
	fallback := err != nil
	if fallback {
		m.log.Warn("upload is not readable text, indexing its metadata", "job", id, "file", filename, "error", err)
	}
	if err := m.climb(ctx, id, ParsingAt, SlicingAt); err != nil {
		return nil, err
	}

	var parts []string
	if !fallback {
		parts = Slice(text, m.opts.ChunkSize, m.opts.ChunkOverlap)
	}
	if len(parts) == 0 {
		fallback = true
		parts = []string{Describe(filename, data)}
	}
	if err := m.climb(ctx, id, SlicingAt, VectorizingAt); err != nil {
		return nil, err
	}

	docID := uuid.New().String()
	chunks := make([]*models.Chunk, len(parts))
	var embedded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for i, p := range parts {
		g.Go(func() error {
			emb, err := m.embed.Embed(gctx, p)
			if err != nil {
				return fmt.Errorf("embed chunk %d: %w", i, err)
			}
			chunks[i] = &models.Chunk{
				ID:              uuid.New().String(),
				DocumentID:      docID,
				KnowledgeBaseID: kbID,
				Ordinal:         i,
				Content:         p,
				Embedding:       emb,
			}
			n := int(embedded.Add(1))
			m.advance(id, VectorizingAt+n*(CompletedAt-1-VectorizingAt)/len(parts))
			return m.sleep(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	doc := &models.Document{
		ID:              docID,
		KnowledgeBaseID: kbID,
		Filename:        filename,
		SizeBytes:       int64(len(data)),
		ChunkCount:      len(chunks),
		CreatedAt:       time.Now().UTC(),
	}
	var addErr error
	committed := m.tracker.Commit(tk, func() {
		if addErr = m.store.AddDocument(ctx, doc, chunks); addErr == nil {
			m.complete(id, doc.ID, fallback)
		}
	})
	if !committed {
		return nil, context.Canceled
	}
	if addErr != nil {
		return nil, fmt.Errorf("append document: %w", addErr)
	}
	return doc, nil
}

// climb raises progress from one stage threshold to the next, one tick per step.
func (m *Manager) climb(ctx context.Context, id string, from, to int) error {
	for p := from + progressStep; p < to; p += progressStep {
		if err := m.sleep(ctx); err != nil {
			return err
		}
		m.advance(id, p)
	}
	if err := m.sleep(ctx); err != nil {
		return err
	}
	m.advance(id, to)
	return nil
}

func (m *Manager) sleep(ctx context.Context) error {
	if m.opts.Tick <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(m.opts.Tick)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// advance raises a running job's progress below completion. Progress never decreases.
func (m *Manager) advance(id string, progress int) {
	progress = min(progress, CompletedAt-1)
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.Stage.Terminal() || progress <= j.Progress {
		return
	}
	j.Progress = progress
	j.UpdatedAt = m.now().UTC()
	if s := StageFor(progress); s != j.Stage {
		j.Stage = s
		m.notify(j)
	}
}

func (m *Manager) complete(id, docID string, fallback bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Progress = CompletedAt
	j.Stage = StageCompleted
	j.DocumentID = docID
	j.Fallback = fallback
	j.UpdatedAt = m.now().UTC()
	m.notify(j)
}

func (m *Manager) finish(id string, stage Stage, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.Stage.Terminal() {
		return
	}
	j.Stage = stage
	j.Error = msg
	j.UpdatedAt = m.now().UTC()
	m.notify(j)
}

func (m *Manager) notify(j *Job) {
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(*j)
	}
}
