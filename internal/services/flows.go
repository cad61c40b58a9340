package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"maas-portal/backend/internal/canvas"
	"maas-portal/backend/pkg/models"
)

// Templates supplies the graph new editor sessions start from.
type Templates interface {
	Current() canvas.Graph
}

// FlowView is what the browser renders for an editor session.
type FlowView struct {
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	Scene canvas.Scene `json:"scene"`
	// Panel is the configuration panel of the selected node.
	Panel *canvas.Node `json:"panel"`
}

type flowSession struct {
	mu     sync.Mutex
	tenant string
	name   string
	editor *canvas.Editor
	// lastUsed is in Unix nanoseconds.
	lastUsed atomic.Int64
}

func (f *flowSession) view(id string) FlowView {
	v := FlowView{ID: id, Name: f.name, Scene: f.editor.Render()}
	if n, ok := f.editor.Panel(); ok {
		v.Panel = &n
	}
	return v
}

// FlowService holds in-memory flow editor sessions. Each session serializes
// its own events. Sessions unused for longer than the idle TTL are dropped
// when a new one is created.
type FlowService struct {
	templates Templates
	idleTTL   time.Duration
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*flowSession
}

func NewFlowService(templates Templates, idleTTL time.Duration) *FlowService {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &FlowService{
		templates: templates,
		idleTTL:   idleTTL,
		now:       time.Now,
		sessions:  make(map[string]*flowSession),
	}
}

// Create opens an editor on the current template.
func (s *FlowService) Create(ctx context.Context) FlowView {
	tenant, _ := models.TenantFromContext(ctx)
	g := s.templates.Current()
	f := &flowSession{tenant: tenant, name: g.Name, editor: canvas.NewEditor(g)}
	now := s.now()
	f.lastUsed.Store(now.UnixNano())
	id := uuid.New().String()

	cutoff := now.Add(-s.idleTTL).UnixNano()
	s.mu.Lock()
	for sid, old := range s.sessions {
		if old.lastUsed.Load() < cutoff {
			delete(s.sessions, sid)
		}
	}
	s.sessions[id] = f
	s.mu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view(id)
}

func (s *FlowService) session(ctx context.Context, id string) (*flowSession, error) {
	tenant, _ := models.TenantFromContext(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.sessions[id]
	if !ok || f.tenant != tenant {
		return nil, ErrUnknownFlow
	}
	f.lastUsed.Store(s.now().UnixNano())
	return f, nil
}

func (s *FlowService) Get(ctx context.Context, id string) (FlowView, error) {
	f, err := s.session(ctx, id)
	if err != nil {
		return FlowView{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view(id), nil
}

// Dispatch applies events in order and stops at the first that fails. Events
// before the failing one stay applied.
func (s *FlowService) Dispatch(ctx context.Context, id string, events []canvas.Event) (FlowView, error) {
	f, err := s.session(ctx, id)
	if err != nil {
		return FlowView{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, ev := range events {
		if err := f.editor.Dispatch(ev); err != nil {
			return FlowView{}, fmt.Errorf("%w: event %d (%s): %w", ErrInvalidInput, i, ev.Type, err)
		}
	}
	return f.view(id), nil
}

// Graph exports the session's current graph.
func (s *FlowService) Graph(ctx context.Context, id string) (canvas.Graph, error) {
	f, err := s.session(ctx, id)
	if err != nil {
		return canvas.Graph{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return canvas.Graph{Name: f.name, Nodes: f.editor.Nodes(), Connections: f.editor.Connections()}, nil
}

func (s *FlowService) Close(ctx context.Context, id string) error {
	if _, err := s.session(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}
