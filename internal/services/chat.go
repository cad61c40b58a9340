package services

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"maas-portal/backend/internal/tasks"
	"maas-portal/backend/pkg/models"
)

// ChatService keeps hazard conversations and streams assistant replies.
// A new turn supersedes the reply still streaming for the same session:
// the older stream is cancelled and never reaches the transcript. Sessions
// idle for longer than the idle TTL are dropped when a new one starts.
type ChatService struct {
	client  InferenceClient
	log     Logger
	tracker *tasks.Tracker
	idleTTL time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*chatSession
}

type chatSession struct {
	models.ChatSession
	cancel     context.CancelFunc
	lastActive time.Time
}

// DefaultIdleTTL is used when a service is created with a zero idle TTL.
const DefaultIdleTTL = 2 * time.Hour

func NewChatService(client InferenceClient, log Logger, idleTTL time.Duration) *ChatService {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &ChatService{
		client:   client,
		log:      log,
		tracker:  tasks.NewTracker(),
		idleTTL:  idleTTL,
		now:      time.Now,
		sessions: make(map[string]*chatSession),
	}
}

// sweep drops idle sessions and cancels their streams.
func (s *ChatService) sweep() {
	cutoff := s.now().Add(-s.idleTTL)
	var idle []string
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.lastActive.Before(cutoff) {
			if sess.cancel != nil {
				sess.cancel()
			}
			delete(s.sessions, id)
			idle = append(idle, id)
		}
	}
	s.mu.Unlock()
	// tracker key locks are taken before s.mu, so forget outside it
	for _, id := range idle {
		s.tracker.Forget(id)
	}
	if len(idle) > 0 {
		s.log.Info("dropped idle chat sessions", "count", len(idle))
	}
}

// Reply is a streamed assistant turn. Read it to the end, then Close it to
// append it to the transcript.
type Reply struct {
	SessionID string
	Fallback  bool

	svc      *ChatService
	ticket   tasks.Ticket
	body     io.ReadCloser
	cancel   context.CancelFunc
	upstream int64
	text     strings.Builder
	once     sync.Once
}

func (r *Reply) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	r.text.Write(p[:n])
	return n, err
}

// Close releases the stream and commits the text read so far, unless a
// newer turn has superseded it.
func (r *Reply) Close() error {
	r.once.Do(func() {
		r.body.Close()
		r.cancel()
		r.svc.commit(r)
	})
	return nil
}

// Tokens returns the usage of the reply: the upstream figure when one was
// reported, otherwise an estimate from the text read.
func (r *Reply) Tokens() int64 {
	if r.upstream >= 0 {
		return r.upstream
	}
	return EstimateTokens(r.text.String())
}

// Text returns what has been read from the reply.
func (r *Reply) Text() string { return r.text.String() }

func (s *ChatService) commit(r *Reply) {
	text := r.text.String()
	if strings.TrimSpace(text) == "" {
		return
	}
	committed := s.tracker.Commit(r.ticket, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		sess, ok := s.sessions[r.SessionID]
		if !ok {
			return
		}
		msg := models.Message{
			Role:      models.RoleAssistant,
			Parts:     []models.Part{{Type: models.PartText, Text: text}},
			Fallback:  r.Fallback,
			CreatedAt: s.now().UTC(),
		}
		sess.Messages = append(sess.Messages[:len(sess.Messages):len(sess.Messages)], msg)
		sess.lastActive = s.now()
	})
	if !committed {
		s.log.Info("discarded superseded chat reply", "session", r.SessionID)
	}
}

// Start opens a conversation about hazard and returns the first reply.
func (s *ChatService) Start(ctx context.Context, req StartChatRequest) (*Reply, error) {
	if strings.TrimSpace(req.Hazard.Type) == "" && strings.TrimSpace(req.Hazard.Description) == "" {
		return nil, ErrInvalidInput
	}
	s.sweep()
	tenant, _ := models.TenantFromContext(ctx)
	now := s.now()
	sess := &chatSession{ChatSession: models.ChatSession{
		ID:        uuid.New().String(),
		TenantID:  tenant,
		Hazard:    req.Hazard,
		Image:     req.Image,
		Messages:  []models.Message{},
		CreatedAt: now.UTC(),
	}, lastActive: now}

	rctx, cancel := context.WithCancel(ctx)
	tk := s.tracker.Begin(sess.ID)
	stream, fallback := s.open(rctx, func() (*Stream, error) { return s.client.StartChat(rctx, req) }, mockChatGreeting)
	sess.UpstreamID = stream.SessionID
	sess.cancel = cancel

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	return s.reply(sess.ID, tk, stream, fallback, cancel), nil
}

// Send appends a user turn and returns the assistant reply.
func (s *ChatService) Send(ctx context.Context, sessionID string, parts []models.Part) (*Reply, error) {
	parts = cleanParts(parts)
	if len(parts) == 0 {
		return nil, ErrEmptyMessage
	}
	tenant, _ := models.TenantFromContext(ctx)
	if !s.owns(sessionID, tenant) {
		return nil, ErrUnknownSession
	}

	rctx, cancel := context.WithCancel(ctx)
	var upstreamID string
	appended := false
	tk := s.tracker.Begin(sessionID)
	ok := s.tracker.Commit(tk, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		sess, live := s.sessions[sessionID]
		if !live {
			return
		}
		if sess.cancel != nil {
			sess.cancel()
		}
		sess.cancel = cancel
		sess.Messages = append(sess.Messages[:len(sess.Messages):len(sess.Messages)], models.Message{
			Role:      models.RoleUser,
			Parts:     parts,
			CreatedAt: s.now().UTC(),
		})
		sess.lastActive = s.now()
		upstreamID = sess.UpstreamID
		appended = true
	})
	if !ok {
		cancel()
		return nil, ErrSuperseded
	}
	if !appended {
		// swept between the ownership check and Begin
		cancel()
		s.tracker.Forget(sessionID)
		return nil, ErrUnknownSession
	}

	stream, fallback := s.open(rctx, func() (*Stream, error) { return s.client.SendMessage(rctx, upstreamID, parts) }, mockChatReply)
	return s.reply(sessionID, tk, stream, fallback, cancel), nil
}

func (s *ChatService) owns(id, tenant string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return ok && sess.TenantID == tenant
}

// Session returns a copy of a transcript.
func (s *ChatService) Session(ctx context.Context, id string) (*models.ChatSession, error) {
	tenant, _ := models.TenantFromContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.TenantID != tenant {
		return nil, ErrUnknownSession
	}
	out := sess.ChatSession
	out.Messages = append([]models.Message(nil), sess.Messages...)
	return &out, nil
}

func (s *ChatService) open(ctx context.Context, call func() (*Stream, error), mock string) (*Stream, bool) {
	stream, err := call()
	if err != nil {
		if ctx.Err() != nil {
			// superseded before upstream answered
			return mockStream(""), false
		}
		s.log.Warn("chat upstream failed, using mock reply", "error", err)
		return mockStream(mock), true
	}
	return stream, false
}

func (s *ChatService) reply(id string, tk tasks.Ticket, stream *Stream, fallback bool, cancel context.CancelFunc) *Reply {
	return &Reply{
		SessionID: id,
		Fallback:  fallback,
		svc:       s,
		ticket:    tk,
		body:      stream.Body,
		cancel:    cancel,
		upstream:  stream.Tokens,
	}
}

// cleanParts drops blank text parts and image parts without a URL.
func cleanParts(parts []models.Part) []models.Part {
	out := make([]models.Part, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case models.PartText:
			if strings.TrimSpace(p.Text) != "" {
				out = append(out, p)
			}
		case models.PartImage:
			if strings.TrimSpace(p.URL) != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
