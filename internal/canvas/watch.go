package canvas

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// TemplateSource hands out the graph new editors are seeded with. When backed
// by a file, Watch reloads it as the file changes.
type TemplateSource struct {
	mu    sync.RWMutex
	graph Graph
	path  string
	log   Logger
}

// StaticTemplate returns a source that always serves g.
func StaticTemplate(g Graph) *TemplateSource {
	return &TemplateSource{graph: g.Clone()}
}

// FileTemplate loads the template at path.
func FileTemplate(path string, log Logger) (*TemplateSource, error) {
	g, err := LoadTemplate(path)
	if err != nil {
		return nil, err
	}
	return &TemplateSource{graph: g, path: path, log: log}, nil
}

// Current returns a copy of the current template.
func (s *TemplateSource) Current() Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph.Clone()
}

func (s *TemplateSource) reload() error {
	g, err := LoadTemplate(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.graph = g
	s.mu.Unlock()
	return nil
}

// Watch reloads the template whenever its file is written, created or
// renamed into place, until ctx is done. A template that fails to parse is
// logged and the previous one stays in effect. Static sources return
// immediately.
func (s *TemplateSource) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch flow template: %w", err)
	}
	defer w.Close()

	// editors replace files by rename, so watch the directory rather than the file
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch flow template: %w", err)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil {
				if s.log != nil {
					s.log.Warn("flow template reload failed", "path", s.path, "error", err)
				}
				continue
			}
			if s.log != nil {
				s.log.Info("flow template reloaded", "path", s.path)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if s.log != nil {
				s.log.Warn("flow template watcher error", "error", err)
			}
		}
	}
}
