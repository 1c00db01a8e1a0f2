package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"charterdesk/api/internal/export"
	"charterdesk/api/internal/model"
)

var ErrSessionNotFound = errors.New("session not found")

// Registry holds the open sessions of this process.
type Registry struct {
	deps Deps
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(deps Deps, opts Options) *Registry {
	return &Registry{deps: deps, opts: opts, sessions: make(map[string]*Session)}
}

// Create opens a session. An empty policy uses the registry default.
func (r *Registry) Create(title string, policy model.Policy) (*Session, error) {
	opts := r.opts
	if policy != "" {
		opts.Policy = policy
	}
	s, err := NewSession("", title, r.deps, opts)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s, nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// List returns open sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close removes the session and stops its background work.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	s.Close(ctx)
	return nil
}

// Shutdown closes every session.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close(ctx)
	}
}

func (r *Registry) ExportDraft(_ context.Context, sessionID string) (export.Draft, error) {
	s, err := r.Get(sessionID)
	if err != nil {
		return export.Draft{}, err
	}
	return s.ExportDraft(), nil
}

func (r *Registry) DraftVersion(_ context.Context, sessionID string) (int64, error) {
	s, err := r.Get(sessionID)
	if err != nil {
		return 0, err
	}
	return s.container.Version(), nil
}
