package orderform

import (
	"context"
	"sync"
	"time"
)

type registryEntry struct {
	session  *Session
	lastUsed time.Time
}

// Registry holds open sessions and evicts the ones left idle past TTL.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*registryEntry
	ttl      time.Duration
	now      func() time.Time
	onChange func(open int)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	TTL time.Duration
	Now func() time.Time
	// OnChange is called with the number of open sessions after every add or
	// removal.
	OnChange func(open int)
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		sessions: make(map[string]*registryEntry),
		ttl:      ttl,
		now:      now,
		onChange: cfg.OnChange,
	}
}

// Put adds a session.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = &registryEntry{session: s, lastUsed: r.now()}
	n := len(r.sessions)
	r.mu.Unlock()
	r.changed(n)
}

// Get returns the session and marks it as used.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	now := r.now()
	if now.Sub(e.lastUsed) > r.ttl {
		delete(r.sessions, id)
		n := len(r.sessions)
		r.mu.Unlock()
		r.changed(n)
		return nil, ErrSessionNotFound
	}
	e.lastUsed = now
	r.mu.Unlock()
	return e.session, nil
}

// Delete removes a session. It reports whether the session existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()
	if ok {
		r.changed(n)
	}
	return ok
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep evicts idle sessions and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	now := r.now()
	removed := 0
	for id, e := range r.sessions {
		if now.Sub(e.lastUsed) > r.ttl {
			delete(r.sessions, id)
			removed++
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()
	if removed > 0 {
		r.changed(n)
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) changed(n int) {
	if r.onChange != nil {
		r.onChange(n)
	}
}
