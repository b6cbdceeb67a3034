package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/wuwenbin0122/workforce/internal/clock"
)

// DefaultIdleTTL is how long a session with nothing open survives between
// requests.
const DefaultIdleTTL = 30 * time.Minute

// Factory builds the Session for one acting user.
type Factory func(userID string) (*Session, error)

type RegistryOption func(*Registry)

// WithIdleTTL sets the idle lifetime; zero or less keeps sessions until
// Shutdown.
func WithIdleTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		r.idleTTL = ttl
	}
}

func WithRegistryClock(c clock.Clock) RegistryOption {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

type registered struct {
	session  *Session
	lastUsed time.Time
}

// Registry hands out one Session per acting user, creating them on first
// use. Sessions that stay idle past the TTL are shut down by EvictIdle.
type Registry struct {
	factory Factory
	clock   clock.Clock
	idleTTL time.Duration

	mu       sync.Mutex
	sessions map[string]*registered
	closed   bool
}

func NewRegistry(factory Factory, opts ...RegistryOption) *Registry {
	r := &Registry{
		factory:  factory,
		clock:    clock.Real(),
		idleTTL:  DefaultIdleTTL,
		sessions: make(map[string]*registered),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Get(userID string) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrMissingUser
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrSessionClosed
	}
	now := r.clock.Now()
	if reg, ok := r.sessions[userID]; ok {
		reg.lastUsed = now
		return reg.session, nil
	}
	s, err := r.factory(userID)
	if err != nil {
		return nil, err
	}
	r.sessions[userID] = &registered{session: s, lastUsed: now}
	return s, nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// EvictIdle shuts down sessions unused for longer than the TTL. Sessions
// with an open conversation or a running tool are kept. It returns the
// number evicted.
func (r *Registry) EvictIdle() int {
	if r.idleTTL <= 0 {
		return 0
	}

	r.mu.Lock()
	cutoff := r.clock.Now().Add(-r.idleTTL)
	var evicted []*Session
	for userID, reg := range r.sessions {
		if reg.lastUsed.After(cutoff) || !reg.session.idle() {
			continue
		}
		delete(r.sessions, userID)
		evicted = append(evicted, reg.session)
	}
	r.mu.Unlock()

	for _, s := range evicted {
		s.Shutdown()
	}
	return len(evicted)
}

// Janitor calls EvictIdle every interval until ctx is done.
func (r *Registry) Janitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.idleTTL <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(interval):
			r.EvictIdle()
		}
	}
}

func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*registered)
	r.closed = true
	r.mu.Unlock()

	for _, reg := range sessions {
		reg.session.Shutdown()
	}
}
