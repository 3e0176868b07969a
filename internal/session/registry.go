package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrCapacity is returned by Add when the session limit is reached
var ErrCapacity = errors.New("session capacity reached")

const cleanupInterval = 30 * time.Second

// Registry tracks the live sessions and enforces the connection limit.
// A background routine reaps sessions idle past the configured timeout.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	maxSessions int
	idleTimeout time.Duration
	logger      *slog.Logger

	created uint64
	removed uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry creates a registry and starts its idle cleanup routine.
// maxSessions of 0 disables the limit; idleTimeout of 0 disables reaping.
func NewRegistry(maxSessions int, idleTimeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		idleTimeout: idleTimeout,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}

	if idleTimeout > 0 {
		r.wg.Add(1)
		go r.cleanupLoop()
	}

	return r
}

// Add registers a session, enforcing the capacity limit
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return ErrCapacity
	}

	r.sessions[s.ID()] = s
	r.created++

	r.logger.Debug("Session registered",
		slog.String("session_id", s.ID()),
		slog.Int("active", len(r.sessions)),
	)

	return nil
}

// Remove unregisters a session by id
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}

	delete(r.sessions, id)
	r.removed++

	r.logger.Debug("Session unregistered",
		slog.String("session_id", id),
		slog.Int("active", len(r.sessions)),
	)

	return true
}

// Get returns a session by id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of active sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Infos returns monitoring snapshots of all active sessions, ordered by id
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.GetInfo())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})

	return infos
}

// Stats is a registry counter snapshot
type Stats struct {
	Active  int    `json:"active"`
	Created uint64 `json:"created"`
	Removed uint64 `json:"removed"`
}

// GetStats returns the registry counters
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Active:  len(r.sessions),
		Created: r.created,
		Removed: r.removed,
	}
}

// Stop halts the cleanup routine and aborts all remaining sessions
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()

	r.mu.RLock()
	remaining := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		remaining = append(remaining, s)
	}
	r.mu.RUnlock()

	for _, s := range remaining {
		s.Abort("server shutting down")
	}

	r.logger.Info("Registry stopped", slog.Int("aborted", len(remaining)))
}

// cleanupLoop reaps idle sessions
func (r *Registry) cleanupLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reapIdle()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) reapIdle() {
	cutoff := time.Now().Add(-r.idleTimeout)

	r.mu.RLock()
	var idle []*Session
	for _, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range idle {
		r.logger.Info("Closing idle session",
			slog.String("session_id", s.ID()),
			slog.Time("last_activity", s.LastActivity()),
		)
		s.Abort("idle timeout")
	}
}
