package application

import (
	"sync"

	"cvpn/internal/domain"
	"cvpn/internal/infrastructure/network"
)

// Registry tracks the live sessions of one acceptor. The mutex guards
// insertion, removal and iteration only; it is never held across
// socket I/O.
type Registry struct {
	mu       sync.Mutex
	sessions map[*domain.Session]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[*domain.Session]struct{}),
	}
}

func (r *Registry) Add(s *domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = struct{}{}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Cleanup drops sessions that reached Closed. Piggybacked on acceptor
// idle ticks.
func (r *Registry) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for s := range r.sessions {
		if s.State() == domain.StateClosed {
			delete(r.sessions, s)
			removed++
		}
	}
	return removed
}

// StopAll asks every live session to stop and waits for its goroutine
// to finish. Shutting the sockets down unblocks the pumps, so the
// waits need no timeout.
func (r *Registry) StopAll() {
	r.mu.Lock()
	live := make([]*domain.Session, 0, len(r.sessions))
	for s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	for _, s := range live {
		s.MarkStopped()
		s.InterruptSockets(func() {
			network.Shutdown(s.ClientFD)
			network.Shutdown(s.PeerFD())
		})
	}
	for _, s := range live {
		<-s.Done()
	}

	r.mu.Lock()
	for _, s := range live {
		delete(r.sessions, s)
	}
	r.mu.Unlock()
}
