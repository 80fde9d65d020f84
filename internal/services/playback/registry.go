package playback

import "sync"

// PlayingRegistry enforces the single-playing-session invariant: at most one
// session holds the "currently playing" role at any instant. It is an
// explicit injected object, not package state, so the invariant has exactly
// one owner.
type PlayingRegistry struct {
	mu      sync.Mutex
	current *Session
}

func NewPlayingRegistry() *PlayingRegistry {
	return &PlayingRegistry{}
}

// Acquire hands the playing role to s. The previous holder, if any, is asked
// to stop before s may start playing.
func (r *PlayingRegistry) Acquire(s *Session) {
	r.mu.Lock()
	prev := r.current
	if prev == s {
		r.mu.Unlock()
		return
	}
	r.current = s
	r.mu.Unlock()

	if prev != nil {
		prev.yieldPlayback()
	}
}

// Release clears the role if s still holds it.
func (r *PlayingRegistry) Release(s *Session) {
	r.mu.Lock()
	if r.current == s {
		r.current = nil
	}
	r.mu.Unlock()
}

// Current returns the session currently holding the playing role, or nil.
func (r *PlayingRegistry) Current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}
