package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"feedstream/internal/domain"
	"feedstream/internal/domain/ports"
	"feedstream/internal/metrics"
)

// Manager owns the per-slot sessions and the shared playing registry, and
// carries the global mute preference across sessions.
type Manager struct {
	loader   ports.AssetLoader
	registry *PlayingRegistry
	engines  EngineFactory
	history  ports.WatchHistoryRepository
	settings ports.PlayerSettingsRepository
	logger   *slog.Logger

	debounce   time.Duration
	retryDelay time.Duration
	now        func() time.Time

	mu       sync.Mutex
	sessions map[int]*Session
	muted    bool
	onState  func(domain.PlayerState)
}

type ManagerConfig struct {
	Loader     ports.AssetLoader
	Engines    EngineFactory
	History    ports.WatchHistoryRepository
	Settings   ports.PlayerSettingsRepository
	Logger     *slog.Logger
	Muted      bool
	Debounce   time.Duration
	RetryDelay time.Duration
	Now        func() time.Time
}

func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		loader:     cfg.Loader,
		registry:   NewPlayingRegistry(),
		engines:    cfg.Engines,
		history:    cfg.History,
		settings:   cfg.Settings,
		logger:     logger,
		debounce:   cfg.Debounce,
		retryDelay: cfg.RetryDelay,
		now:        cfg.Now,
		sessions:   make(map[int]*Session),
		muted:      cfg.Muted,
	}
}

// SetOnState installs the publish callback shared by all sessions. Must be
// called before the first session is created.
func (m *Manager) SetOnState(fn func(domain.PlayerState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// EnsureVisible binds (or rebinds) the session at index to the locator and
// marks it visible, creating the session on first sight of the slot.
func (m *Manager) EnsureVisible(index int, locator domain.MediaLocator) {
	s, fresh := m.obtain(index)
	if fresh {
		s.Bind(locator, true)
		return
	}
	s.UpdateVisibility(true)
}

// Hide marks the session at index not visible. No-op for unknown slots.
func (m *Manager) Hide(index int) {
	m.mu.Lock()
	s := m.sessions[index]
	m.mu.Unlock()
	if s != nil {
		s.UpdateVisibility(false)
	}
}

// UpdateVisibility applies a per-slot visibility transition reported by the
// presentation layer.
func (m *Manager) UpdateVisibility(index int, visible bool) {
	m.mu.Lock()
	s := m.sessions[index]
	m.mu.Unlock()
	if s != nil {
		s.UpdateVisibility(visible)
	}
}

// Teardown requests teardown of the session at index. The slot stays
// registered until the session actually releases: a debounced teardown keeps
// the session adoptable, so a scroll-back within the debounce re-confirms
// visibility on the same session and the deferred teardown is skipped.
func (m *Manager) Teardown(index int) {
	m.mu.Lock()
	s := m.sessions[index]
	m.mu.Unlock()
	if s != nil {
		s.Teardown()
	}
}

// TeardownOutside requests teardown for every known slot outside [lo, hi].
// Slots are forgotten only when their session completes the teardown.
func (m *Manager) TeardownOutside(lo, hi int) {
	m.mu.Lock()
	var victims []*Session
	for idx, s := range m.sessions {
		if idx < lo || idx > hi {
			victims = append(victims, s)
		}
	}
	m.mu.Unlock()

	for _, s := range victims {
		s.UpdateVisibility(false)
		s.Teardown()
	}
}

func (m *Manager) TogglePlayPause(index int) {
	m.mu.Lock()
	s := m.sessions[index]
	m.mu.Unlock()
	if s != nil {
		s.TogglePlayPause()
	}
}

// ToggleMute flips mute on the slot's session and persists the preference as
// the global default for future sessions.
func (m *Manager) ToggleMute(ctx context.Context, index int) bool {
	m.mu.Lock()
	s := m.sessions[index]
	m.mu.Unlock()
	if s == nil {
		m.mu.Lock()
		muted := m.muted
		m.mu.Unlock()
		return muted
	}
	muted := s.ToggleMute()

	m.mu.Lock()
	m.muted = muted
	settings := m.settings
	m.mu.Unlock()

	if settings != nil {
		if err := settings.SetMuted(ctx, muted); err != nil {
			m.logger.Warn("mute preference persist failed", slog.String("error", err.Error()))
		}
	}
	return muted
}

func (m *Manager) Seek(index int, position time.Duration) {
	m.mu.Lock()
	s := m.sessions[index]
	m.mu.Unlock()
	if s != nil {
		s.Seek(position)
	}
}

// States returns snapshots for all live sessions, ordered by slot index.
func (m *Manager) States() []domain.PlayerState {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	states := make([]domain.PlayerState, 0, len(sessions))
	for _, s := range sessions {
		states = append(states, s.State())
	}
	for i := 1; i < len(states); i++ {
		for j := i; j > 0 && states[j].Index < states[j-1].Index; j-- {
			states[j], states[j-1] = states[j-1], states[j]
		}
	}
	return states
}

// Session returns the live session for a slot, or nil.
func (m *Manager) Session(index int) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[index]
}

// Registry exposes the shared playing registry (used by tests and the
// broadcast loop).
func (m *Manager) Registry() *PlayingRegistry {
	return m.registry
}

// Close tears down every live session.
func (m *Manager) Close() {
	m.mu.Lock()
	victims := make([]*Session, 0, len(m.sessions))
	for idx, s := range m.sessions {
		victims = append(victims, s)
		delete(m.sessions, idx)
	}
	metrics.ActiveSessions.Set(0)
	m.mu.Unlock()

	for _, s := range victims {
		s.UpdateVisibility(false)
		s.Teardown()
	}
}

// forget drops a slot once its session has completed teardown. The identity
// check keeps a late-firing orphan from evicting a replacement session.
func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	if m.sessions[s.Index()] == s {
		delete(m.sessions, s.Index())
		metrics.ActiveSessions.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()
}

// obtain returns the session for index, creating one if the slot is new or
// its previous session was torn down.
func (m *Manager) obtain(index int) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[index]; ok && !s.TornDown() {
		return s, false
	}
	s := NewSession(SessionConfig{
		Index:      index,
		Loader:     m.loader,
		Registry:   m.registry,
		Engines:    m.engines,
		History:    m.history,
		Logger:     m.logger,
		OnState:    m.onState,
		OnTearDown: m.forget,
		Muted:      m.muted,
		Debounce:   m.debounce,
		RetryDelay: m.retryDelay,
		Now:        m.now,
	})
	m.sessions[index] = s
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	return s, true
}
