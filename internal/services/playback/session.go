package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"feedstream/internal/domain"
	"feedstream/internal/domain/ports"
	"feedstream/internal/metrics"
)

const (
	defaultTeardownDebounce = 2 * time.Second
	defaultRetryDelay       = 500 * time.Millisecond
	minDebounceRecheck      = 100 * time.Millisecond
	persistTimeout          = 5 * time.Second
)

// Session binds one feed slot to at most one playback engine and publishes
// continuous player state for the presentation layer.
//
// Visibility changes arrive asynchronously and may overtake loads in flight;
// every commit point re-reads the current desired state instead of the value
// captured when the load began. Last applied desired state wins.
type Session struct {
	id         string
	index      int
	loader     ports.AssetLoader
	registry   *PlayingRegistry
	engines    EngineFactory
	history    ports.WatchHistoryRepository // optional
	logger     *slog.Logger
	onState    func(domain.PlayerState)
	onTearDown func(*Session)

	debounce   time.Duration
	retryDelay time.Duration
	now        func() time.Time

	mu             sync.Mutex
	locator        domain.MediaLocator
	bound          bool
	desiredVisible bool
	pendingVisible *bool // visibility update that arrived mid-load
	engine         Engine
	phase          domain.PlaybackPhase
	muted          bool
	gen            uint64 // bumped by Bind/Teardown; stale loads abandon at commit points
	loading        bool
	loadDone       chan struct{}
	playStartedAt  time.Time
	retried        bool // one automatic reload per failure, never more
	teardownTimer  *time.Timer
	errMsg         string
	tornDown       bool
}

type SessionConfig struct {
	Index    int
	Loader   ports.AssetLoader
	Registry *PlayingRegistry
	Engines  EngineFactory
	History  ports.WatchHistoryRepository
	Logger   *slog.Logger
	OnState  func(domain.PlayerState)
	// OnTearDown fires once, after a teardown has actually released the
	// session. Debounced or skipped teardowns do not fire it.
	OnTearDown func(*Session)
	Muted      bool
	Debounce   time.Duration
	RetryDelay time.Duration
	Now        func() time.Time
}

func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		id:         uuid.NewString(),
		index:      cfg.Index,
		loader:     cfg.Loader,
		registry:   cfg.Registry,
		engines:    cfg.Engines,
		history:    cfg.History,
		logger:     cfg.Logger,
		onState:    cfg.OnState,
		onTearDown: cfg.OnTearDown,
		muted:      cfg.Muted,
		debounce:   cfg.Debounce,
		retryDelay: cfg.RetryDelay,
		now:        cfg.Now,
		phase:      domain.PhaseIdle,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.engines == nil {
		s.engines = NewClockEngine
	}
	if s.debounce <= 0 {
		s.debounce = defaultTeardownDebounce
	}
	if s.retryDelay <= 0 {
		s.retryDelay = defaultRetryDelay
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Index() int { return s.index }

// Bind associates the session with a locator, cancelling any prior pending
// load. When initially visible the load→play sequence starts immediately.
func (s *Session) Bind(locator domain.MediaLocator, initialVisibility bool) {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.locator = locator
	s.bound = true
	s.desiredVisible = initialVisibility
	s.pendingVisible = nil
	s.retried = false
	s.errMsg = ""
	s.phase = domain.PhaseIdle
	s.playStartedAt = time.Time{}
	if s.teardownTimer != nil {
		s.teardownTimer.Stop()
		s.teardownTimer = nil
	}
	old := s.engine
	s.engine = nil
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	s.publish()

	if initialVisibility {
		go func() {
			if err := s.LoadAndPlay(context.Background()); err != nil {
				s.logger.Warn("load and play failed",
					slog.Int("index", s.index),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}

// LoadAndPlay is single-flight per session: a call made while another is
// outstanding waits on that one instead of starting a second load.
func (s *Session) LoadAndPlay(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.bound || s.tornDown {
			s.mu.Unlock()
			return nil
		}
		if s.loading {
			done := s.loadDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			// Re-load only if a newer bind still wants this slot visible;
			// a plain waiter must not restart a load that just failed.
			s.mu.Lock()
			again := s.bound && !s.tornDown && s.engine == nil &&
				s.phase != domain.PhaseFailed && s.desiredVisible
			s.mu.Unlock()
			if !again {
				return nil
			}
			continue
		}
		if s.engine != nil {
			// Already loaded; nothing to do.
			s.mu.Unlock()
			return nil
		}
		s.loading = true
		s.loadDone = make(chan struct{})
		done := s.loadDone
		gen := s.gen
		locator := s.locator
		s.phase = domain.PhaseLoading
		s.errMsg = ""
		// A fresh pass gets its own one-shot transient recovery, including a
		// manual retry after a surfaced failure.
		s.retried = false
		s.mu.Unlock()
		s.publish()

		err := s.runLoad(ctx, gen, locator)

		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
		close(done)
		return err
	}
}

// runLoad executes one load→ready→play pass for generation gen. On a
// transient decode failure it invalidates the cache entry and recurses
// exactly once.
func (s *Session) runLoad(ctx context.Context, gen uint64, locator domain.MediaLocator) error {
	// Whoever held the playing role before must stop first; this is what
	// guarantees the single-playing invariant.
	s.registry.Acquire(s)

	asset, err := s.loader.LoadAsset(ctx, locator)
	if err != nil {
		return s.handleLoadFailure(ctx, gen, locator, err)
	}

	s.mu.Lock()
	if s.gen != gen || s.tornDown {
		s.mu.Unlock()
		return nil
	}
	engine := s.engines(asset, s.muted)
	s.engine = engine
	s.mu.Unlock()

	// Starting playback before the engine reports ready is the documented
	// source of stutter; wait for the one-shot readiness signal.
	if err := engine.AwaitReady(ctx); err != nil {
		_ = engine.Close()
		s.mu.Lock()
		if s.engine == engine {
			s.engine = nil
		}
		s.mu.Unlock()
		return s.handleLoadFailure(ctx, gen, locator, err)
	}

	// Commit point: consult the *current* desired visibility, which may have
	// changed while the load ran. A pending mid-load update wins over the
	// value captured at bind time.
	s.mu.Lock()
	if s.gen != gen || s.tornDown {
		if s.engine == engine {
			s.engine = nil
		}
		s.mu.Unlock()
		_ = engine.Close()
		return nil
	}
	desired := s.desiredVisible
	if s.pendingVisible != nil {
		desired = *s.pendingVisible
		s.desiredVisible = desired
		s.pendingVisible = nil
	}
	if desired {
		engine.Play()
		s.playStartedAt = s.now()
		s.phase = domain.PhasePlaying
	} else {
		s.phase = domain.PhaseReady
	}
	s.retried = false
	s.mu.Unlock()

	if !desired {
		s.registry.Release(s)
	}
	s.resumePosition(engine, locator)
	s.publish()
	return nil
}

func (s *Session) handleLoadFailure(ctx context.Context, gen uint64, locator domain.MediaLocator, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Superseded or cleaned up mid-load; not a playback failure.
		s.mu.Lock()
		if s.gen == gen && !s.tornDown {
			s.phase = domain.PhaseIdle
		}
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	if s.gen != gen || s.tornDown {
		s.mu.Unlock()
		return nil
	}
	if domain.IsTransientDecode(err) && !s.retried {
		s.retried = true
		s.mu.Unlock()

		metrics.SessionRetriesTotal.Inc()
		s.logger.Info("transient decode error, invalidating and reloading once",
			slog.Int("index", s.index),
			slog.String("error", err.Error()),
		)
		s.loader.CleanupAsset(locator)
		select {
		case <-time.After(s.retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		return s.runLoad(ctx, gen, locator)
	}
	s.phase = domain.PhaseFailed
	s.errMsg = err.Error()
	s.mu.Unlock()

	metrics.SessionFailuresTotal.Inc()
	s.publish()
	if domain.IsTransientDecode(err) {
		// Single retry already spent; surface as fatal, never loop.
		return fmt.Errorf("%w: %v", domain.ErrFatalPlayback, err)
	}
	return err
}

// UpdateVisibility plays or pauses the bound engine without reloading. When
// a load is in flight the update is recorded and applied at the commit
// point. A visible update on a failed or idle session re-triggers the load.
func (s *Session) UpdateVisibility(visible bool) {
	s.mu.Lock()
	if s.tornDown || !s.bound {
		s.mu.Unlock()
		return
	}
	s.desiredVisible = visible
	if visible && s.teardownTimer != nil {
		// A pending deferred teardown is moot once the slot is wanted again.
		s.teardownTimer.Stop()
		s.teardownTimer = nil
	}
	if s.loading {
		v := visible
		s.pendingVisible = &v
		s.mu.Unlock()
		return
	}
	engine := s.engine
	s.mu.Unlock()

	if engine == nil {
		if visible {
			go func() {
				_ = s.LoadAndPlay(context.Background())
			}()
		}
		return
	}

	if visible && !engine.Playing() {
		s.registry.Acquire(s)
		engine.Play()
		s.mu.Lock()
		s.playStartedAt = s.now()
		s.phase = domain.PhasePlaying
		s.mu.Unlock()
		s.publish()
		return
	}
	if !visible && engine.Playing() {
		engine.Pause()
		s.persistPosition(engine)
		s.mu.Lock()
		s.phase = domain.PhasePaused
		s.mu.Unlock()
		s.registry.Release(s)
		s.publish()
	}
}

// TogglePlayPause flips play state. No-op when no engine is bound.
func (s *Session) TogglePlayPause() {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		return
	}
	if engine.Playing() {
		engine.Pause()
		s.persistPosition(engine)
		s.mu.Lock()
		s.phase = domain.PhasePaused
		s.mu.Unlock()
		s.registry.Release(s)
	} else {
		s.registry.Acquire(s)
		engine.Play()
		s.mu.Lock()
		s.playStartedAt = s.now()
		s.phase = domain.PhasePlaying
		s.mu.Unlock()
	}
	s.publish()
}

// ToggleMute flips mute state. No-op when no engine is bound.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	engine := s.engine
	current := s.muted
	s.mu.Unlock()
	if engine == nil {
		return current
	}
	muted := !engine.Muted()
	engine.SetMuted(muted)
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
	s.publish()
	return muted
}

// Seek moves the playback position. No-op when no engine is bound.
func (s *Session) Seek(position time.Duration) {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		return
	}
	engine.SeekTo(position)
	s.publish()
}

// Teardown releases the engine and cleans up the bound locator, unless the
// debounce condition holds (playback started under the debounce window ago,
// or the session is mid-start). A debounced teardown is rescheduled as a
// cancellable delayed task: a new request cancels and reschedules instead of
// stacking timers. Teardown is skipped entirely if visibility has been
// re-confirmed as desired.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	if s.desiredVisible {
		// Visibility re-confirmed while the teardown was pending: skip it
		// entirely and drop any rescheduled timer.
		if s.teardownTimer != nil {
			s.teardownTimer.Stop()
			s.teardownTimer = nil
		}
		s.mu.Unlock()
		return
	}

	now := s.now()
	recentStart := !s.playStartedAt.IsZero() && now.Sub(s.playStartedAt) < s.debounce
	if s.loading || recentStart {
		delay := minDebounceRecheck
		if recentStart {
			if remaining := s.debounce - now.Sub(s.playStartedAt); remaining > delay {
				delay = remaining
			}
		}
		if s.teardownTimer != nil {
			s.teardownTimer.Stop()
		}
		s.teardownTimer = time.AfterFunc(delay, s.Teardown)
		s.mu.Unlock()
		return
	}

	s.gen++
	s.tornDown = true
	s.phase = domain.PhaseTornDown
	engine := s.engine
	s.engine = nil
	locator := s.locator
	s.errMsg = ""
	if s.teardownTimer != nil {
		s.teardownTimer.Stop()
		s.teardownTimer = nil
	}
	s.mu.Unlock()

	if engine != nil {
		engine.Pause()
		s.persistPosition(engine)
		_ = engine.Close()
	}
	s.registry.Release(s)
	if !locator.IsZero() {
		s.loader.CleanupAsset(locator)
	}
	s.publish()
	if s.onTearDown != nil {
		s.onTearDown(s)
	}
}

// TornDown reports whether the session has been released.
func (s *Session) TornDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tornDown
}

// State returns the current published snapshot.
func (s *Session) State() domain.PlayerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() domain.PlayerState {
	st := domain.PlayerState{
		SessionID:      s.id,
		Index:          s.index,
		LocatorKey:     s.locator.Key(),
		Phase:          s.phase,
		IsMuted:        s.muted,
		IsLoading:      s.loading,
		ShowPlayButton: s.phase == domain.PhaseReady || s.phase == domain.PhasePaused,
		ErrorMessage:   s.errMsg,
		UpdatedAt:      s.now(),
	}
	if s.engine != nil {
		st.IsPlaying = s.engine.Playing()
		st.CurrentTime = s.engine.Position().Seconds()
		st.Duration = s.engine.Duration().Seconds()
	}
	return st
}

func (s *Session) publish() {
	if s.onState == nil {
		return
	}
	s.mu.Lock()
	st := s.stateLocked()
	s.mu.Unlock()
	s.onState(st)
}

// yieldPlayback pauses the session after it loses the playing role to a new
// registry holder.
func (s *Session) yieldPlayback() {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil || !engine.Playing() {
		return
	}
	engine.Pause()
	s.persistPosition(engine)
	s.mu.Lock()
	if s.phase == domain.PhasePlaying {
		s.phase = domain.PhasePaused
	}
	s.mu.Unlock()
	s.publish()
}

func (s *Session) persistPosition(engine Engine) {
	if s.history == nil || engine == nil {
		return
	}
	s.mu.Lock()
	locator := s.locator
	s.mu.Unlock()
	if locator.IsZero() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	wp := domain.WatchPosition{
		LocatorKey: locator.Key(),
		Position:   engine.Position().Seconds(),
		Duration:   engine.Duration().Seconds(),
		UpdatedAt:  s.now(),
	}
	if err := s.history.Upsert(ctx, wp); err != nil {
		s.logger.Warn("watch position persist failed",
			slog.String("locator", wp.LocatorKey),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Session) resumePosition(engine Engine, locator domain.MediaLocator) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	wp, err := s.history.Get(ctx, locator.Key())
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("watch position lookup failed", slog.String("error", err.Error()))
		}
		return
	}
	dur := engine.Duration().Seconds()
	if wp.Position > 1 && dur > 0 && wp.Position < dur-2 {
		engine.SeekTo(time.Duration(wp.Position * float64(time.Second)))
	}
}
