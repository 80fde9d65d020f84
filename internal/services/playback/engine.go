package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"feedstream/internal/domain"
)

// Engine is one playback instance bound to a loaded asset. AwaitReady is a
// one-shot readiness signal: it resolves on the first ready or failed
// transition and returns the same result on every subsequent call. Playback
// must not be started before readiness fires.
type Engine interface {
	AwaitReady(ctx context.Context) error
	Play()
	Pause()
	Playing() bool
	SetMuted(muted bool)
	Muted() bool
	SeekTo(position time.Duration)
	Position() time.Duration
	Duration() time.Duration
	Close() error
}

// EngineFactory builds an engine for a freshly loaded asset with the current
// mute state. Injected so tests can substitute failing engines.
type EngineFactory func(asset *domain.CachedAsset, muted bool) Engine

// clockEngine tracks playback position against the wall clock. The decoded
// frames themselves are the presentation layer's concern; the engine owns
// the playback clock, mute state and the play/pause/seek transitions the
// sessions publish.
type clockEngine struct {
	asset *domain.CachedAsset

	readyOnce sync.Once
	readyCh   chan struct{}
	readyErr  error

	mu      sync.Mutex
	playing bool
	muted   bool
	base    time.Time
	offset  time.Duration
	closed  bool

	now func() time.Time
}

// NewClockEngine validates the asset and starts the readiness transition.
func NewClockEngine(asset *domain.CachedAsset, muted bool) Engine {
	e := &clockEngine{
		asset:   asset,
		readyCh: make(chan struct{}),
		muted:   muted,
		now:     time.Now,
	}
	go e.prepare()
	return e
}

var _ EngineFactory = NewClockEngine

func (e *clockEngine) prepare() {
	err := validateAsset(e.asset)
	e.readyOnce.Do(func() {
		e.readyErr = err
		close(e.readyCh)
	})
}

func validateAsset(a *domain.CachedAsset) error {
	if a == nil {
		return fmt.Errorf("%w: no asset bound", domain.ErrFatalPlayback)
	}
	if len(a.Tracks) == 0 {
		if a.FromStaged || a.Truncated {
			return fmt.Errorf("%w: no readable tracks in staged data", domain.ErrTransientDecode)
		}
		return fmt.Errorf("%w: no readable tracks", domain.ErrFatalPlayback)
	}
	if !a.HasVideo() {
		return fmt.Errorf("%w: no video track", domain.ErrFatalPlayback)
	}
	if a.Duration <= 0 {
		return fmt.Errorf("%w: zero duration", domain.ErrFatalPlayback)
	}
	return nil
}

func (e *clockEngine) AwaitReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.readyCh:
		return e.readyErr
	}
}

func (e *clockEngine) Play() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playing || e.closed {
		return
	}
	e.base = e.now()
	e.playing = true
}

func (e *clockEngine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.playing {
		return
	}
	e.offset = e.positionLocked()
	e.playing = false
}

func (e *clockEngine) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

func (e *clockEngine) SetMuted(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = muted
}

func (e *clockEngine) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

func (e *clockEngine) SeekTo(position time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if position < 0 {
		position = 0
	}
	if d := e.asset.Duration; position > d {
		position = d
	}
	e.offset = position
	e.base = e.now()
}

func (e *clockEngine) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionLocked()
}

func (e *clockEngine) positionLocked() time.Duration {
	pos := e.offset
	if e.playing {
		pos += e.now().Sub(e.base)
	}
	if d := e.asset.Duration; pos > d {
		// Short-form feed items loop back to the start.
		if d > 0 {
			pos = pos % d
		} else {
			pos = d
		}
	}
	return pos
}

func (e *clockEngine) Duration() time.Duration {
	return e.asset.Duration
}

func (e *clockEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = false
	e.closed = true
	return nil
}
