package domain

import "time"

// PlaybackPhase is the lifecycle state of one player session.
//
// Idle → Loading → Ready|Playing → (Playing ⇄ Paused) → TornDown.
// Loading may fail; a failed session re-enters Loading at most once per
// failure (the transient-decode recovery), never more.
type PlaybackPhase string

const (
	PhaseIdle     PlaybackPhase = "idle"
	PhaseLoading  PlaybackPhase = "loading"
	PhaseReady    PlaybackPhase = "ready"
	PhasePlaying  PlaybackPhase = "playing"
	PhasePaused   PlaybackPhase = "paused"
	PhaseFailed   PlaybackPhase = "failed"
	PhaseTornDown PlaybackPhase = "tornDown"
)

// PlayerState is the published snapshot the presentation layer renders.
type PlayerState struct {
	SessionID      string        `json:"sessionId"`
	Index          int           `json:"index"`
	LocatorKey     string        `json:"locatorKey"`
	Phase          PlaybackPhase `json:"phase"`
	IsPlaying      bool          `json:"isPlaying"`
	IsMuted        bool          `json:"isMuted"`
	CurrentTime    float64       `json:"currentTime"` // seconds
	Duration       float64       `json:"duration"`    // seconds
	IsLoading      bool          `json:"isLoading"`
	ShowPlayButton bool          `json:"showPlayButton"`
	ErrorMessage   string        `json:"errorMessage,omitempty"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}
