package controller

import "github.com/agleyzer/blackoutplayer/internal/segment"

// Phase is the state machine's top-level state.
type Phase int

const (
	// Playing means a rendition is attached and the clock is running.
	Playing Phase = iota
	// AwaitingChoice means playback is paused at a blackout gate.
	AwaitingChoice
)

func (p Phase) String() string {
	if p == AwaitingChoice {
		return "awaitingChoice"
	}
	return "playing"
}

// State is a point-in-time snapshot of the controller.
type State struct {
	Phase     Phase
	Rendition segment.Rendition
	// Index is the current segment while Playing, or the pending segment
	// while AwaitingChoice.
	Index                int
	FullscreenBeforeGate bool
	// LastTime is the last observed playback position.
	LastTime  float64
	Attaching bool
	Frozen    bool

	Segments int
	Total    float64
	Active   []int
}
