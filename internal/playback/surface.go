// Package playback provides a uniform playback surface over media engines.
// Engines become ready in one of two ways (after metadata load, or after the
// manifest is parsed with a start-position option); the Adapter hides the
// difference behind a single Attach contract.
package playback

import (
	"context"
	"sync"
)

// EventType identifies a surface event.
type EventType int

const (
	// EventTick reports the playback clock position.
	EventTick EventType = iota
	// EventUserSeek reports a seek initiated by the user on the surface.
	EventUserSeek
	// EventError reports an unrecoverable engine failure. The engine has
	// already been torn down when it is emitted.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventTick:
		return "tick"
	case EventUserSeek:
		return "userSeek"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted by a Surface to its subscribers.
type Event struct {
	Type EventType
	Time float64
	Err  error
}

// Surface is the playback capability driven by the transition controller.
type Surface interface {
	// Attach tears down any live engine, then loads manifestURL and returns
	// once playback has begun at start.
	Attach(ctx context.Context, manifestURL string, start float64) error
	Play() error
	Pause() error
	CurrentTime() float64
	IsFullscreen() bool
	EnterFullscreen() error
	ExitFullscreen() error
	// Subscribe registers fn for surface events and returns a function that
	// removes it.
	Subscribe(fn func(Event)) (unsubscribe func())
	// Close tears down the live engine.
	Close() error
}

// Display is the fullscreen capability of the rendering surface.
type Display interface {
	IsFullscreen() bool
	EnterFullscreen() error
	ExitFullscreen() error
}

// WindowDisplay is an in-memory Display for headless rendering.
type WindowDisplay struct {
	mu         sync.Mutex
	fullscreen bool
}

// IsFullscreen reports the current mode.
func (d *WindowDisplay) IsFullscreen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fullscreen
}

// EnterFullscreen switches to fullscreen.
func (d *WindowDisplay) EnterFullscreen() error {
	d.mu.Lock()
	d.fullscreen = true
	d.mu.Unlock()
	return nil
}

// ExitFullscreen leaves fullscreen.
func (d *WindowDisplay) ExitFullscreen() error {
	d.mu.Lock()
	d.fullscreen = false
	d.mu.Unlock()
	return nil
}
