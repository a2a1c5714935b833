package controller

import (
	"github.com/agleyzer/blackoutplayer/internal/playerr"
	"github.com/agleyzer/blackoutplayer/internal/segment"
)

// Listener receives controller events. Methods are called on the
// controller's goroutine and must not block or call back into the
// controller synchronously.
type Listener interface {
	// OnBlackoutPending is called when playback stops at a choice gate.
	OnBlackoutPending(seg segment.Segment)
	// OnSegmentAdvance is called when playback moves to a new segment or
	// rendition.
	OnSegmentAdvance(index int, rendition segment.Rendition)
	// OnError is called once, when the controller freezes.
	OnError(kind playerr.Kind, err error)
}

// ListenerFuncs adapts optional functions to the Listener interface.
type ListenerFuncs struct {
	BlackoutPending func(seg segment.Segment)
	SegmentAdvance  func(index int, rendition segment.Rendition)
	Error           func(kind playerr.Kind, err error)
}

func (f ListenerFuncs) OnBlackoutPending(seg segment.Segment) {
	if f.BlackoutPending != nil {
		f.BlackoutPending(seg)
	}
}

func (f ListenerFuncs) OnSegmentAdvance(index int, rendition segment.Rendition) {
	if f.SegmentAdvance != nil {
		f.SegmentAdvance(index, rendition)
	}
}

func (f ListenerFuncs) OnError(kind playerr.Kind, err error) {
	if f.Error != nil {
		f.Error(kind, err)
	}
}

// multiListener fans events out to several listeners in order.
type multiListener []Listener

func (m multiListener) OnBlackoutPending(seg segment.Segment) {
	for _, l := range m {
		l.OnBlackoutPending(seg)
	}
}

func (m multiListener) OnSegmentAdvance(index int, rendition segment.Rendition) {
	for _, l := range m {
		l.OnSegmentAdvance(index, rendition)
	}
}

func (m multiListener) OnError(kind playerr.Kind, err error) {
	for _, l := range m {
		l.OnError(kind, err)
	}
}
