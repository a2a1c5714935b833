package controller

import (
	"fmt"
	"time"

	"github.com/agleyzer/blackoutplayer/internal/playerr"
	"github.com/agleyzer/blackoutplayer/internal/segment"
	"github.com/agleyzer/blackoutplayer/internal/timeline"
)

const (
	originLocal  = "local"
	originRemote = "remote"
)

type message any

type tickMsg struct{ t float64 }

type seekMsg struct{ t float64 }

type choiceMsg struct {
	decision timeline.Decision
	origin   string
	// guarded choices only apply to the gate on index.
	guarded bool
	index   int
	reply   chan error
}

type remoteMsg struct {
	index    int
	decision timeline.Decision
}

type stateMsg struct{ reply chan State }

type surfaceErrMsg struct{ err error }

// attachRequest describes one reattachment and what follows it.
type attachRequest struct {
	rendition segment.Rendition
	index     int
	start     float64
	// afterChoice resumes playback and restores fullscreen once attached.
	afterChoice       bool
	restoreFullscreen bool
}

type attachDoneMsg struct {
	gen   uint64
	req   attachRequest
	err   error
	began time.Time
}

func (c *Controller) run() {
	defer close(c.loopDone)

	for {
		select {
		case <-c.quit:
			return
		case m := <-c.mailbox:
			c.handle(m)
		}
	}
}

func (c *Controller) handle(m message) {
	switch m := m.(type) {
	case tickMsg:
		c.onTick(m.t)
	case seekMsg:
		c.onSeek(m.t)
	case choiceMsg:
		if m.guarded && !c.frozen && (c.phase != AwaitingChoice || c.pending != m.index) {
			c.logger.Debug("choice for resolved gate", "index", m.index, "decision", m.decision)
			m.reply <- ErrNoPendingGate
			return
		}
		m.reply <- c.onChoice(m.decision, m.origin)
	case remoteMsg:
		c.onRemoteDecision(m.index, m.decision)
	case stateMsg:
		m.reply <- c.snapshot()
	case surfaceErrMsg:
		if !c.frozen {
			c.fail(m.err)
		}
	case attachDoneMsg:
		c.onAttachDone(m)
	}
}

func (c *Controller) onTick(t float64) {
	if c.frozen || c.attaching || c.phase != Playing {
		return
	}
	c.lastT = t

	for {
		next := c.index + 1
		if next >= c.tl.Len() {
			return
		}
		cur, _ := c.tl.Segment(c.index)
		if t < cur.End-c.cfg.Epsilon {
			return
		}
		seg, _ := c.tl.Segment(next)

		switch {
		case c.tl.IsActiveBlackout(next):
			c.openGate(next)
			return

		case seg.Kind == segment.Normal && c.rendition != segment.Original:
			c.startAttach(attachRequest{rendition: segment.Original, index: next, start: seg.Start})
			return

		default:
			c.enterPlaying(c.rendition, next)
			c.listener.OnSegmentAdvance(next, c.rendition)
		}
	}
}

func (c *Controller) onSeek(s float64) {
	switch {
	case c.frozen:
		return
	case c.attaching:
		c.queuedSeek = &s
		c.logger.Debug("seek queued behind attach", "time", s)
		return
	case c.phase == AwaitingChoice:
		c.logger.Warn("seek ignored while awaiting choice", "time", s, "pending", c.pending)
		return
	}

	backward := s < c.lastT
	c.lastT = s

	idx := c.tl.Locate(s)
	if idx < 0 {
		idx = 0
	}
	if backward && c.tl.IsActiveBlackout(idx) {
		c.openGate(idx)
		return
	}
	c.startAttach(attachRequest{rendition: segment.Original, index: idx, start: s})
}

func (c *Controller) onChoice(d timeline.Decision, origin string) error {
	if c.frozen {
		return ErrFrozen
	}
	if c.phase != AwaitingChoice {
		err := playerr.State("choice %s delivered while %s", d, c.phase)
		c.fail(err)
		return err
	}

	p := c.pending
	if err := c.tl.Resolve(p, d); err != nil {
		return fmt.Errorf("invalid choice: %w", err)
	}
	c.metrics.ObserveChoice(d.String(), origin)
	c.metrics.SetActiveBlackout(c.tl.ActiveCount())
	c.logger.Info("blackout choice", "index", p, "decision", d, "origin", origin)

	if origin == originLocal && c.publisher != nil {
		c.publish(p, d)
	}

	rendition := segment.Original
	if d == timeline.ApplyBlackout {
		rendition = segment.BlackoutRendition
	}
	seg, _ := c.tl.Segment(p)
	c.lastT = seg.Start
	c.startAttach(attachRequest{
		rendition:         rendition,
		index:             p,
		start:             seg.Start,
		afterChoice:       true,
		restoreFullscreen: c.fsBefore,
	})
	return nil
}

func (c *Controller) onRemoteDecision(index int, d timeline.Decision) {
	if c.frozen {
		return
	}
	if c.phase == AwaitingChoice && c.pending == index {
		if err := c.onChoice(d, originRemote); err != nil {
			c.logger.Warn("failed to apply remote decision", "index", index, "error", err)
		}
		return
	}

	if err := c.tl.Resolve(index, d); err != nil {
		c.logger.Warn("ignoring remote decision", "index", index, "decision", d, "error", err)
		return
	}
	c.metrics.ObserveChoice(d.String(), originRemote)
	c.metrics.SetActiveBlackout(c.tl.ActiveCount())
	c.logger.Info("remote decision applied", "index", index, "decision", d, "active", c.tl.IsActiveBlackout(index))
}

// openGate pauses playback at blackout segment p.
func (c *Controller) openGate(p int) {
	fs := c.surface.IsFullscreen()
	if fs {
		if err := c.surface.ExitFullscreen(); err != nil {
			c.logger.Warn("failed to exit fullscreen", "error", err)
		}
	}
	if err := c.surface.Pause(); err != nil {
		c.logger.Warn("failed to pause", "error", err)
	}

	c.phase = AwaitingChoice
	c.pending = p
	c.fsBefore = fs

	c.metrics.IncGatesOpened()
	c.metrics.ObserveTransition(AwaitingChoice.String(), c.rendition.String())

	seg, _ := c.tl.Segment(p)
	c.logger.Info("blackout pending", "index", p, "start", seg.Start, "end", seg.End)
	c.listener.OnBlackoutPending(seg)
}

func (c *Controller) enterPlaying(r segment.Rendition, index int) {
	c.phase = Playing
	c.rendition = r
	c.index = index
	c.metrics.ObserveTransition(Playing.String(), r.String())
}

// startAttach moves to Playing(req.rendition, req.index) and attaches the
// rendition in the background.
func (c *Controller) startAttach(req attachRequest) {
	c.enterPlaying(req.rendition, req.index)
	c.attaching = true
	c.gen++
	gen := c.gen

	url := c.cfg.OriginalURL
	if req.rendition == segment.BlackoutRendition {
		url = c.cfg.BlackoutURL
	}
	c.logger.Debug("attaching", "rendition", req.rendition, "index", req.index, "start", req.start)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		began := time.Now()
		err := c.surface.Attach(c.ctx, url, req.start)

		select {
		case c.mailbox <- attachDoneMsg{gen: gen, req: req, err: err, began: began}:
		case <-c.quit:
		}
	}()
}

func (c *Controller) onAttachDone(m attachDoneMsg) {
	if m.gen != c.gen {
		c.logger.Debug("discarding stale attach", "rendition", m.req.rendition, "index", m.req.index)
		return
	}
	c.attaching = false
	c.metrics.ObserveAttach(m.req.rendition.String(), time.Since(m.began), m.err)

	if m.err != nil {
		c.fail(m.err)
		return
	}

	if m.req.afterChoice {
		if err := c.surface.Play(); err != nil {
			c.logger.Warn("failed to resume playback", "error", err)
		}
		if m.req.restoreFullscreen {
			if err := c.surface.EnterFullscreen(); err != nil {
				c.logger.Warn("failed to restore fullscreen", "error", err)
			}
		}
	}
	if c.tl.Len() > 0 {
		c.listener.OnSegmentAdvance(m.req.index, m.req.rendition)
	}

	if s := c.queuedSeek; s != nil {
		c.queuedSeek = nil
		c.onSeek(*s)
	}
}

// fail freezes the state machine. In-flight attach results are discarded.
func (c *Controller) fail(err error) {
	c.frozen = true
	c.attaching = false
	c.queuedSeek = nil
	c.gen++

	kind := playerr.KindOf(err)
	if kind == playerr.KindUnknown {
		kind = playerr.KindMedia
	}
	c.metrics.IncErrors(string(kind))
	c.logger.Error("playback halted", "kind", kind, "error", err)
	c.listener.OnError(kind, err)
}

func (c *Controller) publish(index int, d timeline.Decision) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.publisher.PublishDecision(c.ctx, index, d); err != nil {
			c.logger.Warn("failed to publish decision", "index", index, "decision", d, "error", err)
		}
	}()
}

func (c *Controller) snapshot() State {
	s := State{
		Phase:     c.phase,
		Rendition: c.rendition,
		Index:     c.index,
		LastTime:  c.lastT,
		Attaching: c.attaching,
		Frozen:    c.frozen,
		Segments:  c.tl.Len(),
		Total:     c.tl.Total(),
		Active:    c.tl.Active(),
	}
	if c.phase == AwaitingChoice {
		s.Index = c.pending
		s.FullscreenBeforeGate = c.fsBefore
	}
	return s
}
