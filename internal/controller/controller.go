// Package controller implements the blackout-aware transition controller.
//
// A Controller owns the segment timeline and the playback state. Every
// event (surface ticks and seeks, caller choices, replicated decisions) is
// delivered as a message to a single goroutine, so transitions never run
// concurrently. Reattaching a rendition runs in the background; while it is
// in flight ticks are dropped and the latest seek is held until it
// completes.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/agleyzer/blackoutplayer/internal/metrics"
	"github.com/agleyzer/blackoutplayer/internal/parser"
	"github.com/agleyzer/blackoutplayer/internal/playback"
	"github.com/agleyzer/blackoutplayer/internal/segment"
	"github.com/agleyzer/blackoutplayer/internal/timeline"
)

// DefaultEpsilon is the boundary look-ahead tolerance in seconds.
const DefaultEpsilon = 0.25

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("controller is closed")

	// ErrFrozen is returned by Choose and ChooseFor after a fatal error.
	ErrFrozen = errors.New("controller is frozen")

	// ErrNoPendingGate is returned by ChooseFor when the segment is no
	// longer awaiting a choice.
	ErrNoPendingGate = errors.New("no blackout decision is pending")
)

// Config holds the controller construction inputs.
type Config struct {
	// OriginalURL is the unrestricted rendition manifest.
	OriginalURL string
	// BlackoutURL is the blackout rendition manifest. Its segment map
	// drives gating.
	BlackoutURL string
	// Epsilon is the boundary look-ahead in seconds. Defaults to 0.25.
	Epsilon float64
	// Policy decides which decisions release a gate.
	Policy timeline.Policy
	// Parser configures blackout classification.
	Parser parser.Options
	// Client fetches the blackout manifest.
	Client *http.Client
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.OriginalURL == "" {
		return fmt.Errorf("original manifest URL is required")
	}
	if c.BlackoutURL == "" {
		return fmt.Errorf("blackout manifest URL is required")
	}
	if c.Epsilon < 0 {
		return fmt.Errorf("epsilon must not be negative: %v", c.Epsilon)
	}
	if c.Epsilon == 0 {
		c.Epsilon = DefaultEpsilon
	}
	return nil
}

// DecisionPublisher shares local choices with other viewers.
type DecisionPublisher interface {
	PublishDecision(ctx context.Context, index int, d timeline.Decision) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics records transition metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithPublisher publishes local choices.
func WithPublisher(p DecisionPublisher) Option {
	return func(c *Controller) { c.publisher = p }
}

// WithListener adds a listener in addition to the one passed to New.
func WithListener(l Listener) Option {
	return func(c *Controller) { c.listeners = append(c.listeners, l) }
}

// Controller drives rendition switches for one playback session.
type Controller struct {
	cfg       Config
	tl        *timeline.Timeline
	surface   playback.Surface
	listener  Listener
	listeners multiListener
	logger    *slog.Logger
	metrics   *metrics.Metrics
	publisher DecisionPublisher

	ctx         context.Context
	cancel      context.CancelFunc
	mailbox     chan message
	quit        chan struct{}
	loopDone    chan struct{}
	done        chan struct{}
	unsubscribe func()
	wg          sync.WaitGroup
	closeOnce   sync.Once
	closeErr    error

	// Owned by the loop goroutine.
	phase      Phase
	rendition  segment.Rendition
	index      int
	pending    int
	fsBefore   bool
	lastT      float64
	attaching  bool
	gen        uint64
	queuedSeek *float64
	frozen     bool
}

// New loads the blackout manifest, builds the timeline and attaches the
// original rendition at t=0. The controller takes ownership of surface and
// closes it on Close, or before returning an error.
func New(ctx context.Context, cfg Config, surface playback.Surface, listener Listener, logger *slog.Logger, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		surface.Close()
		return nil, fmt.Errorf("invalid controller config: %w", err)
	}

	manifest, err := parser.Load(ctx, cfg.Client, cfg.BlackoutURL, cfg.Parser)
	if err != nil {
		surface.Close()
		return nil, fmt.Errorf("failed to load blackout manifest: %w", err)
	}

	tl, err := timeline.New(manifest.Segments, cfg.Policy)
	if err != nil {
		surface.Close()
		return nil, fmt.Errorf("failed to build timeline: %w", err)
	}

	c := &Controller{
		cfg:       cfg,
		tl:        tl,
		surface:   surface,
		logger:    logger,
		listeners: multiListener{},
		mailbox:   make(chan message, 64),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		done:      make(chan struct{}),
		phase:     Playing,
		rendition: segment.Original,
	}
	if listener != nil {
		c.listeners = append(c.listeners, listener)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.listener = c.listeners
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	logger.Info("timeline loaded",
		"segments", tl.Len(),
		"total", tl.Total(),
		"blackout", len(tl.BlackoutIndices()),
		"policy", tl.Policy(),
		"targetDuration", manifest.TargetDuration,
		"ended", manifest.Ended,
		"playlistType", manifest.PlaylistType)
	c.metrics.SetActiveBlackout(tl.ActiveCount())

	c.unsubscribe = surface.Subscribe(c.onSurfaceEvent)

	began := time.Now()
	err = surface.Attach(ctx, cfg.OriginalURL, 0)
	c.metrics.ObserveAttach(segment.Original.String(), time.Since(began), err)
	if err != nil {
		c.unsubscribe()
		c.cancel()
		surface.Close()
		return nil, fmt.Errorf("failed to attach original rendition: %w", err)
	}

	c.metrics.ObserveTransition(Playing.String(), segment.Original.String())
	if tl.Len() > 0 {
		c.listener.OnSegmentAdvance(0, segment.Original)
	}

	go c.run()
	return c, nil
}

// Segment returns segment i of the session timeline.
func (c *Controller) Segment(i int) (segment.Segment, bool) {
	return c.tl.Segment(i)
}

// Tick reports the playback clock position.
func (c *Controller) Tick(t float64) error {
	return c.post(tickMsg{t: t})
}

// Seek reports a seek to t.
func (c *Controller) Seek(t float64) error {
	return c.post(seekMsg{t: t})
}

// Choose resolves the pending gate. It returns a state error, and freezes
// the controller, when no gate is pending.
func (c *Controller) Choose(d timeline.Decision) error {
	reply := make(chan error, 1)
	if err := c.post(choiceMsg{decision: d, origin: originLocal, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.loopDone:
		return ErrClosed
	}
}

// ChooseFor resolves the gate on segment index. Unlike Choose it never
// freezes the controller: if index is not the pending gate, because it was
// already resolved or never opened, it returns ErrNoPendingGate.
func (c *Controller) ChooseFor(index int, d timeline.Decision) error {
	reply := make(chan error, 1)
	if err := c.post(choiceMsg{decision: d, origin: originLocal, index: index, guarded: true, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.loopDone:
		return ErrClosed
	}
}

// ApplyRemoteDecision applies a decision made by another viewer. If the
// segment is gated right now it acts as a choice; otherwise it only updates
// the active blackout set.
func (c *Controller) ApplyRemoteDecision(index int, d timeline.Decision) error {
	return c.post(remoteMsg{index: index, decision: d})
}

// State returns a snapshot of the controller state.
func (c *Controller) State() (State, error) {
	reply := make(chan State, 1)
	if err := c.post(stateMsg{reply: reply}); err != nil {
		return State{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-c.loopDone:
		return State{}, ErrClosed
	}
}

// Done is closed once Close has released every resource.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Close stops the event loop, unregisters from the surface and tears down
// the active engine. Close is idempotent.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.cancel()
		<-c.loopDone
		c.unsubscribe()
		c.wg.Wait()
		c.closeErr = c.surface.Close()
		close(c.done)
		c.logger.Debug("controller closed")
	})
	return c.closeErr
}

func (c *Controller) post(m message) error {
	select {
	case <-c.quit:
		return ErrClosed
	default:
	}

	select {
	case c.mailbox <- m:
		return nil
	case <-c.quit:
		return ErrClosed
	}
}

func (c *Controller) onSurfaceEvent(ev playback.Event) {
	var m message
	switch ev.Type {
	case playback.EventTick:
		m = tickMsg{t: ev.Time}
	case playback.EventUserSeek:
		m = seekMsg{t: ev.Time}
	case playback.EventError:
		m = surfaceErrMsg{err: ev.Err}
	default:
		return
	}
	_ = c.post(m)
}
