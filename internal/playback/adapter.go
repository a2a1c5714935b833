package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agleyzer/blackoutplayer/internal/metrics"
	"github.com/agleyzer/blackoutplayer/internal/playerr"
	"github.com/cenkalti/backoff/v5"
)

var (
	// ErrClosed is returned by Attach after Close.
	ErrClosed = errors.New("surface is closed")

	// ErrNotAttached is returned by Play and Pause when no engine is live.
	ErrNotAttached = errors.New("no engine attached")
)

// Option configures an Adapter.
type Option func(*Adapter)

// WithDisplay sets the fullscreen capability. Defaults to a WindowDisplay.
func WithDisplay(d Display) Option {
	return func(a *Adapter) { a.display = d }
}

// WithMetrics records engine retry metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithRetry sets how many times a network failure is retried during a load
// and the initial backoff interval between attempts.
func WithRetry(maxTries uint, initialInterval time.Duration) Option {
	return func(a *Adapter) {
		a.maxTries = maxTries
		a.initialInterval = initialInterval
	}
}

// Adapter implements Surface on top of engines produced by a single Factory.
// At most one engine instance is alive at any time: Attach tears the
// previous instance down before creating the next one.
type Adapter struct {
	factory         Factory
	display         Display
	logger          *slog.Logger
	metrics         *metrics.Metrics
	maxTries        uint
	initialInterval time.Duration

	// attachMu serializes Attach and Close.
	attachMu sync.Mutex

	mu           sync.Mutex
	live         *instance
	cancelAttach context.CancelFunc
	closed       bool
	listeners    map[int]func(Event)
	nextID       int
}

// instance is one live engine and the goroutine pumping its events.
type instance struct {
	engine       Engine
	url          string
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	mediaRetried bool
	destroyOnce  sync.Once
}

func (i *instance) destroy(logger *slog.Logger) {
	i.destroyOnce.Do(func() {
		if err := i.engine.Destroy(); err != nil {
			logger.Warn("failed to destroy engine", "url", i.url, "error", err)
		}
	})
}

// NewAdapter selects an engine factory and returns a surface over it. It
// fails with an unsupported playback error when no factory is usable.
func NewAdapter(logger *slog.Logger, factories []Factory, opts ...Option) (*Adapter, error) {
	factory, err := Select(factories...)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		factory:         factory,
		display:         &WindowDisplay{},
		logger:          logger,
		maxTries:        4,
		initialInterval: 250 * time.Millisecond,
		listeners:       make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.maxTries == 0 {
		a.maxTries = 1
	}

	logger.Info("playback engine selected", "engine", factory.Name())
	return a, nil
}

// EngineName returns the name of the selected engine.
func (a *Adapter) EngineName() string {
	return a.factory.Name()
}

// Attach tears down the live engine, creates a new one and returns once it
// plays manifestURL from start.
func (a *Adapter) Attach(ctx context.Context, manifestURL string, start float64) error {
	a.attachMu.Lock()
	defer a.attachMu.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	old := a.live
	a.live = nil
	attachCtx, cancel := context.WithCancel(ctx)
	a.cancelAttach = cancel
	a.mu.Unlock()
	defer cancel()

	a.teardown(old)

	began := time.Now()
	inst, err := a.open(attachCtx, manifestURL, start)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.cancelAttach = nil
	if a.closed {
		a.mu.Unlock()
		inst.cancel()
		inst.destroy(a.logger)
		return ErrClosed
	}
	a.live = inst
	a.mu.Unlock()

	go a.pump(inst)

	a.logger.Debug("engine attached", "url", manifestURL, "start", start, "took", time.Since(began))
	return nil
}

// open creates an engine and brings it to playback at start.
func (a *Adapter) open(ctx context.Context, manifestURL string, start float64) (*instance, error) {
	engine, err := a.factory.New()
	if err != nil {
		return nil, playerr.Media("create engine", manifestURL, err)
	}

	instCtx, instCancel := context.WithCancel(context.Background())
	inst := &instance{
		engine: engine,
		url:    manifestURL,
		ctx:    instCtx,
		cancel: instCancel,
		done:   make(chan struct{}),
	}

	if err := a.load(ctx, engine, manifestURL, start, 1); err != nil {
		instCancel()
		inst.destroy(a.logger)
		return nil, err
	}
	return inst, nil
}

// load loads url into engine, retrying network failures with backoff and
// media failures up to mediaBudget times, then starts playback at start.
func (a *Adapter) load(ctx context.Context, engine Engine, url string, start float64, mediaBudget int) error {
	mediaFailures := 0
	op := func() (struct{}, error) {
		err := engine.Load(ctx, url, start)
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}

		switch kind := playerr.KindOf(err); kind {
		case playerr.KindNetwork:
			a.metrics.IncEngineRetry(string(kind))
			a.logger.Debug("engine load failed, retrying", "url", url, "error", err)
			return struct{}{}, err
		case playerr.KindMedia:
			mediaFailures++
			if mediaFailures > mediaBudget {
				return struct{}{}, backoff.Permanent(err)
			}
			a.metrics.IncEngineRetry(string(kind))
			a.logger.Debug("engine decode failed, resetting", "url", url, "error", err)
			return struct{}{}, err
		case playerr.KindUnknown:
			return struct{}{}, backoff.Permanent(playerr.Media("load", url, err))
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.initialInterval
	b.MaxInterval = 8 * a.initialInterval

	if _, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(a.maxTries)); err != nil {
		return err
	}

	if engine.Mode() == ReadyOnMetadata {
		if err := engine.Seek(start); err != nil {
			return playerr.Media("seek", url, err)
		}
	}
	if err := engine.Play(); err != nil {
		return playerr.Media("play", url, err)
	}
	return nil
}

// pump forwards engine events to subscribers and recovers non-fatal errors.
func (a *Adapter) pump(inst *instance) {
	defer close(inst.done)

	events := inst.engine.Events()
	for {
		select {
		case <-inst.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}

			switch ev.Type {
			case EventTick, EventUserSeek:
				a.emit(inst, Event{Type: ev.Type, Time: ev.Time})

			case EventError:
				err := a.recover(inst, ev.Err)
				if err == nil {
					continue
				}

				a.logger.Error("engine failed", "url", inst.url, "error", err)
				a.mu.Lock()
				if a.live == inst {
					a.live = nil
				}
				a.mu.Unlock()
				inst.destroy(a.logger)
				a.emit(inst, Event{Type: EventError, Err: err})
				return
			}
		}
	}
}

// recover reloads the source after a network error, or resets the decoder
// once after a media error. It returns the fatal error when recovery is not
// possible.
func (a *Adapter) recover(inst *instance, cause error) error {
	if !playerr.IsRetryable(cause) {
		return playerr.Media("engine", inst.url, cause)
	}
	kind := playerr.KindOf(cause)
	if kind == playerr.KindMedia {
		if inst.mediaRetried {
			return cause
		}
		inst.mediaRetried = true
	}

	pos := inst.engine.Position()
	a.logger.Warn("engine error, reloading source", "kind", kind, "url", inst.url, "position", pos, "error", cause)
	a.metrics.IncEngineRetry(string(kind))

	if err := a.load(inst.ctx, inst.engine, inst.url, pos, 0); err != nil {
		if playerr.KindOf(err) == playerr.KindMedia {
			return err
		}
		return playerr.Media("reload", inst.url, err)
	}
	return nil
}

// teardown stops the pump and destroys the engine.
func (a *Adapter) teardown(inst *instance) {
	if inst == nil {
		return
	}
	inst.cancel()
	<-inst.done
	inst.destroy(a.logger)
}

func (a *Adapter) emit(inst *instance, ev Event) {
	if ev.Type != EventError && inst.ctx.Err() != nil {
		return
	}

	a.mu.Lock()
	fns := make([]func(Event), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (a *Adapter) engine() Engine {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.live == nil {
		return nil
	}
	return a.live.engine
}

// Play resumes the live engine.
func (a *Adapter) Play() error {
	e := a.engine()
	if e == nil {
		return ErrNotAttached
	}
	return e.Play()
}

// Pause suspends the live engine's playback clock.
func (a *Adapter) Pause() error {
	e := a.engine()
	if e == nil {
		return ErrNotAttached
	}
	return e.Pause()
}

// CurrentTime returns the live engine position, or 0 when detached.
func (a *Adapter) CurrentTime() float64 {
	e := a.engine()
	if e == nil {
		return 0
	}
	return e.Position()
}

// IsFullscreen reports the display mode.
func (a *Adapter) IsFullscreen() bool {
	return a.display.IsFullscreen()
}

// EnterFullscreen switches the display to fullscreen.
func (a *Adapter) EnterFullscreen() error {
	return a.display.EnterFullscreen()
}

// ExitFullscreen leaves fullscreen.
func (a *Adapter) ExitFullscreen() error {
	return a.display.ExitFullscreen()
}

// Subscribe registers fn for surface events.
func (a *Adapter) Subscribe(fn func(Event)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextID
	a.nextID++
	if a.listeners != nil {
		a.listeners[id] = fn
	}

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

// Close cancels any in-flight attach, tears down the live engine and drops
// all subscribers. Close is idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	if a.cancelAttach != nil {
		a.cancelAttach()
	}
	a.mu.Unlock()

	a.attachMu.Lock()
	defer a.attachMu.Unlock()

	a.mu.Lock()
	old := a.live
	a.live = nil
	a.listeners = nil
	a.mu.Unlock()

	a.teardown(old)
	a.logger.Debug("surface closed")
	return nil
}
