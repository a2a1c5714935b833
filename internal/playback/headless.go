package playback

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agleyzer/blackoutplayer/internal/parser"
	"github.com/agleyzer/blackoutplayer/internal/playerr"
	"github.com/grafov/m3u8"
)

// HeadlessConfig configures the headless engine.
type HeadlessConfig struct {
	// Client fetches manifests. Defaults to a client with a 30s timeout.
	Client *http.Client

	// TickInterval is the playback clock resolution. Defaults to 250ms.
	TickInterval time.Duration

	// Rate is the playback speed. Defaults to 1.
	Rate float64

	// Now is the wall clock. Defaults to time.Now.
	Now func() time.Time
}

func (c *HeadlessConfig) setDefaults() {
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 250 * time.Millisecond
	}
	if c.Rate <= 0 {
		c.Rate = 1
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// HeadlessFactory creates headless engines. It is always supported.
type HeadlessFactory struct {
	Config HeadlessConfig
}

// Name returns "headless".
func (f HeadlessFactory) Name() string { return "headless" }

// Supported reports true.
func (f HeadlessFactory) Supported() bool { return true }

// New creates a headless engine.
func (f HeadlessFactory) New() (Engine, error) {
	return NewHeadless(f.Config), nil
}

// Headless is a ReadyOnManifest engine that renders nothing. It loads the
// rendition manifest, derives its duration and runs a virtual playback clock
// that emits ticks while playing and stops at the end of the rendition.
type Headless struct {
	cfg HeadlessConfig

	mu        sync.Mutex
	loaded    bool
	duration  float64
	playing   bool
	anchorPos float64
	anchorAt  time.Time
	started   bool
	destroyed bool

	events      chan EngineEvent
	stop        chan struct{}
	wg          sync.WaitGroup
	destroyOnce sync.Once
}

// NewHeadless creates an unloaded headless engine.
func NewHeadless(cfg HeadlessConfig) *Headless {
	cfg.setDefaults()
	return &Headless{
		cfg:    cfg,
		events: make(chan EngineEvent, 16),
		stop:   make(chan struct{}),
	}
}

// Mode returns ReadyOnManifest.
func (h *Headless) Mode() ReadyMode {
	return ReadyOnManifest
}

// Load fetches and decodes the manifest and positions the clock at start.
func (h *Headless) Load(ctx context.Context, url string, start float64) error {
	text, err := parser.Fetch(ctx, h.cfg.Client, url)
	if err != nil {
		return err
	}

	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(text), false)
	if err != nil {
		return playerr.Media("decode manifest", url, err)
	}
	if listType != m3u8.MEDIA {
		return playerr.Media("decode manifest", url, errors.New("not a media playlist"))
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return playerr.Media("decode manifest", url, errors.New("unexpected playlist type"))
	}

	var duration float64
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		duration += seg.Duration
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.destroyed {
		return playerr.Media("load", url, errors.New("engine destroyed"))
	}

	h.loaded = true
	h.duration = duration
	h.playing = false
	h.anchorPos = h.clamp(start)
	h.anchorAt = h.cfg.Now()

	if !h.started {
		h.started = true
		h.wg.Add(1)
		go h.run()
	}
	return nil
}

// Seek moves the clock to t.
func (h *Headless) Seek(t float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.loaded {
		return errors.New("seek before load")
	}
	h.anchorPos = h.clamp(t)
	h.anchorAt = h.cfg.Now()
	return nil
}

// Play starts the clock.
func (h *Headless) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.loaded {
		return errors.New("play before load")
	}
	if !h.playing {
		h.playing = true
		h.anchorAt = h.cfg.Now()
	}
	return nil
}

// Pause stops the clock.
func (h *Headless) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.anchorPos = h.positionLocked()
	h.anchorAt = h.cfg.Now()
	h.playing = false
	return nil
}

// Position returns the clock position in seconds.
func (h *Headless) Position() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.positionLocked()
}

// Playing reports whether the clock is running.
func (h *Headless) Playing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playing
}

// Duration returns the rendition duration, known after Load.
func (h *Headless) Duration() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.duration
}

// Events returns the engine event channel.
func (h *Headless) Events() <-chan EngineEvent {
	return h.events
}

// Destroy stops the clock and closes the event channel.
func (h *Headless) Destroy() error {
	h.destroyOnce.Do(func() {
		h.mu.Lock()
		h.destroyed = true
		h.playing = false
		h.mu.Unlock()

		close(h.stop)
		h.wg.Wait()
		close(h.events)
	})
	return nil
}

func (h *Headless) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Headless) tick() {
	h.mu.Lock()
	if !h.playing {
		h.mu.Unlock()
		return
	}
	pos := h.positionLocked()
	if pos >= h.duration {
		pos = h.duration
		h.anchorPos = pos
		h.playing = false
	}
	h.mu.Unlock()

	// Ticks are advisory; a slow consumer only misses intermediate positions.
	select {
	case h.events <- EngineEvent{Type: EventTick, Time: pos}:
	default:
	}
}

// positionLocked must be called with h.mu held.
func (h *Headless) positionLocked() float64 {
	if !h.playing {
		return h.anchorPos
	}
	elapsed := h.cfg.Now().Sub(h.anchorAt).Seconds() * h.cfg.Rate
	return h.clamp(h.anchorPos + elapsed)
}

func (h *Headless) clamp(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > h.duration {
		return h.duration
	}
	return t
}
