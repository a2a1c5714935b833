package controller

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agleyzer/blackoutplayer/internal/playback"
	"github.com/agleyzer/blackoutplayer/internal/playerr"
	"github.com/agleyzer/blackoutplayer/internal/segment"
	"github.com/agleyzer/blackoutplayer/internal/timeline"
	"github.com/stretchr/testify/require"
)

const (
	originalURL = "http://media.test/video/output.m3u8"
	blackoutURL = "http://media.test/video/blackout.m3u8"
)

// manifest builds a media playlist; segments listed in blackout reference
// blackout slates.
func manifest(durations []float64, blackout ...int) string {
	isBlackout := make(map[int]bool)
	for _, i := range blackout {
		isBlackout[i] = true
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-PLAYLIST-TYPE:VOD\n")
	for i, d := range durations {
		b.WriteString("#EXTINF:" + strconv.FormatFloat(d, 'f', -1, 64) + ",\n")
		if isBlackout[i] {
			b.WriteString("blackout" + strconv.Itoa(i) + ".ts\n")
		} else {
			b.WriteString("output" + strconv.Itoa(i) + ".ts\n")
		}
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// scenario is the three-segment timeline [0-10 normal, 10-15 blackout, 15-25 normal].
var scenario = manifest([]float64{10, 5, 10}, 1)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// manifestClient serves body for every request without a listener.
func manifestClient(status int, body string) *http.Client {
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: status,
			Body:       io.NopCloser(strings.NewReader(body)),
			Header:     make(http.Header),
			Request:    r,
		}, nil
	})}
}

type attachCall struct {
	url   string
	start float64
}

// fakeSurface records attachments and lets tests emit surface events.
type fakeSurface struct {
	mu         sync.Mutex
	attaches   []attachCall
	attachErrs map[string]error
	block      chan struct{}
	inFlight   int
	maxFlight  int
	playing    bool
	pauses     int
	plays      int
	fullscreen bool
	closed     bool
	listeners  map[int]func(playback.Event)
	nextID     int
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{
		attachErrs: make(map[string]error),
		listeners:  make(map[int]func(playback.Event)),
	}
}

func (s *fakeSurface) Attach(ctx context.Context, url string, start float64) error {
	s.mu.Lock()
	s.attaches = append(s.attaches, attachCall{url: url, start: start})
	s.inFlight++
	if s.inFlight > s.maxFlight {
		s.maxFlight = s.inFlight
	}
	block := s.block
	err := s.attachErrs[url]
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.playing = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSurface) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = true
	s.plays++
	return nil
}

func (s *fakeSurface) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
	s.pauses++
	return nil
}

func (s *fakeSurface) CurrentTime() float64 { return 0 }

func (s *fakeSurface) IsFullscreen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullscreen
}

func (s *fakeSurface) EnterFullscreen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fullscreen = true
	return nil
}

func (s *fakeSurface) ExitFullscreen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fullscreen = false
	return nil
}

func (s *fakeSurface) Subscribe(fn func(playback.Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *fakeSurface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.playing = false
	return nil
}

func (s *fakeSurface) emit(ev playback.Event) {
	s.mu.Lock()
	fns := make([]func(playback.Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *fakeSurface) setBlock(ch chan struct{}) {
	s.mu.Lock()
	s.block = ch
	s.mu.Unlock()
}

func (s *fakeSurface) calls() []attachCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]attachCall(nil), s.attaches...)
}

func (s *fakeSurface) isPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *fakeSurface) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// recorder is a Listener capturing every event.
type recorder struct {
	mu       sync.Mutex
	pending  []segment.Segment
	advances []advance
	errs     []playerr.Kind
}

type advance struct {
	index     int
	rendition segment.Rendition
}

func (r *recorder) OnBlackoutPending(seg segment.Segment) {
	r.mu.Lock()
	r.pending = append(r.pending, seg)
	r.mu.Unlock()
}

func (r *recorder) OnSegmentAdvance(index int, rendition segment.Rendition) {
	r.mu.Lock()
	r.advances = append(r.advances, advance{index, rendition})
	r.mu.Unlock()
}

func (r *recorder) OnError(kind playerr.Kind, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, kind)
	r.mu.Unlock()
}

func (r *recorder) pendingIndices() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []int{}
	for _, s := range r.pending {
		out = append(out, s.Index)
	}
	return out
}

func (r *recorder) errors() []playerr.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]playerr.Kind(nil), r.errs...)
}

func (r *recorder) advanced() []advance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]advance(nil), r.advances...)
}

// fakePublisher records published decisions.
type fakePublisher struct {
	mu        sync.Mutex
	published []int
}

func (p *fakePublisher) PublishDecision(ctx context.Context, index int, d timeline.Decision) error {
	p.mu.Lock()
	p.published = append(p.published, index)
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) indices() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.published...)
}

type harness struct {
	c       *Controller
	surface *fakeSurface
	events  *recorder
}

func newHarness(t *testing.T, body string, policy timeline.Policy, opts ...Option) *harness {
	t.Helper()

	surface := newFakeSurface()
	events := &recorder{}
	c, err := New(context.Background(), Config{
		OriginalURL: originalURL,
		BlackoutURL: blackoutURL,
		Policy:      policy,
		Client:      manifestClient(http.StatusOK, body),
	}, surface, events, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return &harness{c: c, surface: surface, events: events}
}

func (h *harness) state(t *testing.T) State {
	t.Helper()
	s, err := h.c.State()
	require.NoError(t, err)
	return s
}

// settle waits until no attach is in flight.
func (h *harness) settle(t *testing.T) State {
	t.Helper()
	var s State
	require.Eventually(t, func() bool {
		got, err := h.c.State()
		s = got
		return err == nil && !got.Attaching
	}, time.Second, time.Millisecond)
	return s
}
