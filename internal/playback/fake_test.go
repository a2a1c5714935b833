package playback

import (
	"context"
	"errors"
	"sync"
)

type loadCall struct {
	url   string
	start float64
}

// fakeEngine records calls and plays back scripted load errors.
type fakeEngine struct {
	mode    ReadyMode
	factory *fakeFactory

	mu        sync.Mutex
	loads     []loadCall
	seeks     []float64
	playing   bool
	pos       float64
	destroyed bool
	loadErrs  []error
	block     chan struct{}

	events chan EngineEvent
	once   sync.Once
}

func (e *fakeEngine) Mode() ReadyMode { return e.mode }

func (e *fakeEngine) Load(ctx context.Context, url string, start float64) error {
	e.mu.Lock()
	e.loads = append(e.loads, loadCall{url: url, start: start})
	block := e.block
	var err error
	if len(e.loadErrs) > 0 {
		err = e.loadErrs[0]
		e.loadErrs = e.loadErrs[1:]
	}
	e.mu.Unlock()

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

	e.mu.Lock()
	if e.mode == ReadyOnManifest {
		e.pos = start
	} else {
		e.pos = 0
	}
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Seek(t float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seeks = append(e.seeks, t)
	e.pos = t
	return nil
}

func (e *fakeEngine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = true
	return nil
}

func (e *fakeEngine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = false
	return nil
}

func (e *fakeEngine) Position() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

func (e *fakeEngine) Events() <-chan EngineEvent { return e.events }

func (e *fakeEngine) Destroy() error {
	e.once.Do(func() {
		e.mu.Lock()
		e.destroyed = true
		e.mu.Unlock()
		close(e.events)
		e.factory.released()
	})
	return nil
}

func (e *fakeEngine) loadCalls() []loadCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]loadCall(nil), e.loads...)
}

func (e *fakeEngine) isDestroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

// fakeFactory tracks how many engines are alive at once.
type fakeFactory struct {
	mode      ReadyMode
	supported bool
	loadErrs  []error
	block     chan struct{}

	mu       sync.Mutex
	engines  []*fakeEngine
	alive    int
	maxAlive int
}

func newFakeFactory(mode ReadyMode) *fakeFactory {
	return &fakeFactory{mode: mode, supported: true}
}

func (f *fakeFactory) Name() string    { return "fake-" + f.mode.String() }
func (f *fakeFactory) Supported() bool { return f.supported }

func (f *fakeFactory) New() (Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.supported {
		return nil, errors.New("unsupported")
	}
	e := &fakeEngine{
		mode:     f.mode,
		factory:  f,
		loadErrs: append([]error(nil), f.loadErrs...),
		block:    f.block,
		events:   make(chan EngineEvent, 8),
	}
	f.engines = append(f.engines, e)
	f.alive++
	if f.alive > f.maxAlive {
		f.maxAlive = f.alive
	}
	return e, nil
}

func (f *fakeFactory) released() {
	f.mu.Lock()
	f.alive--
	f.mu.Unlock()
}

func (f *fakeFactory) last() *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

func (f *fakeFactory) stats() (created, alive, maxAlive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines), f.alive, f.maxAlive
}
