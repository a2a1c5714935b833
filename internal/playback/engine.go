package playback

import (
	"context"
	"fmt"

	"github.com/agleyzer/blackoutplayer/internal/playerr"
)

// ReadyMode describes when an engine is ready to play from a start position.
type ReadyMode int

const (
	// ReadyOnMetadata engines ignore the start position on load; the adapter
	// seeks explicitly once metadata is loaded, then plays.
	ReadyOnMetadata ReadyMode = iota
	// ReadyOnManifest engines take the start position as a load option and
	// are ready once the manifest is parsed.
	ReadyOnManifest
)

func (m ReadyMode) String() string {
	if m == ReadyOnManifest {
		return "manifest"
	}
	return "metadata"
}

// EngineEvent is emitted by an Engine on its Events channel.
type EngineEvent struct {
	Type EventType
	Time float64
	Err  error
}

// Engine is a single underlying media engine instance. Instances are not
// reused across attachments.
type Engine interface {
	// Mode reports how the engine signals readiness.
	Mode() ReadyMode
	// Load fetches url and blocks until the engine is ready. start is
	// honoured only by ReadyOnManifest engines. Calling Load again on a
	// loaded engine reloads the source.
	Load(ctx context.Context, url string, start float64) error
	Seek(t float64) error
	Play() error
	Pause() error
	Position() float64
	// Events is closed by Destroy.
	Events() <-chan EngineEvent
	// Destroy releases decoder and network resources.
	Destroy() error
}

// Factory creates engine instances of one kind.
type Factory interface {
	Name() string
	// Supported reports whether the engine can run in this environment.
	Supported() bool
	New() (Engine, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc struct {
	EngineName string
	Available  bool
	Create     func() (Engine, error)
}

// Name returns the engine name.
func (f FactoryFunc) Name() string { return f.EngineName }

// Supported reports f.Available.
func (f FactoryFunc) Supported() bool { return f.Available }

// New calls f.Create.
func (f FactoryFunc) New() (Engine, error) { return f.Create() }

// Select returns the first supported factory. The choice is made once, at
// construction of the surface.
func Select(factories ...Factory) (Factory, error) {
	names := make([]string, 0, len(factories))
	for _, f := range factories {
		if f == nil {
			continue
		}
		if f.Supported() {
			return f, nil
		}
		names = append(names, f.Name())
	}
	return nil, playerr.Unsupported(fmt.Sprintf("no usable playback engine (tried %v)", names))
}
