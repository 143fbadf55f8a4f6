package coordinator

import (
	"sync"
	"time"

	"github.com/loqalabs/loqa-interview/internal/asset"
)

type EventKind int

const (
	// EventReady means the source is decoded and can start playing.
	EventReady EventKind = iota + 1
	// EventEnded means a playback run reached the end of the source.
	EventEnded
	// EventInterrupted means playback stopped without the coordinator
	// asking, for example the output device went away.
	EventInterrupted
	// EventFailed means the source could not be decoded or played.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventEnded:
		return "ended"
	case EventInterrupted:
		return "interrupted"
	case EventFailed:
		return "failed"
	}
	return "unknown"
}

// Event is reported by an Element. Run is the value Play returned for the
// playback the event belongs to, or zero for load-time events.
type Event struct {
	Kind EventKind
	Run  uint64
	Err  error
}

// Element plays one loaded asset. Implementations must deliver events from
// their own goroutines, never from inside a method call, and must not block
// a method call on event delivery.
type Element interface {
	// Play starts playback from the current position and returns the run id
	// stamped on every event of that run.
	Play() (uint64, error)
	// Pause halts playback. It does not emit an event.
	Pause()
	// Rewind moves the position back to zero.
	Rewind()
	Position() time.Duration
	Subscribe(func(Event)) (unsubscribe func())
	// Close releases the playable mapping of the source.
	Close() error
}

// Factory creates an element for a freshly attached asset.
type Factory interface {
	NewElement(a asset.Audio) (Element, error)
}

type FactoryFunc func(a asset.Audio) (Element, error)

func (f FactoryFunc) NewElement(a asset.Audio) (Element, error) { return f(a) }

// ListenerBinding owns the listener set registered against one element and
// the element itself. Dispose detaches and releases both exactly once.
type ListenerBinding struct {
	once        sync.Once
	element     Element
	unsubscribe func()
	err         error
}

func bind(el Element, handler func(Event)) *ListenerBinding {
	return &ListenerBinding{
		element:     el,
		unsubscribe: el.Subscribe(handler),
	}
}

func (b *ListenerBinding) Dispose() error {
	if b == nil {
		return nil
	}
	b.once.Do(func() {
		b.unsubscribe()
		b.element.Pause()
		b.err = b.element.Close()
	})
	return b.err
}
