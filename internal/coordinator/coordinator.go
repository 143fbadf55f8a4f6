// Package coordinator owns the question and feedback audio channels and the
// recording flag. It guarantees that two sources never play at once, that
// recording hard-stops every channel, and that fresh audio auto-plays at most
// once.
package coordinator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-interview/internal/asset"
)

type State int

const (
	StateEmpty State = iota
	StateLoaded
	StatePlaying
	StateEnded
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoaded:
		return "loaded"
	case StatePlaying:
		return "playing"
	case StateEnded:
		return "ended"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

var (
	ErrPlaybackRejected = errors.New("playback rejected")
	ErrNoAsset          = errors.New("no audio attached to channel")
	ErrRecordingActive  = errors.New("recording in progress")
	ErrUnknownChannel   = errors.New("unknown audio channel")
)

// PlaybackError reports a source that could not be decoded or played. It is
// never fatal: the channel stays available for manual control.
type PlaybackError struct {
	Channel asset.Channel
	Err     error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("%s audio: %v", e.Channel, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// Change is published after every state transition of a channel.
type Change struct {
	Channel asset.Channel
	State   State
	AssetID string
	Err     error
}

// ChannelState is a point-in-time view of one channel.
type ChannelState struct {
	State    State
	AssetID  string
	Sequence int
	Position time.Duration
	// AutoplayBlocked is set when an autoplay attempt was refused; the user
	// still has the manual control.
	AutoplayBlocked bool
	Err             error
}

// Snapshot is the CoordinatorState value handed to callers.
type Snapshot struct {
	Recording bool
	Channels  map[asset.Channel]ChannelState
}

type slot struct {
	state   State
	asset   asset.Audio
	element Element
	binding *ListenerBinding
	gen     uint64
	run     uint64
	played  bool
	armed   bool
	blocked bool
	err     error
}

type Option func(*Coordinator)

func WithObserver(fn func(Change)) Option {
	return func(c *Coordinator) {
		c.observer = fn
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

type Coordinator struct {
	factory  Factory
	logger   *slog.Logger
	observer func(Change)

	mu        sync.Mutex
	slots     map[asset.Channel]*slot
	recording bool
	pending   []Change

	dispatchMu sync.Mutex
}

func New(factory Factory, opts ...Option) *Coordinator {
	c := &Coordinator{
		factory: factory,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		slots:   make(map[asset.Channel]*slot, len(asset.Channels)),
	}
	for _, ch := range asset.Channels {
		c.slots[ch] = &slot{}
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "audio-coordinator"))
	return c
}

// AttachOption tunes a single Attach call.
type AttachOption func(*slot)

// AutoplayWhenReady arms one autoplay attempt for when the element reports
// it can play. The attempt goes through the same eligibility check as
// AutoplayIfEligible and is cancelled by any later Attach or interrupt.
func AutoplayWhenReady() AttachOption {
	return func(s *slot) {
		s.armed = true
	}
}

// Attach replaces the asset on a channel. The previous element is stopped
// and its listeners detached before the new one is bound. Attaching the
// asset that is already loaded or playing is a no-op; attaching it again
// after it ended or was stopped reloads it for replay.
func (c *Coordinator) Attach(ch asset.Channel, a asset.Audio, opts ...AttachOption) error {
	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[ch]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
	}
	if a.Empty() {
		return &PlaybackError{Channel: ch, Err: ErrNoAsset}
	}
	if s.element != nil && s.asset.ID == a.ID && (s.state == StateLoaded || s.state == StatePlaying) {
		return nil
	}

	c.detachLocked(ch, s)

	el, err := c.factory.NewElement(a)
	if err != nil {
		s.err = &PlaybackError{Channel: ch, Err: err}
		c.emitLocked(ch, s)
		return s.err
	}
	gen := s.gen
	s.asset = a
	s.element = el
	s.binding = bind(el, func(ev Event) { c.handle(ch, gen, ev) })
	s.state = StateLoaded
	for _, opt := range opts {
		opt(s)
	}
	c.logger.Debug("audio attached",
		slog.String("channel", string(ch)),
		slog.String("asset_id", a.ID),
		slog.Bool("autoplay_armed", s.armed),
	)
	c.emitLocked(ch, s)
	return nil
}

// Detach stops a channel and releases its asset.
func (c *Coordinator) Detach(ch asset.Channel) {
	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[ch]; ok && s.element != nil {
		c.detachLocked(ch, s)
		c.emitLocked(ch, s)
	}
}

// AutoplayIfEligible plays a freshly loaded channel from the start unless a
// recording is active. Ineligibility and player rejection are absorbed; the
// result reports whether playback started.
func (c *Coordinator) AutoplayIfEligible(ch asset.Channel) bool {
	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[ch]
	if !ok {
		return false
	}
	return c.autoplayLocked(ch, s)
}

// InterruptForRecording marks the recording active and full-stops every
// channel before returning. Call it before any microphone acquisition.
func (c *Coordinator) InterruptForRecording() {
	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recording = true
	for _, ch := range asset.Channels {
		s := c.slots[ch]
		s.armed = false
		c.stopLocked(ch, s)
	}
	c.logger.Debug("playback interrupted for recording")
}

// OnRecordingEnded clears the recording flag. No channel resumes.
func (c *Coordinator) OnRecordingEnded() {
	c.mu.Lock()
	c.recording = false
	c.mu.Unlock()
}

// Recording is the authoritative recording flag.
func (c *Coordinator) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Toggle stops and rewinds a playing channel, otherwise rewinds it and plays
// from the start. Playback never resumes from a paused offset.
func (c *Coordinator) Toggle(ch asset.Channel) error {
	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[ch]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
	}
	if s.element == nil {
		return &PlaybackError{Channel: ch, Err: ErrNoAsset}
	}
	if s.state == StatePlaying {
		c.stopLocked(ch, s)
		return nil
	}
	if c.recording {
		return &PlaybackError{Channel: ch, Err: ErrRecordingActive}
	}
	s.armed = false
	s.element.Rewind()
	return c.startLocked(ch, s)
}

// Stop full-stops one channel.
func (c *Coordinator) Stop(ch asset.Channel) {
	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[ch]; ok {
		s.armed = false
		c.stopLocked(ch, s)
	}
}

// StopAll full-stops every channel without touching the recording flag.
func (c *Coordinator) StopAll() {
	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range asset.Channels {
		s := c.slots[ch]
		s.armed = false
		c.stopLocked(ch, s)
	}
}

// Teardown releases every channel and clears the recording flag.
func (c *Coordinator) Teardown() {
	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range asset.Channels {
		s := c.slots[ch]
		if s.element != nil {
			c.detachLocked(ch, s)
			c.emitLocked(ch, s)
		}
	}
	c.recording = false
}

func (c *Coordinator) State(ch asset.Channel) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[ch]; ok {
		return s.state
	}
	return StateEmpty
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{Recording: c.recording, Channels: make(map[asset.Channel]ChannelState, len(c.slots))}
	for ch, s := range c.slots {
		cs := ChannelState{
			State:           s.state,
			AssetID:         s.asset.ID,
			Sequence:        s.asset.Sequence,
			AutoplayBlocked: s.blocked,
			Err:             s.err,
		}
		if s.element != nil {
			cs.Position = s.element.Position()
		}
		snap.Channels[ch] = cs
	}
	return snap
}

func (c *Coordinator) handle(ch asset.Channel, gen uint64, ev Event) {
	defer c.flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slots[ch]
	if s.gen != gen || s.element == nil {
		return
	}
	switch ev.Kind {
	case EventReady:
		if s.armed {
			s.armed = false
			c.autoplayLocked(ch, s)
		}
	case EventEnded:
		if ev.Run != s.run || s.state != StatePlaying {
			return
		}
		s.state = StateEnded
		c.emitLocked(ch, s)
	case EventInterrupted:
		if ev.Run != s.run || s.state != StatePlaying {
			return
		}
		c.stopLocked(ch, s)
	case EventFailed:
		if ev.Run != 0 && ev.Run != s.run {
			return
		}
		err := ev.Err
		if err == nil {
			err = ErrPlaybackRejected
		}
		s.armed = false
		s.err = &PlaybackError{Channel: ch, Err: err}
		c.logger.Warn("audio playback failed", slog.String("channel", string(ch)), slogError(err))
		if s.state == StatePlaying {
			c.stopLocked(ch, s)
			return
		}
		s.element.Rewind()
		c.emitLocked(ch, s)
	}
}

func (c *Coordinator) autoplayLocked(ch asset.Channel, s *slot) bool {
	if s.element == nil || s.state != StateLoaded || s.played {
		return false
	}
	if c.recording || s.element.Position() != 0 {
		s.blocked = c.recording
		return false
	}
	if err := c.startLocked(ch, s); err != nil {
		s.blocked = true
		c.logger.Info("autoplay rejected, waiting for manual playback",
			slog.String("channel", string(ch)),
			slogError(err),
		)
		return false
	}
	return true
}

func (c *Coordinator) startLocked(ch asset.Channel, s *slot) error {
	if c.recording {
		return &PlaybackError{Channel: ch, Err: ErrRecordingActive}
	}
	for other, o := range c.slots {
		if other != ch && o.state == StatePlaying {
			c.stopLocked(other, o)
		}
	}
	run, err := s.element.Play()
	if err != nil {
		s.element.Pause()
		s.element.Rewind()
		s.err = &PlaybackError{Channel: ch, Err: fmt.Errorf("%w: %v", ErrPlaybackRejected, err)}
		c.emitLocked(ch, s)
		return s.err
	}
	s.run = run
	s.played = true
	s.blocked = false
	s.err = nil
	s.state = StatePlaying
	c.emitLocked(ch, s)
	return nil
}

// stopLocked pauses and rewinds. Only a playing channel changes state.
func (c *Coordinator) stopLocked(ch asset.Channel, s *slot) {
	if s.element == nil {
		return
	}
	s.element.Pause()
	s.element.Rewind()
	if s.state == StatePlaying {
		s.state = StateStopped
		c.emitLocked(ch, s)
	}
}

func (c *Coordinator) detachLocked(ch asset.Channel, s *slot) {
	s.gen++
	if s.binding != nil {
		if err := s.binding.Dispose(); err != nil {
			c.logger.Warn("release audio element", slog.String("channel", string(ch)), slogError(err))
		}
	}
	*s = slot{gen: s.gen}
}

func (c *Coordinator) emitLocked(ch asset.Channel, s *slot) {
	if c.observer == nil {
		return
	}
	c.pending = append(c.pending, Change{Channel: ch, State: s.state, AssetID: s.asset.ID, Err: s.err})
}

// flush delivers pending changes outside the state lock, in order. A call
// made from inside the observer leaves delivery to the outer call.
func (c *Coordinator) flush() {
	for {
		if !c.dispatchMu.TryLock() {
			return
		}
		c.mu.Lock()
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()
		for _, change := range batch {
			c.observer(change)
		}
		c.dispatchMu.Unlock()

		c.mu.Lock()
		more := len(c.pending) > 0
		c.mu.Unlock()
		if !more {
			return
		}
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
