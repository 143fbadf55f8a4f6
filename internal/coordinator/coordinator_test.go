package coordinator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interview/internal/asset"
)

// audible counts elements currently producing sound across a test.
type audible struct {
	mu      sync.Mutex
	playing int
	max     int
}

func (a *audible) start() {
	a.mu.Lock()
	a.playing++
	if a.playing > a.max {
		a.max = a.playing
	}
	a.mu.Unlock()
}

func (a *audible) stop() {
	a.mu.Lock()
	a.playing--
	a.mu.Unlock()
}

func (a *audible) peak() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.max
}

type fakeElement struct {
	id      string
	sound   *audible
	reject  error
	mu      sync.Mutex
	playing bool
	pos     time.Duration
	run     uint64
	plays   int
	closed  bool
	subs    map[int]func(Event)
	nextSub int
}

func (f *fakeElement) Play() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		return 0, f.reject
	}
	if !f.playing {
		f.sound.start()
	}
	f.playing = true
	f.plays++
	f.run++
	return f.run, nil
}

func (f *fakeElement) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playing {
		f.sound.stop()
		// a pause mid-stream leaves a non-zero offset
		f.pos += 750 * time.Millisecond
	}
	f.playing = false
}

func (f *fakeElement) Rewind() {
	f.mu.Lock()
	f.pos = 0
	f.mu.Unlock()
}

func (f *fakeElement) Position() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *fakeElement) Subscribe(fn func(Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fakeElement) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// emit delivers an event the way a player goroutine would.
func (f *fakeElement) emit(ev Event) {
	f.mu.Lock()
	subs := make([]func(Event), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	if ev.Kind == EventEnded && f.playing && ev.Run == f.run {
		f.playing = false
		f.sound.stop()
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (f *fakeElement) isPlaying() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func (f *fakeElement) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeFactory struct {
	sound    *audible
	mu       sync.Mutex
	elements []*fakeElement
	reject   error
	fail     error
}

func (f *fakeFactory) NewElement(a asset.Audio) (Element, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	el := &fakeElement{id: a.ID, sound: f.sound, reject: f.reject, subs: map[int]func(Event){}}
	f.elements = append(f.elements, el)
	return el, nil
}

func (f *fakeFactory) last() *fakeElement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.elements[len(f.elements)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.elements)
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) record(c Change) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *changeLog) states(ch asset.Channel) []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []State
	for _, c := range l.changes {
		if c.Channel == ch {
			out = append(out, c.State)
		}
	}
	return out
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeFactory, *changeLog) {
	t.Helper()
	factory := &fakeFactory{sound: &audible{}}
	log := &changeLog{}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	c := New(factory, WithObserver(log.record), WithLogger(logger))
	t.Cleanup(c.Teardown)
	return c, factory, log
}

func clip(ch asset.Channel, seq int, payload string) asset.Audio {
	return asset.New(ch, seq, "audio/mpeg", []byte(payload))
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestToggleTwiceStopsAtZero(t *testing.T) {
	c, factory, log := newTestCoordinator(t)
	if err := c.Attach(asset.ChannelQuestion, clip(asset.ChannelQuestion, 1, "q1")); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := c.Toggle(asset.ChannelQuestion); err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	if err := c.Toggle(asset.ChannelQuestion); err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	want := []State{StateLoaded, StatePlaying, StateStopped}
	if got := log.states(asset.ChannelQuestion); !equalStates(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	el := factory.last()
	if el.Position() != 0 || el.isPlaying() {
		t.Fatalf("expected element stopped at 0, got pos=%v playing=%v", el.Position(), el.isPlaying())
	}

	// playing again starts from the beginning
	if err := c.Toggle(asset.ChannelQuestion); err != nil {
		t.Fatalf("third toggle: %v", err)
	}
	if c.State(asset.ChannelQuestion) != StatePlaying || el.Position() != 0 {
		t.Fatalf("expected replay from zero, state=%v pos=%v", c.State(asset.ChannelQuestion), el.Position())
	}
}

func TestInterruptBeatsPendingAutoplay(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	_ = c.Attach(asset.ChannelQuestion, clip(asset.ChannelQuestion, 1, "q1"), AutoplayWhenReady())

	c.InterruptForRecording()
	// the element becomes ready while the microphone prompt is pending
	factory.last().emit(Event{Kind: EventReady})
	if c.AutoplayIfEligible(asset.ChannelQuestion) {
		t.Fatal("autoplay must not start while recording")
	}
	if factory.last().plays != 0 {
		t.Fatalf("expected no playback, got %d plays", factory.last().plays)
	}
	snap := c.Snapshot()
	if !snap.Recording || !snap.Channels[asset.ChannelQuestion].AutoplayBlocked {
		t.Fatalf("expected recording and blocked autoplay, got %+v", snap)
	}

	// recording ending does not resume anything
	c.OnRecordingEnded()
	if c.State(asset.ChannelQuestion) != StateLoaded || factory.last().isPlaying() {
		t.Fatalf("expected channel to stay loaded after recording")
	}
}

func TestAutoplayWhenReadyPlaysOnce(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	_ = c.Attach(asset.ChannelQuestion, clip(asset.ChannelQuestion, 1, "q1"), AutoplayWhenReady())
	el := factory.last()
	el.emit(Event{Kind: EventReady})
	el.emit(Event{Kind: EventReady})
	if el.plays != 1 || c.State(asset.ChannelQuestion) != StatePlaying {
		t.Fatalf("expected exactly one autoplay, plays=%d state=%v", el.plays, c.State(asset.ChannelQuestion))
	}
	el.emit(Event{Kind: EventEnded, Run: 1})
	if c.State(asset.ChannelQuestion) != StateEnded {
		t.Fatalf("expected ended, got %v", c.State(asset.ChannelQuestion))
	}
	if c.AutoplayIfEligible(asset.ChannelQuestion) {
		t.Fatal("an asset that already played is not a fresh load")
	}
}

func TestRecordingStopsPlayingFeedback(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	_ = c.Attach(asset.ChannelFeedback, clip(asset.ChannelFeedback, 1, "correct!"))
	if !c.AutoplayIfEligible(asset.ChannelFeedback) {
		t.Fatal("expected feedback autoplay")
	}
	feedback := factory.last()

	c.InterruptForRecording()
	if feedback.isPlaying() || feedback.Position() != 0 {
		t.Fatalf("feedback must be fully stopped before capture, playing=%v pos=%v", feedback.isPlaying(), feedback.Position())
	}
	if c.State(asset.ChannelFeedback) != StateStopped {
		t.Fatalf("expected stopped feedback, got %v", c.State(asset.ChannelFeedback))
	}
	if err := c.Toggle(asset.ChannelFeedback); !errors.Is(err, ErrRecordingActive) {
		t.Fatalf("expected playback refused while recording, got %v", err)
	}
	c.OnRecordingEnded()
	if feedback.isPlaying() {
		t.Fatal("feedback must not resume after recording")
	}
}

func TestAttachReplacesPlayingAsset(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	_ = c.Attach(asset.ChannelQuestion, clip(asset.ChannelQuestion, 1, "old"))
	_ = c.Toggle(asset.ChannelQuestion)
	old := factory.last()

	_ = c.Attach(asset.ChannelQuestion, clip(asset.ChannelQuestion, 2, "new"))
	if old.isPlaying() || !old.isClosed() {
		t.Fatalf("old element must be stopped and released")
	}
	if c.State(asset.ChannelQuestion) != StateLoaded {
		t.Fatalf("expected loaded, got %v", c.State(asset.ChannelQuestion))
	}
	// late events from the old element are ignored
	old.emit(Event{Kind: EventEnded, Run: 1})
	old.emit(Event{Kind: EventReady})
	if c.State(asset.ChannelQuestion) != StateLoaded {
		t.Fatalf("stale event changed state to %v", c.State(asset.ChannelQuestion))
	}
	if factory.sound.peak() > 1 {
		t.Fatalf("two sources were audible at once")
	}
}

func TestAttachSameAssetIsIdempotent(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	a := clip(asset.ChannelQuestion, 1, "same")
	_ = c.Attach(asset.ChannelQuestion, a)
	_ = c.Toggle(asset.ChannelQuestion)
	_ = c.Attach(asset.ChannelQuestion, a)
	if factory.count() != 1 || c.State(asset.ChannelQuestion) != StatePlaying {
		t.Fatalf("duplicate attach while playing must be a no-op, elements=%d", factory.count())
	}

	factory.last().emit(Event{Kind: EventEnded, Run: 1})
	if err := c.Attach(asset.ChannelQuestion, a); err != nil {
		t.Fatalf("replay attach: %v", err)
	}
	if factory.count() != 2 || c.State(asset.ChannelQuestion) != StateLoaded {
		t.Fatalf("attach after ended must reload, elements=%d state=%v", factory.count(), c.State(asset.ChannelQuestion))
	}
	if !c.AutoplayIfEligible(asset.ChannelQuestion) {
		t.Fatal("reloaded asset is a fresh load")
	}
}

func TestChannelsAreMutuallyExclusive(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	_ = c.Attach(asset.ChannelQuestion, clip(asset.ChannelQuestion, 1, "q"))
	_ = c.Toggle(asset.ChannelQuestion)
	question := factory.last()
	_ = c.Attach(asset.ChannelFeedback, clip(asset.ChannelFeedback, 1, "f"))
	if !c.AutoplayIfEligible(asset.ChannelFeedback) {
		t.Fatal("expected feedback to play")
	}
	if question.isPlaying() || c.State(asset.ChannelQuestion) != StateStopped {
		t.Fatal("question must stop when feedback starts")
	}
	if factory.sound.peak() > 1 {
		t.Fatalf("peak audible sources %d", factory.sound.peak())
	}
}

func TestAutoplayRejectionIsAbsorbed(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	factory.reject = errors.New("autoplay blocked by device policy")
	_ = c.Attach(asset.ChannelQuestion, clip(asset.ChannelQuestion, 1, "q"))
	if c.AutoplayIfEligible(asset.ChannelQuestion) {
		t.Fatal("rejected autoplay must report false")
	}
	snap := c.Snapshot().Channels[asset.ChannelQuestion]
	if snap.State != StateLoaded || !snap.AutoplayBlocked {
		t.Fatalf("expected loaded + blocked, got %+v", snap)
	}
	var perr *PlaybackError
	if !errors.As(snap.Err, &perr) || !errors.Is(perr, ErrPlaybackRejected) {
		t.Fatalf("expected PlaybackError, got %v", snap.Err)
	}

	// manual play surfaces the same error
	if err := c.Toggle(asset.ChannelQuestion); !errors.Is(err, ErrPlaybackRejected) {
		t.Fatalf("expected rejection from manual play, got %v", err)
	}
}

func TestFactoryFailureLeavesChannelEmpty(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	factory.fail = errors.New("undecodable")
	err := c.Attach(asset.ChannelFeedback, clip(asset.ChannelFeedback, 1, "x"))
	var perr *PlaybackError
	if !errors.As(err, &perr) || perr.Channel != asset.ChannelFeedback {
		t.Fatalf("expected PlaybackError, got %v", err)
	}
	if c.State(asset.ChannelFeedback) != StateEmpty {
		t.Fatalf("expected empty channel, got %v", c.State(asset.ChannelFeedback))
	}
	if err := c.Toggle(asset.ChannelFeedback); !errors.Is(err, ErrNoAsset) {
		t.Fatalf("expected ErrNoAsset, got %v", err)
	}
}

func TestExternalInterruptionRewinds(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	_ = c.Attach(asset.ChannelQuestion, clip(asset.ChannelQuestion, 1, "q"))
	_ = c.Toggle(asset.ChannelQuestion)
	el := factory.last()
	el.emit(Event{Kind: EventInterrupted, Run: 1})
	if c.State(asset.ChannelQuestion) != StateStopped || el.Position() != 0 {
		t.Fatalf("expected stopped at zero, got %v at %v", c.State(asset.ChannelQuestion), el.Position())
	}
}

func TestStaleRunEventsAreIgnored(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	_ = c.Attach(asset.ChannelQuestion, clip(asset.ChannelQuestion, 1, "q"))
	_ = c.Toggle(asset.ChannelQuestion) // run 1
	_ = c.Toggle(asset.ChannelQuestion) // stop
	_ = c.Toggle(asset.ChannelQuestion) // run 2
	factory.last().emit(Event{Kind: EventEnded, Run: 1})
	if c.State(asset.ChannelQuestion) != StatePlaying {
		t.Fatalf("ended event from an earlier run must be ignored, state=%v", c.State(asset.ChannelQuestion))
	}
}

func TestPlaybackFailureEvent(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	_ = c.Attach(asset.ChannelFeedback, clip(asset.ChannelFeedback, 1, "f"))
	_ = c.AutoplayIfEligible(asset.ChannelFeedback)
	factory.last().emit(Event{Kind: EventFailed, Run: 1, Err: errors.New("decode error")})
	snap := c.Snapshot().Channels[asset.ChannelFeedback]
	if snap.State != StateStopped || snap.Err == nil {
		t.Fatalf("expected stopped with error, got %+v", snap)
	}
}

func TestTeardownReleasesEverything(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	_ = c.Attach(asset.ChannelQuestion, clip(asset.ChannelQuestion, 1, "q"))
	_ = c.Attach(asset.ChannelFeedback, clip(asset.ChannelFeedback, 1, "f"))
	_ = c.Toggle(asset.ChannelFeedback)
	c.InterruptForRecording()
	c.Teardown()
	for _, el := range factory.elements {
		if !el.isClosed() || el.isPlaying() {
			t.Fatalf("element %s not released", el.id)
		}
		el.emit(Event{Kind: EventReady})
	}
	snap := c.Snapshot()
	if snap.Recording {
		t.Fatal("teardown must clear the recording flag")
	}
	for ch, cs := range snap.Channels {
		if cs.State != StateEmpty {
			t.Fatalf("%s: expected empty, got %v", ch, cs.State)
		}
	}
}

func TestObserverMayCallBack(t *testing.T) {
	factory := &fakeFactory{sound: &audible{}}
	var c *Coordinator
	var seen []State
	c = New(factory, WithObserver(func(ch Change) {
		seen = append(seen, ch.State)
		if ch.State == StateEnded {
			// re-entrant call from inside the observer
			_ = c.Toggle(ch.Channel)
		}
	}))
	defer c.Teardown()
	_ = c.Attach(asset.ChannelQuestion, clip(asset.ChannelQuestion, 1, "q"))
	_ = c.Toggle(asset.ChannelQuestion)
	factory.last().emit(Event{Kind: EventEnded, Run: 1})
	want := []State{StateLoaded, StatePlaying, StateEnded, StatePlaying}
	if !equalStates(seen, want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
}

func TestConcurrentAttachNeverDoublePlays(t *testing.T) {
	c, factory, _ := newTestCoordinator(t)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				ch := asset.Channels[(g+i)%2]
				_ = c.Attach(ch, clip(ch, i+1, fmt.Sprintf("%d-%d", g, i)))
				c.AutoplayIfEligible(ch)
				if i%7 == 0 {
					c.InterruptForRecording()
					c.OnRecordingEnded()
				}
				_ = c.Toggle(ch)
			}
		}(g)
	}
	wg.Wait()
	if peak := factory.sound.peak(); peak > 1 {
		t.Fatalf("expected at most one audible source, saw %d", peak)
	}
}
