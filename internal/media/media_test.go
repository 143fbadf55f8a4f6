package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interview/internal/asset"
	"github.com/loqalabs/loqa-interview/internal/coordinator"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordingSessionLifecycle(t *testing.T) {
	s := NewRecordingSession()
	if err := s.Append([]byte("early")); !errors.Is(err, ErrSessionNotCapturing) {
		t.Fatalf("append before start: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	chunk := []byte("abc")
	if err := s.Append(chunk); err != nil {
		t.Fatalf("append: %v", err)
	}
	chunk[0] = 'x'
	if err := s.Append([]byte("def")); err != nil {
		t.Fatalf("append: %v", err)
	}
	payload, err := s.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if string(payload) != "abcdef" {
		t.Fatalf("payload = %q, want abcdef", payload)
	}
	if s.State() != SessionStopped {
		t.Fatalf("state = %s", s.State())
	}
	if _, err := s.Stop(); !errors.Is(err, ErrSessionStopped) {
		t.Fatalf("second stop: %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrSessionStopped) {
		t.Fatalf("restart: %v", err)
	}
}

type fakeMic struct {
	err    error
	chunks [][]byte
}

func (m *fakeMic) Open(ctx context.Context) (Stream, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &fakeStream{chunks: m.chunks}, nil
}

type fakeStream struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
}

func (s *fakeStream) ReadChunk(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *fakeStream) MIMEType() string { return "audio/webm" }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func TestRecorderCollectsChunks(t *testing.T) {
	rec := NewRecorder(&fakeMic{chunks: [][]byte{[]byte("one"), []byte("two")}}, discardLogger())
	capture, err := rec.Start(context.Background(), context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-capture.Exhausted()
	payload, err := capture.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if string(payload.Data) != "onetwo" || payload.MIMEType != "audio/webm" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	again, err := capture.Stop()
	if err != nil || string(again.Data) != "onetwo" {
		t.Fatalf("second stop should repeat result, got %q %v", again.Data, err)
	}
}

func TestRecorderWrapsMicrophoneFailures(t *testing.T) {
	rec := NewRecorder(&fakeMic{err: ErrPermissionDenied}, discardLogger())
	_, err := rec.Start(context.Background(), context.Background())
	var perr *PermissionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied in chain, got %v", err)
	}
}

// gatedMic hands out a stream that blocks until a chunk is pushed, the
// source is closed, or the read context ends.
type gatedMic struct {
	chunks chan []byte
}

func (m *gatedMic) Open(ctx context.Context) (Stream, error) {
	return &gatedStream{chunks: m.chunks}, nil
}

type gatedStream struct {
	chunks chan []byte
}

func (s *gatedStream) ReadChunk(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c, ok := <-s.chunks:
		if !ok {
			return nil, io.EOF
		}
		return c, nil
	}
}

func (s *gatedStream) MIMEType() string { return "audio/wav" }

func (s *gatedStream) Close() error { return nil }

func TestCaptureOutlivesStartContext(t *testing.T) {
	mic := &gatedMic{chunks: make(chan []byte)}
	rec := NewRecorder(mic, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	capture, err := rec.Start(ctx, context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()

	mic.chunks <- []byte("late")
	close(mic.chunks)
	<-capture.Exhausted()
	payload, err := capture.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if string(payload.Data) != "late" {
		t.Fatalf("unexpected payload %q", payload.Data)
	}
}

func TestCaptureEndsWithLifetime(t *testing.T) {
	mic := &gatedMic{chunks: make(chan []byte)}
	rec := NewRecorder(mic, discardLogger())
	life, cancel := context.WithCancel(context.Background())
	capture, err := rec.Start(context.Background(), life)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	select {
	case <-capture.Exhausted():
	case <-time.After(2 * time.Second):
		t.Fatal("capture kept running after its lifetime ended")
	}
	if _, err := capture.Stop(); !errors.Is(err, ErrEmptyRecording) {
		t.Fatalf("expected ErrEmptyRecording, got %v", err)
	}
}

func TestRecorderRejectsEmptyCapture(t *testing.T) {
	rec := NewRecorder(&fakeMic{}, discardLogger())
	capture, err := rec.Start(context.Background(), context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-capture.Exhausted()
	if _, err := capture.Stop(); !errors.Is(err, ErrEmptyRecording) {
		t.Fatalf("expected ErrEmptyRecording, got %v", err)
	}
}

func TestSpokenAnswerCarriesComment(t *testing.T) {
	data, err := SpokenAnswer("option B", 16000)
	if err != nil {
		t.Fatalf("spoken answer: %v", err)
	}
	text, ok := Comment(data)
	if !ok || text != "option B" {
		t.Fatalf("comment = %q %v", text, ok)
	}
	d := Duration(asset.Audio{Data: data})
	if d < 500*time.Millisecond || d > 700*time.Millisecond {
		t.Fatalf("duration = %s, want about 600ms", d)
	}
	if _, ok := Comment([]byte("not audio")); ok {
		t.Fatal("expected no comment for non-wav data")
	}
}

func TestFileMicrophoneReplaysAnswersRoundRobin(t *testing.T) {
	dir := t.TempDir()
	wavData, err := EncodeWAV(Tone(440, 200*time.Millisecond, 8000, 1), 8000, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(dir, "answer.wav")
	if err := os.WriteFile(path, wavData, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	mic := NewFileMicrophone([]string{path, "it is a queue"}, 50*time.Millisecond, WithoutPacing())
	rec := NewRecorder(mic, discardLogger())

	first := record(t, rec)
	if !bytes.Equal(first.Data, wavData) || first.MIMEType != "audio/wav" {
		t.Fatalf("file answer not replayed verbatim")
	}
	second := record(t, rec)
	if text, ok := Comment(second.Data); !ok || text != "it is a queue" {
		t.Fatalf("typed answer comment = %q %v", text, ok)
	}
	third := record(t, rec)
	if !bytes.Equal(third.Data, wavData) {
		t.Fatal("expected round robin back to the file answer")
	}
}

func TestFileMicrophoneMissingFile(t *testing.T) {
	mic := NewFileMicrophone([]string{filepath.Join(t.TempDir(), "missing.wav")}, 0)
	_, err := mic.Open(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func record(t *testing.T, rec *Recorder) Payload {
	t.Helper()
	capture, err := rec.Start(context.Background(), context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-capture.Exhausted():
	case <-time.After(5 * time.Second):
		t.Fatal("capture never finished")
	}
	payload, err := capture.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	return payload
}

func TestSimulatedPlayerDrivesCoordinator(t *testing.T) {
	wavData, err := EncodeWAV(Tone(440, 100*time.Millisecond, 8000, 1), 8000, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	ended := make(chan struct{}, 1)
	c := coordinator.New(SimulatedPlayer{Speed: 2}, coordinator.WithObserver(func(ch coordinator.Change) {
		if ch.State == coordinator.StateEnded {
			select {
			case ended <- struct{}{}:
			default:
			}
		}
	}))
	defer c.Teardown()

	a := asset.New(asset.ChannelQuestion, 1, "audio/wav", wavData)
	if err := c.Attach(asset.ChannelQuestion, a, coordinator.AutoplayWhenReady()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Fatalf("playback never ended, state %s", c.State(asset.ChannelQuestion))
	}
}

func TestSimulatedElementPauseKeepsPosition(t *testing.T) {
	el, err := SimulatedPlayer{}.NewElement(asset.Audio{Data: make([]byte, 16000)})
	if err != nil {
		t.Fatalf("new element: %v", err)
	}
	defer el.Close()
	if _, err := el.Play(); err != nil {
		t.Fatalf("play: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	el.Pause()
	pos := el.Position()
	if pos <= 0 || pos >= time.Second {
		t.Fatalf("position after pause = %s", pos)
	}
	el.Rewind()
	if el.Position() != 0 {
		t.Fatalf("rewind left position %s", el.Position())
	}
	_ = el.Close()
	if _, err := el.Play(); !errors.Is(err, ErrElementClosed) {
		t.Fatalf("play after close: %v", err)
	}
}
