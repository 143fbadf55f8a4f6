package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("microphone unavailable")
	ErrEmptyRecording    = errors.New("recording captured no audio")
)

// PermissionError reports a microphone that could not be acquired. The
// caller may retry.
type PermissionError struct {
	Device string
	Err    error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("microphone %s: %v", e.Device, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// Microphone hands out capture streams.
type Microphone interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream yields encoded audio chunks until io.EOF.
type Stream interface {
	ReadChunk(ctx context.Context) ([]byte, error)
	MIMEType() string
	Close() error
}

// Payload is the finished recording.
type Payload struct {
	Data     []byte
	MIMEType string
	Duration time.Duration
}

type Recorder struct {
	mic    Microphone
	logger *slog.Logger
}

func NewRecorder(mic Microphone, logger *slog.Logger) *Recorder {
	return &Recorder{mic: mic, logger: logger.With(slog.String("component", "recorder"))}
}

// Start acquires the microphone and begins capturing in the background.
// ctx bounds opening the device only; the capture runs until Stop or until
// life is done.
func (r *Recorder) Start(ctx, life context.Context) (*Capture, error) {
	stream, err := r.mic.Open(ctx)
	if err != nil {
		var perr *PermissionError
		if errors.As(err, &perr) {
			return nil, err
		}
		return nil, &PermissionError{Device: "default", Err: err}
	}

	session := NewRecordingSession()
	if err := session.Start(); err != nil {
		_ = stream.Close()
		return nil, err
	}
	captureCtx, cancel := context.WithCancel(life)
	c := &Capture{
		session: session,
		stream:  stream,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
		logger:  r.logger,
	}
	go c.pump(captureCtx)
	return c, nil
}

// Capture is one running recording.
type Capture struct {
	session *RecordingSession
	stream  Stream
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
	logger  *slog.Logger

	once    sync.Once
	mu      sync.Mutex
	readErr error
	payload Payload
	stopErr error
}

func (c *Capture) pump(ctx context.Context) {
	defer close(c.done)
	chunks := 0
	for {
		chunk, err := c.stream.ReadChunk(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.mu.Lock()
				c.readErr = err
				c.mu.Unlock()
			}
			c.logger.Debug("capture pump finished", slog.Int("chunks", chunks))
			return
		}
		if err := c.session.Append(chunk); err != nil {
			return
		}
		chunks++
	}
}

// Exhausted is closed once the source has no more audio.
func (c *Capture) Exhausted() <-chan struct{} {
	return c.done
}

// Stop ends the capture and returns the concatenated payload. Only the first
// call does the work; later calls return the same result.
func (c *Capture) Stop() (Payload, error) {
	c.once.Do(func() {
		c.cancel()
		<-c.done
		if err := c.stream.Close(); err != nil {
			c.logger.Warn("close capture stream", slog.String("error", err.Error()))
		}
		data, err := c.session.Stop()
		c.mu.Lock()
		readErr := c.readErr
		c.mu.Unlock()
		switch {
		case err != nil:
			c.stopErr = err
		case readErr != nil:
			c.stopErr = fmt.Errorf("capture audio: %w", readErr)
		case len(data) == 0:
			c.stopErr = ErrEmptyRecording
		default:
			c.payload = Payload{Data: data, MIMEType: c.stream.MIMEType(), Duration: time.Since(c.started)}
		}
	})
	return c.payload, c.stopErr
}
