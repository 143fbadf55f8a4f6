package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

// FileMicrophone replays prerecorded answers as if spoken into a microphone.
// Answers are used round-robin, one per Open. An answer naming an audio
// file (.wav, .mp3, .ogg, .webm) is read from disk; anything else is taken
// as typed text and rendered with SpokenAnswer. WAV answers are paced in
// real time; other formats are delivered as fast as they are read.
type FileMicrophone struct {
	paths    []string
	interval time.Duration
	pace     bool

	mu   sync.Mutex
	next int
}

const spokenSampleRate = 16000

type FileMicrophoneOption func(*FileMicrophone)

// WithoutPacing delivers every chunk immediately.
func WithoutPacing() FileMicrophoneOption {
	return func(m *FileMicrophone) {
		m.pace = false
	}
}

func NewFileMicrophone(paths []string, chunkInterval time.Duration, opts ...FileMicrophoneOption) *FileMicrophone {
	if chunkInterval <= 0 {
		chunkInterval = 250 * time.Millisecond
	}
	m := &FileMicrophone{paths: append([]string(nil), paths...), interval: chunkInterval, pace: true}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *FileMicrophone) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if len(m.paths) == 0 {
		m.mu.Unlock()
		return nil, &PermissionError{Device: "file", Err: fmt.Errorf("%w: no answer files configured", ErrDeviceUnavailable)}
	}
	path := m.paths[m.next%len(m.paths)]
	m.next++
	m.mu.Unlock()

	mime := mimeForPath(path)
	var data []byte
	if mime == "application/octet-stream" {
		spoken, err := SpokenAnswer(path, spokenSampleRate)
		if err != nil {
			return nil, &PermissionError{Device: "script", Err: fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)}
		}
		data, mime = spoken, "audio/wav"
	} else {
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsPermission(err) {
				return nil, &PermissionError{Device: path, Err: ErrPermissionDenied}
			}
			return nil, &PermissionError{Device: path, Err: fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)}
		}
		data = raw
	}
	if len(data) == 0 {
		return nil, &PermissionError{Device: path, Err: fmt.Errorf("%w: empty file", ErrDeviceUnavailable)}
	}

	stream := &fileStream{data: data, mime: mime, chunk: 4096}
	if stream.mime == "audio/wav" {
		dec := wav.NewDecoder(bytes.NewReader(data))
		if !dec.IsValidFile() {
			return nil, &PermissionError{Device: path, Err: fmt.Errorf("%w: invalid wav file", ErrDeviceUnavailable)}
		}
		if m.pace {
			if d, err := dec.Duration(); err == nil && d > 0 {
				chunks := int(d / m.interval)
				if chunks < 1 {
					chunks = 1
				}
				stream.chunk = (len(data) + chunks - 1) / chunks
				stream.interval = m.interval
			}
		}
	}
	return stream, nil
}

type fileStream struct {
	data     []byte
	mime     string
	chunk    int
	interval time.Duration
	off      int
	closed   bool
}

func (s *fileStream) ReadChunk(ctx context.Context) ([]byte, error) {
	if s.closed || s.off >= len(s.data) {
		return nil, io.EOF
	}
	if s.interval > 0 && s.off > 0 {
		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	end := min(s.off+s.chunk, len(s.data))
	chunk := s.data[s.off:end]
	s.off = end
	return chunk, nil
}

func (s *fileStream) MIMEType() string { return s.mime }

func (s *fileStream) Close() error {
	s.closed = true
	return nil
}

func mimeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg":
		return "audio/ogg"
	case ".webm":
		return "audio/webm"
	}
	return "application/octet-stream"
}
