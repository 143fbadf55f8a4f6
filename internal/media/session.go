// Package media captures spoken answers and plays synthesized audio.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
)

type SessionState int

const (
	SessionIdle SessionState = iota
	SessionCapturing
	SessionStopped
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionCapturing:
		return "capturing"
	case SessionStopped:
		return "stopped"
	}
	return "unknown"
}

var (
	ErrSessionNotCapturing = errors.New("recording session is not capturing")
	ErrSessionStopped      = errors.New("recording session already stopped")
)

// RecordingSession collects the chunks of one microphone capture. It moves
// idle -> capturing -> stopped, and stops exactly once.
type RecordingSession struct {
	mu     sync.Mutex
	state  SessionState
	chunks [][]byte
	size   int
}

func NewRecordingSession() *RecordingSession {
	return &RecordingSession{}
}

func (s *RecordingSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case SessionCapturing:
		return nil
	case SessionStopped:
		return ErrSessionStopped
	}
	s.state = SessionCapturing
	return nil
}

// Append stores a copy of chunk. Empty chunks are ignored.
func (s *RecordingSession) Append(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionCapturing {
		return fmt.Errorf("append %d bytes: %w", len(chunk), ErrSessionNotCapturing)
	}
	if len(chunk) == 0 {
		return nil
	}
	s.chunks = append(s.chunks, bytes.Clone(chunk))
	s.size += len(chunk)
	return nil
}

// Stop ends the capture and returns the concatenated payload. The chunks are
// dropped afterwards; a second Stop fails.
func (s *RecordingSession) Stop() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionStopped {
		return nil, ErrSessionStopped
	}
	s.state = SessionStopped
	payload := make([]byte, 0, s.size)
	for _, c := range s.chunks {
		payload = append(payload, c...)
	}
	s.chunks = nil
	s.size = 0
	return payload, nil
}

func (s *RecordingSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
