package tts

import (
	"context"
	"errors"
	"strings"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
}

// SynthChunk carries a piece of an encoded audio file (WAV or MP3).
// Concatenating the chunks of one request in sequence order yields the
// complete file.
type SynthChunk struct {
	SessionID string
	Sequence  int
	MIMEType  string
	Data      []byte
	Final     bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

var (
	ErrEmptyText  = errors.New("text to synthesize is empty")
	ErrEmptyAudio = errors.New("synthesizer produced no audio")
)

// Collect drains a synthesis into one buffer.
func Collect(ctx context.Context, s Synthesizer, req SynthRequest) ([]byte, string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, "", ErrEmptyText
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errs := s.Synthesize(ctx, req)
	var (
		audio []byte
		mime  string
	)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			audio = append(audio, chunk.Data...)
			if chunk.MIMEType != "" {
				mime = chunk.MIMEType
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return nil, "", err
			}
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	if len(audio) == 0 {
		return nil, "", ErrEmptyAudio
	}
	return audio, mime, nil
}
