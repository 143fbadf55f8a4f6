package tts

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-interview/internal/media"
)

// mockSynth renders a quiet tone instead of speech, roughly as long as the
// text would take to say, and emits the WAV file in chunks.
type mockSynth struct {
	sampleRate int
	channels   int
	chunkSize  int
}

const mockWordDuration = 60 * time.Millisecond

func NewMockSynth(sampleRate, channels int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels, chunkSize: 16 << 10}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if strings.TrimSpace(req.Text) == "" {
			errs <- ErrEmptyText
			return
		}
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(20 * time.Millisecond):
		}

		words := len(strings.Fields(req.Text))
		d := min(time.Duration(words)*mockWordDuration, 3*time.Second)
		data, err := media.EncodeWAV(media.Tone(800, d, m.sampleRate, m.channels), m.sampleRate, m.channels)
		if err != nil {
			errs <- err
			return
		}
		for seq, off := 0, 0; off < len(data); seq++ {
			end := min(off+m.chunkSize, len(data))
			chunk := SynthChunk{
				SessionID: req.SessionID,
				Sequence:  seq,
				MIMEType:  "audio/wav",
				Data:      data[off:end],
				Final:     end == len(data),
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			off = end
		}
	}()
	return chunks, errs
}
