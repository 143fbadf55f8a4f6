package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV wraps 16-bit little-endian PCM in a WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	return encodeWAV(pcm, sampleRate, channels, nil)
}

func encodeWAV(pcm []byte, sampleRate, channels int, meta *wav.Metadata) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid wav format %d Hz x %d", sampleRate, channels)
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}, SourceBitDepth: 16}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	out := &writeSeeker{}
	enc := wav.NewEncoder(out, sampleRate, 16, channels, 1)
	enc.Metadata = meta
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.buf, nil
}

// Tone renders a sine wave as 16-bit PCM with short fades so playback
// does not click.
func Tone(freq float64, d time.Duration, sampleRate, channels int) []byte {
	frames := int(d.Seconds() * float64(sampleRate))
	fade := sampleRate / 100
	pcm := make([]byte, frames*channels*2)
	for i := 0; i < frames; i++ {
		amp := 0.3
		if i < fade {
			amp *= float64(i) / float64(fade)
		} else if frames-i < fade {
			amp *= float64(frames-i) / float64(fade)
		}
		v := int16(amp * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(pcm[(i*channels+c)*2:], uint16(v))
		}
	}
	return pcm
}

// Comment returns the ICMT comment of a WAV file, if there is one.
func Comment(data []byte) (string, bool) {
	if len(data) < 12 || string(data[:4]) != "RIFF" {
		return "", false
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	dec.ReadMetadata()
	if dec.Err() != nil || dec.Metadata == nil || dec.Metadata.Comments == "" {
		return "", false
	}
	return dec.Metadata.Comments, true
}

// SpokenAnswer renders a stand-in recording for a typed answer: a tone
// whose length follows the word count, with the text in the comment so
// the mock transcriber can recover it.
func SpokenAnswer(text string, sampleRate int) ([]byte, error) {
	words := len(bytes.Fields([]byte(text)))
	d := time.Duration(max(words, 1)) * 300 * time.Millisecond
	return encodeWAV(Tone(220, d, sampleRate, 1), sampleRate, 1, &wav.Metadata{Comments: text})
}

// writeSeeker is an in-memory io.WriteSeeker for the wav encoder, which
// seeks back to patch chunk sizes.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	if end := w.pos + len(p); end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}
	n := copy(w.buf[w.pos:], p)
	w.pos += n
	return n, nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(w.pos) + offset
	case io.SeekEnd:
		abs = int64(len(w.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("negative position")
	}
	w.pos = int(abs)
	return abs, nil
}
