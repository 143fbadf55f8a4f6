package streamcodec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/loqalabs/loqa-interview/internal/protocol"
)

type flusher interface {
	Flush()
}

// Encoder writes stream lines and flushes after each one so the client sees
// the question before any audio is ready.
type Encoder struct {
	enc   *json.Encoder
	flush flusher
}

func NewEncoder(w io.Writer) *Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	e := &Encoder{enc: enc}
	if f, ok := w.(flusher); ok {
		e.flush = f
	}
	return e
}

func (e *Encoder) WriteQuestion(sessionID string, q protocol.Question, generationMS float64) error {
	return e.write(protocol.StreamLine{
		Success:   true,
		SessionID: sessionID,
		Question:  &q,
		Latencies: protocol.StreamLatencies{LLMQuestion: generationMS},
	})
}

func (e *Encoder) WriteAudio(sessionID string, audio []byte, synthesisMS float64) error {
	encoded := base64.StdEncoding.EncodeToString(audio)
	return e.write(protocol.StreamLine{
		SessionID:  sessionID,
		AudioData:  &encoded,
		AudioReady: true,
		Latencies:  protocol.StreamLatencies{TTS: synthesisMS},
	})
}

func (e *Encoder) write(line protocol.StreamLine) error {
	if err := e.enc.Encode(line); err != nil {
		return fmt.Errorf("write stream line: %w", err)
	}
	if e.flush != nil {
		e.flush.Flush()
	}
	return nil
}
