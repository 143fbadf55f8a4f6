// Package engine is the gateway's view of the interview collaborators:
// question generation, answer validation, speech synthesis and
// transcription. Every call reports how long the collaborator took.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/quiz"
	"github.com/loqalabs/loqa-interview/internal/stt"
	"github.com/loqalabs/loqa-interview/internal/tts"
)

// ErrDisabled is returned by a collaborator that is switched off in config.
var ErrDisabled = errors.New("engine disabled")

// Speech is one synthesized audio file.
type Speech struct {
	Data     []byte
	MIMEType string
}

// Engines is implemented by Composite and by its instrumented wrapper.
// Latencies are in milliseconds.
type Engines interface {
	GenerateQuestion(ctx context.Context, req quiz.QuestionRequest) (protocol.Question, float64, error)
	ValidateAnswer(ctx context.Context, sessionID string, q protocol.Question, answer string) (quiz.Verdict, float64, error)
	Synthesize(ctx context.Context, sessionID, text string) (Speech, float64, error)
	Transcribe(ctx context.Context, sessionID string, audio stt.Audio) (string, float64, error)
}

// Parts are the backends a Composite is built from. A nil part disables
// the matching operation.
type Parts struct {
	Master     *quiz.Master
	Synth      tts.Synthesizer
	Recognizer stt.Recognizer
	Voice      string
	// Timeout bounds each collaborator call. Zero means no bound.
	Timeout time.Duration
}

// Composite calls its parts directly; with bus placement those parts are
// the bus clients of remote engine services.
type Composite struct {
	parts Parts
	now   func() time.Time
}

func New(parts Parts) *Composite {
	return &Composite{parts: parts, now: time.Now}
}

func (c *Composite) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.parts.Timeout > 0 {
		return context.WithTimeout(ctx, c.parts.Timeout)
	}
	return context.WithCancel(ctx)
}

func (c *Composite) since(start time.Time) float64 {
	return float64(c.now().Sub(start).Microseconds()) / 1000
}

func (c *Composite) GenerateQuestion(ctx context.Context, req quiz.QuestionRequest) (protocol.Question, float64, error) {
	if c.parts.Master == nil {
		return protocol.Question{}, 0, fmt.Errorf("question generation: %w", ErrDisabled)
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	start := c.now()
	q, err := c.parts.Master.GenerateQuestion(ctx, req)
	return q, c.since(start), err
}

func (c *Composite) ValidateAnswer(ctx context.Context, sessionID string, q protocol.Question, answer string) (quiz.Verdict, float64, error) {
	if c.parts.Master == nil {
		return quiz.Verdict{}, 0, fmt.Errorf("answer validation: %w", ErrDisabled)
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	start := c.now()
	v, err := c.parts.Master.ValidateAnswer(ctx, sessionID, q, answer)
	return v, c.since(start), err
}

func (c *Composite) Synthesize(ctx context.Context, sessionID, text string) (Speech, float64, error) {
	if c.parts.Synth == nil {
		return Speech{}, 0, fmt.Errorf("speech synthesis: %w", ErrDisabled)
	}
	if strings.TrimSpace(text) == "" {
		return Speech{}, 0, tts.ErrEmptyText
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	start := c.now()
	data, mime, err := tts.Collect(ctx, c.parts.Synth, tts.SynthRequest{SessionID: sessionID, Text: text, Voice: c.parts.Voice})
	if err != nil {
		return Speech{}, c.since(start), fmt.Errorf("speech synthesis: %w", err)
	}
	if mime == "" {
		mime = "audio/mpeg"
	}
	return Speech{Data: data, MIMEType: mime}, c.since(start), nil
}

func (c *Composite) Transcribe(ctx context.Context, sessionID string, audio stt.Audio) (string, float64, error) {
	if c.parts.Recognizer == nil {
		return "", 0, fmt.Errorf("transcription: %w", ErrDisabled)
	}
	if len(audio.Data) == 0 {
		return "", 0, stt.ErrEmptyAudio
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	start := c.now()
	res, err := c.parts.Recognizer.Transcribe(ctx, audio)
	if err != nil {
		return "", c.since(start), fmt.Errorf("transcription: %w", err)
	}
	return strings.TrimSpace(res.Text), c.since(start), nil
}
