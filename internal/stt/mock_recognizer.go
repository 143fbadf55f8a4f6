package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-interview/internal/media"
)

type mockRecognizer struct{}

// NewMockRecognizer returns the answer text embedded in WAV recordings
// made by media.SpokenAnswer, and a placeholder for anything else.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, audio Audio) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if len(audio.Data) == 0 {
		return TranscriptResult{}, ErrEmptyAudio
	}
	if text, ok := media.Comment(audio.Data); ok && text != "" {
		return TranscriptResult{Text: text, Confidence: 1}, nil
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[transcript length=%d]", len(audio.Data)),
		Confidence: 0,
	}, nil
}
