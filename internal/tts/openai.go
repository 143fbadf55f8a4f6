package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	oai "github.com/openai/openai-go"
)

type openAISynth struct {
	client    oai.Client
	model     string
	voice     string
	chunkSize int
}

// NewOpenAISynth streams MP3 speech from the OpenAI audio API.
func NewOpenAISynth(client oai.Client, model, voice string) Synthesizer {
	if model == "" {
		model = "tts-1"
	}
	if voice == "" {
		voice = "alloy"
	}
	return &openAISynth{client: client, model: model, voice: voice, chunkSize: 32 << 10}
}

func (s *openAISynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if strings.TrimSpace(req.Text) == "" {
			errs <- ErrEmptyText
			return
		}
		voice := s.voice
		if req.Voice != "" {
			voice = req.Voice
		}
		resp, err := s.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
			Input:          req.Text,
			Model:          oai.SpeechModel(s.model),
			Voice:          oai.AudioSpeechNewParamsVoice(voice),
			ResponseFormat: oai.AudioSpeechNewParamsResponseFormatMP3,
		})
		if err != nil {
			errs <- fmt.Errorf("openai speech: %w", err)
			return
		}
		defer resp.Body.Close()

		buf := make([]byte, s.chunkSize)
		for seq := 0; ; seq++ {
			n, readErr := io.ReadFull(resp.Body, buf)
			final := readErr != nil
			if n > 0 {
				chunk := SynthChunk{
					SessionID: req.SessionID,
					Sequence:  seq,
					MIMEType:  "audio/mpeg",
					Data:      append([]byte(nil), buf[:n]...),
					Final:     final,
				}
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			if readErr != nil {
				if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
					errs <- fmt.Errorf("read openai speech: %w", readErr)
				}
				return
			}
		}
	}()
	return chunks, errs
}
