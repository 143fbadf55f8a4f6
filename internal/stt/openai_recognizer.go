package stt

import (
	"bytes"
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
)

type openAIRecognizer struct {
	client   oai.Client
	model    string
	language string
}

func NewOpenAIRecognizer(client oai.Client, model, language string) Recognizer {
	if model == "" {
		model = string(oai.AudioModelWhisper1)
	}
	return &openAIRecognizer{client: client, model: model, language: language}
}

func (r *openAIRecognizer) Transcribe(ctx context.Context, audio Audio) (TranscriptResult, error) {
	if len(audio.Data) == 0 {
		return TranscriptResult{}, ErrEmptyAudio
	}
	name := audio.Filename
	if name == "" {
		name = "recording" + audio.Extension()
	}
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(audio.Data), name, audio.MIMEType),
		Model: oai.AudioModel(r.model),
	}
	if r.language != "" {
		params.Language = oai.String(r.language)
	}
	resp, err := r.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("openai transcription: %w", err)
	}
	return TranscriptResult{Text: resp.Text}, nil
}
