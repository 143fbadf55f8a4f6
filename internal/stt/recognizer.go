package stt

import (
	"context"
	"errors"
	"strings"
)

// Audio is an encoded recording as uploaded by a client.
type Audio struct {
	Data     []byte
	MIMEType string
	Filename string
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, audio Audio) (TranscriptResult, error)
}

var ErrEmptyAudio = errors.New("audio payload is empty")

// Extension picks a file extension for the payload; some backends sniff
// the format from the name.
func (a Audio) Extension() string {
	if i := strings.LastIndex(a.Filename, "."); i >= 0 && i < len(a.Filename)-1 {
		return strings.ToLower(a.Filename[i:])
	}
	mime := a.MIMEType
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	switch strings.TrimSpace(mime) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "audio/webm":
		return ".webm"
	}
	return ".bin"
}
