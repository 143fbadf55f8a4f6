// Package asset defines the encoded audio payloads that flow from the
// synthesis collaborator to the playback coordinator.
package asset

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Channel is one of the two logical audio output slots.
type Channel string

const (
	ChannelQuestion Channel = "question"
	ChannelFeedback Channel = "feedback"
)

// Channels lists every output channel in a stable order.
var Channels = []Channel{ChannelQuestion, ChannelFeedback}

func (c Channel) Valid() bool {
	return c == ChannelQuestion || c == ChannelFeedback
}

// Audio is an opaque encoded payload bound to one channel and one question.
type Audio struct {
	ID       string
	Channel  Channel
	Sequence int
	MIMEType string
	Data     []byte
}

// New builds an asset whose ID is derived from its channel, sequence and
// content, so the same payload attached twice carries the same ID.
func New(channel Channel, sequence int, mimeType string, data []byte) Audio {
	sum := sha256.Sum256(data)
	return Audio{
		ID:       fmt.Sprintf("%s-%d-%s", channel, sequence, hex.EncodeToString(sum[:6])),
		Channel:  channel,
		Sequence: sequence,
		MIMEType: mimeType,
		Data:     data,
	}
}

func (a Audio) Empty() bool {
	return len(a.Data) == 0
}

// Extension guesses a file extension for temp files handed to players.
func (a Audio) Extension() string {
	switch a.MIMEType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	case "audio/webm":
		return ".webm"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	}
	if len(a.Data) >= 4 && string(a.Data[:4]) == "RIFF" {
		return ".wav"
	}
	return ".mp3"
}
