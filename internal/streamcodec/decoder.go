// Package streamcodec reads and writes the newline-delimited JSON stream the
// gateway uses to deliver a question and, optionally, its synthesized audio.
package streamcodec

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/loqalabs/loqa-interview/internal/asset"
	"github.com/loqalabs/loqa-interview/internal/protocol"
)

type EventKind int

const (
	KindQuestionReady EventKind = iota + 1
	KindAudioReady
	KindProtocolError
)

func (k EventKind) String() string {
	switch k {
	case KindQuestionReady:
		return "question_ready"
	case KindAudioReady:
		return "audio_ready"
	case KindProtocolError:
		return "protocol_error"
	}
	return "unknown"
}

// PartialLatencies are the stage timings carried on a stream line.
type PartialLatencies struct {
	QuestionGeneration float64
	QuestionSynthesis  float64
}

type Event struct {
	Kind      EventKind
	SessionID string
	Question  protocol.Question
	Audio     asset.Audio
	Latencies PartialLatencies
	// Err is a *ProtocolError when Kind is KindProtocolError.
	Err error
}

var (
	// ErrNoQuestion ends a stream that closed before any question line.
	ErrNoQuestion = errors.New("question stream closed before a question arrived")

	ErrMalformedLine   = errors.New("malformed stream line")
	ErrUnknownLine     = errors.New("stream line is neither a question nor audio")
	ErrDuplicateLine   = errors.New("question already received on this stream")
	ErrAudioBeforeText = errors.New("audio arrived before its question")
)

// ProtocolError describes one skipped line. It never terminates the stream.
type ProtocolError struct {
	Line int
	Raw  string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("stream line %d: %v", e.Line, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

type Option func(*Decoder)

// WithCycle fills in the question position when the server omits it.
func WithCycle(sequence, total int) Option {
	return func(d *Decoder) {
		d.sequence = sequence
		d.total = total
	}
}

// WithAudioMIME sets the MIME type recorded on decoded audio assets.
func WithAudioMIME(mime string) Option {
	return func(d *Decoder) {
		d.mime = mime
	}
}

// Decoder turns one question stream into events. It is single pass: once
// Next returns an error the stream is finished.
type Decoder struct {
	r        *bufio.Reader
	line     int
	sequence int
	total    int
	mime     string

	question bool
	pending  *Event
	err      error
}

func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{r: bufio.NewReader(r), mime: "audio/mpeg"}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next event. It returns io.EOF after a clean close,
// ErrNoQuestion when the stream ended without a question, or the read error.
func (d *Decoder) Next() (Event, error) {
	if d.pending != nil {
		ev := *d.pending
		d.pending = nil
		return ev, nil
	}
	for d.err == nil {
		raw, err := d.r.ReadBytes('\n')
		trimmed := bytes.TrimSpace(raw)
		switch {
		case err == nil:
			d.line++
			if len(trimmed) == 0 {
				continue
			}
			return d.decode(trimmed), nil
		case errors.Is(err, io.EOF):
			if d.question {
				d.err = io.EOF
			} else {
				d.err = ErrNoQuestion
			}
			if len(trimmed) > 0 {
				d.line++
				ev := d.decode(trimmed)
				if ev.Kind == KindQuestionReady {
					d.err = io.EOF
				}
				return ev, nil
			}
		default:
			d.err = fmt.Errorf("read question stream: %w", err)
		}
	}
	return Event{}, d.err
}

// All ranges over the remaining events. The final pair carries the
// terminal error unless the stream closed cleanly.
func (d *Decoder) All() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := d.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(Event{}, err)
				}
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// SawQuestion reports whether a question line has been decoded.
func (d *Decoder) SawQuestion() bool {
	return d.question
}

func (d *Decoder) decode(line []byte) Event {
	var msg protocol.StreamLine
	if err := json.Unmarshal(line, &msg); err != nil {
		return d.protocolError(line, fmt.Errorf("%w: %v", ErrMalformedLine, err))
	}

	switch {
	case msg.Question != nil && !msg.AudioReady:
		return d.decodeQuestion(line, msg)
	case msg.AudioReady || (msg.AudioData != nil && msg.Question == nil):
		return d.decodeAudio(line, msg)
	default:
		return d.protocolError(line, ErrUnknownLine)
	}
}

func (d *Decoder) decodeQuestion(line []byte, msg protocol.StreamLine) Event {
	if d.question {
		return d.protocolError(line, ErrDuplicateLine)
	}
	q := *msg.Question
	if q.SequenceNumber == 0 {
		q.SequenceNumber = d.sequence
	}
	if q.TotalInCycle == 0 {
		q.TotalInCycle = d.total
	}
	if err := q.Validate(); err != nil {
		return d.protocolError(line, err)
	}
	d.question = true
	d.sequence = q.SequenceNumber

	ev := Event{
		Kind:      KindQuestionReady,
		SessionID: msg.SessionID,
		Question:  q,
		Latencies: PartialLatencies{QuestionGeneration: nonNegative(msg.Latencies.LLMQuestion)},
	}
	// A question line may already carry its audio. Undecodable audio does
	// not cost the question; it is reported on the following event.
	if msg.AudioData != nil && *msg.AudioData != "" {
		data, err := base64.StdEncoding.DecodeString(*msg.AudioData)
		if err != nil {
			perr := d.protocolError(line, fmt.Errorf("%w: question audioData is not base64: %v", ErrMalformedLine, err))
			d.pending = &perr
			return ev
		}
		ev.Audio = asset.New(asset.ChannelQuestion, q.SequenceNumber, d.mime, data)
		ev.Latencies.QuestionSynthesis = nonNegative(msg.Latencies.TTS)
	}
	return ev
}

func (d *Decoder) decodeAudio(line []byte, msg protocol.StreamLine) Event {
	if !d.question {
		return d.protocolError(line, ErrAudioBeforeText)
	}
	if msg.AudioData == nil || *msg.AudioData == "" {
		return d.protocolError(line, fmt.Errorf("%w: audio line without audioData", ErrMalformedLine))
	}
	data, err := base64.StdEncoding.DecodeString(*msg.AudioData)
	if err != nil {
		return d.protocolError(line, fmt.Errorf("%w: audioData is not base64: %v", ErrMalformedLine, err))
	}
	return Event{
		Kind:      KindAudioReady,
		SessionID: msg.SessionID,
		Audio:     asset.New(asset.ChannelQuestion, d.sequence, d.mime, data),
		Latencies: PartialLatencies{QuestionSynthesis: nonNegative(msg.Latencies.TTS)},
	}
}

func (d *Decoder) protocolError(line []byte, err error) Event {
	raw := string(line)
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return Event{
		Kind: KindProtocolError,
		Err:  &ProtocolError{Line: d.line, Raw: raw, Err: err},
	}
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
