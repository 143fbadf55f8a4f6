package streamcodec

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-interview/internal/asset"
	"github.com/loqalabs/loqa-interview/internal/protocol"
)

const questionLine = `{"success":true,"question":{"question":"Which data structure is FIFO?","options":{"A":"Stack","B":"Queue","C":"Tree","D":"Graph"},"correctAnswer":"B","readableText":"Which data structure is first in first out?"},"audioData":null,"latencies":{"llmQuestion":812.5},"audioReady":false}` + "\n"

// chunkReader hands out one chunk per Read, like a network body.
type chunkReader struct {
	chunks [][]byte
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	if n < len(c.chunks[0]) {
		c.chunks[0] = c.chunks[0][n:]
	} else {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func split(s string, at ...int) *chunkReader {
	var chunks [][]byte
	prev := 0
	for _, i := range at {
		chunks = append(chunks, []byte(s[prev:i]))
		prev = i
	}
	chunks = append(chunks, []byte(s[prev:]))
	return &chunkReader{chunks: chunks}
}

func collect(t *testing.T, d *Decoder) ([]Event, error) {
	t.Helper()
	var events []Event
	for {
		ev, err := d.Next()
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func TestQuestionSplitMidObjectYieldsExactlyOneEvent(t *testing.T) {
	for _, at := range []int{1, 17, len(questionLine) / 2, len(questionLine) - 2, len(questionLine) - 1} {
		d := NewDecoder(split(questionLine, at), WithCycle(1, 5))
		events, err := collect(t, d)
		if !errors.Is(err, io.EOF) {
			t.Fatalf("split at %d: expected clean EOF, got %v", at, err)
		}
		if len(events) != 1 || events[0].Kind != KindQuestionReady {
			t.Fatalf("split at %d: expected one question event, got %+v", at, events)
		}
		q := events[0].Question
		if q.CorrectAnswer != protocol.ChoiceB || q.Options.B != "Queue" {
			t.Fatalf("unexpected question: %+v", q)
		}
		if q.SequenceNumber != 1 || q.TotalInCycle != 5 {
			t.Fatalf("expected cycle position 1/5, got %d/%d", q.SequenceNumber, q.TotalInCycle)
		}
		if events[0].Latencies.QuestionGeneration != 812.5 {
			t.Fatalf("expected generation latency, got %+v", events[0].Latencies)
		}
	}
}

func TestAudioLineFollowsQuestion(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	q := protocol.Question{
		Text:           "Capital of France?",
		Options:        protocol.Options{A: "Paris", B: "Rome", C: "Berlin", D: "Madrid"},
		CorrectAnswer:  protocol.ChoiceA,
		SequenceNumber: 2,
		TotalInCycle:   5,
	}
	if err := enc.WriteQuestion("s-1", q, 40); err != nil {
		t.Fatalf("write question: %v", err)
	}
	if err := enc.WriteAudio("s-1", []byte{1, 2, 3, 4}, 55); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	stream := buf.String()

	d := NewDecoder(split(stream, 10, len(stream)-7), WithAudioMIME("audio/wav"))
	events, err := collect(t, d)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != KindQuestionReady || events[0].SessionID != "s-1" {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	audio := events[1]
	if audio.Kind != KindAudioReady {
		t.Fatalf("expected audio event, got %v", audio.Kind)
	}
	if audio.Audio.Channel != asset.ChannelQuestion || audio.Audio.Sequence != 2 {
		t.Fatalf("audio bound to wrong question: %+v", audio.Audio)
	}
	if !bytes.Equal(audio.Audio.Data, []byte{1, 2, 3, 4}) || audio.Audio.MIMEType != "audio/wav" {
		t.Fatalf("unexpected audio payload %+v", audio.Audio)
	}
	if audio.Latencies.QuestionSynthesis != 55 {
		t.Fatalf("expected tts latency 55, got %v", audio.Latencies.QuestionSynthesis)
	}
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	stream := "{not json}\n\n" + `{"hello":"world"}` + "\n" + questionLine + `{"audioReady":true,"audioData":"%%%"}` + "\n"
	events, err := collect(t, NewDecoder(strings.NewReader(stream)))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	kinds := make([]EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []EventKind{KindProtocolError, KindProtocolError, KindQuestionReady, KindProtocolError}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}
	var perr *ProtocolError
	if !errors.As(events[0].Err, &perr) || perr.Line != 1 || !errors.Is(perr, ErrMalformedLine) {
		t.Fatalf("expected malformed line 1, got %v", events[0].Err)
	}
	if !errors.Is(events[1].Err, ErrUnknownLine) {
		t.Fatalf("expected unknown line error, got %v", events[1].Err)
	}
}

func TestUndecodableQuestionAudioIsReported(t *testing.T) {
	line := strings.Replace(questionLine, `"audioData":null`, `"audioData":"%%%"`, 1)
	for _, input := range []string{line, strings.TrimSuffix(line, "\n")} {
		events, err := collect(t, NewDecoder(strings.NewReader(input), WithCycle(2, 5)))
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF, got %v", err)
		}
		if len(events) != 2 || events[0].Kind != KindQuestionReady || events[1].Kind != KindProtocolError {
			t.Fatalf("expected question then protocol error, got %+v", events)
		}
		if !events[0].Audio.Empty() || events[0].Question.SequenceNumber != 2 {
			t.Fatalf("unexpected question event %+v", events[0])
		}
		var perr *ProtocolError
		if !errors.As(events[1].Err, &perr) || perr.Line != 1 || !errors.Is(perr, ErrMalformedLine) {
			t.Fatalf("expected malformed line 1, got %v", events[1].Err)
		}
	}
}

func TestStreamWithoutQuestionIsFatal(t *testing.T) {
	_, err := collect(t, NewDecoder(strings.NewReader("")))
	if !errors.Is(err, ErrNoQuestion) {
		t.Fatalf("expected ErrNoQuestion, got %v", err)
	}

	events, err := collect(t, NewDecoder(strings.NewReader(`{"audioReady":true,"audioData":"AQI="}`+"\n")))
	if !errors.Is(err, ErrNoQuestion) {
		t.Fatalf("expected ErrNoQuestion, got %v", err)
	}
	if len(events) != 1 || !errors.Is(events[0].Err, ErrAudioBeforeText) {
		t.Fatalf("expected audio-before-question protocol error, got %+v", events)
	}
}

func TestUnterminatedTrailingLine(t *testing.T) {
	complete := strings.TrimSuffix(questionLine, "\n")
	events, err := collect(t, NewDecoder(strings.NewReader(complete)))
	if !errors.Is(err, io.EOF) || len(events) != 1 || events[0].Kind != KindQuestionReady {
		t.Fatalf("expected complete trailing line to decode, got %v %+v", err, events)
	}

	truncated := complete[:len(complete)-10]
	events, err = collect(t, NewDecoder(strings.NewReader(truncated)))
	if !errors.Is(err, ErrNoQuestion) {
		t.Fatalf("expected ErrNoQuestion for truncated stream, got %v", err)
	}
	if len(events) != 1 || events[0].Kind != KindProtocolError {
		t.Fatalf("expected one protocol error, got %+v", events)
	}
}

func TestDuplicateQuestionIsRejected(t *testing.T) {
	events, err := collect(t, NewDecoder(strings.NewReader(questionLine+questionLine)))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if len(events) != 2 || events[1].Kind != KindProtocolError || !errors.Is(events[1].Err, ErrDuplicateLine) {
		t.Fatalf("expected duplicate question protocol error, got %+v", events)
	}
}

func TestAllStopsOnTerminalError(t *testing.T) {
	d := NewDecoder(strings.NewReader(questionLine))
	count := 0
	for ev, err := range d.All() {
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
		if ev.Kind == KindQuestionReady {
			count++
		}
	}
	if count != 1 || !d.SawQuestion() {
		t.Fatalf("expected one question, got %d", count)
	}

	var terminal error
	for _, err := range NewDecoder(strings.NewReader("")).All() {
		terminal = err
	}
	if !errors.Is(terminal, ErrNoQuestion) {
		t.Fatalf("expected ErrNoQuestion from All, got %v", terminal)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestReadErrorIsTerminal(t *testing.T) {
	d := NewDecoder(errReader{})
	if _, err := d.Next(); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected read error, got %v", err)
	}
	if _, err := d.Next(); err == nil {
		t.Fatal("decoder must stay finished after a read error")
	}
}

type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() { f.flushes++ }

func TestEncoderFlushesEachLine(t *testing.T) {
	w := &flushRecorder{}
	enc := NewEncoder(w)
	q := protocol.Question{Text: "q", Options: protocol.Options{A: "a", B: "b", C: "c", D: "d"}, CorrectAnswer: protocol.ChoiceD}
	if err := enc.WriteQuestion("", q, 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.WriteAudio("", []byte("x"), 2); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.flushes != 2 {
		t.Fatalf("expected 2 flushes, got %d", w.flushes)
	}
	if strings.Count(w.String(), "\n") != 2 {
		t.Fatalf("expected two newline-terminated lines, got %q", w.String())
	}
}
